package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [text]",
		Short: "Extract clinical entities from free text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			noteID, _ := cmd.Flags().GetString("note-id")

			var text string
			switch {
			case len(args) == 1 && file != "":
				return fmt.Errorf("pass either text or --file, not both")
			case len(args) == 1:
				text = args[0]
			case file == "-":
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(raw)
			case file != "":
				raw, err := os.ReadFile(filepath.Clean(file))
				if err != nil {
					return err
				}
				text = string(raw)
			default:
				return fmt.Errorf("no text given")
			}

			cfg := loadConfig(cmd)
			extractor, err := bootstrap.Extractor(cfg)
			if err != nil {
				return err
			}
			entities, err := extractor.Extract(cmd.Context(), models.ClinicalNote{ID: noteID, Text: text})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entities)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read the note from this file (- for stdin)")
	cmd.Flags().String("note-id", "note-1", "Identifier recorded on each entity")
	return cmd
}
