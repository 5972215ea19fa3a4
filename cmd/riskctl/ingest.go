package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Normalize a directory of FHIR bundles into a feature table",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			out, _ := cmd.Flags().GetString("out")
			diagPath, _ := cmd.Flags().GetString("diagnostics")
			withLabels, _ := cmd.Flags().GetBool("labels")
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}

			cfg := loadConfig(cmd)
			norm, err := bootstrap.Normalizer(cfg, nil, nil)
			if err != nil {
				return err
			}
			service := ingestion.NewService(norm, ingestion.NewValidator(cfg.IngestSources), nil, nil, nil, cfg.IngestWorkers)
			res, err := service.IngestDir(cmd.Context(), dir)
			if err != nil {
				return err
			}

			policies, err := features.LoadPolicies(cfg.PoliciesPath)
			if err != nil {
				return err
			}
			builder, err := features.NewBuilder(norm.Schema(), policies)
			if err != nil {
				return err
			}
			table, err := builder.Build(res.Rows)
			if err != nil {
				return err
			}
			var labels []int
			if withLabels {
				if labels, err = features.DefaultLabeler().Labels(table); err != nil {
					return err
				}
			}

			w, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			if strings.EqualFold(filepath.Ext(out), ".xlsx") {
				err = storage.WriteTableXLSX(w, table, labels)
			} else {
				err = storage.WriteTableCSV(w, table, labels)
			}
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("write feature table: %w", err)
			}

			if diagPath != "" {
				dw, err := openOutput(cmd, diagPath)
				if err != nil {
					return err
				}
				defer dw.Close()
				return writeJSON(dw, res.Diagnostics)
			}
			d := res.Diagnostics
			fmt.Fprintf(cmd.ErrOrStderr(), "records=%d normalized=%d failed=%d\n", d.Records, d.Normalized, d.Failed)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Directory of *.json bundles")
	cmd.Flags().StringP("out", "o", "-", "Feature table output (.csv or .xlsx, - for stdout)")
	cmd.Flags().String("diagnostics", "", "Write batch diagnostics JSON to this file")
	cmd.Flags().Bool("labels", true, "Append a label column derived from the threshold labeler")
	cmd.Flags().String("reference-date", "", "Reference date for ages and observation windows (YYYY-MM-DD)")
	return cmd
}
