// Command riskctl runs the cardiac risk pipeline from the command line:
// normalize bundles into a feature table, train a model artifact, score
// patients and extract entities from free text.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/cardiorisk/pkg/common/config"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "riskctl",
		Short:        "Cardiac risk scoring toolkit",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if file, _ := cmd.Flags().GetString("config"); file != "" {
				if err := os.Setenv("CONFIG_FILE", file); err != nil {
					return err
				}
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger.Init()
			} else {
				logger.Silence()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stdout")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(extractCmd())
	return rootCmd
}

// loadConfig applies the flags shared by several commands on top of the
// environment configuration.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	if f := cmd.Flags().Lookup("artifact-dir"); f != nil && f.Changed {
		cfg.ArtifactDir = f.Value.String()
		cfg.ArtifactBucket = ""
	}
	if f := cmd.Flags().Lookup("reference-date"); f != nil && f.Changed {
		cfg.ReferenceDate = config.ParseDate(f.Value.String())
	}
	return cfg
}

// openOutput returns stdout for "" and "-".
func openOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{cmd.OutOrStdout()}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
