package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/report"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
)

// scoreResult is one line of score output. Exactly one of Report and Error
// is set.
type scoreResult struct {
	Source string                    `json:"source"`
	Report *models.PatientRiskReport `json:"report,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Produce risk reports for a directory of FHIR bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("bundles")
			out, _ := cmd.Flags().GetString("out")
			top, _ := cmd.Flags().GetInt("top")
			if dir == "" {
				return fmt.Errorf("--bundles is required")
			}

			cfg := loadConfig(cmd)
			norm, err := bootstrap.Normalizer(cfg, nil, nil)
			if err != nil {
				return err
			}
			store, err := bootstrap.ArtifactStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			registry := serving.NewRegistry(cfg.ModelName, store)
			if _, err := registry.Load(cmd.Context()); err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return fmt.Errorf("no %s artifact found", cfg.ModelName)
				}
				return err
			}
			extractor, err := bootstrap.Extractor(cfg)
			if err != nil {
				return err
			}
			reports, err := report.NewService(report.Deps{
				Normalizer: norm,
				Registry:   registry,
				Extractor:  extractor,
			}, report.Options{PredictionTimeout: cfg.PredictionTimeout, TopAttributions: top})
			if err != nil {
				return err
			}

			docs, err := ingestion.ReadDir(dir)
			if err != nil {
				return err
			}
			w, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			defer w.Close()

			results := make([]scoreResult, 0, len(docs))
			for _, doc := range docs {
				res := scoreResult{Source: doc.Source}
				rec, err := ingestion.DecodeRecord(doc)
				if err == nil {
					var rep models.PatientRiskReport
					if rep, err = reports.FromRecord(cmd.Context(), rec); err == nil {
						res.Report = &rep
					}
				}
				if err != nil {
					res.Error = err.Error()
				}
				results = append(results, res)
			}
			return writeJSON(w, results)
		},
	}
	cmd.Flags().String("bundles", "", "Directory of *.json bundles")
	cmd.Flags().String("artifact-dir", "", "Load the model from this directory instead of the configured store")
	cmd.Flags().StringP("out", "o", "-", "Report output file (- for stdout)")
	cmd.Flags().Int("top", 5, "Attributions listed first in each explanation")
	cmd.Flags().String("reference-date", "", "Reference date for ages and observation windows (YYYY-MM-DD)")
	return cmd
}
