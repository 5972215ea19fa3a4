package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/cardiorisk/pkg/bootstrap"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/training"
)

type trainOutput struct {
	Name     string      `json:"name"`
	Version  string      `json:"version"`
	Artifact string      `json:"artifact"`
	Metrics  interface{} `json:"metrics"`
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit a risk model from a feature table or a bundle directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, _ := cmd.Flags().GetString("table")
			bundles, _ := cmd.Flags().GetString("bundles")
			trees, _ := cmd.Flags().GetInt("trees")
			depth, _ := cmd.Flags().GetInt("max-depth")
			seed, _ := cmd.Flags().GetInt64("seed")

			cfg := loadConfig(cmd)
			if trees > 0 {
				cfg.ForestTrees = trees
			}
			if depth > 0 {
				cfg.ForestMaxDepth = depth
			}
			if cmd.Flags().Changed("seed") {
				cfg.ForestSeed = seed
			}

			norm, err := bootstrap.Normalizer(cfg, nil, nil)
			if err != nil {
				return err
			}
			ingest := ingestion.NewService(norm, ingestion.NewValidator(cfg.IngestSources), nil, nil, nil, cfg.IngestWorkers)
			store, err := bootstrap.ArtifactStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			registry := serving.NewRegistry(cfg.ModelName, store)

			tc, err := bootstrap.TrainingConfig(cfg, norm)
			if err != nil {
				return err
			}
			service, err := training.NewService(training.NewMemoryStore(), registry, ingest, tc)
			if err != nil {
				return err
			}

			if (table == "") == (bundles == "") {
				return fmt.Errorf("exactly one of --table and --bundles is required")
			}
			model, artifact, err := service.Train(cmd.Context(), training.CreateJobInput{TablePath: table, BundleDir: bundles})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), trainOutput{
				Name:     model.Name,
				Version:  model.Version,
				Artifact: artifact,
				Metrics:  model.Metrics,
			})
		},
	}
	cmd.Flags().String("table", "", "Labeled feature table CSV")
	cmd.Flags().String("bundles", "", "Directory of *.json bundles, labeled by the threshold labeler")
	cmd.Flags().String("artifact-dir", "", "Write the artifact to this directory instead of the configured store")
	cmd.Flags().Int("trees", 0, "Number of trees (0 keeps the configured value)")
	cmd.Flags().Int("max-depth", 0, "Maximum tree depth (0 keeps the configured value)")
	cmd.Flags().Int64("seed", 0, "Random seed")
	cmd.Flags().String("reference-date", "", "Reference date for ages and observation windows (YYYY-MM-DD)")
	return cmd
}
