// Package bootstrap builds the shared components of the cardiorisk binaries
// from a loaded Config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/cardiorisk/pkg/common/config"
	"github.com/synaptica-ai/cardiorisk/pkg/common/kafka"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/ml/forest"
	"github.com/synaptica-ai/cardiorisk/pkg/nlp"
	"github.com/synaptica-ai/cardiorisk/pkg/normalizer"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/terminology"
	"github.com/synaptica-ai/cardiorisk/pkg/training"
)

// Normalizer loads the extraction rules and wraps them in a normalizer
// service. repo and producer may be nil.
func Normalizer(cfg *config.Config, repo *normalizer.Repository, producer kafka.Publisher) (*normalizer.Service, error) {
	rules, err := terminology.Load(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules %s: %w", cfg.RulesPath, err)
	}
	transformer := normalizer.NewTransformer(rules, cfg.ReferenceDate)
	return normalizer.NewService(transformer, repo, producer), nil
}

// ArtifactStore picks S3 when a bucket is configured and the local
// directory otherwise.
func ArtifactStore(ctx context.Context, cfg *config.Config) (serving.ArtifactStore, error) {
	if cfg.ArtifactBucket == "" {
		return serving.NewFileStore(cfg.ArtifactDir), nil
	}
	client, err := serving.NewS3Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return serving.NewS3Store(client, cfg.ArtifactBucket, cfg.ArtifactPrefix), nil
}

// EntityBackend returns the lexicon backend, fronted by the remote
// recognizer when NERBaseURL is set. The lexicon then serves as fallback.
func EntityBackend(cfg *config.Config) (nlp.Backend, error) {
	lexCfg, err := nlp.LoadLexicon(cfg.LexiconPath)
	if err != nil {
		return nil, fmt.Errorf("load lexicon %s: %w", cfg.LexiconPath, err)
	}
	lexicon, err := nlp.NewLexiconBackend(lexCfg)
	if err != nil {
		return nil, err
	}
	if cfg.NERBaseURL == "" {
		return lexicon, nil
	}

	logger.Log.WithField("base_url", cfg.NERBaseURL).Info("Using remote entity recognizer")
	remote := nlp.NewHTTPBackend(nlp.HTTPConfig{
		BaseURL:      cfg.NERBaseURL,
		TokenURL:     cfg.NERTokenURL,
		ClientID:     cfg.NERClientID,
		ClientSecret: cfg.NERClientSecret,
		Timeout:      cfg.NERTimeout,
		RateLimit:    float64(cfg.NERRateLimitRPS),
		MaxRetries:   cfg.NERMaxRetries,
	})
	return nlp.FallbackBackend{Primary: remote, Secondary: lexicon}, nil
}

func Extractor(cfg *config.Config) (*nlp.Extractor, error) {
	backend, err := EntityBackend(cfg)
	if err != nil {
		return nil, err
	}
	return nlp.NewExtractor(backend, nlp.Options{
		Timeout:   cfg.ExtractionTimeout,
		CacheSize: cfg.NERCacheSize,
	})
}

// TrainingOptions maps the training section of cfg onto model options.
// Unset values keep the model defaults.
func TrainingOptions(cfg *config.Config) riskmodel.Options {
	opts := riskmodel.DefaultOptions()
	if cfg.ModelName != "" {
		opts.Name = cfg.ModelName
	}
	forestOpts := forest.DefaultOptions()
	if cfg.ForestTrees > 0 {
		forestOpts.Trees = cfg.ForestTrees
	}
	if cfg.ForestMaxDepth > 0 {
		forestOpts.MaxDepth = cfg.ForestMaxDepth
	}
	if cfg.ForestSeed != 0 {
		forestOpts.Seed = cfg.ForestSeed
	}
	opts.Forest = forestOpts
	if cfg.ValidationFraction > 0 {
		opts.ValidationFraction = cfg.ValidationFraction
	}
	if cfg.MinClassExamples > 0 {
		opts.MinClassExamples = cfg.MinClassExamples
	}
	if cfg.RiskThreshold > 0 {
		opts.Threshold = cfg.RiskThreshold
	}
	return opts
}

// TrainingConfig resolves the feature schema, preprocessing policies and
// model options used by training jobs.
func TrainingConfig(cfg *config.Config, norm *normalizer.Service) (training.Config, error) {
	policies, err := features.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		return training.Config{}, fmt.Errorf("load policies %s: %w", cfg.PoliciesPath, err)
	}
	return training.Config{
		Schema:     norm.Schema(),
		Policies:   policies,
		Labeler:    features.DefaultLabeler(),
		Defaults:   TrainingOptions(cfg),
		MaxWorkers: cfg.TrainingWorkers,
	}, nil
}
