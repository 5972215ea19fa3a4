package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string
	BundleTopic  string
	ReportTopic  string
	DLQTopic     string

	// Model artifacts
	ArtifactDir    string
	ArtifactBucket string
	ArtifactPrefix string
	ModelName      string
	ModelReload    time.Duration

	// Normalization
	RulesPath     string
	PoliciesPath  string
	ReferenceDate time.Time
	IngestWorkers int
	IngestSources []string
	IngestRunTTL  time.Duration

	// Training
	ForestTrees        int
	ForestMaxDepth     int
	ForestSeed         int64
	ValidationFraction float64
	MinClassExamples   int
	RiskThreshold      float64
	TrainingWorkers    int

	// Inference budgets
	PredictionTimeout    time.Duration
	ExtractionTimeout    time.Duration
	ExplanationCacheSize int

	// Entity extraction
	LexiconPath     string
	NERBaseURL      string
	NERTokenURL     string
	NERClientID     string
	NERClientSecret string
	NERTimeout      time.Duration
	NERRateLimitRPS int
	NERMaxRetries   int
	NERCacheSize    int

	// Feature Store
	FeatureStoreCacheTTL time.Duration
	FeatureStorePrefix   string

	// Gateway specific
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int
}

// Load resolves configuration from the environment, falling back to an
// optional YAML file named by CONFIG_FILE and then to built-in defaults.
func Load() *Config {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		// a broken config file falls back to env + defaults
		_ = v.ReadInConfig()
	}

	return &Config{
		ServerPort:     v.GetString("server_port"),
		ServerHost:     v.GetString("server_host"),
		ReadTimeout:    v.GetDuration("read_timeout"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		MaxRequestBody: v.GetInt64("max_request_body_bytes"),

		PostgresHost:     v.GetString("postgres_host"),
		PostgresPort:     v.GetString("postgres_port"),
		PostgresUser:     v.GetString("postgres_user"),
		PostgresPassword: v.GetString("postgres_password"),
		PostgresDB:       v.GetString("postgres_db"),
		PostgresSSLMode:  v.GetString("postgres_sslmode"),

		RedisHost:     v.GetString("redis_host"),
		RedisPort:     v.GetString("redis_port"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		KafkaGroupID: v.GetString("kafka_group_id"),
		BundleTopic:  v.GetString("bundle_topic"),
		ReportTopic:  v.GetString("report_topic"),
		DLQTopic:     v.GetString("dlq_topic"),

		ArtifactDir:    v.GetString("artifact_dir"),
		ArtifactBucket: v.GetString("artifact_bucket"),
		ArtifactPrefix: v.GetString("artifact_prefix"),
		ModelName:      v.GetString("model_name"),
		ModelReload:    v.GetDuration("model_reload_interval"),

		RulesPath:     v.GetString("rules_path"),
		PoliciesPath:  v.GetString("policies_path"),
		ReferenceDate: ParseDate(v.GetString("reference_date")),
		IngestWorkers: v.GetInt("ingest_workers"),
		IngestSources: splitList(v.GetString("ingest_sources")),
		IngestRunTTL:  v.GetDuration("ingest_run_ttl"),

		ForestTrees:        v.GetInt("forest_trees"),
		ForestMaxDepth:     v.GetInt("forest_max_depth"),
		ForestSeed:         v.GetInt64("forest_seed"),
		ValidationFraction: v.GetFloat64("validation_fraction"),
		MinClassExamples:   v.GetInt("min_class_examples"),
		RiskThreshold:      v.GetFloat64("risk_threshold"),
		TrainingWorkers:    v.GetInt("training_workers"),

		PredictionTimeout:    v.GetDuration("prediction_timeout"),
		ExtractionTimeout:    v.GetDuration("extraction_timeout"),
		ExplanationCacheSize: v.GetInt("explanation_cache_size"),

		LexiconPath:     v.GetString("lexicon_path"),
		NERBaseURL:      v.GetString("ner_base_url"),
		NERTokenURL:     v.GetString("ner_token_url"),
		NERClientID:     v.GetString("ner_client_id"),
		NERClientSecret: v.GetString("ner_client_secret"),
		NERTimeout:      v.GetDuration("ner_timeout"),
		NERRateLimitRPS: v.GetInt("ner_rate_limit_rps"),
		NERMaxRetries:   v.GetInt("ner_max_retries"),
		NERCacheSize:    v.GetInt("ner_cache_size"),

		FeatureStoreCacheTTL: v.GetDuration("feature_store_cache_ttl"),
		FeatureStorePrefix:   v.GetString("feature_store_prefix"),

		GatewayRateLimitRPS:   v.GetInt("gateway_rate_limit_rps"),
		GatewayRateLimitBurst: v.GetInt("gateway_rate_limit_burst"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8089")
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("max_request_body_bytes", 4*1024*1024)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", "5432")
	v.SetDefault("postgres_user", "synaptica")
	v.SetDefault("postgres_password", "synaptica123")
	v.SetDefault("postgres_db", "synaptica")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_group_id", "cardiorisk")
	v.SetDefault("bundle_topic", "")
	v.SetDefault("report_topic", "")
	v.SetDefault("dlq_topic", "")

	v.SetDefault("artifact_dir", "./artifacts")
	v.SetDefault("artifact_bucket", "")
	v.SetDefault("artifact_prefix", "models/")
	v.SetDefault("model_name", "cardiac-risk")
	v.SetDefault("model_reload_interval", time.Minute)

	v.SetDefault("rules_path", "")
	v.SetDefault("policies_path", "")
	v.SetDefault("ingest_sources", "")
	v.SetDefault("ingest_run_ttl", 7*24*time.Hour)
	v.SetDefault("reference_date", "")
	v.SetDefault("ingest_workers", 8)

	v.SetDefault("forest_trees", 100)
	v.SetDefault("forest_max_depth", 10)
	v.SetDefault("forest_seed", 42)
	v.SetDefault("validation_fraction", 0.2)
	v.SetDefault("min_class_examples", 5)
	v.SetDefault("risk_threshold", 0.5)
	v.SetDefault("training_workers", 1)

	v.SetDefault("prediction_timeout", 2*time.Second)
	v.SetDefault("extraction_timeout", 5*time.Second)
	v.SetDefault("explanation_cache_size", 8)

	v.SetDefault("lexicon_path", "")
	v.SetDefault("ner_base_url", "")
	v.SetDefault("ner_token_url", "")
	v.SetDefault("ner_client_id", "")
	v.SetDefault("ner_client_secret", "")
	v.SetDefault("ner_timeout", 10*time.Second)
	v.SetDefault("ner_rate_limit_rps", 5)
	v.SetDefault("ner_max_retries", 3)
	v.SetDefault("ner_cache_size", 1024)

	v.SetDefault("feature_store_cache_ttl", 5*time.Minute)
	v.SetDefault("feature_store_prefix", "features")

	v.SetDefault("gateway_rate_limit_rps", 50)
	v.SetDefault("gateway_rate_limit_burst", 100)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseDate returns the zero time for empty or unparsable input; callers treat
// zero as "now".
func ParseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
