package config

import "time"

// Default knob values. YAML settings override these via mergo merge.
const (
	DefaultEmbeddingDimension = 1024
	DefaultEmbeddingInFlight  = 8
	DefaultEmbeddingBatchSize = 32
	DefaultEmbeddingCacheSize = 4096
	DefaultDocumentThreshold  = 0.6
	DefaultDocumentSafetyCap  = 200
	DefaultProcessFloor       = 0.5
	DefaultSessionFloor       = 0.5
	DefaultKeywordWeight      = 0.3
	DefaultIngestBatchSize    = 10
	DefaultClusterThreshold   = 0.55
	DefaultMaxClusters        = 256
	DefaultSendBufferSize     = 64
)

// defaultConfig returns the built-in configuration. User YAML is merged on
// top of this, so every field here must be a sensible production value.
func defaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Port:           8080,
			SendBufferSize: DefaultSendBufferSize,
			WriteTimeout:   Duration(10 * time.Second),
			QueueTurns:     false,
		},
		Database: &DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "mnemos",
			Database:        "mnemos",
			SSLMode:         "disable",
			MaxConns:        20,
			MinConns:        2,
			ConnMaxLifetime: Duration(time.Hour),
			ConnMaxIdleTime: Duration(10 * time.Minute),
			QueryTimeout:    Duration(5 * time.Second),
		},
		Embedding: &EmbeddingConfig{
			Dimension:   DefaultEmbeddingDimension,
			RPM:         600,
			MaxInFlight: DefaultEmbeddingInFlight,
			BatchSize:   DefaultEmbeddingBatchSize,
			CacheSize:   DefaultEmbeddingCacheSize,
			Timeout:     Duration(30 * time.Second),
			MaxRetries:  2,
		},
		LLM: &LLMConfig{
			MaxTokens:         2048,
			StreamIdleTimeout: Duration(45 * time.Second),
		},
		Retrieval: &RetrievalConfig{
			ProcessTopK:        5,
			EpisodicTopK:       5,
			DocumentTopK:       8,
			ProcessFloor:       DefaultProcessFloor,
			SessionFloor:       DefaultSessionFloor,
			DocumentThreshold:  DefaultDocumentThreshold,
			DocumentSafetyCap:  DefaultDocumentSafetyCap,
			KeywordWeight:      DefaultKeywordWeight,
			HotContext:         HotContextStale,
			HotContextStaleAge: Duration(10 * time.Minute),
		},
		Ingest: &IngestConfig{
			BatchSize:            DefaultIngestBatchSize,
			FlushInterval:        Duration(5 * time.Second),
			ClusterJoinThreshold: DefaultClusterThreshold,
			MaxClusters:          DefaultMaxClusters,
		},
		Limits: &LimitsConfig{
			TurnDeadline:      Duration(120 * time.Second),
			SynthesisDeadline: Duration(30 * time.Second),
		},
		Auth: &AuthConfig{
			CredentialTTL: Duration(24 * time.Hour),
		},
	}
}

// defaultTwinConfig is the fallback twin for tenants without an explicit
// entry and for personal (tenant-less) sessions.
func defaultTwinConfig() *TwinConfig {
	return &TwinConfig{
		Variant: VariantPersonal,
		Persona: "You are a thoughtful assistant with durable memory of past conversations.",
	}
}
