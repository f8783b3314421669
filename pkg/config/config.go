// Package config loads and validates the process-wide configuration.
// Configuration is read once at startup from a config directory and is
// immutable afterwards; a restart picks up changes.
package config

import (
	"fmt"
	"time"
)

// Config is the umbrella configuration object returned by Initialize().
type Config struct {
	configDir string

	Server    *ServerConfig
	Database  *DatabaseConfig
	Embedding *EmbeddingConfig
	LLM       *LLMConfig
	Retrieval *RetrievalConfig
	Ingest    *IngestConfig
	Limits    *LimitsConfig
	Auth      *AuthConfig

	// TwinRegistry maps tenant ids to twin configurations.
	TwinRegistry *TwinRegistry
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	SendBufferSize   int      `yaml:"send_buffer_size"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	// QueueTurns holds one pending message per session instead of
	// rejecting with turn_in_flight.
	QueueTurns bool `yaml:"queue_turns"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxConns        int      `yaml:"max_conns"`
	MinConns        int      `yaml:"min_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    Duration `yaml:"query_timeout"`
}

// EmbeddingConfig holds the external embedding service settings.
type EmbeddingConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Dimension   int      `yaml:"dimension"`
	RPM         int      `yaml:"rpm"`
	MaxInFlight int      `yaml:"max_in_flight"`
	BatchSize   int      `yaml:"batch_size"`
	CacheSize   int      `yaml:"cache_size"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

// LLMConfig holds the streaming completion service settings.
type LLMConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	// StreamIdleTimeout aborts a stream that produces no chunk for this long.
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`
}

// HotContextMode controls when the engine proactively pulls recent
// temporal context before the LLM stream.
type HotContextMode string

const (
	HotContextAlways HotContextMode = "always"
	HotContextStale  HotContextMode = "stale"
	HotContextNever  HotContextMode = "never"
)

// RetrievalConfig holds the retrieval knobs shared by all twins unless a
// tenant overrides them.
type RetrievalConfig struct {
	ProcessTopK        int            `yaml:"process_top_k"`
	EpisodicTopK       int            `yaml:"episodic_top_k"`
	DocumentTopK       int            `yaml:"document_top_k"`
	ProcessFloor       float64        `yaml:"process_floor"`
	SessionFloor       float64        `yaml:"session_floor"`
	DocumentThreshold  float64        `yaml:"document_threshold"`
	DocumentSafetyCap  int            `yaml:"document_safety_cap"`
	KeywordWeight      float64        `yaml:"keyword_weight"`
	HotContext         HotContextMode `yaml:"hot_context"`
	HotContextStaleAge Duration       `yaml:"hot_context_stale_age"`
}

// IngestConfig holds memory-ingest pipeline settings.
type IngestConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	// ClusterJoinThreshold is the minimum cosine similarity for an item to
	// join an existing cluster.
	ClusterJoinThreshold float64 `yaml:"cluster_join_threshold"`
	MaxClusters          int     `yaml:"max_clusters"`
}

// LimitsConfig holds per-turn deadlines.
type LimitsConfig struct {
	TurnDeadline      Duration `yaml:"turn_deadline"`
	SynthesisDeadline Duration `yaml:"synthesis_deadline"`
}

// AuthConfig holds scope resolution settings.
type AuthConfig struct {
	// Secret signs opaque session credentials (HMAC-SHA256).
	Secret string `yaml:"secret"`
	// CredentialTTL rejects tokens older than this. Zero disables expiry.
	CredentialTTL Duration `yaml:"credential_ttl"`
}

// TwinVariant selects the engine behavior for a tenant.
type TwinVariant string

const (
	VariantPersonal  TwinVariant = "personal"
	VariantCorporate TwinVariant = "corporate"
)

// TwinConfig describes one tenant's twin: variant, voice, and knob
// overrides on top of the global retrieval settings.
type TwinConfig struct {
	TenantID     string      `yaml:"tenant_id"`
	Variant      TwinVariant `yaml:"variant"`
	Persona      string      `yaml:"persona"`
	Instructions string      `yaml:"instructions"`

	Retrieval *RetrievalConfig `yaml:"retrieval,omitempty"`
}

// TwinRegistry resolves tenant ids to twin configurations.
type TwinRegistry struct {
	twins      map[string]*TwinConfig
	defaultCfg *TwinConfig
}

// NewTwinRegistry builds a registry from configured twins plus a default
// used for tenants (and personal sessions) without an explicit entry.
func NewTwinRegistry(twins map[string]*TwinConfig, defaultCfg *TwinConfig) *TwinRegistry {
	if twins == nil {
		twins = make(map[string]*TwinConfig)
	}
	return &TwinRegistry{twins: twins, defaultCfg: defaultCfg}
}

// Get returns the twin configuration for a tenant, falling back to the
// default when the tenant has no explicit entry.
func (r *TwinRegistry) Get(tenantID string) *TwinConfig {
	if cfg, ok := r.twins[tenantID]; ok {
		return cfg
	}
	return r.defaultCfg
}

// Len returns the number of explicitly configured twins.
func (r *TwinRegistry) Len() int { return len(r.twins) }

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
