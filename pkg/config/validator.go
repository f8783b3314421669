package config

import (
	"errors"
	"fmt"
)

// validate checks the assembled configuration for values that would fail
// at runtime. Collected errors are joined so the operator sees everything
// wrong in one pass.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.SendBufferSize <= 0 {
		errs = append(errs, errors.New("server.send_buffer_size must be positive"))
	}

	if cfg.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if cfg.Database.MaxConns < cfg.Database.MinConns {
		errs = append(errs, fmt.Errorf("database.max_conns %d below min_conns %d",
			cfg.Database.MaxConns, cfg.Database.MinConns))
	}

	if cfg.Embedding.BaseURL == "" {
		errs = append(errs, errors.New("embedding.base_url is required"))
	}
	if cfg.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}
	if cfg.Embedding.MaxInFlight <= 0 {
		errs = append(errs, errors.New("embedding.max_in_flight must be positive"))
	}

	if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	if t := cfg.Retrieval.DocumentThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("retrieval.document_threshold %v out of [0,1]", t))
	}
	if w := cfg.Retrieval.KeywordWeight; w < 0 || w > 1 {
		errs = append(errs, fmt.Errorf("retrieval.keyword_weight %v out of [0,1]", w))
	}
	switch cfg.Retrieval.HotContext {
	case HotContextAlways, HotContextStale, HotContextNever:
	default:
		errs = append(errs, fmt.Errorf("retrieval.hot_context %q must be always, stale, or never",
			cfg.Retrieval.HotContext))
	}

	if cfg.Ingest.BatchSize <= 0 {
		errs = append(errs, errors.New("ingest.batch_size must be positive"))
	}
	if cfg.Ingest.FlushInterval.Std() <= 0 {
		errs = append(errs, errors.New("ingest.flush_interval must be positive"))
	}

	if cfg.Limits.TurnDeadline.Std() <= 0 {
		errs = append(errs, errors.New("limits.turn_deadline must be positive"))
	}

	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}

	return errors.Join(errs...)
}
