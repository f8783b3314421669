package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// mnemosYAML mirrors the mnemos.yaml file structure.
type mnemosYAML struct {
	Server    *ServerConfig    `yaml:"server"`
	Database  *DatabaseConfig  `yaml:"database"`
	Embedding *EmbeddingConfig `yaml:"embedding"`
	LLM       *LLMConfig       `yaml:"llm"`
	Retrieval *RetrievalConfig `yaml:"retrieval"`
	Ingest    *IngestConfig    `yaml:"ingest"`
	Limits    *LimitsConfig    `yaml:"limits"`
	Auth      *AuthConfig      `yaml:"auth"`
}

// twinsYAML mirrors the twins.yaml file structure.
type twinsYAML struct {
	Default *TwinConfig            `yaml:"default"`
	Twins   map[string]*TwinConfig `yaml:"twins"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Read mnemos.yaml and twins.yaml from configDir
//  2. Expand environment variables
//  3. Merge user YAML over built-in defaults
//  4. Build the twin registry
//  5. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := defaultConfig()
	cfg.configDir = configDir

	var fileCfg mnemosYAML
	if err := loadYAML(filepath.Join(configDir, "mnemos.yaml"), &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to load mnemos.yaml: %w", err)
	}

	// User settings override defaults; unset fields keep default values.
	sections := []struct {
		dst, src any
	}{
		{cfg.Server, fileCfg.Server},
		{cfg.Database, fileCfg.Database},
		{cfg.Embedding, fileCfg.Embedding},
		{cfg.LLM, fileCfg.LLM},
		{cfg.Retrieval, fileCfg.Retrieval},
		{cfg.Ingest, fileCfg.Ingest},
		{cfg.Limits, fileCfg.Limits},
		{cfg.Auth, fileCfg.Auth},
	}
	for _, s := range sections {
		if isNilSection(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration section: %w", err)
		}
	}

	twins, err := loadTwins(configDir, cfg.Retrieval)
	if err != nil {
		return nil, err
	}
	cfg.TwinRegistry = twins

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"twins", cfg.TwinRegistry.Len(),
		"embedding_dim", cfg.Embedding.Dimension,
		"llm_model", cfg.LLM.Model)

	return cfg, nil
}

// loadTwins reads twins.yaml (optional) and fills per-twin retrieval knobs
// from the global retrieval config where unset.
func loadTwins(configDir string, retrieval *RetrievalConfig) (*TwinRegistry, error) {
	var fileCfg twinsYAML
	path := filepath.Join(configDir, "twins.yaml")
	if err := loadYAML(path, &fileCfg); err != nil {
		if os.IsNotExist(err) {
			return NewTwinRegistry(nil, defaultTwinConfig()), nil
		}
		return nil, fmt.Errorf("failed to load twins.yaml: %w", err)
	}

	defaultCfg := fileCfg.Default
	if defaultCfg == nil {
		defaultCfg = defaultTwinConfig()
	}
	if defaultCfg.Variant == "" {
		defaultCfg.Variant = VariantPersonal
	}

	twins := make(map[string]*TwinConfig, len(fileCfg.Twins))
	for tenantID, tc := range fileCfg.Twins {
		if tc == nil {
			continue
		}
		tc.TenantID = tenantID
		if tc.Variant == "" {
			tc.Variant = defaultCfg.Variant
		}
		if tc.Persona == "" {
			tc.Persona = defaultCfg.Persona
		}
		if tc.Retrieval != nil {
			merged := *retrieval
			if err := mergo.Merge(&merged, tc.Retrieval, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge retrieval knobs for tenant %s: %w", tenantID, err)
			}
			tc.Retrieval = &merged
		}
		twins[tenantID] = tc
	}

	return NewTwinRegistry(twins, defaultCfg), nil
}

// loadYAML reads a YAML file, expands environment variables, and
// unmarshals into out.
func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := ExpandEnv(data)
	if err := yaml.Unmarshal(expanded, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isNilSection(v any) bool {
	switch s := v.(type) {
	case *ServerConfig:
		return s == nil
	case *DatabaseConfig:
		return s == nil
	case *EmbeddingConfig:
		return s == nil
	case *LLMConfig:
		return s == nil
	case *RetrievalConfig:
		return s == nil
	case *IngestConfig:
		return s == nil
	case *LimitsConfig:
		return s == nil
	case *AuthConfig:
		return s == nil
	}
	return v == nil
}
