// Package config loads the agent's runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshd/protocol"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Mode selects the chain environment the agent targets.
type Mode string

const (
	ModeLocal      Mode = "local"
	ModeTestnet    Mode = "testnet"
	ModeProduction Mode = "production"
	ModeMainnet    Mode = "mainnet"
)

// AgentConfig identifies the local agent and its service advertisement.
type AgentConfig struct {
	Address      string   `yaml:"address"`
	Skills       []string `yaml:"skills"`
	MinFee       string   `yaml:"min_fee"`
	Stake        string   `yaml:"stake"`
	ResponseTime string   `yaml:"response_time"`
}

// TransportConfig addresses the group chat and retry policy.
type TransportConfig struct {
	MeshGroupID    int64    `yaml:"mesh_group_id"`
	ReplyChat      int64    `yaml:"reply_chat"`
	OperatorChatID int64    `yaml:"operator_chat_id"`
	SendRetries    *int     `yaml:"send_retries"`
	SendRetryBase  Duration `yaml:"send_retry_base"`
}

// ChainConfig controls the reputation registry path and trust mode.
type ChainConfig struct {
	ContractAddress     string `yaml:"contract_address"`
	Mode                Mode   `yaml:"mode"`
	StrictChain         bool   `yaml:"strict_chain"`
	AllowLocalFallback  *bool  `yaml:"allow_local_reputation_fallback"`
	AutoRegisterOnStart bool   `yaml:"auto_register_on_start"`
}

// SchedulerConfig tunes the deadline sweep loop.
type SchedulerConfig struct {
	WaitForDeadline *bool    `yaml:"wait_for_deadline"`
	Enabled         *bool    `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	ExpirySweep     Duration `yaml:"expiry_sweep"`
}

// StorageConfig selects the persistence backend. DatabaseURL wins over
// Supabase; absence of both selects the in-memory store.
type StorageConfig struct {
	DatabaseURL            string `yaml:"database_url"`
	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseServiceRoleKey string `yaml:"supabase_service_role_key"`
}

// LimitsConfig bounds coordinator-side validation.
type LimitsConfig struct {
	MaxIntentDeadline Duration `yaml:"max_intent_deadline"`
	MaxPayloadBytes   int      `yaml:"max_payload_bytes"`
}

// ServerConfig exposes the operator HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Env        string `yaml:"env"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config captures runtime configuration for meshd.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Transport TransportConfig `yaml:"transport"`
	Chain     ChainConfig     `yaml:"chain"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Limits    LimitsConfig    `yaml:"limits"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, for embedding
// and tests.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.MinFee == "" {
		cfg.Agent.MinFee = "0"
	}
	if cfg.Agent.Stake == "" {
		cfg.Agent.Stake = "1"
	}
	if cfg.Agent.ResponseTime == "" {
		cfg.Agent.ResponseTime = "5s"
	}
	if cfg.Transport.SendRetries == nil {
		retries := 2
		cfg.Transport.SendRetries = &retries
	} else if *cfg.Transport.SendRetries < 0 {
		*cfg.Transport.SendRetries = 0
	}
	if cfg.Transport.SendRetryBase.Duration == 0 {
		cfg.Transport.SendRetryBase.Duration = 150 * time.Millisecond
	}
	if cfg.Transport.SendRetryBase.Duration < 50*time.Millisecond {
		cfg.Transport.SendRetryBase.Duration = 50 * time.Millisecond
	}
	if cfg.Chain.Mode == "" {
		cfg.Chain.Mode = ModeLocal
	}
	if cfg.Chain.AllowLocalFallback == nil {
		allow := true
		cfg.Chain.AllowLocalFallback = &allow
	}
	if cfg.Scheduler.WaitForDeadline == nil {
		wait := true
		cfg.Scheduler.WaitForDeadline = &wait
	}
	if cfg.Scheduler.Enabled == nil {
		enabled := true
		cfg.Scheduler.Enabled = &enabled
	}
	if cfg.Scheduler.Interval.Duration == 0 {
		cfg.Scheduler.Interval.Duration = time.Second
	}
	if cfg.Scheduler.Interval.Duration < 250*time.Millisecond {
		cfg.Scheduler.Interval.Duration = 250 * time.Millisecond
	}
	if cfg.Scheduler.ExpirySweep.Duration == 0 {
		cfg.Scheduler.ExpirySweep.Duration = time.Second
	}
	if cfg.Limits.MaxIntentDeadline.Duration == 0 {
		cfg.Limits.MaxIntentDeadline.Duration = time.Hour
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits.MaxPayloadBytes = 16 * 1024
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7180"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 64
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Agent.Address) == "" {
		return fmt.Errorf("agent address must be configured")
	}
	if len(cfg.Agent.Skills) == 0 {
		return fmt.Errorf("at least one skill must be configured")
	}
	if _, err := protocol.ParseDecimal(cfg.Agent.MinFee); err != nil {
		return fmt.Errorf("invalid min_fee: %w", err)
	}
	if _, err := protocol.ParseDecimal(cfg.Agent.Stake); err != nil {
		return fmt.Errorf("invalid stake: %w", err)
	}
	switch cfg.Chain.Mode {
	case ModeLocal, ModeTestnet, ModeProduction, ModeMainnet:
	default:
		return fmt.Errorf("unknown mode %q", cfg.Chain.Mode)
	}
	if cfg.Transport.MeshGroupID == 0 {
		return fmt.Errorf("mesh_group_id must be configured")
	}
	if cfg.Storage.SupabaseURL != "" && cfg.Storage.SupabaseServiceRoleKey == "" {
		return fmt.Errorf("supabase_service_role_key required with supabase_url")
	}
	return nil
}
