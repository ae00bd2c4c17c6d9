package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/match"
	"github.com/tkingovr/requestguard/internal/rules"
)

// File is the on-disk configuration document.
type File struct {
	Version  int        `yaml:"version"`
	Settings Settings   `yaml:"settings"`
	Rules    []api.Rule `yaml:"rules,omitempty"`
}

// Settings holds the tunables of a File. Durations are Go duration strings.
type Settings struct {
	RulesPath              string           `yaml:"rules_path,omitempty"`
	AdmissionPolicy        string           `yaml:"admission_policy,omitempty"`
	ReloadInterval         string           `yaml:"reload_interval,omitempty"`
	LogDir                 string           `yaml:"log_dir,omitempty"`
	DashboardAddr          string           `yaml:"dashboard_addr,omitempty"`
	BloomFalsePositiveRate float64          `yaml:"bloom_false_positive_rate,omitempty"`
	InjectionCacheSize     int              `yaml:"injection_cache_size,omitempty"`
	Pipeline               PipelineSettings `yaml:"pipeline"`
}

// PipelineSettings tunes the decision log pipeline.
type PipelineSettings struct {
	Capacity      int    `yaml:"capacity,omitempty"`
	BatchSize     int    `yaml:"batch_size,omitempty"`
	FlushInterval string `yaml:"flush_interval,omitempty"`
	DrainTimeout  string `yaml:"drain_timeout,omitempty"`
	FlushAttempts int    `yaml:"flush_attempts,omitempty"`
}

// Config is the runtime configuration for RequestGuard.
type Config struct {
	File               *File
	Path               string
	RulesPath          string
	AdmissionPolicy    string
	ReloadInterval     time.Duration
	LogDir             string
	DashboardAddr      string
	FalsePositiveRate  float64
	InjectionCacheSize int
	Pipeline           decisionlog.PipelineConfig
}

// Load reads a configuration YAML file and produces a runtime Config.
// Relative rule and policy paths resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	f, err := parse(data)
	if err != nil {
		return nil, err
	}
	return fromFile(f, path)
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	f, err := parse(data)
	if err != nil {
		return nil, err
	}
	return fromFile(f, "")
}

func parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("loading config: parsing YAML: %w", err)
	}
	if f.Version != 0 && f.Version != 1 {
		return nil, fmt.Errorf("loading config: unsupported version %d", f.Version)
	}
	return &f, nil
}

func fromFile(f *File, path string) (*Config, error) {
	s := f.Settings
	cfg := &Config{
		File:               f,
		Path:               path,
		RulesPath:          resolve(path, s.RulesPath),
		AdmissionPolicy:    resolve(path, s.AdmissionPolicy),
		FalsePositiveRate:  s.BloomFalsePositiveRate,
		InjectionCacheSize: s.InjectionCacheSize,
	}

	cfg.LogDir = s.LogDir
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir()
	}
	cfg.LogDir = expandHome(cfg.LogDir)

	cfg.DashboardAddr = s.DashboardAddr
	if cfg.DashboardAddr == "" {
		cfg.DashboardAddr = DefaultDashboardAddr
	}

	if cfg.FalsePositiveRate == 0 {
		cfg.FalsePositiveRate = match.DefaultFalsePositiveRate
	}
	if cfg.FalsePositiveRate < 0 || cfg.FalsePositiveRate >= 1 {
		return nil, fmt.Errorf("invalid bloom_false_positive_rate %v: must be in (0, 1)", cfg.FalsePositiveRate)
	}
	if cfg.InjectionCacheSize <= 0 {
		cfg.InjectionCacheSize = DefaultInjectionCacheSize
	}

	var err error
	if cfg.ReloadInterval, err = duration("reload_interval", s.ReloadInterval, DefaultReloadInterval); err != nil {
		return nil, err
	}

	p := s.Pipeline
	cfg.Pipeline = decisionlog.PipelineConfig{
		Capacity:      p.Capacity,
		BatchSize:     p.BatchSize,
		FlushAttempts: p.FlushAttempts,
	}
	if cfg.Pipeline.FlushInterval, err = duration("pipeline.flush_interval", p.FlushInterval, decisionlog.DefaultFlushInterval); err != nil {
		return nil, err
	}
	if cfg.Pipeline.DrainTimeout, err = duration("pipeline.drain_timeout", p.DrainTimeout, decisionlog.DefaultDrainTimeout); err != nil {
		return nil, err
	}
	if cfg.Pipeline.Capacity < 0 || cfg.Pipeline.BatchSize < 0 || cfg.Pipeline.FlushAttempts < 0 {
		return nil, fmt.Errorf("invalid pipeline settings: sizes must not be negative")
	}

	return cfg, nil
}

func duration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}

func resolve(configPath, p string) string {
	if p == "" {
		return ""
	}
	p = expandHome(p)
	if filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfig returns a config with defaults for when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		File:               &File{Version: 1},
		LogDir:             expandHome(DefaultLogDir()),
		DashboardAddr:      DefaultDashboardAddr,
		ReloadInterval:     DefaultReloadInterval,
		FalsePositiveRate:  match.DefaultFalsePositiveRate,
		InjectionCacheSize: DefaultInjectionCacheSize,
		Pipeline: decisionlog.PipelineConfig{
			FlushInterval: decisionlog.DefaultFlushInterval,
			DrainTimeout:  decisionlog.DefaultDrainTimeout,
		},
	}
}

// RuleSource returns the rule file source when rules_path is set, otherwise
// the rules inlined in the config file.
func (c *Config) RuleSource() rules.Source {
	if c.RulesPath != "" {
		return rules.NewFileSource(c.RulesPath)
	}
	if c.File == nil {
		return rules.StaticSource(nil)
	}
	return rules.StaticSource(c.File.Rules)
}

// MarshalYAML serializes the configuration document for display/export.
func (c *Config) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.File)
}
