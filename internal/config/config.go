// Package config holds the typed settings for the beam engine.
//
// Settings are loaded from a YAML file (default ~/.beam/config.yaml, written
// by the setup wizard) and can be overridden per-field through BEAM_*
// environment variables. Every recognized option is an explicit struct field;
// unknown YAML keys are rejected so a typo never silently disables a filter.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings is the full engine configuration.
type Settings struct {
	// SSO identity.
	SSOStartURL   string `yaml:"sso_url" envconfig:"SSO_URL"`
	SSORegion     string `yaml:"sso_region" envconfig:"SSO_REGION"`
	PermissionSet string `yaml:"permission_set" envconfig:"PERMISSION_SET"`

	// Discovery scope. An empty account list means every account the SSO
	// token can reach; the region list is required.
	Accounts []string `yaml:"accounts" envconfig:"ACCOUNTS"`
	Regions  []string `yaml:"regions" envconfig:"REGIONS"`

	// Target filters.
	BastionPattern  string            `yaml:"bastion_pattern" envconfig:"BASTION_PATTERN"`
	BastionTags     map[string]string `yaml:"bastion_tags"`
	ClusterPattern  string            `yaml:"cluster_pattern" envconfig:"CLUSTER_PATTERN"`
	EnableClusters  *bool             `yaml:"clusters_enabled" envconfig:"CLUSTERS_ENABLED"`
	EnableDatabases *bool             `yaml:"databases_enabled" envconfig:"DATABASES_ENABLED"`
	DatabaseTags    map[string]string `yaml:"database_tags"`

	// Kubernetes.
	DefaultNamespace string `yaml:"default_namespace" envconfig:"DEFAULT_NAMESPACE"`

	// Local resources.
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogPath     string `yaml:"log_path" envconfig:"LOG_PATH"`
	BasePort    int    `yaml:"base_port" envconfig:"BASE_PORT"`
	ControlPort int    `yaml:"control_port" envconfig:"CONTROL_PORT"`

	// Concurrency and timing.
	ScanConcurrency  int           `yaml:"scan_concurrency" envconfig:"SCAN_CONCURRENCY"`
	OpenConcurrency  int           `yaml:"open_concurrency" envconfig:"OPEN_CONCURRENCY"`
	UnitTimeout      time.Duration `yaml:"unit_timeout" envconfig:"UNIT_TIMEOUT"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" envconfig:"DRAIN_TIMEOUT"`
	ExpiryMargin     time.Duration `yaml:"expiry_margin" envconfig:"EXPIRY_MARGIN"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" envconfig:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
}

// DefaultPath returns the default config file location (~/.beam/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".beam", "config.yaml")
	}
	return filepath.Join(home, ".beam", "config.yaml")
}

// Load reads the YAML config at path, applies BEAM_* environment overrides,
// fills defaults and validates required fields.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := envconfig.Process("BEAM", &s); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.BastionPattern == "" {
		s.BastionPattern = "*bastion*"
	}
	if s.ClusterPattern == "" {
		s.ClusterPattern = "*"
	}
	if s.EnableClusters == nil {
		t := true
		s.EnableClusters = &t
	}
	if s.EnableDatabases == nil {
		t := true
		s.EnableDatabases = &t
	}
	if s.DefaultNamespace == "" {
		s.DefaultNamespace = "default"
	}
	if s.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.DataDir = filepath.Join(home, ".beam")
		} else {
			s.DataDir = ".beam"
		}
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataDir, "beam.log")
	}
	if s.BasePort == 0 {
		s.BasePort = 16384
	}
	if s.ControlPort == 0 {
		s.ControlPort = 8643
	}
	if s.ScanConcurrency == 0 {
		s.ScanConcurrency = 8
	}
	if s.OpenConcurrency == 0 {
		s.OpenConcurrency = 4
	}
	if s.UnitTimeout == 0 {
		s.UnitTimeout = 30 * time.Second
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 30 * time.Second
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = 10 * time.Second
	}
	if s.ExpiryMargin == 0 {
		s.ExpiryMargin = 5 * time.Minute
	}
	if s.RetryMaxAttempts == 0 {
		s.RetryMaxAttempts = 4
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = 500 * time.Millisecond
	}
}

func (s *Settings) validate() error {
	if s.SSOStartURL == "" {
		return fmt.Errorf("config: sso_url is required")
	}
	if s.SSORegion == "" {
		return fmt.Errorf("config: sso_region is required")
	}
	if s.PermissionSet == "" {
		return fmt.Errorf("config: permission_set is required")
	}
	if len(s.Regions) == 0 {
		return fmt.Errorf("config: at least one region is required")
	}
	return nil
}

// ClustersEnabled reports whether EKS discovery is on.
func (s *Settings) ClustersEnabled() bool { return s.EnableClusters != nil && *s.EnableClusters }

// DatabasesEnabled reports whether RDS discovery is on.
func (s *Settings) DatabasesEnabled() bool { return s.EnableDatabases != nil && *s.EnableDatabases }
