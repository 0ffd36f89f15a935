package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `
sso_url: https://corp.awsapps.com/start
sso_region: eu-west-1
permission_set: DevAccess
regions: [eu-west-1, us-east-1]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	s, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.BastionPattern != "*bastion*" {
		t.Errorf("BastionPattern = %q, want *bastion*", s.BastionPattern)
	}
	if !s.ClustersEnabled() || !s.DatabasesEnabled() {
		t.Error("clusters and databases should be enabled by default")
	}
	if s.BasePort != 16384 {
		t.Errorf("BasePort = %d, want 16384", s.BasePort)
	}
	if s.ExpiryMargin != 5*time.Minute {
		t.Errorf("ExpiryMargin = %s, want 5m", s.ExpiryMargin)
	}
	if s.ScanConcurrency != 8 {
		t.Errorf("ScanConcurrency = %d, want 8", s.ScanConcurrency)
	}
	if s.DefaultNamespace != "default" {
		t.Errorf("DefaultNamespace = %q, want default", s.DefaultNamespace)
	}
}

func TestLoadExplicitValuesSurviveDefaults(t *testing.T) {
	s, err := Load(writeConfig(t, minimalConfig+`
bastion_pattern: "jump-*"
clusters_enabled: false
base_port: 20000
expiry_margin: 10m
accounts: ["111111111111"]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.BastionPattern != "jump-*" {
		t.Errorf("BastionPattern = %q, want jump-*", s.BastionPattern)
	}
	if s.ClustersEnabled() {
		t.Error("clusters_enabled: false was ignored")
	}
	if !s.DatabasesEnabled() {
		t.Error("databases should stay enabled when unset")
	}
	if s.BasePort != 20000 {
		t.Errorf("BasePort = %d, want 20000", s.BasePort)
	}
	if s.ExpiryMargin != 10*time.Minute {
		t.Errorf("ExpiryMargin = %s, want 10m", s.ExpiryMargin)
	}
	if len(s.Accounts) != 1 || s.Accounts[0] != "111111111111" {
		t.Errorf("Accounts = %v", s.Accounts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BEAM_PERMISSION_SET", "AdminAccess")
	t.Setenv("BEAM_BASE_PORT", "30000")

	s, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.PermissionSet != "AdminAccess" {
		t.Errorf("PermissionSet = %q, want env override AdminAccess", s.PermissionSet)
	}
	if s.BasePort != 30000 {
		t.Errorf("BasePort = %d, want env override 30000", s.BasePort)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"bastoin_pattern: oops\n"))
	if err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"sso_url":        "sso_region: eu-west-1\npermission_set: Dev\nregions: [eu-west-1]\n",
		"sso_region":     "sso_url: https://x.awsapps.com/start\npermission_set: Dev\nregions: [eu-west-1]\n",
		"permission_set": "sso_url: https://x.awsapps.com/start\nsso_region: eu-west-1\nregions: [eu-west-1]\n",
		"regions":        "sso_url: https://x.awsapps.com/start\nsso_region: eu-west-1\npermission_set: Dev\n",
	}
	for missing, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("expected error when %s is missing", missing)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
