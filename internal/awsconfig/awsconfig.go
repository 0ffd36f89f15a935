// Package awsconfig maintains the SSO profiles in the user's AWS config file
// that session-manager-plugin and `aws eks get-token` resolve credentials
// through.
package awsconfig

import (
	"fmt"
	"os"
	"path/filepath"

	ini "gopkg.in/ini.v1"
)

// ProfileName returns the profile written for an (account, permission set)
// pair.
func ProfileName(accountID, role string) string {
	return accountID + "-" + role
}

// Writer upserts profiles into one AWS config file, leaving unrelated
// sections alone.
type Writer struct {
	path        string
	ssoStartURL string
	ssoRegion   string
}

// DefaultPath returns ~/.aws/config.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aws", "config")
	}
	return filepath.Join(home, ".aws", "config")
}

// NewWriter builds a Writer for the config file at path.
func NewWriter(path, ssoStartURL, ssoRegion string) *Writer {
	return &Writer{path: path, ssoStartURL: ssoStartURL, ssoRegion: ssoRegion}
}

// EnsureProfile writes or updates the SSO profile for (accountID, role) in
// the given default region and returns the profile name.
func (w *Writer) EnsureProfile(accountID, role, region string) (string, error) {
	cfg, err := ini.LooseLoad(w.path)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", w.path, err)
	}

	name := ProfileName(accountID, role)
	sec := cfg.Section("profile " + name)
	sec.Key("sso_start_url").SetValue(w.ssoStartURL)
	sec.Key("sso_region").SetValue(w.ssoRegion)
	sec.Key("sso_account_id").SetValue(accountID)
	sec.Key("sso_role_name").SetValue(role)
	sec.Key("region").SetValue(region)
	sec.Key("output").SetValue("json")

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return "", err
	}
	if err := cfg.SaveTo(w.path); err != nil {
		return "", fmt.Errorf("save %s: %w", w.path, err)
	}
	return name, nil
}
