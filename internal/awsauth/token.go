package awsauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ssoToken mirrors the AWS CLI SSO token cache file format
// (~/.aws/sso/cache/*.json). Newer files carry client registration and a
// refresh token; legacy files only the access token.
type ssoToken struct {
	StartURL     string    `json:"startUrl"`
	Region       string    `json:"region"`
	AccessToken  string    `json:"accessToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
}

func (t *ssoToken) refreshable() bool {
	return t.ClientID != "" && t.ClientSecret != "" && t.RefreshToken != ""
}

// tokenCache locates and rewrites the cached SSO token for one start URL.
type tokenCache struct {
	dir      string
	startURL string

	path string // file the token was loaded from, for rewrites
}

func defaultTokenCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aws", "sso", "cache")
	}
	return filepath.Join(home, ".aws", "sso", "cache")
}

func newTokenCache(dir, startURL string) *tokenCache {
	if dir == "" {
		dir = defaultTokenCacheDir()
	}
	return &tokenCache{dir: dir, startURL: startURL}
}

// load scans the cache directory for the token belonging to the start URL.
// The CLI names cache files by a hash that changed across versions, so
// matching on the startUrl field is the robust way to find ours.
func (c *tokenCache) load() (*ssoToken, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read SSO cache dir %s: %w", c.dir, err)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var tok ssoToken
		if err := json.Unmarshal(data, &tok); err != nil {
			continue
		}
		if tok.StartURL == c.startURL && tok.AccessToken != "" {
			c.path = path
			return &tok, nil
		}
	}
	return nil, fmt.Errorf("no cached SSO token for %s in %s", c.startURL, c.dir)
}

// save rewrites the cache file the token was loaded from, after a refresh.
func (c *tokenCache) save(tok *ssoToken) error {
	if c.path == "" {
		return fmt.Errorf("no SSO cache file to rewrite")
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o600)
}
