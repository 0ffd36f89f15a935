package awsauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
)

// KeyStore provides durable key/value storage for the fernet key that
// protects cached role credentials. The state store's settings table
// implements it.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const fernetKeySetting = "fernet_key"

// credCache persists derived role credentials between invocations,
// fernet-encrypted at rest. Losing the file or the key only costs a
// re-derivation from the SSO token.
type credCache struct {
	path string
	keys KeyStore
}

func newCredCache(dataDir string, keys KeyStore) *credCache {
	if dataDir == "" || keys == nil {
		return nil
	}
	return &credCache{path: filepath.Join(dataDir, "credentials.cache"), keys: keys}
}

func (c *credCache) fernetKey() (*fernet.Key, error) {
	keyStr, err := c.keys.GetSetting(fernetKeySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := c.keys.SetSetting(fernetKeySetting, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// load returns the persisted credential map. Any failure (missing file,
// stale key, corrupt payload) degrades to an empty cache.
func (c *credCache) load() map[string]CredentialSet {
	out := make(map[string]CredentialSet)
	if c == nil {
		return out
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return out
	}
	key, err := c.fernetKey()
	if err != nil {
		return out
	}
	plain := fernet.VerifyAndDecrypt(data, 0, []*fernet.Key{key})
	if plain == nil {
		return out
	}
	if err := json.Unmarshal(plain, &out); err != nil {
		return make(map[string]CredentialSet)
	}
	return out
}

// save encrypts and writes the credential map. Expired entries are dropped
// so the file never accumulates dead credentials.
func (c *credCache) save(creds map[string]CredentialSet, now time.Time) error {
	if c == nil {
		return nil
	}

	live := make(map[string]CredentialSet, len(creds))
	for k, v := range creds {
		if v.Expires.After(now) {
			live[k] = v
		}
	}

	plain, err := json.Marshal(live)
	if err != nil {
		return err
	}
	key, err := c.fernetKey()
	if err != nil {
		return err
	}
	tok, err := fernet.EncryptAndSign(plain, key)
	if err != nil {
		return fmt.Errorf("encrypt credential cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.path, tok, 0o600)
}
