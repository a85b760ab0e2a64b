// Package credstore reads and writes per-account OAuth credential files.
// Each account's credentials live in their own JSON file under a provider
// directory; refreshes merge new token fields in without disturbing
// unrelated keys, and writes are atomic (temp-file + rename).
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the on-disk shape of one account's credential file.
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`

	// extra preserves any fields this package does not know about so a
	// merge-write never drops unrelated keys.
	extra map[string]json.RawMessage `json:"-"`
}

// Load reads and parses a credentials file.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Credentials, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("credstore: parse: %w", err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("credstore: parse: %w", err)
	}

	known := []string{"accessToken", "refreshToken", "expiresAt", "authMethod", "clientId", "clientSecret", "profileArn", "region"}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		isKnown := false
		for _, kk := range known {
			if kk == k {
				isKnown = true
				break
			}
		}
		if !isKnown {
			extra[k] = v
		}
	}
	c.extra = extra
	return &c, nil
}

// MergeTokens applies a fresh access/refresh token pair onto c, preserving
// every other field (including any unknown ones read from disk). A refresh
// response that omits expiresIn leaves the account at its previous expiry
// rather than collapsing it to "now".
func (c *Credentials) MergeTokens(accessToken, refreshToken string, expiresIn int64, profileARN string) {
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	if expiresIn > 0 {
		c.ExpiresAt = time.Now().UTC().Add(time.Duration(expiresIn) * time.Second).Format(time.RFC3339)
	}
	if profileARN != "" {
		c.ProfileARN = profileARN
	}
}

// IsExpiringSoon reports whether ExpiresAt is within threshold of now, or
// unparsable/empty (treated as expiring).
func (c *Credentials) IsExpiringSoon(threshold time.Duration) bool {
	if c.ExpiresAt == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return true
	}
	return !t.After(time.Now().UTC().Add(threshold))
}

// Save writes c to path atomically (temp file + rename), merging its known
// fields with any unrecognized ones captured at Load time.
func (c *Credentials) Save(path string) error {
	out := make(map[string]json.RawMessage, len(c.extra)+8)
	for k, v := range c.extra {
		out[k] = v
	}

	set := func(key, val string) {
		if val == "" {
			return
		}
		b, _ := json.Marshal(val)
		out[key] = b
	}
	set("accessToken", c.AccessToken)
	set("refreshToken", c.RefreshToken)
	set("expiresAt", c.ExpiresAt)
	set("authMethod", c.AuthMethod)
	set("clientId", c.ClientID)
	set("clientSecret", c.ClientSecret)
	set("profileArn", c.ProfileARN)
	set("region", c.Region)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("credstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: rename temp file: %w", err)
	}
	return nil
}

// New creates a fresh Credentials value, e.g. for a newly enrolled account
// from the device-code flow.
func New(authMethod, region string) *Credentials {
	return &Credentials{AuthMethod: authMethod, Region: region, extra: map[string]json.RawMessage{}}
}
