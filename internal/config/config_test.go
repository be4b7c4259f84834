package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, c.ListenAddr())
	assert.Equal(t, DefaultDBPath, c.Database())
	assert.Equal(t, DefaultRateLimit, c.Rate())
	ttl, err := c.SessionTTLDuration()
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, ttl)
	assert.Equal(t, 0, c.Retention())
}

func TestLoadPartialFile(t *testing.T) {
	path := writeConfig(t, `{
		"api_key": "secret",
		"rate_limit": 50,
		"session_ttl": "30m",
		"blocked_ips": ["203.0.113.9"]
	}`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", c.Key())
	assert.Equal(t, 50, c.Rate())
	ttl, err := c.SessionTTLDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, ttl)
	assert.Equal(t, []string{"203.0.113.9"}, c.BlockedIPs)

	// Unset fields still come back as defaults.
	assert.Equal(t, DefaultListen, c.ListenAddr())
}

func TestLoadRejectsBadTTL(t *testing.T) {
	path := writeConfig(t, `{"session_ttl": "soon"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := writeConfig(t, `{`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMergeOverrides(t *testing.T) {
	base, err := Load(writeConfig(t, `{"listen": ":9000", "api_key": "file-key"}`))
	require.NoError(t, err)

	listen := ":7000"
	merged := base.Merge(&Config{Listen: &listen})
	assert.Equal(t, ":7000", merged.ListenAddr())
	assert.Equal(t, "file-key", merged.Key())

	assert.Same(t, base, base.Merge(nil))
}
