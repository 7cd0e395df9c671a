// ABOUTME: Tests for configuration loading, env expansion, and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
  allowed_origins:
    - "https://chat.example.com"
  max_connections: 10
database:
  path: /tmp/chatter.db
auth:
  jwt_secret: super-secret
backend:
  kind: scripted
sessions:
  default_policy: auto_approve
  idle_timeout: 45m
  evict_interval: 2m
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "scripted", cfg.Backend.Kind)
	assert.Equal(t, "auto_approve", cfg.Sessions.DefaultPolicy)
	assert.Equal(t, 45*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.EvictInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
database:
  path: /tmp/chatter.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claudecli", cfg.Backend.Kind)
	assert.Equal(t, "ask_every_time", cfg.Sessions.DefaultPolicy)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.EvictInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Sessions.PruneAfter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("CHATTER_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  addr: ":8080"
database:
  path: /tmp/chatter.db
auth:
  jwt_secret: ${CHATTER_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing addr",
			content: "database:\n  path: /tmp/db\n",
			wantErr: "server.addr",
		},
		{
			name:    "missing database path",
			content: "server:\n  addr: \":8080\"\n",
			wantErr: "database.path",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: /tmp/db
`,
			wantErr: "tailscale.hostname",
		},
		{
			name: "both auth modes",
			content: `
server:
  addr: ":8080"
database:
  path: /tmp/db
auth:
  jwt_secret: a
  token_hash: b
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "unknown backend",
			content: `
server:
  addr: ":8080"
database:
  path: /tmp/db
backend:
  kind: gpt-telex
`,
			wantErr: "backend.kind",
		},
		{
			name: "unknown policy",
			content: `
server:
  addr: ":8080"
database:
  path: /tmp/db
sessions:
  default_policy: whatever
`,
			wantErr: "default_policy",
		},
		{
			name: "bad duration",
			content: `
server:
  addr: ":8080"
database:
  path: /tmp/db
sessions:
  idle_timeout: soon
`,
			wantErr: "idle_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
