package conf

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

	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	c := Default()

	assert.Equal(t, "0.0.0.0:2538", c.Server.Bind)
	assert.Equal(t, 1024, c.Connection.ReadChunkSize)
	assert.Equal(t, 80, c.Connection.DefaultPort)
	assert.Equal(t, time.Duration(0), c.Resolver.Timeout)
	assert.Empty(t, c.Health.Addr)
	assert.NoError(t, c.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: 127.0.0.1:9000
resolver:
  timeout: 2s
reactor:
  workers: 8
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", c.Server.Bind)
	assert.Equal(t, 8, c.Reactor.Workers)
	assert.Equal(t, 2*time.Second, c.Resolver.Timeout)
	assert.Equal(t, 1024, c.Connection.ReadChunkSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: 127.0.0.1:9000
connection:
  read_chunk_size: 512
`)

	t.Setenv("FABRICA_PROXY_SERVER_BIND", "127.0.0.1:9100")
	t.Setenv("FABRICA_PROXY_HEALTH_ADDR", "127.0.0.1:9101")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", c.Server.Bind)
	assert.Equal(t, "127.0.0.1:9101", c.Health.Addr)
	assert.Equal(t, 512, c.Connection.ReadChunkSize)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "absent.yaml")},
		{name: "bad yaml", path: writeConfig(t, "server: [")},
		{name: "invalid chunk size", path: writeConfig(t, "connection:\n  read_chunk_size: 0\n")},
		{name: "invalid port", path: writeConfig(t, "connection:\n  default_port: 70000\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(tt.path)
			assert.Error(t, err)
		})
	}
}
