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
	path := filepath.Join(t.TempDir(), "tide.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads a minimal config with defaults", func(t *testing.T) {
		path := writeConfig(t, `
version: "1.0"
blobs:
  dir: /var/lib/tide/blobs
  base_url: https://registry.example.com/blobs
  signing_secret: s3cret
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":8420", cfg.Listen)
		assert.Equal(t, "default", cfg.Namespace)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, 5*time.Minute, cfg.Retention.Interval.Std())
		assert.Equal(t, 10*time.Minute, cfg.Retention.PublishingGrace.Std())
		assert.Equal(t, time.Hour, cfg.Retention.FailedRetention.Std())
	})

	t.Run("loads a full config", func(t *testing.T) {
		path := writeConfig(t, `
version: "1.0"
listen: ":9000"
namespace: prod
redis:
  addr: redis.internal:6379
  db: 2
blobs:
  dir: /data/blobs
  base_url: https://cdn.example.com/blobs
  signing_secret: s3cret
registry:
  reserved_names:
    - tide
    - admin
retention:
  interval: 1m
  publishing_grace: 2m
  failed_retention: 30m
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Listen)
		assert.Equal(t, "prod", cfg.Namespace)
		assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
		assert.Equal(t, 2, cfg.Redis.DB)
		assert.Equal(t, []string{"tide", "admin"}, cfg.Registry.ReservedNames)
		assert.Equal(t, time.Minute, cfg.Retention.Interval.Std())
		assert.Equal(t, 2*time.Minute, cfg.Retention.PublishingGrace.Std())
		assert.Equal(t, 30*time.Minute, cfg.Retention.FailedRetention.Std())
	})

	t.Run("rejects unsupported version", func(t *testing.T) {
		path := writeConfig(t, `
version: "2.0"
blobs:
  dir: /data/blobs
  base_url: https://cdn.example.com/blobs
  signing_secret: s3cret
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "unsupported version")
	})

	t.Run("rejects missing blob settings", func(t *testing.T) {
		for field, content := range map[string]string{
			"blobs.dir": `
version: "1.0"
blobs:
  base_url: https://cdn.example.com/blobs
  signing_secret: s3cret
`,
			"blobs.base_url": `
version: "1.0"
blobs:
  dir: /data/blobs
  signing_secret: s3cret
`,
			"blobs.signing_secret": `
version: "1.0"
blobs:
  dir: /data/blobs
  base_url: https://cdn.example.com/blobs
`,
		} {
			_, err := Load(writeConfig(t, content))
			assert.ErrorContains(t, err, field)
		}
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "version: [unclosed"))
		assert.ErrorContains(t, err, "failed to parse YAML")
	})

	t.Run("rejects missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		assert.ErrorContains(t, err, "failed to read config")
	})
}
