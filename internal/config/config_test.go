package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("RequiresSecrets", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("ENCRYPTION_KEY", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("EnvOverridesDefaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s")
		t.Setenv("ENCRYPTION_KEY", "k")
		t.Setenv("DB_DRIVER", "SQLite")
		t.Setenv("MAX_CONTENT_SIZE", "2 KiB")
		t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
		t.Setenv("SEND_RATE_PER_SECOND", "0.5")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, DriverSQLite, cfg.DBDriver)
		assert.Equal(t, 2048, cfg.MaxContentBytes)
		assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
		assert.Equal(t, 0.5, cfg.SendRatePerSecond)
		assert.Equal(t, "0.0.0.0:8000", cfg.HTTPAddr())
		assert.Equal(t, 5*time.Second, cfg.UnreadCacheTTL)
	})

	t.Run("UnreadCacheCanBeDisabled", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s")
		t.Setenv("ENCRYPTION_KEY", "k")
		t.Setenv("DB_DRIVER", "sqlite")
		t.Setenv("UNREAD_CACHE_TTL", "0s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Zero(t, cfg.UnreadCacheTTL)
	})

	t.Run("PostgresURLFromParts", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s")
		t.Setenv("ENCRYPTION_KEY", "k")
		t.Setenv("DB_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "")
		t.Setenv("POSTGRES_HOST", "db")
		t.Setenv("POSTGRES_DB", "chat")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "postgres://postgres:postgres@db:5432/chat?sslmode=disable", cfg.DatabaseURL)
	})

	t.Run("YAMLFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"jwt_secret: from-file\nencryption_key: k\ndb_driver: sqlite\nport: 9100\nmax_content_size: 1KB\n",
		), 0o600))
		t.Setenv("CONFIG_FILE", path)
		t.Setenv("JWT_SECRET", "")
		t.Setenv("ENCRYPTION_KEY", "")
		t.Setenv("DB_DRIVER", "")
		t.Setenv("HTTP_PORT", "")
		t.Setenv("MAX_CONTENT_SIZE", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.JWTSecret)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, 1000, cfg.MaxContentBytes)
	})

	t.Run("BadDriver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s")
		t.Setenv("ENCRYPTION_KEY", "k")
		t.Setenv("DB_DRIVER", "mysql")
		_, err := Load()
		assert.Error(t, err)
	})
}
