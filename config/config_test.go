// splatapi/config/config_test.go
package config_test // Use an external test package

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"splatapi/config" // Import the package we are testing
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("SPLATAPI_PORT", "")
		t.Setenv("SPLATAPI_MAX_CONCURRENCY", "")
		t.Setenv("SPLATAPI_AUTH_ENABLE", "")
		t.Setenv("SPLATAPI_TRAIN_TIMEOUT", "")
		t.Setenv("SPLATAPI_THROTTLE_FREEMEM", "")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "3080", cfg.Port)
		assert.Equal(t, 2, cfg.MaxConcurrency)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, "python3", cfg.PythonBin)
		assert.Equal(t, 5*time.Minute, cfg.InitTimeout)
		assert.Equal(t, 30*time.Minute, cfg.TrainTimeout)
		assert.Equal(t, 5*time.Second, cfg.ProgressPollInterval)
		assert.Equal(t, 0.30, cfg.TrainProgressFloor)
		assert.Equal(t, 0.80, cfg.TrainProgressCeil)
		assert.Equal(t, 24*time.Hour, cfg.TaskRetention)
		assert.Equal(t, int64(200*1024*1024), cfg.ThrottleFreeMem)
		assert.Equal(t, "", cfg.ReplicaDatabaseURL)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("SPLATAPI_PORT", "9999")
		t.Setenv("SPLATAPI_MAX_CONCURRENCY", "4")
		t.Setenv("SPLATAPI_AUTH_ENABLE", "true")
		t.Setenv("SPLATAPI_AUTH_KEY", "newsecret")
		t.Setenv("SPLATAPI_TRAIN_TIMEOUT", "45m")
		t.Setenv("SPLATAPI_THROTTLE_FREEMEM", "50MB")
		t.Setenv("SPLATAPI_REPLICA_DATABASE_URL", "postgres://replica:5432/projects")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, 45*time.Minute, cfg.TrainTimeout)
		assert.Equal(t, int64(50*1024*1024), cfg.ThrottleFreeMem)
		assert.Equal(t, "postgres://replica:5432/projects", cfg.ReplicaDatabaseURL)
	})
}
