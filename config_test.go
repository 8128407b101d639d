package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("INTERCEPT_DEBUG_DUMP", "1")
	t.Setenv("INTERCEPT_ALL_OBJS", "")
	t.Setenv("INTERCEPT_LOG", "/tmp/intercept.log")
	t.Setenv("INTERCEPT_LOG_TRUNC", "yes")

	cfg := ConfigFromEnv()

	assert.True(t, cfg.DebugDump)
	assert.False(t, cfg.PatchAllObjects)
	assert.Equal(t, "/tmp/intercept.log", cfg.LogPath)
	assert.True(t, cfg.LogTruncate)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("INTERCEPT_DEBUG_DUMP", "")
	t.Setenv("INTERCEPT_ALL_OBJS", "")
	t.Setenv("INTERCEPT_LOG", "")
	t.Setenv("INTERCEPT_LOG_TRUNC", "")

	cfg := ConfigFromEnv()

	assert.Equal(t, Config{}, cfg)
	assert.Equal(t, DefaultLogPath, cfg.LogPath)
}
