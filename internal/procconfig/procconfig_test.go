package procconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Config{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 54321, cfg.Port)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "./coordinator.log", cfg.LogFile)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DISTINFER_HOST", "10.0.0.5")
	t.Setenv("DISTINFER_PORT", "9000")

	cfg, err := Load("", Config{})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
}

func TestCLIOverridesWinOverEnv(t *testing.T) {
	t.Setenv("DISTINFER_HOST", "10.0.0.5")

	cfg, err := Load("", Config{Host: "192.168.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", cfg.Host)
}

func TestLoadRejectsInvalidWorkerCount(t *testing.T) {
	_, err := Load("", Config{Workers: -1})
	assert.Error(t, err)
}
