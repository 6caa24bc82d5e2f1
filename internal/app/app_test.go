package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missionctl/internal/config"
	"github.com/kandev/missionctl/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		Host:        "127.0.0.1",
		Port:        3000,
		AppHome:     home,
		LogLevel:    "info",
		Env:         "test",
		StoreDriver: "sqlite",
		DockerHost:  "unix:///nonexistent.sock",
	}
}

func TestAppWiringAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	log, err := logger.New("info", "console", "test")
	require.NoError(t, err)

	a, err := New(cfg, log)
	require.NoError(t, err)
	assert.Nil(t, a.Sandbox, "sandbox should fail closed against an unreachable docker host")

	ctx := t.Context()
	require.NoError(t, a.Recover(ctx))

	deps := a.Deps()
	assert.Equal(t, a.Store, deps.Store)
	assert.Equal(t, cfg.Env, deps.Env)

	a.Shutdown(ctx)
}

func TestOpenStoreSelectsDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppHome = t.TempDir()
	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	cfg.StoreDriver = "postgres"
	cfg.StoreDSN = ""
	_, err = openStore(cfg)
	assert.Error(t, err, "an empty DSN should fail to connect rather than silently falling back")
}

func TestDBPathUsesAppHome(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, filepath.Join(cfg.AppHome, "db.sqlite"), cfg.DBPath())
}
