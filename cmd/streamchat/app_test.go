package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StreamChat/internal/config"
	"StreamChat/internal/store"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	f := flags{
		configPath: filepath.Join(t.TempDir(), "missing.toml"),
		backend:    config.BackendAnthropic,
		model:      "claude-3-5-sonnet-latest",
		storeKind:  config.StorePostgres,
		storePath:  "postgres://localhost/chat",
		identityID: "alice",
		debug:      true,
	}

	cfg, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, config.BackendAnthropic, cfg.Backend)
	assert.Equal(t, "claude-3-5-sonnet-latest", cfg.DefaultModel)
	assert.Equal(t, "postgres://localhost/chat", cfg.Store.URL)
	assert.Equal(t, "alice", cfg.Identity.ID)
	assert.True(t, cfg.Debug)
}

func TestLoadConfig_OllamaUsesLocalModel(t *testing.T) {
	cfg, err := loadConfig(flags{
		configPath: filepath.Join(t.TempDir(), "missing.toml"),
		backend:    config.BackendOllama,
	})
	require.NoError(t, err)
	assert.Equal(t, cfg.Ollama.Model, cfg.DefaultModel)
}

func TestLoadConfig_RejectsUnknownStore(t *testing.T) {
	_, err := loadConfig(flags{
		configPath: filepath.Join(t.TempDir(), "missing.toml"),
		storeKind:  "cassandra",
	})
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestNewApp_MemoryStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STREAMCHAT_LOG_DIR", filepath.Join(dir, "logs"))

	a, err := newApp(context.Background(), flags{
		configPath: filepath.Join(dir, "missing.toml"),
		storeKind:  config.StoreMemory,
		identityID: "alice",
	})
	require.NoError(t, err)
	defer a.close()

	assert.IsType(t, &store.Memory{}, a.records)
	assert.Empty(t, a.sessions.Sessions())

	sess, err := a.controller.NewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultModel, sess.ModelID)
}
