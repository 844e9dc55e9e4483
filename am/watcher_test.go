package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[limits]\nper_day = 1\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path, func() (*Config, error) { return LoadFromFile(path) }, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond

	reloaded := make(chan int, 4)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg.Limits.PerDay
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[limits]\nper_day = 250\n"), DefaultFilePermissions))

	select {
	case perDay := <-reloaded:
		assert.Equal(t, 250, perDay)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
}

func TestConfigWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path, func() (*Config, error) { return &Config{}, nil }, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond

	called := make(chan struct{}, 1)
	cw.OnReload(func(*Config) error {
		called <- struct{}{}
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1"), DefaultFilePermissions))

	select {
	case <-called:
		t.Fatal("reload triggered by unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
