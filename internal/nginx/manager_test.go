package nginx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/proxyfleet/internal/config"
)

// newTestManager uses a stand-in binary for nginx, the way the caddy manager
// tests used echo
func newTestManager(t *testing.T, bin string) (*Manager, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:           dir,
		NginxBin:          bin,
		SitesAvailableDir: filepath.Join(dir, "sites-available"),
		SitesEnabledDir:   filepath.Join(dir, "sites-enabled"),
		CertDir:           filepath.Join(dir, "certs"),
		ReloadMethod:      MethodSignal,
		ReloadTimeout:     5 * time.Second,
		BackupKeep:        2,
	}
	return NewManager(cfg, nil), cfg
}

func testArtifact(cfg *config.Config, config string) *Artifact {
	return &Artifact{
		Name:   "site-1",
		Config: []byte(config),
		Files: []File{
			{Path: filepath.Join(cfg.CertDir, "site-1", "fullchain.pem"), Data: []byte("cert"), Mode: 0644},
			{Path: filepath.Join(cfg.CertDir, "site-1", "privkey.pem"), Data: []byte("key"), Mode: 0600},
		},
	}
}

func TestEnable(t *testing.T) {
	m, cfg := newTestManager(t, "true")
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, testArtifact(cfg, "server { listen 80; }\n")))

	got, err := m.ReadArtifact("site-1")
	require.NoError(t, err)
	assert.Equal(t, "server { listen 80; }\n", got)

	target, err := os.Readlink(filepath.Join(cfg.SitesEnabledDir, "site-1.conf"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.SitesAvailableDir, "site-1.conf"), target)

	info, err := os.Stat(filepath.Join(cfg.CertDir, "site-1", "privkey.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Equal(t, 1, m.Status(ctx)["sites_enabled"])
}

func TestEnable_KeepsBoundedBackups(t *testing.T) {
	m, cfg := newTestManager(t, "true")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Enable(ctx, testArtifact(cfg, "server {}\n")))
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := os.ReadDir(cfg.BackupDir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.LessOrEqual(t, len(entries), cfg.BackupKeep)
}

func TestDelete(t *testing.T) {
	m, cfg := newTestManager(t, "true")
	ctx := context.Background()
	require.NoError(t, m.Enable(ctx, testArtifact(cfg, "server {}\n")))

	require.NoError(t, m.Delete(ctx, "site-1"))
	_, err := os.Lstat(filepath.Join(cfg.SitesEnabledDir, "site-1.conf"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.CertDir, "site-1"))
	assert.True(t, os.IsNotExist(err))

	// deleting again is fine
	assert.NoError(t, m.Delete(ctx, "site-1"))
}

func TestActivate(t *testing.T) {
	t.Run("valid config reloads", func(t *testing.T) {
		m, _ := newTestManager(t, "true")
		res := m.Activate(context.Background())
		assert.True(t, res.Success, res.Error)
		assert.Equal(t, ModeReload, res.Mode)
		assert.Equal(t, MethodSignal, res.Method)
	})

	t.Run("failed config test never reloads", func(t *testing.T) {
		m, _ := newTestManager(t, "false")
		res := m.Activate(context.Background())
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "configuration test failed")
	})

	t.Run("missing binary is a dry run", func(t *testing.T) {
		m, _ := newTestManager(t, filepath.Join(t.TempDir(), "no-nginx"))
		res := m.Activate(context.Background())
		assert.True(t, res.Success)
		assert.Equal(t, ModeDryRun, res.Mode)
	})

	t.Run("canceled context fails", func(t *testing.T) {
		m, _ := newTestManager(t, "true")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := m.Activate(ctx)
		assert.False(t, res.Success)
	})
}

func TestEnable_RejectsCanceledContext(t *testing.T) {
	m, cfg := newTestManager(t, "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Enable(ctx, testArtifact(cfg, "server {}\n")), context.Canceled)
}
