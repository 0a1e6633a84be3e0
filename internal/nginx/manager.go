package nginx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/web-casa/proxyfleet/internal/config"
)

// Reload methods and modes reported in ReloadResult
const (
	MethodSignal    = "signal"
	MethodSystemctl = "systemctl"

	ModeReload = "reload"
	ModeDryRun = "dry-run"
)

// ReloadResult describes one activation attempt against the running proxy
type ReloadResult struct {
	Success  bool          `json:"success"`
	Method   string        `json:"method"`
	Mode     string        `json:"mode"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Manager owns the nginx configuration directories and the running nginx
// process. It is the only code that touches the live proxy.
type Manager struct {
	cfg    *config.Config
	mu     sync.Mutex
	logger *slog.Logger
}

// NewManager creates a new nginx manager
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger.With("module", "nginx")}
}

func (m *Manager) availablePath(name string) string {
	return filepath.Join(m.cfg.SitesAvailableDir, name+".conf")
}

func (m *Manager) enabledPath(name string) string {
	return filepath.Join(m.cfg.SitesEnabledDir, name+".conf")
}

// Enable writes an artifact and links it into sites-enabled:
//  1. Write certificate files (temp + rename)
//  2. Backup the current config for this name
//  3. Write the config (temp + rename)
//  4. Point the sites-enabled link at it
//
// The running proxy is not touched until Activate.
func (m *Manager) Enable(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == nil || a.Name == "" {
		return errors.New("artifact has no name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dir := range []string{m.cfg.SitesAvailableDir, m.cfg.SitesEnabledDir, m.cfg.BackupDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	for _, f := range a.Files {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(f.Path), err)
		}
		if err := writeAtomic(f.Path, f.Data, f.Mode); err != nil {
			return err
		}
	}

	target := m.availablePath(a.Name)
	if data, err := os.ReadFile(target); err == nil {
		backupName := fmt.Sprintf("%s.%s.bak", a.Name, time.Now().Format("20060102-150405.000"))
		if err := os.WriteFile(filepath.Join(m.cfg.BackupDir(), backupName), data, 0644); err != nil {
			m.logger.Warn("failed to back up config", "name", a.Name, "error", err)
		}
		m.cleanupBackups(a.Name, m.cfg.BackupKeep)
	}

	if err := writeAtomic(target, a.Config, 0644); err != nil {
		return err
	}

	link := m.enabledPath(a.Name)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to unlink %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to enable %s: %w", a.Name, err)
	}

	m.logger.Debug("artifact enabled", "name", a.Name, "files", len(a.Files))
	return nil
}

// Delete removes a named artifact, its enabled link and its certificate files.
// Deleting something that does not exist is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range []string{m.enabledPath(name), m.availablePath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(m.cfg.CertDir, name)); err != nil {
		return fmt.Errorf("failed to remove certificate files for %s: %w", name, err)
	}
	m.logger.Debug("artifact deleted", "name", name)
	return nil
}

// Activate validates the enabled configuration set with `nginx -t` and, when
// valid, reloads the running nginx. An invalid set never reaches the running
// process. If the nginx binary is not installed the call is a dry run.
func (m *Manager) Activate(ctx context.Context) ReloadResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	method := m.method()
	result := ReloadResult{Method: method, Mode: ModeReload}

	if _, err := exec.LookPath(m.cfg.NginxBin); err != nil {
		m.logger.Warn("nginx binary not found, skipping validation and reload", "bin", m.cfg.NginxBin)
		result.Success = true
		result.Mode = ModeDryRun
		result.Duration = time.Since(start)
		return result
	}

	if err := m.run(ctx, m.cfg.NginxBin, "-t", "-q"); err != nil {
		result.Error = fmt.Sprintf("configuration test failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	var err error
	switch method {
	case MethodSystemctl:
		err = m.run(ctx, "systemctl", "reload", "nginx")
	default:
		err = m.run(ctx, m.cfg.NginxBin, "-s", "reload")
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("reload failed: %v", err)
		return result
	}

	result.Success = true
	m.logger.Info("nginx reloaded", "method", method, "duration", result.Duration)
	return result
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	timeout := m.cfg.ReloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out after %s", name, timeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (m *Manager) method() string {
	if m.cfg.ReloadMethod == MethodSystemctl {
		return MethodSystemctl
	}
	return MethodSignal
}

// ReadArtifact returns the config currently written for name
func (m *Manager) ReadArtifact(name string) (string, error) {
	data, err := os.ReadFile(m.availablePath(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Status returns the current nginx status
func (m *Manager) Status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"nginx_bin":      m.cfg.NginxBin,
		"reload_method":  m.method(),
		"sites_enabled":  m.countEnabled(),
		"binary_present": false,
	}

	if _, err := exec.LookPath(m.cfg.NginxBin); err == nil {
		status["binary_present"] = true
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// nginx prints its version on stderr
		if output, err := exec.CommandContext(ctx, m.cfg.NginxBin, "-v").CombinedOutput(); err == nil {
			status["version"] = strings.TrimSpace(string(output))
		}
	}

	return status
}

func (m *Manager) countEnabled() int {
	entries, err := os.ReadDir(m.cfg.SitesEnabledDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".conf") {
			n++
		}
	}
	return n
}

func (m *Manager) cleanupBackups(name string, keep int) {
	dir := m.cfg.BackupDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), name+".") && strings.HasSuffix(e.Name(), ".bak") {
			backups = append(backups, e.Name())
		}
	}

	if len(backups) <= keep {
		return
	}

	// Names carry the timestamp, so lexical order is oldest first
	sort.Strings(backups)
	for _, b := range backups[:len(backups)-keep] {
		os.Remove(filepath.Join(dir, b))
	}
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
