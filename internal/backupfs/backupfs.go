// Package backupfs is the write-only local filesystem mirror spec §4.5
// describes: a best-effort secondary copy of recent data items, never on
// the ingress success path, cleaned up once an item reaches the
// permanent state and ages past a retention window. Disabled by default
// (Design Notes §9 Open Question decision, see DESIGN.md).
package backupfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/permaweb/bundler-gateway/internal/config"
)

// Mirror writes a best-effort local copy of a data item payload, keyed
// by dataItemId, the way the teacher treats its own optional local
// caches: failures here are logged by the caller, never surfaced as an
// ingress error.
type Mirror struct {
	cfg config.BackupFSConfig
}

// New builds a Mirror from BackupFSConfig.
func New(cfg config.BackupFSConfig) *Mirror {
	return &Mirror{cfg: cfg}
}

// Enabled reports whether the mirror is active.
func (m *Mirror) Enabled() bool {
	return m.cfg.Enabled
}

func (m *Mirror) path(dataItemID string) string {
	return filepath.Join(m.cfg.Directory, dataItemID)
}

// Write mirrors payload to local disk under dataItemID. A no-op if the
// mirror is disabled.
func (m *Mirror) Write(dataItemID string, payload io.Reader) error {
	if !m.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(m.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("backupfs: create directory: %w", err)
	}

	path := m.path(dataItemID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("backupfs: create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, payload); err != nil {
		return fmt.Errorf("backupfs: write %q: %w", path, err)
	}
	return nil
}

// Remove deletes the local mirror of dataItemID, if present. Called by
// the cleanup-fs worker once the item has reached PermanentDataItem and
// aged past RetentionDays.
func (m *Mirror) Remove(dataItemID string) error {
	if !m.cfg.Enabled {
		return nil
	}
	if err := os.Remove(m.path(dataItemID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backupfs: remove %q: %w", dataItemID, err)
	}
	return nil
}

// ListStale returns dataItemIDs whose mirrored file is older than
// cfg.RetentionDays, for the cleanup-fs worker to purge.
func (m *Mirror) ListStale() ([]string, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	entries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backupfs: list directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	var stale []string
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, entry.Name())
		}
	}
	return stale, nil
}
