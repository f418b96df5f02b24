package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/obstack/upctl/pkg/config"
	"github.com/obstack/upctl/pkg/errdefs"
	"github.com/obstack/upctl/pkg/log"
	"github.com/obstack/upctl/pkg/types"
)

const recordFile = "record.json"

// File roles within a backup
const (
	RoleBinary     = "binary"
	RoleConfig     = "config"
	RoleServiceDef = "service_def"
)

// Manager snapshots a component's binary, config, and service definition
// before mutation and restores them on rollback. Backups live under
// <root>/<component>/<timestamp>-<id>/ and are removed only by retention
// policy, never during an active rollback path.
type Manager struct {
	root   string
	logger zerolog.Logger
}

// NewManager creates a backup manager rooted at root
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}
	return &Manager{
		root:   root,
		logger: log.WithComponent("backup"),
	}, nil
}

// Backup snapshots the component's backup path set. It fails before any
// installation step runs, so a failed backup means nothing was mutated.
func (m *Manager) Backup(c *types.Component) (*types.BackupRecord, error) {
	// Names are validated before any path construction
	if err := config.ValidateName(c.Name); err != nil {
		return nil, err
	}

	id := uuid.NewString()[:8]
	now := time.Now().UTC()
	dir := filepath.Join(m.root, c.Name, fmt.Sprintf("%s-%s", now.Format("20060102T150405Z"), id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	record := &types.BackupRecord{
		ID:        fmt.Sprintf("%s-%s", c.Name, id),
		Component: c.Name,
		Timestamp: now,
		Dir:       dir,
		Files:     make(map[string]types.BackupFile),
	}

	sources := map[string]string{
		RoleBinary:     c.BackupPaths.Binary,
		RoleConfig:     c.BackupPaths.Config,
		RoleServiceDef: c.BackupPaths.ServiceDef,
	}
	for role, src := range sources {
		if src == "" {
			continue
		}
		dst := filepath.Join(dir, role)
		hash, err := copyFile(src, dst)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to back up %s %s: %w", c.Name, role, err)
		}
		record.Files[role] = types.BackupFile{Path: src, Hash: hash}
	}

	if len(record.Files) == 0 {
		os.RemoveAll(dir)
		return nil, errdefs.Validationf("component %q has nothing to back up", c.Name)
	}

	if err := m.writeRecord(record); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m.logger.Info().Str("component", c.Name).Str("backup", record.ID).
		Int("files", len(record.Files)).Msg("backup created")
	return record, nil
}

// Restore copies every file of the record back to its original location and
// verifies each restored file's integrity hash against the record. Any
// mismatch or missing artifact is a rollback error.
func (m *Manager) Restore(record *types.BackupRecord) error {
	for role, f := range record.Files {
		src := filepath.Join(record.Dir, role)

		srcHash, err := hashFile(src)
		if err != nil {
			return errdefs.Rollbackf("backup artifact %s missing or unreadable for %s: %v", role, record.Component, err)
		}
		if srcHash != f.Hash {
			return errdefs.Rollbackf("backup artifact %s corrupt for %s (hash mismatch)", role, record.Component)
		}

		if _, err := copyFile(src, f.Path); err != nil {
			return errdefs.Rollbackf("failed to restore %s for %s: %v", role, record.Component, err)
		}

		restored, err := hashFile(f.Path)
		if err != nil || restored != f.Hash {
			return errdefs.Rollbackf("restored %s for %s failed integrity verification", role, record.Component)
		}
	}

	m.logger.Info().Str("component", record.Component).Str("backup", record.ID).Msg("backup restored")
	return nil
}

// List returns the component's backups, newest first
func (m *Manager) List(component string) ([]*types.BackupRecord, error) {
	if err := config.ValidateName(component); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, component)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*types.BackupRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := m.readRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			m.logger.Warn().Err(err).Str("dir", e.Name()).Msg("skipping unreadable backup record")
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// Latest returns the newest backup for component
func (m *Manager) Latest(component string) (*types.BackupRecord, error) {
	records, err := m.List(component)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errdefs.Rollbackf("no backups exist for component %s", component)
	}
	return records[0], nil
}

// Find locates a backup by its ID across all components
func (m *Manager) Find(backupID string) (*types.BackupRecord, error) {
	components, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	for _, c := range components {
		if !c.IsDir() {
			continue
		}
		records, err := m.List(c.Name())
		if err != nil {
			continue
		}
		for _, r := range records {
			if r.ID == backupID {
				return r, nil
			}
		}
	}
	return nil, errdefs.Rollbackf("backup %q not found", backupID)
}

// Prune removes backups beyond the retention count or age. The newest
// KeepCount per component are always retained regardless of age.
func (m *Manager) Prune(policy types.RetentionPolicy) error {
	if policy.KeepCount <= 0 && policy.MaxAge <= 0 {
		// No retention configured means nothing is ever pruned
		return nil
	}
	components, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-policy.MaxAge.Std())
	for _, c := range components {
		if !c.IsDir() {
			continue
		}
		records, err := m.List(c.Name())
		if err != nil {
			return err
		}
		for i, r := range records {
			if i < policy.KeepCount {
				continue
			}
			if policy.MaxAge > 0 && r.Timestamp.After(cutoff) {
				continue
			}
			if err := os.RemoveAll(r.Dir); err != nil {
				return fmt.Errorf("failed to prune backup %s: %w", r.ID, err)
			}
			m.logger.Info().Str("component", r.Component).Str("backup", r.ID).Msg("backup pruned")
		}
	}
	return nil
}

func (m *Manager) writeRecord(record *types.BackupRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(record.Dir, recordFile), data, 0600)
}

func (m *Manager) readRecord(dir string) (*types.BackupRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		return nil, err
	}
	var record types.BackupRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// copyFile copies src to dst preserving mode and returns the sha256 of the
// copied content
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile returns the sha256 of the file at path
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile exposes integrity hashing for rollback fidelity checks
func HashFile(path string) (string, error) {
	return hashFile(path)
}
