// Package rollback provides verified pre-execution backups, checkpoint
// restore and the append-only execution log. Backups are content-addressed
// by hash, written before a mutating command spawns, and re-read after
// writing: a backup that cannot be verified fails the execution instead of
// silently degrading the safety net.
package rollback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/store"
)

// Op describes what an execution is about to do to a file.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Checkpoint statuses.
const (
	CheckpointActive     = "active"
	CheckpointRolledBack = "rolled_back"
)

var (
	// ErrBackupFailed means a pre-execution backup could not be written
	// and verified. The command it was protecting must not run.
	ErrBackupFailed = errors.New("backup failed")
	// ErrCheckpointNotFound means no checkpoint with that id exists.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrAlreadyRolledBack means the checkpoint was restored before.
	ErrAlreadyRolledBack = errors.New("checkpoint already rolled back")
)

// PartialError reports a rollback that restored some files but not all.
// The checkpoint stays active so the remaining files can be retried.
type PartialError struct {
	CheckpointID string
	Failed       map[string]string // path -> reason
}

func (e *PartialError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return fmt.Sprintf("rollback of checkpoint %s incomplete, %d file(s) failed: %s",
		e.CheckpointID, len(paths), strings.Join(paths, ", "))
}

// Checkpoint is a point-in-time snapshot of the files one execution is
// about to touch.
type Checkpoint struct {
	ID           string          `json:"id"`
	ItemID       string          `json:"item_id,omitempty"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	RolledBackAt time.Time       `json:"rolled_back_at,omitempty"`
	Operations   []FileOperation `json:"operations,omitempty"`
}

// FileOperation records one file's pre-execution state.
type FileOperation struct {
	Path        string    `json:"path"`
	Op          Op        `json:"op"`
	ContentHash string    `json:"content_hash,omitempty"`
	BackupPath  string    `json:"backup_path,omitempty"`
	Existed     bool      `json:"existed"`
	CreatedAt   time.Time `json:"created_at"`
}

// RetentionPolicy bounds how many checkpoints Cleanup keeps.
type RetentionPolicy struct {
	MaxCount int
	MaxAge   time.Duration
}

// Manager owns checkpoints and their backing files.
type Manager struct {
	store     *store.Store
	backupDir string
	log       *logger.Logger
	now       func() time.Time
}

// NewManager builds a Manager writing backups under backupDir.
func NewManager(st *store.Store, backupDir string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Manager{
		store:     st,
		backupDir: backupDir,
		log:       log.WithPrefix("rollback"),
		now:       time.Now,
	}, nil
}

// Begin creates an active checkpoint tied to an approval item.
func (m *Manager) Begin(itemID string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Status:    CheckpointActive,
		CreatedAt: m.now(),
	}
	_, err := m.store.DB().Exec(`
		INSERT INTO checkpoints (id, item_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		cp.ID, cp.ItemID, cp.Status, cp.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	m.log.Debug("checkpoint %s opened for item %s", cp.ID, itemID)
	return cp, nil
}

// RecordFileOperation snapshots one file before the command runs. For a
// file that exists the content is copied into the backup store and read
// back to verify the hash; any failure wraps ErrBackupFailed. A path that
// does not exist yet is recorded so rollback can remove it.
func (m *Manager) RecordFileOperation(checkpointID, path string, op Op) (*FileOperation, error) {
	fop := &FileOperation{
		Path:      path,
		Op:        op,
		CreatedAt: m.now(),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		fop.Existed = true
		fop.ContentHash = hashHex(data)
		fop.BackupPath = filepath.Join(m.backupDir, fop.ContentHash+".bak")

		if err := m.writeVerifiedBackup(fop.BackupPath, data, fop.ContentHash); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBackupFailed, path, err)
		}
	case os.IsNotExist(err):
		fop.Existed = false
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrBackupFailed, path, err)
	}

	_, err = m.store.DB().Exec(`
		INSERT INTO file_operations (checkpoint_id, path, op, content_hash, backup_path, existed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		checkpointID, fop.Path, string(fop.Op), fop.ContentHash,
		fop.BackupPath, boolToInt(fop.Existed), fop.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: recording %s: %v", ErrBackupFailed, path, err)
	}
	return fop, nil
}

// writeVerifiedBackup writes data to the content-addressed backup path and
// reads it back to confirm the stored bytes hash to wantHash. An existing
// backup with the same address is verified instead of rewritten.
func (m *Manager) writeVerifiedBackup(backupPath string, data []byte, wantHash string) error {
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		if err := os.WriteFile(backupPath, data, 0600); err != nil {
			return err
		}
	}
	stored, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	if got := hashHex(stored); got != wantHash {
		return fmt.Errorf("backup verification failed: hash %s, want %s", got, wantHash)
	}
	return nil
}

// Get loads a checkpoint and its file operations.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	row := m.store.DB().QueryRow(`
		SELECT id, item_id, status, created_at, rolled_back_at
		FROM checkpoints WHERE id = ?`, id)

	cp := &Checkpoint{}
	var created, rolledBack int64
	err := row.Scan(&cp.ID, &cp.ItemID, &cp.Status, &created, &rolledBack)
	if err != nil {
		return nil, ErrCheckpointNotFound
	}
	cp.CreatedAt = time.Unix(created, 0)
	if rolledBack > 0 {
		cp.RolledBackAt = time.Unix(rolledBack, 0)
	}

	rows, err := m.store.DB().Query(`
		SELECT path, op, content_hash, backup_path, existed, created_at
		FROM file_operations WHERE checkpoint_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load file operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fop FileOperation
		var op string
		var existed int
		var opCreated int64
		if err := rows.Scan(&fop.Path, &op, &fop.ContentHash, &fop.BackupPath,
			&existed, &opCreated); err != nil {
			return nil, err
		}
		fop.Op = Op(op)
		fop.Existed = existed != 0
		fop.CreatedAt = time.Unix(opCreated, 0)
		cp.Operations = append(cp.Operations, fop)
	}
	return cp, rows.Err()
}

// List returns checkpoints newest first.
func (m *Manager) List(limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.store.DB().Query(`
		SELECT id, item_id, status, created_at, rolled_back_at
		FROM checkpoints ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var created, rolledBack int64
		if err := rows.Scan(&cp.ID, &cp.ItemID, &cp.Status, &created, &rolledBack); err != nil {
			return nil, err
		}
		cp.CreatedAt = time.Unix(created, 0)
		if rolledBack > 0 {
			cp.RolledBackAt = time.Unix(rolledBack, 0)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Rollback restores every file in the checkpoint to its snapshotted state.
// Files that existed are rewritten from their verified backups; files that
// did not exist are removed. Restores that fail are collected into a
// PartialError and the checkpoint stays active so the rest can be retried.
func (m *Manager) Rollback(id string) error {
	cp, err := m.Get(id)
	if err != nil {
		return err
	}
	if cp.Status == CheckpointRolledBack {
		return ErrAlreadyRolledBack
	}

	failed := make(map[string]string)
	for i := len(cp.Operations) - 1; i >= 0; i-- {
		fop := cp.Operations[i]
		if reason := m.restore(&fop); reason != "" {
			failed[fop.Path] = reason
		}
	}

	if len(failed) > 0 {
		m.log.Warn("rollback of %s incomplete: %d failures", id, len(failed))
		return &PartialError{CheckpointID: id, Failed: failed}
	}

	res, err := m.store.DB().Exec(`
		UPDATE checkpoints SET status = ?, rolled_back_at = ?
		WHERE id = ? AND status = ?`,
		CheckpointRolledBack, m.now().Unix(), id, CheckpointActive)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint rolled back: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyRolledBack
	}

	m.log.Info("checkpoint %s rolled back (%d files)", id, len(cp.Operations))
	return nil
}

// restore puts one file back, verifying the backup before and the written
// file after. Returns "" on success or a reason string.
func (m *Manager) restore(fop *FileOperation) string {
	if !fop.Existed {
		if err := os.Remove(fop.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Sprintf("removing created file: %v", err)
		}
		return ""
	}

	data, err := os.ReadFile(fop.BackupPath)
	if err != nil {
		return fmt.Sprintf("reading backup: %v", err)
	}
	if got := hashHex(data); got != fop.ContentHash {
		return fmt.Sprintf("backup corrupted: hash %s, want %s", got, fop.ContentHash)
	}

	if err := os.MkdirAll(filepath.Dir(fop.Path), 0755); err != nil {
		return fmt.Sprintf("recreating parent directory: %v", err)
	}
	if err := os.WriteFile(fop.Path, data, 0644); err != nil {
		return fmt.Sprintf("writing file: %v", err)
	}

	written, err := os.ReadFile(fop.Path)
	if err != nil {
		return fmt.Sprintf("verifying restored file: %v", err)
	}
	if got := hashHex(written); got != fop.ContentHash {
		return fmt.Sprintf("restored file verification failed: hash %s, want %s", got, fop.ContentHash)
	}
	return ""
}

// Cleanup removes checkpoints past the retention policy, keeping the
// newest MaxCount and anything younger than MaxAge. Checkpoints whose
// approval item is still in flight are never removed. Backup files are
// deleted only when no surviving checkpoint references them.
func (m *Manager) Cleanup(policy RetentionPolicy) (int, error) {
	rows, err := m.store.DB().Query(`
		SELECT c.id, c.created_at FROM checkpoints c
		WHERE NOT EXISTS (
			SELECT 1 FROM approval_items a
			WHERE a.id = c.item_id AND a.status IN ('pending', 'approved', 'executing')
		)
		ORDER BY c.created_at DESC`)
	if err != nil {
		return 0, fmt.Errorf("failed to query checkpoints: %w", err)
	}

	type candidate struct {
		id      string
		created time.Time
	}
	var all []candidate
	for rows.Next() {
		var c candidate
		var created int64
		if err := rows.Scan(&c.id, &created); err != nil {
			rows.Close()
			return 0, err
		}
		c.created = time.Unix(created, 0)
		all = append(all, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-policy.MaxAge)
	var doomed []string
	for i, c := range all {
		tooMany := policy.MaxCount > 0 && i >= policy.MaxCount
		tooOld := policy.MaxAge > 0 && c.created.Before(cutoff)
		if tooMany || tooOld {
			doomed = append(doomed, c.id)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	for _, id := range doomed {
		if err := m.deleteCheckpoint(id); err != nil {
			return 0, err
		}
	}

	m.log.Info("cleanup removed %d checkpoints", len(doomed))
	return len(doomed), nil
}

func (m *Manager) deleteCheckpoint(id string) error {
	cp, err := m.Get(id)
	if err != nil {
		return err
	}

	_, err = m.store.DB().Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}

	// Backups are content-addressed and may be shared; only remove files
	// no other operation still points at.
	for _, fop := range cp.Operations {
		if fop.BackupPath == "" {
			continue
		}
		var refs int
		err := m.store.DB().QueryRow(
			`SELECT COUNT(*) FROM file_operations WHERE backup_path = ?`,
			fop.BackupPath).Scan(&refs)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := os.Remove(fop.BackupPath); err != nil && !os.IsNotExist(err) {
				m.log.Warn("failed to remove backup %s: %v", fop.BackupPath, err)
			}
		}
	}
	return nil
}

func hashHex(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
