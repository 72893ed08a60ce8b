// Package state persists the engine's local progress: the sequence counters,
// per-device cursors and the staged-but-unconfirmed changeset. Everything
// here survives process restart so push and snapshot progress are never
// re-derived from scratch.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/baelib/baesync/internal/models"
	"github.com/baelib/baesync/internal/uuid"
)

// Well-known keys in the sync_state table.
const (
	keyDeviceID         = "device_id"
	keyLocalSeq         = "local_seq"
	keySnapshotSeq      = "snapshot_seq"
	keyLastSnapshotTime = "last_snapshot_time"
	keyStagedSeq        = "staged_seq"
	keyHeadDirty        = "head_dirty"
)

// stagedFileName is the on-disk staging file beside the database holding the
// most recently produced but not yet confirmed-published changeset.
const stagedFileName = "staged.changeset"

// Store reads and writes the persisted sync state.
type Store struct {
	db  *sql.DB
	dir string
}

// New creates a Store over the given database. dir is the directory holding
// the staged-changeset file.
func New(db *sql.DB, dir string) *Store {
	return &Store{db: db, dir: dir}
}

// EnsureDeviceID returns the persisted device id, generating and storing a
// new one on first use.
func (s *Store) EnsureDeviceID() (string, error) {
	id, err := s.get(keyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New()
	if err := s.set(keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// LocalSeq returns the highest sequence number this device has published.
func (s *Store) LocalSeq() (uint64, error) {
	return s.getUint(keyLocalSeq)
}

// SetLocalSeq records a confirmed publish.
func (s *Store) SetLocalSeq(seq uint64) error {
	return s.set(keyLocalSeq, strconv.FormatUint(seq, 10))
}

// SnapshotSeq returns the local seq of the last published snapshot.
func (s *Store) SnapshotSeq() (uint64, error) {
	return s.getUint(keySnapshotSeq)
}

// SetSnapshotSeq records a published snapshot.
func (s *Store) SetSnapshotSeq(seq uint64) error {
	return s.set(keySnapshotSeq, strconv.FormatUint(seq, 10))
}

// LastSnapshotTime returns the wall-clock time of the last snapshot, zero if
// none was ever taken.
func (s *Store) LastSnapshotTime() (time.Time, error) {
	v, err := s.get(keyLastSnapshotTime)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last_snapshot_time %q: %w", v, err)
	}
	return time.Unix(unix, 0), nil
}

// SetLastSnapshotTime records when the last snapshot was taken.
func (s *Store) SetLastSnapshotTime(t time.Time) error {
	return s.set(keyLastSnapshotTime, strconv.FormatInt(t.Unix(), 10))
}

// HeadDirty reports whether the published head pointer lags the published
// changesets and must be rewritten.
func (s *Store) HeadDirty() (bool, error) {
	v, err := s.get(keyHeadDirty)
	return v == "1", err
}

// SetHeadDirty records or clears the pending head rewrite. The marker lives
// in sync_state so it survives process restart.
func (s *Store) SetHeadDirty(dirty bool) error {
	v := "0"
	if dirty {
		v = "1"
	}
	return s.set(keyHeadDirty, v)
}

// Cursors loads the full per-device cursor set.
func (s *Store) Cursors() (models.CursorSet, error) {
	rows, err := s.db.Query("SELECT device_id, seq FROM sync_cursors")
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(models.CursorSet)
	for rows.Next() {
		var device string
		var seq uint64
		if err := rows.Scan(&device, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors[device] = seq
	}
	return cursors, rows.Err()
}

// SetCursor advances the cursor for a remote device. Lower values are
// rejected silently so cursors stay monotonic.
func (s *Store) SetCursor(deviceID string, seq uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_cursors (device_id, seq) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET seq = excluded.seq
		WHERE excluded.seq > sync_cursors.seq`,
		deviceID, seq)
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", deviceID, err)
	}
	return nil
}

// SeedCursors installs an initial cursor set, as embedded in a bootstrap
// snapshot.
func (s *Store) SeedCursors(cursors models.CursorSet) error {
	for device, seq := range cursors {
		if err := s.SetCursor(device, seq); err != nil {
			return err
		}
	}
	return nil
}

// Stage durably records an outgoing changeset before any publish attempt.
// A crash between staging and confirmed publish leaves the file in place for
// retry on the next cycle.
func (s *Store) Stage(seq uint64, encoded []byte) error {
	path := filepath.Join(s.dir, stagedFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("failed to write staged changeset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit staged changeset: %w", err)
	}
	return s.set(keyStagedSeq, strconv.FormatUint(seq, 10))
}

// Staged returns the staged changeset bytes and seq, or (nil, 0) when nothing
// is staged.
func (s *Store) Staged() ([]byte, uint64, error) {
	seq, err := s.getUint(keyStagedSeq)
	if err != nil || seq == 0 {
		return nil, 0, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, stagedFileName))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read staged changeset: %w", err)
	}
	return data, seq, nil
}

// ClearStaged removes the staged changeset after a confirmed publish.
func (s *Store) ClearStaged() error {
	if err := os.Remove(filepath.Join(s.dir, stagedFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged changeset: %w", err)
	}
	return s.set(keyStagedSeq, "0")
}

func (s *Store) get(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) getUint(key string) (uint64, error) {
	v, err := s.get(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sync state %q=%q: %w", key, v, err)
	}
	return n, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}
