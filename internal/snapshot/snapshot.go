// Package snapshot bounds the replay cost for new devices by periodically
// publishing an encrypted full-database dump, and reconstructs a fresh local
// copy from the newest dump plus the changesets newer than it.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/baelib/baesync/internal/bucket"
	"github.com/baelib/baesync/internal/db"
	"github.com/baelib/baesync/internal/errors"
	"github.com/baelib/baesync/internal/logging"
	"github.com/baelib/baesync/internal/models"
	"github.com/baelib/baesync/internal/state"
)

// Policy holds the snapshot thresholds. A snapshot fires when the number of
// changesets since the last one strictly exceeds SeqThreshold OR the elapsed
// hours strictly exceed HoursThreshold. Values exactly at a threshold do not
// fire.
type Policy struct {
	SeqThreshold   uint64
	HoursThreshold float64
}

// DefaultPolicy bounds replay chains to 100 changesets and staleness to a
// week.
func DefaultPolicy() Policy {
	return Policy{SeqThreshold: 100, HoursThreshold: 24 * 7}
}

// ShouldCreate applies the policy.
func (p Policy) ShouldCreate(localSeq, lastSnapshotSeq uint64, hoursSince float64) bool {
	if localSeq > lastSnapshotSeq && localSeq-lastSnapshotSeq > p.SeqThreshold {
		return true
	}
	return hoursSince > p.HoursThreshold
}

// Service creates and publishes snapshots for one device.
type Service struct {
	db       *sql.DB
	deviceID string
	store    *bucket.Store
	state    *state.Store
	policy   Policy
	workDir  string
	log      zerolog.Logger
}

// NewService creates a snapshot Service. workDir holds the temporary dump
// files produced by VACUUM INTO.
func NewService(db *sql.DB, deviceID string, store *bucket.Store, st *state.Store, policy Policy, workDir string) *Service {
	return &Service{
		db:       db,
		deviceID: deviceID,
		store:    store,
		state:    st,
		policy:   policy,
		workDir:  workDir,
		log:      logging.Component("snapshot").With().Str("device", deviceID).Logger(),
	}
}

// Maybe creates and publishes a snapshot when the policy says one is due.
// Failures are logged and retried on a later cycle; the sync path never
// depends on them.
func (s *Service) Maybe(ctx context.Context) {
	localSeq, err := s.state.LocalSeq()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read local seq")
		return
	}
	lastSeq, err := s.state.SnapshotSeq()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read snapshot seq")
		return
	}
	lastTime, err := s.state.LastSnapshotTime()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read last snapshot time")
		return
	}
	hoursSince := s.policy.HoursThreshold + 1
	if !lastTime.IsZero() {
		hoursSince = time.Since(lastTime).Hours()
	}
	if localSeq == 0 && lastSeq == 0 {
		// Nothing published yet; a snapshot of an empty history helps nobody.
		return
	}
	if !s.policy.ShouldCreate(localSeq, lastSeq, hoursSince) {
		return
	}

	if err := s.CreateAndPush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("snapshot failed")
	}
}

// CreateAndPush serializes the whole database, encrypts it together with the
// current cursor set, publishes it keyed by (device, seq) and records the new
// snapshot state.
func (s *Service) CreateAndPush(ctx context.Context) error {
	localSeq, err := s.state.LocalSeq()
	if err != nil {
		return err
	}
	sealed, err := s.Create(ctx, localSeq)
	if err != nil {
		return err
	}
	if err := s.store.PutSnapshot(ctx, s.deviceID, localSeq, sealed); err != nil {
		return errors.Wrap(errors.ErrBucketUnavailable, "failed to publish snapshot", err)
	}
	if err := s.state.SetSnapshotSeq(localSeq); err != nil {
		return err
	}
	if err := s.state.SetLastSnapshotTime(time.Now()); err != nil {
		return err
	}
	// Refresh the head so new devices discover the snapshot without listing.
	// The snapshot itself is durable; a stale head only delays discovery.
	head := &models.Head{
		DeviceID:    s.deviceID,
		Seq:         localSeq,
		SnapshotSeq: localSeq,
		UpdatedAt:   models.WireTime(time.Now()),
	}
	if err := s.store.PutHead(ctx, head); err != nil {
		// The sync engine rewrites the head on its next cycle while the
		// marker is set.
		s.log.Warn().Err(err).Msg("failed to refresh head after snapshot")
		if err := s.state.SetHeadDirty(true); err != nil {
			s.log.Warn().Err(err).Msg("failed to mark head dirty")
		}
	}
	s.log.Info().Uint64("seq", localSeq).Msg("published snapshot")
	return nil
}

// Create produces the sealed snapshot blob at the given seq.
func (s *Service) Create(ctx context.Context, seq uint64) ([]byte, error) {
	dump, err := s.dumpDatabase()
	if err != nil {
		return nil, err
	}
	cursors, err := s.state.Cursors()
	if err != nil {
		return nil, err
	}
	manifest := &models.SnapshotManifest{
		DeviceID:  s.deviceID,
		Seq:       seq,
		CreatedAt: models.WireTime(time.Now()),
		Cursors:   cursors,
		Database:  dump,
	}
	encoded, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	return s.store.Seal(encoded)
}

// dumpDatabase serializes the database with VACUUM INTO, which produces a
// consistent copy without blocking readers.
func (s *Service) dumpDatabase() ([]byte, error) {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot work dir: %w", err)
	}
	path := filepath.Join(s.workDir, fmt.Sprintf("snapshot-%d.db", time.Now().UnixNano()))
	defer os.Remove(path)

	if _, err := s.db.Exec("VACUUM INTO ?", path); err != nil {
		return nil, fmt.Errorf("failed to dump database: %w", err)
	}
	dump, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read database dump: %w", err)
	}
	return dump, nil
}

// Bootstrap finds the most recent snapshot in the bucket, restores it as a
// new local database at targetPath and returns the cursor set embedded in it.
// The caller feeds those cursors into a normal pull cycle to replay anything
// newer. This is the only code path that can construct a usable local
// database for a brand-new device.
func Bootstrap(ctx context.Context, store *bucket.Store, targetPath string) (models.CursorSet, error) {
	refs, err := store.ListSnapshots(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBucketUnavailable, "failed to list snapshots", err)
	}
	if len(refs) == 0 {
		return nil, errors.New(errors.ErrSnapshotMissing, "no snapshot available to bootstrap from")
	}

	// Refs are ordered by seq ascending; walk newest-first so a corrupt
	// latest snapshot falls back to an older one.
	for i := len(refs) - 1; i >= 0; i-- {
		manifest, err := store.GetSnapshot(ctx, refs[i])
		if err != nil {
			if errors.Is(err, errors.ErrInvalidKey) {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if err := os.WriteFile(targetPath, manifest.Database, 0o600); err != nil {
			return nil, fmt.Errorf("failed to restore database: %w", err)
		}
		if err := resetDeviceState(targetPath); err != nil {
			return nil, err
		}

		// The restored copy already contains everything its producer had
		// applied up to manifest.Seq, including the producer's own writes.
		cursors := models.CursorSet(manifest.Cursors).Clone()
		cursors.Advance(manifest.DeviceID, manifest.Seq)
		return cursors, nil
	}
	return nil, errors.New(errors.ErrBootstrapFailed, "all available snapshots are unreadable")
}

// resetDeviceState clears the producer's device-local bookkeeping from the
// restored copy. The bootstrapped device must mint its own identity and start
// its seq history at zero; inheriting the producer's device id or local_seq
// would reuse seq numbers the producer has already published under.
func resetDeviceState(path string) error {
	conn, err := db.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open restored database: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Exec("DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("failed to reset device state: %w", err)
	}
	return nil
}
