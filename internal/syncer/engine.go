// Package syncer implements the push/pull service: it turns locally captured
// changes into outgoing changesets, stages them for crash-safe retry,
// publishes them, and pulls and applies every not-yet-seen changeset from
// every other known device.
package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baelib/baesync/internal/bucket"
	"github.com/baelib/baesync/internal/changeset"
	"github.com/baelib/baesync/internal/clock"
	"github.com/baelib/baesync/internal/errors"
	"github.com/baelib/baesync/internal/logging"
	"github.com/baelib/baesync/internal/models"
	"github.com/baelib/baesync/internal/state"
)

// Config assembles an Engine.
type Config struct {
	DB       *sql.DB
	DeviceID string
	Clock    *clock.Clock
	Store    *bucket.Store
	State    *state.Store

	// SchemaVersion defaults to models.SchemaVersion.
	SchemaVersion int

	// Resolver defaults to changeset.LastWriterWins.
	Resolver changeset.Resolver

	Logger *zerolog.Logger
}

// Result reports one sync cycle.
type Result struct {
	// Pulled is the number of remote changesets applied this cycle.
	Pulled int
	// Applied and Omitted are row-level apply counts across all pulls.
	Applied int
	Omitted int
	// Skipped counts changesets passed over because of schema gating.
	Skipped int
	// OutgoingSeq is the seq of the changeset produced this cycle, zero when
	// the cycle had no local writes.
	OutgoingSeq uint64
	// Published reports whether the outgoing (or a previously staged)
	// changeset reached the bucket this cycle.
	Published bool
	// Cursors is the post-cycle cursor set.
	Cursors models.CursorSet
}

// Status is a point-in-time view of the engine for health reporting.
type Status struct {
	Syncing   bool
	LastSync  time.Time
	StagedSeq uint64
	LastError string
}

// Engine is the per-library push/pull service. The database connection it
// writes through must never be used concurrently from another goroutine; the
// engine serializes its own access and the capture session lock is never held
// across a bucket call.
type Engine struct {
	db            *sql.DB
	deviceID      string
	clock         *clock.Clock
	store         *bucket.Store
	state         *state.Store
	schemaVersion int
	resolve       changeset.Resolver
	log           zerolog.Logger

	mu      sync.Mutex // guards session and cycle exclusivity
	session *changeset.Session
	syncing bool

	statusMu sync.Mutex
	lastSync time.Time
	lastErr  error
}

// New creates an Engine and opens its capture session over all synced tables.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Store == nil || cfg.State == nil || cfg.Clock == nil {
		return nil, errors.New(errors.ErrInvalid, "syncer: incomplete config")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "syncer: device id is required")
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = models.SchemaVersion
	}
	if cfg.Resolver == nil {
		cfg.Resolver = changeset.LastWriterWins
	}
	log := logging.Component("syncer")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	e := &Engine{
		db:            cfg.DB,
		deviceID:      cfg.DeviceID,
		clock:         cfg.Clock,
		store:         cfg.Store,
		state:         cfg.State,
		schemaVersion: cfg.SchemaVersion,
		resolve:       cfg.Resolver,
		log:           log.With().Str("device", cfg.DeviceID).Logger(),
	}
	if err := e.openSession(); err != nil {
		return nil, err
	}
	return e, nil
}

// DeviceID returns the local device id.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	_, staged, _ := e.state.Staged()
	st := Status{LastSync: e.lastSync, StagedSeq: staged}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Lock()
	st.Syncing = e.syncing
	e.mu.Unlock()
	return st
}

// Sync runs one full cycle: flush any staged changeset, pull and apply remote
// changesets, capture the local diff, stage it and publish it. On failure the
// staged changeset survives for retry and the capture session is restarted so
// the connection is never left in an undefined state.
func (e *Engine) Sync(ctx context.Context, message string) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	result, err := e.cycle(ctx, message)

	e.statusMu.Lock()
	e.lastErr = err
	if err == nil {
		e.lastSync = time.Now()
	}
	e.statusMu.Unlock()

	return result, err
}

func (e *Engine) cycle(ctx context.Context, message string) (*Result, error) {
	result := &Result{}

	// A head publish that failed after its changeset was already confirmed is
	// retried first; until it lands, peers cannot discover the changeset.
	if err := e.republishHead(ctx); err != nil {
		e.log.Warn().Err(err).Msg("failed to republish head")
	}

	// A changeset staged by a previous crashed or failed cycle is published
	// before anything else; its seq is already reserved.
	if err := e.flushStaged(ctx, result); err != nil {
		return result, err
	}

	if err := e.pull(ctx, result); err != nil {
		return result, err
	}

	if err := e.produce(ctx, message, result); err != nil {
		e.restartSession()
		return result, err
	}

	if err := e.flushStaged(ctx, result); err != nil {
		return result, err
	}

	cursors, err := e.state.Cursors()
	if err != nil {
		return result, err
	}
	result.Cursors = cursors
	return result, nil
}

// flushStaged publishes the staged changeset, if any, and confirms it by
// advancing local_seq and clearing the stage.
func (e *Engine) flushStaged(ctx context.Context, result *Result) error {
	encoded, seq, err := e.state.Staged()
	if err != nil {
		return err
	}
	if encoded == nil {
		return nil
	}

	if err := e.store.PutChangeset(ctx, e.deviceID, seq, encoded); err != nil {
		return errors.Wrap(errors.ErrBucketUnavailable,
			fmt.Sprintf("failed to publish changeset %d", seq), err)
	}
	if err := e.state.SetLocalSeq(seq); err != nil {
		return err
	}
	if err := e.state.ClearStaged(); err != nil {
		return err
	}
	if err := e.state.SetHeadDirty(true); err != nil {
		return err
	}
	if err := e.publishHead(ctx, seq); err != nil {
		// The changeset itself is durable in the bucket; the dirty marker
		// makes the next cycle rewrite the head.
		e.log.Warn().Err(err).Uint64("seq", seq).Msg("failed to publish head")
	} else if err := e.state.SetHeadDirty(false); err != nil {
		return err
	}
	result.Published = true
	e.log.Info().Uint64("seq", seq).Msg("published changeset")
	return nil
}

// republishHead rewrites the head pointer when a previous publish of it
// failed after the changeset was already confirmed.
func (e *Engine) republishHead(ctx context.Context) error {
	dirty, err := e.state.HeadDirty()
	if err != nil || !dirty {
		return err
	}
	seq, err := e.state.LocalSeq()
	if err != nil {
		return err
	}
	if err := e.publishHead(ctx, seq); err != nil {
		return err
	}
	if err := e.state.SetHeadDirty(false); err != nil {
		return err
	}
	e.log.Info().Uint64("seq", seq).Msg("republished head")
	return nil
}

func (e *Engine) publishHead(ctx context.Context, seq uint64) error {
	snapshotSeq, err := e.state.SnapshotSeq()
	if err != nil {
		return err
	}
	return e.store.PutHead(ctx, &models.Head{
		DeviceID:    e.deviceID,
		Seq:         seq,
		SnapshotSeq: snapshotSeq,
		UpdatedAt:   models.WireTime(time.Now()),
	})
}

// pull fetches and applies, in ascending seq order, every changeset from
// every other known device that is newer than our stored cursor for it.
// A malformed envelope or a transient apply failure aborts only that device's
// pull for this cycle; schema mismatch is an explicit skip that still
// advances the cursor.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	heads, malformed, err := e.store.ListHeads(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrBucketUnavailable, "failed to list heads", err)
	}
	for _, device := range malformed {
		e.log.Warn().Str("remote", device).Msg("dropping malformed head")
	}

	cursors, err := e.state.Cursors()
	if err != nil {
		return err
	}

	for _, head := range heads {
		if head.DeviceID == e.deviceID {
			// A device never applies its own published changesets.
			continue
		}
		cursor := cursors.Get(head.DeviceID)
		if head.Seq <= cursor {
			continue
		}
		if err := e.pullDevice(ctx, head, cursor, result); err != nil {
			e.log.Warn().Err(err).Str("remote", head.DeviceID).Msg("pull aborted for device")
		}
	}
	return nil
}

func (e *Engine) pullDevice(ctx context.Context, head *models.Head, cursor uint64, result *Result) error {
	for seq := cursor + 1; seq <= head.Seq; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := e.store.GetChangeset(ctx, head.DeviceID, seq)
		if err != nil {
			return fmt.Errorf("changeset %d: %w", seq, err)
		}
		if env.DeviceID == e.deviceID {
			// Self-authored changeset under a foreign key path; never apply.
			if err := e.state.SetCursor(head.DeviceID, seq); err != nil {
				return err
			}
			continue
		}
		if env.SchemaVersion > e.schemaVersion {
			// Newer schema than local: skip without applying, but advance
			// the cursor so the skip is never retried forever.
			e.log.Info().Str("remote", head.DeviceID).Uint64("seq", seq).
				Int("schema", env.SchemaVersion).Msg("skipping changeset from newer schema")
			if err := e.state.SetCursor(head.DeviceID, seq); err != nil {
				return err
			}
			result.Skipped++
			continue
		}

		cs, err := changeset.Decode(env.Payload)
		if err != nil {
			return fmt.Errorf("changeset %d: %w", seq, err)
		}

		stats, err := e.apply(cs)
		if err != nil {
			return fmt.Errorf("changeset %d: %w", seq, err)
		}

		if err := e.state.SetCursor(head.DeviceID, seq); err != nil {
			return err
		}
		e.observeTimestamps(cs)
		result.Pulled++
		result.Applied += stats.Applied
		result.Omitted += stats.Omitted
	}
	return nil
}

// apply replays one remote changeset with capture muted so the replayed rows
// are not re-captured as local writes. The session lock is held only around
// the database work, never across bucket I/O.
func (e *Engine) apply(cs *changeset.Changeset) (changeset.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.session.Mute(); err != nil {
		return changeset.Stats{}, err
	}
	defer func() {
		if err := e.session.Unmute(); err != nil {
			e.log.Error().Err(err).Msg("failed to unmute capture session")
		}
	}()
	return changeset.Apply(e.db, cs, e.resolve)
}

// produce extracts the local diff and stages it as the next outgoing
// changeset. Publishing is a separate step so a crash between "produced" and
// "durably published" cannot silently lose a write.
func (e *Engine) produce(ctx context.Context, message string, result *Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, err := e.session.Extract()
	if err != nil {
		return err
	}
	if cs.Empty() {
		return nil
	}

	localSeq, err := e.state.LocalSeq()
	if err != nil {
		return err
	}
	seq := localSeq + 1

	payload, err := cs.Encode()
	if err != nil {
		return err
	}
	env := &models.Envelope{
		DeviceID:      e.deviceID,
		Seq:           seq,
		SchemaVersion: e.schemaVersion,
		Timestamp:     models.WireTime(time.Now()),
		Message:       message,
		Payload:       payload,
	}
	encoded, err := env.Encode()
	if err != nil {
		return err
	}

	if err := e.state.Stage(seq, encoded); err != nil {
		return err
	}
	if err := e.session.Reset(); err != nil {
		return err
	}
	result.OutgoingSeq = seq
	e.log.Debug().Uint64("seq", seq).Int("ops", len(cs.Ops)).Msg("staged outgoing changeset")
	return nil
}

// observeTimestamps merges the newest applied row timestamp into the local
// clock so subsequent local writes order after everything just seen.
func (e *Engine) observeTimestamps(cs *changeset.Changeset) {
	var max clock.Timestamp
	var found bool
	for _, op := range cs.Ops {
		ts, err := clock.Parse(op.UpdatedAt())
		if err != nil {
			continue
		}
		if !found || max.Less(ts) {
			max = ts
			found = true
		}
	}
	if found {
		e.clock.Update(max)
	}
}

func (e *Engine) openSession() error {
	session, err := changeset.OpenSession(e.db)
	if err != nil {
		return err
	}
	if err := session.AttachAll(); err != nil {
		session.Close()
		return err
	}
	e.mu.Lock()
	e.session = session
	e.mu.Unlock()
	return nil
}

// restartSession tears the capture session down and opens a fresh one after a
// failed cycle.
func (e *Engine) restartSession() {
	e.mu.Lock()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.log.Error().Err(err).Msg("failed to close capture session")
		}
		e.session = nil
	}
	e.mu.Unlock()

	if err := e.openSession(); err != nil {
		e.log.Error().Err(err).Msg("failed to restart capture session")
	}
}

// Close tears down the capture session. The engine must not be used after.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}
