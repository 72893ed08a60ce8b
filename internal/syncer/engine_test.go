package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baelib/baesync/internal/bucket"
	"github.com/baelib/baesync/internal/changeset"
	"github.com/baelib/baesync/internal/clock"
	"github.com/baelib/baesync/internal/crypto"
	"github.com/baelib/baesync/internal/db"
	"github.com/baelib/baesync/internal/errors"
	"github.com/baelib/baesync/internal/models"
	"github.com/baelib/baesync/internal/state"
)

// testDevice bundles one device's full local stack over a shared bucket.
type testDevice struct {
	id     string
	db     *sql.DB
	clock  *clock.Clock
	state  *state.Store
	engine *Engine
}

// newTestDevice creates a device whose clock is frozen at baseMillis, so
// last-writer ordering between devices is deterministic in tests.
func newTestDevice(t *testing.T, id string, shared bucket.Bucket, baseMillis int64) *testDevice {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(filepath.Join(dir, "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.InitSyncSchema(conn))
	_, err = conn.Exec(`
		CREATE TABLE tracks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			_updated_at TEXT NOT NULL
		);`)
	require.NoError(t, err)

	box, err := crypto.NewBox("shared-recovery-key")
	require.NoError(t, err)

	d := &testDevice{
		id:    id,
		db:    conn,
		clock: clock.NewWithTime(id, func() time.Time { return time.UnixMilli(baseMillis) }),
		state: state.New(conn, dir),
	}
	nop := zerolog.Nop()
	d.engine, err = New(Config{
		DB:       conn,
		DeviceID: id,
		Clock:    d.clock,
		Store:    bucket.NewStore(shared, box),
		State:    d.state,
		Logger:   &nop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.engine.Close() })
	return d
}

func (d *testDevice) insertTrack(t *testing.T, id, title string) {
	t.Helper()
	_, err := d.db.Exec("INSERT INTO tracks (id, title, _updated_at) VALUES (?, ?, ?)",
		id, title, d.clock.Now().String())
	require.NoError(t, err)
}

func (d *testDevice) updateTrack(t *testing.T, id, title string) {
	t.Helper()
	_, err := d.db.Exec("UPDATE tracks SET title = ?, _updated_at = ? WHERE id = ?",
		title, d.clock.Now().String(), id)
	require.NoError(t, err)
}

func (d *testDevice) sync(t *testing.T) *Result {
	t.Helper()
	result, err := d.engine.Sync(context.Background(), "test")
	require.NoError(t, err)
	return result
}

func (d *testDevice) title(t *testing.T, id string) (string, bool) {
	t.Helper()
	var title string
	err := d.db.QueryRow("SELECT title FROM tracks WHERE id = ?", id).Scan(&title)
	if err == sql.ErrNoRows {
		return "", false
	}
	require.NoError(t, err)
	return title, true
}

func (d *testDevice) trackCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, d.db.QueryRow("SELECT COUNT(*) FROM tracks").Scan(&n))
	return n
}

// tracksDump returns id -> title+timestamp for whole-table comparisons.
func (d *testDevice) tracksDump(t *testing.T) map[string]string {
	t.Helper()
	rows, err := d.db.Query("SELECT id, title, _updated_at FROM tracks")
	require.NoError(t, err)
	defer rows.Close()
	dump := make(map[string]string)
	for rows.Next() {
		var id, title, ts string
		require.NoError(t, rows.Scan(&id, &title, &ts))
		dump[id] = title + "@" + ts
	}
	require.NoError(t, rows.Err())
	return dump
}

func TestSyncPublishesLocalWrites(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	a.insertTrack(t, "t1", "Blue in Green")
	result := a.sync(t)

	assert.Equal(t, uint64(1), result.OutgoingSeq)
	assert.True(t, result.Published)

	seq, err := a.state.LocalSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	ok, err := shared.Exists(context.Background(), bucket.ChangesetKey("dev-a", 1))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = shared.Exists(context.Background(), bucket.HeadKey("dev-a"))
	require.NoError(t, err)
	assert.True(t, ok, "head is published with the changeset")
}

func TestSyncWithNoLocalChanges(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	result := a.sync(t)
	assert.Zero(t, result.OutgoingSeq)
	assert.False(t, result.Published)
	assert.Zero(t, result.Pulled)
}

func TestPullAppliesRemoteChanges(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)

	result := b.sync(t)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, uint64(1), result.Cursors.Get("dev-a"))

	title, ok := b.title(t, "t1")
	require.True(t, ok)
	assert.Equal(t, "Blue in Green", title)
}

func TestRepeatedPullIsIdempotent(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)
	first := b.sync(t)
	second := b.sync(t)

	assert.Equal(t, 1, first.Pulled)
	assert.Zero(t, second.Pulled, "already-applied changesets are not re-pulled")
	assert.Equal(t, first.Cursors, second.Cursors)
	assert.Equal(t, 1, b.trackCount(t))
}

func TestSelfChangesNeverReapplied(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)

	result := a.sync(t)
	assert.Zero(t, result.Pulled, "own published changesets are skipped on pull")
	assert.Equal(t, 1, a.trackCount(t))
}

func TestSelfAuthoredUnderForeignKeySkipped(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	// A changeset authored by dev-a ends up filed under another device's key
	// (e.g. copied by a misbehaving client). It must advance the cursor
	// without being applied.
	box, err := crypto.NewBox("shared-recovery-key")
	require.NoError(t, err)
	store := bucket.NewStore(shared, box)

	cs := &changeset.Changeset{Ops: []changeset.RowOp{{
		Table: "tracks", Op: changeset.OpInsert, PK: "t9",
		Values: map[string]interface{}{
			"id": "t9", "title": "echo", "_updated_at": fmt.Sprintf("%013d-%04d-%s", 1, 0, "dev-a"),
		},
	}}}
	payload, err := cs.Encode()
	require.NoError(t, err)
	env := &models.Envelope{
		DeviceID: "dev-a", Seq: 1, SchemaVersion: models.SchemaVersion,
		Timestamp: models.WireTime(time.Now()), Payload: payload,
	}
	encoded, err := env.Encode()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.PutChangeset(ctx, "dev-x", 1, encoded))
	require.NoError(t, store.PutHead(ctx, &models.Head{DeviceID: "dev-x", Seq: 1, UpdatedAt: models.WireTime(time.Now())}))

	result := a.sync(t)
	assert.Zero(t, result.Pulled)
	assert.Equal(t, uint64(1), result.Cursors.Get("dev-x"))
	_, ok := a.title(t, "t9")
	assert.False(t, ok)
}

func TestSchemaGatingSkipsButAdvancesCursor(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	box, err := crypto.NewBox("shared-recovery-key")
	require.NoError(t, err)
	store := bucket.NewStore(shared, box)

	env := &models.Envelope{
		DeviceID: "dev-z", Seq: 1, SchemaVersion: models.SchemaVersion + 1,
		Timestamp: models.WireTime(time.Now()), Payload: []byte("opaque newer-schema payload"),
	}
	encoded, err := env.Encode()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.PutChangeset(ctx, "dev-z", 1, encoded))
	require.NoError(t, store.PutHead(ctx, &models.Head{DeviceID: "dev-z", Seq: 1, UpdatedAt: models.WireTime(time.Now())}))

	result := a.sync(t)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Pulled)
	assert.Equal(t, uint64(1), result.Cursors.Get("dev-z"),
		"a schema-gated skip still advances the cursor")
	assert.Zero(t, a.trackCount(t))
}

func TestMalformedChangesetAbortsOnlyThatDevice(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)

	// A garbage blob under dev-bad with a valid-looking head.
	box, err := crypto.NewBox("shared-recovery-key")
	require.NoError(t, err)
	store := bucket.NewStore(shared, box)
	ctx := context.Background()
	require.NoError(t, shared.Write(ctx, bucket.ChangesetKey("dev-bad", 1), []byte("corrupt blob")))
	require.NoError(t, store.PutHead(ctx, &models.Head{DeviceID: "dev-bad", Seq: 1, UpdatedAt: models.WireTime(time.Now())}))

	result := b.sync(t)
	assert.Equal(t, 1, result.Pulled, "the healthy device still syncs")
	assert.Zero(t, result.Cursors.Get("dev-bad"), "cursor does not advance past a malformed changeset")
	title, ok := b.title(t, "t1")
	require.True(t, ok)
	assert.Equal(t, "Blue in Green", title)
}

func TestBidirectionalConvergence(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	a.insertTrack(t, "from-a", "Blue in Green")
	b.insertTrack(t, "from-b", "So What")

	a.sync(t)
	b.sync(t) // pulls a's row, publishes b's
	a.sync(t) // pulls b's row

	assert.Equal(t, 2, a.trackCount(t))
	assert.Equal(t, 2, b.trackCount(t))
	assert.Equal(t, a.tracksDump(t), b.tracksDump(t), "both replicas converge to identical state")
}

func TestConcurrentEditConvergesToLastWriter(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	// Both devices create the same row before seeing each other.
	a.insertTrack(t, "shared", "written on a")
	b.insertTrack(t, "shared", "written on b")

	a.sync(t)
	b.sync(t)
	a.sync(t)
	b.sync(t)

	titleA, _ := a.title(t, "shared")
	titleB, _ := b.title(t, "shared")
	assert.Equal(t, "written on b", titleA, "the later writer wins on both replicas")
	assert.Equal(t, titleA, titleB)
	assert.Equal(t, 1, a.trackCount(t))
	assert.Equal(t, 1, b.trackCount(t))
	assert.Equal(t, a.tracksDump(t), b.tracksDump(t))
}

func TestPulledTimestampsAdvanceLocalClock(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 9_000_000)
	b := newTestDevice(t, "dev-b", shared, 1_000) // far behind wall-clock-wise

	a.insertTrack(t, "t1", "original")
	a.sync(t)
	b.sync(t)

	// B's next edit must order after A's write despite B's slow clock.
	b.updateTrack(t, "t1", "edited on b")
	b.sync(t)
	a.sync(t)

	title, _ := a.title(t, "t1")
	assert.Equal(t, "edited on b", title)
}

func TestStagedChangesetSurvivesPublishFailure(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)

	a.insertTrack(t, "t1", "Blue in Green")

	shared.SetFailWrites(true, fmt.Errorf("bucket unreachable"))
	_, err := a.engine.Sync(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBucketUnavailable))

	_, stagedSeq, err := a.state.Staged()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stagedSeq, "the produced changeset stays staged")
	seq, err := a.state.LocalSeq()
	require.NoError(t, err)
	assert.Zero(t, seq, "local seq is only advanced on confirmed publish")

	shared.SetFailWrites(false, nil)
	result := a.sync(t)
	assert.True(t, result.Published)
	assert.Zero(t, result.OutgoingSeq, "nothing new is produced; the staged changeset is flushed")

	_, stagedSeq, err = a.state.Staged()
	require.NoError(t, err)
	assert.Zero(t, stagedSeq)

	b.sync(t)
	title, ok := b.title(t, "t1")
	require.True(t, ok)
	assert.Equal(t, "Blue in Green", title)
}

// headFailingBucket refuses head writes while fail is set; everything else
// passes through.
type headFailingBucket struct {
	bucket.Bucket
	fail bool
}

func (b *headFailingBucket) Write(ctx context.Context, key string, data []byte) error {
	if b.fail && strings.HasPrefix(key, "heads/") {
		return fmt.Errorf("head write refused")
	}
	return b.Bucket.Write(ctx, key, data)
}

func TestFailedHeadPublishRetriedNextCycle(t *testing.T) {
	shared := bucket.NewMemBucket()
	flaky := &headFailingBucket{Bucket: shared, fail: true}
	a := newTestDevice(t, "dev-a", flaky, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)
	ctx := context.Background()

	a.insertTrack(t, "t1", "Blue in Green")
	result := a.sync(t)
	assert.True(t, result.Published, "the changeset itself is durable")

	ok, err := shared.Exists(ctx, bucket.HeadKey("dev-a"))
	require.NoError(t, err)
	assert.False(t, ok)
	dirty, err := a.state.HeadDirty()
	require.NoError(t, err)
	assert.True(t, dirty)

	assert.Zero(t, b.sync(t).Pulled, "an unpublished head hides the changeset")

	flaky.fail = false
	a.sync(t)

	dirty, err = a.state.HeadDirty()
	require.NoError(t, err)
	assert.False(t, dirty)
	ok, err = shared.Exists(ctx, bucket.HeadKey("dev-a"))
	require.NoError(t, err)
	assert.True(t, ok, "a quiescent cycle rewrites the missing head")

	got := b.sync(t)
	assert.Equal(t, 1, got.Pulled)
	title, found := b.title(t, "t1")
	require.True(t, found)
	assert.Equal(t, "Blue in Green", title)
}

func TestPullResumesAfterChangesetRepaired(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)
	b := newTestDevice(t, "dev-b", shared, 2_000_000)
	ctx := context.Background()

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)
	a.insertTrack(t, "t2", "So What")
	a.sync(t)

	// Corrupt the second changeset in place, keeping the original bytes.
	key := bucket.ChangesetKey("dev-a", 2)
	original, err := shared.Read(ctx, key)
	require.NoError(t, err)
	require.NoError(t, shared.Write(ctx, key, []byte("corrupt blob")))

	result := b.sync(t)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, uint64(1), result.Cursors.Get("dev-a"),
		"the cursor stops at the last applied changeset")
	_, found := b.title(t, "t2")
	assert.False(t, found)

	// Once the blob is repaired the next cycle picks up where it stopped.
	require.NoError(t, shared.Write(ctx, key, original))
	result = b.sync(t)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, uint64(2), result.Cursors.Get("dev-a"))
	title, found := b.title(t, "t2")
	require.True(t, found)
	assert.Equal(t, "So What", title)
}

func TestSyncRejectsConcurrentCycle(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	a.engine.mu.Lock()
	a.engine.syncing = true
	a.engine.mu.Unlock()

	_, err := a.engine.Sync(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncInProgress))

	a.engine.mu.Lock()
	a.engine.syncing = false
	a.engine.mu.Unlock()
	a.sync(t)
}

func TestStatusReflectsLastCycle(t *testing.T) {
	shared := bucket.NewMemBucket()
	a := newTestDevice(t, "dev-a", shared, 1_000_000)

	st := a.engine.Status()
	assert.True(t, st.LastSync.IsZero())

	a.insertTrack(t, "t1", "Blue in Green")
	a.sync(t)

	st = a.engine.Status()
	assert.False(t, st.Syncing)
	assert.False(t, st.LastSync.IsZero())
	assert.Empty(t, st.LastError)
	assert.Zero(t, st.StagedSeq)

	shared.SetFailWrites(true, fmt.Errorf("bucket unreachable"))
	a.insertTrack(t, "t2", "So What")
	_, err := a.engine.Sync(context.Background(), "test")
	require.Error(t, err)

	st = a.engine.Status()
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, uint64(2), st.StagedSeq)
}
