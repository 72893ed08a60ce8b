package tenant

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/baelib/baesync/internal/bucket"
	"github.com/baelib/baesync/internal/clock"
	"github.com/baelib/baesync/internal/config"
	"github.com/baelib/baesync/internal/crypto"
	"github.com/baelib/baesync/internal/db"
	"github.com/baelib/baesync/internal/errors"
	"github.com/baelib/baesync/internal/snapshot"
	"github.com/baelib/baesync/internal/state"
	"github.com/baelib/baesync/internal/syncer"
)

// Session is one fully bootstrapped hosted library: a writable connection
// owned by its sync loop, a read-only connection for serving, and a router.
type Session struct {
	Key     string
	WorkDir string

	engine  *syncer.Engine
	loop    *syncer.Loop
	store   *bucket.Store
	writeDB *sql.DB
	readDB  *sql.DB
	router  http.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// SessionConfig carries everything a bootstrap needs.
type SessionConfig struct {
	Key          string
	Tenant       config.Tenant
	WorkDir      string
	SyncInterval time.Duration
	Policy       snapshot.Policy
}

// Bootstrap builds a Session from the newest snapshot in the tenant's bucket:
// restore the database, replay missing changesets with one pull cycle, open a
// read-only serving connection and start the background sync loop. Any
// failure aborts the whole bootstrap; the caller retries on a later request.
func Bootstrap(ctx context.Context, cfg SessionConfig) (*Session, error) {
	box, err := crypto.NewBox(cfg.Tenant.RecoveryKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "invalid recovery key", err)
	}
	raw, err := bucket.NewDirBucket(cfg.Tenant.BucketDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to open bucket", err)
	}
	store := bucket.NewStore(raw, box)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to create work dir", err)
	}

	dbPath := filepath.Join(cfg.WorkDir, "library.db")
	cursors, err := snapshot.Bootstrap(ctx, store, dbPath)
	if err != nil {
		return nil, err
	}

	writeDB, err := db.Open(dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to open database", err)
	}
	session, err := finishBootstrap(ctx, cfg, store, writeDB, dbPath, cursors)
	if err != nil {
		writeDB.Close()
		return nil, err
	}
	return session, nil
}

func finishBootstrap(ctx context.Context, cfg SessionConfig, store *bucket.Store,
	writeDB *sql.DB, dbPath string, cursors map[string]uint64) (*Session, error) {

	if err := db.InitSyncSchema(writeDB); err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to init sync schema", err)
	}
	st := state.New(writeDB, cfg.WorkDir)
	if err := st.SeedCursors(cursors); err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to seed cursors", err)
	}
	deviceID, err := st.EnsureDeviceID()
	if err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to establish device id", err)
	}

	engine, err := syncer.New(syncer.Config{
		DB:       writeDB,
		DeviceID: deviceID,
		Clock:    clock.New(deviceID),
		Store:    store,
		State:    st,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to build sync engine", err)
	}

	// Replay everything published since the snapshot was taken.
	if _, err := engine.Sync(ctx, "bootstrap"); err != nil {
		engine.Close()
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to replay changesets", err)
	}

	readDB, err := db.OpenReadOnly(dbPath)
	if err != nil {
		engine.Close()
		return nil, errors.Wrap(errors.ErrBootstrapFailed, "failed to open serving connection", err)
	}

	snap := snapshot.NewService(writeDB, deviceID, store, st, cfg.Policy,
		filepath.Join(cfg.WorkDir, "snapshots"))

	loop := syncer.NewLoop(engine, cfg.SyncInterval)
	loop.AfterSync = snap.Maybe

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Key:     cfg.Key,
		WorkDir: cfg.WorkDir,
		engine:  engine,
		loop:    loop,
		store:   store,
		writeDB: writeDB,
		readDB:  readDB,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.router = newTenantRouter(s, cfg.Tenant)

	go func() {
		defer close(s.done)
		loop.Run(loopCtx)
	}()
	return s, nil
}

// Router returns the session's request handler.
func (s *Session) Router() http.Handler {
	return s.router
}

// SyncNow triggers an immediate sync cycle.
func (s *Session) SyncNow() {
	s.loop.SyncNow()
}

// Stop signals the sync loop to stop, waits for it, and closes both database
// connections. The capture session is torn down before its connection.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
	s.engine.Close()
	s.readDB.Close()
	s.writeDB.Close()
}

// workDirFor maps a tenant key to its on-disk cache directory.
func workDirFor(dataDir, key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(dataDir, "tenants", safe)
}
