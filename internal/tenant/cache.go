// Package tenant hosts many independently bootstrapped library sync sessions
// in one server process: sessions boot lazily on first request and are
// evicted after an idle timeout, reclaiming disk.
package tenant

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baelib/baesync/internal/config"
	"github.com/baelib/baesync/internal/errors"
	"github.com/baelib/baesync/internal/logging"
	"github.com/baelib/baesync/internal/snapshot"
)

// Sentinel errors for Resolve.
var (
	// ErrLoading means a bootstrap is in flight; the caller should retry.
	ErrLoading = errors.New(errors.ErrTenantLoading, "tenant is loading")
	// ErrNotFound means the key is not in the registry.
	ErrNotFound = errors.New(errors.ErrTenantNotFound, "tenant not registered")
)

type entryStatus int

const (
	statusLoading entryStatus = iota
	statusReady
)

type entry struct {
	status   entryStatus
	session  *Session
	lastUsed time.Time
}

// Cache lazily boots and evicts per-library sync sessions keyed by hostname.
type Cache struct {
	registry     map[string]config.Tenant
	dataDir      string
	syncInterval time.Duration
	policy       snapshot.Policy
	defTimeout   time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// now is injectable for eviction tests.
	now func() time.Time
}

// NewCache builds a Cache from the server config.
func NewCache(cfg *config.Config) *Cache {
	registry := make(map[string]config.Tenant, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		registry[t.Hostname] = t
	}
	return &Cache{
		registry:     registry,
		dataDir:      cfg.DataDir,
		syncInterval: cfg.SyncInterval(),
		policy: snapshot.Policy{
			SeqThreshold:   uint64(cfg.SnapshotSeqThreshold),
			HoursThreshold: float64(cfg.SnapshotHoursThreshold),
		},
		defTimeout: cfg.CacheTimeout(),
		log:        logging.Component("tenants"),
		entries:    make(map[string]*entry),
		now:        time.Now,
	}
}

// Resolve returns the routable handler for a tenant key. The first caller for
// an unknown-but-registered key wins the Loading transition and kicks off the
// bootstrap; concurrent callers observe ErrLoading and retry.
func (c *Cache) Resolve(key string) (http.Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.status == statusLoading {
			return nil, ErrLoading
		}
		e.lastUsed = c.now()
		return e.session.Router(), nil
	}

	tenant, registered := c.registry[key]
	if !registered {
		return nil, ErrNotFound
	}

	c.entries[key] = &entry{status: statusLoading, lastUsed: c.now()}
	c.startBootstrap(key, tenant)
	return nil, ErrLoading
}

// startBootstrap runs the bootstrap on its own goroutine, which owns the
// writable connection for its whole setup. The result comes back through a
// one-shot channel consumed by a second goroutine that performs the final
// cache insertion (or removal on failure, so a later request re-attempts).
func (c *Cache) startBootstrap(key string, tenant config.Tenant) {
	type result struct {
		session *Session
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		session, err := Bootstrap(ctx, SessionConfig{
			Key:          key,
			Tenant:       tenant,
			WorkDir:      workDirFor(c.dataDir, key),
			SyncInterval: c.syncInterval,
			Policy:       c.policy,
		})
		resultCh <- result{session: session, err: err}
	}()

	go func() {
		res := <-resultCh
		c.mu.Lock()
		defer c.mu.Unlock()
		if res.err != nil {
			delete(c.entries, key)
			c.log.Error().Err(res.err).Str("tenant", key).Msg("tenant bootstrap failed")
			return
		}
		c.entries[key] = &entry{status: statusReady, session: res.session, lastUsed: c.now()}
		c.log.Info().Str("tenant", key).Msg("tenant ready")
	}()
}

// EvictIdle removes every Ready session idle past its tenant's cache timeout,
// stops its sync loop, and deletes its working directory asynchronously.
func (c *Cache) EvictIdle() {
	now := c.now()

	c.mu.Lock()
	var evicted []*Session
	for key, e := range c.entries {
		if e.status != statusReady {
			continue
		}
		timeout := c.registry[key].CacheTimeout(c.defTimeout)
		if now.Sub(e.lastUsed) <= timeout {
			continue
		}
		delete(c.entries, key)
		evicted = append(evicted, e.session)
	}
	c.mu.Unlock()

	for _, session := range evicted {
		go func(s *Session) {
			c.log.Info().Str("tenant", s.Key).Msg("evicting idle tenant")
			s.Stop()
			if err := os.RemoveAll(s.WorkDir); err != nil {
				c.log.Warn().Err(err).Str("tenant", s.Key).Msg("failed to remove work dir")
			}
		}(session)
	}
}

// RunEviction periodically scans for idle sessions until ctx is cancelled,
// then stops every remaining session.
func (c *Cache) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return
		case <-ticker.C:
			c.EvictIdle()
		}
	}
}

// Shutdown stops all ready sessions synchronously. Work dirs are left in
// place; idle eviction, not shutdown, is what reclaims disk.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	var sessions []*Session
	for key, e := range c.entries {
		if e.status == statusReady {
			sessions = append(sessions, e.session)
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// Ready reports whether a tenant is currently Ready, for tests and health
// reporting.
func (c *Cache) Ready(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.status == statusReady
}
