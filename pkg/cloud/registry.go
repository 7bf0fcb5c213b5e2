package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownTarget is returned when a (cloud, database) pair or cloud name is
// not present in the declared inventory.
var ErrUnknownTarget = errors.New("unknown cloud or database")

const (
	sqlPoolMinConns    = 2
	sqlPoolMaxConns    = 20
	sqlPoolIdleTimeout = 30 * time.Second
	sqlConnectTimeout  = 10 * time.Second

	// Consecutive failures before a handle is evicted and rebuilt on next use.
	sqlEvictThreshold = 5
	kvEvictThreshold  = 10

	// Every Nth failure is logged after the first.
	logEvery = 5
)

// newConnectBackoff returns the reconnect schedule shared by both handle
// kinds: 500ms doubling up to 30s.
func newConnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	return b
}

// handleState tracks consecutive failures for eviction and log throttling.
type handleState struct {
	failures int
}

// record returns whether this failure should be logged and whether the
// handle crossed the eviction threshold.
func (h *handleState) record(threshold int) (logIt, evict bool) {
	h.failures++
	return h.failures == 1 || h.failures%logEvery == 0, h.failures >= threshold
}

func (h *handleState) reset() { h.failures = 0 }

// sqlEntry is a lazily-built pool handle. The build runs under the entry's
// own once, never under the registry mutex, so connecting to one target
// cannot block lookups or builds for unrelated targets.
type sqlEntry struct {
	once sync.Once
	pool *pgxpool.Pool
	err  error
}

// kvEntry is the cluster-client counterpart of sqlEntry.
type kvEntry struct {
	once   sync.Once
	client *redis.ClusterClient
	err    error
}

// Registry maintains lazy, reconnecting client handles: one pgx pool per
// (cloud, database) and one cluster client per KV cloud. It is safe for
// concurrent use; the registry mutex guards only map access, and each
// handle's build-and-connect path is serialised per key.
type Registry struct {
	cfg    *Config
	logger *slog.Logger

	evictions *prometheus.CounterVec

	mu        sync.Mutex
	sqlPools  map[string]*sqlEntry
	sqlState  map[string]*handleState
	kvClients map[string]*kvEntry
	kvState   map[string]*handleState
}

// NewRegistry creates a pool registry over the given inventory. evictions may
// be nil when metrics are not wired (tests).
func NewRegistry(cfg *Config, logger *slog.Logger, evictions *prometheus.CounterVec) *Registry {
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		evictions: evictions,
		sqlPools:  make(map[string]*sqlEntry),
		sqlState:  make(map[string]*handleState),
		kvClients: make(map[string]*kvEntry),
		kvState:   make(map[string]*handleState),
	}
}

// Snapshot returns the declared cloud inventory.
func (r *Registry) Snapshot() *Config { return r.cfg }

// TargetKey is the canonical map key for a (cloud, database) pair.
func TargetKey(cloudName, database string) string {
	return cloudName + "/" + database
}

// SQLPool returns the cached pool for (cloud, database), building it on first
// use. The pair must exist in the inventory. Waiters for the same key share
// one build attempt; a failed attempt is dropped so the next use retries.
func (r *Registry) SQLPool(ctx context.Context, cloudName, database string) (*pgxpool.Pool, error) {
	db, ok := r.cfg.FindDB(cloudName, database)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownTarget, cloudName, database)
	}

	key := TargetKey(cloudName, database)

	r.mu.Lock()
	entry, ok := r.sqlPools[key]
	if !ok {
		entry = &sqlEntry{}
		r.sqlPools[key] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.pool, entry.err = r.buildSQLPool(ctx, key, db)
	})

	if entry.err != nil {
		err := entry.err
		r.mu.Lock()
		// Drop the failed entry (unless a fresh one already replaced it) so
		// the next use starts a clean build.
		if cur, ok := r.sqlPools[key]; ok && cur == entry {
			delete(r.sqlPools, key)
		}
		if logIt, _ := r.stateFor(key, r.sqlState).record(sqlEvictThreshold); logIt {
			r.logger.Error("handle build failure", "target", key, "error", err)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("building pool %s: %w", key, err)
	}

	r.mu.Lock()
	r.stateFor(key, r.sqlState).reset()
	r.mu.Unlock()
	return entry.pool, nil
}

func (r *Registry) buildSQLPool(ctx context.Context, key string, db DBConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=%d",
		db.User, db.Password, db.Host, db.Port, db.Database,
		int(sqlConnectTimeout.Seconds()),
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	poolCfg.MinConns = sqlPoolMinConns
	poolCfg.MaxConns = sqlPoolMaxConns
	poolCfg.MaxConnIdleTime = sqlPoolIdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = sqlConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// First-use connectivity check with the standard reconnect schedule.
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(newConnectBackoff()), backoff.WithMaxTries(sqlEvictThreshold))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging pool: %w", err)
	}

	r.logger.Info("sql pool created", "target", key)
	return pool, nil
}

// KVClient returns the cached cluster client for a KV cloud, building it on
// first use. Build-and-connect runs outside the registry mutex.
func (r *Registry) KVClient(ctx context.Context, cloudName string) (*redis.ClusterClient, error) {
	kv, ok := r.cfg.FindKV(cloudName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, cloudName)
	}

	r.mu.Lock()
	entry, ok := r.kvClients[cloudName]
	if !ok {
		entry = &kvEntry{}
		r.kvClients[cloudName] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.client, entry.err = r.buildKVClient(ctx, cloudName, kv)
	})

	if entry.err != nil {
		err := entry.err
		r.mu.Lock()
		if cur, ok := r.kvClients[cloudName]; ok && cur == entry {
			delete(r.kvClients, cloudName)
		}
		if logIt, _ := r.stateFor(cloudName, r.kvState).record(kvEvictThreshold); logIt {
			r.logger.Error("handle build failure", "target", cloudName, "error", err)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("pinging kv cluster %s: %w", cloudName, err)
	}

	r.mu.Lock()
	r.stateFor(cloudName, r.kvState).reset()
	r.mu.Unlock()
	return entry.client, nil
}

func (r *Registry) buildKVClient(ctx context.Context, cloudName string, kv KVCloud) (*redis.ClusterClient, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    []string{fmt.Sprintf("%s:%d", kv.Host, kv.Port)},
		Password: kv.Password,
	})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}, backoff.WithBackOff(newConnectBackoff()), backoff.WithMaxTries(kvEvictThreshold))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	r.logger.Info("kv cluster client created", "cloud", cloudName)
	return client, nil
}

// ReportSQLFailure records a runtime failure against a (cloud, database)
// handle. Crossing the threshold evicts the pool so the next use rebuilds it.
func (r *Registry) ReportSQLFailure(cloudName, database string, cause error) {
	key := TargetKey(cloudName, database)

	r.mu.Lock()
	logIt, evict := r.stateFor(key, r.sqlState).record(sqlEvictThreshold)
	var evicted *sqlEntry
	if evict {
		evicted = r.sqlPools[key]
		delete(r.sqlPools, key)
		r.stateFor(key, r.sqlState).reset()
	}
	r.mu.Unlock()

	if logIt {
		r.logger.Error("sql handle failure", "target", key, "error", cause)
	}
	if evict {
		if evicted != nil {
			// Wait out any in-flight build before touching the handle.
			evicted.once.Do(func() {})
			if evicted.pool != nil {
				evicted.pool.Close()
			}
		}
		if r.evictions != nil {
			r.evictions.WithLabelValues(cloudName).Inc()
		}
		r.logger.Warn("sql handle evicted", "target", key)
	}
}

// ReportKVFailure is the KV counterpart of ReportSQLFailure.
func (r *Registry) ReportKVFailure(cloudName string, cause error) {
	r.mu.Lock()
	logIt, evict := r.stateFor(cloudName, r.kvState).record(kvEvictThreshold)
	var evicted *kvEntry
	if evict {
		evicted = r.kvClients[cloudName]
		delete(r.kvClients, cloudName)
		r.stateFor(cloudName, r.kvState).reset()
	}
	r.mu.Unlock()

	if logIt {
		r.logger.Error("kv handle failure", "cloud", cloudName, "error", cause)
	}
	if evict {
		if evicted != nil {
			evicted.once.Do(func() {})
			if evicted.client != nil {
				_ = evicted.client.Close()
			}
		}
		if r.evictions != nil {
			r.evictions.WithLabelValues(cloudName).Inc()
		}
		r.logger.Warn("kv handle evicted", "cloud", cloudName)
	}
}

// ReportSQLSuccess clears the failure streak for a handle.
func (r *Registry) ReportSQLSuccess(cloudName, database string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFor(TargetKey(cloudName, database), r.sqlState).reset()
}

func (r *Registry) stateFor(key string, states map[string]*handleState) *handleState {
	st, ok := states[key]
	if !ok {
		st = &handleState{}
		states[key] = st
	}
	return st
}

// Close releases every cached handle. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sqlEntries := make([]*sqlEntry, 0, len(r.sqlPools))
	for key, entry := range r.sqlPools {
		sqlEntries = append(sqlEntries, entry)
		delete(r.sqlPools, key)
	}
	kvEntries := make([]*kvEntry, 0, len(r.kvClients))
	for name, entry := range r.kvClients {
		kvEntries = append(kvEntries, entry)
		delete(r.kvClients, name)
	}
	r.mu.Unlock()

	for _, entry := range sqlEntries {
		entry.once.Do(func() {})
		if entry.pool != nil {
			entry.pool.Close()
		}
	}
	for _, entry := range kvEntries {
		entry.once.Do(func() {})
		if entry.client != nil {
			_ = entry.client.Close()
		}
	}
}
