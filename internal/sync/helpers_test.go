package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/store"
)

var (
	t0    = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	scope = entity.Scope{CompanyID: "acme", UserID: "u1"}
)

type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{now: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		DefaultMode:        "incremental",
		ConflictStrategy:   "timestamp_based",
		EntityTypes:        []string{"account", "contact", "lead", "deal", "activity"},
		DefaultLimit:       100,
		Workers:            2,
		QueueSize:          8,
		RepositoryTimeout:  2 * time.Second,
		MaxAttempts:        3,
		RetryBaseDelay:     time.Millisecond,
		SessionTimeout:     30 * time.Minute,
		HealthWindow:       5,
		TombstoneRetention: 24 * time.Hour,
	}
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.NewSQLStore(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.SQLStore
	repos entity.Registry
	clock *testClock
	pool  *WorkerPool
	mgr   *Manager
}

func newFixture(t *testing.T, mutate ...func(*config.SyncConfig)) *fixture {
	t.Helper()
	cfg := testSyncConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: newTestStore(t),
		repos: entity.NewMemoryRegistry(),
		clock: newTestClock(t0.Add(time.Hour)),
		pool:  NewWorkerPool(cfg.Workers, cfg.QueueSize),
	}
	f.pool.Start()
	t.Cleanup(f.pool.Stop)

	mgr, err := NewManager(cfg, f.store, f.repos, f.pool, WithClock(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	f.mgr = mgr

	require.NoError(t, f.store.UpsertDevice(f.ctx, &store.Device{ID: "dev-1", UserID: "u1", CompanyID: "acme", Active: true}))
	return f
}

func (f *fixture) setWatermark(at time.Time) {
	f.t.Helper()
	_, err := f.store.AdvanceWatermark(f.ctx, "dev-1", at)
	require.NoError(f.t, err)
}

func (f *fixture) watermark() time.Time {
	f.t.Helper()
	d, err := f.store.GetDevice(f.ctx, "dev-1")
	require.NoError(f.t, err)
	if !d.LastSyncWatermark.Valid {
		return time.Time{}
	}
	return d.LastSyncWatermark.Time
}

func (f *fixture) seed(kind entity.Kind, id string, payload entity.Payload, at time.Time) {
	f.t.Helper()
	seedRecord(f.t, f.repos, kind, id, payload, at)
}

func (f *fixture) get(kind entity.Kind, id string) (entity.Record, error) {
	return f.repos[kind].Get(f.ctx, scope, id)
}

func seedRecord(t *testing.T, repos entity.Registry, kind entity.Kind, id string, payload entity.Payload, at time.Time) {
	t.Helper()
	err := repos[kind].Put(context.Background(), scope, entity.Record{ID: id, Payload: payload, UpdatedAt: at}, time.Time{})
	require.NoError(t, err)
}

func offline(kind entity.Kind, id string, payload entity.Payload, at time.Time) OfflineRecord {
	return OfflineRecord{EntityType: kind, RecordID: id, Payload: payload, ClientUpdatedAt: at}
}

func testSession(strategy StrategyKind, watermark time.Time) *Session {
	return &Session{
		ID:        "sess-1",
		DeviceID:  "dev-1",
		UserID:    "u1",
		CompanyID: "acme",
		Mode:      ModeIncremental,
		Strategy:  strategy,
		Watermark: watermark,
		StartedAt: t0.Add(time.Hour),
	}
}

// racingRepo lets another writer update the record just before the first Put lands.
type racingRepo struct {
	entity.Repository
	once gosync.Once
	race func()
}

func (r *racingRepo) Put(ctx context.Context, s entity.Scope, rec entity.Record, expected time.Time) error {
	r.once.Do(r.race)
	return r.Repository.Put(ctx, s, rec, expected)
}

// flakyRepo fails the first n Get calls with a transient error.
type flakyRepo struct {
	entity.Repository
	mu    gosync.Mutex
	fails int
	calls int
}

func (r *flakyRepo) Get(ctx context.Context, s entity.Scope, id string) (entity.Record, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.fails
	r.mu.Unlock()
	if fail {
		return entity.Record{}, errConnReset
	}
	return r.Repository.Get(ctx, s, id)
}

// slowRepo blocks every Get until the call context ends.
type slowRepo struct {
	entity.Repository
}

func (r *slowRepo) Get(ctx context.Context, _ entity.Scope, _ string) (entity.Record, error) {
	<-ctx.Done()
	return entity.Record{}, ctx.Err()
}

// gateRepo signals the first Get and then blocks it until the call context ends.
type gateRepo struct {
	entity.Repository
	once    gosync.Once
	entered chan struct{}
}

func newGateRepo(inner entity.Repository) *gateRepo {
	return &gateRepo{Repository: inner, entered: make(chan struct{})}
}

func (r *gateRepo) Get(ctx context.Context, _ entity.Scope, _ string) (entity.Record, error) {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	return entity.Record{}, ctx.Err()
}

// staleListStore reports a fixed set of sessions as stale, whatever their current state.
type staleListStore struct {
	*store.SQLStore
	stale []*store.Session
}

func (s *staleListStore) ListStaleSessions(context.Context, time.Time) ([]*store.Session, error) {
	return s.stale, nil
}

type rejectingRunner struct{}

func (rejectingRunner) Submit(Task) error { return ErrUnavailable }
