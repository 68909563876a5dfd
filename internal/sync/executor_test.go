package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/store"
)

var errConnReset = errors.New("connection reset by peer")

func newTestExecutor(t *testing.T, repos entity.Registry, cfg config.SyncConfig) (*Executor, *store.SQLStore) {
	t.Helper()
	st := newTestStore(t)
	now := func() time.Time { return t0.Add(time.Hour) }
	guard := newRepoGuard(cfg)
	detector := NewConflictDetector(repos, st, guard, now)
	return NewExecutor(repos, st, detector, NewResolver(now), guard), st
}

func TestExecuteLead42Scenario(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, st := newTestExecutor(t, repos, testSyncConfig())

	t1, t2 := t0.Add(10*time.Minute), t0.Add(20*time.Minute)
	seedRecord(t, repos, entity.Lead, "42", entity.Payload{"name": "server"}, t1)

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "42", entity.Payload{"name": "client"}, t2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "42", res.Conflicts[0].RecordID)
	assert.True(t, res.Conflicts[0].Resolved)
	assert.Equal(t, 1, res.Batches[entity.Lead].Committed)

	got, err := repos[entity.Lead].Get(ctx, scope, "42")
	require.NoError(t, err)
	assert.Equal(t, "client", got.Payload["name"])
	assert.True(t, got.UpdatedAt.Equal(t2))

	rows, err := st.ListConflicts(ctx, store.ConflictFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ConflictResolved, rows[0].Status)
	assert.JSONEq(t, `{"name":"client"}`, string(rows[0].ResolvedPayload))
}

func TestExecuteNoConflictFastPath(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	seedRecord(t, repos, entity.Deal, "1", entity.Payload{"amount": "100"}, t0.Add(-time.Hour))
	seedRecord(t, repos, entity.Deal, "2", entity.Payload{"amount": "200"}, t0.Add(5*time.Minute))

	res, err := exec.Execute(ctx, testSession(ServerWins, t0), []OfflineRecord{
		offline(entity.Deal, "1", entity.Payload{"amount": "150"}, t0.Add(time.Minute)),
		offline(entity.Deal, "2", entity.Payload{"amount": "stale"}, t0.Add(-time.Hour)),
		offline(entity.Contact, "9", entity.Payload{"name": "new"}, t0.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Zero(t, res.ConflictsDetected)
	assert.Empty(t, res.Conflicts)

	got, err := repos[entity.Deal].Get(ctx, scope, "2")
	require.NoError(t, err)
	assert.Equal(t, "200", got.Payload["amount"], "server value unaffected by a stale client copy")

	created, err := repos[entity.Contact].Get(ctx, scope, "9")
	require.NoError(t, err)
	assert.Equal(t, "acme", created.CompanyID)
}

func TestExecuteRetriesStaleWriteOnce(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	inner := repos[entity.Lead]
	seedRecord(t, repos, entity.Lead, "42", entity.Payload{"name": "original"}, t0.Add(-time.Hour))

	raced := &racingRepo{Repository: inner, race: func() {
		err := inner.Put(ctx, scope, entity.Record{ID: "42", Payload: entity.Payload{"name": "racer"}, UpdatedAt: t0.Add(5 * time.Minute)}, t0.Add(-time.Hour))
		assert.NoError(t, err)
	}}
	repos[entity.Lead] = raced
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "42", entity.Payload{"name": "client"}, t0.Add(10*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, res.ConflictsDetected, "the racing write turns the client-only edit into a conflict")
	assert.Empty(t, res.Failed)

	got, err := inner.Get(ctx, scope, "42")
	require.NoError(t, err)
	assert.Equal(t, "client", got.Payload["name"])
}

func TestExecuteReportsSecondStaleAsRetryable(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	seedRecord(t, repos, entity.Lead, "42", entity.Payload{"name": "original"}, t0.Add(-time.Hour))
	repos[entity.Lead] = &alwaysStaleRepo{Repository: repos[entity.Lead]}
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "42", entity.Payload{"name": "client"}, t0.Add(10*time.Minute)),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Committed)
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Retryable)
	assert.Equal(t, 1, res.Batches[entity.Lead].Failed)
}

type alwaysStaleRepo struct {
	entity.Repository
}

func (alwaysStaleRepo) Put(context.Context, entity.Scope, entity.Record, time.Time) error {
	return entity.ErrStale
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	flaky := &flakyRepo{Repository: repos[entity.Account], fails: 2}
	repos[entity.Account] = flaky
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Account, "a1", entity.Payload{"name": "Acme"}, t0.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 3, flaky.calls)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	repos[entity.Account] = &flakyRepo{Repository: repos[entity.Account], fails: 100}
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Account, "a1", entity.Payload{"name": "Acme"}, t0.Add(time.Minute)),
		offline(entity.Lead, "l1", entity.Payload{"name": "ok"}, t0.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed, "other entity types still commit")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, entity.Account, res.Failed[0].EntityType)
	assert.True(t, res.Failed[0].Retryable)
}

func TestExecuteRepositoryTimeout(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	repos[entity.Lead] = &slowRepo{Repository: repos[entity.Lead]}
	cfg := testSyncConfig()
	cfg.RepositoryTimeout = 20 * time.Millisecond
	exec, _ := newTestExecutor(t, repos, cfg)

	_, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "1", entity.Payload{}, t0.Add(time.Minute)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRepositoryTimeout)
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.True(t, Retryable(err))
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	repos := entity.NewMemoryRegistry()
	exec, _ := newTestExecutor(t, repos, testSyncConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "1", entity.Payload{}, t0.Add(time.Minute)),
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, res.Committed)
	_, getErr := repos[entity.Lead].Get(context.Background(), scope, "1")
	assert.ErrorIs(t, getErr, entity.ErrNotFound)
}

func TestExecuteDeferredConflictsStayPending(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, st := newTestExecutor(t, repos, testSyncConfig())
	seedRecord(t, repos, entity.Lead, "42", entity.Payload{"name": "server"}, t0.Add(10*time.Minute))

	res, err := exec.Execute(ctx, testSession(Manual, t0), []OfflineRecord{
		offline(entity.Lead, "42", entity.Payload{"name": "client"}, t0.Add(20*time.Minute)),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Committed)
	assert.Equal(t, 1, res.ConflictsDeferred)
	require.Len(t, res.Conflicts, 1)
	assert.True(t, res.Conflicts[0].Deferred)
	assert.False(t, res.Conflicts[0].Resolved)

	n, err := st.CountConflicts(ctx, store.ConflictFilter{Status: store.ConflictPending})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteResurrectsDeletedRecord(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, st := newTestExecutor(t, repos, testSyncConfig())
	require.NoError(t, st.PutTombstone(ctx, &store.Tombstone{EntityType: "deal", RecordID: "7", CompanyID: "acme", DeletedAt: t0.Add(5 * time.Minute)}))

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Deal, "7", entity.Payload{"amount": "10"}, t0.Add(10*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, DeletedOnServer, res.Conflicts[0].Kind)

	_, err = repos[entity.Deal].Get(ctx, scope, "7")
	require.NoError(t, err)
	ts, err := st.GetTombstone(ctx, "deal", "7")
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestExecuteKeepsUntrackedDeletion(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, _ := newTestExecutor(t, repos, testSyncConfig())
	seedRecord(t, repos, entity.Lead, "9", entity.Payload{"name": "old"}, t0.Add(-time.Hour))
	repos[entity.Lead].(*entity.MemoryRepository).Delete("9")

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline(entity.Lead, "9", entity.Payload{"name": "old"}, t0.Add(-time.Hour)),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Committed)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Failed)

	_, err = repos[entity.Lead].Get(ctx, scope, "9")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestExecuteRejectsInvalidRecordsAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	repos := entity.NewMemoryRegistry()
	exec, _ := newTestExecutor(t, repos, testSyncConfig())

	res, err := exec.Execute(ctx, testSession(TimestampBased, t0), []OfflineRecord{
		offline("invoice", "1", nil, t0.Add(time.Minute)),
		offline(entity.Lead, "", nil, t0.Add(time.Minute)),
		offline(entity.Lead, "5", entity.Payload{"v": "old"}, t0.Add(time.Minute)),
		offline(entity.Lead, "5", entity.Payload{"v": "new"}, t0.Add(2*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.False(t, f.Retryable)
	}

	got, err := repos[entity.Lead].Get(ctx, scope, "5")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Payload["v"])
}
