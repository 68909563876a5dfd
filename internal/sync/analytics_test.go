package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/store"
)

func finishedSession(id string, state store.SessionState, took time.Duration) *store.Session {
	return &store.Session{
		ID:          id,
		DeviceID:    "dev-1",
		Mode:        "incremental",
		State:       state,
		StartedAt:   t0,
		CompletedAt: sql.NullTime{Time: t0.Add(took), Valid: true},
	}
}

func TestAnalyticsHealthWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := NewAnalytics(st, 3)

	require.NoError(t, a.RecordSessionOutcome(ctx, finishedSession("s1", store.StateFailed, time.Second), nil))
	require.NoError(t, a.RecordSessionOutcome(ctx, finishedSession("s2", store.StateCompleted, 3*time.Second), &ExecutionResult{Committed: 4}))
	require.NoError(t, a.RecordSessionOutcome(ctx, finishedSession("s3", store.StateConflictsPending, 2*time.Second), &ExecutionResult{ConflictsDetected: 1, ConflictsDeferred: 1}))

	h, err := a.Health(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, h.Sessions)
	assert.Equal(t, 1, h.Successes)
	assert.InDelta(t, 1.0/3.0, h.SuccessRate, 1e-9)
	assert.Equal(t, 2*time.Second, h.AvgDuration)
	require.NotNil(t, h.LastSuccessAt)

	// the window slides once it is full
	require.NoError(t, a.RecordSessionOutcome(ctx, finishedSession("s4", store.StateCompleted, 5*time.Second), nil))
	h, err = a.Health(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, h.Sessions)
	assert.Equal(t, 2, h.Successes)

	// a fresh instance reloads the same window from the store
	reloaded, err := NewAnalytics(st, 3).Health(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, h.Sessions, reloaded.Sessions)
	assert.Equal(t, h.Successes, reloaded.Successes)

	c := a.Counters()
	assert.Equal(t, int64(2), c.SessionsCompleted)
	assert.Equal(t, int64(1), c.SessionsFailed)
	assert.Equal(t, int64(1), c.SessionsPending)
	assert.Equal(t, int64(4), c.RecordsCommitted)
	assert.Equal(t, int64(1), c.ConflictsDeferred)
}

func TestAnalyticsEmptyDevice(t *testing.T) {
	a := NewAnalytics(newTestStore(t), 0)
	h, err := a.Health(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, h.Sessions)
	assert.Nil(t, h.LastSuccessAt)
}
