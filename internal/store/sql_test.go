package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDevice(t *testing.T, s *SQLStore, id string) {
	t.Helper()
	require.NoError(t, s.UpsertDevice(context.Background(), &Device{ID: id, UserID: "u1", CompanyID: "acme", Active: true}))
}

func newSession(id, deviceID string, started time.Time) *Session {
	return &Session{
		ID:            id,
		DeviceID:      deviceID,
		UserID:        "u1",
		CompanyID:     "acme",
		RequestedMode: "incremental",
		Mode:          "full",
		Strategy:      "timestamp_based",
		Options:       json.RawMessage(`{"entity_types":["lead"]}`),
		State:         StateInitiated,
		StartedAt:     started,
	}
}

func TestDeviceWatermarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedDevice(t, s, "dev-1")

	d, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, d.LastSyncWatermark.Valid)
	assert.True(t, d.Active)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	moved, err := s.AdvanceWatermark(ctx, "dev-1", t1)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceWatermark(ctx, "dev-1", t1.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, moved)

	d, err = s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.LastSyncWatermark.Time.Equal(t1))

	// re-registration keeps the watermark
	seedDevice(t, s, "dev-1")
	d, err = s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, d.LastSyncWatermark.Time.Equal(t1))

	missing, err := s.GetDevice(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSessionRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedDevice(t, s, "dev-1")
	now := time.Now().UTC()

	first := newSession("s1", "dev-1", now)
	require.NoError(t, s.CreateSession(ctx, first))
	assert.ErrorIs(t, s.CreateSession(ctx, newSession("s2", "dev-1", now)), ErrSessionActive)

	active, err := s.GetActiveSession(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "s1", active.ID)
	assert.JSONEq(t, `{"entity_types":["lead"]}`, string(active.Options))

	first.State = StateCompleted
	first.Committed = 4
	first.CompletedAt = sql.NullTime{Time: now.Add(time.Second), Valid: true}
	require.NoError(t, s.UpdateSession(ctx, first))

	require.NoError(t, s.CreateSession(ctx, newSession("s2", "dev-1", now.Add(time.Minute))))

	latest, err := s.GetLatestSession(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", latest.ID)

	done, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 4, done.Committed)
	assert.True(t, done.CompletedAt.Valid)
}

func TestListStaleSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedDevice(t, s, "dev-1")
	seedDevice(t, s, "dev-2")
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, newSession("old", "dev-1", now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateSession(ctx, newSession("fresh", "dev-2", now)))

	stale, err := s.ListStaleSessions(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestExpireSessionSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedDevice(t, s, "dev-1")
	seedDevice(t, s, "dev-2")
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, newSession("open", "dev-1", now.Add(-2*time.Hour))))
	done := newSession("done", "dev-2", now.Add(-2*time.Hour))
	require.NoError(t, s.CreateSession(ctx, done))
	done.State = StateCompleted
	done.CompletedAt = sql.NullTime{Time: now, Valid: true}
	require.NoError(t, s.UpdateSession(ctx, done))

	ok, err := s.ExpireSession(ctx, "open", "session expired", now)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetSession(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "session expired", got.ErrorMessage.String)
	assert.True(t, got.CompletedAt.Valid)

	ok, err = s.ExpireSession(ctx, "done", "session expired", now)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = s.GetSession(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.False(t, got.ErrorMessage.Valid)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	c := &Conflict{
		ID:              "c1",
		SessionID:       "s1",
		DeviceID:        "dev-1",
		EntityType:      "lead",
		RecordID:        "42",
		Kind:            "concurrent_update",
		ServerPayload:   json.RawMessage(`{"name":"server"}`),
		ServerUpdatedAt: sql.NullTime{Time: now, Valid: true},
		ClientPayload:   json.RawMessage(`{"name":"client"}`),
		ClientUpdatedAt: now,
		DetectedAt:      now,
		Status:          ConflictPending,
		Strategy:        "manual",
	}
	require.NoError(t, s.CreateConflict(ctx, c))
	require.NoError(t, s.CreateConflict(ctx, &Conflict{
		ID: "c2", SessionID: "s1", DeviceID: "dev-1", EntityType: "deal", RecordID: "7",
		Kind: "deleted_on_server", ClientPayload: json.RawMessage(`{}`), ClientUpdatedAt: now,
		DetectedAt: now.Add(time.Second), Status: ConflictPending, Strategy: "manual",
	}))

	n, err := s.CountConflicts(ctx, ConflictFilter{DeviceID: "dev-1", Status: ConflictPending})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetConflict(ctx, "c2")
	require.NoError(t, err)
	assert.Nil(t, got.ServerPayload)
	assert.False(t, got.ServerUpdatedAt.Valid)

	require.NoError(t, s.ResolveConflict(ctx, "c1", "manual", []byte(`{"name":"chosen"}`), "u9", now))
	assert.ErrorIs(t, s.ResolveConflict(ctx, "c1", "manual", []byte(`{}`), "u9", now), ErrConflictResolved)

	got, err = s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, got.Status)
	assert.JSONEq(t, `{"name":"chosen"}`, string(got.ResolvedPayload))
	assert.Equal(t, "u9", got.ResolvedBy.String)

	pending, err := s.ListConflicts(ctx, ConflictFilter{SessionID: "s1", Status: ConflictPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ID)
}

func TestMetricsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, ok := range []bool{true, false, true} {
		require.NoError(t, s.AppendMetrics(ctx, &Metrics{
			SessionID:     string(rune('a' + i)),
			DeviceID:      "dev-1",
			Mode:          "full",
			State:         StateCompleted,
			RecordsSynced: i,
			Duration:      time.Duration(i+1) * time.Second,
			Success:       ok,
			RecordedAt:    time.Now(),
		}))
	}

	rows, err := s.ListMetrics(ctx, "dev-1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].SessionID)
	assert.Equal(t, 3*time.Second, rows[0].Duration)
	assert.False(t, rows[1].Success)
}

func TestTombstones(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutTombstone(ctx, &Tombstone{EntityType: "lead", RecordID: "1", CompanyID: "acme", DeletedAt: base}))
	require.NoError(t, s.PutTombstone(ctx, &Tombstone{EntityType: "lead", RecordID: "2", CompanyID: "acme", DeletedAt: base.Add(time.Hour)}))
	require.NoError(t, s.PutTombstone(ctx, &Tombstone{EntityType: "lead", RecordID: "3", CompanyID: "globex", DeletedAt: base.Add(time.Hour)}))

	ts, err := s.GetTombstone(ctx, "lead", "2")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.DeletedAt.Equal(base.Add(time.Hour)))

	list, err := s.ListTombstones(ctx, "acme", "lead", base, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].RecordID)

	pruned, err := s.PruneTombstones(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	gone, err := s.GetTombstone(ctx, "lead", "1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, s.DeleteTombstone(ctx, "lead", "2"))
	gone, err = s.GetTombstone(ctx, "lead", "2")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
