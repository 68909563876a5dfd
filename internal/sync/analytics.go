package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"offline-sync-service/internal/store"
)

// Health is the rolling sync health of one device.
type Health struct {
	Sessions      int           `json:"sessions"`
	Successes     int           `json:"successes"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration_ns"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
}

// Counters is a point-in-time copy of the process-wide sync counters.
type Counters struct {
	SessionsStarted   int64 `json:"sessions_started"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsPending   int64 `json:"sessions_conflicts_pending"`
	SessionsFailed    int64 `json:"sessions_failed"`
	RecordsCommitted  int64 `json:"records_committed"`
	ConflictsDetected int64 `json:"conflicts_detected"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	ConflictsDeferred int64 `json:"conflicts_deferred"`
}

// Analytics records per-session outcomes and derives device health from the last
// window sessions. The window is cached per device and loaded from the store on first use.
type Analytics struct {
	store  store.Store
	window int

	mu     gosync.Mutex
	recent map[string][]*store.Metrics

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsPending   atomic.Int64
	sessionsFailed    atomic.Int64
	recordsCommitted  atomic.Int64
	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
	conflictsDeferred atomic.Int64
}

func NewAnalytics(st store.Store, window int) *Analytics {
	if window <= 0 {
		window = 20
	}
	return &Analytics{
		store:  st,
		window: window,
		recent: make(map[string][]*store.Metrics),
	}
}

func (a *Analytics) SessionStarted() {
	a.sessionsStarted.Add(1)
}

// RecordSessionOutcome appends the metrics row for a finalized session. result may be nil
// when the session never reached the apply phase.
func (a *Analytics) RecordSessionOutcome(ctx context.Context, sess *store.Session, result *ExecutionResult) error {
	m := &store.Metrics{
		SessionID:  sess.ID,
		DeviceID:   sess.DeviceID,
		Mode:       sess.Mode,
		State:      sess.State,
		Success:    sess.State == store.StateCompleted,
		RecordedAt: time.Now().UTC(),
	}
	if sess.CompletedAt.Valid {
		m.Duration = sess.CompletedAt.Time.Sub(sess.StartedAt)
	}
	if result != nil {
		m.RecordsSynced = result.Committed
		m.ConflictsDetected = result.ConflictsDetected
		m.ConflictsResolved = result.ConflictsResolved
		m.ConflictsDeferred = result.ConflictsDeferred
		m.FailedRecords = len(result.Failed)
	}

	switch sess.State {
	case store.StateCompleted:
		a.sessionsCompleted.Add(1)
	case store.StateConflictsPending:
		a.sessionsPending.Add(1)
	case store.StateFailed:
		a.sessionsFailed.Add(1)
	}
	a.recordsCommitted.Add(int64(m.RecordsSynced))
	a.conflictsDetected.Add(int64(m.ConflictsDetected))
	a.conflictsResolved.Add(int64(m.ConflictsResolved))
	a.conflictsDeferred.Add(int64(m.ConflictsDeferred))

	if err := a.store.AppendMetrics(ctx, m); err != nil {
		return fmt.Errorf("failed to record session metrics: %w", err)
	}

	a.mu.Lock()
	if rows, ok := a.recent[sess.DeviceID]; ok {
		rows = append([]*store.Metrics{m}, rows...)
		if len(rows) > a.window {
			rows = rows[:a.window]
		}
		a.recent[sess.DeviceID] = rows
	}
	a.mu.Unlock()
	return nil
}

// Health summarises the device's last window sessions.
func (a *Analytics) Health(ctx context.Context, deviceID string) (Health, error) {
	a.mu.Lock()
	rows, ok := a.recent[deviceID]
	a.mu.Unlock()

	if !ok {
		loaded, err := a.store.ListMetrics(ctx, deviceID, a.window)
		if err != nil {
			return Health{}, fmt.Errorf("failed to load session metrics: %w", err)
		}
		a.mu.Lock()
		if cached, ok := a.recent[deviceID]; ok {
			loaded = cached
		} else {
			a.recent[deviceID] = loaded
		}
		rows = loaded
		a.mu.Unlock()
	}
	return summarize(rows), nil
}

// summarize expects rows newest first.
func summarize(rows []*store.Metrics) Health {
	h := Health{Sessions: len(rows)}
	if len(rows) == 0 {
		return h
	}
	var total time.Duration
	for _, m := range rows {
		total += m.Duration
		if !m.Success {
			continue
		}
		h.Successes++
		if h.LastSuccessAt == nil {
			at := m.RecordedAt
			h.LastSuccessAt = &at
		}
	}
	h.SuccessRate = float64(h.Successes) / float64(len(rows))
	h.AvgDuration = total / time.Duration(len(rows))
	return h
}

func (a *Analytics) Counters() Counters {
	return Counters{
		SessionsStarted:   a.sessionsStarted.Load(),
		SessionsCompleted: a.sessionsCompleted.Load(),
		SessionsPending:   a.sessionsPending.Load(),
		SessionsFailed:    a.sessionsFailed.Load(),
		RecordsCommitted:  a.recordsCommitted.Load(),
		ConflictsDetected: a.conflictsDetected.Load(),
		ConflictsResolved: a.conflictsResolved.Load(),
		ConflictsDeferred: a.conflictsDeferred.Load(),
	}
}
