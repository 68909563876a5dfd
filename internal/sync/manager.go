package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// SessionStatus is the externally visible state of one session.
type SessionStatus struct {
	Session          *store.Session
	PendingConflicts int
}

// SubmitResult is the outcome of SubmitOfflineData.
type SubmitResult struct {
	SessionID string             `json:"session_id"`
	State     store.SessionState `json:"state"`
	Result    *ExecutionResult   `json:"result"`
}

// DeviceStatus is the per-device summary served by GetSyncStatus.
type DeviceStatus struct {
	DeviceID         string
	Watermark        *time.Time
	LastSession      *store.Session
	ActiveSessionID  string
	PendingConflicts int
	Health           Health
}

type ManagerOption func(*Manager)

// WithClock replaces the wall clock used for session and resolution timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns the session lifecycle:
// initiated -> snapshotting -> applying -> completed | conflicts_pending | failed.
// At most one session per device is in flight.
type Manager struct {
	cfg             config.SyncConfig
	store           store.Store
	repos           entity.Registry
	runner          TaskRunner
	guard           *repoGuard
	builder         *SnapshotBuilder
	detector        *ConflictDetector
	resolver        *Resolver
	executor        *Executor
	analytics       *Analytics
	now             func() time.Time
	types           []entity.Kind
	defaultMode     Mode
	defaultStrategy StrategyKind

	ctx    context.Context
	cancel context.CancelFunc

	mu       gosync.Mutex
	live     map[string]*liveSession
	byDevice map[string]string

	resolveMu gosync.Mutex
}

// liveSession is the in-process runtime of a non-terminal session. Lock order is
// liveSession.mu before Manager.mu.
type liveSession struct {
	mu        gosync.Mutex
	record    *store.Session
	sess      *Session
	types     []entity.Kind
	snapshot  *Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce gosync.Once
	cancelled bool
	applying  bool
}

func (ls *liveSession) markReady() {
	ls.readyOnce.Do(func() { close(ls.ready) })
}

func NewManager(cfg config.SyncConfig, st store.Store, repos entity.Registry, runner TaskRunner, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		repos:    repos,
		runner:   runner,
		now:      time.Now,
		live:     make(map[string]*liveSession),
		byDevice: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.defaultMode, err = ParseMode(orDefault(cfg.DefaultMode, string(ModeIncremental))); err != nil {
		return nil, err
	}
	if m.defaultStrategy, err = ParseStrategy(cfg.ConflictStrategy); err != nil {
		return nil, err
	}
	for _, name := range cfg.EntityTypes {
		kind, err := entity.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if _, err := repos.For(kind); err != nil {
			return nil, err
		}
		m.types = append(m.types, kind)
	}
	if len(m.types) == 0 {
		for _, kind := range entity.Kinds {
			if _, ok := repos[kind]; ok {
				m.types = append(m.types, kind)
			}
		}
	}

	m.guard = newRepoGuard(cfg)
	m.builder = NewSnapshotBuilder(repos, st, m.guard)
	m.detector = NewConflictDetector(repos, st, m.guard, m.now)
	m.resolver = NewResolver(m.now)
	m.executor = NewExecutor(repos, st, m.detector, m.resolver, m.guard)
	m.analytics = NewAnalytics(st, cfg.HealthWindow)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func (m *Manager) Analytics() *Analytics { return m.analytics }

// Resolver exposes the strategy registry so callers can register custom strategies.
func (m *Manager) Resolver() *Resolver { return m.resolver }

func (m *Manager) clock() time.Time {
	return entity.NormalizeTime(m.now())
}

// StartSession opens a session for the device and schedules its snapshot. An empty mode
// selects the configured default; incremental runs as full without a prior watermark or
// when the watermark is older than the tombstone retention.
func (m *Manager) StartSession(ctx context.Context, deviceID, userID string, mode Mode, opts Options) (*store.Session, error) {
	if mode == "" {
		mode = m.defaultMode
	} else if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = m.defaultStrategy
	} else if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	for _, kind := range opts.EntityTypes {
		if _, err := m.repos.For(kind); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for kind, n := range opts.LimitsPerType {
		if n <= 0 {
			return nil, fmt.Errorf("%w: limit for %s must be positive", ErrInvalidInput, kind)
		}
	}

	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w: %w", ErrRepositoryFailure, err)
	}
	if device == nil || !device.Active || device.UserID != userID {
		return nil, ErrDeviceNotFound
	}

	if !m.reserve(deviceID) {
		return nil, ErrSessionAlreadyActive
	}

	now := m.clock()
	var horizon time.Time
	if device.LastSyncWatermark.Valid && m.cfg.TombstoneRetention > 0 {
		if cutoff := now.Add(-m.cfg.TombstoneRetention); device.LastSyncWatermark.Time.Before(cutoff) {
			horizon = cutoff
		}
	}
	effective := mode
	if mode == ModeIncremental && (!device.LastSyncWatermark.Valid || !horizon.IsZero()) {
		effective = ModeFull
	}
	optData, err := json.Marshal(opts)
	if err != nil {
		m.release(deviceID, "")
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}

	rec := &store.Session{
		ID:            uuid.New().String(),
		DeviceID:      deviceID,
		UserID:        userID,
		CompanyID:     device.CompanyID,
		RequestedMode: string(mode),
		Mode:          string(effective),
		Strategy:      string(opts.Strategy),
		Options:       optData,
		State:         store.StateInitiated,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		m.release(deviceID, "")
		if errors.Is(err, store.ErrSessionActive) {
			return nil, ErrSessionAlreadyActive
		}
		return nil, fmt.Errorf("failed to create session: %w: %w", ErrRepositoryFailure, err)
	}

	ls := &liveSession{
		record: rec,
		sess: &Session{
			ID:        rec.ID,
			DeviceID:  deviceID,
			UserID:    userID,
			CompanyID: device.CompanyID,
			Mode:      effective,
			Strategy:  opts.Strategy,
			StartedAt: now,
			Options:   opts,
		},
		types: effectiveTypes(effective, opts, m.types),
		ready: make(chan struct{}),
	}
	if device.LastSyncWatermark.Valid {
		ls.sess.Watermark = entity.NormalizeTime(device.LastSyncWatermark.Time)
		ls.sess.TombstoneHorizon = horizon
	}
	ls.ctx, ls.cancel = context.WithCancel(m.ctx)

	m.mu.Lock()
	m.live[rec.ID] = ls
	m.byDevice[deviceID] = rec.ID
	m.mu.Unlock()
	m.analytics.SessionStarted()

	logger.Log.Info("Sync session started",
		zap.String("sessionID", rec.ID),
		zap.String("deviceID", deviceID),
		zap.String("mode", rec.Mode),
		zap.String("strategy", rec.Strategy),
	)

	out := *rec
	if err := m.runner.Submit(func(ctx context.Context) { m.runSnapshot(ctx, ls) }); err != nil {
		ls.mu.Lock()
		m.finalizeLocked(ls, store.StateFailed, nil, err)
		ls.mu.Unlock()
		return nil, err
	}
	return &out, nil
}

func (m *Manager) reserve(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.byDevice[deviceID]; busy {
		return false
	}
	m.byDevice[deviceID] = ""
	return true
}

func (m *Manager) release(deviceID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byDevice[deviceID] == sessionID {
		delete(m.byDevice, deviceID)
	}
}

func (m *Manager) runSnapshot(workerCtx context.Context, ls *liveSession) {
	ls.mu.Lock()
	if ls.cancelled || ls.record.State != store.StateInitiated {
		ls.mu.Unlock()
		return
	}
	ls.record.State = store.StateSnapshotting
	m.persistLocked(ls)
	ls.mu.Unlock()

	stop := context.AfterFunc(workerCtx, ls.cancel)
	defer stop()

	snap, err := m.builder.Build(ls.ctx, ls.sess, ls.types, m.limits(ls.sess))

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.cancelled || ls.record.State.Terminal() {
		return
	}
	if err != nil {
		m.finalizeLocked(ls, store.StateFailed, nil, fmt.Errorf("snapshot failed: %w", err))
		return
	}
	ls.snapshot = snap
	ls.markReady()
}

// limits caps caller-supplied per-type limits at the configured ones.
func (m *Manager) limits(sess *Session) func(entity.Kind) int {
	return func(kind entity.Kind) int {
		limit := m.cfg.LimitFor(string(kind))
		if limit <= 0 {
			limit = 500
		}
		if n := sess.Options.LimitsPerType[kind]; n > 0 && n < limit {
			return n
		}
		return limit
	}
}

// lookup returns the live session or the error matching its stored state.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*liveSession, error) {
	m.mu.Lock()
	ls := m.live[sessionID]
	m.mu.Unlock()
	if ls != nil {
		return ls, nil
	}

	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w: %w", ErrRepositoryFailure, err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, rec.State)
}

// waitReady blocks until the session's snapshot task has finished.
func (m *Manager) waitReady(ctx context.Context, ls *liveSession) error {
	select {
	case <-ls.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the first page of every entity type in the session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.waitReady(ctx, ls); err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.snapshot == nil {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, ls.record.State)
	}
	return ls.snapshot, nil
}

// SnapshotPage returns the page of kind following cursor.
func (m *Manager) SnapshotPage(ctx context.Context, sessionID string, kind entity.Kind, cursor string) (*SnapshotPage, error) {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.waitReady(ctx, ls); err != nil {
		return nil, err
	}

	ls.mu.Lock()
	state := ls.record.State
	sess := ls.sess
	covered := false
	for _, k := range ls.types {
		covered = covered || k == kind
	}
	ls.mu.Unlock()

	if state.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, state)
	}
	if !covered {
		return nil, fmt.Errorf("%w: entity type %q is not part of this session", ErrInvalidInput, kind)
	}
	return m.builder.Page(ctx, sess, kind, cursor, m.limits(sess)(kind))
}

// Submit applies the device's offline records and finalizes the session. Per-record
// failures are reported in the result; the returned error is set only when the apply
// phase itself failed.
func (m *Manager) Submit(ctx context.Context, sessionID string, records []OfflineRecord) (*SubmitResult, error) {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.waitReady(ctx, ls); err != nil {
		return nil, err
	}

	ls.mu.Lock()
	if ls.cancelled || ls.applying || ls.record.State != store.StateSnapshotting {
		state := ls.record.State
		ls.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, state)
	}
	ls.applying = true
	ls.record.State = store.StateApplying
	m.persistLocked(ls)
	ls.mu.Unlock()

	result, execErr := m.executor.Execute(ls.ctx, ls.sess, records)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	state := store.StateCompleted
	cause := execErr
	switch {
	case execErr != nil:
		state = store.StateFailed
	case len(result.Failed) > 0:
		state = store.StateFailed
		cause = fmt.Errorf("%d records were not applied", len(result.Failed))
	case result.ConflictsDeferred > 0:
		state = store.StateConflictsPending
	}
	m.finalizeLocked(ls, state, result, cause)

	return &SubmitResult{SessionID: sessionID, State: state, Result: result}, execErr
}

// Cancel stops a session. Before the apply phase it fails immediately with no side
// effects; during apply it stops further commits and the apply call finalizes it.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*store.Session, error) {
	ls, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.cancelled || ls.record.State.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotActive, ls.record.State)
	}
	ls.cancelled = true
	ls.cancel()
	if !ls.applying {
		m.finalizeLocked(ls, store.StateFailed, nil, ErrCancelled)
	}

	logger.Log.Info("Sync session cancelled",
		zap.String("sessionID", sessionID),
		zap.String("state", string(ls.record.State)),
	)
	out := *ls.record
	return &out, nil
}

func (m *Manager) persistLocked(ls *liveSession) {
	ls.record.UpdatedAt = m.clock()
	ctx, cancel := context.WithTimeout(context.Background(), m.guard.timeout)
	defer cancel()
	if err := m.store.UpdateSession(ctx, ls.record); err != nil {
		logger.Log.Error("Failed to persist session state",
			zap.String("sessionID", ls.record.ID),
			zap.String("state", string(ls.record.State)),
			zap.Error(err),
		)
	}
}

// finalizeLocked moves the session to a terminal state. Only a completed session advances
// the device watermark, and only to the session's start time.
func (m *Manager) finalizeLocked(ls *liveSession, state store.SessionState, result *ExecutionResult, cause error) {
	rec := ls.record
	now := m.clock()
	rec.State = state
	rec.CompletedAt = validTime(now)
	if result != nil {
		rec.Committed = result.Committed
		rec.ConflictsDetected = result.ConflictsDetected
		rec.ConflictsDeferred = result.ConflictsDeferred
		rec.FailedRecords = len(result.Failed)
	}
	if cause != nil {
		rec.ErrorMessage = nullString(cause.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.guard.timeout)
	defer cancel()

	if state == store.StateCompleted {
		if _, err := m.store.AdvanceWatermark(ctx, rec.DeviceID, rec.StartedAt); err != nil {
			logger.Log.Error("Failed to advance watermark", zap.String("deviceID", rec.DeviceID), zap.Error(err))
		}
	}
	m.persistLocked(ls)
	if err := m.analytics.RecordSessionOutcome(ctx, rec, result); err != nil {
		logger.Log.Error("Failed to record session outcome", zap.String("sessionID", rec.ID), zap.Error(err))
	}

	ls.cancel()
	ls.markReady()

	m.mu.Lock()
	delete(m.live, rec.ID)
	if m.byDevice[rec.DeviceID] == rec.ID {
		delete(m.byDevice, rec.DeviceID)
	}
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("sessionID", rec.ID),
		zap.String("deviceID", rec.DeviceID),
		zap.String("state", string(state)),
		zap.Int("committed", rec.Committed),
		zap.Int("conflicts", rec.ConflictsDetected),
		zap.Int("deferred", rec.ConflictsDeferred),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	logger.Log.Info("Sync session finished", fields...)
}

// GetStatus reports a session's state, counters and open conflicts.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var rec *store.Session

	m.mu.Lock()
	ls := m.live[sessionID]
	m.mu.Unlock()
	if ls != nil {
		ls.mu.Lock()
		cp := *ls.record
		ls.mu.Unlock()
		rec = &cp
	} else {
		var err error
		if rec, err = m.store.GetSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to load session: %w: %w", ErrRepositoryFailure, err)
		}
		if rec == nil {
			return nil, ErrSessionNotFound
		}
	}

	pending, err := m.store.CountConflicts(ctx, store.ConflictFilter{SessionID: sessionID, Status: store.ConflictPending})
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w: %w", ErrRepositoryFailure, err)
	}
	return &SessionStatus{Session: rec, PendingConflicts: pending}, nil
}

// GetSyncStatus summarises a device: watermark, latest session, open conflicts and health.
func (m *Manager) GetSyncStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w: %w", ErrRepositoryFailure, err)
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}

	status := &DeviceStatus{DeviceID: deviceID}
	if device.LastSyncWatermark.Valid {
		w := device.LastSyncWatermark.Time.UTC()
		status.Watermark = &w
	}

	m.mu.Lock()
	status.ActiveSessionID = m.byDevice[deviceID]
	m.mu.Unlock()

	if status.LastSession, err = m.store.GetLatestSession(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("failed to load latest session: %w: %w", ErrRepositoryFailure, err)
	}
	if status.PendingConflicts, err = m.store.CountConflicts(ctx, store.ConflictFilter{DeviceID: deviceID, Status: store.ConflictPending}); err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w: %w", ErrRepositoryFailure, err)
	}
	if status.Health, err = m.analytics.Health(ctx, deviceID); err != nil {
		return nil, err
	}
	return status, nil
}

func (m *Manager) ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]*store.Conflict, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	out, err := m.store.ListConflicts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w: %w", ErrRepositoryFailure, err)
	}
	return out, nil
}

// ResolveConflict closes a pending conflict with an explicit decision. A nil payload keeps
// the server's current state (including a deletion); otherwise the payload is written as a
// fresh version.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, payload entity.Payload, userID string) (*store.Conflict, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	c, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict: %w: %w", ErrRepositoryFailure, err)
	}
	if c == nil {
		return nil, ErrConflictNotFound
	}
	if c.Status != store.ConflictPending {
		return nil, ErrConflictAlreadyResolved
	}

	now := m.clock()
	if payload != nil {
		if err := m.writeDecision(ctx, c, payload, now); err != nil {
			return nil, err
		}
	}

	var data []byte
	if payload != nil {
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if err := m.store.ResolveConflict(ctx, conflictID, string(Manual), data, userID, now); err != nil {
		if errors.Is(err, store.ErrConflictResolved) {
			return nil, ErrConflictAlreadyResolved
		}
		return nil, fmt.Errorf("failed to resolve conflict: %w: %w", ErrRepositoryFailure, err)
	}

	logger.Log.Info("Conflict resolved manually",
		zap.String("conflictID", conflictID),
		zap.String("entityType", c.EntityType),
		zap.String("recordID", c.RecordID),
		zap.String("resolvedBy", userID),
	)
	return m.store.GetConflict(ctx, conflictID)
}

func (m *Manager) writeDecision(ctx context.Context, c *store.Conflict, payload entity.Payload, now time.Time) error {
	kind, err := entity.ParseKind(c.EntityType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	repo, err := m.repos.For(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	device, err := m.store.GetDevice(ctx, c.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w: %w", ErrRepositoryFailure, err)
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	scope := entity.Scope{CompanyID: device.CompanyID, UserID: device.UserID}

	for attempt := 0; attempt < 2; attempt++ {
		var current entity.Record
		err := m.guard.do(ctx, "get "+c.EntityType, func(ctx context.Context) error {
			var err error
			current, err = repo.Get(ctx, scope, c.RecordID)
			return err
		})
		exists := err == nil
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return err
		}

		write := entity.Record{Kind: kind, ID: c.RecordID, Payload: payload, UpdatedAt: now}
		var expected time.Time
		if exists {
			write.CompanyID = current.CompanyID
			write.AssignedTo = current.AssignedTo
			expected = current.UpdatedAt
			if !write.UpdatedAt.After(current.UpdatedAt) {
				write.UpdatedAt = current.UpdatedAt.Add(time.Microsecond)
			}
		}

		err = m.guard.do(ctx, "put "+c.EntityType, func(ctx context.Context) error {
			return repo.Put(ctx, scope, write, expected)
		})
		if errors.Is(err, entity.ErrStale) {
			continue
		}
		if err != nil {
			return err
		}
		if !exists {
			if err := m.store.DeleteTombstone(ctx, c.EntityType, c.RecordID); err != nil {
				logger.Log.Warn("Failed to clear tombstone", zap.String("recordID", c.RecordID), zap.Error(err))
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s/%s changed concurrently: %w", ErrRepositoryFailure, c.EntityType, c.RecordID, entity.ErrStale)
}

// ExpireStale fails sessions that have been open longer than the session timeout.
// Sessions left behind by a previous process are failed directly in the store.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	if m.cfg.SessionTimeout <= 0 {
		return 0, nil
	}
	stale, err := m.store.ListStaleSessions(ctx, m.clock().Add(-m.cfg.SessionTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	expired := 0
	for _, rec := range stale {
		m.mu.Lock()
		ls := m.live[rec.ID]
		m.mu.Unlock()

		if ls != nil {
			if _, err := m.Cancel(ctx, rec.ID); err == nil {
				expired++
			}
			continue
		}

		// the session may have finished since it was listed
		ok, err := m.store.ExpireSession(ctx, rec.ID, "session expired", m.clock())
		if err != nil {
			logger.Log.Error("Failed to expire session", zap.String("sessionID", rec.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// PruneTombstones drops deletion markers older than the retention window.
func (m *Manager) PruneTombstones(ctx context.Context) (int64, error) {
	if m.cfg.TombstoneRetention <= 0 {
		return 0, nil
	}
	return m.store.PruneTombstones(ctx, m.clock().Add(-m.cfg.TombstoneRetention))
}

// Close cancels every live session and stops accepting work.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Cancel(context.Background(), id); err != nil {
			logger.Log.Debug("Session already finished", zap.String("sessionID", id), zap.Error(err))
		}
	}
	m.cancel()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func validTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
