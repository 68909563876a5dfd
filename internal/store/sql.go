package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/logger"
)

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db *database.Database
}

// NewSQLStore connects to the configured state storage, waiting for it to come up,
// and applies migrations.
func NewSQLStore(cfg config.StateStorage) (*SQLStore, error) {
	var (
		db  *database.Database
		err error
	)

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewDatabase(cfg)
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to state db after retries: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStoreWithDB(db), nil
}

// NewSQLStoreWithDB wraps an already migrated database.
func NewSQLStoreWithDB(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `SELECT id, user_id, company_id, last_sync_watermark, active, created_at, updated_at
			  FROM devices WHERE id = ?`

	var d Device
	err := s.db.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.UserID,
		&d.CompanyID,
		&d.LastSyncWatermark,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &d, nil
}

func (s *SQLStore) UpsertDevice(ctx context.Context, d *Device) error {
	now := utcNow()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `INSERT INTO devices (id, user_id, company_id, last_sync_watermark, active, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.db.Dialect == database.MySQL {
		query += ` ON DUPLICATE KEY UPDATE
			  user_id = VALUES(user_id),
			  company_id = VALUES(company_id),
			  active = VALUES(active),
			  updated_at = VALUES(updated_at)`
	} else {
		query += ` ON CONFLICT(id) DO UPDATE SET
			  user_id = excluded.user_id,
			  company_id = excluded.company_id,
			  active = excluded.active,
			  updated_at = excluded.updated_at`
	}

	_, err := s.db.DB.ExecContext(ctx, query,
		d.ID,
		d.UserID,
		d.CompanyID,
		nullTime(d.LastSyncWatermark),
		d.Active,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLStore) AdvanceWatermark(ctx context.Context, deviceID string, to time.Time) (bool, error) {
	to = utc(to)
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE devices SET last_sync_watermark = ?, updated_at = ?
		 WHERE id = ? AND (last_sync_watermark IS NULL OR last_sync_watermark < ?)`,
		to, utcNow(), deviceID, to)
	if err != nil {
		return false, fmt.Errorf("advance watermark for %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const sessionColumns = `id, device_id, user_id, company_id, requested_mode, mode, strategy, options, state,
	error_message, committed, conflicts_detected, conflicts_deferred, failed_records, started_at, completed_at, updated_at`

var activeStates = []any{string(StateInitiated), string(StateSnapshotting), string(StateApplying)}

// CreateSession inserts the session unless the device already has one in flight.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	lock := `SELECT id FROM devices WHERE id = ?`
	if s.db.Dialect == database.MySQL {
		lock += ` FOR UPDATE`
	}

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, lock, sess.DeviceID).Scan(&id); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock device %s: %w", sess.DeviceID, err)
		}

		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_sessions WHERE device_id = ? AND state IN (?, ?, ?)`,
			append([]any{sess.DeviceID}, activeStates...)...).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		if active > 0 {
			return ErrSessionActive
		}

		sess.UpdatedAt = utcNow()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID,
			sess.DeviceID,
			sess.UserID,
			sess.CompanyID,
			sess.RequestedMode,
			sess.Mode,
			sess.Strategy,
			jsonOrEmpty(sess.Options),
			string(sess.State),
			nullString(sess.ErrorMessage),
			sess.Committed,
			sess.ConflictsDetected,
			sess.ConflictsDeferred,
			sess.FailedRecords,
			utc(sess.StartedAt),
			nullTime(sess.CompletedAt),
			sess.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = utcNow()
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_sessions SET mode = ?, strategy = ?, state = ?, error_message = ?, committed = ?,
		 conflicts_detected = ?, conflicts_deferred = ?, failed_records = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Mode,
		sess.Strategy,
		string(sess.State),
		nullString(sess.ErrorMessage),
		sess.Committed,
		sess.ConflictsDetected,
		sess.ConflictsDeferred,
		sess.FailedRecords,
		nullTime(sess.CompletedAt),
		sess.UpdatedAt,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLStore) GetActiveSession(ctx context.Context, deviceID string) (*Session, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE device_id = ? AND state IN (?, ?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		append([]any{deviceID}, activeStates...)...)
	return scanSession(row)
}

func (s *SQLStore) GetLatestSession(ctx context.Context, deviceID string) (*Session, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE device_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		deviceID)
	return scanSession(row)
}

func (s *SQLStore) ListStaleSessions(ctx context.Context, startedBefore time.Time) ([]*Session, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE state IN (?, ?, ?) AND started_at < ? ORDER BY started_at`,
		append(activeStates, utc(startedBefore))...)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) ExpireSession(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_sessions SET state = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?, ?)`,
		append([]any{string(StateFailed), reason, utc(at), utcNow(), id}, activeStates...)...)
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", id, err)
	}
	return n > 0, nil
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess    Session
		options []byte
		state   string
	)
	err := row.Scan(
		&sess.ID,
		&sess.DeviceID,
		&sess.UserID,
		&sess.CompanyID,
		&sess.RequestedMode,
		&sess.Mode,
		&sess.Strategy,
		&options,
		&state,
		&sess.ErrorMessage,
		&sess.Committed,
		&sess.ConflictsDetected,
		&sess.ConflictsDeferred,
		&sess.FailedRecords,
		&sess.StartedAt,
		&sess.CompletedAt,
		&sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Options = options
	sess.State = SessionState(state)
	return &sess, nil
}

const conflictColumns = `id, session_id, device_id, entity_type, record_id, kind, server_payload, server_updated_at,
	client_payload, client_updated_at, detected_at, status, strategy, resolved_payload, resolved_by, resolved_at`

func (s *SQLStore) CreateConflict(ctx context.Context, c *Conflict) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_conflicts (`+conflictColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.SessionID,
		c.DeviceID,
		c.EntityType,
		c.RecordID,
		c.Kind,
		nullJSON(c.ServerPayload),
		nullTime(c.ServerUpdatedAt),
		jsonOrEmpty(c.ClientPayload),
		utc(c.ClientUpdatedAt),
		utc(c.DetectedAt),
		c.Status,
		c.Strategy,
		nullJSON(c.ResolvedPayload),
		nullString(c.ResolvedBy),
		nullTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

func conflictWhere(f ConflictFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *SQLStore) ListConflicts(ctx context.Context, f ConflictFilter) ([]*Conflict, error) {
	where, args := conflictWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts`+where+` ORDER BY detected_at, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLStore) CountConflicts(ctx context.Context, f ConflictFilter) (int, error) {
	where, args := conflictWhere(f)
	var n int
	if err := s.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_conflicts`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte, resolvedBy string, at time.Time) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_conflicts SET status = ?, strategy = ?, resolved_payload = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		ConflictResolved, strategy, nullJSON(resolvedData), nullString(sql.NullString{String: resolvedBy, Valid: resolvedBy != ""}),
		utc(at), id, ConflictPending)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflictResolved
	}
	return nil
}

func scanConflict(row scanner) (*Conflict, error) {
	var (
		c                        Conflict
		server, client, resolved []byte
	)
	err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.DeviceID,
		&c.EntityType,
		&c.RecordID,
		&c.Kind,
		&server,
		&c.ServerUpdatedAt,
		&client,
		&c.ClientUpdatedAt,
		&c.DetectedAt,
		&c.Status,
		&c.Strategy,
		&resolved,
		&c.ResolvedBy,
		&c.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	c.ServerPayload = server
	c.ClientPayload = client
	c.ResolvedPayload = resolved
	return &c, nil
}

func (s *SQLStore) AppendMetrics(ctx context.Context, m *Metrics) error {
	res, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_metrics (session_id, device_id, mode, state, records_synced, conflicts_detected,
		 conflicts_resolved, conflicts_deferred, failed_records, duration_ms, success, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID,
		m.DeviceID,
		m.Mode,
		string(m.State),
		m.RecordsSynced,
		m.ConflictsDetected,
		m.ConflictsResolved,
		m.ConflictsDeferred,
		m.FailedRecords,
		m.Duration.Milliseconds(),
		m.Success,
		utc(m.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("append metrics for session %s: %w", m.SessionID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

func (s *SQLStore) ListMetrics(ctx context.Context, deviceID string, limit int) ([]*Metrics, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, session_id, device_id, mode, state, records_synced, conflicts_detected, conflicts_resolved,
		 conflicts_deferred, failed_records, duration_ms, success, recorded_at
		 FROM sync_metrics WHERE device_id = ? ORDER BY id DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metrics
	for rows.Next() {
		var (
			m     Metrics
			state string
			ms    int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.DeviceID, &m.Mode, &state, &m.RecordsSynced,
			&m.ConflictsDetected, &m.ConflictsResolved, &m.ConflictsDeferred, &m.FailedRecords,
			&ms, &m.Success, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		m.State = SessionState(state)
		m.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutTombstone(ctx context.Context, t *Tombstone) error {
	query := `INSERT INTO tombstones (entity_type, record_id, company_id, deleted_at) VALUES (?, ?, ?, ?)`
	if s.db.Dialect == database.MySQL {
		query += ` ON DUPLICATE KEY UPDATE company_id = VALUES(company_id), deleted_at = VALUES(deleted_at)`
	} else {
		query += ` ON CONFLICT(entity_type, record_id) DO UPDATE SET company_id = excluded.company_id, deleted_at = excluded.deleted_at`
	}
	if _, err := s.db.DB.ExecContext(ctx, query, t.EntityType, t.RecordID, t.CompanyID, utc(t.DeletedAt)); err != nil {
		return fmt.Errorf("put tombstone %s/%s: %w", t.EntityType, t.RecordID, err)
	}
	return nil
}

func (s *SQLStore) GetTombstone(ctx context.Context, entityType, recordID string) (*Tombstone, error) {
	var t Tombstone
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT entity_type, record_id, company_id, deleted_at FROM tombstones WHERE entity_type = ? AND record_id = ?`,
		entityType, recordID).Scan(&t.EntityType, &t.RecordID, &t.CompanyID, &t.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tombstone: %w", err)
	}
	return &t, nil
}

func (s *SQLStore) ListTombstones(ctx context.Context, companyID, entityType string, since time.Time, limit int) ([]*Tombstone, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT entity_type, record_id, company_id, deleted_at FROM tombstones
		 WHERE company_id = ? AND entity_type = ? AND deleted_at > ? ORDER BY deleted_at, record_id LIMIT ?`,
		companyID, entityType, utc(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var out []*Tombstone
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.EntityType, &t.RecordID, &t.CompanyID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteTombstone(ctx context.Context, entityType, recordID string) error {
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM tombstones WHERE entity_type = ? AND record_id = ?`, entityType, recordID); err != nil {
		return fmt.Errorf("delete tombstone %s/%s: %w", entityType, recordID, err)
	}
	return nil
}

func (s *SQLStore) PruneTombstones(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM tombstones WHERE deleted_at < ?`, utc(before))
	if err != nil {
		return 0, fmt.Errorf("prune tombstones: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcNow() time.Time {
	return utc(time.Now())
}

func nullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return utc(t.Time)
}

func nullString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
