package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type SessionState string

const (
	StateInitiated        SessionState = "initiated"
	StateSnapshotting     SessionState = "snapshotting"
	StateApplying         SessionState = "applying"
	StateCompleted        SessionState = "completed"
	StateConflictsPending SessionState = "conflicts_pending"
	StateFailed           SessionState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateConflictsPending || s == StateFailed
}

type Device struct {
	ID                string       `db:"id"`
	UserID            string       `db:"user_id"`
	CompanyID         string       `db:"company_id"`
	LastSyncWatermark sql.NullTime `db:"last_sync_watermark"`
	Active            bool         `db:"active"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

type Session struct {
	ID                string          `db:"id"`
	DeviceID          string          `db:"device_id"`
	UserID            string          `db:"user_id"`
	CompanyID         string          `db:"company_id"`
	RequestedMode     string          `db:"requested_mode"`
	Mode              string          `db:"mode"`
	Strategy          string          `db:"strategy"`
	Options           json.RawMessage `db:"options"`
	State             SessionState    `db:"state"`
	ErrorMessage      sql.NullString  `db:"error_message"`
	Committed         int             `db:"committed"`
	ConflictsDetected int             `db:"conflicts_detected"`
	ConflictsDeferred int             `db:"conflicts_deferred"`
	FailedRecords     int             `db:"failed_records"`
	StartedAt         time.Time       `db:"started_at"`
	CompletedAt       sql.NullTime    `db:"completed_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

type Conflict struct {
	ID              string          `db:"id"`
	SessionID       string          `db:"session_id"`
	DeviceID        string          `db:"device_id"`
	EntityType      string          `db:"entity_type"`
	RecordID        string          `db:"record_id"`
	Kind            string          `db:"kind"`
	ServerPayload   json.RawMessage `db:"server_payload"`
	ServerUpdatedAt sql.NullTime    `db:"server_updated_at"`
	ClientPayload   json.RawMessage `db:"client_payload"`
	ClientUpdatedAt time.Time       `db:"client_updated_at"`
	DetectedAt      time.Time       `db:"detected_at"`
	Status          string          `db:"status"`
	Strategy        string          `db:"strategy"`
	ResolvedPayload json.RawMessage `db:"resolved_payload"`
	ResolvedBy      sql.NullString  `db:"resolved_by"`
	ResolvedAt      sql.NullTime    `db:"resolved_at"`
}

// ConflictFilter narrows ListConflicts; empty fields match everything.
type ConflictFilter struct {
	DeviceID  string
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

type Metrics struct {
	ID                int64         `db:"id"`
	SessionID         string        `db:"session_id"`
	DeviceID          string        `db:"device_id"`
	Mode              string        `db:"mode"`
	State             SessionState  `db:"state"`
	RecordsSynced     int           `db:"records_synced"`
	ConflictsDetected int           `db:"conflicts_detected"`
	ConflictsResolved int           `db:"conflicts_resolved"`
	ConflictsDeferred int           `db:"conflicts_deferred"`
	FailedRecords     int           `db:"failed_records"`
	Duration          time.Duration `db:"duration_ms"`
	Success           bool          `db:"success"`
	RecordedAt        time.Time     `db:"recorded_at"`
}

// Tombstone marks a record deleted on the server.
type Tombstone struct {
	EntityType string    `db:"entity_type"`
	RecordID   string    `db:"record_id"`
	CompanyID  string    `db:"company_id"`
	DeletedAt  time.Time `db:"deleted_at"`
}
