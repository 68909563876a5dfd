package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionActive is returned by CreateSession when the device already has a
	// non-terminal session.
	ErrSessionActive = errors.New("device has an active sync session")
	// ErrConflictResolved is returned by ResolveConflict for a conflict that is no longer pending.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// Store persists sync bookkeeping. Get* methods return (nil, nil) when nothing matches.
type Store interface {
	// Devices
	GetDevice(ctx context.Context, id string) (*Device, error)
	UpsertDevice(ctx context.Context, device *Device) error
	// AdvanceWatermark moves the device watermark forward to `to`; it never moves it back.
	// It reports whether the stored value changed.
	AdvanceWatermark(ctx context.Context, deviceID string, to time.Time) (bool, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveSession(ctx context.Context, deviceID string) (*Session, error)
	GetLatestSession(ctx context.Context, deviceID string) (*Session, error)
	ListStaleSessions(ctx context.Context, startedBefore time.Time) ([]*Session, error)
	// ExpireSession fails a session that is still non-terminal and reports whether it did.
	ExpireSession(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*Conflict, error)
	CountConflicts(ctx context.Context, filter ConflictFilter) (int, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte, resolvedBy string, at time.Time) error

	// Metrics
	AppendMetrics(ctx context.Context, m *Metrics) error
	// ListMetrics returns the newest rows first.
	ListMetrics(ctx context.Context, deviceID string, limit int) ([]*Metrics, error)

	// Tombstones
	PutTombstone(ctx context.Context, t *Tombstone) error
	GetTombstone(ctx context.Context, entityType, recordID string) (*Tombstone, error)
	ListTombstones(ctx context.Context, companyID, entityType string, since time.Time, limit int) ([]*Tombstone, error)
	// DeleteTombstone removes the marker after a deleted record is resurrected.
	DeleteTombstone(ctx context.Context, entityType, recordID string) error
	PruneTombstones(ctx context.Context, before time.Time) (int64, error)

	// General
	Close() error
}
