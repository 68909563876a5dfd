package sync

import (
	"fmt"
	"time"

	"offline-sync-service/internal/entity"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSelective   Mode = "selective"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeIncremental, ModeSelective:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown sync mode %q", ErrInvalidInput, s)
}

// StrategyKind names a conflict resolution strategy.
type StrategyKind string

const (
	ServerWins     StrategyKind = "server_wins"
	ClientWins     StrategyKind = "client_wins"
	TimestampBased StrategyKind = "timestamp_based"
	MergeFields    StrategyKind = "merge_fields"
	Manual         StrategyKind = "manual"
)

// ParseStrategy validates s; an empty string selects TimestampBased.
func ParseStrategy(s string) (StrategyKind, error) {
	switch k := StrategyKind(s); k {
	case "":
		return TimestampBased, nil
	case ServerWins, ClientWins, TimestampBased, MergeFields, Manual:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, s)
}

type ConflictKind string

const (
	ConcurrentUpdate ConflictKind = "concurrent_update"
	DeletedOnServer  ConflictKind = "deleted_on_server"
)

// OfflineRecord is a record captured on a device and submitted for reconciliation.
type OfflineRecord struct {
	EntityType      entity.Kind    `json:"entity_type"`
	RecordID        string         `json:"record_id"`
	Payload         entity.Payload `json:"payload"`
	ClientUpdatedAt time.Time      `json:"client_updated_at"`
}

// Options are the per-session settings a caller may pass to StartSync.
type Options struct {
	Strategy      StrategyKind        `json:"conflict_strategy,omitempty"`
	EntityTypes   []entity.Kind       `json:"entity_types,omitempty"`
	LimitsPerType map[entity.Kind]int `json:"limits_per_type,omitempty"`
	// Include is the per-type inclusion flag used by selective mode.
	Include map[entity.Kind]bool `json:"include,omitempty"`
}

// Session is the runtime view of a sync session handed to the snapshot builder,
// detector and executor.
type Session struct {
	ID        string
	DeviceID  string
	UserID    string
	CompanyID string
	Mode      Mode
	Strategy  StrategyKind
	// Watermark is the device's last_sync_watermark at session start; zero on first sync.
	Watermark time.Time
	// TombstoneHorizon is set when Watermark predates the tombstone retention window:
	// deletions before it are no longer recorded, so a missing record cannot be told
	// apart from a new one.
	TombstoneHorizon time.Time
	StartedAt        time.Time
	Options          Options
}

// tombstonesExpired reports whether deletions since the watermark may have been pruned.
func (s *Session) tombstonesExpired() bool {
	return !s.TombstoneHorizon.IsZero()
}

// Scope is the repository access scope of the session's user.
func (s *Session) Scope() entity.Scope {
	return entity.Scope{CompanyID: s.CompanyID, UserID: s.UserID}
}

// Conflict pairs a submitted record with the server's current version.
type Conflict struct {
	ID         string
	SessionID  string
	DeviceID   string
	Kind       ConflictKind
	EntityType entity.Kind
	RecordID   string
	// Server is nil for DeletedOnServer.
	Server *entity.Record
	// DeletedAt is the tombstone time for DeletedOnServer.
	DeletedAt  time.Time
	Client     OfflineRecord
	DetectedAt time.Time
}

// Resolution is the reconciled outcome of a conflict.
type Resolution struct {
	Strategy StrategyKind
	// Record is nil when the server-side deletion stands.
	Record *entity.Record
	// Write is set when Record differs from what the server holds and must be committed.
	Write bool
}

type ConflictSummary struct {
	ConflictID string       `json:"conflict_id"`
	EntityType entity.Kind  `json:"entity_type"`
	RecordID   string       `json:"record_id"`
	Kind       ConflictKind `json:"kind"`
	Strategy   StrategyKind `json:"strategy"`
	Resolved   bool         `json:"resolved"`
	Deferred   bool         `json:"deferred,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// FailedRecord is a submitted record that was not committed. Retryable records can be
// resubmitted unchanged in a later session.
type FailedRecord struct {
	EntityType entity.Kind `json:"entity_type"`
	RecordID   string      `json:"record_id"`
	Error      string      `json:"error"`
	Retryable  bool        `json:"retryable"`
}

type BatchResult struct {
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
}

// ExecutionResult summarises one Execute call.
type ExecutionResult struct {
	Committed         int                          `json:"committed"`
	ConflictsDetected int                          `json:"conflicts_detected"`
	ConflictsResolved int                          `json:"conflicts_resolved"`
	ConflictsDeferred int                          `json:"conflicts_deferred"`
	Conflicts         []ConflictSummary            `json:"conflicts"`
	Batches           map[entity.Kind]*BatchResult `json:"batches"`
	Failed            []FailedRecord               `json:"failed,omitempty"`
}

func newExecutionResult() *ExecutionResult {
	return &ExecutionResult{
		Conflicts: []ConflictSummary{},
		Batches:   make(map[entity.Kind]*BatchResult),
	}
}
