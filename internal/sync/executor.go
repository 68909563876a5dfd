package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// Executor applies submitted records: one batch per entity type, batches in parallel,
// records within a batch in order.
type Executor struct {
	repos    entity.Registry
	store    store.Store
	detector *ConflictDetector
	resolver *Resolver
	guard    *repoGuard
}

func NewExecutor(repos entity.Registry, st store.Store, detector *ConflictDetector, resolver *Resolver, guard *repoGuard) *Executor {
	return &Executor{
		repos:    repos,
		store:    st,
		detector: detector,
		resolver: resolver,
		guard:    guard,
	}
}

// Execute reconciles records against the server. Per-record failures land in
// ExecutionResult.Failed; a repository timeout or cancellation stops every batch and is
// returned alongside the partial result.
func (e *Executor) Execute(ctx context.Context, sess *Session, records []OfflineRecord) (*ExecutionResult, error) {
	result := newExecutionResult()
	batches, rejected := e.partition(records)
	result.Failed = append(result.Failed, rejected...)

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for kind, batch := range batches {
		kind, batch := kind, batch
		g.Go(func() error {
			part := newExecutionResult()
			err := e.runBatch(gctx, sess, kind, batch, part)

			mu.Lock()
			result.merge(kind, part)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	sort.Slice(result.Conflicts, func(i, j int) bool {
		a, b := result.Conflicts[i], result.Conflicts[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.RecordID < b.RecordID
	})

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %d records committed before cancellation", ErrCancelled, result.Committed)
	}
	return result, err
}

// partition groups records by entity type, keeping the latest client edit when a record is
// submitted twice.
func (e *Executor) partition(records []OfflineRecord) (map[entity.Kind][]OfflineRecord, []FailedRecord) {
	var rejected []FailedRecord
	latest := make(map[entity.Kind]map[string]OfflineRecord)
	order := make(map[entity.Kind][]string)

	for _, rec := range records {
		if reason := invalidRecord(e.repos, rec); reason != "" {
			rejected = append(rejected, FailedRecord{
				EntityType: rec.EntityType,
				RecordID:   rec.RecordID,
				Error:      reason,
			})
			continue
		}
		rec.ClientUpdatedAt = entity.NormalizeTime(rec.ClientUpdatedAt)
		if latest[rec.EntityType] == nil {
			latest[rec.EntityType] = make(map[string]OfflineRecord)
		}
		prev, seen := latest[rec.EntityType][rec.RecordID]
		if !seen {
			order[rec.EntityType] = append(order[rec.EntityType], rec.RecordID)
		}
		if !seen || rec.ClientUpdatedAt.After(prev.ClientUpdatedAt) {
			latest[rec.EntityType][rec.RecordID] = rec
		}
	}

	batches := make(map[entity.Kind][]OfflineRecord, len(order))
	for kind, ids := range order {
		for _, id := range ids {
			batches[kind] = append(batches[kind], latest[kind][id])
		}
	}
	return batches, rejected
}

func invalidRecord(repos entity.Registry, rec OfflineRecord) string {
	switch _, err := repos.For(rec.EntityType); {
	case err != nil:
		return err.Error()
	case rec.RecordID == "":
		return "record_id is required"
	case rec.ClientUpdatedAt.IsZero():
		return "client_updated_at is required"
	}
	return ""
}

func (e *Executor) runBatch(ctx context.Context, sess *Session, kind entity.Kind, batch []OfflineRecord, part *ExecutionResult) error {
	logger.Log.Debug("Applying batch",
		zap.String("sessionID", sess.ID),
		zap.String("entityType", string(kind)),
		zap.Int("size", len(batch)),
	)
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.apply(ctx, sess, rec, part); err != nil {
			if errors.Is(err, ErrRepositoryTimeout) || ctx.Err() != nil {
				return err
			}
			part.Failed = append(part.Failed, FailedRecord{
				EntityType: rec.EntityType,
				RecordID:   rec.RecordID,
				Error:      err.Error(),
				Retryable:  Retryable(err),
			})
		}
	}
	return nil
}

// apply reconciles one record. A stale optimistic write re-runs detection once.
func (e *Executor) apply(ctx context.Context, sess *Session, rec OfflineRecord, part *ExecutionResult) error {
	var (
		conflict *Conflict
		res      Resolution
	)
	for attempt := 0; attempt < 2; attempt++ {
		det, err := e.detector.DetectOne(ctx, sess, rec)
		if err != nil {
			return e.settle(ctx, conflict, res, err, part)
		}

		var (
			write    entity.Record
			expected time.Time
		)
		switch det.Outcome {
		case OutcomeUnchanged, OutcomeServerOnly:
			if conflict != nil {
				// the racing write settled the earlier conflict
				res = Resolution{Strategy: res.Strategy, Record: det.Server}
			}
			return e.settle(ctx, conflict, res, nil, part)
		case OutcomeClientOnly:
			write = clientRecord(rec, det.Server)
			expected = det.Server.UpdatedAt
		case OutcomeCreated:
			write = clientRecord(rec, nil)
		case OutcomeConflict:
			if conflict != nil {
				// keep the id assigned on the first detection
				det.Conflict.ID = conflict.ID
			}
			conflict = det.Conflict
			res, err = e.resolver.Resolve(conflict, sess.Strategy)
			if err != nil {
				return e.settle(ctx, conflict, Resolution{Strategy: sess.Strategy}, err, part)
			}
			if !res.Write {
				return e.settle(ctx, conflict, res, nil, part)
			}
			write = *res.Record
			if det.Server != nil {
				expected = det.Server.UpdatedAt
			}
		}

		err = e.guard.do(ctx, "put "+string(rec.EntityType), func(ctx context.Context) error {
			repo, err := e.repos.For(rec.EntityType)
			if err != nil {
				return err
			}
			return repo.Put(ctx, sess.Scope(), write, expected)
		})
		if errors.Is(err, entity.ErrStale) {
			logger.Log.Info("Stale write, re-detecting",
				zap.String("entityType", string(rec.EntityType)),
				zap.String("recordID", rec.RecordID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return e.settle(ctx, conflict, res, err, part)
		}

		if det.Outcome == OutcomeConflict && det.Server == nil {
			// resurrected: the tombstone no longer describes the record
			if err := e.guard.do(ctx, "delete tombstone", func(ctx context.Context) error {
				return e.store.DeleteTombstone(ctx, string(rec.EntityType), rec.RecordID)
			}); err != nil {
				logger.Log.Warn("Failed to clear tombstone", zap.String("recordID", rec.RecordID), zap.Error(err))
			}
		}
		part.Committed++
		return e.settle(ctx, conflict, res, nil, part)
	}

	return e.settle(ctx, conflict, res,
		fmt.Errorf("%w: %s/%s changed twice during apply: %w", ErrRepositoryFailure, rec.EntityType, rec.RecordID, entity.ErrStale), part)
}

// settle records the final state of a record's conflict, if any, and passes err through.
// Every detected conflict is persisted: resolved when the outcome was applied, pending
// otherwise.
func (e *Executor) settle(ctx context.Context, c *Conflict, res Resolution, err error, part *ExecutionResult) error {
	if c == nil {
		return err
	}

	summary := ConflictSummary{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		RecordID:   c.RecordID,
		Kind:       c.Kind,
		Strategy:   res.Strategy,
	}
	part.ConflictsDetected++

	status := store.ConflictPending
	switch {
	case err == nil:
		status = store.ConflictResolved
		summary.Resolved = true
		part.ConflictsResolved++
	case errors.Is(err, ErrResolutionDeferred):
		summary.Deferred = true
		part.ConflictsDeferred++
		err = nil
	default:
		summary.Error = err.Error()
		part.ConflictsDeferred++
	}
	part.Conflicts = append(part.Conflicts, summary)

	recCtx := ctx
	if ctx.Err() != nil {
		recCtx = context.WithoutCancel(ctx)
	}
	if recErr := e.detector.RecordConflict(recCtx, c, status, res); recErr != nil {
		logger.Log.Error("Failed to persist conflict",
			zap.String("conflictID", c.ID),
			zap.Error(recErr),
		)
		if err == nil {
			err = recErr
		}
	}
	return err
}

func (r *ExecutionResult) batch(kind entity.Kind) *BatchResult {
	b, ok := r.Batches[kind]
	if !ok {
		b = &BatchResult{}
		r.Batches[kind] = b
	}
	return b
}

func (r *ExecutionResult) merge(kind entity.Kind, part *ExecutionResult) {
	r.Committed += part.Committed
	r.ConflictsDetected += part.ConflictsDetected
	r.ConflictsResolved += part.ConflictsResolved
	r.ConflictsDeferred += part.ConflictsDeferred
	r.Conflicts = append(r.Conflicts, part.Conflicts...)
	r.Failed = append(r.Failed, part.Failed...)

	b := r.batch(kind)
	b.Committed += part.Committed
	b.Failed += len(part.Failed)
}

// clientRecord builds the record to write for a client version, keeping the server's
// ownership fields when the record exists.
func clientRecord(rec OfflineRecord, server *entity.Record) entity.Record {
	r := entity.Record{
		Kind:      rec.EntityType,
		ID:        rec.RecordID,
		Payload:   rec.Payload,
		UpdatedAt: rec.ClientUpdatedAt,
	}
	if server != nil {
		r.CompanyID = server.CompanyID
		r.AssignedTo = server.AssignedTo
	}
	return r
}
