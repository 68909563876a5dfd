package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/store"
)

type Outcome string

const (
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeClientOnly Outcome = "client_only"
	OutcomeServerOnly Outcome = "server_only"
	OutcomeCreated    Outcome = "created"
	OutcomeConflict   Outcome = "conflict"
)

// Detection is the classification of one submitted record against the server.
type Detection struct {
	Record  OfflineRecord
	Outcome Outcome
	// Server is the version read during detection; nil when the record does not exist.
	Server   *entity.Record
	Conflict *Conflict
}

// ConflictDetector compares submitted records with server state relative to the session's
// watermark.
type ConflictDetector struct {
	repos entity.Registry
	store store.Store
	guard *repoGuard
	now   func() time.Time
}

func NewConflictDetector(repos entity.Registry, st store.Store, guard *repoGuard, now func() time.Time) *ConflictDetector {
	if now == nil {
		now = time.Now
	}
	return &ConflictDetector{
		repos: repos,
		store: st,
		guard: guard,
		now:   now,
	}
}

// Detect classifies every record and persists each conflict found as pending.
func (d *ConflictDetector) Detect(ctx context.Context, sess *Session, records []OfflineRecord) ([]Detection, error) {
	out := make([]Detection, 0, len(records))
	for _, rec := range records {
		det, err := d.DetectOne(ctx, sess, rec)
		if err != nil {
			return out, err
		}
		if det.Conflict != nil {
			if err := d.RecordConflict(ctx, det.Conflict, store.ConflictPending, Resolution{Strategy: sess.Strategy}); err != nil {
				return out, err
			}
		}
		out = append(out, det)
	}
	return out, nil
}

// DetectOne classifies a single record without persisting anything. A conflict exists iff
// both the server and the client changed the record after the watermark.
func (d *ConflictDetector) DetectOne(ctx context.Context, sess *Session, rec OfflineRecord) (Detection, error) {
	det := Detection{Record: rec}
	repo, err := d.repos.For(rec.EntityType)
	if err != nil {
		return det, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	w := sess.Watermark
	clientChanged := rec.ClientUpdatedAt.After(w)

	var server entity.Record
	err = d.guard.do(ctx, "get "+string(rec.EntityType), func(ctx context.Context) error {
		var err error
		server, err = repo.Get(ctx, sess.Scope(), rec.RecordID)
		return err
	})
	if errors.Is(err, entity.ErrNotFound) {
		return d.detectMissing(ctx, sess, rec, clientChanged)
	}
	if err != nil {
		return det, err
	}
	det.Server = &server

	serverChanged := server.UpdatedAt.After(w)
	switch {
	case serverChanged && clientChanged:
		if samePayload(server.Payload, rec.Payload) {
			det.Outcome = OutcomeUnchanged
			return det, nil
		}
		det.Outcome = OutcomeConflict
		det.Conflict = d.newConflict(sess, rec, ConcurrentUpdate)
		det.Conflict.Server = &server
	case clientChanged:
		det.Outcome = OutcomeClientOnly
	case serverChanged:
		det.Outcome = OutcomeServerOnly
	default:
		det.Outcome = OutcomeUnchanged
	}
	return det, nil
}

func (d *ConflictDetector) detectMissing(ctx context.Context, sess *Session, rec OfflineRecord, clientChanged bool) (Detection, error) {
	det := Detection{Record: rec}

	var ts *store.Tombstone
	err := d.guard.do(ctx, "get tombstone", func(ctx context.Context) error {
		var err error
		ts, err = d.store.GetTombstone(ctx, string(rec.EntityType), rec.RecordID)
		return err
	})
	if err != nil {
		return det, err
	}

	deleted := ts != nil && ts.CompanyID == sess.CompanyID
	switch {
	case !clientChanged:
		// untouched on the device and gone from the server: the next snapshot drops it
		det.Outcome = OutcomeServerOnly
	case deleted:
		det.Outcome = OutcomeConflict
		det.Conflict = d.newConflict(sess, rec, DeletedOnServer)
		det.Conflict.DeletedAt = ts.DeletedAt
	case sess.tombstonesExpired():
		// the deletion, if any, happened before the horizon and its tombstone is gone
		det.Outcome = OutcomeConflict
		det.Conflict = d.newConflict(sess, rec, DeletedOnServer)
		det.Conflict.DeletedAt = sess.TombstoneHorizon
	default:
		det.Outcome = OutcomeCreated
	}
	return det, nil
}

func (d *ConflictDetector) newConflict(sess *Session, rec OfflineRecord, kind ConflictKind) *Conflict {
	return &Conflict{
		ID:         uuid.New().String(),
		SessionID:  sess.ID,
		DeviceID:   sess.DeviceID,
		Kind:       kind,
		EntityType: rec.EntityType,
		RecordID:   rec.RecordID,
		Client:     rec,
		DetectedAt: entity.NormalizeTime(d.now()),
	}
}

// RecordConflict persists c with the given status. A resolved conflict carries the
// resolution's strategy and payload.
func (d *ConflictDetector) RecordConflict(ctx context.Context, c *Conflict, status string, res Resolution) error {
	row, err := conflictRow(c, status, res, entity.NormalizeTime(d.now()))
	if err != nil {
		return err
	}
	return d.guard.do(ctx, "record conflict", func(ctx context.Context) error {
		return d.store.CreateConflict(ctx, row)
	})
}

func conflictRow(c *Conflict, status string, res Resolution, now time.Time) (*store.Conflict, error) {
	clientData, err := json.Marshal(c.Client.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client payload: %w", err)
	}
	row := &store.Conflict{
		ID:              c.ID,
		SessionID:       c.SessionID,
		DeviceID:        c.DeviceID,
		EntityType:      string(c.EntityType),
		RecordID:        c.RecordID,
		Kind:            string(c.Kind),
		ClientPayload:   clientData,
		ClientUpdatedAt: c.Client.ClientUpdatedAt,
		DetectedAt:      c.DetectedAt,
		Status:          status,
		Strategy:        string(res.Strategy),
	}
	if c.Server != nil {
		serverData, err := json.Marshal(c.Server.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode server payload: %w", err)
		}
		row.ServerPayload = serverData
		row.ServerUpdatedAt = validTime(c.Server.UpdatedAt)
	} else {
		row.ServerUpdatedAt = validTime(c.DeletedAt)
	}
	if status == store.ConflictResolved {
		if res.Record != nil {
			resolved, err := json.Marshal(res.Record.Payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode resolved payload: %w", err)
			}
			row.ResolvedPayload = resolved
		}
		row.ResolvedBy = nullString("system")
		row.ResolvedAt = validTime(now)
	}
	return row, nil
}

// samePayload compares payloads by content hash; encoding/json sorts map keys.
func samePayload(a, b entity.Payload) bool {
	return calculateHash(a) == calculateHash(b)
}

func calculateHash(p entity.Payload) string {
	bytes, _ := json.Marshal(p)
	sum := sha256.Sum256(bytes)
	return fmt.Sprintf("%x", sum)
}
