package sync

import (
	"context"
	"fmt"
	"time"

	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/store"
)

// SnapshotPage is one bounded page of server records for a single entity type.
type SnapshotPage struct {
	EntityType entity.Kind     `json:"entity_type"`
	Records    []entity.Record `json:"records"`
	// Deleted lists records removed on the server since the watermark. Only the first
	// page of an incremental or selective snapshot carries it.
	Deleted    []string `json:"deleted,omitempty"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Snapshot is the first page of every entity type in a session.
type Snapshot struct {
	Mode  Mode                          `json:"mode"`
	Since time.Time                     `json:"since"`
	Pages map[entity.Kind]*SnapshotPage `json:"pages"`
}

// SnapshotBuilder reads bounded, scoped pages of server state.
type SnapshotBuilder struct {
	repos entity.Registry
	store store.Store
	guard *repoGuard
}

func NewSnapshotBuilder(repos entity.Registry, st store.Store, guard *repoGuard) *SnapshotBuilder {
	return &SnapshotBuilder{
		repos: repos,
		store: st,
		guard: guard,
	}
}

// Since is the lower updated_at bound for the session's mode. Full snapshots are unbounded.
func (s *Session) Since() time.Time {
	if s.Mode == ModeFull || s.tombstonesExpired() {
		return time.Time{}
	}
	return s.Watermark
}

// Build reads the first page of every entity type the session covers.
func (b *SnapshotBuilder) Build(ctx context.Context, sess *Session, types []entity.Kind, limits func(entity.Kind) int) (*Snapshot, error) {
	snap := &Snapshot{
		Mode:  sess.Mode,
		Since: sess.Since(),
		Pages: make(map[entity.Kind]*SnapshotPage, len(types)),
	}
	for _, kind := range types {
		page, err := b.Page(ctx, sess, kind, "", limits(kind))
		if err != nil {
			return nil, err
		}
		snap.Pages[kind] = page
	}
	return snap, nil
}

// Page reads at most limit records of kind after cursor, in (updated_at, id) order.
func (b *SnapshotBuilder) Page(ctx context.Context, sess *Session, kind entity.Kind, cursor string, limit int) (*SnapshotPage, error) {
	repo, err := b.repos.For(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	after, err := entity.DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit for %s must be positive", ErrInvalidInput, kind)
	}

	q := entity.Query{Since: sess.Since(), After: after, Limit: limit}
	var page entity.Page
	err = b.guard.do(ctx, "list "+string(kind), func(ctx context.Context) error {
		var err error
		page, err = repo.List(ctx, sess.Scope(), q)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &SnapshotPage{EntityType: kind, Records: page.Records}
	if out.Records == nil {
		out.Records = []entity.Record{}
	}
	if page.Next != nil {
		out.NextCursor = page.Next.Encode()
	}

	if cursor == "" && !q.Since.IsZero() {
		var tombstones []*store.Tombstone
		err := b.guard.do(ctx, "list tombstones", func(ctx context.Context) error {
			var err error
			tombstones, err = b.store.ListTombstones(ctx, sess.CompanyID, string(kind), q.Since, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tombstones {
			out.Deleted = append(out.Deleted, t.RecordID)
		}
	}
	return out, nil
}

// effectiveTypes is the ordered set of entity types a session covers: the requested types
// (or the configured ones), narrowed by the inclusion flags in selective mode.
func effectiveTypes(mode Mode, opts Options, configured []entity.Kind) []entity.Kind {
	requested := opts.EntityTypes
	if len(requested) == 0 {
		requested = configured
	}
	seen := make(map[entity.Kind]bool, len(requested))
	out := make([]entity.Kind, 0, len(requested))
	for _, k := range requested {
		if seen[k] {
			continue
		}
		seen[k] = true
		if mode == ModeSelective && !opts.Include[k] {
			continue
		}
		out = append(out, k)
	}
	return out
}
