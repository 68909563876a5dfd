package entity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps one Kind in process memory. It backs single-node development
// deployments and tests.
type MemoryRepository struct {
	kind    Kind
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRepository(kind Kind) *MemoryRepository {
	return &MemoryRepository{
		kind:    kind,
		records: make(map[string]Record),
	}
}

// NewMemoryRegistry builds a registry with a MemoryRepository for every Kind.
func NewMemoryRegistry() Registry {
	reg := make(Registry, len(Kinds))
	for _, k := range Kinds {
		reg[k] = NewMemoryRepository(k)
	}
	return reg
}

func (m *MemoryRepository) Kind() Kind { return m.kind }

func (m *MemoryRepository) List(ctx context.Context, scope Scope, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	m.mu.RLock()
	matched := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if !scope.Visible(r) {
			continue
		}
		if !q.Since.IsZero() && !r.UpdatedAt.After(q.Since) {
			continue
		}
		if q.After != nil && !after(r, *q.After) {
			continue
		}
		matched = append(matched, cloneRecord(r))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	var page Page
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
		last := matched[len(matched)-1]
		page.Next = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	page.Records = matched
	return page, nil
}

func (m *MemoryRepository) Get(ctx context.Context, scope Scope, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok || !scope.Visible(r) {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepository) Put(ctx context.Context, scope Scope, r Record, expected time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[r.ID]
	if exists && !scope.Visible(current) {
		return ErrNotFound
	}
	switch {
	case expected.IsZero() && exists:
		return ErrStale
	case !expected.IsZero() && (!exists || !current.UpdatedAt.Equal(NormalizeTime(expected))):
		return ErrStale
	}

	r.Kind = m.kind
	if r.CompanyID == "" {
		r.CompanyID = scope.CompanyID
	}
	r.UpdatedAt = NormalizeTime(r.UpdatedAt)
	m.records[r.ID] = cloneRecord(r)
	return nil
}

// Delete removes a record. Deletions are not part of Repository; the platform's CRUD layer
// performs them and the sync engine learns about them through tombstones.
func (m *MemoryRepository) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

func after(r Record, c Cursor) bool {
	if r.UpdatedAt.After(c.UpdatedAt) {
		return true
	}
	return r.UpdatedAt.Equal(c.UpdatedAt) && r.ID > c.ID
}

func cloneRecord(r Record) Record {
	if r.Payload != nil {
		p := make(Payload, len(r.Payload))
		for k, v := range r.Payload {
			p[k] = v
		}
		r.Payload = p
	}
	return r
}
