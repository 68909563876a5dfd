package sync

import (
	"fmt"
	"reflect"
	"time"

	"offline-sync-service/internal/entity"
)

// ResolutionStrategy reconciles one conflict. Implementations are pure: they never touch
// a repository.
type ResolutionStrategy interface {
	Kind() StrategyKind
	Resolve(c *Conflict, now time.Time) (Resolution, error)
}

// Resolver dispatches conflicts to the registered strategies.
type Resolver struct {
	strategies map[StrategyKind]ResolutionStrategy
	now        func() time.Time
}

func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	r := &Resolver{
		strategies: make(map[StrategyKind]ResolutionStrategy),
		now:        now,
	}
	for _, s := range []ResolutionStrategy{
		serverWinsStrategy{},
		clientWinsStrategy{},
		timestampStrategy{},
		mergeFieldsStrategy{},
		manualStrategy{},
	} {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the strategy for s.Kind().
func (r *Resolver) Register(s ResolutionStrategy) {
	r.strategies[s.Kind()] = s
}

// Resolve applies the named strategy. Manual returns ErrResolutionDeferred.
func (r *Resolver) Resolve(c *Conflict, kind StrategyKind) (Resolution, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, kind)
	}
	res, err := s.Resolve(c, entity.NormalizeTime(r.now()))
	res.Strategy = kind
	return res, err
}

type serverWinsStrategy struct{}

func (serverWinsStrategy) Kind() StrategyKind { return ServerWins }

func (serverWinsStrategy) Resolve(c *Conflict, _ time.Time) (Resolution, error) {
	return keepServer(c), nil
}

type clientWinsStrategy struct{}

func (clientWinsStrategy) Kind() StrategyKind { return ClientWins }

// Resolve adopts the client payload as a fresh write stamped with now.
func (clientWinsStrategy) Resolve(c *Conflict, now time.Time) (Resolution, error) {
	return takeClient(c, c.Client.Payload, now), nil
}

type timestampStrategy struct{}

func (timestampStrategy) Kind() StrategyKind { return TimestampBased }

// Resolve keeps the later version; ties go to the server.
func (timestampStrategy) Resolve(c *Conflict, _ time.Time) (Resolution, error) {
	if c.Client.ClientUpdatedAt.After(serverTime(c)) {
		return takeClient(c, c.Client.Payload, c.Client.ClientUpdatedAt), nil
	}
	return keepServer(c), nil
}

type mergeFieldsStrategy struct{}

func (mergeFieldsStrategy) Kind() StrategyKind { return MergeFields }

// Resolve unions the non-empty fields of both sides, the server value winning where both
// set the same field to different values. There is nothing to merge with a deleted record,
// so deleted_on_server falls back to the timestamp comparison.
func (mergeFieldsStrategy) Resolve(c *Conflict, now time.Time) (Resolution, error) {
	if c.Server == nil {
		return timestampStrategy{}.Resolve(c, now)
	}
	merged := mergePayloads(c.Server.Payload, c.Client.Payload)
	if reflect.DeepEqual(merged, c.Server.Payload) {
		return keepServer(c), nil
	}
	return takeClient(c, merged, maxTime(now, c.Client.ClientUpdatedAt, c.Server.UpdatedAt)), nil
}

type manualStrategy struct{}

func (manualStrategy) Kind() StrategyKind { return Manual }

func (manualStrategy) Resolve(*Conflict, time.Time) (Resolution, error) {
	return Resolution{}, ErrResolutionDeferred
}

// mergePayloads returns server fields overlaid with client fields the server leaves empty.
func mergePayloads(server, client entity.Payload) entity.Payload {
	out := make(entity.Payload, len(server)+len(client))
	for k, v := range server {
		if !isEmpty(v) {
			out[k] = v
		}
	}
	for k, v := range client {
		if _, ok := out[k]; !ok && !isEmpty(v) {
			out[k] = v
		}
	}
	// fields empty on both sides survive as the server left them
	for k, v := range server {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func keepServer(c *Conflict) Resolution {
	if c.Server == nil {
		return Resolution{}
	}
	server := *c.Server
	return Resolution{Record: &server}
}

func takeClient(c *Conflict, payload entity.Payload, at time.Time) Resolution {
	r := entity.Record{
		Kind:      c.EntityType,
		ID:        c.RecordID,
		Payload:   payload,
		UpdatedAt: entity.NormalizeTime(at),
	}
	if c.Server != nil {
		r.CompanyID = c.Server.CompanyID
		r.AssignedTo = c.Server.AssignedTo
	}
	return Resolution{Record: &r, Write: true}
}

// serverTime is the server's last change: its updated_at, or the deletion time.
func serverTime(c *Conflict) time.Time {
	if c.Server == nil {
		return c.DeletedAt
	}
	return c.Server.UpdatedAt
}

func maxTime(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
