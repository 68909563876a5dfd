package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/entity"
)

func concurrentConflict(server entity.Payload, serverAt time.Time, client entity.Payload, clientAt time.Time) *Conflict {
	return &Conflict{
		ID:         "c1",
		Kind:       ConcurrentUpdate,
		EntityType: entity.Lead,
		RecordID:   "42",
		Server: &entity.Record{
			Kind: entity.Lead, ID: "42", CompanyID: "acme", AssignedTo: "u1",
			Payload: server, UpdatedAt: serverAt,
		},
		Client: offline(entity.Lead, "42", client, clientAt),
	}
}

func deletedConflict(deletedAt time.Time, client entity.Payload, clientAt time.Time) *Conflict {
	return &Conflict{
		ID:         "c2",
		Kind:       DeletedOnServer,
		EntityType: entity.Deal,
		RecordID:   "7",
		DeletedAt:  deletedAt,
		Client:     offline(entity.Deal, "7", client, clientAt),
	}
}

func TestTimestampBasedConverges(t *testing.T) {
	r := NewResolver(func() time.Time { return t0.Add(time.Hour) })
	t1, t2 := t0.Add(10*time.Minute), t0.Add(20*time.Minute)

	tests := []struct {
		name        string
		serverAt    time.Time
		clientAt    time.Time
		wantPayload string
		wantWrite   bool
	}{
		{"client later", t1, t2, "client", true},
		{"server later", t2, t1, "server", false},
		{"tie goes to server", t1, t1, "server", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := concurrentConflict(entity.Payload{"name": "server"}, tt.serverAt, entity.Payload{"name": "client"}, tt.clientAt)
			res, err := r.Resolve(c, TimestampBased)
			require.NoError(t, err)
			require.NotNil(t, res.Record)
			assert.Equal(t, tt.wantPayload, res.Record.Payload["name"])
			assert.Equal(t, tt.wantWrite, res.Write)
			assert.True(t, res.Record.UpdatedAt.Equal(maxTime(tt.serverAt, tt.clientAt)))
			assert.Equal(t, TimestampBased, res.Strategy)
		})
	}
}

func TestServerAndClientWins(t *testing.T) {
	now := t0.Add(time.Hour)
	r := NewResolver(func() time.Time { return now })
	c := concurrentConflict(entity.Payload{"name": "server"}, t0.Add(20*time.Minute), entity.Payload{"name": "client"}, t0.Add(10*time.Minute))

	res, err := r.Resolve(c, ServerWins)
	require.NoError(t, err)
	assert.False(t, res.Write)
	assert.Equal(t, "server", res.Record.Payload["name"])

	res, err = r.Resolve(c, ClientWins)
	require.NoError(t, err)
	assert.True(t, res.Write)
	assert.Equal(t, "client", res.Record.Payload["name"])
	assert.True(t, res.Record.UpdatedAt.Equal(now))
	assert.Equal(t, "acme", res.Record.CompanyID)
	assert.Equal(t, "u1", res.Record.AssignedTo)
}

func TestMergeFieldsIsNonDestructive(t *testing.T) {
	now := t0.Add(time.Hour)
	r := NewResolver(func() time.Time { return now })
	server := entity.Payload{"name": "Acme deal", "phone": "", "stage": "won", "notes": nil}
	client := entity.Payload{"name": "Acme Deal!", "phone": "555-0100", "email": "buyer@acme.test", "stage": ""}
	c := concurrentConflict(server, t0.Add(10*time.Minute), client, t0.Add(20*time.Minute))

	res, err := r.Resolve(c, MergeFields)
	require.NoError(t, err)
	require.True(t, res.Write)

	got := res.Record.Payload
	assert.Equal(t, "Acme deal", got["name"], "server wins where both sides differ")
	assert.Equal(t, "555-0100", got["phone"], "client fills a field the server left empty")
	assert.Equal(t, "buyer@acme.test", got["email"])
	assert.Equal(t, "won", got["stage"], "server value survives an empty client field")
	assert.True(t, res.Record.UpdatedAt.Equal(now))
}

func TestMergeFieldsWithNothingToAdd(t *testing.T) {
	r := NewResolver(func() time.Time { return t0.Add(time.Hour) })
	c := concurrentConflict(entity.Payload{"name": "a", "phone": "1"}, t0.Add(10*time.Minute),
		entity.Payload{"name": "b"}, t0.Add(20*time.Minute))

	res, err := r.Resolve(c, MergeFields)
	require.NoError(t, err)
	assert.False(t, res.Write)
	assert.Equal(t, "a", res.Record.Payload["name"])
}

func TestManualDefers(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(concurrentConflict(nil, t0, nil, t0), Manual)
	assert.ErrorIs(t, err, ErrResolutionDeferred)

	_, err = r.Resolve(concurrentConflict(nil, t0, nil, t0), StrategyKind("coin_flip"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeletedOnServer(t *testing.T) {
	now := t0.Add(time.Hour)
	r := NewResolver(func() time.Time { return now })
	deletedAt := t0.Add(15 * time.Minute)

	tests := []struct {
		name      string
		strategy  StrategyKind
		clientAt  time.Time
		resurrect bool
	}{
		{"server_wins keeps deletion", ServerWins, t0.Add(30 * time.Minute), false},
		{"client_wins resurrects", ClientWins, t0.Add(5 * time.Minute), true},
		{"timestamp edit after delete", TimestampBased, t0.Add(30 * time.Minute), true},
		{"timestamp edit before delete", TimestampBased, t0.Add(5 * time.Minute), false},
		{"timestamp tie goes to deletion", TimestampBased, deletedAt, false},
		{"merge edit after delete", MergeFields, t0.Add(30 * time.Minute), true},
		{"merge edit before delete", MergeFields, t0.Add(5 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(deletedConflict(deletedAt, entity.Payload{"amount": 10}, tt.clientAt), tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.resurrect, res.Write)
			if tt.resurrect {
				require.NotNil(t, res.Record)
				assert.Equal(t, 10, res.Record.Payload["amount"])
			} else {
				assert.Nil(t, res.Record)
			}
		})
	}

	_, err := r.Resolve(deletedConflict(deletedAt, nil, now), Manual)
	assert.ErrorIs(t, err, ErrResolutionDeferred)
}

func TestResolverIsDeterministic(t *testing.T) {
	r := NewResolver(func() time.Time { return t0.Add(time.Hour) })
	c := concurrentConflict(entity.Payload{"a": "1", "b": ""}, t0.Add(time.Minute), entity.Payload{"b": "2"}, t0.Add(2*time.Minute))
	for _, kind := range []StrategyKind{ServerWins, ClientWins, TimestampBased, MergeFields} {
		first, err := r.Resolve(c, kind)
		require.NoError(t, err)
		second, err := r.Resolve(c, kind)
		require.NoError(t, err)
		assert.Equal(t, first, second, string(kind))
	}
}

func TestParseStrategyAndMode(t *testing.T) {
	k, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, TimestampBased, k)

	_, err = ParseStrategy("newest")
	assert.ErrorIs(t, err, ErrInvalidInput)

	m, err := ParseMode("selective")
	require.NoError(t, err)
	assert.Equal(t, ModeSelective, m)

	_, err = ParseMode("delta")
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}
