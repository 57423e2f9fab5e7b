package memory

import (
	"context"
	"testing"
	"time"

	"portal-realtime/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRosterStore_DedupsTabsOfOneUser(t *testing.T) {
	ctx := context.Background()
	store := NewRosterStore()
	now := time.Now()

	count, err := store.AddConnection(ctx, domain.RosterEntry{UserID: "u1", DisplayName: "Ana", JoinedAt: now})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.AddConnection(ctx, domain.RosterEntry{UserID: "u1", DisplayName: "Ana", JoinedAt: now})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)

	removed, err := store.RemoveConnection(ctx, "u1", now)
	require.NoError(t, err)
	assert.False(t, removed, "second tab still open")

	removed, err = store.RemoveConnection(ctx, "u1", now)
	require.NoError(t, err)
	assert.True(t, removed)

	snapshot, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestRosterStore_RecentHeartbeatKeepsUserUntilSweep(t *testing.T) {
	ctx := context.Background()
	store := NewRosterStore()
	now := time.Now()

	_, err := store.AddConnection(ctx, domain.RosterEntry{UserID: "u1", JoinedAt: now})
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, "u1", now))

	removed, err := store.RemoveConnection(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 0, store.Connections("u1"))

	swept, err := store.Sweep(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)

	swept, err = store.Sweep(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, swept)
}

func TestRosterStore_SnapshotOrderedByJoin(t *testing.T) {
	ctx := context.Background()
	store := NewRosterStore()
	base := time.Now()

	_, _ = store.AddConnection(ctx, domain.RosterEntry{UserID: "late", JoinedAt: base.Add(time.Second)})
	_, _ = store.AddConnection(ctx, domain.RosterEntry{UserID: "early", JoinedAt: base})

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "early", snapshot[0].UserID)
	assert.Equal(t, "late", snapshot[1].UserID)
}

func TestRosterStore_TouchUnknownUserIgnored(t *testing.T) {
	store := NewRosterStore()
	require.NoError(t, store.Touch(context.Background(), "ghost", time.Now()))

	snapshot, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}
