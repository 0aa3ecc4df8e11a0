package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRecordsOrderAndShape(t *testing.T) {
	st := newTestStore(t)
	status := NewStatus(st)
	ctx := context.Background()

	second := pendingUser(t, st, "second", time.Minute)
	first := pendingUser(t, st, "first", 0)

	recs, err := status.PendingRecords(ctx, "users", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Oldest updated_at first, regardless of insert order.
	assert.Equal(t, first["id"], recs[0]["id"])
	assert.Equal(t, second["id"], recs[1]["id"])
	assert.NotContains(t, recs[0], "sync_status")
}

func TestPendingRecordsPagination(t *testing.T) {
	st := newTestStore(t)
	status := NewStatus(st)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		pendingUser(t, st, "user", time.Duration(i)*time.Second)
	}

	page1, err := status.PendingRecords(ctx, "users", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := status.PendingRecords(ctx, "users", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	status := NewStatus(st)
	ctx := context.Background()

	a := pendingUser(t, st, "a", 0)
	b := pendingUser(t, st, "b", time.Second)

	require.NoError(t, status.MarkSynced(ctx, "users", []string{a["id"].(string)}))
	require.NoError(t, status.MarkFailed(ctx, "users", []string{b["id"].(string)}))

	assert.Equal(t, "SYNCED", syncStatusOf(t, st, "users", a["id"].(string)))
	assert.Equal(t, "FAILED", syncStatusOf(t, st, "users", b["id"].(string)))

	n, err := status.ResetFailed(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "PENDING", syncStatusOf(t, st, "users", b["id"].(string)))
}

func TestStatsCountsPerTable(t *testing.T) {
	st := newTestStore(t)
	status := NewStatus(st)
	ctx := context.Background()

	a := pendingUser(t, st, "a", 0)
	pendingUser(t, st, "b", time.Second)
	require.NoError(t, status.MarkSynced(ctx, "users", []string{a["id"].(string)}))

	stats, err := status.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["users"]["PENDING"])
	assert.Equal(t, 1, stats["users"]["SYNCED"])
	assert.Empty(t, stats["parties"])
}

func TestUnknownTableRejected(t *testing.T) {
	st := newTestStore(t)
	status := NewStatus(st)

	_, err := status.PendingRecords(context.Background(), "nope", 10, 0)
	assert.Error(t, err)
	err = status.MarkSynced(context.Background(), "nope", []string{"x"})
	assert.Error(t, err)
}
