package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) Client {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(Options{Redis: rdb, MaxLen: 100})
	require.NoError(t, err)
	return c
}

func TestAppendAndGroupRead(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))

	id, err := c.Append(ctx, "s", map[string]string{"event_id": "e1", "content": "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := c.Read(ctx, "s", "g", "c1", 10, 10*time.Millisecond, CursorNew)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "e1", entries[0].Fields["event_id"])
}

func TestEnsureGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))
}

func TestAckRemovesPendingEntry(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))

	id, err := c.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)

	entries, err := c.Read(ctx, "s", "g", "c1", 1, 10*time.Millisecond, CursorNew)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	acked, err := c.Ack(ctx, "s", "g", id)
	require.NoError(t, err)
	assert.True(t, acked)

	// A second ack of the same id is a no-op.
	acked, err = c.Ack(ctx, "s", "g", id)
	require.NoError(t, err)
	assert.False(t, acked)

	// Nothing pending remains for this consumer.
	pending, err := c.Read(ctx, "s", "g", "c1", 10, 0, CursorPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingCursorRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))

	id, err := c.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = c.Read(ctx, "s", "g", "c1", 1, 10*time.Millisecond, CursorNew)
	require.NoError(t, err)

	// Simulate a crashed consumer restarting: the unacked entry comes back
	// on the pending cursor.
	pending, err := c.Read(ctx, "s", "g", "c1", 10, 0, CursorPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestGroupInfoTracksPendingCount(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))

	_, err := c.Append(ctx, "s", map[string]string{"k": "1"})
	require.NoError(t, err)
	_, err = c.Append(ctx, "s", map[string]string{"k": "2"})
	require.NoError(t, err)

	entries, err := c.Read(ctx, "s", "g", "c1", 10, 10*time.Millisecond, CursorNew)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	gi, err := c.GroupInfo(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gi.Pending)

	_, err = c.Ack(ctx, "s", "g", entries[0].ID)
	require.NoError(t, err)

	gi, err = c.GroupInfo(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gi.Pending)
}

func TestInfoReportsLength(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0"))

	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, "s", map[string]string{"k": "v"})
		require.NoError(t, err)
	}
	info, err := c.Info(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Length)
}
