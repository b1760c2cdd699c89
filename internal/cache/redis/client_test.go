package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("LINE_RELAY_TEST_REDIS_PORT")
	if addr == "" {
		t.Skip("LINE_RELAY_TEST_REDIS_PORT not set")
	}
	port, err := strconv.Atoi(addr)
	require.NoError(t, err)

	c, err := NewClient("localhost", port, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSearchCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	hash := uuid.NewString()

	var got map[string]string
	found, err := c.GetSearch(ctx, hash, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetSearch(ctx, hash, map[string]string{"summary": "台灣 補助"}, time.Minute))

	found, err = c.GetSearch(ctx, hash, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "台灣 補助", got["summary"])
}

func TestCounter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	name := "escalations-" + uuid.NewString()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	n, err := c.GetCounter(ctx, name, day)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.IncrementCounter(ctx, name, day)
	require.NoError(t, err)
	n, err = c.IncrementCounter(ctx, name, day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
