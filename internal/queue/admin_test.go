package queue_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/queue"
)

// drive a task to the DLQ by failing it past MaxAttempts
func fillDLQ(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	enq := queue.Enqueuer{R: client, Prefix: prefix}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "poll", Payload: []byte(`{"transaction_id":"tx-1"}`), IdempotencyKey: "tx-1", MaxAttempts: 1}))

	worker := queue.Worker{
		R:                 client,
		Prefix:            prefix,
		Kind:              "poll",
		Concurrency:       1,
		VisibilityTimeout: time.Second,
		RetryBase:         time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("permanent failure")
		},
	}
	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), prefix+":poll:dlq").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestAdminListAndRequeueDLQ(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fillDLQ(t, client, "admin")

	h := &queue.AdminHandler{R: client, Prefix: "admin"}

	rec := httptest.NewRecorder()
	h.ListDLQ(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind=poll", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)
	require.Contains(t, rec.Body.String(), "tx-1")

	rec = httptest.NewRecorder()
	h.RequeueDLQ(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/requeue?kind=poll", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"requeued":1`)

	depth, err := client.ZCard(context.Background(), "admin:queue:poll").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	dlqDepth, err := client.LLen(context.Background(), "admin:poll:dlq").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), dlqDepth)
}

func TestAdminListRequiresKind(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &queue.AdminHandler{R: client}
	rec := httptest.NewRecorder()
	h.ListDLQ(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/dlq", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
