package queue_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/db"
	"nightlobster/internal/migrate"
	"nightlobster/internal/queue"
)

func newSQLQueue(t *testing.T) queue.SQLQueue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return queue.SQLQueue{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestSQLQueueDedupesByJobID(t *testing.T) {
	q := newSQLQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, queue.NewJob("run-1"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Enqueue(ctx, queue.NewJob("run-1"))
	require.NoError(t, err)
	assert.False(t, added)

	job, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "night-run-run-1", job.ID)
	assert.Equal(t, "run-1", job.RunID)

	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLQueueRejectsEmptyJob(t *testing.T) {
	_, err := newSQLQueue(t).Enqueue(context.Background(), queue.Job{})
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
}

func TestWorkerCompletesAndFails(t *testing.T) {
	q := newSQLQueue(t)
	ctx := context.Background()
	for _, id := range []string{"ok", "bad", "boom"} {
		_, err := q.Enqueue(ctx, queue.NewJob(id))
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		failed = map[string]string{}
	)
	w := queue.Worker{
		Source: q,
		Handle: func(_ context.Context, job queue.Job) error {
			switch job.RunID {
			case "bad":
				return errors.New("bad run")
			case "boom":
				panic("kaboom")
			}
			return nil
		},
		OnFailed: func(_ context.Context, job queue.Job, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed[job.RunID] = err.Error()
		},
	}
	for i := 0; i < 3; i++ {
		processed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	status, err := q.Status(ctx, queue.JobID("ok"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, status)
	status, err = q.Status(ctx, queue.JobID("bad"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)

	assert.Equal(t, "bad run", failed["bad"])
	assert.Contains(t, failed["boom"], "kaboom")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := newSQLQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	_, err := q.Enqueue(ctx, queue.NewJob("r"))
	require.NoError(t, err)

	w := queue.Worker{
		Source:       q,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		Handle: func(context.Context, queue.Job) error {
			close(done)
			return nil
		},
	}
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job not processed")
	}
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRedisQueueDedupe(t *testing.T) {
	url := os.Getenv("NIGHTLOBSTER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("NIGHTLOBSTER_TEST_REDIS_URL not set, skipping redis test")
	}
	q, err := queue.NewRedisQueue(url)
	require.NoError(t, err)
	defer q.Close()
	q.List = "nightlobster:test:" + t.Name()
	ctx := context.Background()
	job := queue.NewJob(time.Now().Format(time.RFC3339Nano))

	added, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, added)

	got, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job, got)
	require.NoError(t, q.Complete(ctx, got))
}

func TestWorkerSettlesJobAfterShutdown(t *testing.T) {
	q := newSQLQueue(t)
	_, err := q.Enqueue(context.Background(), queue.NewJob("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var settleErr error
	w := queue.Worker{
		Source: q,
		Handle: func(ctx context.Context, _ queue.Job) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailed: func(ctx context.Context, _ queue.Job, _ error) {
			settleErr = ctx.Err()
		},
	}
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.NoError(t, settleErr)

	status, err := q.Status(context.Background(), queue.JobID("slow"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)
}

func TestSQLQueueFailStaleReleasesOldActiveJobs(t *testing.T) {
	q := newSQLQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.NewJob("stuck"))
	require.NoError(t, err)
	_, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := q.FailStale(ctx, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = q.FailStale(ctx, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, []queue.Job{queue.NewJob("stuck")}, jobs)
	status, err := q.Status(ctx, queue.JobID("stuck"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)
}
