package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/cache"
	"github.com/kiranshivaraju/transly/internal/queue"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memCache is an in-process cache.Cache.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	setErr error
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetJobStatus(ctx context.Context, view models.JobStatusView, ttl time.Duration) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.Set(ctx, cache.JobStatusKey(view.JobID), data, ttl)
}

func (c *memCache) GetJobStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusView, bool, error) {
	data, ok, _ := c.Get(ctx, cache.JobStatusKey(id))
	if !ok {
		return nil, false, nil
	}
	var v models.JobStatusView
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func (c *memCache) Decr(context.Context, string) error { return nil }

var _ cache.Cache = (*memCache)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(text string) *models.TranslationJob {
	return &models.TranslationJob{
		Kind:            models.JobKindText,
		OwnerID:         "owner",
		SourceLanguage:  "en",
		TargetLanguage:  "fr",
		OriginalContent: text,
	}
}

func TestEnqueue_PendingAndMirrored(t *testing.T) {
	c := newMemCache()
	q := queue.New(newStore(t), c, time.Minute, quietLogger())
	ctx := context.Background()

	job := newJob("hello")
	require.NoError(t, q.Enqueue(ctx, job))
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)

	view, ok, err := c.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusPending, view.Status)

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal after enqueue")
	}
}

func TestEnqueue_CacheFailureIsNotFatal(t *testing.T) {
	c := newMemCache()
	c.setErr = errors.New("redis down")
	q := queue.New(newStore(t), c, time.Minute, quietLogger())

	job := newJob("hello")
	require.NoError(t, q.Enqueue(context.Background(), job))

	view, err := q.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, view.Status)
}

func TestClaim_FIFOAndEmpty(t *testing.T) {
	q := queue.New(newStore(t), newMemCache(), time.Minute, quietLogger())
	ctx := context.Background()

	first, second := newJob("one"), newJob("two")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	got, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = q.Claim(ctx, "w1")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestLifecycle_StatusFollowsTransitions(t *testing.T) {
	q := queue.New(newStore(t), newMemCache(), time.Minute, quietLogger())
	ctx := context.Background()

	job := newJob("hello world")
	require.NoError(t, q.Enqueue(ctx, job))
	_, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, models.JobProgress{Percentage: 40, Chunks: []string{"hello world"}}))
	view, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, view.Status)
	assert.Equal(t, 40, view.ProgressPercentage)

	// Progress never goes backwards.
	require.NoError(t, q.UpdateProgress(ctx, job.ID, models.JobProgress{Percentage: 20}))
	view, err = q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, view.ProgressPercentage)

	applied, err := q.Complete(ctx, job.ID, models.JobOutcome{Result: "bonjour le monde"})
	require.NoError(t, err)
	assert.True(t, applied)

	view, err = q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 100, view.ProgressPercentage)
	require.NotNil(t, view.Result)
	assert.Equal(t, "bonjour le monde", *view.Result)

	// Duplicate terminal signals are no-ops.
	applied, err = q.Complete(ctx, job.ID, models.JobOutcome{Result: "other"})
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = q.Fail(ctx, job.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, applied)

	err = q.UpdateProgress(ctx, job.ID, models.JobProgress{Percentage: 50})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestFail_RecordsMessage(t *testing.T) {
	q := queue.New(newStore(t), newMemCache(), time.Minute, quietLogger())
	ctx := context.Background()

	job := newJob("hello")
	require.NoError(t, q.Enqueue(ctx, job))
	_, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	applied, err := q.Fail(ctx, job.ID, "translation service timed out")
	require.NoError(t, err)
	assert.True(t, applied)

	view, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, "translation service timed out", *view.Error)
}

func TestPendingCannotBeCompleted(t *testing.T) {
	q := queue.New(newStore(t), nil, 0, quietLogger())
	ctx := context.Background()

	job := newJob("hello")
	require.NoError(t, q.Enqueue(ctx, job))

	_, err := q.Complete(ctx, job.ID, models.JobOutcome{Result: "x"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	writer := queue.New(s, nil, 0, quietLogger())
	job := newJob("hello")
	require.NoError(t, writer.Enqueue(ctx, job))

	c := newMemCache()
	reader := queue.New(s, c, time.Minute, quietLogger())
	view, err := reader.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.JobID)

	_, ok, _ := c.GetJobStatus(ctx, job.ID)
	assert.True(t, ok, "store read should populate the cache")

	_, err = reader.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStats(t *testing.T) {
	q := queue.New(newStore(t), nil, 0, quietLogger())
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, newJob(text)))
	}
	_, err := q.Claim(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[models.JobStatusPending])
	assert.Equal(t, 1, stats[models.JobStatusProcessing])
	assert.Equal(t, 3, stats.Total())
}
