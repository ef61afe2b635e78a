package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/internal/store"
	"github.com/kiranshivaraju/transly/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreTests exercises the behaviour every Store implementation must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"APIKeyCreateAndGet", testAPIKeyCreateAndGet},
		{"APIKeyDuplicate", testAPIKeyDuplicate},
		{"CreditAccountIdempotentCreate", testCreditAccountIdempotentCreate},
		{"AddCredits", testAddCredits},
		{"ReserveAndFinalize", testReserveAndFinalize},
		{"ReserveInsufficient", testReserveInsufficient},
		{"ReserveMissingAccount", testReserveMissingAccount},
		{"ReleaseIsIdempotent", testReleaseIsIdempotent},
		{"FinalizeThenReleaseIsNoop", testFinalizeThenReleaseIsNoop},
		{"ConcurrentReserveNoDoubleSpend", testConcurrentReserveNoDoubleSpend},
		{"JobCreateAndGet", testJobCreateAndGet},
		{"ClaimFIFO", testClaimFIFO},
		{"ClaimExclusive", testClaimExclusive},
		{"ProgressMonotonic", testProgressMonotonic},
		{"ProgressRejectedOutsideProcessing", testProgressRejectedOutsideProcessing},
		{"CompleteIdempotent", testCompleteIdempotent},
		{"PendingCannotComplete", testPendingCannotComplete},
		{"FailAfterCompleteIsNoop", testFailAfterCompleteIsNoop},
		{"CountAndDeleteExpired", testCountAndDeleteExpired},
		{"FailStaleJobs", testFailStaleJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newJob(owner, text string) *models.TranslationJob {
	ts := now()
	return &models.TranslationJob{
		ID:              uuid.New(),
		Kind:            models.JobKindText,
		Status:          models.JobStatusPending,
		OwnerID:         owner,
		SourceLanguage:  "en",
		TargetLanguage:  "fr",
		OriginalContent: text,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func newReservation(owner string, amount int) *models.CreditReservation {
	return &models.CreditReservation{
		ID:        uuid.New(),
		OwnerID:   owner,
		JobID:     uuid.New(),
		Amount:    amount,
		CreatedAt: now(),
	}
}

func balance(t *testing.T, s store.Store, owner string) int {
	t.Helper()
	a, err := s.GetCreditAccount(context.Background(), owner)
	require.NoError(t, err)
	return a.Balance
}

func claim(t *testing.T, s store.Store) *models.TranslationJob {
	t.Helper()
	job, err := s.ClaimNextJob(context.Background(), "worker-test")
	require.NoError(t, err)
	return job
}

func testAPIKeyCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	ts := now()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   "acct-1",
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "tr_abcde",
		Scopes:    []string{"translate", "admin"},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "tr_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "acct-1", keys[0].OwnerID)
	assert.Equal(t, []string{"translate", "admin"}, keys[0].Scopes)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "tr_abcde")
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsedAt)

	none, err := s.GetAPIKeyByPrefix(ctx, "tr_zzzzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAPIKeyDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := &models.APIKey{ID: uuid.New(), OwnerID: "a", Name: "k", KeyHash: "h", KeyPrefix: "tr_dupli", CreatedAt: now(), UpdatedAt: now()}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)
}

func testCreditAccountIdempotentCreate(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetCreditAccount(ctx, "owner")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	a, err := s.CreateCreditAccount(ctx, "owner", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, a.Balance)

	again, err := s.CreateCreditAccount(ctx, "owner", 999)
	require.NoError(t, err)
	assert.Equal(t, 100, again.Balance)
}

func testAddCredits(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.AddCredits(ctx, "ghost", 10)
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	_, err = s.CreateCreditAccount(ctx, "owner", 10)
	require.NoError(t, err)

	a, err := s.AddCredits(ctx, "owner", 15)
	require.NoError(t, err)
	assert.Equal(t, 25, a.Balance)

	_, err = s.AddCredits(ctx, "owner", -26)
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	assert.Equal(t, 25, balance(t, s, "owner"))
}

func testReserveAndFinalize(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateCreditAccount(ctx, "owner", 100)
	require.NoError(t, err)

	res := newReservation("owner", 70)
	left, err := s.ReserveCredits(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 30, left)
	assert.Equal(t, 30, balance(t, s, "owner"))

	applied, err := s.FinalizeReservation(ctx, res.ID, 50)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 50, balance(t, s, "owner"))

	got, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationFinalized, got.Status)
	assert.Equal(t, 50, got.Consumed)
	assert.NotNil(t, got.SettledAt)

	applied, err = s.FinalizeReservation(ctx, res.ID, 50)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 50, balance(t, s, "owner"))
}

func testReserveInsufficient(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateCreditAccount(ctx, "owner", 50)
	require.NoError(t, err)

	available, err := s.ReserveCredits(ctx, newReservation("owner", 70))
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	assert.Equal(t, 50, available)
	assert.Equal(t, 50, balance(t, s, "owner"))
}

func testReserveMissingAccount(t *testing.T, s store.Store) {
	_, err := s.ReserveCredits(context.Background(), newReservation("nobody", 5))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func testReleaseIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateCreditAccount(ctx, "owner", 100)
	require.NoError(t, err)

	res := newReservation("owner", 40)
	_, err = s.ReserveCredits(ctx, res)
	require.NoError(t, err)

	applied, err := s.ReleaseReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 100, balance(t, s, "owner"))

	applied, err = s.ReleaseReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 100, balance(t, s, "owner"))

	_, err = s.ReleaseReservation(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFinalizeThenReleaseIsNoop(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateCreditAccount(ctx, "owner", 100)
	require.NoError(t, err)

	res := newReservation("owner", 30)
	_, err = s.ReserveCredits(ctx, res)
	require.NoError(t, err)

	_, err = s.FinalizeReservation(ctx, res.ID, 30)
	require.NoError(t, err)
	applied, err := s.ReleaseReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 70, balance(t, s, "owner"))
}

func testConcurrentReserveNoDoubleSpend(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateCreditAccount(ctx, "owner", 70)
	require.NoError(t, err)

	const n = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveCredits(ctx, newReservation("owner", 70))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, store.ErrInsufficientBalance):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, 0, balance(t, s, "owner"))
}

func testJobCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob("owner", "Hello world")
	rid := uuid.New()
	job.ReservationID = &rid
	job.CreditsRequired = 5
	job.CreditsReserved = 5
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.JobKindText, got.Kind)
	assert.Equal(t, "Hello world", got.OriginalContent)
	assert.Equal(t, 5, got.CreditsReserved)
	require.NotNil(t, got.ReservationID)
	assert.Equal(t, rid, *got.ReservationID)
	assert.Nil(t, got.Chunks)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.ClaimNextJob(ctx, "w")
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job := newJob("owner", "text")
		require.NoError(t, s.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}

	for _, want := range ids {
		got := claim(t, s)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		require.NotNil(t, got.WorkerID)
		assert.Equal(t, "worker-test", *got.WorkerID)
		assert.NotNil(t, got.StartedAt)
	}

	_, err = s.ClaimNextJob(ctx, "w")
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs = 5
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob("owner", "text")))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNextJob(ctx, "w")
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testProgressMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("owner", "a b")))
	job := claim(t, s)

	one := "A"
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobProgress{
		Percentage:       10,
		Chunks:           []string{"a", "b"},
		TranslatedChunks: []*string{nil, nil},
	}))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobProgress{
		Percentage:       50,
		TranslatedChunks: []*string{&one, nil},
	}))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobProgress{Percentage: 30}))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, models.JobProgress{
		Percentage: 60,
		Chunks:     []string{"overwritten?"},
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.ProgressPercentage)
	assert.Equal(t, []string{"a", "b"}, got.Chunks)
	require.Len(t, got.TranslatedChunks, 2)
	require.NotNil(t, got.TranslatedChunks[0])
	assert.Equal(t, "A", *got.TranslatedChunks[0])
	assert.Nil(t, got.TranslatedChunks[1])
}

func testProgressRejectedOutsideProcessing(t *testing.T, s store.Store) {
	ctx := context.Background()
	pending := newJob("owner", "x")
	require.NoError(t, s.CreateJob(ctx, pending))

	err := s.UpdateJobProgress(ctx, pending.ID, models.JobProgress{Percentage: 20})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	job := claim(t, s)
	_, err = s.CompleteJob(ctx, job.ID, models.JobOutcome{Result: "X"})
	require.NoError(t, err)

	err = s.UpdateJobProgress(ctx, job.ID, models.JobProgress{Percentage: 20})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.UpdateJobProgress(ctx, uuid.New(), models.JobProgress{Percentage: 20})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompleteIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := newJob("owner", "x")
	j.CreditsRequired, j.CreditsReserved = 3, 3
	require.NoError(t, s.CreateJob(ctx, j))
	job := claim(t, s)

	applied, err := s.CompleteJob(ctx, job.ID, models.JobOutcome{Result: "X", CreditsConsumed: 3})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.CompleteJob(ctx, job.ID, models.JobOutcome{Result: "Y", CreditsConsumed: 1})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	require.NotNil(t, got.Result)
	assert.Equal(t, "X", *got.Result)
	assert.Equal(t, 3, got.CreditsConsumed)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
}

func testPendingCannotComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := newJob("owner", "x")
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.CompleteJob(ctx, job.ID, models.JobOutcome{Result: "X"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.FailJob(ctx, job.ID, "nope")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)

	_, err = s.CompleteJob(ctx, uuid.New(), models.JobOutcome{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFailAfterCompleteIsNoop(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("owner", "x")))
	job := claim(t, s)

	applied, err := s.FailJob(ctx, job.ID, "translation service unavailable")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.CompleteJob(ctx, job.ID, models.JobOutcome{Result: "late"})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "translation service unavailable", *got.ErrorMessage)
	assert.Nil(t, got.Result)
}

func testCountAndDeleteExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob("owner", "x")))
	}
	done := claim(t, s)
	_, err := s.CompleteJob(ctx, done.ID, models.JobOutcome{Result: "X"})
	require.NoError(t, err)
	claim(t, s)

	stats, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.JobStatusPending])
	assert.Equal(t, 1, stats[models.JobStatusProcessing])
	assert.Equal(t, 1, stats[models.JobStatusCompleted])
	assert.Equal(t, 3, stats.Total())

	n, err := s.DeleteExpiredJobs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteExpiredJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFailStaleJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale := newJob("owner", "stale")
	rid := uuid.New()
	stale.ReservationID = &rid
	require.NoError(t, s.CreateJob(ctx, stale))
	require.NoError(t, s.CreateJob(ctx, newJob("owner", "fresh")))
	require.NoError(t, s.CreateJob(ctx, newJob("owner", "waiting")))

	claim(t, s)
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)
	fresh := claim(t, s)

	reaped, err := s.FailStaleJobs(ctx, cutoff, "worker lease expired")
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, models.JobStatusFailed, reaped[0].Status)
	require.NotNil(t, reaped[0].ReservationID)
	assert.Equal(t, rid, *reaped[0].ReservationID)

	got, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "worker lease expired", *got.ErrorMessage)

	got, err = s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	// A late completion from the original worker does not resurrect the job.
	applied, err := s.CompleteJob(ctx, stale.ID, models.JobOutcome{Result: "late"})
	require.NoError(t, err)
	assert.False(t, applied)

	reaped, err = s.FailStaleJobs(ctx, cutoff, "worker lease expired")
	require.NoError(t, err)
	assert.Empty(t, reaped)

	stats, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.JobStatusPending])
}
