package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Credits ---

func (s *PostgresStore) GetCreditAccount(ctx context.Context, ownerID string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, balance, created_at, updated_at FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&a.OwnerID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateCreditAccount(ctx context.Context, ownerID string, balance int) (*models.CreditAccount, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (owner_id, balance) VALUES ($1, $2) ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, balance)
	if err != nil {
		return nil, fmt.Errorf("create credit account: %w", err)
	}
	return s.GetCreditAccount(ctx, ownerID)
}

func (s *PostgresStore) AddCredits(ctx context.Context, ownerID string, amount int) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE owner_id = $1 AND balance + $2 >= 0
		 RETURNING owner_id, balance, created_at, updated_at`, ownerID, amount,
	).Scan(&a.OwnerID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetCreditAccount(ctx, ownerID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ReserveCredits(ctx context.Context, res *models.CreditReservation) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance - $2, updated_at = NOW()
		 WHERE owner_id = $1 AND balance >= $2
		 RETURNING balance`, res.OwnerID, res.Amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE owner_id = $1`, res.OwnerID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("read balance: %w", err)
		}
		return balance, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_reservations (id, owner_id, job_id, amount, consumed, status, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		res.ID, res.OwnerID, res.JobID, res.Amount, string(models.ReservationHeld), res.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicateKey
		}
		return 0, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reserve: %w", err)
	}
	res.Status = models.ReservationHeld
	return balance, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id uuid.UUID) (*models.CreditReservation, error) {
	var (
		r      models.CreditReservation
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, job_id, amount, consumed, status, created_at, settled_at
		 FROM credit_reservations WHERE id = $1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.JobID, &r.Amount, &r.Consumed, &status, &r.CreatedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.Status = models.ReservationStatus(status)
	return &r, nil
}

func (s *PostgresStore) FinalizeReservation(ctx context.Context, id uuid.UUID, consumed int) (bool, error) {
	return s.settle(ctx, id, models.ReservationFinalized, consumed)
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.settle(ctx, id, models.ReservationReleased, 0)
}

// settle moves a held reservation to its final status and refunds
// amount-consumed in the same transaction.
func (s *PostgresStore) settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus, consumed int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID string
		amount  int
	)
	err = tx.QueryRow(ctx,
		`UPDATE credit_reservations SET status = $2, consumed = LEAST($3, amount), settled_at = NOW()
		 WHERE id = $1 AND status = 'held'
		 RETURNING owner_id, amount`, id, string(to), consumed,
	).Scan(&ownerID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetReservation(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settle reservation: %w", err)
	}

	refund := amount - min(consumed, amount)
	if refund > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW() WHERE owner_id = $1`,
			ownerID, refund); err != nil {
			return false, fmt.Errorf("refund credits: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit settle: %w", err)
	}
	return true, nil
}

// --- Jobs ---

const pgJobColumns = `id, kind, status, owner_id, source_language, target_language, original_content,
	chunks, translated_chunks, progress_percentage, credits_required, credits_reserved, credits_consumed,
	reservation_id, worker_id, result, error_message, created_at, updated_at, started_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.TranslationJob) error {
	chunks, err := encodeChunks(job.Chunks)
	if err != nil {
		return err
	}
	translated, err := encodeTranslated(job.TranslatedChunks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO translation_jobs (id, kind, status, owner_id, source_language, target_language, original_content,
		   chunks, translated_chunks, progress_percentage, credits_required, credits_reserved, credits_consumed,
		   reservation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, string(job.Kind), string(job.Status), job.OwnerID, job.SourceLanguage, job.TargetLanguage,
		job.OriginalContent, chunks, translated, job.ProgressPercentage, job.CreditsRequired,
		job.CreditsReserved, job.CreditsConsumed, job.ReservationID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.TranslationJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM translation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string) (*models.TranslationJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`UPDATE translation_jobs
		 SET status = 'processing', worker_id = $1, started_at = NOW(), updated_at = NOW()
		 WHERE id = (
		   SELECT id FROM translation_jobs WHERE status = 'pending'
		   ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgJobColumns, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	chunks, err := encodeChunks(p.Chunks)
	if err != nil {
		return err
	}
	translated, err := encodeTranslated(p.TranslatedChunks)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE translation_jobs SET
		   progress_percentage = GREATEST(progress_percentage, LEAST($2::int, 100)),
		   chunks = COALESCE(chunks, $3::jsonb),
		   translated_chunks = COALESCE($4::jsonb, translated_chunks),
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id, p.Percentage, chunks, translated)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, id, models.JobStatusProcessing)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, out models.JobOutcome) (bool, error) {
	translated, err := encodeTranslated(out.TranslatedChunks)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE translation_jobs SET
		   status = 'completed', result = $2, translated_chunks = COALESCE($3::jsonb, translated_chunks),
		   credits_consumed = $4, progress_percentage = 100, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id, out.Result, translated, out.CreditsConsumed)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedTerminal(ctx, id, models.JobStatusCompleted)
	}
	return true, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE translation_jobs SET
		   status = 'failed', error_message = $2, credits_consumed = 0, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id, message)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedTerminal(ctx, id, models.JobStatusFailed)
	}
	return true, nil
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, before time.Time, message string) ([]*models.TranslationJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE translation_jobs SET
		   status = 'failed', error_message = $2, credits_consumed = 0, completed_at = NOW(), updated_at = NOW()
		 WHERE status = 'processing' AND updated_at < $1
		 RETURNING `+pgJobColumns, before, message)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TranslationJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM translation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := models.QueueStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		stats[models.JobStatus(status)] = n
	}
	return stats, rows.Err()
}

func (s *PostgresStore) DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM translation_jobs WHERE status IN ('completed', 'failed') AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) currentStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM translation_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return models.JobStatus(status), nil
}

func (s *PostgresStore) missedUpdate(ctx context.Context, id uuid.UUID, want models.JobStatus) error {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s, not %s", ErrInvalidTransition, current, want)
}

func (s *PostgresStore) missedTerminal(ctx context.Context, id uuid.UUID, target models.JobStatus) (bool, error) {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return terminalOutcome(current, target)
}

func scanPgJob(row pgx.Row) (*models.TranslationJob, error) {
	var (
		j              models.TranslationJob
		kind, status   string
		chunks, transl []byte
	)
	err := row.Scan(&j.ID, &kind, &status, &j.OwnerID, &j.SourceLanguage, &j.TargetLanguage, &j.OriginalContent,
		&chunks, &transl, &j.ProgressPercentage, &j.CreditsRequired, &j.CreditsReserved, &j.CreditsConsumed,
		&j.ReservationID, &j.WorkerID, &j.Result, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if j.Chunks, err = decodeChunks(chunks); err != nil {
		return nil, err
	}
	if j.TranslatedChunks, err = decodeTranslated(transl); err != nil {
		return nil, err
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
