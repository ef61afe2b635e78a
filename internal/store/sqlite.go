package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/pkg/models"
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on an embedded SQLite database. It uses a
// single connection, so every conditional update is serialised.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '[]',
		last_used_at TEXT,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (key_prefix);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		owner_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_reservations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES credit_accounts (owner_id),
		job_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		consumed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'held',
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	CREATE TABLE IF NOT EXISTS translation_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		source_language TEXT NOT NULL,
		target_language TEXT NOT NULL,
		original_content TEXT NOT NULL,
		chunks TEXT,
		translated_chunks TEXT,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		credits_required INTEGER NOT NULL DEFAULT 0,
		credits_reserved INTEGER NOT NULL DEFAULT 0,
		credits_consumed INTEGER NOT NULL DEFAULT 0,
		reservation_id TEXT,
		worker_id TEXT,
		result TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_translation_jobs_status ON translation_jobs (status);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- API Keys ---

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = ? AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var (
			k                    models.APIKey
			scopes               string
			lastUsed             sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes,
			&lastUsed, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
		k.LastUsedAt = parseNullTime(lastUsed)
		k.CreatedAt = parseTime(createdAt)
		k.UpdatedAt = parseTime(updatedAt)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id.String()); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	b, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, string(b),
		formatTime(key.CreatedAt), formatTime(key.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Credits ---

func (s *SQLiteStore) GetCreditAccount(ctx context.Context, ownerID string) (*models.CreditAccount, error) {
	return getSQLiteAccount(ctx, s.db, ownerID)
}

func (s *SQLiteStore) CreateCreditAccount(ctx context.Context, ownerID string, balance int) (*models.CreditAccount, error) {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner_id) DO NOTHING`, ownerID, balance, now, now); err != nil {
		return nil, fmt.Errorf("create credit account: %w", err)
	}
	return s.GetCreditAccount(ctx, ownerID)
}

func (s *SQLiteStore) AddCredits(ctx context.Context, ownerID string, amount int) (*models.CreditAccount, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
		 WHERE owner_id = ? AND balance + ? >= 0`, amount, formatTime(time.Now()), ownerID, amount)
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetCreditAccount(ctx, ownerID); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientBalance
	}
	return s.GetCreditAccount(ctx, ownerID)
}

func (s *SQLiteStore) ReserveCredits(ctx context.Context, res *models.CreditReservation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ?
		 WHERE owner_id = ? AND balance >= ?
		 RETURNING balance`, res.Amount, formatTime(time.Now()), res.OwnerID, res.Amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		acct, getErr := getSQLiteAccount(ctx, tx, res.OwnerID)
		if getErr != nil {
			return 0, getErr
		}
		return acct.Balance, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("deduct credits: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_reservations (id, owner_id, job_id, amount, consumed, status, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		res.ID.String(), res.OwnerID, res.JobID.String(), res.Amount, string(models.ReservationHeld),
		formatTime(res.CreatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, ErrDuplicateKey
		}
		return 0, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reserve: %w", err)
	}
	res.Status = models.ReservationHeld
	return balance, nil
}

func (s *SQLiteStore) GetReservation(ctx context.Context, id uuid.UUID) (*models.CreditReservation, error) {
	return getSQLiteReservation(ctx, s.db, id)
}

func (s *SQLiteStore) FinalizeReservation(ctx context.Context, id uuid.UUID, consumed int) (bool, error) {
	return s.settle(ctx, id, models.ReservationFinalized, consumed)
}

func (s *SQLiteStore) ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.settle(ctx, id, models.ReservationReleased, 0)
}

func (s *SQLiteStore) settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus, consumed int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	var (
		ownerID string
		amount  int
	)
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_reservations SET status = ?, consumed = MIN(?, amount), settled_at = ?
		 WHERE id = ? AND status = 'held'
		 RETURNING owner_id, amount`, string(to), consumed, now, id.String(),
	).Scan(&ownerID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := getSQLiteReservation(ctx, tx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settle reservation: %w", err)
	}

	refund := amount - min(consumed, amount)
	if refund > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE owner_id = ?`,
			refund, now, ownerID); err != nil {
			return false, fmt.Errorf("refund credits: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settle: %w", err)
	}
	return true, nil
}

// --- Jobs ---

const sqliteJobColumns = `id, kind, status, owner_id, source_language, target_language, original_content,
	chunks, translated_chunks, progress_percentage, credits_required, credits_reserved, credits_consumed,
	reservation_id, worker_id, result, error_message, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.TranslationJob) error {
	chunks, err := encodeChunks(job.Chunks)
	if err != nil {
		return err
	}
	translated, err := encodeTranslated(job.TranslatedChunks)
	if err != nil {
		return err
	}
	var reservation *string
	if job.ReservationID != nil {
		r := job.ReservationID.String()
		reservation = &r
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO translation_jobs (id, kind, status, owner_id, source_language, target_language, original_content,
		   chunks, translated_chunks, progress_percentage, credits_required, credits_reserved, credits_consumed,
		   reservation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), string(job.Kind), string(job.Status), job.OwnerID, job.SourceLanguage, job.TargetLanguage,
		job.OriginalContent, chunks, translated, job.ProgressPercentage, job.CreditsRequired,
		job.CreditsReserved, job.CreditsConsumed, reservation, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.TranslationJob, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM translation_jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*models.TranslationJob, error) {
	now := formatTime(time.Now())
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE translation_jobs
		 SET status = 'processing', worker_id = ?, started_at = ?, updated_at = ?
		 WHERE status = 'pending' AND id = (
		   SELECT id FROM translation_jobs WHERE status = 'pending' ORDER BY rowid LIMIT 1
		 )
		 RETURNING `+sqliteJobColumns, workerID, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	chunks, err := encodeChunks(p.Chunks)
	if err != nil {
		return err
	}
	translated, err := encodeTranslated(p.TranslatedChunks)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE translation_jobs SET
		   progress_percentage = MAX(progress_percentage, MIN(?, 100)),
		   chunks = COALESCE(chunks, ?),
		   translated_chunks = COALESCE(?, translated_chunks),
		   updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		p.Percentage, chunks, translated, formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s, not %s", ErrInvalidTransition, current, models.JobStatusProcessing)
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id uuid.UUID, out models.JobOutcome) (bool, error) {
	translated, err := encodeTranslated(out.TranslatedChunks)
	if err != nil {
		return false, err
	}
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE translation_jobs SET
		   status = 'completed', result = ?, translated_chunks = COALESCE(?, translated_chunks),
		   credits_consumed = ?, progress_percentage = 100, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		out.Result, translated, out.CreditsConsumed, now, now, id.String())
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return s.terminalResult(ctx, res, id, models.JobStatusCompleted)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE translation_jobs SET
		   status = 'failed', error_message = ?, credits_consumed = 0, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`, message, now, now, id.String())
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return s.terminalResult(ctx, res, id, models.JobStatusFailed)
}

func (s *SQLiteStore) terminalResult(ctx context.Context, res sql.Result, id uuid.UUID, target models.JobStatus) (bool, error) {
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return terminalOutcome(current, target)
}

func (s *SQLiteStore) FailStaleJobs(ctx context.Context, before time.Time, message string) ([]*models.TranslationJob, error) {
	now := formatTime(time.Now())
	rows, err := s.db.QueryContext(ctx,
		`UPDATE translation_jobs SET
		   status = 'failed', error_message = ?, credits_consumed = 0, completed_at = ?, updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?
		 RETURNING `+sqliteJobColumns, message, now, now, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TranslationJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM translation_jobs GROUP BY status`)
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

func (s *SQLiteStore) DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM translation_jobs WHERE status IN ('completed', 'failed') AND completed_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) currentStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM translation_jobs WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return models.JobStatus(status), nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteAccount(ctx context.Context, q queryer, ownerID string) (*models.CreditAccount, error) {
	var (
		a                    models.CreditAccount
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT owner_id, balance, created_at, updated_at FROM credit_accounts WHERE owner_id = ?`, ownerID,
	).Scan(&a.OwnerID, &a.Balance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func getSQLiteReservation(ctx context.Context, q queryer, id uuid.UUID) (*models.CreditReservation, error) {
	var (
		r                 models.CreditReservation
		rid, jobID        string
		status, createdAt string
		settledAt         sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, owner_id, job_id, amount, consumed, status, created_at, settled_at
		 FROM credit_reservations WHERE id = ?`, id.String(),
	).Scan(&rid, &r.OwnerID, &jobID, &r.Amount, &r.Consumed, &status, &createdAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.ID, _ = uuid.Parse(rid)
	r.JobID, _ = uuid.Parse(jobID)
	r.Status = models.ReservationStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.SettledAt = parseNullTime(settledAt)
	return &r, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.TranslationJob, error) {
	var (
		j                    models.TranslationJob
		id, kind, status     string
		chunks, transl       sql.NullString
		reservation, worker  sql.NullString
		result, errMsg       sql.NullString
		createdAt, updatedAt string
		startedAt, doneAt    sql.NullString
	)
	err := row.Scan(&id, &kind, &status, &j.OwnerID, &j.SourceLanguage, &j.TargetLanguage, &j.OriginalContent,
		&chunks, &transl, &j.ProgressPercentage, &j.CreditsRequired, &j.CreditsReserved, &j.CreditsConsumed,
		&reservation, &worker, &result, &errMsg, &createdAt, &updatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if j.Chunks, err = decodeChunks([]byte(chunks.String)); err != nil {
		return nil, err
	}
	if j.TranslatedChunks, err = decodeTranslated([]byte(transl.String)); err != nil {
		return nil, err
	}
	if reservation.Valid {
		rid, err := uuid.Parse(reservation.String)
		if err != nil {
			return nil, fmt.Errorf("parse reservation id: %w", err)
		}
		j.ReservationID = &rid
	}
	j.WorkerID = nullString(worker)
	j.Result = nullString(result)
	j.ErrorMessage = nullString(errMsg)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(doneAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

var _ Store = (*SQLiteStore)(nil)
