package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// OutboxStore implements store.OutboxStore backed by SQLite. SQLite has no
// SKIP LOCKED; the single-writer connection plus the claimed_at stamp give
// the same no-double-claim guarantee within one process.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

const jobSelectCols = `id, conversation_id, body, status, attempts, COALESCE(last_error, ''), COALESCE(provider_message_id, ''), created_at, sent_at, source_watermark`

func (s *OutboxStore) Enqueue(ctx context.Context, conversationID, body string, sourceWatermark int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbound_jobs (conversation_id, body, status, attempts, created_at, source_watermark)
		 VALUES (?, ?, 'queued', 0, ?, ?)
		 RETURNING id`,
		conversationID, body, time.Now().UTC(), sourceWatermark,
	).Scan(&id)
	return id, err
}

func (s *OutboxStore) Claim(ctx context.Context, limit int) ([]store.OutboundJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobSelectCols+` FROM outbound_jobs
		 WHERE status = 'queued' AND claimed_at IS NULL
		 ORDER BY id
		 LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbound_jobs SET claimed_at = ? WHERE id = ?`, now, j.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, jobID int64, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs
		 SET status = 'sent', sent_at = ?, provider_message_id = ?, claimed_at = NULL
		 WHERE id = ? AND status = 'queued'`,
		time.Now().UTC(), providerMessageID, jobID)
	return err
}

func (s *OutboxStore) MarkCancelled(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs SET status = 'cancelled', claimed_at = NULL
		 WHERE id = ? AND status = 'queued'`,
		jobID)
	return err
}

func (s *OutboxStore) RecordFailure(ctx context.Context, jobID int64, sendErr string, deadLetterAt int) (int, bool, error) {
	var attempts int
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE outbound_jobs
		 SET attempts = attempts + 1,
		     last_error = ?,
		     status = CASE WHEN attempts + 1 >= ? THEN 'dead_letter' ELSE status END,
		     claimed_at = NULL
		 WHERE id = ? AND status = 'queued'
		 RETURNING attempts, status`,
		sendErr, deadLetterAt, jobID,
	).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, store.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, status == string(store.JobDeadLetter), nil
}

func (s *OutboxStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs SET claimed_at = NULL
		 WHERE status = 'queued' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		staleBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *OutboxStore) Get(ctx context.Context, jobID int64) (*store.OutboundJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectCols+` FROM outbound_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*store.OutboundJob, error) {
	var j store.OutboundJob
	var sentAt sql.NullTime
	if err := row.Scan(&j.ID, &j.ConversationID, &j.Body, &j.Status, &j.Attempts,
		&j.LastError, &j.ProviderMessageID, &j.CreatedAt, &sentAt, &j.SourceWatermark); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		j.SentAt = &sentAt.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]store.OutboundJob, error) {
	defer rows.Close()
	var jobs []store.OutboundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
