package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// PGOutboxStore implements store.OutboxStore backed by Postgres.
// Claiming marks rows with claimed_at under FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never pick up the same job twice.
type PGOutboxStore struct {
	db *sql.DB
}

func NewPGOutboxStore(db *sql.DB) *PGOutboxStore {
	return &PGOutboxStore{db: db}
}

const jobSelectCols = `id, conversation_id, body, status, attempts, COALESCE(last_error, ''), COALESCE(provider_message_id, ''), created_at, sent_at, source_watermark`

func (s *PGOutboxStore) Enqueue(ctx context.Context, conversationID, body string, sourceWatermark int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbound_jobs (conversation_id, body, status, attempts, created_at, source_watermark)
		 VALUES ($1, $2, 'queued', 0, $3, $4)
		 RETURNING id`,
		conversationID, body, time.Now().UTC(), sourceWatermark,
	).Scan(&id)
	return id, err
}

func (s *PGOutboxStore) Claim(ctx context.Context, limit int) ([]store.OutboundJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbound_jobs SET claimed_at = now()
		 WHERE id IN (
		   SELECT id FROM outbound_jobs
		   WHERE status = 'queued' AND claimed_at IS NULL
		   ORDER BY id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobSelectCols,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed; dispatch follows creation order.
	sortJobsByID(jobs)
	return jobs, nil
}

func (s *PGOutboxStore) MarkSent(ctx context.Context, jobID int64, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs
		 SET status = 'sent', sent_at = $2, provider_message_id = $3, claimed_at = NULL
		 WHERE id = $1 AND status = 'queued'`,
		jobID, time.Now().UTC(), providerMessageID)
	return err
}

func (s *PGOutboxStore) MarkCancelled(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs SET status = 'cancelled', claimed_at = NULL
		 WHERE id = $1 AND status = 'queued'`,
		jobID)
	return err
}

func (s *PGOutboxStore) RecordFailure(ctx context.Context, jobID int64, sendErr string, deadLetterAt int) (int, bool, error) {
	var attempts int
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE outbound_jobs
		 SET attempts = attempts + 1,
		     last_error = $2,
		     status = CASE WHEN attempts + 1 >= $3 THEN 'dead_letter' ELSE status END,
		     claimed_at = NULL
		 WHERE id = $1 AND status = 'queued'
		 RETURNING attempts, status`,
		jobID, sendErr, deadLetterAt,
	).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, store.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, status == string(store.JobDeadLetter), nil
}

func (s *PGOutboxStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_jobs SET claimed_at = NULL
		 WHERE status = 'queued' AND claimed_at IS NOT NULL AND claimed_at < $1`,
		staleBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PGOutboxStore) Get(ctx context.Context, jobID int64) (*store.OutboundJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectCols+` FROM outbound_jobs WHERE id = $1`, jobID)
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

func sortJobsByID(jobs []store.OutboundJob) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
}
