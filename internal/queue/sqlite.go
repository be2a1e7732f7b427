package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"nightlobster/internal/domain"
)

// SQLQueue stores jobs in the jobs table of the main database.
type SQLQueue struct {
	DB  *sql.DB
	Now func() time.Time
}

func (q SQLQueue) now() string {
	if q.Now != nil {
		return domain.FormatTime(q.Now())
	}
	return domain.FormatTime(time.Now())
}

func (q SQLQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if err := job.validate(); err != nil {
		return false, err
	}
	now := q.now()
	res, err := q.DB.ExecContext(ctx, `INSERT INTO jobs(id,run_id,status,attempts,enqueued_at,updated_at) VALUES (?,?,?,0,?,?)
		ON CONFLICT(id) DO NOTHING`, job.ID, job.RunID, StatusQueued, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Claim marks the oldest queued job active in one statement.
func (q SQLQueue) Claim(ctx context.Context) (Job, bool, error) {
	var job Job
	err := q.DB.QueryRowContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, updated_at=?
		WHERE id=(SELECT id FROM jobs WHERE status=? ORDER BY enqueued_at ASC, id ASC LIMIT 1)
		RETURNING id, run_id`, StatusActive, q.now(), StatusQueued).Scan(&job.ID, &job.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q SQLQueue) Complete(ctx context.Context, job Job) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, StatusCompleted, q.now(), job.ID)
	return err
}

func (q SQLQueue) Fail(ctx context.Context, job Job, cause error) error {
	var text any
	if cause != nil {
		text = cause.Error()
	}
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, error_text=?, updated_at=? WHERE id=?`, StatusFailed, text, q.now(), job.ID)
	return err
}

// Status returns a job's stored state, "" when unknown.
func (q SQLQueue) Status(ctx context.Context, id string) (string, error) {
	var status string
	err := q.DB.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

// FailStale marks jobs failed that have been active since before cutoff,
// which happens when a worker process dies mid-run. It returns the jobs it
// released.
func (q SQLQueue) FailStale(ctx context.Context, cutoff time.Time, cause error) ([]Job, error) {
	text := "worker stopped before the job finished"
	if cause != nil {
		text = cause.Error()
	}
	rows, err := q.DB.QueryContext(ctx, `UPDATE jobs SET status=?, error_text=?, updated_at=?
		WHERE status=? AND updated_at<? RETURNING id, run_id`,
		StatusFailed, text, q.now(), StatusActive, domain.FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.RunID); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
