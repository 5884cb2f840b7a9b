package store

import (
	"context"
	"fmt"
	"time"
)

const jobColumns = `id, site_id, document_id, action, scheduled_at, timezone, status, retry_count, is_embargo, notes, last_error, created_by, created_at, updated_at, processed_at`

func scanJob(row interface{ Scan(...any) error }) (ScheduledJob, error) {
	var job ScheduledJob
	err := row.Scan(
		&job.ID,
		&job.SiteID,
		&job.DocumentID,
		&job.Action,
		&job.ScheduledAt,
		&job.Timezone,
		&job.Status,
		&job.RetryCount,
		&job.IsEmbargo,
		&job.Notes,
		&job.LastError,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ProcessedAt,
	)
	return job, err
}

func (s *Store) InsertScheduledJob(ctx context.Context, job ScheduledJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, site_id, document_id, action, scheduled_at, timezone, status, is_embargo, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.SiteID, job.DocumentID, job.Action, job.ScheduledAt, job.Timezone, job.Status, job.IsEmbargo, job.Notes, job.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert scheduled job: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledJob(ctx context.Context, sc SiteContext, jobID string) (ScheduledJob, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=$1`, "", jobID)
	if err != nil {
		return ScheduledJob{}, err
	}
	return scanJob(row)
}

func (s *Store) ListScheduledJobs(ctx context.Context, sc SiteContext, documentID, status string, limit int) ([]ScheduledJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE ($1='' OR document_id=$1) AND ($2='' OR status=$2)`,
		"ORDER BY scheduled_at DESC LIMIT $3", documentID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled jobs: %w", err)
	}
	return items, nil
}

// PendingJob returns the pending job for (document, action) or nil. The
// partial unique index allows at most one such row.
func (s *Store) PendingJob(ctx context.Context, sc SiteContext, documentID, action string) (*ScheduledJob, error) {
	rows, err := s.SiteAll(ctx, sc, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE document_id=$1 AND action=$2 AND status='pending'`, "LIMIT 1", documentID, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("find pending job: %w", err)
		}
		return nil, nil
	}
	job, err := scanJob(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pending job: %w", err)
	}
	return &job, nil
}

// CancelJobIfPending flips a pending job to cancelled. Returns false when the
// job already left the pending state.
func (s *Store) CancelJobIfPending(ctx context.Context, sc SiteContext, jobID string) (bool, error) {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE scheduled_jobs SET status='cancelled', updated_at=NOW()
		WHERE id=$1 AND status='pending'`, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel scheduled job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DueJobs spans all sites: the poll loop claims work before any tenant
// context exists. Effects are applied under the owning job's site.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]ScheduledJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.UnscopedAll(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status='pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		items = append(items, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return items, nil
}

// ClaimJob moves pending to processing. Exactly one concurrent caller wins;
// the rest observe false and skip the job.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.UnscopedExec(ctx, `
		UPDATE scheduled_jobs SET status='processing', updated_at=NOW()
		WHERE id=$1 AND status='pending'`, jobID)
	if err != nil {
		return false, fmt.Errorf("claim scheduled job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.UnscopedExec(ctx, `
		UPDATE scheduled_jobs SET status='completed', processed_at=NOW(), updated_at=NOW()
		WHERE id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("complete scheduled job: %w", err)
	}
	return nil
}

// ReleaseJobForRetry puts a failed attempt back in the pending pool with the
// recorded error; the retry cap lives with the caller.
func (s *Store) ReleaseJobForRetry(ctx context.Context, jobID, lastError string) error {
	_, err := s.UnscopedExec(ctx, `
		UPDATE scheduled_jobs SET status='pending', retry_count=retry_count+1, last_error=$2, updated_at=NOW()
		WHERE id=$1`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("release scheduled job: %w", err)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID, lastError string) error {
	_, err := s.UnscopedExec(ctx, `
		UPDATE scheduled_jobs SET status='failed', retry_count=retry_count+1, last_error=$2, processed_at=NOW(), updated_at=NOW()
		WHERE id=$1`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("fail scheduled job: %w", err)
	}
	return nil
}
