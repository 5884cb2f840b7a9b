package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const previewColumns = `id, site_id, document_id, name, token, content_snapshot, title_snapshot, format_snapshot, password_hash, COALESCE(allowed_emails::text, '[]'), max_views, view_count, expires_at, status, created_by, created_at, revoked_at, COALESCE(revoked_by, ''), last_viewed_at`

func scanPreview(row interface{ Scan(...any) error }) (Preview, error) {
	var p Preview
	var emailsRaw []byte
	err := row.Scan(
		&p.ID,
		&p.SiteID,
		&p.DocumentID,
		&p.Name,
		&p.Token,
		&p.ContentSnapshot,
		&p.TitleSnapshot,
		&p.FormatSnapshot,
		&p.PasswordHash,
		&emailsRaw,
		&p.MaxViews,
		&p.ViewCount,
		&p.ExpiresAt,
		&p.Status,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.RevokedAt,
		&p.RevokedBy,
		&p.LastViewedAt,
	)
	if err != nil {
		return Preview{}, err
	}
	_ = json.Unmarshal(emailsRaw, &p.AllowedEmails)
	return p, nil
}

func (s *Store) InsertPreview(ctx context.Context, p Preview) error {
	emails := p.AllowedEmails
	if emails == nil {
		emails = []string{}
	}
	encoded, err := json.Marshal(emails)
	if err != nil {
		return fmt.Errorf("marshal allowed emails: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO previews (id, site_id, document_id, name, token, content_snapshot, title_snapshot, format_snapshot, password_hash, allowed_emails, max_views, expires_at, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14)
	`, p.ID, p.SiteID, p.DocumentID, p.Name, p.Token, p.ContentSnapshot, p.TitleSnapshot, p.FormatSnapshot, p.PasswordHash, string(encoded), p.MaxViews, p.ExpiresAt, p.Status, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert preview: %w", err)
	}
	return nil
}

func (s *Store) GetPreview(ctx context.Context, sc SiteContext, previewID string) (Preview, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+previewColumns+` FROM previews WHERE id=$1`, "", previewID)
	if err != nil {
		return Preview{}, err
	}
	return scanPreview(row)
}

// GetPreviewByToken serves the anonymous viewer path. The token is the
// credential, so the lookup is deliberately unscoped.
func (s *Store) GetPreviewByToken(ctx context.Context, token string) (Preview, error) {
	row := s.UnscopedFirst(ctx, `
		SELECT `+previewColumns+` FROM previews WHERE token=$1`, token)
	return scanPreview(row)
}

func (s *Store) ListPreviews(ctx context.Context, sc SiteContext, documentID string, limit int) ([]Preview, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT `+previewColumns+` FROM previews
		WHERE ($1='' OR document_id=$1)`, "ORDER BY created_at DESC LIMIT $2", documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer rows.Close()

	items := make([]Preview, 0)
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preview: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate previews: %w", err)
	}
	return items, nil
}

// RevokePreviewIfActive is one way; revoking twice reports false.
func (s *Store) RevokePreviewIfActive(ctx context.Context, sc SiteContext, previewID, revokedBy string) (bool, error) {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE previews SET status='revoked', revoked_at=NOW(), revoked_by=$2
		WHERE id=$1 AND status='active'`, previewID, revokedBy)
	if err != nil {
		return false, fmt.Errorf("revoke preview: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IncrementPreviewViews adds exactly one view and returns the new count.
func (s *Store) IncrementPreviewViews(ctx context.Context, previewID string) (int, error) {
	var count int
	err := s.UnscopedFirst(ctx, `
		UPDATE previews SET view_count=view_count+1, last_viewed_at=NOW()
		WHERE id=$1
		RETURNING view_count`, previewID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment preview views: %w", err)
	}
	return count, nil
}

func (s *Store) InsertPreviewFeedback(ctx context.Context, f PreviewFeedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preview_feedback (id, preview_id, parent_id, kind, body, author_name, author_email, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, f.PreviewID, f.ParentID, f.Kind, f.Body, f.AuthorName, f.AuthorEmail, f.Status)
	if err != nil {
		return fmt.Errorf("insert preview feedback: %w", err)
	}
	return nil
}

func (s *Store) ListPreviewFeedback(ctx context.Context, previewID string) ([]PreviewFeedback, error) {
	rows, err := s.UnscopedAll(ctx, `
		SELECT id, preview_id, parent_id, kind, body, author_name, author_email, status, created_at, resolved_at, COALESCE(resolved_by, '')
		FROM preview_feedback
		WHERE preview_id=$1
		ORDER BY created_at
	`, previewID)
	if err != nil {
		return nil, fmt.Errorf("list preview feedback: %w", err)
	}
	defer rows.Close()

	items := make([]PreviewFeedback, 0)
	for rows.Next() {
		var f PreviewFeedback
		if err := rows.Scan(&f.ID, &f.PreviewID, &f.ParentID, &f.Kind, &f.Body, &f.AuthorName, &f.AuthorEmail, &f.Status, &f.CreatedAt, &f.ResolvedAt, &f.ResolvedBy); err != nil {
			return nil, fmt.Errorf("scan preview feedback: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preview feedback: %w", err)
	}
	return items, nil
}

func (s *Store) GetPreviewFeedback(ctx context.Context, feedbackID string) (PreviewFeedback, error) {
	var f PreviewFeedback
	err := s.UnscopedFirst(ctx, `
		SELECT id, preview_id, parent_id, kind, body, author_name, author_email, status, created_at, resolved_at, COALESCE(resolved_by, '')
		FROM preview_feedback WHERE id=$1
	`, feedbackID).Scan(&f.ID, &f.PreviewID, &f.ParentID, &f.Kind, &f.Body, &f.AuthorName, &f.AuthorEmail, &f.Status, &f.CreatedAt, &f.ResolvedAt, &f.ResolvedBy)
	if err != nil {
		return PreviewFeedback{}, err
	}
	return f, nil
}

func (s *Store) SetPreviewFeedbackStatus(ctx context.Context, feedbackID, status, resolvedBy string) error {
	res, err := s.UnscopedExec(ctx, `
		UPDATE preview_feedback SET status=$2, resolved_at=NOW(), resolved_by=$3
		WHERE id=$1 AND status='open'`, feedbackID, status, resolvedBy)
	if err != nil {
		return fmt.Errorf("set feedback status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
