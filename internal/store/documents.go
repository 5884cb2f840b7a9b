package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) InsertSite(ctx context.Context, site Site) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, name, slug)
		VALUES ($1, $2, $3)
	`, site.ID, site.Name, site.Slug)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

func (s *Store) GetSite(ctx context.Context, siteID string) (Site, error) {
	var site Site
	err := s.UnscopedFirst(ctx, `
		SELECT id, name, slug, created_at FROM sites WHERE id=$1
	`, siteID).Scan(&site.ID, &site.Name, &site.Slug, &site.CreatedAt)
	if err != nil {
		return Site{}, err
	}
	return site, nil
}

func (s *Store) ListSites(ctx context.Context) ([]Site, error) {
	rows, err := s.UnscopedAll(ctx, `SELECT id, name, slug, created_at FROM sites ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	items := make([]Site, 0)
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Slug, &site.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		items = append(items, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return items, nil
}

const documentColumns = `id, site_id, title, content, format, status, embargo_until, published_at, created_by, updated_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	err := row.Scan(
		&item.ID,
		&item.SiteID,
		&item.Title,
		&item.Content,
		&item.Format,
		&item.Status,
		&item.EmbargoUntil,
		&item.PublishedAt,
		&item.CreatedBy,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *Store) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, site_id, title, content, format, status, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.SiteID, item.Title, item.Content, item.Format, item.Status, item.CreatedBy, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, sc SiteContext, documentID string) (Document, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+documentColumns+` FROM documents WHERE id=$1`, "", documentID)
	if err != nil {
		return Document{}, err
	}
	return scanDocument(row)
}

func (s *Store) ListDocuments(ctx context.Context, sc SiteContext, status string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT `+documentColumns+` FROM documents WHERE ($1='' OR status=$1)`,
		"ORDER BY updated_at DESC LIMIT $2 OFFSET $3", status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *Store) UpdateDocumentContent(ctx context.Context, sc SiteContext, documentID, title, content, format, updatedBy string) error {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE documents
		SET title=$2, content=$3, format=$4, updated_by=$5, updated_at=NOW()
		WHERE id=$1`, documentID, title, content, format, updatedBy)
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, sc SiteContext, documentID, status string, publishedAt *time.Time, updatedBy string) error {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE documents
		SET status=$2, published_at=$3, updated_by=$4, updated_at=NOW()
		WHERE id=$1`, documentID, status, publishedAt, updatedBy)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetDocumentEmbargo(ctx context.Context, sc SiteContext, documentID string, until *time.Time) error {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE documents SET embargo_until=$2, updated_at=NOW() WHERE id=$1`, documentID, until)
	if err != nil {
		return fmt.Errorf("set document embargo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
