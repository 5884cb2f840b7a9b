package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const versionColumns = `id, site_id, document_id, version_number, title, content, content_hash, format, COALESCE(metadata::text, '{}'), version_type, label, notes, previous_version_id, created_by_id, created_by_email, created_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var v Version
	var metadataRaw []byte
	err := row.Scan(
		&v.ID,
		&v.SiteID,
		&v.DocumentID,
		&v.VersionNumber,
		&v.Title,
		&v.Content,
		&v.ContentHash,
		&v.Format,
		&metadataRaw,
		&v.VersionType,
		&v.Label,
		&v.Notes,
		&v.PreviousVersionID,
		&v.CreatedByID,
		&v.CreatedByEmail,
		&v.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	_ = json.Unmarshal(metadataRaw, &v.Metadata)
	return v, nil
}

// InsertVersion appends one version row. The unique (document_id,
// version_number) index backs the gapless numbering contract; callers inspect
// the wrapped error for a unique violation and retry with a fresh number.
func (s *Store) InsertVersion(ctx context.Context, v Version) error {
	metadata := v.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal version metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_versions (id, site_id, document_id, version_number, title, content, content_hash, format, metadata, version_type, label, notes, previous_version_id, created_by_id, created_by_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15)
	`, v.ID, v.SiteID, v.DocumentID, v.VersionNumber, v.Title, v.Content, v.ContentHash, v.Format, string(encoded), v.VersionType, v.Label, v.Notes, v.PreviousVersionID, v.CreatedByID, v.CreatedByEmail)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// LatestVersion returns the highest-numbered version or nil when the document
// has none yet.
func (s *Store) LatestVersion(ctx context.Context, sc SiteContext, documentID string) (*Version, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1`,
		"ORDER BY version_number DESC LIMIT 1", documentID)
	if err != nil {
		return nil, err
	}
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &v, nil
}

func (s *Store) GetVersion(ctx context.Context, sc SiteContext, versionID string) (Version, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+versionColumns+` FROM document_versions WHERE id=$1`, "", versionID)
	if err != nil {
		return Version{}, err
	}
	return scanVersion(row)
}

func (s *Store) GetVersionByNumber(ctx context.Context, sc SiteContext, documentID string, number int) (Version, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1 AND version_number=$2`, "", documentID, number)
	if err != nil {
		return Version{}, err
	}
	return scanVersion(row)
}

func (s *Store) ListVersions(ctx context.Context, sc SiteContext, documentID string, limit, offset int) ([]VersionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT id, document_id, version_number, title, content_hash, version_type, label, created_by_email, created_at
		FROM document_versions
		WHERE document_id=$1`, "ORDER BY version_number DESC LIMIT $2 OFFSET $3", documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionSummary, 0)
	for rows.Next() {
		var item VersionSummary
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.VersionNumber, &item.Title, &item.ContentHash, &item.VersionType, &item.Label, &item.CreatedByEmail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *Store) CountVersions(ctx context.Context, sc SiteContext, documentID string) (int, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT COUNT(*) FROM document_versions WHERE document_id=$1`, "", documentID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return count, nil
}
