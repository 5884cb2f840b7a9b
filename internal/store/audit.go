package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertAuditEntry appends to the audit log. There is no update or delete
// path for this table.
func (s *Store) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (site_id, action, actor_id, actor_email, resource_type, resource_id, metadata, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, entry.SiteID, entry.Action, entry.ActorID, entry.ActorEmail, entry.ResourceType, entry.ResourceID, string(encoded), entry.Checksum, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, sc SiteContext, resourceType, resourceID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT id, site_id, action, actor_id, actor_email, resource_type, resource_id, COALESCE(metadata::text, '{}'), checksum, created_at
		FROM audit_log
		WHERE ($1='' OR resource_type=$1) AND ($2='' OR resource_id=$2)`,
		"ORDER BY id DESC LIMIT $3", resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// ListAuditAfter walks the whole log in id order for the integrity pass; it
// crosses sites and is admin-only.
func (s *Store) ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.UnscopedAll(ctx, `
		SELECT id, site_id, action, actor_id, actor_email, resource_type, resource_id, COALESCE(metadata::text, '{}'), checksum, created_at
		FROM audit_log
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("walk audit entries: %w", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]AuditEntry, error) {
	items := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var metadataRaw []byte
		if err := rows.Scan(&entry.ID, &entry.SiteID, &entry.Action, &entry.ActorID, &entry.ActorEmail, &entry.ResourceType, &entry.ResourceID, &metadataRaw, &entry.Checksum, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &entry.Metadata)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

func (s *Store) InsertAIUsage(ctx context.Context, usage AIUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage (site_id, action, locale, prompt_tokens, completion_tokens, duration_ms, success, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, usage.SiteID, usage.Action, usage.Locale, usage.PromptTokens, usage.CompletionTokens, usage.DurationMS, usage.Success, usage.ActorID)
	if err != nil {
		return fmt.Errorf("insert ai usage: %w", err)
	}
	return nil
}

func (s *Store) ListAIUsage(ctx context.Context, sc SiteContext, limit int) ([]AIUsage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT id, site_id, action, locale, prompt_tokens, completion_tokens, duration_ms, success, actor_id, created_at
		FROM ai_usage
		WHERE 1=1`, "ORDER BY id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list ai usage: %w", err)
	}
	defer rows.Close()

	items := make([]AIUsage, 0)
	for rows.Next() {
		var usage AIUsage
		if err := rows.Scan(&usage.ID, &usage.SiteID, &usage.Action, &usage.Locale, &usage.PromptTokens, &usage.CompletionTokens, &usage.DurationMS, &usage.Success, &usage.ActorID, &usage.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ai usage: %w", err)
		}
		items = append(items, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ai usage: %w", err)
	}
	return items, nil
}
