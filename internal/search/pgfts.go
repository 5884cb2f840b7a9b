package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It reads the generated fts column on documents.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches published documents with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "d.status = 'published' AND d.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.SiteID != "" {
		where += fmt.Sprintf(" AND d.site_id = $%d", len(args)+1)
		args = append(args, q.SiteID)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM documents d WHERE %s", where)
	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('english', d.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			d.site_id, d.format,
			ts_rank(d.fts, plainto_tsquery('english', $1)) AS rank
		FROM documents d
		WHERE %s
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.SiteID, &r.Format, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadPublished returns every published document as an index record, for the
// startup reindex into Meilisearch.
func (p *PgFTS) LoadPublished(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, site_id, format, status, published_at
		FROM documents
		WHERE status = 'published'
	`)
	if err != nil {
		return nil, fmt.Errorf("load published documents: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var publishedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.SiteID, &d.Format, &d.Status, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if publishedAt.Valid {
			d.PublishedAt = publishedAt.Time.UTC().Format(time.RFC3339)
		}
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	return records, nil
}
