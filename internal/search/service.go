package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"masthead/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *zap.SugaredLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.SugaredLogger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warnw("meilisearch error, falling back to postgres", "error", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Errorw("postgres search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes one document into the index, fire and forget. Callers
// invoke it at publication; failures are logged and the publication stands.
func (s *Service) IndexDocument(doc store.Document) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := recordFor(doc)
	go func() {
		if err := s.meili.IndexDocument(rec); err != nil {
			s.log.Warnw("index document", "document_id", rec.ID, "error", err)
		}
	}()
}

// DeleteDocument removes a document from the index, fire and forget. Callers
// invoke it on unpublish and archive.
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			s.log.Warnw("delete document from index", "document_id", id, "error", err)
		}
	}()
}

// ReindexPublished pushes every published document from Postgres into
// Meilisearch. Called at startup when Meilisearch is healthy so the index
// catches up on anything published while it was down.
func (s *Service) ReindexPublished(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadPublished(ctx)
	if err != nil {
		s.log.Warnw("reindex load failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		s.log.Warnw("reindex push failed", "error", err)
	}
}

func recordFor(doc store.Document) DocumentRecord {
	rec := DocumentRecord{
		ID:      doc.ID,
		Title:   doc.Title,
		Content: doc.Content,
		SiteID:  doc.SiteID,
		Format:  doc.Format,
		Status:  doc.Status,
	}
	if doc.PublishedAt != nil {
		rec.PublishedAt = doc.PublishedAt.UTC().Format(time.RFC3339)
	}
	return rec
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
