// Package search serves full-text queries over published documents.
// Meilisearch is the primary engine when configured and healthy; Postgres
// full-text search is the always-available fallback. Indexing is fire and
// forget so a slow or absent engine never blocks publication.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	SiteID  string `json:"site_id"`
	Format  string `json:"format"`
}

// Query describes a search request. SiteID scopes hits to one tenant and is
// set on every site-scoped route.
type Query struct {
	Text   string
	SiteID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push published documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a published document.
type DocumentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	SiteID      string `json:"siteId"`
	Format      string `json:"format"`
	Status      string `json:"status"`
	PublishedAt string `json:"publishedAt,omitempty"`
}
