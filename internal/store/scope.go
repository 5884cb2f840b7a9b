package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrMissingSiteContext is returned when a tenant-scoped query runs without a
// site id. This is a programmer error surfaced loudly; scoped reads never
// degrade to empty results.
var ErrMissingSiteContext = errors.New("site context required for scoped query")

// SiteContext carries the tenant for one request. It is built per request and
// passed explicitly; it is never stored globally or persisted.
type SiteContext struct {
	siteID string
}

func SiteOnly(siteID string) SiteContext {
	return SiteContext{siteID: siteID}
}

func NoSite() SiteContext {
	return SiteContext{}
}

func (c SiteContext) Site() (string, bool) {
	return c.siteID, c.siteID != ""
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SiteFirst runs a single-row query with the tenant predicate appended. The
// query must end inside its WHERE clause; tail holds ORDER BY / LIMIT and may
// be empty. Row scanning stays with the caller.
func (s *Store) SiteFirst(ctx context.Context, sc SiteContext, query, tail string, args ...any) (*sql.Row, error) {
	scoped, scopedArgs, err := scope(sc, query, tail, args)
	if err != nil {
		return nil, err
	}
	return s.db.QueryRowContext(ctx, scoped, scopedArgs...), nil
}

// SiteAll is SiteFirst for multi-row queries.
func (s *Store) SiteAll(ctx context.Context, sc SiteContext, query, tail string, args ...any) (*sql.Rows, error) {
	scoped, scopedArgs, err := scope(sc, query, tail, args)
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, scoped, scopedArgs...)
}

// SiteExec runs an UPDATE or DELETE with the tenant predicate appended.
func (s *Store) SiteExec(ctx context.Context, sc SiteContext, query string, args ...any) (sql.Result, error) {
	scoped, scopedArgs, err := scope(sc, query, "", args)
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, scoped, scopedArgs...)
}

// SiteOrGlobalFirst matches a row owned by the site or shared globally
// (site_id IS NULL). Workflow definition templates use this.
func (s *Store) SiteOrGlobalFirst(ctx context.Context, sc SiteContext, query, tail string, args ...any) (*sql.Row, error) {
	scoped, scopedArgs, err := scopeOrGlobal(sc, query, tail, args)
	if err != nil {
		return nil, err
	}
	return s.db.QueryRowContext(ctx, scoped, scopedArgs...), nil
}

// SiteOrGlobalAll is SiteOrGlobalFirst for multi-row queries.
func (s *Store) SiteOrGlobalAll(ctx context.Context, sc SiteContext, query, tail string, args ...any) (*sql.Rows, error) {
	scoped, scopedArgs, err := scopeOrGlobal(sc, query, tail, args)
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, scoped, scopedArgs...)
}

// Unscoped variants bypass tenant scoping. They exist for cross-tenant paths
// only: token-keyed preview lookups, the scheduler poll loop, and admin
// tooling. Callers are expected to be obvious at the call site.

func (s *Store) UnscopedFirst(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *Store) UnscopedAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) UnscopedExec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func scope(sc SiteContext, query, tail string, args []any) (string, []any, error) {
	siteID, ok := sc.Site()
	if !ok {
		return "", nil, ErrMissingSiteContext
	}
	n := len(args) + 1
	scoped := fmt.Sprintf("%s AND site_id=$%d", query, n)
	if tail != "" {
		scoped += " " + tail
	}
	return scoped, append(args, siteID), nil
}

func scopeOrGlobal(sc SiteContext, query, tail string, args []any) (string, []any, error) {
	siteID, ok := sc.Site()
	if !ok {
		return "", nil, ErrMissingSiteContext
	}
	n := len(args) + 1
	scoped := fmt.Sprintf("%s AND (site_id=$%d OR site_id IS NULL)", query, n)
	if tail != "" {
		scoped += " " + tail
	}
	return scoped, append(args, siteID), nil
}
