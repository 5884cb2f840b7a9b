// Package version keeps the immutable history of document content. Versions
// are content addressed: every row carries a SHA-256 of its content, numbering is
// gapless per document, and restores append rather than rewrite.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/store"
	"masthead/internal/util"
)

const (
	TypeAuto    = "auto"
	TypeManual  = "manual"
	TypePublish = "publish"
	TypeRestore = "restore"
)

// createAttempts bounds the insert retry loop when concurrent writers race
// for the same version number.
const createAttempts = 3

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrVersionNotFound      = errors.New("version not found")
	ErrVersionConflict      = errors.New("version numbering conflicted repeatedly; retry the operation")
	ErrCrossDocumentCompare = errors.New("compared versions belong to different documents")
	ErrUnknownVersionType   = errors.New("unknown version type")
	ErrUnknownFormat        = errors.New("unknown document format")
)

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	UpdateDocumentContent(ctx context.Context, sc store.SiteContext, documentID, title, content, format, updatedBy string) error
	InsertVersion(ctx context.Context, v store.Version) error
	LatestVersion(ctx context.Context, sc store.SiteContext, documentID string) (*store.Version, error)
	GetVersion(ctx context.Context, sc store.SiteContext, versionID string) (store.Version, error)
	ListVersions(ctx context.Context, sc store.SiteContext, documentID string, limit, offset int) ([]store.VersionSummary, error)
}

type Service struct {
	store dataStore
	sink  audit.Sink
	log   *zap.SugaredLogger
}

func New(st dataStore, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{store: st, sink: sink, log: log}
}

type CreateInput struct {
	DocumentID string
	Type       string
	Label      string
	Notes      string
	Metadata   map[string]string
	Actor      auth.Actor
}

// Create snapshots the live document. Auto saves deduplicate: when the
// content hash matches the latest version the call returns (nil, nil) and no
// row is written. Manual, publish and restore versions always append.
func (s *Service) Create(ctx context.Context, sc store.SiteContext, input CreateInput) (*store.Version, error) {
	switch input.Type {
	case TypeAuto, TypeManual, TypePublish, TypeRestore:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersionType, input.Type)
	}

	doc, err := s.store.GetDocument(ctx, sc, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("load document: %w", err)
	}

	created, err := s.snapshot(ctx, sc, doc, input)
	if err != nil || created == nil {
		return created, err
	}

	s.recordCreated(ctx, doc, input.Actor, created)
	return created, nil
}

func (s *Service) recordCreated(ctx context.Context, doc store.Document, actor auth.Actor, created *store.Version) {
	s.sink.Record(ctx, audit.Entry{
		SiteID:       doc.SiteID,
		Action:       "version.create",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   doc.ID,
		Metadata: map[string]string{
			"version_id":   created.ID,
			"version":      fmt.Sprintf("%d", created.VersionNumber),
			"version_type": created.VersionType,
		},
	})
}

// UpdateContentInput carries an autosave. Blank title and format keep the
// document's current values; content is applied as given, an explicit clear
// included.
type UpdateContentInput struct {
	DocumentID string
	Title      string
	Content    string
	Format     string
	Actor      auth.Actor
}

// UpdateContent applies an autosave to the live document and snapshots the
// result as an auto version. Saves that leave the content hash unchanged
// update the document row but append no version row.
func (s *Service) UpdateContent(ctx context.Context, sc store.SiteContext, input UpdateContentInput) (store.Document, *store.Version, error) {
	doc, err := s.store.GetDocument(ctx, sc, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, nil, ErrDocumentNotFound
		}
		return store.Document{}, nil, fmt.Errorf("load document: %w", err)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = doc.Title
	}
	format := input.Format
	if format == "" {
		format = doc.Format
	}
	switch format {
	case "markdown", "html":
	default:
		return store.Document{}, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err := s.store.UpdateDocumentContent(ctx, sc, doc.ID, title, input.Content, format, input.Actor.Email); err != nil {
		return store.Document{}, nil, fmt.Errorf("apply content: %w", err)
	}

	doc.Title = title
	doc.Content = input.Content
	doc.Format = format
	doc.UpdatedBy = input.Actor.Email
	doc.UpdatedAt = time.Now().UTC()

	created, err := s.snapshot(ctx, sc, doc, CreateInput{DocumentID: doc.ID, Type: TypeAuto, Actor: input.Actor})
	if err != nil {
		return doc, nil, err
	}
	if created != nil {
		s.recordCreated(ctx, doc, input.Actor, created)
	}
	return doc, created, nil
}

// snapshot builds and inserts the row, retrying on a lost numbering race.
func (s *Service) snapshot(ctx context.Context, sc store.SiteContext, doc store.Document, input CreateInput) (*store.Version, error) {
	hash := util.HashContent(doc.Content)

	for attempt := 0; attempt < createAttempts; attempt++ {
		latest, err := s.store.LatestVersion(ctx, sc, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("find latest version: %w", err)
		}

		if input.Type == TypeAuto && latest != nil && latest.ContentHash == hash {
			return nil, nil
		}

		number := 1
		var previousID *string
		if latest != nil {
			number = latest.VersionNumber + 1
			id := latest.ID
			previousID = &id
		}

		v := store.Version{
			ID:                util.NewID("ver"),
			SiteID:            doc.SiteID,
			DocumentID:        doc.ID,
			VersionNumber:     number,
			Title:             doc.Title,
			Content:           doc.Content,
			ContentHash:       hash,
			Format:            doc.Format,
			Metadata:          input.Metadata,
			VersionType:       input.Type,
			Label:             input.Label,
			Notes:             input.Notes,
			PreviousVersionID: previousID,
			CreatedByID:       input.Actor.ID,
			CreatedByEmail:    input.Actor.Email,
			CreatedAt:         time.Now().UTC(),
		}

		err = s.store.InsertVersion(ctx, v)
		if err == nil {
			return &v, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		s.log.Debugw("version number taken, retrying", "document_id", doc.ID, "number", number, "attempt", attempt+1)
	}
	return nil, ErrVersionConflict
}

func (s *Service) List(ctx context.Context, sc store.SiteContext, documentID string, limit, offset int) ([]store.VersionSummary, error) {
	return s.store.ListVersions(ctx, sc, documentID, limit, offset)
}

func (s *Service) Get(ctx context.Context, sc store.SiteContext, versionID string) (store.Version, error) {
	v, err := s.store.GetVersion(ctx, sc, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, ErrVersionNotFound
		}
		return store.Version{}, fmt.Errorf("load version: %w", err)
	}
	return v, nil
}

// FieldChange describes one changed scalar between two versions.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Diff lists what changed between an earlier and a later version. Content is
// compared whole; metadata key by key.
type Diff struct {
	DocumentID      string        `json:"document_id"`
	BeforeID        string        `json:"before_id"`
	AfterID         string        `json:"after_id"`
	BeforeNumber    int           `json:"before_number"`
	AfterNumber     int           `json:"after_number"`
	TitleChanged    bool          `json:"title_changed"`
	ContentChanged  bool          `json:"content_changed"`
	FormatChanged   bool          `json:"format_changed"`
	Fields          []FieldChange `json:"fields"`
	MetadataAdded   []string      `json:"metadata_added"`
	MetadataRemoved []string      `json:"metadata_removed"`
	MetadataChanged []string      `json:"metadata_changed"`
}

// Compare orders the two versions by creation time, older first, so callers
// can pass ids in either order.
func (s *Service) Compare(ctx context.Context, sc store.SiteContext, firstID, secondID string) (Diff, error) {
	first, err := s.Get(ctx, sc, firstID)
	if err != nil {
		return Diff{}, err
	}
	second, err := s.Get(ctx, sc, secondID)
	if err != nil {
		return Diff{}, err
	}
	if first.DocumentID != second.DocumentID {
		return Diff{}, ErrCrossDocumentCompare
	}

	before, after := first, second
	if after.CreatedAt.Before(before.CreatedAt) {
		before, after = after, before
	}

	diff := Diff{
		DocumentID:   before.DocumentID,
		BeforeID:     before.ID,
		AfterID:      after.ID,
		BeforeNumber: before.VersionNumber,
		AfterNumber:  after.VersionNumber,
	}
	if before.Title != after.Title {
		diff.TitleChanged = true
		diff.Fields = append(diff.Fields, FieldChange{Field: "title", Before: before.Title, After: after.Title})
	}
	if before.ContentHash != after.ContentHash {
		diff.ContentChanged = true
	}
	if before.Format != after.Format {
		diff.FormatChanged = true
		diff.Fields = append(diff.Fields, FieldChange{Field: "format", Before: before.Format, After: after.Format})
	}

	for key, afterValue := range after.Metadata {
		beforeValue, ok := before.Metadata[key]
		switch {
		case !ok:
			diff.MetadataAdded = append(diff.MetadataAdded, key)
		case beforeValue != afterValue:
			diff.MetadataChanged = append(diff.MetadataChanged, key)
		}
	}
	for key := range before.Metadata {
		if _, ok := after.Metadata[key]; !ok {
			diff.MetadataRemoved = append(diff.MetadataRemoved, key)
		}
	}
	return diff, nil
}

// Restore brings back an old version by appending a new restore-typed version
// and pointing the live document at that content. History is never rewritten.
func (s *Service) Restore(ctx context.Context, sc store.SiteContext, versionID string, actor auth.Actor) (*store.Version, error) {
	target, err := s.Get(ctx, sc, versionID)
	if err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, sc, target.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("load document: %w", err)
	}

	if err := s.store.UpdateDocumentContent(ctx, sc, doc.ID, target.Title, target.Content, target.Format, actor.Email); err != nil {
		return nil, fmt.Errorf("apply restored content: %w", err)
	}

	// Snapshot the document as it stands after the restore.
	doc.Title = target.Title
	doc.Content = target.Content
	doc.Format = target.Format
	restored, err := s.snapshot(ctx, sc, doc, CreateInput{
		DocumentID: doc.ID,
		Type:       TypeRestore,
		Notes:      fmt.Sprintf("restored from version %d", target.VersionNumber),
		Metadata:   target.Metadata,
		Actor:      actor,
	})
	if err != nil {
		return nil, err
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       doc.SiteID,
		Action:       "version.restore",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   doc.ID,
		Metadata: map[string]string{
			"restored_from": target.ID,
			"source_number": fmt.Sprintf("%d", target.VersionNumber),
			"version":       fmt.Sprintf("%d", restored.VersionNumber),
		},
	})
	return restored, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
