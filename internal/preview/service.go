// Package preview shares unpublished content through expiring tokened links.
// A preview freezes the document's content at creation, so the link a reviewer
// holds never shifts underneath them, and the token is the only credential:
// optional password, email allowlist and view caps narrow it further. Access
// checks fail closed in a fixed order.
package preview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/notify"
	"masthead/internal/store"
	"masthead/internal/util"
)

const (
	FeedbackComment  = "comment"
	FeedbackIssue    = "issue"
	FeedbackApproval = "approval"
)

// tokenBytes is the entropy of a preview token; 32 bytes is 256 bits.
const tokenBytes = 32

var (
	ErrDocumentNotFound      = errors.New("document not found")
	ErrPreviewNotFound       = errors.New("preview not found")
	ErrPreviewRevoked        = errors.New("preview has been revoked")
	ErrPreviewExpired        = errors.New("preview has expired")
	ErrViewLimitReached      = errors.New("preview view limit reached")
	ErrPasswordRequired      = errors.New("password required")
	ErrInvalidPassword       = errors.New("invalid password")
	ErrEmailRequired         = errors.New("email required")
	ErrEmailNotAllowed       = errors.New("email not on the allowed list")
	ErrInvalidLifetime       = errors.New("preview lifetime must be positive")
	ErrInvalidViewLimit      = errors.New("view limit cannot be negative")
	ErrUnknownFeedbackKind   = errors.New("unknown feedback kind")
	ErrUnknownFeedbackStatus = errors.New("unknown feedback status")
	ErrEmptyFeedback         = errors.New("feedback body is required")
	ErrFeedbackNotFound      = errors.New("feedback not found")
	ErrFeedbackClosed        = errors.New("feedback is not open")
)

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)

	InsertPreview(ctx context.Context, p store.Preview) error
	GetPreview(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error)
	GetPreviewByToken(ctx context.Context, token string) (store.Preview, error)
	ListPreviews(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.Preview, error)
	RevokePreviewIfActive(ctx context.Context, sc store.SiteContext, previewID, revokedBy string) (bool, error)
	IncrementPreviewViews(ctx context.Context, previewID string) (int, error)

	InsertPreviewFeedback(ctx context.Context, f store.PreviewFeedback) error
	ListPreviewFeedback(ctx context.Context, previewID string) ([]store.PreviewFeedback, error)
	GetPreviewFeedback(ctx context.Context, feedbackID string) (store.PreviewFeedback, error)
	SetPreviewFeedbackStatus(ctx context.Context, feedbackID, status, resolvedBy string) error
}

// mailer sends reviewer invitations. Delivery is best effort and never blocks
// or fails preview creation.
type mailer interface {
	IsConfigured() bool
	SendPreviewInvite(to, documentTitle, inviterName, previewURL string, expiresAt time.Time, hasPassword bool) error
}

type Service struct {
	store    dataStore
	mailer   mailer
	notifier notify.Dispatcher
	sink     audit.Sink
	linkBase string
	log      *zap.SugaredLogger
}

// New wires the preview service. mailer and notifier may be nil; linkBase is
// the public URL previews are served under, used only in invitations.
func New(st dataStore, mail mailer, notifier notify.Dispatcher, sink audit.Sink, linkBase string, log *zap.SugaredLogger) *Service {
	return &Service{store: st, mailer: mail, notifier: notifier, sink: sink, linkBase: linkBase, log: log}
}

type CreateInput struct {
	DocumentID    string
	Name          string
	TTL           time.Duration
	Password      string
	AllowedEmails []string
	MaxViews      int
	Actor         auth.Actor
}

// Create snapshots the document and issues a fresh token. The snapshot is
// immutable from here on; later edits to the document never reach the link.
func (s *Service) Create(ctx context.Context, sc store.SiteContext, input CreateInput) (store.Preview, error) {
	if input.TTL <= 0 {
		return store.Preview{}, ErrInvalidLifetime
	}
	if input.MaxViews < 0 {
		return store.Preview{}, ErrInvalidViewLimit
	}

	doc, err := s.store.GetDocument(ctx, sc, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Preview{}, ErrDocumentNotFound
		}
		return store.Preview{}, fmt.Errorf("load document: %w", err)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = doc.Title
	}
	var passwordHash *string
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return store.Preview{}, fmt.Errorf("hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	p := store.Preview{
		ID:              util.NewID("prv"),
		SiteID:          doc.SiteID,
		DocumentID:      doc.ID,
		Name:            name,
		Token:           util.NewToken(tokenBytes),
		ContentSnapshot: doc.Content,
		TitleSnapshot:   doc.Title,
		FormatSnapshot:  doc.Format,
		PasswordHash:    passwordHash,
		AllowedEmails:   normalizeEmails(input.AllowedEmails),
		MaxViews:        input.MaxViews,
		ExpiresAt:       time.Now().UTC().Add(input.TTL),
		Status:          "active",
		CreatedBy:       input.Actor.Email,
	}
	if err := s.store.InsertPreview(ctx, p); err != nil {
		return store.Preview{}, fmt.Errorf("store preview: %w", err)
	}

	s.sendInvites(p, doc.Title, input.Actor)
	s.sink.Record(ctx, audit.Entry{
		SiteID:       p.SiteID,
		Action:       "preview.create",
		ActorID:      input.Actor.ID,
		ActorEmail:   input.Actor.Email,
		ResourceType: "preview",
		ResourceID:   p.ID,
		Metadata: map[string]string{
			"document_id": p.DocumentID,
			"expires_at":  p.ExpiresAt.Format(time.RFC3339),
			"max_views":   fmt.Sprintf("%d", p.MaxViews),
			"gated":       fmt.Sprintf("%t", p.PasswordHash != nil || len(p.AllowedEmails) > 0),
		},
	})
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventPreviewCreated,
			SiteID:     p.SiteID,
			DocumentID: p.DocumentID,
			Data:       map[string]string{"preview_id": p.ID, "expires_at": p.ExpiresAt.Format(time.RFC3339)},
		})
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error) {
	p, err := s.store.GetPreview(ctx, sc, previewID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Preview{}, ErrPreviewNotFound
		}
		return store.Preview{}, fmt.Errorf("load preview: %w", err)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.Preview, error) {
	return s.store.ListPreviews(ctx, sc, documentID, limit)
}

// Credentials are what an anonymous viewer presents at the access gate.
type Credentials struct {
	Password string
	Email    string
}

// Access is the viewer-facing slice of a preview: the frozen snapshot, never
// the live document.
type Access struct {
	PreviewID   string    `json:"preview_id"`
	SiteID      string    `json:"-"`
	DocumentID  string    `json:"-"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Format      string    `json:"format"`
	ExpiresAt   time.Time `json:"expires_at"`
	ViewerEmail string    `json:"-"`
}

// ValidateAccess runs the full gate: liveness first, then credentials. Every
// check fails closed; the frozen snapshot is only released when all pass.
func (s *Service) ValidateAccess(ctx context.Context, token string, creds Credentials) (Access, error) {
	p, err := s.loadByToken(ctx, token)
	if err != nil {
		return Access{}, err
	}
	if err := s.gate(p, &creds); err != nil {
		return Access{}, err
	}
	return access(p, strings.ToLower(strings.TrimSpace(creds.Email))), nil
}

// Resume re-checks liveness for a viewer who already cleared the credential
// gate this session. Revocation and expiry still bite; the password does not.
func (s *Service) Resume(ctx context.Context, token string) (Access, error) {
	p, err := s.loadByToken(ctx, token)
	if err != nil {
		return Access{}, err
	}
	if err := s.gate(p, nil); err != nil {
		return Access{}, err
	}
	return access(p, ""), nil
}

// RecordView adds exactly one view. Callers invoke it once per genuine
// content fetch, not per validation probe.
func (s *Service) RecordView(ctx context.Context, previewID string) (int, error) {
	count, err := s.store.IncrementPreviewViews(ctx, previewID)
	if err != nil {
		return 0, fmt.Errorf("record view: %w", err)
	}
	return count, nil
}

// Revoke is one way; there is no un-revoke.
func (s *Service) Revoke(ctx context.Context, sc store.SiteContext, previewID string, actor auth.Actor) error {
	p, err := s.store.GetPreview(ctx, sc, previewID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPreviewNotFound
		}
		return fmt.Errorf("load preview: %w", err)
	}
	ok, err := s.store.RevokePreviewIfActive(ctx, sc, previewID, actor.Email)
	if err != nil {
		return fmt.Errorf("revoke preview: %w", err)
	}
	if !ok {
		return ErrPreviewRevoked
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       p.SiteID,
		Action:       "preview.revoke",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "preview",
		ResourceID:   p.ID,
		Metadata:     map[string]string{"document_id": p.DocumentID},
	})
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventPreviewRevoked,
			SiteID:     p.SiteID,
			DocumentID: p.DocumentID,
			Data:       map[string]string{"preview_id": p.ID},
		})
	}
	return nil
}

type FeedbackInput struct {
	ParentID    *string
	Kind        string
	Body        string
	AuthorName  string
	AuthorEmail string
}

// AddFeedback attaches threaded reviewer feedback to a live preview. A
// revoked or expired preview no longer takes comments; the view cap does not
// apply here since feedback is not a content read.
func (s *Service) AddFeedback(ctx context.Context, token string, input FeedbackInput) (store.PreviewFeedback, error) {
	switch input.Kind {
	case FeedbackComment, FeedbackIssue, FeedbackApproval:
	default:
		return store.PreviewFeedback{}, fmt.Errorf("%w: %q", ErrUnknownFeedbackKind, input.Kind)
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return store.PreviewFeedback{}, ErrEmptyFeedback
	}

	p, err := s.loadByToken(ctx, token)
	if err != nil {
		return store.PreviewFeedback{}, err
	}
	if p.Status != "active" {
		return store.PreviewFeedback{}, ErrPreviewRevoked
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		return store.PreviewFeedback{}, ErrPreviewExpired
	}
	if input.ParentID != nil {
		parent, err := s.store.GetPreviewFeedback(ctx, *input.ParentID)
		if err != nil || parent.PreviewID != p.ID {
			return store.PreviewFeedback{}, ErrFeedbackNotFound
		}
	}

	f := store.PreviewFeedback{
		ID:          util.NewID("fbk"),
		PreviewID:   p.ID,
		ParentID:    input.ParentID,
		Kind:        input.Kind,
		Body:        body,
		AuthorName:  strings.TrimSpace(input.AuthorName),
		AuthorEmail: strings.ToLower(strings.TrimSpace(input.AuthorEmail)),
		Status:      "open",
	}
	if err := s.store.InsertPreviewFeedback(ctx, f); err != nil {
		return store.PreviewFeedback{}, fmt.Errorf("store feedback: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventPreviewFeedback,
			SiteID:     p.SiteID,
			DocumentID: p.DocumentID,
			Data:       map[string]string{"preview_id": p.ID, "feedback_id": f.ID, "kind": f.Kind},
		})
	}
	return f, nil
}

// ListFeedback serves both the editor view (scoped preview lookup first) and
// the viewer thread underneath a preview they already unlocked.
func (s *Service) ListFeedback(ctx context.Context, sc store.SiteContext, previewID string) ([]store.PreviewFeedback, error) {
	if _, err := s.store.GetPreview(ctx, sc, previewID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreviewNotFound
		}
		return nil, fmt.Errorf("load preview: %w", err)
	}
	return s.store.ListPreviewFeedback(ctx, previewID)
}

// FeedbackForToken lists the thread for an anonymous viewer; the caller must
// have validated access already.
func (s *Service) FeedbackForToken(ctx context.Context, token string) ([]store.PreviewFeedback, error) {
	p, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.store.ListPreviewFeedback(ctx, p.ID)
}

// SetFeedbackStatus resolves or dismisses one open feedback item.
func (s *Service) SetFeedbackStatus(ctx context.Context, sc store.SiteContext, feedbackID, status string, actor auth.Actor) error {
	if status != "resolved" && status != "dismissed" {
		return fmt.Errorf("%w: %q", ErrUnknownFeedbackStatus, status)
	}
	f, err := s.store.GetPreviewFeedback(ctx, feedbackID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFeedbackNotFound
		}
		return fmt.Errorf("load feedback: %w", err)
	}
	// Scoped preview lookup keeps cross-site feedback ids indistinguishable
	// from missing ones.
	p, err := s.store.GetPreview(ctx, sc, f.PreviewID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFeedbackNotFound
		}
		return fmt.Errorf("load preview: %w", err)
	}
	if err := s.store.SetPreviewFeedbackStatus(ctx, feedbackID, status, actor.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFeedbackClosed
		}
		return fmt.Errorf("set feedback status: %w", err)
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       p.SiteID,
		Action:       "preview.feedback." + status,
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "preview",
		ResourceID:   p.ID,
		Metadata:     map[string]string{"feedback_id": feedbackID},
	})
	return nil
}

func (s *Service) loadByToken(ctx context.Context, token string) (store.Preview, error) {
	p, err := s.store.GetPreviewByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Preview{}, ErrPreviewNotFound
		}
		return store.Preview{}, fmt.Errorf("load preview by token: %w", err)
	}
	return p, nil
}

// gate enforces the access checks in their fixed order. creds is nil for
// session resumption, which skips the credential half but never the liveness
// half.
func (s *Service) gate(p store.Preview, creds *Credentials) error {
	if p.Status != "active" {
		return ErrPreviewRevoked
	}
	now := time.Now().UTC()
	if now.After(p.ExpiresAt) {
		return ErrPreviewExpired
	}
	if p.MaxViews > 0 && p.ViewCount >= p.MaxViews {
		return ErrViewLimitReached
	}
	if creds == nil {
		return nil
	}
	if p.PasswordHash != nil {
		if creds.Password == "" {
			return ErrPasswordRequired
		}
		if bcrypt.CompareHashAndPassword([]byte(*p.PasswordHash), []byte(creds.Password)) != nil {
			return ErrInvalidPassword
		}
	}
	if len(p.AllowedEmails) > 0 {
		email := strings.ToLower(strings.TrimSpace(creds.Email))
		if email == "" {
			return ErrEmailRequired
		}
		allowed := false
		for _, e := range p.AllowedEmails {
			if e == email {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrEmailNotAllowed
		}
	}
	return nil
}

func (s *Service) sendInvites(p store.Preview, documentTitle string, actor auth.Actor) {
	if s.mailer == nil || !s.mailer.IsConfigured() || len(p.AllowedEmails) == 0 {
		return
	}
	url := s.previewURL(p.Token)
	hasPassword := p.PasswordHash != nil
	inviter := actor.Name
	if inviter == "" {
		inviter = actor.Email
	}
	go func() {
		for _, to := range p.AllowedEmails {
			if err := s.mailer.SendPreviewInvite(to, documentTitle, inviter, url, p.ExpiresAt, hasPassword); err != nil {
				s.log.Warnw("preview invite failed", "preview_id", p.ID, "to", to, "error", err)
			}
		}
	}()
}

func (s *Service) previewURL(token string) string {
	return strings.TrimRight(s.linkBase, "/") + "/previews/" + token
}

func access(p store.Preview, viewerEmail string) Access {
	return Access{
		PreviewID:   p.ID,
		SiteID:      p.SiteID,
		DocumentID:  p.DocumentID,
		Name:        p.Name,
		Title:       p.TitleSnapshot,
		Content:     p.ContentSnapshot,
		Format:      p.FormatSnapshot,
		ExpiresAt:   p.ExpiresAt,
		ViewerEmail: viewerEmail,
	}
}

// normalizeEmails lowercases, trims and dedupes; allowlist compares are
// case-insensitive everywhere.
func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	seen := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
