package preview

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/notify"
	"masthead/internal/store"
)

type fakeStore struct {
	getDocumentFn              func(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	insertPreviewFn            func(ctx context.Context, p store.Preview) error
	getPreviewFn               func(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error)
	getPreviewByTokenFn        func(ctx context.Context, token string) (store.Preview, error)
	listPreviewsFn             func(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.Preview, error)
	revokePreviewIfActiveFn    func(ctx context.Context, sc store.SiteContext, previewID, revokedBy string) (bool, error)
	incrementPreviewViewsFn    func(ctx context.Context, previewID string) (int, error)
	insertPreviewFeedbackFn    func(ctx context.Context, f store.PreviewFeedback) error
	listPreviewFeedbackFn      func(ctx context.Context, previewID string) ([]store.PreviewFeedback, error)
	getPreviewFeedbackFn       func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error)
	setPreviewFeedbackStatusFn func(ctx context.Context, feedbackID, status, resolvedBy string) error
}

func (f *fakeStore) GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, sc, documentID)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) InsertPreview(ctx context.Context, p store.Preview) error {
	if f.insertPreviewFn != nil {
		return f.insertPreviewFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) GetPreview(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error) {
	if f.getPreviewFn != nil {
		return f.getPreviewFn(ctx, sc, previewID)
	}
	return store.Preview{}, sql.ErrNoRows
}

func (f *fakeStore) GetPreviewByToken(ctx context.Context, token string) (store.Preview, error) {
	if f.getPreviewByTokenFn != nil {
		return f.getPreviewByTokenFn(ctx, token)
	}
	return store.Preview{}, sql.ErrNoRows
}

func (f *fakeStore) ListPreviews(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.Preview, error) {
	if f.listPreviewsFn != nil {
		return f.listPreviewsFn(ctx, sc, documentID, limit)
	}
	return nil, nil
}

func (f *fakeStore) RevokePreviewIfActive(ctx context.Context, sc store.SiteContext, previewID, revokedBy string) (bool, error) {
	if f.revokePreviewIfActiveFn != nil {
		return f.revokePreviewIfActiveFn(ctx, sc, previewID, revokedBy)
	}
	return false, nil
}

func (f *fakeStore) IncrementPreviewViews(ctx context.Context, previewID string) (int, error) {
	if f.incrementPreviewViewsFn != nil {
		return f.incrementPreviewViewsFn(ctx, previewID)
	}
	return 0, nil
}

func (f *fakeStore) InsertPreviewFeedback(ctx context.Context, fb store.PreviewFeedback) error {
	if f.insertPreviewFeedbackFn != nil {
		return f.insertPreviewFeedbackFn(ctx, fb)
	}
	return nil
}

func (f *fakeStore) ListPreviewFeedback(ctx context.Context, previewID string) ([]store.PreviewFeedback, error) {
	if f.listPreviewFeedbackFn != nil {
		return f.listPreviewFeedbackFn(ctx, previewID)
	}
	return nil, nil
}

func (f *fakeStore) GetPreviewFeedback(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
	if f.getPreviewFeedbackFn != nil {
		return f.getPreviewFeedbackFn(ctx, feedbackID)
	}
	return store.PreviewFeedback{}, sql.ErrNoRows
}

func (f *fakeStore) SetPreviewFeedbackStatus(ctx context.Context, feedbackID, status, resolvedBy string) error {
	if f.setPreviewFeedbackStatusFn != nil {
		return f.setPreviewFeedbackStatusFn(ctx, feedbackID, status, resolvedBy)
	}
	return nil
}

type invite struct {
	to          string
	title       string
	url         string
	hasPassword bool
}

type fakeMailer struct {
	configured bool
	sent       chan invite
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendPreviewInvite(to, documentTitle, inviterName, previewURL string, expiresAt time.Time, hasPassword bool) error {
	f.sent <- invite{to: to, title: documentTitle, url: previewURL, hasPassword: hasPassword}
	return nil
}

type capture struct {
	mu     sync.Mutex
	audits []audit.Entry
	events []notify.Event
}

func (c *capture) auditActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.audits))
	for _, e := range c.audits {
		out = append(out, e.Action)
	}
	return out
}

func (c *capture) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(st *fakeStore, mail mailer) (*Service, *capture) {
	c := &capture{}
	sink := audit.Func(func(ctx context.Context, entry audit.Entry) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.audits = append(c.audits, entry)
	})
	notifier := notify.Func(func(ctx context.Context, event notify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, event)
	})
	svc := New(st, mail, notifier, sink, "https://cms.example.com", zap.NewNop().Sugar())
	return svc, c
}

func editor() auth.Actor {
	return auth.Actor{ID: "usr_1", Name: "Ada", Email: "ada@example.com", Roles: []string{"editor"}}
}

func draftDocument() store.Document {
	return store.Document{
		ID:      "doc_1",
		SiteID:  "site_1",
		Title:   "Launch notes",
		Content: "# Frozen at creation",
		Format:  "markdown",
		Status:  "draft",
	}
}

func activePreview() store.Preview {
	return store.Preview{
		ID:              "prv_1",
		SiteID:          "site_1",
		DocumentID:      "doc_1",
		Name:            "Stakeholder review",
		Token:           "tok_1",
		ContentSnapshot: "# Frozen at creation",
		TitleSnapshot:   "Launch notes",
		FormatSnapshot:  "markdown",
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
		Status:          "active",
		CreatedBy:       "ada@example.com",
	}
}

func hashOf(t *testing.T, password string) *string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := string(hash)
	return &h
}

func TestCreateFreezesSnapshotAndHashesPassword(t *testing.T) {
	doc := draftDocument()
	var inserted store.Preview
	st := &fakeStore{
		getDocumentFn: func(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error) {
			return doc, nil
		},
		insertPreviewFn: func(ctx context.Context, p store.Preview) error {
			inserted = p
			return nil
		},
	}
	svc, c := newTestService(st, nil)

	p, err := svc.Create(context.Background(), store.SiteOnly("site_1"), CreateInput{
		DocumentID:    doc.ID,
		TTL:           time.Hour,
		Password:      "hunter2",
		AllowedEmails: []string{" Reviewer@Example.com ", "bob@example.com", "reviewer@example.com"},
		MaxViews:      5,
		Actor:         editor(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inserted.ContentSnapshot != doc.Content || inserted.TitleSnapshot != doc.Title {
		t.Fatalf("snapshot must freeze the document, got %+v", inserted)
	}
	if len(p.Token) != tokenBytes*2 {
		t.Fatalf("expected %d hex chars of token, got %d", tokenBytes*2, len(p.Token))
	}
	if p.PasswordHash == nil || *p.PasswordHash == "hunter2" {
		t.Fatal("password must be stored hashed, never plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*p.PasswordHash), []byte("hunter2")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
	want := []string{"reviewer@example.com", "bob@example.com"}
	if len(p.AllowedEmails) != len(want) || p.AllowedEmails[0] != want[0] || p.AllowedEmails[1] != want[1] {
		t.Fatalf("expected normalized allowlist %v, got %v", want, p.AllowedEmails)
	}
	if p.Name != doc.Title {
		t.Fatalf("empty name should default to the document title, got %q", p.Name)
	}
	if p.Status != "active" || p.MaxViews != 5 {
		t.Fatalf("unexpected preview: %+v", p)
	}
	if got := c.auditActions(); len(got) != 1 || got[0] != "preview.create" {
		t.Fatalf("unexpected audit trail: %v", got)
	}
	if got := c.eventTypes(); len(got) != 1 || got[0] != notify.EventPreviewCreated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestCreateRejectsNonPositiveLifetime(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, nil)

	_, err := svc.Create(context.Background(), store.SiteOnly("site_1"), CreateInput{
		DocumentID: "doc_1",
		Actor:      editor(),
	})
	if !errors.Is(err, ErrInvalidLifetime) {
		t.Fatalf("expected ErrInvalidLifetime, got %v", err)
	}
}

func TestCreateRejectsNegativeViewLimit(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, nil)

	_, err := svc.Create(context.Background(), store.SiteOnly("site_1"), CreateInput{
		DocumentID: "doc_1",
		TTL:        time.Hour,
		MaxViews:   -1,
		Actor:      editor(),
	})
	if !errors.Is(err, ErrInvalidViewLimit) {
		t.Fatalf("expected ErrInvalidViewLimit, got %v", err)
	}
}

func TestCreateMissingDocument(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, nil)

	_, err := svc.Create(context.Background(), store.SiteOnly("site_1"), CreateInput{
		DocumentID: "doc_gone",
		TTL:        time.Hour,
		Actor:      editor(),
	})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCreateSendsInvites(t *testing.T) {
	doc := draftDocument()
	st := &fakeStore{
		getDocumentFn: func(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error) {
			return doc, nil
		},
	}
	mail := &fakeMailer{configured: true, sent: make(chan invite, 4)}
	svc, _ := newTestService(st, mail)

	p, err := svc.Create(context.Background(), store.SiteOnly("site_1"), CreateInput{
		DocumentID:    doc.ID,
		TTL:           time.Hour,
		AllowedEmails: []string{"reviewer@example.com", "bob@example.com"},
		Actor:         editor(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := make(map[string]invite, 2)
	for i := 0; i < 2; i++ {
		select {
		case inv := <-mail.sent:
			got[inv.to] = inv
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 invites, received %d", len(got))
		}
	}
	inv, ok := got["reviewer@example.com"]
	if !ok {
		t.Fatalf("missing invite for reviewer, got %v", got)
	}
	if !strings.Contains(inv.url, p.Token) {
		t.Fatalf("invite URL should carry the token, got %q", inv.url)
	}
	if inv.title != doc.Title || inv.hasPassword {
		t.Fatalf("unexpected invite: %+v", inv)
	}
}

func TestValidateAccessFailsClosed(t *testing.T) {
	revoked := activePreview()
	revoked.Status = "revoked"

	expired := activePreview()
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	revokedAndExpired := activePreview()
	revokedAndExpired.Status = "revoked"
	revokedAndExpired.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	capped := activePreview()
	capped.MaxViews = 2
	capped.ViewCount = 2

	locked := activePreview()
	locked.PasswordHash = hashOf(t, "hunter2")

	expiredAndLocked := activePreview()
	expiredAndLocked.PasswordHash = hashOf(t, "hunter2")
	expiredAndLocked.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	listed := activePreview()
	listed.AllowedEmails = []string{"reviewer@example.com"}

	cases := []struct {
		name    string
		preview *store.Preview
		creds   Credentials
		want    error
	}{
		{"unknown token", nil, Credentials{}, ErrPreviewNotFound},
		{"revoked", &revoked, Credentials{}, ErrPreviewRevoked},
		{"expired", &expired, Credentials{}, ErrPreviewExpired},
		{"revoked wins over expired", &revokedAndExpired, Credentials{}, ErrPreviewRevoked},
		{"view cap reached", &capped, Credentials{}, ErrViewLimitReached},
		{"password missing", &locked, Credentials{}, ErrPasswordRequired},
		{"password wrong", &locked, Credentials{Password: "letmein"}, ErrInvalidPassword},
		{"expiry wins over password", &expiredAndLocked, Credentials{}, ErrPreviewExpired},
		{"email missing", &listed, Credentials{}, ErrEmailRequired},
		{"email not listed", &listed, Credentials{Email: "stranger@example.com"}, ErrEmailNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{}
			if tc.preview != nil {
				p := *tc.preview
				st.getPreviewByTokenFn = func(ctx context.Context, token string) (store.Preview, error) {
					return p, nil
				}
			}
			svc, _ := newTestService(st, nil)

			_, err := svc.ValidateAccess(context.Background(), "tok_1", tc.creds)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateAccessReturnsFrozenSnapshot(t *testing.T) {
	p := activePreview()
	p.PasswordHash = hashOf(t, "hunter2")
	p.AllowedEmails = []string{"reviewer@example.com"}
	st := &fakeStore{
		getPreviewByTokenFn: func(ctx context.Context, token string) (store.Preview, error) {
			return p, nil
		},
	}
	svc, _ := newTestService(st, nil)

	access, err := svc.ValidateAccess(context.Background(), p.Token, Credentials{
		Password: "hunter2",
		Email:    " Reviewer@Example.COM ",
	})
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if access.Content != p.ContentSnapshot || access.Title != p.TitleSnapshot {
		t.Fatalf("expected the frozen snapshot, got %+v", access)
	}
	if access.ViewerEmail != "reviewer@example.com" {
		t.Fatalf("expected normalized viewer email, got %q", access.ViewerEmail)
	}
}

func TestResumeSkipsCredentialsButNotLiveness(t *testing.T) {
	p := activePreview()
	p.PasswordHash = hashOf(t, "hunter2")
	st := &fakeStore{
		getPreviewByTokenFn: func(ctx context.Context, token string) (store.Preview, error) {
			return p, nil
		},
	}
	svc, _ := newTestService(st, nil)

	if _, err := svc.Resume(context.Background(), p.Token); err != nil {
		t.Fatalf("Resume should skip the password gate, got %v", err)
	}

	p.Status = "revoked"
	if _, err := svc.Resume(context.Background(), p.Token); !errors.Is(err, ErrPreviewRevoked) {
		t.Fatalf("Resume must still enforce revocation, got %v", err)
	}
}

func TestRecordViewDelegates(t *testing.T) {
	st := &fakeStore{
		incrementPreviewViewsFn: func(ctx context.Context, previewID string) (int, error) {
			return 3, nil
		},
	}
	svc, _ := newTestService(st, nil)

	count, err := svc.RecordView(context.Background(), "prv_1")
	if err != nil {
		t.Fatalf("RecordView: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
}

func TestRevokeIsOneWay(t *testing.T) {
	p := activePreview()
	var revokedBy string
	st := &fakeStore{
		getPreviewFn: func(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error) {
			return p, nil
		},
		revokePreviewIfActiveFn: func(ctx context.Context, sc store.SiteContext, previewID, by string) (bool, error) {
			revokedBy = by
			return true, nil
		},
	}
	svc, c := newTestService(st, nil)

	if err := svc.Revoke(context.Background(), store.SiteOnly("site_1"), p.ID, editor()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revokedBy != "ada@example.com" {
		t.Fatalf("expected revoker recorded, got %q", revokedBy)
	}
	if got := c.auditActions(); len(got) != 1 || got[0] != "preview.revoke" {
		t.Fatalf("unexpected audit trail: %v", got)
	}
	if got := c.eventTypes(); len(got) != 1 || got[0] != notify.EventPreviewRevoked {
		t.Fatalf("unexpected events: %v", got)
	}

	st.revokePreviewIfActiveFn = func(ctx context.Context, sc store.SiteContext, previewID, by string) (bool, error) {
		return false, nil
	}
	if err := svc.Revoke(context.Background(), store.SiteOnly("site_1"), p.ID, editor()); !errors.Is(err, ErrPreviewRevoked) {
		t.Fatalf("second revoke should report ErrPreviewRevoked, got %v", err)
	}
}

func TestRevokeMissingPreview(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, nil)

	err := svc.Revoke(context.Background(), store.SiteOnly("site_1"), "prv_gone", editor())
	if !errors.Is(err, ErrPreviewNotFound) {
		t.Fatalf("expected ErrPreviewNotFound, got %v", err)
	}
}

func TestAddFeedbackValidation(t *testing.T) {
	p := activePreview()
	st := &fakeStore{
		getPreviewByTokenFn: func(ctx context.Context, token string) (store.Preview, error) {
			return p, nil
		},
	}
	svc, _ := newTestService(st, nil)

	if _, err := svc.AddFeedback(context.Background(), p.Token, FeedbackInput{Kind: "applause", Body: "nice"}); !errors.Is(err, ErrUnknownFeedbackKind) {
		t.Fatalf("expected ErrUnknownFeedbackKind, got %v", err)
	}
	if _, err := svc.AddFeedback(context.Background(), p.Token, FeedbackInput{Kind: FeedbackComment, Body: "   "}); !errors.Is(err, ErrEmptyFeedback) {
		t.Fatalf("expected ErrEmptyFeedback, got %v", err)
	}

	parent := "fbk_other"
	st.getPreviewFeedbackFn = func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
		return store.PreviewFeedback{ID: feedbackID, PreviewID: "prv_other"}, nil
	}
	if _, err := svc.AddFeedback(context.Background(), p.Token, FeedbackInput{Kind: FeedbackComment, Body: "reply", ParentID: &parent}); !errors.Is(err, ErrFeedbackNotFound) {
		t.Fatalf("cross-preview parent should be rejected, got %v", err)
	}

	p.Status = "revoked"
	if _, err := svc.AddFeedback(context.Background(), p.Token, FeedbackInput{Kind: FeedbackComment, Body: "late"}); !errors.Is(err, ErrPreviewRevoked) {
		t.Fatalf("expected ErrPreviewRevoked, got %v", err)
	}
}

func TestAddFeedbackThreads(t *testing.T) {
	p := activePreview()
	var inserted store.PreviewFeedback
	st := &fakeStore{
		getPreviewByTokenFn: func(ctx context.Context, token string) (store.Preview, error) {
			return p, nil
		},
		getPreviewFeedbackFn: func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
			return store.PreviewFeedback{ID: feedbackID, PreviewID: p.ID, Status: "open"}, nil
		},
		insertPreviewFeedbackFn: func(ctx context.Context, f store.PreviewFeedback) error {
			inserted = f
			return nil
		},
	}
	svc, c := newTestService(st, nil)

	parent := "fbk_parent"
	f, err := svc.AddFeedback(context.Background(), p.Token, FeedbackInput{
		ParentID:    &parent,
		Kind:        FeedbackApproval,
		Body:        "  Looks good to me  ",
		AuthorName:  "Reviewer",
		AuthorEmail: " Reviewer@Example.com ",
	})
	if err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	if inserted.ID != f.ID || inserted.PreviewID != p.ID {
		t.Fatalf("unexpected stored feedback: %+v", inserted)
	}
	if f.Status != "open" || f.Kind != FeedbackApproval {
		t.Fatalf("unexpected feedback: %+v", f)
	}
	if f.Body != "Looks good to me" || f.AuthorEmail != "reviewer@example.com" {
		t.Fatalf("expected trimmed body and normalized email, got %+v", f)
	}
	if f.ParentID == nil || *f.ParentID != parent {
		t.Fatalf("expected threaded parent, got %v", f.ParentID)
	}
	if got := c.eventTypes(); len(got) != 1 || got[0] != notify.EventPreviewFeedback {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestSetFeedbackStatus(t *testing.T) {
	p := activePreview()
	var setStatus, setBy string
	st := &fakeStore{
		getPreviewFeedbackFn: func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
			return store.PreviewFeedback{ID: feedbackID, PreviewID: p.ID, Status: "open"}, nil
		},
		getPreviewFn: func(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error) {
			return p, nil
		},
		setPreviewFeedbackStatusFn: func(ctx context.Context, feedbackID, status, resolvedBy string) error {
			setStatus = status
			setBy = resolvedBy
			return nil
		},
	}
	svc, c := newTestService(st, nil)

	if err := svc.SetFeedbackStatus(context.Background(), store.SiteOnly("site_1"), "fbk_1", "resolved", editor()); err != nil {
		t.Fatalf("SetFeedbackStatus: %v", err)
	}
	if setStatus != "resolved" || setBy != "ada@example.com" {
		t.Fatalf("unexpected status write: %q by %q", setStatus, setBy)
	}
	if got := c.auditActions(); len(got) != 1 || got[0] != "preview.feedback.resolved" {
		t.Fatalf("unexpected audit trail: %v", got)
	}
}

func TestSetFeedbackStatusRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(&fakeStore{}, nil)

	err := svc.SetFeedbackStatus(context.Background(), store.SiteOnly("site_1"), "fbk_1", "archived", editor())
	if !errors.Is(err, ErrUnknownFeedbackStatus) {
		t.Fatalf("expected ErrUnknownFeedbackStatus, got %v", err)
	}
}

func TestSetFeedbackStatusAlreadyClosed(t *testing.T) {
	p := activePreview()
	st := &fakeStore{
		getPreviewFeedbackFn: func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
			return store.PreviewFeedback{ID: feedbackID, PreviewID: p.ID, Status: "resolved"}, nil
		},
		getPreviewFn: func(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error) {
			return p, nil
		},
		setPreviewFeedbackStatusFn: func(ctx context.Context, feedbackID, status, resolvedBy string) error {
			return sql.ErrNoRows
		},
	}
	svc, _ := newTestService(st, nil)

	err := svc.SetFeedbackStatus(context.Background(), store.SiteOnly("site_1"), "fbk_1", "dismissed", editor())
	if !errors.Is(err, ErrFeedbackClosed) {
		t.Fatalf("expected ErrFeedbackClosed, got %v", err)
	}
}

func TestSetFeedbackStatusOutsideSite(t *testing.T) {
	st := &fakeStore{
		getPreviewFeedbackFn: func(ctx context.Context, feedbackID string) (store.PreviewFeedback, error) {
			return store.PreviewFeedback{ID: feedbackID, PreviewID: "prv_other", Status: "open"}, nil
		},
	}
	svc, _ := newTestService(st, nil)

	err := svc.SetFeedbackStatus(context.Background(), store.SiteOnly("site_1"), "fbk_1", "resolved", editor())
	if !errors.Is(err, ErrFeedbackNotFound) {
		t.Fatalf("cross-site feedback must look missing, got %v", err)
	}
}
