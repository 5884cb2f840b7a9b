// Package app wires the domain services behind one HTTP surface. Operations
// that belong to no single domain package live here: identity, site and
// document CRUD, webhook subscriptions and the admin endpoints.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"masthead/internal/ai"
	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/export"
	"masthead/internal/notify"
	"masthead/internal/preview"
	"masthead/internal/scheduler"
	"masthead/internal/search"
	"masthead/internal/session"
	"masthead/internal/store"
	"masthead/internal/util"
	"masthead/internal/version"
	"masthead/internal/workflow"
)

type dataStore interface {
	Ping(ctx context.Context) error
	InsertSite(ctx context.Context, site store.Site) error
	GetSite(ctx context.Context, siteID string) (store.Site, error)
	ListSites(ctx context.Context) ([]store.Site, error)
	InsertDocument(ctx context.Context, item store.Document) error
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, sc store.SiteContext, status string, limit, offset int) ([]store.Document, error)
	InsertWebhookSubscription(ctx context.Context, sub store.WebhookSubscription) error
	ListWebhookSubscriptions(ctx context.Context, sc store.SiteContext) ([]store.WebhookSubscription, error)
	SetWebhookSubscriptionActive(ctx context.Context, sc store.SiteContext, subscriptionID string, active bool) error
	DeleteWebhookSubscription(ctx context.Context, sc store.SiteContext, subscriptionID string) error
	ListAuditEntries(ctx context.Context, sc store.SiteContext, resourceType, resourceID string, limit int) ([]store.AuditEntry, error)
}

// The interfaces below narrow each domain service to what the HTTP surface
// calls; tests substitute fakes per concern.

type documentVersions interface {
	Create(ctx context.Context, sc store.SiteContext, input version.CreateInput) (*store.Version, error)
	UpdateContent(ctx context.Context, sc store.SiteContext, input version.UpdateContentInput) (store.Document, *store.Version, error)
	List(ctx context.Context, sc store.SiteContext, documentID string, limit, offset int) ([]store.VersionSummary, error)
	Get(ctx context.Context, sc store.SiteContext, versionID string) (store.Version, error)
	Compare(ctx context.Context, sc store.SiteContext, firstID, secondID string) (version.Diff, error)
	Restore(ctx context.Context, sc store.SiteContext, versionID string, actor auth.Actor) (*store.Version, error)
}

type workflowEngine interface {
	CreateDefinition(ctx context.Context, sc store.SiteContext, input workflow.CreateDefinitionInput, actor auth.Actor) (store.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, sc store.SiteContext, workflowID string) (store.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, sc store.SiteContext) ([]store.WorkflowDefinition, error)
	UpdateDefinitionMeta(ctx context.Context, sc store.SiteContext, workflowID, name, description string, isDefault bool, actor auth.Actor) error
	DeleteDefinition(ctx context.Context, sc store.SiteContext, workflowID string, actor auth.Actor) error
	Initialize(ctx context.Context, sc store.SiteContext, documentID, workflowID string, actor auth.Actor) (workflow.StateView, error)
	State(ctx context.Context, sc store.SiteContext, documentID string, actor auth.Actor) (workflow.StateView, error)
	Approve(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (workflow.StateView, error)
	Reject(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (workflow.StateView, error)
	Submit(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (workflow.StateView, error)
	ExecuteTransition(ctx context.Context, sc store.SiteContext, documentID, transitionID, comment string, actor auth.Actor) (workflow.StateView, error)
	History(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.TransitionRecord, error)
}

type schedules interface {
	Schedule(ctx context.Context, sc store.SiteContext, input scheduler.ScheduleInput) (store.ScheduledJob, error)
	Cancel(ctx context.Context, sc store.SiteContext, jobID string, actor auth.Actor) error
	Get(ctx context.Context, sc store.SiteContext, jobID string) (store.ScheduledJob, error)
	List(ctx context.Context, sc store.SiteContext, documentID, status string, limit int) ([]store.ScheduledJob, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error)
	UnderEmbargo(ctx context.Context, sc store.SiteContext, documentID string) (bool, *time.Time, error)
	Process(ctx context.Context, job store.ScheduledJob) error
}

type previews interface {
	Create(ctx context.Context, sc store.SiteContext, input preview.CreateInput) (store.Preview, error)
	Get(ctx context.Context, sc store.SiteContext, previewID string) (store.Preview, error)
	List(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.Preview, error)
	ValidateAccess(ctx context.Context, token string, creds preview.Credentials) (preview.Access, error)
	Resume(ctx context.Context, token string) (preview.Access, error)
	RecordView(ctx context.Context, previewID string) (int, error)
	Revoke(ctx context.Context, sc store.SiteContext, previewID string, actor auth.Actor) error
	AddFeedback(ctx context.Context, token string, input preview.FeedbackInput) (store.PreviewFeedback, error)
	ListFeedback(ctx context.Context, sc store.SiteContext, previewID string) ([]store.PreviewFeedback, error)
	FeedbackForToken(ctx context.Context, token string) ([]store.PreviewFeedback, error)
	SetFeedbackStatus(ctx context.Context, sc store.SiteContext, feedbackID, status string, actor auth.Actor) error
}

type searcher interface {
	Search(q search.Query) search.Response
}

type assistant interface {
	Assist(ctx context.Context, sc store.SiteContext, input ai.AssistInput) (ai.AssistResult, error)
	UsageLog(ctx context.Context, sc store.SiteContext, limit int) ([]store.AIUsage, error)
}

type exporter interface {
	Export(ctx context.Context, sc store.SiteContext, req export.Request) (*export.Result, error)
}

type auditLog interface {
	Record(ctx context.Context, entry audit.Entry)
	Scan(ctx context.Context, afterID int64, limit int) (audit.ScanResult, error)
}

type viewerSessions interface {
	Save(ctx context.Context, tokenHash string, sess session.ViewerSession, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (session.ViewerSession, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Service struct {
	store     dataStore
	versions  documentVersions
	workflows workflowEngine
	schedules schedules
	previews  previews
	search    searcher
	assist    assistant
	exports   exporter
	audit     auditLog
	sessions  viewerSessions

	tokenSecret []byte
	accessTTL   time.Duration
	viewerTTL   time.Duration
	log         *zap.SugaredLogger
}

// Options collects the service dependencies. Sessions may be nil when Redis
// is not configured; viewer sessions then degrade to per-request validation.
type Options struct {
	Store     dataStore
	Versions  documentVersions
	Workflows workflowEngine
	Schedules schedules
	Previews  previews
	Search    searcher
	Assist    assistant
	Exports   exporter
	Audit     auditLog
	Sessions  viewerSessions

	TokenSecret      string
	AccessTTL        time.Duration
	ViewerSessionTTL time.Duration
	Log              *zap.SugaredLogger
}

func New(opts Options) *Service {
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	viewerTTL := opts.ViewerSessionTTL
	if viewerTTL <= 0 {
		viewerTTL = time.Hour
	}
	return &Service{
		store:       opts.Store,
		versions:    opts.Versions,
		workflows:   opts.Workflows,
		schedules:   opts.Schedules,
		previews:    opts.Previews,
		search:      opts.Search,
		assist:      opts.Assist,
		exports:     opts.Exports,
		audit:       opts.Audit,
		sessions:    opts.Sessions,
		tokenSecret: []byte(opts.TokenSecret),
		accessTTL:   accessTTL,
		viewerTTL:   viewerTTL,
		log:         opts.Log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type LoginInput struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Actor     auth.Actor
}

// Login issues a signed editorial token. There is no account database; the
// deployment trusts its reverse proxy or SSO layer and this endpoint mints
// the claims the rest of the API consumes.
func (s *Service) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" {
		return LoginResult{}, domainError(422, "VALIDATION_ERROR", "email is required", nil)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = email
	}
	roles := normalizeRoles(input.Roles)
	if len(roles) == 0 {
		roles = []string{"editor"}
	}

	expiresAt := time.Now().Add(s.accessTTL)
	claims := auth.Claims{
		Sub:   util.NewID("usr"),
		Name:  name,
		Email: email,
		Roles: roles,
		JTI:   util.NewToken(8),
		Exp:   expiresAt.Unix(),
	}
	token, err := auth.IssueToken(s.tokenSecret, claims)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, Actor: claims.Actor()}, nil
}

// ActorFromToken validates a bearer token and returns the request identity.
func (s *Service) ActorFromToken(token string) (auth.Actor, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return auth.Actor{}, err
	}
	return claims.Actor(), nil
}

func normalizeRoles(roles []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

type CreateSiteInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (s *Service) CreateSite(ctx context.Context, input CreateSiteInput, actor auth.Actor) (store.Site, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Site{}, domainError(422, "VALIDATION_ERROR", "site name is required", nil)
	}
	slug := strings.TrimSpace(input.Slug)
	if slug == "" {
		slug = slugify(name)
	}
	if !validSlug(slug) {
		return store.Site{}, domainError(422, "VALIDATION_ERROR", "slug may only contain lowercase letters, digits and hyphens", map[string]any{"slug": slug})
	}

	site := store.Site{
		ID:        util.NewID("site"),
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertSite(ctx, site); err != nil {
		if isUniqueViolation(err) {
			return store.Site{}, domainError(409, "SLUG_TAKEN", "a site with this slug already exists", map[string]any{"slug": slug})
		}
		return store.Site{}, fmt.Errorf("insert site: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		SiteID:       site.ID,
		Action:       "site.create",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "site",
		ResourceID:   site.ID,
		Metadata:     map[string]string{"name": name, "slug": slug},
	})
	return site, nil
}

func (s *Service) GetSite(ctx context.Context, siteID string) (store.Site, error) {
	return s.store.GetSite(ctx, siteID)
}

func (s *Service) ListSites(ctx context.Context) ([]store.Site, error) {
	return s.store.ListSites(ctx)
}

type CreateDocumentInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Format  string `json:"format"`
}

// CreateDocument inserts a draft and snapshots it as version 1, so history
// and restore have a base from the first save on.
func (s *Service) CreateDocument(ctx context.Context, sc store.SiteContext, input CreateDocumentInput, actor auth.Actor) (store.Document, error) {
	siteID, ok := sc.Site()
	if !ok {
		return store.Document{}, store.ErrMissingSiteContext
	}
	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, domainError(404, "NOT_FOUND", "site not found", nil)
		}
		return store.Document{}, fmt.Errorf("load site: %w", err)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	format := input.Format
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "html" {
		return store.Document{}, domainError(422, "VALIDATION_ERROR", fmt.Sprintf("unknown document format %q", format), nil)
	}

	now := time.Now().UTC()
	doc := store.Document{
		ID:        util.NewID("doc"),
		SiteID:    siteID,
		Title:     title,
		Content:   input.Content,
		Format:    format,
		Status:    "draft",
		CreatedBy: actor.Email,
		UpdatedBy: actor.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, fmt.Errorf("insert document: %w", err)
	}

	if _, err := s.versions.Create(ctx, sc, version.CreateInput{
		DocumentID: doc.ID,
		Type:       version.TypeAuto,
		Actor:      actor,
	}); err != nil {
		return store.Document{}, fmt.Errorf("snapshot initial version: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       "document.create",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   doc.ID,
		Metadata:     map[string]string{"title": title, "format": format},
	})
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, sc, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, sc store.SiteContext, status string, limit, offset int) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, sc, status, limit, offset)
}

func (s *Service) AuditTrail(ctx context.Context, sc store.SiteContext, resourceType, resourceID string, limit int) ([]store.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, sc, resourceType, resourceID, limit)
}

func (s *Service) VerifyAudit(ctx context.Context, afterID int64, limit int) (audit.ScanResult, error) {
	return s.audit.Scan(ctx, afterID, limit)
}

func (s *Service) DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	return s.schedules.DueJobs(ctx, now, limit)
}

type CreateWebhookInput struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook registers a subscription and generates its signing secret.
// The secret is part of the returned row; callers must surface it once at
// creation, listings render without it.
func (s *Service) CreateWebhook(ctx context.Context, sc store.SiteContext, input CreateWebhookInput, actor auth.Actor) (store.WebhookSubscription, error) {
	siteID, ok := sc.Site()
	if !ok {
		return store.WebhookSubscription{}, store.ErrMissingSiteContext
	}

	target, err := url.Parse(strings.TrimSpace(input.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return store.WebhookSubscription{}, domainError(422, "VALIDATION_ERROR", "url must be an absolute http(s) URL", nil)
	}
	if len(input.Events) == 0 {
		return store.WebhookSubscription{}, domainError(422, "VALIDATION_ERROR", "at least one event is required", nil)
	}
	events := make([]string, 0, len(input.Events))
	for _, event := range input.Events {
		event = strings.TrimSpace(event)
		if !knownEvents[event] {
			return store.WebhookSubscription{}, domainError(422, "VALIDATION_ERROR", fmt.Sprintf("unknown event %q", event), map[string]any{"event": event})
		}
		events = append(events, event)
	}

	sub := store.WebhookSubscription{
		ID:        util.NewID("wh"),
		SiteID:    siteID,
		URL:       target.String(),
		Secret:    util.NewToken(32),
		Events:    events,
		IsActive:  true,
		CreatedBy: actor.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertWebhookSubscription(ctx, sub); err != nil {
		return store.WebhookSubscription{}, fmt.Errorf("insert webhook subscription: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       "webhook.create",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "webhook",
		ResourceID:   sub.ID,
		Metadata:     map[string]string{"url": sub.URL, "events": strings.Join(events, ",")},
	})
	return sub, nil
}

func (s *Service) ListWebhooks(ctx context.Context, sc store.SiteContext) ([]store.WebhookSubscription, error) {
	return s.store.ListWebhookSubscriptions(ctx, sc)
}

func (s *Service) SetWebhookActive(ctx context.Context, sc store.SiteContext, subscriptionID string, active bool, actor auth.Actor) error {
	if err := s.store.SetWebhookSubscriptionActive(ctx, sc, subscriptionID, active); err != nil {
		return err
	}
	action := "webhook.deactivate"
	if active {
		action = "webhook.activate"
	}
	siteID, _ := sc.Site()
	s.audit.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       action,
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "webhook",
		ResourceID:   subscriptionID,
	})
	return nil
}

func (s *Service) DeleteWebhook(ctx context.Context, sc store.SiteContext, subscriptionID string, actor auth.Actor) error {
	if err := s.store.DeleteWebhookSubscription(ctx, sc, subscriptionID); err != nil {
		return err
	}
	siteID, _ := sc.Site()
	s.audit.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       "webhook.delete",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "webhook",
		ResourceID:   subscriptionID,
	})
	return nil
}

// ProcessJob runs one due job on demand. It backs the admin endpoint an
// external timer calls; the in-process poller goes through the same
// scheduler entry point.
func (s *Service) ProcessJob(ctx context.Context, siteID, jobID string) (store.ScheduledJob, error) {
	sc := store.SiteOnly(siteID)
	job, err := s.schedules.Get(ctx, sc, jobID)
	if err != nil {
		return store.ScheduledJob{}, err
	}
	if job.Status != "pending" {
		return store.ScheduledJob{}, domainError(409, "CONFLICT", fmt.Sprintf("job is %s, not pending", job.Status), nil)
	}
	if job.ScheduledAt.After(time.Now()) {
		return store.ScheduledJob{}, domainError(409, "JOB_NOT_DUE", "job is not due yet", map[string]any{"scheduled_at": job.ScheduledAt})
	}
	if err := s.schedules.Process(ctx, job); err != nil {
		return store.ScheduledJob{}, err
	}
	return s.schedules.Get(ctx, sc, jobID)
}

// OpenPreview validates credentials against a share token, counts the view
// and mints a viewer session when a session store is configured. The session
// token is returned raw; only its hash is stored.
func (s *Service) OpenPreview(ctx context.Context, token string, creds preview.Credentials) (preview.Access, int, string, error) {
	access, err := s.previews.ValidateAccess(ctx, token, creds)
	if err != nil {
		return preview.Access{}, 0, "", err
	}
	count, err := s.previews.RecordView(ctx, access.PreviewID)
	if err != nil {
		return preview.Access{}, 0, "", fmt.Errorf("record view: %w", err)
	}

	viewerToken := ""
	if s.sessions != nil {
		candidate := util.NewToken(32)
		sess := session.ViewerSession{
			PreviewID:   access.PreviewID,
			ViewerEmail: access.ViewerEmail,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.sessions.Save(ctx, auth.HashToken(candidate), sess, s.viewerTTL); err != nil {
			s.log.Warnw("viewer session not saved", "preview_id", access.PreviewID, "err", err)
		} else {
			viewerToken = candidate
		}
	}
	return access, count, viewerToken, nil
}

// ResumePreview re-serves the snapshot for an established viewer session
// without counting another view. Without a session token it falls back to a
// fresh validation, which only succeeds on ungated previews and counts.
func (s *Service) ResumePreview(ctx context.Context, token, viewerToken string) (preview.Access, error) {
	if viewerToken == "" || s.sessions == nil {
		access, err := s.previews.ValidateAccess(ctx, token, preview.Credentials{})
		if err != nil {
			return preview.Access{}, err
		}
		if _, err := s.previews.RecordView(ctx, access.PreviewID); err != nil {
			return preview.Access{}, fmt.Errorf("record view: %w", err)
		}
		return access, nil
	}

	sess, err := s.sessions.Lookup(ctx, auth.HashToken(viewerToken))
	if err != nil {
		return preview.Access{}, err
	}
	access, err := s.previews.Resume(ctx, token)
	if err != nil {
		return preview.Access{}, err
	}
	if access.PreviewID != sess.PreviewID {
		return preview.Access{}, domainError(401, "SESSION_INVALID", "viewer session does not match this preview", nil)
	}
	return access, nil
}

var knownEvents = map[string]bool{
	notify.EventWorkflowTransition:  true,
	notify.EventDocumentPublished:   true,
	notify.EventDocumentUnpublished: true,
	notify.EventDocumentArchived:    true,
	notify.EventScheduleCreated:     true,
	notify.EventScheduleCancelled:   true,
	notify.EventPreviewCreated:      true,
	notify.EventPreviewRevoked:      true,
	notify.EventPreviewFeedback:     true,
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func validSlug(slug string) bool {
	if slug == "" {
		return false
	}
	for _, r := range slug {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
