package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"masthead/internal/ai"
	"masthead/internal/auth"
	"masthead/internal/export"
	"masthead/internal/preview"
	"masthead/internal/scheduler"
	"masthead/internal/search"
	"masthead/internal/store"
	"masthead/internal/version"
	"masthead/internal/workflow"
)

func TestCreateDocumentRoute(t *testing.T) {
	deps := defaultDeps()
	var inserted store.Document
	deps.data.insertDocumentFn = func(_ context.Context, item store.Document) error {
		inserted = item
		return nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents", editorToken(t), `{"title":"Launch notes","content":"draft body"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	doc, _ := payload["document"].(map[string]any)
	if doc["title"] != "Launch notes" || doc["status"] != "draft" {
		t.Fatalf("unexpected document: %v", payload)
	}
	if inserted.SiteID != "site_1" {
		t.Fatalf("expected document scoped to site_1, got %q", inserted.SiteID)
	}
}

func TestCreateDocumentRouteRequiresTitle(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents", editorToken(t), `{"content":"body"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestListDocumentsPassesFilters(t *testing.T) {
	deps := defaultDeps()
	var gotStatus string
	var gotLimit, gotOffset int
	deps.data.listDocumentsFn = func(_ context.Context, _ store.SiteContext, status string, limit, offset int) ([]store.Document, error) {
		gotStatus, gotLimit, gotOffset = status, limit, offset
		return []store.Document{{ID: "doc_1", SiteID: "site_1", Title: "Launch notes", Content: "secret body"}}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents?status=draft&limit=10&offset=5", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotStatus != "draft" || gotLimit != 10 || gotOffset != 5 {
		t.Fatalf("filters not passed through: status=%q limit=%d offset=%d", gotStatus, gotLimit, gotOffset)
	}
	payload := parseResponse(t, rr)
	docs, _ := payload["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %v", payload)
	}
	first, _ := docs[0].(map[string]any)
	if _, hasContent := first["content"]; hasContent {
		t.Fatalf("listings must not carry the body, got %v", first)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_missing", editorToken(t), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", payload)
	}
}

func TestAutosaveReturnsDocumentAndVersion(t *testing.T) {
	deps := defaultDeps()
	var got version.UpdateContentInput
	deps.versions.updateContentFn = func(_ context.Context, _ store.SiteContext, input version.UpdateContentInput) (store.Document, *store.Version, error) {
		got = input
		doc := store.Document{ID: input.DocumentID, SiteID: "site_1", Title: "Launch notes", Content: input.Content, Format: "markdown"}
		return doc, &store.Version{ID: "ver_2", DocumentID: input.DocumentID, VersionNumber: 2, VersionType: version.TypeAuto}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPut, "/api/sites/site_1/documents/doc_1", editorToken(t), `{"content":"new body"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.DocumentID != "doc_1" || got.Content != "new body" {
		t.Fatalf("unexpected update input: %+v", got)
	}
	payload := parseResponse(t, rr)
	ver, _ := payload["version"].(map[string]any)
	if ver["version_number"] != float64(2) {
		t.Fatalf("expected version 2 in envelope, got %v", payload)
	}
}

func TestAutosaveUnchangedContentReturnsNullVersion(t *testing.T) {
	deps := defaultDeps()
	deps.versions.updateContentFn = func(_ context.Context, _ store.SiteContext, input version.UpdateContentInput) (store.Document, *store.Version, error) {
		return store.Document{ID: input.DocumentID, SiteID: "site_1"}, nil, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPut, "/api/sites/site_1/documents/doc_1", editorToken(t), `{"content":"same body"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	ver, present := payload["version"]
	if !present || ver != nil {
		t.Fatalf("expected an explicit null version, got %v", payload)
	}
}

func TestManualSnapshotDefaultsType(t *testing.T) {
	deps := defaultDeps()
	var got version.CreateInput
	deps.versions.createFn = func(_ context.Context, _ store.SiteContext, input version.CreateInput) (*store.Version, error) {
		got = input
		return &store.Version{ID: "ver_3", DocumentID: input.DocumentID, VersionNumber: 3, VersionType: input.Type, Label: input.Label}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/versions", editorToken(t), `{"label":"Before rewrite"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.Type != version.TypeManual || got.Label != "Before rewrite" {
		t.Fatalf("expected manual snapshot, got %+v", got)
	}
}

func TestSnapshotOfUnchangedContentReturnsNull(t *testing.T) {
	deps := defaultDeps()
	deps.versions.createFn = func(context.Context, store.SiteContext, version.CreateInput) (*store.Version, error) {
		return nil, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/versions", editorToken(t), `{"type":"auto"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for a no-op snapshot, got %d", rr.Code)
	}
	payload := parseResponse(t, rr)
	if ver, present := payload["version"]; !present || ver != nil {
		t.Fatalf("expected null version, got %v", payload)
	}
}

func TestCompareRequiresBothVersionIDs(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/versions/compare?from=ver_1", editorToken(t), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCompareMapsCrossDocumentError(t *testing.T) {
	deps := defaultDeps()
	deps.versions.compareFn = func(context.Context, store.SiteContext, string, string) (version.Diff, error) {
		return version.Diff{}, version.ErrCrossDocumentCompare
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/versions/compare?from=ver_1&to=ver_9", editorToken(t), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
}

func TestCompareRoute(t *testing.T) {
	deps := defaultDeps()
	var gotFrom, gotTo string
	deps.versions.compareFn = func(_ context.Context, _ store.SiteContext, firstID, secondID string) (version.Diff, error) {
		gotFrom, gotTo = firstID, secondID
		return version.Diff{DocumentID: "doc_1", TitleChanged: true}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/versions/compare?from=ver_1&to=ver_2", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotFrom != "ver_1" || gotTo != "ver_2" {
		t.Fatalf("compare ids not passed: from=%q to=%q", gotFrom, gotTo)
	}
	payload := parseResponse(t, rr)
	diff, _ := payload["diff"].(map[string]any)
	if diff["title_changed"] != true {
		t.Fatalf("unexpected diff: %v", payload)
	}
}

func TestRestoreVersionRoute(t *testing.T) {
	deps := defaultDeps()
	var restoredID string
	deps.versions.restoreFn = func(_ context.Context, _ store.SiteContext, versionID string, _ auth.Actor) (*store.Version, error) {
		restoredID = versionID
		return &store.Version{ID: "ver_4", DocumentID: "doc_1", VersionNumber: 4, VersionType: version.TypeRestore}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/versions/ver_2/restore", editorToken(t), "{}")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if restoredID != "ver_2" {
		t.Fatalf("expected ver_2 restored, got %q", restoredID)
	}
	payload := parseResponse(t, rr)
	ver, _ := payload["version"].(map[string]any)
	if ver["version_type"] != version.TypeRestore {
		t.Fatalf("expected a restore version, got %v", payload)
	}
}

func TestSnapshotConflictMapsTo409(t *testing.T) {
	deps := defaultDeps()
	deps.versions.createFn = func(context.Context, store.SiteContext, version.CreateInput) (*store.Version, error) {
		return nil, version.ErrVersionConflict
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/versions", editorToken(t), `{"type":"manual"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWorkflowInitializeRoute(t *testing.T) {
	deps := defaultDeps()
	var gotWorkflowID string
	deps.workflows.initializeFn = func(_ context.Context, _ store.SiteContext, documentID, workflowID string, _ auth.Actor) (workflow.StateView, error) {
		gotWorkflowID = workflowID
		return workflow.StateView{DocumentID: documentID, WorkflowID: workflowID, StageName: "Draft"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/workflow/initialize", editorToken(t), `{"workflow_id":"wf_1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotWorkflowID != "wf_1" {
		t.Fatalf("expected wf_1, got %q", gotWorkflowID)
	}
	payload := parseResponse(t, rr)
	state, _ := payload["state"].(map[string]any)
	if state["stage_name"] != "Draft" {
		t.Fatalf("unexpected state: %v", payload)
	}
}

func TestWorkflowSubmitPassesComment(t *testing.T) {
	deps := defaultDeps()
	var gotComment string
	deps.workflows.submitFn = func(_ context.Context, _ store.SiteContext, documentID, comment string, _ auth.Actor) (workflow.StateView, error) {
		gotComment = comment
		return workflow.StateView{DocumentID: documentID, StageName: "Review"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/workflow/submit", editorToken(t), `{"comment":"ready for review"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotComment != "ready for review" {
		t.Fatalf("expected comment passed through, got %q", gotComment)
	}
}

func TestWorkflowApproveForbiddenRole(t *testing.T) {
	deps := defaultDeps()
	deps.workflows.approveFn = func(context.Context, store.SiteContext, string, string, auth.Actor) (workflow.StateView, error) {
		return workflow.StateView{}, workflow.ErrRoleNotAllowed
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/workflow/approve", editorToken(t), `{"comment":"lgtm"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", payload)
	}
}

func TestWorkflowTransitionByID(t *testing.T) {
	deps := defaultDeps()
	var gotTransitionID string
	deps.workflows.executeTransitionFn = func(_ context.Context, _ store.SiteContext, documentID, transitionID, comment string, _ auth.Actor) (workflow.StateView, error) {
		gotTransitionID = transitionID
		return workflow.StateView{DocumentID: documentID}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/workflow/transitions/trn_9", editorToken(t), `{"comment":"skip legal"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotTransitionID != "trn_9" {
		t.Fatalf("expected trn_9, got %q", gotTransitionID)
	}
}

func TestWorkflowHistoryRoute(t *testing.T) {
	deps := defaultDeps()
	deps.workflows.historyFn = func(_ context.Context, _ store.SiteContext, documentID string, limit int) ([]store.TransitionRecord, error) {
		return []store.TransitionRecord{
			{ID: 2, DocumentID: documentID, TransitionType: "advance", ActorEmail: "avery@example.com"},
			{ID: 1, DocumentID: documentID, TransitionType: "advance", ActorEmail: "avery@example.com"},
		}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/workflow/history", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	history, _ := payload["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %v", payload)
	}
}

func TestWorkflowStateNotFound(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/workflow", editorToken(t), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWorkflowDefinitionCreateRoute(t *testing.T) {
	deps := defaultDeps()
	var got workflow.CreateDefinitionInput
	deps.workflows.createDefinitionFn = func(_ context.Context, _ store.SiteContext, input workflow.CreateDefinitionInput, _ auth.Actor) (store.WorkflowDefinition, error) {
		got = input
		return store.WorkflowDefinition{ID: "wf_1", Name: input.Name}, nil
	}
	server := newTestServer(deps)

	body := `{"name":"Two step","stages":[{"name":"Draft","order":1,"type":"draft"},{"name":"Live","order":2,"type":"published"}],"transitions":[{"from_order":1,"to_order":2,"type":"advance"}]}`
	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/workflows", editorToken(t), body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.Name != "Two step" || len(got.Stages) != 2 || len(got.Transitions) != 1 {
		t.Fatalf("definition body not decoded: %+v", got)
	}
}

func TestWorkflowDefinitionUpdateRereads(t *testing.T) {
	deps := defaultDeps()
	var gotName string
	deps.workflows.updateMetaFn = func(_ context.Context, _ store.SiteContext, workflowID, name, description string, isDefault bool, _ auth.Actor) error {
		gotName = name
		return nil
	}
	deps.workflows.getDefinitionFn = func(_ context.Context, _ store.SiteContext, workflowID string) (store.WorkflowDefinition, error) {
		return store.WorkflowDefinition{ID: workflowID, Name: "Renamed", IsDefault: true}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPut, "/api/sites/site_1/workflows/wf_1", editorToken(t), `{"name":"Renamed","is_default":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotName != "Renamed" {
		t.Fatalf("expected rename to reach the engine, got %q", gotName)
	}
	payload := parseResponse(t, rr)
	def, _ := payload["workflow"].(map[string]any)
	if def["name"] != "Renamed" || def["is_default"] != true {
		t.Fatalf("expected the refreshed definition, got %v", payload)
	}
}

func TestWorkflowDefinitionDeleteInUse(t *testing.T) {
	deps := defaultDeps()
	deps.workflows.deleteDefinitionFn = func(context.Context, store.SiteContext, string, auth.Actor) error {
		return workflow.ErrWorkflowInUse
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodDelete, "/api/sites/site_1/workflows/wf_1", editorToken(t), "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestScheduleDocumentRoute(t *testing.T) {
	deps := defaultDeps()
	var got scheduler.ScheduleInput
	deps.schedules.scheduleFn = func(_ context.Context, _ store.SiteContext, input scheduler.ScheduleInput) (store.ScheduledJob, error) {
		got = input
		return store.ScheduledJob{ID: "job_1", SiteID: "site_1", DocumentID: input.DocumentID, Action: input.Action, Status: "pending"}, nil
	}
	server := newTestServer(deps)

	body := `{"action":"publish","at":"2026-09-01T09:00:00Z","timezone":"Europe/Madrid","embargo":true}`
	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/schedule", editorToken(t), body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.DocumentID != "doc_1" || got.Action != "publish" || !got.Embargo {
		t.Fatalf("unexpected schedule input: %+v", got)
	}
	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !got.At.Equal(want) {
		t.Fatalf("expected parsed schedule time %v, got %v", want, got.At)
	}
	if got.Timezone != "Europe/Madrid" {
		t.Fatalf("expected timezone passed through, got %q", got.Timezone)
	}
}

func TestScheduleBeforeEmbargoLifts(t *testing.T) {
	deps := defaultDeps()
	deps.schedules.scheduleFn = func(context.Context, store.SiteContext, scheduler.ScheduleInput) (store.ScheduledJob, error) {
		return store.ScheduledJob{}, scheduler.ErrBeforeEmbargo
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/schedule", editorToken(t), `{"action":"publish","at":"2026-09-01T09:00:00Z"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "UNDER_EMBARGO" {
		t.Fatalf("expected UNDER_EMBARGO, got %v", payload)
	}
}

func TestEmbargoStatusRoute(t *testing.T) {
	deps := defaultDeps()
	until := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	deps.schedules.underEmbargoFn = func(context.Context, store.SiteContext, string) (bool, *time.Time, error) {
		return true, &until, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/embargo", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	if payload["under_embargo"] != true {
		t.Fatalf("expected embargo reported, got %v", payload)
	}
	if payload["until"] == nil {
		t.Fatalf("expected the lift time, got %v", payload)
	}
}

func TestCancelScheduledJobRoute(t *testing.T) {
	deps := defaultDeps()
	var cancelledID string
	deps.schedules.cancelFn = func(_ context.Context, _ store.SiteContext, jobID string, _ auth.Actor) error {
		cancelledID = jobID
		return nil
	}
	deps.schedules.getFn = func(_ context.Context, _ store.SiteContext, jobID string) (store.ScheduledJob, error) {
		return store.ScheduledJob{ID: jobID, SiteID: "site_1", Status: "cancelled"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/schedule/job_1/cancel", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if cancelledID != "job_1" {
		t.Fatalf("expected job_1 cancelled, got %q", cancelledID)
	}
	payload := parseResponse(t, rr)
	job, _ := payload["job"].(map[string]any)
	if job["status"] != "cancelled" {
		t.Fatalf("expected the refreshed job, got %v", payload)
	}
}

func TestCreatePreviewRoute(t *testing.T) {
	deps := defaultDeps()
	var got preview.CreateInput
	deps.previews.createFn = func(_ context.Context, _ store.SiteContext, input preview.CreateInput) (store.Preview, error) {
		got = input
		hash := "$2a$10$fake"
		return store.Preview{
			ID:           "prv_1",
			SiteID:       "site_1",
			DocumentID:   input.DocumentID,
			Name:         input.Name,
			Token:        "tok_abc",
			PasswordHash: &hash,
			MaxViews:     input.MaxViews,
			Status:       "active",
		}, nil
	}
	server := newTestServer(deps)

	body := `{"name":"Client link","ttl_seconds":3600,"password":"hunter2","max_views":5}`
	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/previews", editorToken(t), body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.TTL != time.Hour || got.Password != "hunter2" || got.MaxViews != 5 {
		t.Fatalf("unexpected create input: %+v", got)
	}
	payload := parseResponse(t, rr)
	pre, _ := payload["preview"].(map[string]any)
	if pre["token"] != "tok_abc" {
		t.Fatalf("expected the share token, got %v", payload)
	}
	if pre["password"] != true {
		t.Fatalf("expected the password flag, not the hash, got %v", payload)
	}
	if _, leaked := pre["password_hash"]; leaked {
		t.Fatalf("password hash must never be rendered, got %v", pre)
	}
}

func TestSitePreviewsFilterByDocument(t *testing.T) {
	deps := defaultDeps()
	var gotDocumentID string
	deps.previews.listFn = func(_ context.Context, _ store.SiteContext, documentID string, limit int) ([]store.Preview, error) {
		gotDocumentID = documentID
		return []store.Preview{{ID: "prv_1", DocumentID: documentID}}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/previews?document_id=doc_7", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotDocumentID != "doc_7" {
		t.Fatalf("expected document filter, got %q", gotDocumentID)
	}
}

func TestRevokePreviewRoute(t *testing.T) {
	deps := defaultDeps()
	var revokedID string
	deps.previews.revokeFn = func(_ context.Context, _ store.SiteContext, previewID string, _ auth.Actor) error {
		revokedID = previewID
		return nil
	}
	deps.previews.getFn = func(_ context.Context, _ store.SiteContext, previewID string) (store.Preview, error) {
		return store.Preview{ID: previewID, Status: "revoked"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/previews/prv_1/revoke", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if revokedID != "prv_1" {
		t.Fatalf("expected prv_1 revoked, got %q", revokedID)
	}
	payload := parseResponse(t, rr)
	pre, _ := payload["preview"].(map[string]any)
	if pre["status"] != "revoked" {
		t.Fatalf("expected refreshed preview, got %v", payload)
	}
}

func TestFeedbackModerationRoute(t *testing.T) {
	deps := defaultDeps()
	var gotID, gotStatus string
	deps.previews.setFeedbackStatusFn = func(_ context.Context, _ store.SiteContext, feedbackID, status string, _ auth.Actor) error {
		gotID, gotStatus = feedbackID, status
		return nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/feedback/fbk_1/status", editorToken(t), `{"status":"resolved"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotID != "fbk_1" || gotStatus != "resolved" {
		t.Fatalf("moderation not passed through: id=%q status=%q", gotID, gotStatus)
	}
	if payload := parseResponse(t, rr); payload["updated"] != true {
		t.Fatalf("expected updated true, got %v", payload)
	}
}

func TestWebhookSecretShownOnlyOnCreate(t *testing.T) {
	deps := defaultDeps()
	deps.data.listWebhooksFn = func(context.Context, store.SiteContext) ([]store.WebhookSubscription, error) {
		return []store.WebhookSubscription{{ID: "wh_1", SiteID: "site_1", URL: "https://example.com/hook", Secret: "supersecret", IsActive: true}}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/webhooks", editorToken(t), `{"url":"https://example.com/hook","events":["document.published"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	created, _ := payload["webhook"].(map[string]any)
	secret, _ := created["secret"].(string)
	if secret == "" {
		t.Fatalf("creation response must include the secret, got %v", payload)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/sites/site_1/webhooks", editorToken(t), "")
	payload = parseResponse(t, rr)
	listed, _ := payload["webhooks"].([]any)
	if len(listed) != 1 {
		t.Fatalf("expected one subscription, got %v", payload)
	}
	first, _ := listed[0].(map[string]any)
	if _, leaked := first["secret"]; leaked {
		t.Fatalf("listings must not carry the secret, got %v", first)
	}
}

func TestWebhookRejectsUnknownEvent(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/webhooks", editorToken(t), `{"url":"https://example.com/hook","events":["document.sneezed"]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWebhookDeactivateRoute(t *testing.T) {
	deps := defaultDeps()
	var gotID string
	var gotActive bool
	deps.data.setWebhookActiveFn = func(_ context.Context, _ store.SiteContext, subscriptionID string, active bool) error {
		gotID, gotActive = subscriptionID, active
		return nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/webhooks/wh_1/deactivate", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotID != "wh_1" || gotActive {
		t.Fatalf("expected wh_1 deactivated, got id=%q active=%v", gotID, gotActive)
	}
	if payload := parseResponse(t, rr); payload["is_active"] != false {
		t.Fatalf("expected is_active false, got %v", payload)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/search", editorToken(t), "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSearchScopesToSite(t *testing.T) {
	deps := defaultDeps()
	var got search.Query
	deps.search.searchFn = func(q search.Query) search.Response {
		got = q
		return search.Response{
			Results: []search.Result{{ID: "doc_1", Title: "Launch notes", SiteID: q.SiteID}},
			Total:   1,
			Query:   q.Text,
		}
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/search?q=launch&limit=5", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.SiteID != "site_1" || got.Text != "launch" || got.Limit != 5 {
		t.Fatalf("unexpected query: %+v", got)
	}
	payload := parseResponse(t, rr)
	if payload["total"] != float64(1) {
		t.Fatalf("unexpected response: %v", payload)
	}
}

func TestExportRouteSetsDownloadHeaders(t *testing.T) {
	deps := defaultDeps()
	var got export.Request
	deps.exports.exportFn = func(_ context.Context, _ store.SiteContext, req export.Request) (*export.Result, error) {
		got = req
		return &export.Result{Data: []byte("<!doctype html><h1>Launch notes</h1>"), Filename: "launch-notes.html", MimeType: "text/html; charset=utf-8"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/export?version=ver_2&history=1", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.Format != export.FormatHTML || got.VersionID != "ver_2" || !got.IncludeHistory {
		t.Fatalf("unexpected export request: %+v", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="launch-notes.html"` {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if rr.Body.String() != "<!doctype html><h1>Launch notes</h1>" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestExportPDFUnavailable(t *testing.T) {
	deps := defaultDeps()
	deps.exports.exportFn = func(context.Context, store.SiteContext, export.Request) (*export.Result, error) {
		return nil, export.ErrPDFDependencyMissing
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/export?format=pdf", editorToken(t), "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "EXPORT_UNAVAILABLE" {
		t.Fatalf("expected EXPORT_UNAVAILABLE, got %v", payload)
	}
}

func TestAssistRoute(t *testing.T) {
	deps := defaultDeps()
	var got ai.AssistInput
	deps.assist.assistFn = func(_ context.Context, _ store.SiteContext, input ai.AssistInput) (ai.AssistResult, error) {
		got = input
		return ai.AssistResult{DocumentID: input.DocumentID, Action: input.Action, Text: "A tighter draft."}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/assist", editorToken(t), `{"action":"summarize","text":"a long passage"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.DocumentID != "doc_1" || got.Action != "summarize" || got.Text != "a long passage" {
		t.Fatalf("unexpected assist input: %+v", got)
	}
	payload := parseResponse(t, rr)
	result, _ := payload["assist"].(map[string]any)
	if result["text"] != "A tighter draft." {
		t.Fatalf("unexpected assist payload: %v", payload)
	}
}

func TestAssistValidationMapsTo422(t *testing.T) {
	deps := defaultDeps()
	deps.assist.assistFn = func(context.Context, store.SiteContext, ai.AssistInput) (ai.AssistResult, error) {
		return ai.AssistResult{}, ai.ErrMissingLocale
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/sites/site_1/documents/doc_1/assist", editorToken(t), `{"action":"translate"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAssistUsageRoute(t *testing.T) {
	deps := defaultDeps()
	deps.assist.usageFn = func(_ context.Context, _ store.SiteContext, limit int) ([]store.AIUsage, error) {
		return []store.AIUsage{{ID: 1, SiteID: "site_1", Action: "summarize", Success: true}}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/assist/usage", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	usage, _ := payload["usage"].([]any)
	if len(usage) != 1 {
		t.Fatalf("expected one usage row, got %v", payload)
	}
}

func TestDocumentAuditTrailScopesResource(t *testing.T) {
	deps := defaultDeps()
	var gotType, gotID string
	deps.data.listAuditFn = func(_ context.Context, _ store.SiteContext, resourceType, resourceID string, limit int) ([]store.AuditEntry, error) {
		gotType, gotID = resourceType, resourceID
		return []store.AuditEntry{{ID: 1, Action: "document.create", ResourceType: resourceType, ResourceID: resourceID, Checksum: "abc"}}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/documents/doc_1/audit", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotType != "document" || gotID != "doc_1" {
		t.Fatalf("expected document-scoped trail, got type=%q id=%q", gotType, gotID)
	}
	payload := parseResponse(t, rr)
	entries, _ := payload["entries"].([]any)
	first, _ := entries[0].(map[string]any)
	if first["checksum"] != "abc" {
		t.Fatalf("expected the tamper checksum in the trail, got %v", first)
	}
}

func TestSiteAuditTrailPassesFilters(t *testing.T) {
	deps := defaultDeps()
	var gotType, gotID string
	deps.data.listAuditFn = func(_ context.Context, _ store.SiteContext, resourceType, resourceID string, limit int) ([]store.AuditEntry, error) {
		gotType, gotID = resourceType, resourceID
		return nil, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/sites/site_1/audit?resource_type=preview&resource_id=prv_1", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotType != "preview" || gotID != "prv_1" {
		t.Fatalf("filters not passed: type=%q id=%q", gotType, gotID)
	}
}
