package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"masthead/internal/audit"
	"masthead/internal/store"
)

func TestDueJobsFeed(t *testing.T) {
	deps := defaultDeps()
	var gotLimit int
	deps.schedules.dueJobsFn = func(_ context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
		gotLimit = limit
		return []store.ScheduledJob{
			{ID: "job_1", SiteID: "site_1", DocumentID: "doc_1", Action: "publish", Status: "pending"},
			{ID: "job_2", SiteID: "site_2", DocumentID: "doc_9", Action: "unpublish", Status: "pending"},
		}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/admin/jobs/due?limit=25", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotLimit != 25 {
		t.Fatalf("expected limit 25, got %d", gotLimit)
	}
	payload := parseResponse(t, rr)
	jobs, _ := payload["jobs"].([]any)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 due jobs, got %v", payload)
	}
	first, _ := jobs[0].(map[string]any)
	if first["site_id"] != "site_1" {
		t.Fatalf("the feed spans tenants and must name each site, got %v", first)
	}
}

func TestProcessJobRouteRequiresSiteID(t *testing.T) {
	server := newTestServer(defaultDeps())

	rr := doRequest(t, server, http.MethodPost, "/api/admin/jobs/job_1/process", editorToken(t), `{}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["error"] != "site_id is required" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestProcessJobRoute(t *testing.T) {
	deps := defaultDeps()
	calls := 0
	deps.schedules.getFn = func(_ context.Context, _ store.SiteContext, jobID string) (store.ScheduledJob, error) {
		calls++
		if calls == 1 {
			return store.ScheduledJob{ID: jobID, SiteID: "site_1", Status: "pending", ScheduledAt: time.Now().Add(-time.Minute)}, nil
		}
		return store.ScheduledJob{ID: jobID, SiteID: "site_1", Status: "completed"}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/admin/jobs/job_1/process", editorToken(t), `{"site_id":"site_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseResponse(t, rr)
	job, _ := payload["job"].(map[string]any)
	if job["status"] != "completed" {
		t.Fatalf("expected the refreshed job, got %v", payload)
	}
}

func TestProcessJobRouteNotDue(t *testing.T) {
	deps := defaultDeps()
	deps.schedules.getFn = func(_ context.Context, _ store.SiteContext, jobID string) (store.ScheduledJob, error) {
		return store.ScheduledJob{ID: jobID, SiteID: "site_1", Status: "pending", ScheduledAt: time.Now().Add(time.Hour)}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodPost, "/api/admin/jobs/job_1/process", editorToken(t), `{"site_id":"site_1"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["code"] != "JOB_NOT_DUE" {
		t.Fatalf("expected JOB_NOT_DUE, got %v", payload)
	}
}

func TestAuditVerifyReportsMismatches(t *testing.T) {
	deps := defaultDeps()
	var gotAfter int64
	deps.audit.scanFn = func(_ context.Context, afterID int64, limit int) (audit.ScanResult, error) {
		gotAfter = afterID
		return audit.ScanResult{Checked: 10, Mismatched: []int64{7}, LastID: 52}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/admin/audit/verify?after=42", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotAfter != 42 {
		t.Fatalf("expected scan to start after 42, got %d", gotAfter)
	}
	payload := parseResponse(t, rr)
	if payload["ok"] != false {
		t.Fatalf("a mismatched entry must fail verification, got %v", payload)
	}
	if payload["checked"] != float64(10) || payload["last_id"] != float64(52) {
		t.Fatalf("unexpected scan summary: %v", payload)
	}
	mismatched, _ := payload["mismatched"].([]any)
	if len(mismatched) != 1 || mismatched[0] != float64(7) {
		t.Fatalf("expected entry 7 flagged, got %v", payload)
	}
}

func TestAuditVerifyCleanChain(t *testing.T) {
	deps := defaultDeps()
	deps.audit.scanFn = func(context.Context, int64, int) (audit.ScanResult, error) {
		return audit.ScanResult{Checked: 200, LastID: 200}, nil
	}
	server := newTestServer(deps)

	rr := doRequest(t, server, http.MethodGet, "/api/admin/audit/verify", editorToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := parseResponse(t, rr); payload["ok"] != true {
		t.Fatalf("an intact chain verifies, got %v", payload)
	}
}
