package app

import (
	"fmt"
	"net/http"
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

// handleSite routes everything under /api/sites/{siteID}/. The site context
// is built once here and passed down; no handler below ever queries without
// it.
func (s *HTTPServer) handleSite(w http.ResponseWriter, r *http.Request, actor auth.Actor, siteID string, rest []string) {
	sc := store.SiteOnly(siteID)

	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			site, err := s.service.GetSite(r.Context(), siteID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"site": renderSite(site)})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		return
	}

	switch rest[0] {
	case "documents":
		s.handleDocuments(w, r, actor, sc, rest[1:])
	case "versions":
		s.handleVersions(w, r, actor, sc, rest[1:])
	case "workflows":
		s.handleWorkflowDefinitions(w, r, actor, sc, rest[1:])
	case "schedule":
		s.handleScheduledJobs(w, r, actor, sc, rest[1:])
	case "previews":
		s.handleSitePreviews(w, r, actor, sc, rest[1:])
	case "feedback":
		s.handleSiteFeedback(w, r, actor, sc, rest[1:])
	case "webhooks":
		s.handleWebhooks(w, r, actor, sc, rest[1:])
	case "search":
		s.handleSearch(w, r, siteID, rest[1:])
	case "assist":
		s.handleAssistUsage(w, r, sc, rest[1:])
	case "audit":
		s.handleSiteAudit(w, r, sc, rest[1:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			limit := parseLimit(r, 50, 200)
			docs, err := s.service.ListDocuments(ctx, sc, r.URL.Query().Get("status"), limit, parseOffset(r))
			if err != nil {
				s.fail(w, err)
				return
			}
			out := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				out = append(out, renderDocumentSummary(doc))
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": out})
		case http.MethodPost:
			var body CreateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateDocument(ctx, sc, body, actor)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"document": renderDocument(doc)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	documentID := rest[0]
	rest = rest[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(ctx, sc, documentID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": renderDocument(doc)})
		case http.MethodPut:
			var body struct {
				Title   string `json:"title"`
				Content string `json:"content"`
				Format  string `json:"format"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, created, err := s.service.versions.UpdateContent(ctx, sc, version.UpdateContentInput{
				DocumentID: documentID,
				Title:      body.Title,
				Content:    body.Content,
				Format:     body.Format,
				Actor:      actor,
			})
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"document": renderDocument(doc),
				"version":  renderVersionPtr(created),
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "versions":
		s.handleDocumentVersions(w, r, actor, sc, documentID, rest[1:])
	case "workflow":
		s.handleDocumentWorkflow(w, r, actor, sc, documentID, rest[1:])
	case "schedule":
		s.handleDocumentSchedule(w, r, actor, sc, documentID, rest[1:])
	case "embargo":
		if r.Method != http.MethodGet || len(rest) != 1 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
			return
		}
		embargoed, until, err := s.service.schedules.UnderEmbargo(ctx, sc, documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"under_embargo": embargoed, "until": until})
	case "previews":
		s.handleDocumentPreviews(w, r, actor, sc, documentID, rest[1:])
	case "export":
		if r.Method != http.MethodGet || len(rest) != 1 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
			return
		}
		s.handleExport(w, r, sc, documentID)
	case "assist":
		if r.Method != http.MethodPost || len(rest) != 1 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
			return
		}
		var body struct {
			Action string `json:"action"`
			Text   string `json:"text"`
			Locale string `json:"locale"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.assist.Assist(ctx, sc, ai.AssistInput{
			DocumentID: documentID,
			Action:     body.Action,
			Text:       body.Text,
			Locale:     body.Locale,
			Actor:      actor,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assist": result})
	case "audit":
		if r.Method != http.MethodGet || len(rest) != 1 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
			return
		}
		entries, err := s.service.AuditTrail(ctx, sc, "document", documentID, parseLimit(r, 100, 500))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			out = append(out, renderAuditEntry(entry))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) handleDocumentVersions(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, documentID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 1 && rest[0] == "compare" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" || to == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to version ids are required", nil)
			return
		}
		diff, err := s.service.versions.Compare(ctx, sc, from, to)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
		return
	}

	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		versions, err := s.service.versions.List(ctx, sc, documentID, parseLimit(r, 50, 200), parseOffset(r))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			out = append(out, renderVersionSummary(v))
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": out})
	case http.MethodPost:
		var body struct {
			Type     string            `json:"type"`
			Label    string            `json:"label"`
			Notes    string            `json:"notes"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Type == "" {
			body.Type = version.TypeManual
		}
		created, err := s.service.versions.Create(ctx, sc, version.CreateInput{
			DocumentID: documentID,
			Type:       body.Type,
			Label:      body.Label,
			Notes:      body.Notes,
			Metadata:   body.Metadata,
			Actor:      actor,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		if created == nil {
			// An auto snapshot of unchanged content settles as a no-op.
			writeJSON(w, http.StatusOK, map[string]any{"version": nil})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": renderVersion(*created)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if r.Method == http.MethodGet && len(rest) == 1 {
		v, err := s.service.versions.Get(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": renderVersion(v)})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "restore" {
		restored, err := s.service.versions.Restore(ctx, sc, rest[0], actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": renderVersionPtr(restored)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (s *HTTPServer) handleWorkflowDefinitions(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			defs, err := s.service.workflows.ListDefinitions(ctx, sc)
			if err != nil {
				s.fail(w, err)
				return
			}
			out := make([]map[string]any, 0, len(defs))
			for _, def := range defs {
				out = append(out, renderDefinition(def))
			}
			writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
		case http.MethodPost:
			var body workflow.CreateDefinitionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			def, err := s.service.workflows.CreateDefinition(ctx, sc, body, actor)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"workflow": renderDefinition(def)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	workflowID := rest[0]

	switch r.Method {
	case http.MethodGet:
		def, err := s.service.workflows.GetDefinition(ctx, sc, workflowID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow": renderDefinition(def)})
	case http.MethodPut:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			IsDefault   bool   `json:"is_default"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.workflows.UpdateDefinitionMeta(ctx, sc, workflowID, body.Name, body.Description, body.IsDefault, actor); err != nil {
			s.fail(w, err)
			return
		}
		def, err := s.service.workflows.GetDefinition(ctx, sc, workflowID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflow": renderDefinition(def)})
	case http.MethodDelete:
		if err := s.service.workflows.DeleteDefinition(ctx, sc, workflowID, actor); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (s *HTTPServer) handleDocumentWorkflow(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, documentID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		view, err := s.service.workflows.State(ctx, sc, documentID, actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": view})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "history" {
		records, err := s.service.workflows.History(ctx, sc, documentID, parseLimit(r, 50, 200))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			out = append(out, renderTransition(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": out})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "transitions" {
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.workflows.ExecuteTransition(ctx, sc, documentID, rest[1], body.Comment, actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": view})
		return
	}

	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	switch rest[0] {
	case "initialize":
		var body struct {
			WorkflowID string `json:"workflow_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.workflows.Initialize(ctx, sc, documentID, body.WorkflowID, actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"state": view})
	case "submit", "approve", "reject":
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var view workflow.StateView
		var err error
		switch rest[0] {
		case "submit":
			view, err = s.service.workflows.Submit(ctx, sc, documentID, body.Comment, actor)
		case "approve":
			view, err = s.service.workflows.Approve(ctx, sc, documentID, body.Comment, actor)
		default:
			view, err = s.service.workflows.Reject(ctx, sc, documentID, body.Comment, actor)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": view})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) handleDocumentSchedule(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, documentID string, rest []string) {
	ctx := r.Context()
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		jobs, err := s.service.schedules.List(ctx, sc, documentID, r.URL.Query().Get("status"), parseLimit(r, 50, 200))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, renderJob(job))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	case http.MethodPost:
		var body struct {
			Action   string    `json:"action"`
			At       time.Time `json:"at"`
			Timezone string    `json:"timezone"`
			Notes    string    `json:"notes"`
			Embargo  bool      `json:"embargo"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		job, err := s.service.schedules.Schedule(ctx, sc, scheduler.ScheduleInput{
			DocumentID: documentID,
			Action:     body.Action,
			At:         body.At,
			Timezone:   body.Timezone,
			Notes:      body.Notes,
			Embargo:    body.Embargo,
			Actor:      actor,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": renderJob(job)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (s *HTTPServer) handleScheduledJobs(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if r.Method == http.MethodGet && len(rest) == 0 {
		jobs, err := s.service.schedules.List(ctx, sc, "", r.URL.Query().Get("status"), parseLimit(r, 50, 200))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, renderJob(job))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 {
		job, err := s.service.schedules.Get(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": renderJob(job)})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "cancel" {
		if err := s.service.schedules.Cancel(ctx, sc, rest[0], actor); err != nil {
			s.fail(w, err)
			return
		}
		job, err := s.service.schedules.Get(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": renderJob(job)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (s *HTTPServer) handleDocumentPreviews(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, documentID string, rest []string) {
	ctx := r.Context()
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := s.service.previews.List(ctx, sc, documentID, parseLimit(r, 50, 200))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			out = append(out, renderPreview(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"previews": out})
	case http.MethodPost:
		var body struct {
			Name          string   `json:"name"`
			TTLSeconds    int      `json:"ttl_seconds"`
			Password      string   `json:"password"`
			AllowedEmails []string `json:"allowed_emails"`
			MaxViews      int      `json:"max_views"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.previews.Create(ctx, sc, preview.CreateInput{
			DocumentID:    documentID,
			Name:          body.Name,
			TTL:           time.Duration(body.TTLSeconds) * time.Second,
			Password:      body.Password,
			AllowedEmails: body.AllowedEmails,
			MaxViews:      body.MaxViews,
			Actor:         actor,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"preview": renderPreview(created)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (s *HTTPServer) handleSitePreviews(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if r.Method == http.MethodGet && len(rest) == 0 {
		items, err := s.service.previews.List(ctx, sc, r.URL.Query().Get("document_id"), parseLimit(r, 50, 200))
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			out = append(out, renderPreview(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"previews": out})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 {
		item, err := s.service.previews.Get(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"preview": renderPreview(item)})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "revoke" {
		if err := s.service.previews.Revoke(ctx, sc, rest[0], actor); err != nil {
			s.fail(w, err)
			return
		}
		item, err := s.service.previews.Get(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"preview": renderPreview(item)})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "feedback" {
		items, err := s.service.previews.ListFeedback(ctx, sc, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			out = append(out, renderFeedback(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": out})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (s *HTTPServer) handleSiteFeedback(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	if r.Method != http.MethodPost || len(rest) != 2 || rest[1] != "status" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.previews.SetFeedbackStatus(r.Context(), sc, rest[0], body.Status, actor); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *HTTPServer) handleWebhooks(w http.ResponseWriter, r *http.Request, actor auth.Actor, sc store.SiteContext, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			subs, err := s.service.ListWebhooks(ctx, sc)
			if err != nil {
				s.fail(w, err)
				return
			}
			out := make([]map[string]any, 0, len(subs))
			for _, sub := range subs {
				out = append(out, renderWebhook(sub, false))
			}
			writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
		case http.MethodPost:
			var body CreateWebhookInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			sub, err := s.service.CreateWebhook(ctx, sc, body, actor)
			if err != nil {
				s.fail(w, err)
				return
			}
			// The signing secret is shown exactly once, here.
			writeJSON(w, http.StatusCreated, map[string]any{"webhook": renderWebhook(sub, true)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodDelete && len(rest) == 1 {
		if err := s.service.DeleteWebhook(ctx, sc, rest[0], actor); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && (rest[1] == "activate" || rest[1] == "deactivate") {
		active := rest[1] == "activate"
		if err := s.service.SetWebhookActive(ctx, sc, rest[0], active, actor); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"is_active": active})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, siteID string, rest []string) {
	if r.Method != http.MethodGet || len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	response := s.service.search.Search(search.Query{
		Text:   q,
		SiteID: siteID,
		Limit:  parseLimit(r, 20, 100),
		Offset: parseOffset(r),
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, sc store.SiteContext, documentID string) {
	query := r.URL.Query()
	format := export.Format(query.Get("format"))
	if format == "" {
		format = export.FormatHTML
	}
	result, err := s.service.exports.Export(r.Context(), sc, export.Request{
		DocumentID:     documentID,
		VersionID:      query.Get("version"),
		Format:         format,
		IncludeHistory: parseBoolParam(query.Get("history")),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleAssistUsage(w http.ResponseWriter, r *http.Request, sc store.SiteContext, rest []string) {
	if r.Method != http.MethodGet || len(rest) != 1 || rest[0] != "usage" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	usage, err := s.service.assist.UsageLog(r.Context(), sc, parseLimit(r, 100, 500))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(usage))
	for _, row := range usage {
		out = append(out, renderUsage(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": out})
}

func (s *HTTPServer) handleSiteAudit(w http.ResponseWriter, r *http.Request, sc store.SiteContext, rest []string) {
	if r.Method != http.MethodGet || len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}
	query := r.URL.Query()
	entries, err := s.service.AuditTrail(r.Context(), sc, query.Get("resource_type"), query.Get("resource_id"), parseLimit(r, 100, 500))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, renderAuditEntry(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
