package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"masthead/internal/auth"
	"masthead/internal/preview"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.SugaredLogger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.SugaredLogger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body LoginInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Login(r.Context(), body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      result.Token,
			"expires_at": result.ExpiresAt,
			"actor":      renderActor(result.Actor),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		actor, err := s.service.ActorFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "actor": renderActor(actor)})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	// Preview share links are public: viewers authenticate with the token
	// and whatever gate the preview carries, never with an editorial session.
	if parts[1] == "previews" && len(parts) >= 3 {
		s.handlePublicPreview(w, r, parts[2], parts[3:])
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "admin":
		s.handleAdmin(w, r, parts[2:])
	case "sites":
		if len(parts) == 2 {
			s.handleSites(w, r, actor)
			return
		}
		s.handleSite(w, r, actor, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) handleSites(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	switch r.Method {
	case http.MethodGet:
		sites, err := s.service.ListSites(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(sites))
		for _, site := range sites {
			out = append(out, renderSite(site))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sites": out})
	case http.MethodPost:
		var body CreateSiteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		site, err := s.service.CreateSite(r.Context(), body, actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"site": renderSite(site)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

// handleAdmin serves the cross-tenant operator surface: the due-job feed an
// external timer polls, on-demand job processing and audit verification.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, rest []string) {
	ctx := r.Context()

	if r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "jobs" && rest[1] == "due" {
		limit := parseLimit(r, 100, 500)
		jobs, err := s.service.DueJobs(ctx, time.Now(), limit)
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

	if r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "jobs" && rest[2] == "process" {
		var body struct {
			SiteID string `json:"site_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.SiteID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "site_id is required", nil)
			return
		}
		job, err := s.service.ProcessJob(ctx, body.SiteID, rest[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": renderJob(job)})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "audit" && rest[1] == "verify" {
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		limit := parseLimit(r, 1000, 10000)
		result, err := s.service.VerifyAudit(ctx, after, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         len(result.Mismatched) == 0,
			"checked":    result.Checked,
			"mismatched": result.Mismatched,
			"last_id":    result.LastID,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
}

func (s *HTTPServer) handlePublicPreview(w http.ResponseWriter, r *http.Request, token string, rest []string) {
	ctx := r.Context()
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && rest[0] == "access":
		var body struct {
			Password string `json:"password"`
			Email    string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		access, count, viewerToken, err := s.service.OpenPreview(ctx, token, preview.Credentials{
			Password: body.Password,
			Email:    body.Email,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		response := map[string]any{"access": access, "view_count": count}
		if viewerToken != "" {
			response["viewer_session"] = viewerToken
		}
		writeJSON(w, http.StatusOK, response)

	case r.Method == http.MethodGet && rest[0] == "content":
		viewerToken := r.Header.Get("X-Viewer-Session")
		if viewerToken == "" {
			viewerToken = r.URL.Query().Get("session")
		}
		access, err := s.service.ResumePreview(ctx, token, viewerToken)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access": access})

	case r.Method == http.MethodPost && rest[0] == "feedback":
		var body struct {
			ParentID    *string `json:"parent_id"`
			Kind        string  `json:"kind"`
			Body        string  `json:"body"`
			AuthorName  string  `json:"author_name"`
			AuthorEmail string  `json:"author_email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		feedback, err := s.service.previews.AddFeedback(ctx, token, preview.FeedbackInput{
			ParentID:    body.ParentID,
			Kind:        body.Kind,
			Body:        body.Body,
			AuthorName:  body.AuthorName,
			AuthorEmail: body.AuthorEmail,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"feedback": renderFeedback(feedback)})

	case r.Method == http.MethodGet && rest[0] == "feedback":
		items, err := s.service.previews.FeedbackForToken(ctx, token)
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			out = append(out, renderFeedback(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": out})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return auth.Actor{}, false
	}
	actor, err := s.service.ActorFromToken(token)
	if err != nil {
		s.fail(w, err)
		return auth.Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Infow("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Viewer-Session")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseLimit(r *http.Request, fallback, ceiling int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > ceiling {
		return ceiling
	}
	return parsed
}

func parseOffset(r *http.Request) int {
	parsed, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func parseBoolParam(raw string) bool {
	return raw == "1" || strings.EqualFold(raw, "true")
}
