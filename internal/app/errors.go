package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"masthead/internal/ai"
	"masthead/internal/auth"
	"masthead/internal/export"
	"masthead/internal/preview"
	"masthead/internal/scheduler"
	"masthead/internal/session"
	"masthead/internal/store"
	"masthead/internal/version"
	"masthead/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into HTTP responses. Domain packages
// return sentinel errors; the mapping to status codes lives here so the
// services stay transport-free.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN", "invalid bearer token", nil
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "EXPIRED_TOKEN", "bearer token expired", nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "SESSION_EXPIRED", "viewer session not found or expired", nil

	case errors.Is(err, preview.ErrPasswordRequired):
		return http.StatusUnauthorized, "PASSWORD_REQUIRED", err.Error(), nil
	case errors.Is(err, preview.ErrInvalidPassword):
		return http.StatusUnauthorized, "INVALID_PASSWORD", err.Error(), nil
	case errors.Is(err, preview.ErrEmailRequired):
		return http.StatusUnauthorized, "EMAIL_REQUIRED", err.Error(), nil
	case errors.Is(err, preview.ErrEmailNotAllowed):
		return http.StatusForbidden, "EMAIL_NOT_ALLOWED", err.Error(), nil
	case errors.Is(err, preview.ErrPreviewRevoked):
		return http.StatusGone, "PREVIEW_REVOKED", err.Error(), nil
	case errors.Is(err, preview.ErrPreviewExpired):
		return http.StatusGone, "PREVIEW_EXPIRED", err.Error(), nil
	case errors.Is(err, preview.ErrViewLimitReached):
		return http.StatusGone, "VIEW_LIMIT_REACHED", err.Error(), nil

	case errors.Is(err, workflow.ErrRoleNotAllowed),
		errors.Is(err, workflow.ErrNotEligible):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil

	case errors.Is(err, workflow.ErrUnderEmbargo),
		errors.Is(err, scheduler.ErrBeforeEmbargo):
		return http.StatusConflict, "UNDER_EMBARGO", err.Error(), nil

	case errors.Is(err, version.ErrVersionConflict),
		errors.Is(err, workflow.ErrWorkflowInUse),
		errors.Is(err, workflow.ErrStateExists),
		errors.Is(err, workflow.ErrStageNotApprovable),
		errors.Is(err, workflow.ErrAlreadyApproved),
		errors.Is(err, workflow.ErrNoRejectPath),
		errors.Is(err, workflow.ErrNoPublishPath),
		errors.Is(err, scheduler.ErrNotPending),
		errors.Is(err, preview.ErrFeedbackClosed):
		return http.StatusConflict, "CONFLICT", err.Error(), nil

	case errors.Is(err, version.ErrCrossDocumentCompare),
		errors.Is(err, version.ErrUnknownVersionType),
		errors.Is(err, version.ErrUnknownFormat),
		errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, workflow.ErrCommentRequired),
		errors.Is(err, scheduler.ErrUnknownAction),
		errors.Is(err, scheduler.ErrPastSchedule),
		errors.Is(err, preview.ErrInvalidLifetime),
		errors.Is(err, preview.ErrInvalidViewLimit),
		errors.Is(err, preview.ErrUnknownFeedbackKind),
		errors.Is(err, preview.ErrUnknownFeedbackStatus),
		errors.Is(err, preview.ErrEmptyFeedback),
		errors.Is(err, ai.ErrUnknownAction),
		errors.Is(err, ai.ErrMissingLocale),
		errors.Is(err, ai.ErrEmptyText),
		errors.Is(err, export.ErrUnknownFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil

	case errors.Is(err, export.ErrPDFDependencyMissing),
		errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil

	case errors.Is(err, ai.ErrAssistDisabled):
		return http.StatusServiceUnavailable, "ASSIST_UNAVAILABLE", err.Error(), nil

	case errors.Is(err, version.ErrDocumentNotFound),
		errors.Is(err, version.ErrVersionNotFound),
		errors.Is(err, workflow.ErrDocumentNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrStateNotFound),
		errors.Is(err, workflow.ErrTransitionNotFound),
		errors.Is(err, scheduler.ErrDocumentNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, preview.ErrDocumentNotFound),
		errors.Is(err, preview.ErrPreviewNotFound),
		errors.Is(err, preview.ErrFeedbackNotFound),
		errors.Is(err, ai.ErrDocumentNotFound),
		errors.Is(err, export.ErrDocumentNotFound),
		errors.Is(err, export.ErrVersionNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil

	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "not found", nil

	case errors.Is(err, store.ErrMissingSiteContext):
		return http.StatusInternalServerError, "SERVER_ERROR", "server error", nil
	}

	return http.StatusInternalServerError, "SERVER_ERROR", "server error", nil
}
