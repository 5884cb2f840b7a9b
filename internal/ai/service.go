package ai

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"masthead/internal/auth"
	"masthead/internal/store"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrUnknownAction    = errors.New("unknown assist action")
	ErrMissingLocale    = errors.New("translate requires a target locale")
	ErrEmptyText        = errors.New("no text to work on")
	ErrAssistDisabled   = errors.New("assist endpoint not configured")
)

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, id string) (store.Document, error)
	ListAIUsage(ctx context.Context, sc store.SiteContext, limit int) ([]store.AIUsage, error)
}

// Service runs assist actions over documents. Results go back to the caller
// only; the document is never mutated, accepting a suggestion is an editor
// decision made through the normal autosave path.
type Service struct {
	store  dataStore
	runner *Metered
	log    *zap.SugaredLogger
}

func New(st dataStore, runner *Metered, log *zap.SugaredLogger) *Service {
	return &Service{store: st, runner: runner, log: log}
}

type AssistInput struct {
	DocumentID string
	Action     string
	Text       string
	Locale     string
	Actor      auth.Actor
}

type AssistResult struct {
	DocumentID string  `json:"document_id"`
	Action     string  `json:"action"`
	Text       string  `json:"text,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Usage      Usage   `json:"usage"`
}

// Assist runs one action against the document. Text overrides the document
// content when set, so editors can target a selection instead of the whole
// body.
func (s *Service) Assist(ctx context.Context, sc store.SiteContext, input AssistInput) (AssistResult, error) {
	action := strings.ToLower(strings.TrimSpace(input.Action))
	switch action {
	case ActionRewrite, ActionSummarize, ActionTranslate, ActionQC:
	default:
		return AssistResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, input.Action)
	}

	locale := strings.TrimSpace(input.Locale)
	if action == ActionTranslate && locale == "" {
		return AssistResult{}, ErrMissingLocale
	}

	doc, err := s.store.GetDocument(ctx, sc, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssistResult{}, ErrDocumentNotFound
		}
		return AssistResult{}, err
	}

	text := strings.TrimSpace(input.Text)
	if text == "" {
		text = strings.TrimSpace(doc.Content)
	}
	if text == "" {
		return AssistResult{}, ErrEmptyText
	}

	result, usage, err := s.runner.Run(ctx, doc.SiteID, input.Actor.ID, Request{Action: action, Text: text, Locale: locale})
	if err != nil {
		return AssistResult{}, fmt.Errorf("run assist: %w", err)
	}

	return AssistResult{
		DocumentID: doc.ID,
		Action:     action,
		Text:       result.Text,
		Score:      result.Score,
		Usage:      usage,
	}, nil
}

// UsageLog returns recent assist calls for the site, newest first.
func (s *Service) UsageLog(ctx context.Context, sc store.SiteContext, limit int) ([]store.AIUsage, error) {
	return s.store.ListAIUsage(ctx, sc, limit)
}
