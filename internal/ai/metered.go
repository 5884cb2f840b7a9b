package ai

import (
	"context"
	"time"

	"go.uber.org/zap"

	"masthead/internal/store"
)

type usageStore interface {
	InsertAIUsage(ctx context.Context, usage store.AIUsage) error
}

// Metered decorates a Client with cost accounting. Every call writes one
// ai_usage row, failures included, attributed to the site and actor that
// triggered it. This is separate from the audit log: usage rows answer
// "what did this cost", not "who changed what".
type Metered struct {
	next  Client
	store usageStore
	log   *zap.SugaredLogger
}

func NewMetered(next Client, st usageStore, log *zap.SugaredLogger) *Metered {
	return &Metered{next: next, store: st, log: log}
}

// Run executes the call and records it. The accounting write uses a detached
// context so a cancelled request still leaves a usage row; write failures are
// logged and never fail the call itself.
func (m *Metered) Run(ctx context.Context, siteID, actorID string, req Request) (Result, Usage, error) {
	start := time.Now()
	result, usage, err := m.next.Run(ctx, req)

	entry := store.AIUsage{
		SiteID:           siteID,
		Action:           req.Action,
		Locale:           req.Locale,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		DurationMS:       time.Since(start).Milliseconds(),
		Success:          err == nil,
		ActorID:          actorID,
	}

	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if recErr := m.store.InsertAIUsage(recCtx, entry); recErr != nil {
		m.log.Warnw("ai usage not recorded", "site_id", siteID, "action", req.Action, "error", recErr)
	}

	return result, usage, err
}
