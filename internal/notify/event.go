// Package notify fans document lifecycle events out to site webhook
// subscriptions. Dispatch never blocks or fails the mutation that raised the
// event; delivery happens on the queue or in a background goroutine.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	EventWorkflowTransition  = "workflow.transition"
	EventDocumentPublished   = "document.published"
	EventDocumentUnpublished = "document.unpublished"
	EventDocumentArchived    = "document.archived"
	EventScheduleCreated     = "schedule.created"
	EventScheduleCancelled   = "schedule.cancelled"
	EventPreviewCreated      = "preview.created"
	EventPreviewRevoked      = "preview.revoked"
	EventPreviewFeedback     = "preview.feedback"
)

// TaskWebhookDeliver is the asynq task type carrying one serialized Event.
const TaskWebhookDeliver = "webhook:deliver"

const deliverMaxRetry = 3

type Event struct {
	Type       string            `json:"type"`
	SiteID     string            `json:"site_id"`
	DocumentID string            `json:"document_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}

// Dispatcher hands an event off for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// Func adapts a function to the Dispatcher interface; tests use it to capture
// events.
type Func func(ctx context.Context, event Event)

func (f Func) Dispatch(ctx context.Context, event Event) {
	f(ctx, event)
}

// NopDispatcher drops every event.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(context.Context, Event) {}

// QueueDispatcher enqueues events as webhook:deliver tasks for the worker
// process. Enqueue failures are logged and swallowed.
type QueueDispatcher struct {
	client *asynq.Client
	log    *zap.SugaredLogger
}

func NewQueueDispatcher(client *asynq.Client, log *zap.SugaredLogger) *QueueDispatcher {
	return &QueueDispatcher{client: client, log: log}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		d.log.Warnw("marshal webhook event", "type", event.Type, "error", err)
		return
	}
	task := asynq.NewTask(TaskWebhookDeliver, data)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(deliverMaxRetry)); err != nil {
		d.log.Warnw("enqueue webhook event", "type", event.Type, "site_id", event.SiteID, "error", err)
	}
}

// InlineDispatcher delivers from a goroutine when no Redis queue is
// configured. The goroutine gets its own timeout so a slow endpoint cannot
// outlive the request that raised the event.
type InlineDispatcher struct {
	deliverer *Deliverer
	timeout   time.Duration
	log       *zap.SugaredLogger
}

func NewInlineDispatcher(deliverer *Deliverer, timeout time.Duration, log *zap.SugaredLogger) *InlineDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InlineDispatcher{deliverer: deliverer, timeout: timeout, log: log}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.deliverer.Deliver(ctx, event); err != nil {
			d.log.Warnw("inline webhook delivery", "type", event.Type, "site_id", event.SiteID, "error", err)
		}
	}()
}
