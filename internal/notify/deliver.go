package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"masthead/internal/store"
)

type subscriptionStore interface {
	ActiveWebhookSubscriptions(ctx context.Context, sc store.SiteContext, eventType string) ([]store.WebhookSubscription, error)
}

// Deliverer posts an event to every active subscription on the event's site
// that listens for its type. Each request is signed with the subscription
// secret so receivers can authenticate the payload.
type Deliverer struct {
	store  subscriptionStore
	client *http.Client
	log    *zap.SugaredLogger
}

func NewDeliverer(st subscriptionStore, timeout time.Duration, log *zap.SugaredLogger) *Deliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Deliverer{store: st, client: &http.Client{Timeout: timeout}, log: log}
}

// Handler registers the webhook delivery task for the asynq worker.
func (d *Deliverer) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskWebhookDeliver, d.handleDeliver)
	return mux
}

func (d *Deliverer) handleDeliver(ctx context.Context, task *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return fmt.Errorf("decode webhook event: %w", err)
	}
	return d.Deliver(ctx, event)
}

// Deliver returns an error when any endpoint fails so the queue retries the
// whole event. Endpoints are expected to dedupe on (type, occurred_at).
func (d *Deliverer) Deliver(ctx context.Context, event Event) error {
	subs, err := d.store.ActiveWebhookSubscriptions(ctx, store.SiteOnly(event.SiteID), event.Type)
	if err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	failed := 0
	for _, sub := range subs {
		if err := d.post(ctx, sub, event.Type, body); err != nil {
			failed++
			d.log.Warnw("webhook delivery failed", "subscription_id", sub.ID, "url", sub.URL, "type", event.Type, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("webhook delivery: %d of %d endpoints failed", failed, len(subs))
	}
	return nil
}

func (d *Deliverer) post(ctx context.Context, sub store.WebhookSubscription, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Masthead-Event", eventType)
	req.Header.Set("X-Masthead-Signature", "sha256="+Sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under the subscription secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received X-Masthead-Signature header value in
// constant time. Exported for receiver-side use and tests.
func VerifySignature(secret string, body []byte, header string) bool {
	expected := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
