package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *Store) InsertWebhookSubscription(ctx context.Context, sub WebhookSubscription) error {
	events := sub.Events
	if events == nil {
		events = []string{}
	}
	encoded, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, site_id, url, secret, events, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`, sub.ID, sub.SiteID, sub.URL, sub.Secret, string(encoded), sub.IsActive, sub.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (s *Store) ListWebhookSubscriptions(ctx context.Context, sc SiteContext) ([]WebhookSubscription, error) {
	rows, err := s.SiteAll(ctx, sc, `
		SELECT id, site_id, url, secret, COALESCE(events::text, '[]'), is_active, created_by, created_at
		FROM webhook_subscriptions
		WHERE 1=1`, "ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	items := make([]WebhookSubscription, 0)
	for rows.Next() {
		var sub WebhookSubscription
		var eventsRaw []byte
		if err := rows.Scan(&sub.ID, &sub.SiteID, &sub.URL, &sub.Secret, &eventsRaw, &sub.IsActive, &sub.CreatedBy, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		_ = json.Unmarshal(eventsRaw, &sub.Events)
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook subscriptions: %w", err)
	}
	return items, nil
}

// ActiveWebhookSubscriptions narrows to subscriptions listening for eventType
// on the event's own site; the delivery worker calls this with the site taken
// from the queued event.
func (s *Store) ActiveWebhookSubscriptions(ctx context.Context, sc SiteContext, eventType string) ([]WebhookSubscription, error) {
	subs, err := s.ListWebhookSubscriptions(ctx, sc)
	if err != nil {
		return nil, err
	}
	matched := make([]WebhookSubscription, 0)
	for _, sub := range subs {
		if !sub.IsActive {
			continue
		}
		if len(sub.Events) == 0 {
			matched = append(matched, sub)
			continue
		}
		for _, ev := range sub.Events {
			if ev == eventType || ev == "*" {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched, nil
}

func (s *Store) SetWebhookSubscriptionActive(ctx context.Context, sc SiteContext, subscriptionID string, active bool) error {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE webhook_subscriptions SET is_active=$2 WHERE id=$1`, subscriptionID, active)
	if err != nil {
		return fmt.Errorf("set webhook subscription active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteWebhookSubscription(ctx context.Context, sc SiteContext, subscriptionID string) error {
	res, err := s.SiteExec(ctx, sc, `
		DELETE FROM webhook_subscriptions WHERE id=$1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
