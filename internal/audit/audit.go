// Package audit records who did what to which resource. Entries are
// append-only and carry a content checksum so tampering with stored rows is
// detectable after the fact.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"masthead/internal/store"
)

type Entry struct {
	SiteID       string
	Action       string
	ActorID      string
	ActorEmail   string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// Sink accepts audit entries. Recording is best effort: implementations log
// failures and never propagate them, so a broken audit path cannot roll back
// the mutation it describes.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Func adapts a function to the Sink interface; tests use it to capture
// entries.
type Func func(ctx context.Context, entry Entry)

func (f Func) Record(ctx context.Context, entry Entry) {
	f(ctx, entry)
}

// NopSink drops every entry.
type NopSink struct{}

func (NopSink) Record(context.Context, Entry) {}

// Checksum hashes the canonical form of an entry. Metadata keys are sorted so
// the digest does not depend on map order; the checksum itself is excluded.
func Checksum(entry Entry) string {
	var b strings.Builder
	b.WriteString("v1|")
	b.WriteString(entry.SiteID)
	b.WriteString("|")
	b.WriteString(entry.Action)
	b.WriteString("|")
	b.WriteString(entry.ActorID)
	b.WriteString("|")
	b.WriteString(entry.ActorEmail)
	b.WriteString("|")
	b.WriteString(entry.ResourceType)
	b.WriteString("|")
	b.WriteString(entry.ResourceID)
	b.WriteString("|")
	b.WriteString(entry.OccurredAt.UTC().Format(time.RFC3339Nano))

	keys := make([]string, 0, len(entry.Metadata))
	for k := range entry.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(entry.Metadata[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum for a stored row and compares in constant
// time.
func Verify(stored store.AuditEntry) bool {
	expected := Checksum(Entry{
		SiteID:       stored.SiteID,
		Action:       stored.Action,
		ActorID:      stored.ActorID,
		ActorEmail:   stored.ActorEmail,
		ResourceType: stored.ResourceType,
		ResourceID:   stored.ResourceID,
		Metadata:     stored.Metadata,
		OccurredAt:   stored.CreatedAt,
	})
	return hmac.Equal([]byte(expected), []byte(stored.Checksum))
}

type storeWriter interface {
	InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error
	ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]store.AuditEntry, error)
}

// StoreSink persists entries to the audit_log table.
type StoreSink struct {
	store storeWriter
	log   *zap.SugaredLogger
}

func NewStoreSink(st storeWriter, log *zap.SugaredLogger) *StoreSink {
	return &StoreSink{store: st, log: log}
}

func (s *StoreSink) Record(ctx context.Context, entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	row := store.AuditEntry{
		SiteID:       entry.SiteID,
		Action:       entry.Action,
		ActorID:      entry.ActorID,
		ActorEmail:   entry.ActorEmail,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Metadata:     entry.Metadata,
		Checksum:     Checksum(entry),
		CreatedAt:    entry.OccurredAt,
	}
	if err := s.store.InsertAuditEntry(ctx, row); err != nil {
		s.log.Warnw("audit record failed", "action", entry.Action, "resource_id", entry.ResourceID, "error", err)
	}
}

// ScanResult reports one integrity pass over the log.
type ScanResult struct {
	Checked    int
	Mismatched []int64
	LastID     int64
}

// Scan walks the log from afterID and recomputes every checksum. Mismatches
// identify rows changed outside the insert path.
func (s *StoreSink) Scan(ctx context.Context, afterID int64, limit int) (ScanResult, error) {
	entries, err := s.store.ListAuditAfter(ctx, afterID, limit)
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan audit log: %w", err)
	}
	result := ScanResult{LastID: afterID}
	for _, entry := range entries {
		result.Checked++
		result.LastID = entry.ID
		if !Verify(entry) {
			result.Mismatched = append(result.Mismatched, entry.ID)
		}
	}
	return result, nil
}
