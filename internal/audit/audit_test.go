package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"masthead/internal/logger"
	"masthead/internal/store"
)

type fakeAuditStore struct {
	insertFn    func(ctx context.Context, entry store.AuditEntry) error
	listAfterFn func(ctx context.Context, afterID int64, limit int) ([]store.AuditEntry, error)
}

func (f *fakeAuditStore) InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error {
	if f.insertFn == nil {
		return nil
	}
	return f.insertFn(ctx, entry)
}

func (f *fakeAuditStore) ListAuditAfter(ctx context.Context, afterID int64, limit int) ([]store.AuditEntry, error) {
	if f.listAfterFn == nil {
		return nil, nil
	}
	return f.listAfterFn(ctx, afterID, limit)
}

func sampleEntry() Entry {
	return Entry{
		SiteID:       "site_1",
		Action:       "document.publish",
		ActorID:      "usr_1",
		ActorEmail:   "editor@example.com",
		ResourceType: "document",
		ResourceID:   "doc_1",
		Metadata:     map[string]string{"stage": "published", "version": "4"},
		OccurredAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChecksumIgnoresMetadataOrder(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.Metadata = map[string]string{"version": "4", "stage": "published"}
	if Checksum(a) != Checksum(b) {
		t.Fatal("checksum must not depend on metadata map order")
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.Action = "document.unpublish"
	if Checksum(a) == Checksum(b) {
		t.Fatal("different actions must produce different checksums")
	}

	c := sampleEntry()
	c.Metadata["stage"] = "draft"
	if Checksum(a) == Checksum(c) {
		t.Fatal("metadata changes must produce different checksums")
	}
}

func TestStoreSinkRecordsChecksummedRow(t *testing.T) {
	var saved store.AuditEntry
	sink := NewStoreSink(&fakeAuditStore{
		insertFn: func(_ context.Context, entry store.AuditEntry) error {
			saved = entry
			return nil
		},
	}, logger.NewNop())

	sink.Record(context.Background(), sampleEntry())

	if saved.Checksum == "" {
		t.Fatal("expected checksum on stored entry")
	}
	if !Verify(saved) {
		t.Fatal("stored entry must verify against its checksum")
	}
	saved.Metadata["stage"] = "tampered"
	if Verify(saved) {
		t.Fatal("tampered entry must fail verification")
	}
}

func TestStoreSinkSwallowsInsertFailure(t *testing.T) {
	sink := NewStoreSink(&fakeAuditStore{
		insertFn: func(context.Context, store.AuditEntry) error {
			return errors.New("connection refused")
		},
	}, logger.NewNop())

	// Must not panic or propagate; recording is best effort.
	sink.Record(context.Background(), sampleEntry())
}

func TestScanFlagsTamperedRows(t *testing.T) {
	good := sampleEntry()
	goodRow := store.AuditEntry{
		ID:           1,
		SiteID:       good.SiteID,
		Action:       good.Action,
		ActorID:      good.ActorID,
		ActorEmail:   good.ActorEmail,
		ResourceType: good.ResourceType,
		ResourceID:   good.ResourceID,
		Metadata:     good.Metadata,
		Checksum:     Checksum(good),
		CreatedAt:    good.OccurredAt,
	}
	badRow := goodRow
	badRow.ID = 2
	badRow.Action = "document.tampered"

	sink := NewStoreSink(&fakeAuditStore{
		listAfterFn: func(context.Context, int64, int) ([]store.AuditEntry, error) {
			return []store.AuditEntry{goodRow, badRow}, nil
		},
	}, logger.NewNop())

	result, err := sink.Scan(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Checked != 2 {
		t.Fatalf("expected 2 checked, got %d", result.Checked)
	}
	if len(result.Mismatched) != 1 || result.Mismatched[0] != 2 {
		t.Fatalf("expected row 2 flagged, got %v", result.Mismatched)
	}
	if result.LastID != 2 {
		t.Fatalf("expected last id 2, got %d", result.LastID)
	}
}
