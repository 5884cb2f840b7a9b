// Package scheduler runs time-based document actions: embargoed and plain
// publishing, unpublishing and archiving. Jobs are claimed with a conditional
// update so concurrent pollers never double-run one, and failures retry a
// bounded number of times before the job is marked failed.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/notify"
	"masthead/internal/store"
	"masthead/internal/util"
	"masthead/internal/version"
	"masthead/internal/workflow"
)

const (
	ActionPublish   = "publish"
	ActionUnpublish = "unpublish"
	ActionArchive   = "archive"
)

// maxAttempts counts executions, not retries: a job runs at most three times.
const maxAttempts = 3

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrJobNotFound      = errors.New("scheduled job not found")
	ErrUnknownAction    = errors.New("unknown scheduled action")
	ErrPastSchedule     = errors.New("scheduled time must be in the future")
	ErrBeforeEmbargo    = errors.New("publish cannot be scheduled before the embargo lifts")
	ErrNotPending       = errors.New("job is no longer pending")
)

// systemActor stamps scheduler-driven mutations.
var systemActor = auth.Actor{ID: "sys_scheduler", Name: "Scheduler", Email: "scheduler@system"}

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	SetDocumentStatus(ctx context.Context, sc store.SiteContext, documentID, status string, publishedAt *time.Time, updatedBy string) error
	SetDocumentEmbargo(ctx context.Context, sc store.SiteContext, documentID string, until *time.Time) error

	InsertScheduledJob(ctx context.Context, job store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, sc store.SiteContext, jobID string) (store.ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, sc store.SiteContext, documentID, status string, limit int) ([]store.ScheduledJob, error)
	PendingJob(ctx context.Context, sc store.SiteContext, documentID, action string) (*store.ScheduledJob, error)
	CancelJobIfPending(ctx context.Context, sc store.SiteContext, jobID string) (bool, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	CompleteJob(ctx context.Context, jobID string) error
	ReleaseJobForRetry(ctx context.Context, jobID, lastError string) error
	FailJob(ctx context.Context, jobID, lastError string) error
}

// advancer is the workflow engine's scheduled-publish entry point.
type advancer interface {
	AdvanceToPublish(ctx context.Context, sc store.SiteContext, documentID string, actor auth.Actor) error
}

type versioner interface {
	Create(ctx context.Context, sc store.SiteContext, input version.CreateInput) (*store.Version, error)
}

type indexer interface {
	IndexDocument(doc store.Document)
	DeleteDocument(documentID string)
}

type Service struct {
	store    dataStore
	advancer advancer
	versions versioner
	search   indexer
	notifier notify.Dispatcher
	sink     audit.Sink
	log      *zap.SugaredLogger
}

func New(st dataStore, adv advancer, versions versioner, search indexer, notifier notify.Dispatcher, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{store: st, advancer: adv, versions: versions, search: search, notifier: notifier, sink: sink, log: log}
}

type ScheduleInput struct {
	DocumentID string
	Action     string
	At         time.Time
	Timezone   string
	Notes      string
	Embargo    bool
	Actor      auth.Actor
}

// Schedule stores a future-dated job. A pending job for the same document and
// action is replaced, so rescheduling is one call. An embargo publish also
// stamps embargo_until on the document; the workflow's publish gate reads it.
func (s *Service) Schedule(ctx context.Context, sc store.SiteContext, input ScheduleInput) (store.ScheduledJob, error) {
	switch input.Action {
	case ActionPublish, ActionUnpublish, ActionArchive:
	default:
		return store.ScheduledJob{}, fmt.Errorf("%w: %q", ErrUnknownAction, input.Action)
	}
	now := time.Now().UTC()
	at := input.At.UTC()
	if !at.After(now) {
		return store.ScheduledJob{}, ErrPastSchedule
	}
	if input.Embargo && input.Action != ActionPublish {
		return store.ScheduledJob{}, fmt.Errorf("%w: only publish jobs can carry an embargo", ErrUnknownAction)
	}

	doc, err := s.store.GetDocument(ctx, sc, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ScheduledJob{}, ErrDocumentNotFound
		}
		return store.ScheduledJob{}, fmt.Errorf("load document: %w", err)
	}
	if input.Action == ActionPublish && !input.Embargo && doc.EmbargoUntil != nil && at.Before(*doc.EmbargoUntil) {
		return store.ScheduledJob{}, fmt.Errorf("%w (embargo lifts %s)", ErrBeforeEmbargo, doc.EmbargoUntil.UTC().Format(time.RFC3339))
	}

	if existing, err := s.store.PendingJob(ctx, sc, input.DocumentID, input.Action); err != nil {
		return store.ScheduledJob{}, fmt.Errorf("check pending job: %w", err)
	} else if existing != nil {
		if _, err := s.store.CancelJobIfPending(ctx, sc, existing.ID); err != nil {
			return store.ScheduledJob{}, fmt.Errorf("replace pending job: %w", err)
		}
	}

	job := store.ScheduledJob{
		ID:          util.NewID("job"),
		SiteID:      doc.SiteID,
		DocumentID:  doc.ID,
		Action:      input.Action,
		ScheduledAt: at,
		Timezone:    strings.TrimSpace(input.Timezone),
		Status:      "pending",
		IsEmbargo:   input.Embargo,
		Notes:       strings.TrimSpace(input.Notes),
		CreatedBy:   input.Actor.Email,
	}
	if err := s.store.InsertScheduledJob(ctx, job); err != nil {
		return store.ScheduledJob{}, fmt.Errorf("store scheduled job: %w", err)
	}
	if job.IsEmbargo {
		if err := s.store.SetDocumentEmbargo(ctx, sc, doc.ID, &job.ScheduledAt); err != nil {
			return store.ScheduledJob{}, fmt.Errorf("set embargo: %w", err)
		}
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       doc.SiteID,
		Action:       "schedule.create",
		ActorID:      input.Actor.ID,
		ActorEmail:   input.Actor.Email,
		ResourceType: "document",
		ResourceID:   doc.ID,
		Metadata: map[string]string{
			"job_id":       job.ID,
			"action":       job.Action,
			"scheduled_at": job.ScheduledAt.Format(time.RFC3339),
			"embargo":      fmt.Sprintf("%t", job.IsEmbargo),
		},
	})
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventScheduleCreated,
			SiteID:     doc.SiteID,
			DocumentID: doc.ID,
			Data:       map[string]string{"job_id": job.ID, "action": job.Action, "scheduled_at": job.ScheduledAt.Format(time.RFC3339)},
		})
	}
	return job, nil
}

// Cancel is a state flip, never a delete; processed jobs stay on record.
// Cancelling an embargo publish lifts the embargo with it.
func (s *Service) Cancel(ctx context.Context, sc store.SiteContext, jobID string, actor auth.Actor) error {
	job, err := s.store.GetScheduledJob(ctx, sc, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("load scheduled job: %w", err)
	}
	ok, err := s.store.CancelJobIfPending(ctx, sc, jobID)
	if err != nil {
		return fmt.Errorf("cancel scheduled job: %w", err)
	}
	if !ok {
		return ErrNotPending
	}
	if job.IsEmbargo && job.Action == ActionPublish {
		if err := s.store.SetDocumentEmbargo(ctx, sc, job.DocumentID, nil); err != nil {
			return fmt.Errorf("clear embargo: %w", err)
		}
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       job.SiteID,
		Action:       "schedule.cancel",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   job.DocumentID,
		Metadata:     map[string]string{"job_id": job.ID, "action": job.Action},
	})
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventScheduleCancelled,
			SiteID:     job.SiteID,
			DocumentID: job.DocumentID,
			Data:       map[string]string{"job_id": job.ID, "action": job.Action},
		})
	}
	return nil
}

func (s *Service) Get(ctx context.Context, sc store.SiteContext, jobID string) (store.ScheduledJob, error) {
	job, err := s.store.GetScheduledJob(ctx, sc, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ScheduledJob{}, ErrJobNotFound
		}
		return store.ScheduledJob{}, fmt.Errorf("load scheduled job: %w", err)
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, sc store.SiteContext, documentID, status string, limit int) ([]store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, sc, documentID, status, limit)
}

// DueJobs crosses sites; the poller and the admin surface are its only
// callers.
func (s *Service) DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	return s.store.DueJobs(ctx, now, limit)
}

// UnderEmbargo reports whether the document currently refuses publication.
func (s *Service) UnderEmbargo(ctx context.Context, sc store.SiteContext, documentID string) (bool, *time.Time, error) {
	doc, err := s.store.GetDocument(ctx, sc, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil, ErrDocumentNotFound
		}
		return false, nil, fmt.Errorf("load document: %w", err)
	}
	if doc.EmbargoUntil != nil && time.Now().UTC().Before(*doc.EmbargoUntil) {
		return true, doc.EmbargoUntil, nil
	}
	return false, doc.EmbargoUntil, nil
}

// Process claims and executes one due job. A lost claim is a quiet no-op so
// competing pollers stay cheap. Execution failures release the job for retry
// until the attempt budget is spent, then mark it failed.
func (s *Service) Process(ctx context.Context, job store.ScheduledJob) error {
	claimed, err := s.store.ClaimJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		s.log.Debugw("job already claimed", "job_id", job.ID)
		return nil
	}

	sc := store.SiteOnly(job.SiteID)
	execErr := s.execute(ctx, sc, job)
	if execErr == nil {
		if err := s.store.CompleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		s.sink.Record(ctx, audit.Entry{
			SiteID:       job.SiteID,
			Action:       "schedule.execute",
			ActorID:      systemActor.ID,
			ActorEmail:   systemActor.Email,
			ResourceType: "document",
			ResourceID:   job.DocumentID,
			Metadata:     map[string]string{"job_id": job.ID, "action": job.Action},
		})
		return nil
	}

	if job.RetryCount+1 >= maxAttempts {
		if err := s.store.FailJob(ctx, job.ID, execErr.Error()); err != nil {
			s.log.Errorw("mark job failed", "job_id", job.ID, "error", err)
		}
		s.log.Errorw("scheduled job failed permanently", "job_id", job.ID, "action", job.Action, "attempts", job.RetryCount+1, "error", execErr)
	} else {
		if err := s.store.ReleaseJobForRetry(ctx, job.ID, execErr.Error()); err != nil {
			s.log.Errorw("release job for retry", "job_id", job.ID, "error", err)
		}
	}
	return fmt.Errorf("execute %s job %s: %w", job.Action, job.ID, execErr)
}

func (s *Service) execute(ctx context.Context, sc store.SiteContext, job store.ScheduledJob) error {
	doc, err := s.store.GetDocument(ctx, sc, job.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("load document: %w", err)
	}

	switch job.Action {
	case ActionPublish:
		return s.executePublish(ctx, sc, doc)
	case ActionUnpublish:
		if err := s.store.SetDocumentStatus(ctx, sc, doc.ID, "draft", nil, systemActor.Email); err != nil {
			return fmt.Errorf("unpublish document: %w", err)
		}
		if s.search != nil {
			s.search.DeleteDocument(doc.ID)
		}
		if s.notifier != nil {
			s.notifier.Dispatch(ctx, notify.Event{Type: notify.EventDocumentUnpublished, SiteID: doc.SiteID, DocumentID: doc.ID})
		}
		return nil
	case ActionArchive:
		if err := s.store.SetDocumentStatus(ctx, sc, doc.ID, "archived", doc.PublishedAt, systemActor.Email); err != nil {
			return fmt.Errorf("archive document: %w", err)
		}
		if s.search != nil {
			s.search.DeleteDocument(doc.ID)
		}
		if s.notifier != nil {
			s.notifier.Dispatch(ctx, notify.Event{Type: notify.EventDocumentArchived, SiteID: doc.SiteID, DocumentID: doc.ID})
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, job.Action)
	}
}

// executePublish prefers the workflow path when the document is on one; the
// advance must land on a published stage or the job fails. Documents outside
// any workflow get a direct status flip plus the same side effects.
func (s *Service) executePublish(ctx context.Context, sc store.SiteContext, doc store.Document) error {
	if s.advancer != nil {
		err := s.advancer.AdvanceToPublish(ctx, sc, doc.ID, systemActor)
		if err == nil {
			return nil
		}
		if !errors.Is(err, workflow.ErrStateNotFound) {
			return fmt.Errorf("workflow publish: %w", err)
		}
	}

	now := time.Now().UTC()
	if doc.EmbargoUntil != nil && now.Before(*doc.EmbargoUntil) {
		return fmt.Errorf("document is under embargo until %s", doc.EmbargoUntil.UTC().Format(time.RFC3339))
	}
	if err := s.store.SetDocumentStatus(ctx, sc, doc.ID, "published", &now, systemActor.Email); err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	doc.Status = "published"
	doc.PublishedAt = &now

	if s.versions != nil {
		if _, err := s.versions.Create(ctx, sc, version.CreateInput{
			DocumentID: doc.ID,
			Type:       version.TypePublish,
			Notes:      "published on schedule",
			Actor:      systemActor,
		}); err != nil {
			s.log.Warnw("publish snapshot failed", "document_id", doc.ID, "error", err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(doc)
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{Type: notify.EventDocumentPublished, SiteID: doc.SiteID, DocumentID: doc.ID, Data: map[string]string{"title": doc.Title}})
	}
	return nil
}
