// Package workflow drives documents through configurable editorial pipelines:
// ordered stages, role-gated transitions, approval quorums and the publish
// hand-off. State changes are guarded optimistically and every transition is
// written to an append-only history.
package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/notify"
	"masthead/internal/store"
	"masthead/internal/version"
)

const (
	StageDraft     = "draft"
	StageReview    = "review"
	StageApproval  = "approval"
	StagePublished = "published"
)

const (
	TransitionAdvance = "advance"
	TransitionReject  = "reject"
	TransitionSkip    = "skip"
)

const (
	PolicyAny = "any"
	PolicyAll = "all"
)

var (
	ErrWorkflowNotFound   = errors.New("workflow definition not found")
	ErrWorkflowInUse      = errors.New("workflow definition is still in use")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrStateNotFound      = errors.New("document is not in a workflow")
	ErrStateExists        = errors.New("document is already in a workflow")
	ErrTransitionNotFound = errors.New("transition not available from the current stage")
	ErrRoleNotAllowed     = errors.New("actor role may not take this transition")
	ErrCommentRequired    = errors.New("a comment is required")
	ErrStageNotApprovable = errors.New("current stage does not collect approvals")
	ErrNotEligible        = errors.New("actor is not an eligible approver for this stage")
	ErrAlreadyApproved    = errors.New("actor already approved this stage")
	ErrNoRejectPath       = errors.New("no rejection path available")
	ErrNoPublishPath      = errors.New("advance from the current stage does not reach a published stage")
	ErrUnderEmbargo       = errors.New("document is under embargo")
)

type dataStore interface {
	GetDocument(ctx context.Context, sc store.SiteContext, documentID string) (store.Document, error)
	SetDocumentStatus(ctx context.Context, sc store.SiteContext, documentID, status string, publishedAt *time.Time, updatedBy string) error

	InsertWorkflowDefinition(ctx context.Context, def store.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, sc store.SiteContext, workflowID string) (store.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, sc store.SiteContext) ([]store.WorkflowDefinition, error)
	DefaultWorkflowDefinition(ctx context.Context, sc store.SiteContext) (*store.WorkflowDefinition, error)
	UpdateWorkflowDefinitionMeta(ctx context.Context, sc store.SiteContext, workflowID, name, description string, isDefault bool) error
	DeleteWorkflowDefinition(ctx context.Context, sc store.SiteContext, workflowID string) error

	InsertWorkflowState(ctx context.Context, state store.DocumentWorkflowState) error
	GetWorkflowState(ctx context.Context, sc store.SiteContext, documentID string) (store.DocumentWorkflowState, error)
	UpdateWorkflowStateIf(ctx context.Context, sc store.SiteContext, state store.DocumentWorkflowState, expectedStageID string, expectedApprovals int) error

	InsertTransitionRecord(ctx context.Context, rec store.TransitionRecord) error
	ListTransitionHistory(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.TransitionRecord, error)
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
	versions versioner
	search   indexer
	notifier notify.Dispatcher
	sink     audit.Sink
	log      *zap.SugaredLogger
}

// New wires the engine. versions, search and notifier may be nil; the engine
// skips the corresponding publish side effects.
func New(st dataStore, versions versioner, search indexer, notifier notify.Dispatcher, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{store: st, versions: versions, search: search, notifier: notifier, sink: sink, log: log}
}

// TransitionView is one move the acting user may take from the current stage.
type TransitionView struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ToStageID       string `json:"to_stage_id"`
	ToStageName     string `json:"to_stage_name"`
	RequiresComment bool   `json:"requires_comment"`
}

// StateView is the workflow state as seen by one actor: the current stage,
// collected approvals and the transitions that actor could take next.
type StateView struct {
	DocumentID     string                 `json:"document_id"`
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowName   string                 `json:"workflow_name"`
	StageID        string                 `json:"stage_id"`
	StageName      string                 `json:"stage_name"`
	StageType      string                 `json:"stage_type"`
	StageOrder     int                    `json:"stage_order"`
	Approvals      []store.StageApproval  `json:"approvals"`
	Rejections     []store.StageRejection `json:"rejections"`
	EnteredStageAt time.Time              `json:"entered_stage_at"`
	CanApprove     bool                   `json:"can_approve"`
	Available      []TransitionView       `json:"available_transitions"`
}

func (s *Service) view(def store.WorkflowDefinition, state store.DocumentWorkflowState, actor auth.Actor) StateView {
	stage, _ := stageByID(def, state.CurrentStageID)

	available := make([]TransitionView, 0)
	for _, tr := range transitionsFrom(def, stage.ID) {
		if len(tr.AllowedRoles) > 0 && !hasAnyRole(actor, tr.AllowedRoles) {
			continue
		}
		dest, ok := stageByID(def, tr.ToStageID)
		if !ok {
			continue
		}
		available = append(available, TransitionView{
			ID:              tr.ID,
			Type:            tr.TransitionType,
			ToStageID:       dest.ID,
			ToStageName:     dest.Name,
			RequiresComment: tr.RequiresComment,
		})
	}

	return StateView{
		DocumentID:     state.DocumentID,
		WorkflowID:     def.ID,
		WorkflowName:   def.Name,
		StageID:        stage.ID,
		StageName:      stage.Name,
		StageType:      stage.StageType,
		StageOrder:     stage.StageOrder,
		Approvals:      state.Approvals,
		Rejections:     state.Rejections,
		EnteredStageAt: state.EnteredStageAt,
		CanApprove:     approvalEligibility(stage, state, actor) == nil,
		Available:      available,
	}
}

func stageByID(def store.WorkflowDefinition, stageID string) (store.WorkflowStage, bool) {
	for _, stage := range def.Stages {
		if stage.ID == stageID {
			return stage, true
		}
	}
	return store.WorkflowStage{}, false
}

func transitionByID(def store.WorkflowDefinition, transitionID string) (store.WorkflowTransition, bool) {
	for _, tr := range def.Transitions {
		if tr.ID == transitionID {
			return tr, true
		}
	}
	return store.WorkflowTransition{}, false
}

func transitionsFrom(def store.WorkflowDefinition, stageID string) []store.WorkflowTransition {
	out := make([]store.WorkflowTransition, 0)
	for _, tr := range def.Transitions {
		if tr.FromStageID == stageID {
			out = append(out, tr)
		}
	}
	return out
}

func advanceFrom(def store.WorkflowDefinition, stageID string) (store.WorkflowTransition, bool) {
	for _, tr := range def.Transitions {
		if tr.FromStageID == stageID && tr.TransitionType == TransitionAdvance {
			return tr, true
		}
	}
	return store.WorkflowTransition{}, false
}

func rejectFrom(def store.WorkflowDefinition, stageID string) (store.WorkflowTransition, bool) {
	for _, tr := range def.Transitions {
		if tr.FromStageID == stageID && tr.TransitionType == TransitionReject {
			return tr, true
		}
	}
	return store.WorkflowTransition{}, false
}

func hasAnyRole(actor auth.Actor, roles []string) bool {
	for _, role := range roles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}
