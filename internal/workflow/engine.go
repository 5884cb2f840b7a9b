package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/notify"
	"masthead/internal/store"
	"masthead/internal/version"
)

// Initialize places a document on a workflow at the lowest-order stage. An
// empty workflowID selects the default definition for the site.
func (s *Service) Initialize(ctx context.Context, sc store.SiteContext, documentID, workflowID string, actor auth.Actor) (StateView, error) {
	doc, err := s.store.GetDocument(ctx, sc, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StateView{}, ErrDocumentNotFound
		}
		return StateView{}, fmt.Errorf("load document: %w", err)
	}

	if _, err := s.store.GetWorkflowState(ctx, sc, documentID); err == nil {
		return StateView{}, ErrStateExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return StateView{}, fmt.Errorf("check workflow state: %w", err)
	}

	var def store.WorkflowDefinition
	if workflowID == "" {
		found, err := s.store.DefaultWorkflowDefinition(ctx, sc)
		if err != nil {
			return StateView{}, fmt.Errorf("find default workflow: %w", err)
		}
		if found == nil {
			return StateView{}, fmt.Errorf("%w: no default workflow configured", ErrWorkflowNotFound)
		}
		def = *found
	} else {
		def, err = s.GetDefinition(ctx, sc, workflowID)
		if err != nil {
			return StateView{}, err
		}
	}
	if len(def.Stages) == 0 {
		return StateView{}, fmt.Errorf("%w: workflow has no stages", ErrInvalidDefinition)
	}

	now := time.Now().UTC()
	state := store.DocumentWorkflowState{
		DocumentID:     documentID,
		SiteID:         doc.SiteID,
		WorkflowID:     def.ID,
		CurrentStageID: def.Stages[0].ID,
		Approvals:      []store.StageApproval{},
		Rejections:     []store.StageRejection{},
		EnteredStageAt: now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertWorkflowState(ctx, state); err != nil {
		return StateView{}, fmt.Errorf("store workflow state: %w", err)
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       doc.SiteID,
		Action:       "workflow.initialize",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   documentID,
		Metadata:     map[string]string{"workflow_id": def.ID, "stage": def.Stages[0].Name},
	})
	return s.view(def, state, actor), nil
}

// State reports the current stage and what the acting user can do from it.
func (s *Service) State(ctx context.Context, sc store.SiteContext, documentID string, actor auth.Actor) (StateView, error) {
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return StateView{}, err
	}
	return s.view(def, state, actor), nil
}

// Approve records one approval on the current stage. When the stage's quorum
// is met the advance transition fires in the same call; approvals clear on
// stage entry, so the next stage starts from zero.
func (s *Service) Approve(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (StateView, error) {
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return StateView{}, err
	}
	stage, ok := stageByID(def, state.CurrentStageID)
	if !ok {
		return StateView{}, fmt.Errorf("stage %s missing from workflow %s", state.CurrentStageID, def.ID)
	}
	if err := approvalEligibility(stage, state, actor); err != nil {
		return StateView{}, err
	}

	now := time.Now().UTC()
	expectedStage, expectedApprovals := state.CurrentStageID, len(state.Approvals)
	state.Approvals = append(state.Approvals, store.StageApproval{
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		Comment:    strings.TrimSpace(comment),
		ApprovedAt: now,
	})
	state.UpdatedAt = now
	if err := s.store.UpdateWorkflowStateIf(ctx, sc, state, expectedStage, expectedApprovals); err != nil {
		return StateView{}, err
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       state.SiteID,
		Action:       "workflow.approve",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   documentID,
		Metadata:     map[string]string{"stage": stage.Name, "approvals": fmt.Sprintf("%d", len(state.Approvals))},
	})

	if quorumMet(stage, state.Approvals) {
		if adv, ok := advanceFrom(def, stage.ID); ok {
			view, err := s.applyTransition(ctx, sc, def, state, adv, "", actor, true)
			if err != nil {
				return StateView{}, fmt.Errorf("quorum advance: %w", err)
			}
			return view, nil
		}
		s.log.Warnw("quorum met but no advance transition", "document_id", documentID, "stage", stage.Name)
	}
	return s.view(def, state, actor), nil
}

// Reject sends the document down the stage's rejection path. The comment is
// mandatory; reviewers owe authors a reason.
func (s *Service) Reject(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (StateView, error) {
	if strings.TrimSpace(comment) == "" {
		return StateView{}, ErrCommentRequired
	}
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return StateView{}, err
	}
	rej, ok := rejectFrom(def, state.CurrentStageID)
	if !ok {
		return StateView{}, ErrNoRejectPath
	}
	return s.applyTransition(ctx, sc, def, state, rej, comment, actor, false)
}

// ExecuteTransition runs one explicitly chosen transition.
func (s *Service) ExecuteTransition(ctx context.Context, sc store.SiteContext, documentID, transitionID, comment string, actor auth.Actor) (StateView, error) {
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return StateView{}, err
	}
	tr, ok := transitionByID(def, transitionID)
	if !ok {
		return StateView{}, ErrTransitionNotFound
	}
	if tr.TransitionType == TransitionReject && strings.TrimSpace(comment) == "" {
		return StateView{}, ErrCommentRequired
	}
	return s.applyTransition(ctx, sc, def, state, tr, comment, actor, false)
}

// Submit advances out of the current stage, the author's "send for review".
func (s *Service) Submit(ctx context.Context, sc store.SiteContext, documentID, comment string, actor auth.Actor) (StateView, error) {
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return StateView{}, err
	}
	adv, ok := advanceFrom(def, state.CurrentStageID)
	if !ok {
		return StateView{}, fmt.Errorf("%w: no advance from the current stage", ErrTransitionNotFound)
	}
	return s.applyTransition(ctx, sc, def, state, adv, comment, actor, false)
}

// AdvanceToPublish is the scheduler's entry point: one advance from the
// current stage that must land on a published stage. Role and comment checks
// do not apply to the system actor; the embargo gate always does.
func (s *Service) AdvanceToPublish(ctx context.Context, sc store.SiteContext, documentID string, actor auth.Actor) error {
	state, def, err := s.loadState(ctx, sc, documentID)
	if err != nil {
		return err
	}
	adv, ok := advanceFrom(def, state.CurrentStageID)
	if !ok {
		return ErrNoPublishPath
	}
	dest, ok := stageByID(def, adv.ToStageID)
	if !ok || dest.StageType != StagePublished {
		return ErrNoPublishPath
	}
	_, err = s.applyTransition(ctx, sc, def, state, adv, "scheduled publish", actor, true)
	return err
}

func (s *Service) History(ctx context.Context, sc store.SiteContext, documentID string, limit int) ([]store.TransitionRecord, error) {
	return s.store.ListTransitionHistory(ctx, sc, documentID, limit)
}

func (s *Service) loadState(ctx context.Context, sc store.SiteContext, documentID string) (store.DocumentWorkflowState, store.WorkflowDefinition, error) {
	state, err := s.store.GetWorkflowState(ctx, sc, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.DocumentWorkflowState{}, store.WorkflowDefinition{}, ErrStateNotFound
		}
		return store.DocumentWorkflowState{}, store.WorkflowDefinition{}, fmt.Errorf("load workflow state: %w", err)
	}
	def, err := s.store.GetWorkflowDefinition(ctx, sc, state.WorkflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.DocumentWorkflowState{}, store.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, state.WorkflowID)
		}
		return store.DocumentWorkflowState{}, store.WorkflowDefinition{}, fmt.Errorf("load workflow definition: %w", err)
	}
	return state, def, nil
}

// applyTransition moves the state machine one edge. trusted callers (quorum
// advance, scheduler) skip the role and comment checks; the embargo gate on
// published stages holds for everyone.
func (s *Service) applyTransition(ctx context.Context, sc store.SiteContext, def store.WorkflowDefinition, state store.DocumentWorkflowState, tr store.WorkflowTransition, comment string, actor auth.Actor, trusted bool) (StateView, error) {
	if tr.FromStageID != state.CurrentStageID {
		return StateView{}, fmt.Errorf("%w: transition starts at another stage", ErrTransitionNotFound)
	}
	from, ok := stageByID(def, tr.FromStageID)
	if !ok {
		return StateView{}, fmt.Errorf("stage %s missing from workflow %s", tr.FromStageID, def.ID)
	}
	dest, ok := stageByID(def, tr.ToStageID)
	if !ok {
		return StateView{}, fmt.Errorf("stage %s missing from workflow %s", tr.ToStageID, def.ID)
	}

	comment = strings.TrimSpace(comment)
	if !trusted {
		if len(tr.AllowedRoles) > 0 && !hasAnyRole(actor, tr.AllowedRoles) {
			return StateView{}, ErrRoleNotAllowed
		}
		if tr.RequiresComment && comment == "" {
			return StateView{}, ErrCommentRequired
		}
	}

	now := time.Now().UTC()
	var doc store.Document
	if dest.StageType == StagePublished {
		var err error
		doc, err = s.store.GetDocument(ctx, sc, state.DocumentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return StateView{}, ErrDocumentNotFound
			}
			return StateView{}, fmt.Errorf("load document: %w", err)
		}
		if doc.EmbargoUntil != nil && now.Before(*doc.EmbargoUntil) {
			return StateView{}, fmt.Errorf("%w until %s", ErrUnderEmbargo, doc.EmbargoUntil.UTC().Format(time.RFC3339))
		}
	}

	expectedStage, expectedApprovals := state.CurrentStageID, len(state.Approvals)
	state.CurrentStageID = dest.ID
	state.Approvals = []store.StageApproval{}
	if tr.TransitionType == TransitionReject {
		state.Rejections = append(state.Rejections, store.StageRejection{
			ActorID:    actor.ID,
			ActorEmail: actor.Email,
			Comment:    comment,
			StageID:    from.ID,
			RejectedAt: now,
		})
	}
	state.EnteredStageAt = now
	state.UpdatedAt = now
	if err := s.store.UpdateWorkflowStateIf(ctx, sc, state, expectedStage, expectedApprovals); err != nil {
		return StateView{}, err
	}

	if err := s.store.InsertTransitionRecord(ctx, store.TransitionRecord{
		SiteID:         state.SiteID,
		DocumentID:     state.DocumentID,
		FromStageID:    from.ID,
		ToStageID:      dest.ID,
		TransitionType: tr.TransitionType,
		ActorID:        actor.ID,
		ActorEmail:     actor.Email,
		Comment:        comment,
	}); err != nil {
		return StateView{}, fmt.Errorf("record transition: %w", err)
	}

	s.sink.Record(ctx, audit.Entry{
		SiteID:       state.SiteID,
		Action:       "workflow.transition",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "document",
		ResourceID:   state.DocumentID,
		Metadata: map[string]string{
			"from_stage": from.Name,
			"to_stage":   dest.Name,
			"type":       tr.TransitionType,
		},
	})

	if dest.StageType == StagePublished {
		if err := s.publishEffects(ctx, sc, doc, actor); err != nil {
			return StateView{}, err
		}
	}

	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventWorkflowTransition,
			SiteID:     state.SiteID,
			DocumentID: state.DocumentID,
			Data: map[string]string{
				"from_stage": from.Name,
				"to_stage":   dest.Name,
				"type":       tr.TransitionType,
				"actor":      actor.Email,
			},
		})
	}
	return s.view(def, state, actor), nil
}

// publishEffects flips the document live and fans out. The status change is
// the one step that may fail the transition; snapshot and indexing problems
// are logged and the publication stands.
func (s *Service) publishEffects(ctx context.Context, sc store.SiteContext, doc store.Document, actor auth.Actor) error {
	now := time.Now().UTC()
	if err := s.store.SetDocumentStatus(ctx, sc, doc.ID, "published", &now, actor.Email); err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	doc.Status = "published"
	doc.PublishedAt = &now

	if s.versions != nil {
		if _, err := s.versions.Create(ctx, sc, version.CreateInput{
			DocumentID: doc.ID,
			Type:       version.TypePublish,
			Notes:      "published",
			Actor:      actor,
		}); err != nil {
			s.log.Warnw("publish snapshot failed", "document_id", doc.ID, "error", err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(doc)
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notify.Event{
			Type:       notify.EventDocumentPublished,
			SiteID:     doc.SiteID,
			DocumentID: doc.ID,
			Data:       map[string]string{"title": doc.Title, "actor": actor.Email},
		})
	}
	return nil
}

func approvalEligibility(stage store.WorkflowStage, state store.DocumentWorkflowState, actor auth.Actor) error {
	if stage.StageType != StageReview && stage.StageType != StageApproval {
		return ErrStageNotApprovable
	}
	if len(stage.RequiredApprovers) > 0 && !approverListed(stage.RequiredApprovers, actor) {
		return ErrNotEligible
	}
	for _, approval := range state.Approvals {
		if approval.ActorID == actor.ID {
			return ErrAlreadyApproved
		}
	}
	return nil
}

// approverListed matches by actor id or email; definitions may hold either.
func approverListed(list []string, actor auth.Actor) bool {
	for _, entry := range list {
		if entry == actor.ID || strings.EqualFold(entry, actor.Email) {
			return true
		}
	}
	return false
}

func quorumMet(stage store.WorkflowStage, approvals []store.StageApproval) bool {
	if stage.ApprovalPolicy == PolicyAll && len(stage.RequiredApprovers) > 0 {
		for _, required := range stage.RequiredApprovers {
			if !approvalFrom(approvals, required) {
				return false
			}
		}
		return true
	}
	need := stage.MinApprovals
	if need < 1 {
		need = 1
	}
	return len(approvals) >= need
}

func approvalFrom(approvals []store.StageApproval, approver string) bool {
	for _, approval := range approvals {
		if approval.ActorID == approver || strings.EqualFold(approval.ActorEmail, approver) {
			return true
		}
	}
	return false
}
