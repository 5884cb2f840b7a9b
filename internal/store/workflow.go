package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStateConflict is returned when a guarded workflow state update finds the
// row changed since it was read. Callers re-read and retry.
var ErrStateConflict = errors.New("workflow state changed concurrently")

func (s *Store) InsertWorkflowDefinition(ctx context.Context, def WorkflowDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workflow tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, site_id, name, description, is_default, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, def.ID, def.SiteID, def.Name, def.Description, def.IsDefault, def.CreatedBy); err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}

	for _, stage := range def.Stages {
		approvers := stage.RequiredApprovers
		if approvers == nil {
			approvers = []string{}
		}
		encoded, err := json.Marshal(approvers)
		if err != nil {
			return fmt.Errorf("marshal required approvers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_stages (id, workflow_id, name, stage_order, stage_type, approval_policy, min_approvals, required_approvers)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		`, stage.ID, def.ID, stage.Name, stage.StageOrder, stage.StageType, stage.ApprovalPolicy, stage.MinApprovals, string(encoded)); err != nil {
			return fmt.Errorf("insert workflow stage: %w", err)
		}
	}

	for _, tr := range def.Transitions {
		roles := tr.AllowedRoles
		if roles == nil {
			roles = []string{}
		}
		encoded, err := json.Marshal(roles)
		if err != nil {
			return fmt.Errorf("marshal allowed roles: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_transitions (id, workflow_id, from_stage_id, to_stage_id, transition_type, allowed_roles, requires_comment)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		`, tr.ID, def.ID, tr.FromStageID, tr.ToStageID, tr.TransitionType, string(encoded), tr.RequiresComment); err != nil {
			return fmt.Errorf("insert workflow transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow definition: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, sc SiteContext, workflowID string) (WorkflowDefinition, error) {
	row, err := s.SiteOrGlobalFirst(ctx, sc, `
		SELECT id, site_id, name, description, is_default, created_by, created_at, updated_at
		FROM workflow_definitions WHERE id=$1`, "", workflowID)
	if err != nil {
		return WorkflowDefinition{}, err
	}
	var def WorkflowDefinition
	if err := row.Scan(&def.ID, &def.SiteID, &def.Name, &def.Description, &def.IsDefault, &def.CreatedBy, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return WorkflowDefinition{}, err
	}
	if def.Stages, err = s.loadStages(ctx, def.ID); err != nil {
		return WorkflowDefinition{}, err
	}
	if def.Transitions, err = s.loadTransitions(ctx, def.ID); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, sc SiteContext) ([]WorkflowDefinition, error) {
	rows, err := s.SiteOrGlobalAll(ctx, sc, `
		SELECT id, site_id, name, description, is_default, created_by, created_at, updated_at
		FROM workflow_definitions WHERE 1=1`, "ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowDefinition, 0)
	for rows.Next() {
		var def WorkflowDefinition
		if err := rows.Scan(&def.ID, &def.SiteID, &def.Name, &def.Description, &def.IsDefault, &def.CreatedBy, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		items = append(items, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow definitions: %w", err)
	}
	return items, nil
}

func (s *Store) DefaultWorkflowDefinition(ctx context.Context, sc SiteContext) (*WorkflowDefinition, error) {
	row, err := s.SiteOrGlobalFirst(ctx, sc, `
		SELECT id FROM workflow_definitions WHERE is_default=TRUE`,
		"ORDER BY site_id NULLS LAST LIMIT 1")
	if err != nil {
		return nil, err
	}
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find default workflow: %w", err)
	}
	def, err := s.GetWorkflowDefinition(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *Store) UpdateWorkflowDefinitionMeta(ctx context.Context, sc SiteContext, workflowID, name, description string, isDefault bool) error {
	res, err := s.SiteExec(ctx, sc, `
		UPDATE workflow_definitions
		SET name=$2, description=$3, is_default=$4, updated_at=NOW()
		WHERE id=$1`, workflowID, name, description, isDefault)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteWorkflowDefinition(ctx context.Context, sc SiteContext, workflowID string) error {
	res, err := s.SiteExec(ctx, sc, `
		DELETE FROM workflow_definitions WHERE id=$1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete workflow definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) loadStages(ctx context.Context, workflowID string) ([]WorkflowStage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, name, stage_order, stage_type, approval_policy, min_approvals, COALESCE(required_approvers::text, '[]'), created_at
		FROM workflow_stages
		WHERE workflow_id=$1
		ORDER BY stage_order
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow stages: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowStage, 0)
	for rows.Next() {
		var stage WorkflowStage
		var approversRaw []byte
		if err := rows.Scan(&stage.ID, &stage.WorkflowID, &stage.Name, &stage.StageOrder, &stage.StageType, &stage.ApprovalPolicy, &stage.MinApprovals, &approversRaw, &stage.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow stage: %w", err)
		}
		_ = json.Unmarshal(approversRaw, &stage.RequiredApprovers)
		items = append(items, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow stages: %w", err)
	}
	return items, nil
}

func (s *Store) loadTransitions(ctx context.Context, workflowID string) ([]WorkflowTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, from_stage_id, to_stage_id, transition_type, COALESCE(allowed_roles::text, '[]'), requires_comment
		FROM workflow_transitions
		WHERE workflow_id=$1
		ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow transitions: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowTransition, 0)
	for rows.Next() {
		var tr WorkflowTransition
		var rolesRaw []byte
		if err := rows.Scan(&tr.ID, &tr.WorkflowID, &tr.FromStageID, &tr.ToStageID, &tr.TransitionType, &rolesRaw, &tr.RequiresComment); err != nil {
			return nil, fmt.Errorf("scan workflow transition: %w", err)
		}
		_ = json.Unmarshal(rolesRaw, &tr.AllowedRoles)
		items = append(items, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow transitions: %w", err)
	}
	return items, nil
}

func (s *Store) InsertWorkflowState(ctx context.Context, state DocumentWorkflowState) error {
	approvals, rejections, err := encodeStateLists(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_workflow_states (document_id, site_id, workflow_id, current_stage_id, approvals, rejections, entered_stage_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, NOW())
	`, state.DocumentID, state.SiteID, state.WorkflowID, state.CurrentStageID, approvals, rejections)
	if err != nil {
		return fmt.Errorf("insert workflow state: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowState(ctx context.Context, sc SiteContext, documentID string) (DocumentWorkflowState, error) {
	row, err := s.SiteFirst(ctx, sc, `
		SELECT document_id, site_id, workflow_id, current_stage_id, COALESCE(approvals::text, '[]'), COALESCE(rejections::text, '[]'), entered_stage_at, updated_at
		FROM document_workflow_states WHERE document_id=$1`, "", documentID)
	if err != nil {
		return DocumentWorkflowState{}, err
	}
	var state DocumentWorkflowState
	var approvalsRaw, rejectionsRaw []byte
	if err := row.Scan(&state.DocumentID, &state.SiteID, &state.WorkflowID, &state.CurrentStageID, &approvalsRaw, &rejectionsRaw, &state.EnteredStageAt, &state.UpdatedAt); err != nil {
		return DocumentWorkflowState{}, err
	}
	_ = json.Unmarshal(approvalsRaw, &state.Approvals)
	_ = json.Unmarshal(rejectionsRaw, &state.Rejections)
	return state, nil
}

// UpdateWorkflowStateIf persists state only while the row still sits on
// expectedStageID with an unchanged approvals list length, the guard for
// duplicate approvals racing each other. On a lost race it returns
// ErrStateConflict.
func (s *Store) UpdateWorkflowStateIf(ctx context.Context, sc SiteContext, state DocumentWorkflowState, expectedStageID string, expectedApprovals int) error {
	approvals, rejections, err := encodeStateLists(state)
	if err != nil {
		return err
	}
	res, err := s.SiteExec(ctx, sc, `
		UPDATE document_workflow_states
		SET workflow_id=$2, current_stage_id=$3, approvals=$4::jsonb, rejections=$5::jsonb, entered_stage_at=$6, updated_at=NOW()
		WHERE document_id=$1 AND current_stage_id=$7 AND jsonb_array_length(COALESCE(approvals, '[]'::jsonb))=$8`,
		state.DocumentID, state.WorkflowID, state.CurrentStageID, approvals, rejections, state.EnteredStageAt, expectedStageID, expectedApprovals)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func encodeStateLists(state DocumentWorkflowState) (string, string, error) {
	approvals := state.Approvals
	if approvals == nil {
		approvals = []StageApproval{}
	}
	encodedApprovals, err := json.Marshal(approvals)
	if err != nil {
		return "", "", fmt.Errorf("marshal approvals: %w", err)
	}
	rejections := state.Rejections
	if rejections == nil {
		rejections = []StageRejection{}
	}
	encodedRejections, err := json.Marshal(rejections)
	if err != nil {
		return "", "", fmt.Errorf("marshal rejections: %w", err)
	}
	return string(encodedApprovals), string(encodedRejections), nil
}

func (s *Store) InsertTransitionRecord(ctx context.Context, rec TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_transition_history (site_id, document_id, from_stage_id, to_stage_id, transition_type, actor_id, actor_email, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.SiteID, rec.DocumentID, rec.FromStageID, rec.ToStageID, rec.TransitionType, rec.ActorID, rec.ActorEmail, rec.Comment)
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

func (s *Store) ListTransitionHistory(ctx context.Context, sc SiteContext, documentID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.SiteAll(ctx, sc, `
		SELECT id, site_id, document_id, from_stage_id, to_stage_id, transition_type, actor_id, actor_email, comment, created_at
		FROM workflow_transition_history
		WHERE document_id=$1`, "ORDER BY created_at DESC, id DESC LIMIT $2", documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transition history: %w", err)
	}
	defer rows.Close()

	items := make([]TransitionRecord, 0)
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.ID, &rec.SiteID, &rec.DocumentID, &rec.FromStageID, &rec.ToStageID, &rec.TransitionType, &rec.ActorID, &rec.ActorEmail, &rec.Comment, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition record: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition history: %w", err)
	}
	return items, nil
}
