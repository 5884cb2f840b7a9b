package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"masthead/internal/audit"
	"masthead/internal/auth"
	"masthead/internal/store"
	"masthead/internal/util"
)

type StageInput struct {
	Name              string   `json:"name"`
	Order             int      `json:"order"`
	Type              string   `json:"type"`
	ApprovalPolicy    string   `json:"approval_policy"`
	MinApprovals      int      `json:"min_approvals"`
	RequiredApprovers []string `json:"required_approvers"`
}

// TransitionInput references stages by their order value; stage ids do not
// exist until the definition is stored.
type TransitionInput struct {
	FromOrder       int      `json:"from_order"`
	ToOrder         int      `json:"to_order"`
	Type            string   `json:"type"`
	AllowedRoles    []string `json:"allowed_roles"`
	RequiresComment bool     `json:"requires_comment"`
}

type CreateDefinitionInput struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	IsDefault   bool              `json:"is_default"`
	Global      bool              `json:"global"`
	Stages      []StageInput      `json:"stages"`
	Transitions []TransitionInput `json:"transitions"`
}

// CreateDefinition validates and stores a workflow. Stages are sorted by
// order before ids are assigned, so the lowest order is always the entry
// stage.
func (s *Service) CreateDefinition(ctx context.Context, sc store.SiteContext, input CreateDefinitionInput, actor auth.Actor) (store.WorkflowDefinition, error) {
	if err := validateDefinition(input); err != nil {
		return store.WorkflowDefinition{}, err
	}

	var siteID *string
	if !input.Global {
		id, ok := sc.Site()
		if !ok {
			return store.WorkflowDefinition{}, store.ErrMissingSiteContext
		}
		siteID = &id
	}

	stages := make([]StageInput, len(input.Stages))
	copy(stages, input.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })

	def := store.WorkflowDefinition{
		ID:          util.NewID("wf"),
		SiteID:      siteID,
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		IsDefault:   input.IsDefault,
		CreatedBy:   actor.Email,
	}

	idByOrder := make(map[int]string, len(stages))
	for _, in := range stages {
		minApprovals := in.MinApprovals
		if minApprovals < 1 {
			minApprovals = 1
		}
		stage := store.WorkflowStage{
			ID:                util.NewID("stage"),
			WorkflowID:        def.ID,
			Name:              strings.TrimSpace(in.Name),
			StageOrder:        in.Order,
			StageType:         in.Type,
			ApprovalPolicy:    in.ApprovalPolicy,
			MinApprovals:      minApprovals,
			RequiredApprovers: in.RequiredApprovers,
		}
		idByOrder[in.Order] = stage.ID
		def.Stages = append(def.Stages, stage)
	}

	for _, in := range input.Transitions {
		def.Transitions = append(def.Transitions, store.WorkflowTransition{
			ID:              util.NewID("trn"),
			WorkflowID:      def.ID,
			FromStageID:     idByOrder[in.FromOrder],
			ToStageID:       idByOrder[in.ToOrder],
			TransitionType:  in.Type,
			AllowedRoles:    in.AllowedRoles,
			RequiresComment: in.RequiresComment,
		})
	}

	if err := s.store.InsertWorkflowDefinition(ctx, def); err != nil {
		return store.WorkflowDefinition{}, fmt.Errorf("store workflow definition: %w", err)
	}

	scSite, _ := sc.Site()
	s.sink.Record(ctx, audit.Entry{
		SiteID:       scSite,
		Action:       "workflow.definition.create",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "workflow",
		ResourceID:   def.ID,
		Metadata:     map[string]string{"name": def.Name, "stages": fmt.Sprintf("%d", len(def.Stages))},
	})
	return s.GetDefinition(ctx, sc, def.ID)
}

func (s *Service) GetDefinition(ctx context.Context, sc store.SiteContext, workflowID string) (store.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflowDefinition(ctx, sc, workflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.WorkflowDefinition{}, ErrWorkflowNotFound
		}
		return store.WorkflowDefinition{}, fmt.Errorf("load workflow definition: %w", err)
	}
	return def, nil
}

func (s *Service) ListDefinitions(ctx context.Context, sc store.SiteContext) ([]store.WorkflowDefinition, error) {
	return s.store.ListWorkflowDefinitions(ctx, sc)
}

func (s *Service) UpdateDefinitionMeta(ctx context.Context, sc store.SiteContext, workflowID, name, description string, isDefault bool, actor auth.Actor) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	err := s.store.UpdateWorkflowDefinitionMeta(ctx, sc, workflowID, strings.TrimSpace(name), strings.TrimSpace(description), isDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		return fmt.Errorf("update workflow definition: %w", err)
	}
	siteID, _ := sc.Site()
	s.sink.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       "workflow.definition.update",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "workflow",
		ResourceID:   workflowID,
	})
	return nil
}

// DeleteDefinition refuses while documents still reference the workflow; the
// foreign key surfaces that as ErrWorkflowInUse.
func (s *Service) DeleteDefinition(ctx context.Context, sc store.SiteContext, workflowID string, actor auth.Actor) error {
	err := s.store.DeleteWorkflowDefinition(ctx, sc, workflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrWorkflowInUse
		}
		return fmt.Errorf("delete workflow definition: %w", err)
	}
	siteID, _ := sc.Site()
	s.sink.Record(ctx, audit.Entry{
		SiteID:       siteID,
		Action:       "workflow.definition.delete",
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		ResourceType: "workflow",
		ResourceID:   workflowID,
	})
	return nil
}

func validateDefinition(input CreateDefinitionInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(input.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidDefinition)
	}

	seenOrders := make(map[int]StageInput, len(input.Stages))
	for _, stage := range input.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return fmt.Errorf("%w: every stage needs a name", ErrInvalidDefinition)
		}
		switch stage.Type {
		case StageDraft, StageReview, StageApproval, StagePublished:
		default:
			return fmt.Errorf("%w: unknown stage type %q", ErrInvalidDefinition, stage.Type)
		}
		switch stage.ApprovalPolicy {
		case "", PolicyAny, PolicyAll:
		default:
			return fmt.Errorf("%w: unknown approval policy %q", ErrInvalidDefinition, stage.ApprovalPolicy)
		}
		if _, dup := seenOrders[stage.Order]; dup {
			return fmt.Errorf("%w: duplicate stage order %d", ErrInvalidDefinition, stage.Order)
		}
		seenOrders[stage.Order] = stage
	}

	outgoing := make(map[int]int, len(input.Stages))
	for _, tr := range input.Transitions {
		switch tr.Type {
		case TransitionAdvance, TransitionReject, TransitionSkip:
		default:
			return fmt.Errorf("%w: unknown transition type %q", ErrInvalidDefinition, tr.Type)
		}
		if _, ok := seenOrders[tr.FromOrder]; !ok {
			return fmt.Errorf("%w: transition from unknown stage order %d", ErrInvalidDefinition, tr.FromOrder)
		}
		if _, ok := seenOrders[tr.ToOrder]; !ok {
			return fmt.Errorf("%w: transition to unknown stage order %d", ErrInvalidDefinition, tr.ToOrder)
		}
		if tr.FromOrder == tr.ToOrder {
			return fmt.Errorf("%w: transition cannot loop back to stage order %d", ErrInvalidDefinition, tr.FromOrder)
		}
		outgoing[tr.FromOrder]++
	}

	// Published stages are terminal; everything else must lead somewhere.
	for order, stage := range seenOrders {
		if stage.Type == StagePublished {
			continue
		}
		if outgoing[order] == 0 {
			return fmt.Errorf("%w: stage %q has no outgoing transition", ErrInvalidDefinition, stage.Name)
		}
	}
	return nil
}
