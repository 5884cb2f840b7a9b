package store

import "time"

type Site struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

type Document struct {
	ID           string
	SiteID       string
	Title        string
	Content      string
	Format       string // markdown, html
	Status       string // draft, published, archived
	EmbargoUntil *time.Time
	PublishedAt  *time.Time
	CreatedBy    string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type WorkflowDefinition struct {
	ID          string
	SiteID      *string // nil means shared across all sites
	Name        string
	Description string
	IsDefault   bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Loaded with the definition, ordered by StageOrder.
	Stages      []WorkflowStage
	Transitions []WorkflowTransition
}

type WorkflowStage struct {
	ID                string
	WorkflowID        string
	Name              string
	StageOrder        int
	StageType         string // draft, review, approval, published
	ApprovalPolicy    string // any, all
	MinApprovals      int
	RequiredApprovers []string
	CreatedAt         time.Time
}

type WorkflowTransition struct {
	ID              string
	WorkflowID      string
	FromStageID     string
	ToStageID       string
	TransitionType  string // advance, reject, skip
	AllowedRoles    []string
	RequiresComment bool
}

type DocumentWorkflowState struct {
	DocumentID     string
	SiteID         string
	WorkflowID     string
	CurrentStageID string
	Approvals      []StageApproval
	Rejections     []StageRejection
	EnteredStageAt time.Time
	UpdatedAt      time.Time
}

type StageApproval struct {
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email"`
	Comment    string    `json:"comment,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

type StageRejection struct {
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email"`
	Comment    string    `json:"comment"`
	StageID    string    `json:"stage_id"`
	RejectedAt time.Time `json:"rejected_at"`
}

type TransitionRecord struct {
	ID             int64
	SiteID         string
	DocumentID     string
	FromStageID    string
	ToStageID      string
	TransitionType string
	ActorID        string
	ActorEmail     string
	Comment        string
	CreatedAt      time.Time
}

type Version struct {
	ID                string
	SiteID            string
	DocumentID        string
	VersionNumber     int
	Title             string
	Content           string
	ContentHash       string
	Format            string
	Metadata          map[string]string
	VersionType       string // auto, manual, publish, restore
	Label             string
	Notes             string
	PreviousVersionID *string
	CreatedByID       string
	CreatedByEmail    string
	CreatedAt         time.Time
}

// VersionSummary is the list-view projection; content stays out of listings.
type VersionSummary struct {
	ID             string
	DocumentID     string
	VersionNumber  int
	Title          string
	ContentHash    string
	VersionType    string
	Label          string
	CreatedByEmail string
	CreatedAt      time.Time
}

type ScheduledJob struct {
	ID          string
	SiteID      string
	DocumentID  string
	Action      string // publish, unpublish, archive
	ScheduledAt time.Time
	Timezone    string
	Status      string // pending, processing, completed, failed, cancelled
	RetryCount  int
	IsEmbargo   bool
	Notes       string
	LastError   string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

type Preview struct {
	ID              string
	SiteID          string
	DocumentID      string
	Name            string
	Token           string
	ContentSnapshot string
	TitleSnapshot   string
	FormatSnapshot  string
	PasswordHash    *string
	AllowedEmails   []string
	MaxViews        int // 0 means unlimited
	ViewCount       int
	ExpiresAt       time.Time
	Status          string // active, revoked
	CreatedBy       string
	CreatedAt       time.Time
	RevokedAt       *time.Time
	RevokedBy       string
	LastViewedAt    *time.Time
}

type PreviewFeedback struct {
	ID          string
	PreviewID   string
	ParentID    *string
	Kind        string // comment, issue, approval
	Body        string
	AuthorName  string
	AuthorEmail string
	Status      string // open, resolved, dismissed
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  string
}

type WebhookSubscription struct {
	ID        string
	SiteID    string
	URL       string
	Secret    string
	Events    []string
	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID           int64
	SiteID       string
	Action       string
	ActorID      string
	ActorEmail   string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
	Checksum     string
	CreatedAt    time.Time
}

type AIUsage struct {
	ID               int64
	SiteID           string
	Action           string
	Locale           string
	PromptTokens     int
	CompletionTokens int
	DurationMS       int64
	Success          bool
	ActorID          string
	CreatedAt        time.Time
}
