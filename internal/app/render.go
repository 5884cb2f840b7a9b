package app

import (
	"masthead/internal/auth"
	"masthead/internal/store"
)

// Store models carry no JSON tags; the response shapes are built here so the
// wire format stays an HTTP-layer concern.

func renderSite(site store.Site) map[string]any {
	return map[string]any{
		"id":         site.ID,
		"name":       site.Name,
		"slug":       site.Slug,
		"created_at": site.CreatedAt,
	}
}

func renderActor(actor auth.Actor) map[string]any {
	return map[string]any{
		"id":    actor.ID,
		"name":  actor.Name,
		"email": actor.Email,
		"roles": actor.Roles,
	}
}

func renderDocument(doc store.Document) map[string]any {
	out := renderDocumentSummary(doc)
	out["content"] = doc.Content
	return out
}

// renderDocumentSummary leaves the body out; listings stay light.
func renderDocumentSummary(doc store.Document) map[string]any {
	return map[string]any{
		"id":            doc.ID,
		"site_id":       doc.SiteID,
		"title":         doc.Title,
		"format":        doc.Format,
		"status":        doc.Status,
		"embargo_until": doc.EmbargoUntil,
		"published_at":  doc.PublishedAt,
		"created_by":    doc.CreatedBy,
		"updated_by":    doc.UpdatedBy,
		"created_at":    doc.CreatedAt,
		"updated_at":    doc.UpdatedAt,
	}
}

func renderVersion(v store.Version) map[string]any {
	return map[string]any{
		"id":                  v.ID,
		"document_id":         v.DocumentID,
		"version_number":      v.VersionNumber,
		"title":               v.Title,
		"content":             v.Content,
		"content_hash":        v.ContentHash,
		"format":              v.Format,
		"metadata":            v.Metadata,
		"version_type":        v.VersionType,
		"label":               v.Label,
		"notes":               v.Notes,
		"previous_version_id": v.PreviousVersionID,
		"created_by":          v.CreatedByEmail,
		"created_at":          v.CreatedAt,
	}
}

func renderVersionPtr(v *store.Version) map[string]any {
	if v == nil {
		return nil
	}
	return renderVersion(*v)
}

func renderVersionSummary(v store.VersionSummary) map[string]any {
	return map[string]any{
		"id":             v.ID,
		"document_id":    v.DocumentID,
		"version_number": v.VersionNumber,
		"title":          v.Title,
		"content_hash":   v.ContentHash,
		"version_type":   v.VersionType,
		"label":          v.Label,
		"created_by":     v.CreatedByEmail,
		"created_at":     v.CreatedAt,
	}
}

func renderJob(job store.ScheduledJob) map[string]any {
	return map[string]any{
		"id":           job.ID,
		"site_id":      job.SiteID,
		"document_id":  job.DocumentID,
		"action":       job.Action,
		"scheduled_at": job.ScheduledAt,
		"timezone":     job.Timezone,
		"status":       job.Status,
		"retry_count":  job.RetryCount,
		"is_embargo":   job.IsEmbargo,
		"notes":        job.Notes,
		"last_error":   job.LastError,
		"created_by":   job.CreatedBy,
		"created_at":   job.CreatedAt,
		"processed_at": job.ProcessedAt,
	}
}

// renderPreview is the editor-facing shape. The share token is included so
// editors can hand the link out; the password hash never leaves the store.
func renderPreview(p store.Preview) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"site_id":        p.SiteID,
		"document_id":    p.DocumentID,
		"name":           p.Name,
		"token":          p.Token,
		"password":       p.PasswordHash != nil,
		"allowed_emails": p.AllowedEmails,
		"max_views":      p.MaxViews,
		"view_count":     p.ViewCount,
		"expires_at":     p.ExpiresAt,
		"status":         p.Status,
		"created_by":     p.CreatedBy,
		"created_at":     p.CreatedAt,
		"revoked_at":     p.RevokedAt,
		"last_viewed_at": p.LastViewedAt,
	}
}

func renderFeedback(f store.PreviewFeedback) map[string]any {
	return map[string]any{
		"id":           f.ID,
		"preview_id":   f.PreviewID,
		"parent_id":    f.ParentID,
		"kind":         f.Kind,
		"body":         f.Body,
		"author_name":  f.AuthorName,
		"author_email": f.AuthorEmail,
		"status":       f.Status,
		"created_at":   f.CreatedAt,
		"resolved_at":  f.ResolvedAt,
		"resolved_by":  f.ResolvedBy,
	}
}

func renderWebhook(sub store.WebhookSubscription, includeSecret bool) map[string]any {
	out := map[string]any{
		"id":         sub.ID,
		"site_id":    sub.SiteID,
		"url":        sub.URL,
		"events":     sub.Events,
		"is_active":  sub.IsActive,
		"created_by": sub.CreatedBy,
		"created_at": sub.CreatedAt,
	}
	if includeSecret {
		out["secret"] = sub.Secret
	}
	return out
}

func renderAuditEntry(e store.AuditEntry) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"site_id":       e.SiteID,
		"action":        e.Action,
		"actor_id":      e.ActorID,
		"actor_email":   e.ActorEmail,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"metadata":      e.Metadata,
		"checksum":      e.Checksum,
		"created_at":    e.CreatedAt,
	}
}

func renderTransition(rec store.TransitionRecord) map[string]any {
	return map[string]any{
		"id":              rec.ID,
		"document_id":     rec.DocumentID,
		"from_stage_id":   rec.FromStageID,
		"to_stage_id":     rec.ToStageID,
		"transition_type": rec.TransitionType,
		"actor_id":        rec.ActorID,
		"actor_email":     rec.ActorEmail,
		"comment":         rec.Comment,
		"created_at":      rec.CreatedAt,
	}
}

func renderDefinition(def store.WorkflowDefinition) map[string]any {
	stages := make([]map[string]any, 0, len(def.Stages))
	for _, stage := range def.Stages {
		stages = append(stages, map[string]any{
			"id":                 stage.ID,
			"name":               stage.Name,
			"stage_order":        stage.StageOrder,
			"stage_type":         stage.StageType,
			"approval_policy":    stage.ApprovalPolicy,
			"min_approvals":      stage.MinApprovals,
			"required_approvers": stage.RequiredApprovers,
		})
	}
	transitions := make([]map[string]any, 0, len(def.Transitions))
	for _, tr := range def.Transitions {
		transitions = append(transitions, map[string]any{
			"id":               tr.ID,
			"from_stage_id":    tr.FromStageID,
			"to_stage_id":      tr.ToStageID,
			"transition_type":  tr.TransitionType,
			"allowed_roles":    tr.AllowedRoles,
			"requires_comment": tr.RequiresComment,
		})
	}
	return map[string]any{
		"id":          def.ID,
		"site_id":     def.SiteID,
		"name":        def.Name,
		"description": def.Description,
		"is_default":  def.IsDefault,
		"created_by":  def.CreatedBy,
		"created_at":  def.CreatedAt,
		"updated_at":  def.UpdatedAt,
		"stages":      stages,
		"transitions": transitions,
	}
}

func renderUsage(u store.AIUsage) map[string]any {
	return map[string]any{
		"id":                u.ID,
		"action":            u.Action,
		"locale":            u.Locale,
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"duration_ms":       u.DurationMS,
		"success":           u.Success,
		"actor_id":          u.ActorID,
		"created_at":        u.CreatedAt,
	}
}
