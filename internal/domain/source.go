package domain

import (
	"time"
)

// Source is the structured object a snapshot is extracted from: flat
// attributes plus named one-to-one and one-to-many relations. Extraction
// never mutates a Source.
type Source struct {
	// Type identifies the kind of record, e.g. "applicant" or "account".
	Type string `json:"type"`

	// ID identifies the subject being evaluated.
	ID string `json:"id"`

	Attributes map[string]any `json:"attributes"`

	HasOne  map[string]*Source   `json:"hasOne,omitempty"`
	HasMany map[string][]*Source `json:"hasMany,omitempty"`
}

// Attr returns a direct attribute value, nil when absent.
func (s *Source) Attr(name string) any {
	if s == nil || s.Attributes == nil {
		return nil
	}
	return s.Attributes[name]
}

// EvaluateRequest is the API request payload for an evaluation.
type EvaluateRequest struct {
	CriteriaID   string            `json:"criteriaId,omitempty"`
	CriteriaSlug string            `json:"criteriaSlug,omitempty"`
	Subject      *Source           `json:"subject"`
	FieldMap     map[string]string `json:"fieldMap,omitempty"`
	Async        bool              `json:"async,omitempty"`
}

// SubjectID returns the subject identifier, generating context for logs.
func (r *EvaluateRequest) SubjectID() string {
	if r.Subject == nil {
		return ""
	}
	return r.Subject.ID
}

// AuditEntry records one before/after mutation or a completed evaluation.
// Before and After are explicit value pairs passed by the caller; there is no
// process-wide state stashing original attributes.
type AuditEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Before     any       `json:"before,omitempty"`
	After      any       `json:"after,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Audit actions recorded by the service.
const (
	AuditCriteriaCreated     = "criteria_created"
	AuditCriteriaUpdated     = "criteria_updated"
	AuditCriteriaDeleted     = "criteria_deleted"
	AuditVersionCreated      = "criteria_version_created"
	AuditEvaluationCompleted = "evaluation_completed"
)
