// Package audit records configuration mutations and completed evaluations
// with explicit before/after state.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/domain"
)

// Logger persists audit entries and announces them on the event bus.
// Callers pass explicit before/after values; nothing is captured implicitly.
type Logger struct {
	repo domain.Repository
	bus  domain.EventBus
}

// NewLogger creates a new audit logger. The bus may be nil, entries are then
// persisted without being announced.
func NewLogger(repo domain.Repository, eventBus domain.EventBus) *Logger {
	return &Logger{
		repo: repo,
		bus:  eventBus,
	}
}

// Record persists one audit entry. Publishing to the bus is best-effort, a
// failed publish never fails the mutation being audited.
func (l *Logger) Record(ctx context.Context, tenantID string, entry *domain.AuditEntry) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if entry.EntityID == "" || entry.Action == "" {
		return fmt.Errorf("entityID and action are required")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TenantID = tenantID

	if err := l.repo.SaveAuditEntry(ctx, tenantID, entry); err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}

	if l.bus != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			err = l.bus.Publish(ctx, tenantID, domain.TopicAuditEntry, payload)
		}
		if err != nil {
			slog.Warn("failed to publish audit entry",
				"entity_id", entry.EntityID,
				"action", entry.Action,
				"error", err,
			)
		}
	}

	return nil
}

// CriteriaCreated records the creation of a criteria.
func (l *Logger) CriteriaCreated(ctx context.Context, tenantID, actor string, c *domain.Criteria) error {
	return l.Record(ctx, tenantID, &domain.AuditEntry{
		EntityType: "criteria",
		EntityID:   c.ID,
		Action:     domain.AuditCriteriaCreated,
		After:      c,
		Actor:      actor,
	})
}

// CriteriaUpdated records a criteria mutation with its previous state.
func (l *Logger) CriteriaUpdated(ctx context.Context, tenantID, actor string, before, after *domain.Criteria) error {
	return l.Record(ctx, tenantID, &domain.AuditEntry{
		EntityType: "criteria",
		EntityID:   after.ID,
		Action:     domain.AuditCriteriaUpdated,
		Before:     before,
		After:      after,
		Actor:      actor,
	})
}

// CriteriaDeleted records the deletion of a criteria.
func (l *Logger) CriteriaDeleted(ctx context.Context, tenantID, actor string, before *domain.Criteria) error {
	return l.Record(ctx, tenantID, &domain.AuditEntry{
		EntityType: "criteria",
		EntityID:   before.ID,
		Action:     domain.AuditCriteriaDeleted,
		Before:     before,
		Actor:      actor,
	})
}

// VersionCreated records a new immutable criteria version snapshot.
func (l *Logger) VersionCreated(ctx context.Context, tenantID, actor string, v *domain.CriteriaVersion) error {
	return l.Record(ctx, tenantID, &domain.AuditEntry{
		EntityType: "criteria_version",
		EntityID:   v.CriteriaID,
		Action:     domain.AuditVersionCreated,
		After:      v,
		Actor:      actor,
	})
}

// EvaluationCompleted records a finished evaluation.
func (l *Logger) EvaluationCompleted(ctx context.Context, tenantID string, eval *domain.EvaluationResult) error {
	return l.Record(ctx, tenantID, &domain.AuditEntry{
		EntityType: "evaluation",
		EntityID:   eval.ID,
		Action:     domain.AuditEvaluationCompleted,
		After: map[string]any{
			"criteriaId": eval.CriteriaID,
			"subjectId":  eval.SubjectID,
			"passed":     eval.Passed,
			"score":      eval.Score,
			"decision":   eval.Decision,
		},
	})
}
