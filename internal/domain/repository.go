// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Criteria operations
	SaveCriteria(ctx context.Context, tenantID string, c *Criteria) error
	GetCriteria(ctx context.Context, tenantID string, criteriaID string) (*Criteria, error)
	GetCriteriaBySlug(ctx context.Context, tenantID string, slug string) (*Criteria, error)
	ListCriteria(ctx context.Context, tenantID string) ([]*Criteria, error)
	DeleteCriteria(ctx context.Context, tenantID string, criteriaID string) error

	// Criteria version snapshots
	SaveCriteriaVersion(ctx context.Context, tenantID string, v *CriteriaVersion) error
	GetCriteriaVersion(ctx context.Context, tenantID string, criteriaID string, version int) (*CriteriaVersion, error)
	ListCriteriaVersions(ctx context.Context, tenantID string, criteriaID string) ([]*CriteriaVersion, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *EvaluationResult) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*EvaluationResult, error)
	ListEvaluationsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*EvaluationResult, error)

	// Audit log
	SaveAuditEntry(ctx context.Context, tenantID string, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string, entityID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
