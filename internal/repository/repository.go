// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCriteria upserts a criteria with tenant isolation.
func (r *SQLRepository) SaveCriteria(ctx context.Context, tenantID string, c *domain.Criteria) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: criteria id and name are required", ErrInvalidInput)
	}

	tags, _ := json.Marshal(c.Tags)
	rules, _ := json.Marshal(c.Rules)
	groups, _ := json.Marshal(c.Groups)

	enabled := 0
	if c.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO criteria (
			id, tenant_id, name, slug, description, version,
			scoring_method, pass_threshold, type, grouping, category, tags,
			rules, rule_groups, enabled, deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			description = excluded.description,
			version = excluded.version,
			scoring_method = excluded.scoring_method,
			pass_threshold = excluded.pass_threshold,
			type = excluded.type,
			grouping = excluded.grouping,
			category = excluded.category,
			tags = excluded.tags,
			rules = excluded.rules,
			rule_groups = excluded.rule_groups,
			enabled = excluded.enabled,
			deleted = 0,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.Name, c.Slug, c.Description, c.Version,
		string(c.ScoringMethod), nullableFloat(c.PassThreshold),
		c.Type, c.Group, c.Category, string(tags),
		string(rules), string(groups), enabled,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const criteriaColumns = `
	id, tenant_id, name, slug, description, version,
	scoring_method, pass_threshold, type, grouping, category, tags,
	rules, rule_groups, enabled, created_at, updated_at
`

// GetCriteria retrieves a criteria by ID with tenant isolation.
func (r *SQLRepository) GetCriteria(ctx context.Context, tenantID string, criteriaID string) (*domain.Criteria, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + criteriaColumns + `
		FROM criteria
		WHERE tenant_id = ? AND id = ? AND deleted = 0
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, criteriaID)
	return scanCriteria(row)
}

// GetCriteriaBySlug retrieves a criteria by slug with tenant isolation.
func (r *SQLRepository) GetCriteriaBySlug(ctx context.Context, tenantID string, slug string) (*domain.Criteria, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + criteriaColumns + `
		FROM criteria
		WHERE tenant_id = ? AND slug = ? AND deleted = 0
		ORDER BY version DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, slug)
	return scanCriteria(row)
}

// ListCriteria retrieves all criteria for a tenant.
func (r *SQLRepository) ListCriteria(ctx context.Context, tenantID string) ([]*domain.Criteria, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + criteriaColumns + `
		FROM criteria
		WHERE tenant_id = ? AND deleted = 0
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Criteria
	for rows.Next() {
		c, err := scanCriteria(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// DeleteCriteria soft-deletes a criteria by setting deleted = 1.
func (r *SQLRepository) DeleteCriteria(ctx context.Context, tenantID string, criteriaID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE criteria
		SET deleted = 1, enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, criteriaID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveCriteriaVersion stores an immutable criteria version snapshot.
func (r *SQLRepository) SaveCriteriaVersion(ctx context.Context, tenantID string, v *domain.CriteriaVersion) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if v.CriteriaID == "" {
		return fmt.Errorf("%w: criteriaID is required", ErrInvalidInput)
	}

	snapshot, err := json.Marshal(v.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize criteria snapshot: %w", err)
	}

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO criteria_versions (
			id, criteria_id, tenant_id, version, snapshot, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.CriteriaID, tenantID, v.Version, string(snapshot), v.CreatedAt,
	)
	return err
}

// GetCriteriaVersion retrieves one version snapshot of a criteria.
func (r *SQLRepository) GetCriteriaVersion(ctx context.Context, tenantID string, criteriaID string, version int) (*domain.CriteriaVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, criteria_id, tenant_id, version, snapshot, created_at
		FROM criteria_versions
		WHERE tenant_id = ? AND criteria_id = ? AND version = ?
	`

	var v domain.CriteriaVersion
	var snapshot string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, criteriaID, version).Scan(
		&v.ID, &v.CriteriaID, &v.TenantID, &v.Version, &snapshot, &v.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &v.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse criteria snapshot: %w", err)
	}

	return &v, nil
}

// ListCriteriaVersions retrieves all version snapshots of a criteria, newest first.
func (r *SQLRepository) ListCriteriaVersions(ctx context.Context, tenantID string, criteriaID string) ([]*domain.CriteriaVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, criteria_id, tenant_id, version, snapshot, created_at
		FROM criteria_versions
		WHERE tenant_id = ? AND criteria_id = ?
		ORDER BY version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, criteriaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CriteriaVersion
	for rows.Next() {
		var v domain.CriteriaVersion
		var snapshot string

		if err := rows.Scan(&v.ID, &v.CriteriaID, &v.TenantID, &v.Version, &snapshot, &v.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snapshot), &v.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to parse criteria snapshot for %s: %w", v.ID, err)
		}
		out = append(out, &v)
	}

	return out, rows.Err()
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.EvaluationResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	ruleTraces, _ := json.Marshal(eval.RuleTraces)
	groupTraces, _ := json.Marshal(eval.GroupTraces)
	failedRules, _ := json.Marshal(eval.FailedRules)
	metadata, _ := json.Marshal(eval.Metadata)

	passed := 0
	if eval.Passed {
		passed = 1
	}

	query := `
		INSERT INTO evaluations (
			id, tenant_id, criteria_id, subject_id, passed, score, threshold,
			decision, rule_traces, group_traces, failed_rules, evaluated_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.CriteriaID, eval.SubjectID,
		passed, eval.Score, eval.Threshold, eval.Decision,
		string(ruleTraces), string(groupTraces), string(failedRules),
		eval.EvaluatedAt, string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.EvaluationResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, criteria_id, subject_id, passed, score, threshold,
			   decision, rule_traces, group_traces, failed_rules, evaluated_at, metadata
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID)
	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return eval, err
}

// ListEvaluationsBySubject retrieves evaluations for a subject within a time
// window, newest first.
func (r *SQLRepository) ListEvaluationsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*domain.EvaluationResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, criteria_id, subject_id, passed, score, threshold,
			   decision, rule_traces, group_traces, failed_rules, evaluated_at, metadata
		FROM evaluations
		WHERE tenant_id = ? AND subject_id = ? AND evaluated_at >= ?
		ORDER BY evaluated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, subjectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EvaluationResult
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, eval)
	}

	return out, rows.Err()
}

// SaveAuditEntry stores an audit log entry with tenant isolation.
func (r *SQLRepository) SaveAuditEntry(ctx context.Context, tenantID string, entry *domain.AuditEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	before, _ := json.Marshal(entry.Before)
	after, _ := json.Marshal(entry.After)

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (
			id, tenant_id, entity_type, entity_id, action,
			before_state, after_state, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.EntityType, entry.EntityID, entry.Action,
		string(before), string(after), entry.Actor, entry.CreatedAt,
	)
	return err
}

// ListAuditEntries retrieves audit entries for an entity, newest first.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, tenantID string, entityID string) ([]*domain.AuditEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_type, entity_id, action,
			   before_state, after_state, actor, created_at
		FROM audit_log
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var before, after string

		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action,
			&before, &after, &e.Actor, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		if before != "" && before != "null" {
			var v any
			json.Unmarshal([]byte(before), &v)
			e.Before = v
		}
		if after != "" && after != "null" {
			var v any
			json.Unmarshal([]byte(after), &v)
			e.After = v
		}

		out = append(out, &e)
	}

	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanCriteria(row scanner) (*domain.Criteria, error) {
	var c domain.Criteria
	var scoringMethod, tags, rules, groups string
	var threshold sql.NullFloat64
	var enabled int

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Slug, &c.Description, &c.Version,
		&scoringMethod, &threshold, &c.Type, &c.Group, &c.Category, &tags,
		&rules, &groups, &enabled, &c.CreatedAt, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ScoringMethod = domain.ScoringMethod(scoringMethod)
	if threshold.Valid {
		c.PassThreshold = &threshold.Float64
	}
	c.Enabled = enabled == 1

	json.Unmarshal([]byte(tags), &c.Tags)
	if err := json.Unmarshal([]byte(rules), &c.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse criteria rules: %w", err)
	}
	if groups != "" && groups != "null" {
		if err := json.Unmarshal([]byte(groups), &c.Groups); err != nil {
			return nil, fmt.Errorf("failed to parse criteria groups: %w", err)
		}
	}

	return &c, nil
}

func scanEvaluation(row scanner) (*domain.EvaluationResult, error) {
	var eval domain.EvaluationResult
	var ruleTraces, groupTraces, failedRules, metadata string
	var passed int

	err := row.Scan(
		&eval.ID, &eval.TenantID, &eval.CriteriaID, &eval.SubjectID,
		&passed, &eval.Score, &eval.Threshold, &eval.Decision,
		&ruleTraces, &groupTraces, &failedRules, &eval.EvaluatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}

	eval.Passed = passed == 1
	json.Unmarshal([]byte(ruleTraces), &eval.RuleTraces)
	if groupTraces != "" && groupTraces != "null" {
		json.Unmarshal([]byte(groupTraces), &eval.GroupTraces)
	}
	if failedRules != "" && failedRules != "null" {
		json.Unmarshal([]byte(failedRules), &eval.FailedRules)
	}
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
