package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCriteria = `
CREATE TABLE IF NOT EXISTS criteria (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    slug TEXT NOT NULL,
    description TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    scoring_method TEXT,
    pass_threshold REAL,
    type TEXT,
    grouping TEXT,
    category TEXT,
    tags TEXT,
    rules TEXT NOT NULL,
    rule_groups TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_criteria_tenant ON criteria(tenant_id);
CREATE INDEX IF NOT EXISTS idx_criteria_slug ON criteria(tenant_id, slug);
CREATE INDEX IF NOT EXISTS idx_criteria_enabled ON criteria(tenant_id, enabled, deleted);
`

const schemaCriteriaVersions = `
CREATE TABLE IF NOT EXISTS criteria_versions (
    id TEXT PRIMARY KEY,
    criteria_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_criteria_versions_unique
    ON criteria_versions(tenant_id, criteria_id, version);
CREATE INDEX IF NOT EXISTS idx_criteria_versions_criteria
    ON criteria_versions(tenant_id, criteria_id);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    criteria_id TEXT NOT NULL,
    subject_id TEXT,
    passed INTEGER NOT NULL,
    score REAL NOT NULL,
    threshold REAL NOT NULL,
    decision TEXT NOT NULL,
    rule_traces TEXT NOT NULL,
    group_traces TEXT,
    failed_rules TEXT,
    evaluated_at TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_criteria ON evaluations(tenant_id, criteria_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_subject ON evaluations(tenant_id, subject_id, evaluated_at);
`

const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    before_state TEXT,
    after_state TEXT,
    actor TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(tenant_id, entity_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCriteria,
		schemaCriteriaVersions,
		schemaEvaluations,
		schemaAuditLog,
	}
}
