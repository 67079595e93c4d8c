package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func sampleCriteria(id string) *domain.Criteria {
	threshold := 65.0
	return &domain.Criteria{
		ID:            id,
		Name:          "Personal Loan Eligibility",
		Slug:          "personal-loan",
		Description:   "Baseline affordability checks",
		Version:       1,
		ScoringMethod: domain.ScoringWeighted,
		PassThreshold: &threshold,
		Type:          "lending",
		Category:      "consumer",
		Tags:          []string{"loan", "affordability"},
		Enabled:       true,
		Rules: []domain.Rule{
			{ID: "income_min", Field: "income", Operator: ">=", Value: 3000.0, Weight: 40, Enabled: true},
			{ID: "credit_min", Field: "credit_score", Operator: ">=", Value: 650.0, Weight: 60, Enabled: true},
		},
		Groups: []domain.RuleGroup{
			{
				ID: "identity", Name: "Identity checks", Logic: domain.LogicAny,
				Weight: 10, Enabled: true,
				Rules: []domain.Rule{
					{ID: "id_doc", Field: "id_verified", Operator: "==", Value: true, Weight: 1, Enabled: true},
				},
			},
		},
	}
}

func TestCriteriaRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	if err := repo.SaveCriteria(ctx, tenantID, sampleCriteria("crit-001")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.GetCriteria(ctx, tenantID, "crit-001")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if got.Name != "Personal Loan Eligibility" || got.Slug != "personal-loan" {
		t.Errorf("unexpected criteria: %+v", got)
	}
	if got.PassThreshold == nil || *got.PassThreshold != 65.0 {
		t.Errorf("threshold not preserved: %v", got.PassThreshold)
	}
	if len(got.Rules) != 2 || got.Rules[0].ID != "income_min" {
		t.Errorf("rules not preserved: %+v", got.Rules)
	}
	if len(got.Groups) != 1 || got.Groups[0].Logic != domain.LogicAny {
		t.Errorf("groups not preserved: %+v", got.Groups)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags not preserved: %v", got.Tags)
	}
}

func TestCriteriaUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	c := sampleCriteria("crit-001")
	if err := repo.SaveCriteria(ctx, tenantID, c); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	c.Name = "Renamed"
	c.Version = 2
	if err := repo.SaveCriteria(ctx, tenantID, c); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := repo.GetCriteria(ctx, tenantID, "crit-001")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Renamed" || got.Version != 2 {
		t.Errorf("upsert did not replace fields: %+v", got)
	}

	all, err := repo.ListCriteria(ctx, tenantID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected a single row after upsert, got %d", len(all))
	}
}

func TestCriteriaBySlug(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	if err := repo.SaveCriteria(ctx, tenantID, sampleCriteria("crit-001")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.GetCriteriaBySlug(ctx, tenantID, "personal-loan")
	if err != nil {
		t.Fatalf("get by slug failed: %v", err)
	}
	if got.ID != "crit-001" {
		t.Errorf("expected crit-001, got %s", got.ID)
	}

	if _, err := repo.GetCriteriaBySlug(ctx, tenantID, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCriteria(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	if err := repo.SaveCriteria(ctx, tenantID, sampleCriteria("crit-001")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.DeleteCriteria(ctx, tenantID, "crit-001"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := repo.GetCriteria(ctx, tenantID, "crit-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted criteria should be gone, got %v", err)
	}
	if err := repo.DeleteCriteria(ctx, tenantID, "crit-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should report not found, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveCriteria(ctx, "tenant-a", sampleCriteria("crit-001")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := repo.GetCriteria(ctx, "tenant-b", "crit-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant read should fail, got %v", err)
	}

	list, err := repo.ListCriteria(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list for other tenant, got %d", len(list))
	}
}

func TestRequiresTenantID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveCriteria(ctx, "", sampleCriteria("crit-001")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := repo.GetCriteria(ctx, "", "crit-001"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := repo.ListEvaluationsBySubject(ctx, "", "s", time.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCriteriaVersions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	c := sampleCriteria("crit-001")
	for v := 1; v <= 3; v++ {
		c.Version = v
		err := repo.SaveCriteriaVersion(ctx, tenantID, &domain.CriteriaVersion{
			ID:         fmt.Sprintf("ver-%d", v),
			CriteriaID: "crit-001",
			Version:    v,
			Snapshot:   *c,
		})
		if err != nil {
			t.Fatalf("save version %d failed: %v", v, err)
		}
	}

	got, err := repo.GetCriteriaVersion(ctx, tenantID, "crit-001", 2)
	if err != nil {
		t.Fatalf("get version failed: %v", err)
	}
	if got.Snapshot.Version != 2 || len(got.Snapshot.Rules) != 2 {
		t.Errorf("snapshot not preserved: %+v", got.Snapshot)
	}

	versions, err := repo.ListCriteriaVersions(ctx, tenantID, "crit-001")
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 3 || versions[0].Version != 3 {
		t.Errorf("expected 3 versions newest first, got %+v", versions)
	}

	if _, err := repo.GetCriteriaVersion(ctx, tenantID, "crit-001", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func sampleEvaluation(id, subjectID string, evaluatedAt time.Time) *domain.EvaluationResult {
	return &domain.EvaluationResult{
		ID:         id,
		CriteriaID: "crit-001",
		SubjectID:  subjectID,
		Passed:     true,
		Score:      100,
		Threshold:  65,
		Decision:   "approved",
		RuleTraces: []domain.RuleTrace{
			{RuleID: "income_min", Field: "income", Operator: ">=", Passed: true, Weight: 40, Contribution: 40},
		},
		EvaluatedAt: evaluatedAt,
		Metadata:    domain.EvaluationMetadata{TraceID: "trace-1", EngineVersion: "kestrel-1.0"},
	}
}

func TestEvaluationRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	eval := sampleEvaluation("eval-001", "app-001", time.Now().UTC())
	if err := repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.GetEvaluation(ctx, tenantID, "eval-001")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.Passed || got.Score != 100 || got.Decision != "approved" {
		t.Errorf("unexpected evaluation: %+v", got)
	}
	if len(got.RuleTraces) != 1 || got.RuleTraces[0].RuleID != "income_min" {
		t.Errorf("traces not preserved: %+v", got.RuleTraces)
	}
	if got.Metadata.TraceID != "trace-1" {
		t.Errorf("metadata not preserved: %+v", got.Metadata)
	}

	if _, err := repo.GetEvaluation(ctx, tenantID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEvaluationsBySubject(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		eval := sampleEvaluation(fmt.Sprintf("eval-%d", i), "app-001", now.Add(-time.Duration(i)*time.Hour))
		if err := repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	// Outside the query window.
	old := sampleEvaluation("eval-old", "app-001", now.Add(-48*time.Hour))
	if err := repo.SaveEvaluation(ctx, tenantID, old); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	evals, err := repo.ListEvaluationsBySubject(ctx, tenantID, "app-001", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(evals) != 3 {
		t.Errorf("expected 3 evaluations in window, got %d", len(evals))
	}
	if evals[0].ID != "eval-0" {
		t.Errorf("expected newest first, got %s", evals[0].ID)
	}

	evals, err = repo.ListEvaluationsBySubject(ctx, tenantID, "app-unknown", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(evals) != 0 {
		t.Errorf("expected no evaluations for unknown subject, got %d", len(evals))
	}
}

func TestAuditLog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	entry := &domain.AuditEntry{
		ID:         "audit-001",
		EntityType: "criteria",
		EntityID:   "crit-001",
		Action:     domain.AuditCriteriaUpdated,
		Before:     map[string]any{"name": "Old"},
		After:      map[string]any{"name": "New"},
		Actor:      "analyst@example.com",
	}
	if err := repo.SaveAuditEntry(ctx, tenantID, entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	entries, err := repo.ListAuditEntries(ctx, tenantID, "crit-001")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	got := entries[0]
	if got.Action != domain.AuditCriteriaUpdated || got.Actor != "analyst@example.com" {
		t.Errorf("unexpected entry: %+v", got)
	}
	before, ok := got.Before.(map[string]any)
	if !ok || before["name"] != "Old" {
		t.Errorf("before state not preserved: %+v", got.Before)
	}
	after, ok := got.After.(map[string]any)
	if !ok || after["name"] != "New" {
		t.Errorf("after state not preserved: %+v", got.After)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
