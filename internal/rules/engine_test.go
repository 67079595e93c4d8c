package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-credit/kestrel/internal/domain"
)

func lendingCriteria() *domain.Criteria {
	threshold := 65.0
	return &domain.Criteria{
		ID:            "crit-001",
		TenantID:      "tenant-a",
		Name:          "Personal Loan Eligibility",
		Slug:          "personal-loan",
		Version:       1,
		ScoringMethod: domain.ScoringWeighted,
		PassThreshold: &threshold,
		Enabled:       true,
		Rules: []domain.Rule{
			{ID: "income_min", Field: "income", Operator: ">=", Value: 3000.0, Weight: 40, Enabled: true},
			{ID: "credit_min", Field: "credit_score", Operator: ">=", Value: 650.0, Weight: 60, Enabled: true},
		},
	}
}

func TestLoadAndEvaluate(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if e.Count() != 1 {
		t.Fatalf("expected 1 loaded criteria, got %d", e.Count())
	}

	out, err := e.Evaluate(context.Background(), "crit-001", snap(map[string]any{
		"income":       5000.0,
		"credit_score": 720.0,
	}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	score := Score(domain.ScoringWeighted, Outcomes(out))
	if score != 100.0 {
		t.Errorf("expected score 100.0, got %v", score)
	}
	if !IsPassing(score, 65) {
		t.Error("expected a passing evaluation")
	}
}

func TestEvaluateFailsBelowThreshold(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	out, err := e.Evaluate(context.Background(), "crit-001", snap(map[string]any{
		"income":       5000.0,
		"credit_score": 600.0,
	}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	score := Score(domain.ScoringWeighted, Outcomes(out))
	if score != 40.0 {
		t.Errorf("expected score 40.0, got %v", score)
	}
	if IsPassing(score, 65) {
		t.Error("40.0 should fail a threshold of 65")
	}

	var failed []string
	for _, rt := range out.RuleTraces {
		if !rt.Passed {
			failed = append(failed, rt.RuleID)
		}
	}
	if len(failed) != 1 || failed[0] != "credit_min" {
		t.Errorf("expected only credit_min to fail, got %v", failed)
	}
}

func TestEvaluateUnknownCriteria(t *testing.T) {
	e := NewEngine(10)
	if _, err := e.Evaluate(context.Background(), "missing", snap(nil)); err == nil {
		t.Error("expected error for unloaded criteria")
	}
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	c := lendingCriteria()
	c.Rules[0].Operator = "equals"

	e := NewEngine(10)
	err := e.LoadCriteria(c)
	if err == nil {
		t.Fatal("expected compile error for unknown operator")
	}
	if !strings.Contains(err.Error(), "income_min") {
		t.Errorf("error should name the offending rule: %v", err)
	}
	if e.Count() != 0 {
		t.Error("failed load should not register the criteria")
	}
}

func TestCompileRejectsUnknownScoringMethod(t *testing.T) {
	c := lendingCriteria()
	c.ScoringMethod = "median"

	e := NewEngine(10)
	err := e.ValidateCriteria(c)
	if err == nil {
		t.Fatal("expected compile error for unknown scoring method")
	}
	if !strings.Contains(err.Error(), "median") {
		t.Errorf("error should name the offending method: %v", err)
	}

	for _, m := range []domain.ScoringMethod{
		"", domain.ScoringWeighted, domain.ScoringPassFail, domain.ScoringSum, domain.ScoringAverage,
	} {
		c.ScoringMethod = m
		if err := e.ValidateCriteria(c); err != nil {
			t.Errorf("scoring method %q should be accepted: %v", m, err)
		}
	}
}

func TestCompileRejectsNegativeWeight(t *testing.T) {
	c := lendingCriteria()
	c.Rules[1].Weight = -5

	if err := NewEngine(10).ValidateCriteria(c); err == nil {
		t.Error("expected compile error for negative weight")
	}
}

func TestRuleErrorIsAbsorbed(t *testing.T) {
	c := lendingCriteria()
	c.Rules = append(c.Rules, domain.Rule{
		ID: "bad_pattern", Field: "email", Operator: "regex", Value: "(", Weight: 10, Enabled: true,
	})

	e := NewEngine(10)
	if err := e.LoadCriteria(c); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	out, err := e.Evaluate(context.Background(), "crit-001", snap(map[string]any{
		"income":       5000.0,
		"credit_score": 720.0,
		"email":        "user@example.com",
	}))
	if err != nil {
		t.Fatalf("a malformed rule must not abort the evaluation: %v", err)
	}

	var bad *domain.RuleTrace
	for i := range out.RuleTraces {
		if out.RuleTraces[i].RuleID == "bad_pattern" {
			bad = &out.RuleTraces[i]
		}
	}
	if bad == nil {
		t.Fatal("missing trace for the failing rule")
	}
	if bad.Passed || bad.Error == "" {
		t.Errorf("expected failed trace with error, got passed=%v error=%q", bad.Passed, bad.Error)
	}

	// The siblings still evaluated normally.
	for _, rt := range out.RuleTraces {
		if rt.RuleID != "bad_pattern" && !rt.Passed {
			t.Errorf("sibling rule %s should have passed", rt.RuleID)
		}
	}
}

func TestMissingFieldFailsRule(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	out, err := e.Evaluate(context.Background(), "crit-001", snap(map[string]any{
		"income": 5000.0,
	}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	for _, rt := range out.RuleTraces {
		if rt.RuleID == "credit_min" {
			if rt.Passed {
				t.Error("absent field should fail the comparison")
			}
			if rt.Actual != nil {
				t.Errorf("expected nil actual, got %v", rt.Actual)
			}
		}
	}
}

func TestEvaluateWithGroups(t *testing.T) {
	threshold := 65.0
	c := &domain.Criteria{
		ID: "crit-002", Name: "Mixed", Slug: "mixed", Enabled: true,
		ScoringMethod: domain.ScoringWeighted,
		PassThreshold: &threshold,
		Rules: []domain.Rule{
			{ID: "base", Field: "active", Operator: "==", Value: true, Weight: 40, Enabled: true},
		},
		Groups: []domain.RuleGroup{
			{
				ID: "checks", Name: "Any identity check", Logic: domain.LogicAny,
				Weight: 60, Enabled: true,
				Rules: []domain.Rule{
					{ID: "id_doc", Field: "id_verified", Operator: "==", Value: true, Weight: 1, Enabled: true},
					{ID: "bank_link", Field: "bank_linked", Operator: "==", Value: true, Weight: 1, Enabled: true},
				},
			},
		},
	}

	e := NewEngine(10)
	if err := e.LoadCriteria(c); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	out, err := e.Evaluate(context.Background(), "crit-002", snap(map[string]any{
		"active":      true,
		"id_verified": false,
		"bank_linked": true,
	}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if len(out.GroupTraces) != 1 {
		t.Fatalf("expected 1 group trace, got %d", len(out.GroupTraces))
	}
	gt := out.GroupTraces[0]
	if !gt.Passed || gt.PassedCount != 1 {
		t.Errorf("expected ANY group pass with 1/2, got passed=%v count=%d", gt.Passed, gt.PassedCount)
	}
	if len(gt.Rules) != 2 {
		t.Errorf("member traces belong inside the group trace, got %d", len(gt.Rules))
	}

	// One top-level trace only, the group members stay nested.
	if len(out.RuleTraces) != 1 {
		t.Errorf("expected 1 top-level rule trace, got %d", len(out.RuleTraces))
	}

	if score := Score(domain.ScoringWeighted, Outcomes(out)); score != 100.0 {
		t.Errorf("expected 100.0, got %v", score)
	}
}

func TestReloadReplacesAll(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	next := lendingCriteria()
	next.ID = "crit-100"
	next.Slug = "replacement"
	if err := e.Reload([]*domain.Criteria{next}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if e.Count() != 1 {
		t.Fatalf("expected 1 criteria after reload, got %d", e.Count())
	}
	if _, ok := e.Get("crit-001"); ok {
		t.Error("reload should drop previously loaded criteria")
	}
	if _, ok := e.GetBySlug("replacement"); !ok {
		t.Error("reloaded criteria not found by slug")
	}
}

func TestReloadFailureKeepsExisting(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	bad := lendingCriteria()
	bad.ID = "crit-bad"
	bad.Rules[0].Operator = "nope"
	if err := e.Reload([]*domain.Criteria{bad}); err == nil {
		t.Fatal("expected reload to fail")
	}

	if _, ok := e.Get("crit-001"); !ok {
		t.Error("failed reload must leave the previous set intact")
	}
}

func TestLoadAllSkipsDisabled(t *testing.T) {
	enabled := lendingCriteria()
	disabled := lendingCriteria()
	disabled.ID = "crit-off"
	disabled.Enabled = false

	e := NewEngine(10)
	if err := e.LoadAll([]*domain.Criteria{enabled, disabled}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if e.Count() != 1 {
		t.Errorf("expected only enabled criteria loaded, got %d", e.Count())
	}
}

func TestGetLoaded(t *testing.T) {
	e := NewEngine(10)
	if err := e.LoadCriteria(lendingCriteria()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	loaded := e.GetLoaded()
	if len(loaded) != 1 || loaded[0].ID != "crit-001" {
		t.Errorf("unexpected loaded set: %v", loaded)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if e.Count() != 0 {
		t.Error("close should clear the loaded set")
	}
}
