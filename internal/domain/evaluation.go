package domain

import (
	"time"
)

// RuleTrace is the per-rule evaluation record. Expected and Actual are kept
// verbatim so a decision can be explained without re-running the evaluation.
type RuleTrace struct {
	RuleID       string  `json:"ruleId"`
	Field        string  `json:"field"`
	Operator     string  `json:"operator"`
	Expected     any     `json:"expected,omitempty"`
	Actual       any     `json:"actual,omitempty"`
	Passed       bool    `json:"passed"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Error        string  `json:"error,omitempty"`
	ProcessMs    int64   `json:"processMs"`
}

// GroupTrace is the per-group evaluation record, including the traces of the
// member rules that fed the group's combinator.
type GroupTrace struct {
	GroupID      string      `json:"groupId"`
	Name         string      `json:"name"`
	Logic        GroupLogic  `json:"logic"`
	Passed       bool        `json:"passed"`
	Weight       float64     `json:"weight"`
	Contribution float64     `json:"contribution"`
	PassedCount  int         `json:"passedCount"`
	RuleCount    int         `json:"ruleCount"`
	Rules        []RuleTrace `json:"rules"`
	ProcessMs    int64       `json:"processMs"`
}

// EvaluationResult is the complete outcome of evaluating one criteria against
// one snapshot. It is created once per evaluation and never mutated.
type EvaluationResult struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	CriteriaID string `json:"criteriaId"`
	SubjectID  string `json:"subjectId"`

	Passed    bool    `json:"passed"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`

	// Decision is a human-readable label picked from configured synonym
	// lists. It is the one non-deterministic field: score and passed are
	// stable for identical inputs, the wording is not.
	Decision string `json:"decision"`

	RuleTraces  []RuleTrace  `json:"ruleTraces"`
	GroupTraces []GroupTrace `json:"groupTraces,omitempty"`
	FailedRules []string     `json:"failedRules,omitempty"`

	EvaluatedAt time.Time          `json:"evaluatedAt"`
	Metadata    EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata carries processing information for one evaluation.
type EvaluationMetadata struct {
	TraceID         string `json:"traceId"`
	SnapshotHash    string `json:"snapshotHash,omitempty"`
	ExtractMs       int64  `json:"extractMs"`
	RulesMs         int64  `json:"rulesMs"`
	DecisionMs      int64  `json:"decisionMs"`
	TotalMs         int64  `json:"totalMs"`
	RulesEvaluated  int    `json:"rulesEvaluated"`
	GroupsEvaluated int    `json:"groupsEvaluated"`
	CacheHit        bool   `json:"cacheHit,omitempty"`
	EngineVersion   string `json:"engineVersion"`
}

// EvaluationResponse is the API response for an evaluation.
type EvaluationResponse struct {
	EvaluationID string             `json:"evaluationId"`
	CriteriaID   string             `json:"criteriaId"`
	SubjectID    string             `json:"subjectId,omitempty"`
	Passed       bool               `json:"passed"`
	Score        float64            `json:"score"`
	Threshold    float64            `json:"threshold"`
	Decision     string             `json:"decision"`
	FailedRules  []string           `json:"failedRules,omitempty"`
	Reasons      []string           `json:"reasons,omitempty"`
	Metadata     EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an EvaluationResult to an API response.
func (e *EvaluationResult) ToResponse() *EvaluationResponse {
	var reasons []string
	for _, t := range e.RuleTraces {
		if !t.Passed && t.Error != "" {
			reasons = append(reasons, t.Error)
		}
	}

	return &EvaluationResponse{
		EvaluationID: e.ID,
		CriteriaID:   e.CriteriaID,
		SubjectID:    e.SubjectID,
		Passed:       e.Passed,
		Score:        e.Score,
		Threshold:    e.Threshold,
		Decision:     e.Decision,
		FailedRules:  e.FailedRules,
		Reasons:      reasons,
		Metadata:     e.Metadata,
	}
}
