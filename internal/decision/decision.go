// Package decision turns raw evaluation traces into a final eligibility
// decision: score, pass/fail and a human-readable label.
package decision

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/rules"
)

// EngineVersion is stamped into every evaluation's metadata.
const EngineVersion = "kestrel-1.0"

// Processor scores trace outputs and assembles the persistent result.
type Processor struct {
	// DefaultThreshold applies when the criteria carries no override.
	DefaultThreshold float64

	// DefaultScoringMethod applies when the criteria carries no override.
	DefaultScoringMethod domain.ScoringMethod

	// PassLabels and FailLabels are the decision wording synonym lists. One
	// entry is picked uniformly at random per evaluation, so two identical
	// evaluations can word the same outcome differently.
	PassLabels []string
	FailLabels []string
}

// NewProcessor creates a processor from the engine configuration.
func NewProcessor(cfg domain.EngineConfig) *Processor {
	p := &Processor{
		DefaultThreshold:     cfg.DefaultThreshold,
		DefaultScoringMethod: cfg.DefaultScoringMethod,
		PassLabels:           cfg.PassLabels,
		FailLabels:           cfg.FailLabels,
	}
	if p.DefaultScoringMethod == "" {
		p.DefaultScoringMethod = domain.ScoringWeighted
	}
	if len(p.PassLabels) == 0 {
		p.PassLabels = []string{"approved"}
	}
	if len(p.FailLabels) == 0 {
		p.FailLabels = []string{"declined"}
	}
	return p
}

// Input contains everything needed to assemble one decision.
type Input struct {
	TenantID     string
	Criteria     *domain.Criteria
	SubjectID    string
	TraceID      string
	SnapshotHash string
	Output       *rules.Output
	StartTime    time.Time
	ExtractMs    int64
	RulesMs      int64
}

// Process scores the traces and produces the final evaluation result.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.EvaluationResult {
	start := time.Now()

	method := input.Criteria.ScoringMethod
	if method == "" {
		method = p.DefaultScoringMethod
	}
	threshold := p.DefaultThreshold
	if input.Criteria.PassThreshold != nil {
		threshold = *input.Criteria.PassThreshold
	}

	score := rules.Score(method, rules.Outcomes(input.Output))
	passed := rules.IsPassing(score, threshold)

	result := &domain.EvaluationResult{
		ID:          uuid.New().String(),
		TenantID:    input.TenantID,
		CriteriaID:  input.Criteria.ID,
		SubjectID:   input.SubjectID,
		Passed:      passed,
		Score:       score,
		Threshold:   threshold,
		Decision:    p.label(passed),
		RuleTraces:  input.Output.RuleTraces,
		GroupTraces: input.Output.GroupTraces,
		FailedRules: failedRules(input.Output),
		EvaluatedAt: time.Now().UTC(),
	}

	result.Metadata = domain.EvaluationMetadata{
		TraceID:         input.TraceID,
		SnapshotHash:    input.SnapshotHash,
		ExtractMs:       input.ExtractMs,
		RulesMs:         input.RulesMs,
		DecisionMs:      time.Since(start).Milliseconds(),
		TotalMs:         time.Since(input.StartTime).Milliseconds(),
		RulesEvaluated:  len(input.Output.RuleTraces),
		GroupsEvaluated: len(input.Output.GroupTraces),
		EngineVersion:   EngineVersion,
	}

	return result
}

// label picks the decision wording for an outcome.
func (p *Processor) label(passed bool) string {
	pool := p.FailLabels
	if passed {
		pool = p.PassLabels
	}
	return pool[rand.Intn(len(pool))]
}

// failedRules collects the IDs of failing top-level rules and groups.
func failedRules(out *rules.Output) []string {
	var ids []string
	for _, rt := range out.RuleTraces {
		if !rt.Passed {
			ids = append(ids, rt.RuleID)
		}
	}
	for _, gt := range out.GroupTraces {
		if !gt.Passed {
			ids = append(ids, gt.GroupID)
		}
	}
	return ids
}
