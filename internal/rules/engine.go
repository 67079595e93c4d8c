// Package rules provides the eligibility rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/snapshot"
)

// Engine holds compiled criteria and evaluates snapshots against them.
// Criteria are validated at load time; evaluation never fails as a whole,
// per-rule errors are absorbed into failed traces.
type Engine struct {
	mu         sync.RWMutex
	compiled   map[string]*CompiledCriteria
	maxWorkers int
}

// CompiledCriteria is a criteria whose operators and group combinators have
// been validated and pre-compiled. It is immutable once built, which is what
// makes concurrent evaluation safe.
type CompiledCriteria struct {
	Config *domain.Criteria
	rules  []compiledRule
	groups []compiledGroup
}

type compiledRule struct {
	cfg domain.Rule
	op  Operator
}

// Output carries the per-rule and per-group traces of one evaluation pass,
// before scoring and decision.
type Output struct {
	RuleTraces  []domain.RuleTrace
	GroupTraces []domain.GroupTrace
}

// NewEngine creates a new evaluation engine.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{
		compiled:   make(map[string]*CompiledCriteria),
		maxWorkers: maxWorkers,
	}
}

// Compile validates a criteria and pre-compiles its rules and groups.
// Configuration errors (unknown operator, malformed MIN/BOOLEAN parameters)
// surface here, before any evaluation can begin.
func (e *Engine) Compile(c *domain.Criteria) (*CompiledCriteria, error) {
	if c == nil {
		return nil, fmt.Errorf("criteria is required")
	}
	if c.ID == "" {
		return nil, fmt.Errorf("criteria id is required")
	}

	// Scoring method typos must fail here, not silently score as weighted.
	switch c.ScoringMethod {
	case "", domain.ScoringWeighted, domain.ScoringPassFail, domain.ScoringSum, domain.ScoringAverage:
	default:
		return nil, fmt.Errorf("criteria %s: unknown scoring method %q", c.ID, c.ScoringMethod)
	}

	cc := &CompiledCriteria{Config: c}

	for _, r := range c.ActiveRules() {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("criteria %s: %w", c.ID, err)
		}
		cc.rules = append(cc.rules, cr)
	}

	for _, g := range c.ActiveGroups() {
		cg, err := compileGroup(g)
		if err != nil {
			return nil, fmt.Errorf("criteria %s: %w", c.ID, err)
		}
		cc.groups = append(cc.groups, cg)
	}

	return cc, nil
}

func compileRule(r domain.Rule) (compiledRule, error) {
	if r.Field == "" {
		return compiledRule{}, fmt.Errorf("rule %s: field is required", r.ID)
	}
	if r.Weight < 0 {
		return compiledRule{}, fmt.Errorf("rule %s: weight must be non-negative", r.ID)
	}
	op, err := ParseOperator(r.Operator)
	if err != nil {
		return compiledRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return compiledRule{cfg: r, op: op}, nil
}

// ValidateCriteria compiles a criteria without loading it into the engine.
func (e *Engine) ValidateCriteria(c *domain.Criteria) error {
	_, err := e.Compile(c)
	return err
}

// LoadCriteria compiles and loads a criteria into the engine.
func (e *Engine) LoadCriteria(c *domain.Criteria) error {
	cc, err := e.Compile(c)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[c.ID] = cc

	return nil
}

// LoadAll compiles and loads multiple criteria, skipping disabled ones.
func (e *Engine) LoadAll(criteria []*domain.Criteria) error {
	for _, c := range criteria {
		if c.Enabled {
			if err := e.LoadCriteria(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reload clears all loaded criteria and loads new ones.
// This enables hot-reloading of criteria from the database.
func (e *Engine) Reload(criteria []*domain.Criteria) error {
	next := make(map[string]*CompiledCriteria)
	for _, c := range criteria {
		if !c.Enabled {
			continue
		}
		cc, err := e.Compile(c)
		if err != nil {
			return err
		}
		next[c.ID] = cc
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = next

	return nil
}

// Get returns a loaded compiled criteria by ID.
func (e *Engine) Get(criteriaID string) (*CompiledCriteria, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cc, ok := e.compiled[criteriaID]
	return cc, ok
}

// GetBySlug returns a loaded compiled criteria by slug.
func (e *Engine) GetBySlug(slug string) (*CompiledCriteria, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cc := range e.compiled {
		if cc.Config.Slug == slug {
			return cc, true
		}
	}
	return nil, false
}

// GetLoaded returns the currently loaded criteria configurations.
func (e *Engine) GetLoaded() []*domain.Criteria {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Criteria, 0, len(e.compiled))
	for _, cc := range e.compiled {
		out = append(out, cc.Config)
	}
	return out
}

// Count returns the number of loaded criteria.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledCriteria)
	return nil
}

// Evaluate runs a loaded criteria against a snapshot.
func (e *Engine) Evaluate(ctx context.Context, criteriaID string, snap *snapshot.Snapshot) (*Output, error) {
	cc, ok := e.Get(criteriaID)
	if !ok {
		return nil, fmt.Errorf("criteria %s is not loaded", criteriaID)
	}
	return e.EvaluateCompiled(ctx, cc, snap), nil
}

// EvaluateCompiled evaluates rules and groups in parallel using a
// semaphore-bounded worker pool. It always produces a complete output; a
// malformed rule never aborts the sibling evaluations.
func (e *Engine) EvaluateCompiled(ctx context.Context, cc *CompiledCriteria, snap *snapshot.Snapshot) *Output {
	out := &Output{
		RuleTraces:  make([]domain.RuleTrace, len(cc.rules)),
		GroupTraces: make([]domain.GroupTrace, len(cc.groups)),
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, cr := range cc.rules {
		wg.Add(1)
		go func(idx int, r compiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out.RuleTraces[idx] = evaluateRule(r, snap)
		}(i, cr)
	}

	for i, cg := range cc.groups {
		wg.Add(1)
		go func(idx int, g compiledGroup) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out.GroupTraces[idx] = evaluateGroup(g, snap)
		}(i, cg)
	}

	wg.Wait()

	return out
}

// evaluateRule applies one rule to the snapshot. Lookup and comparison
// failures are absorbed: the rule is marked failed with the error message
// attached to the trace.
func evaluateRule(r compiledRule, snap *snapshot.Snapshot) domain.RuleTrace {
	start := time.Now()

	trace := domain.RuleTrace{
		RuleID:   r.cfg.ID,
		Field:    r.cfg.Field,
		Operator: r.cfg.Operator,
		Expected: r.cfg.Value,
		Weight:   r.cfg.Weight,
	}

	actual := snap.Get(r.cfg.Field)
	trace.Actual = actual

	passed, err := Apply(r.op, actual, r.cfg.Value)
	if err != nil {
		trace.Passed = false
		trace.Error = err.Error()
		trace.ProcessMs = time.Since(start).Milliseconds()
		return trace
	}

	trace.Passed = passed
	if passed {
		trace.Contribution = r.cfg.Weight
	}
	trace.ProcessMs = time.Since(start).Milliseconds()

	return trace
}
