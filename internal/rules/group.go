package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/snapshot"
)

type compiledGroup struct {
	cfg     domain.RuleGroup
	rules   []compiledRule
	program cel.Program
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// compileGroup validates a group's combinator parameters and pre-compiles the
// boolean expression program where applicable.
func compileGroup(g domain.RuleGroup) (compiledGroup, error) {
	cg := compiledGroup{cfg: g}

	active := g.ActiveRules()
	if len(active) == 0 {
		return compiledGroup{}, fmt.Errorf("group %s: at least one enabled rule is required", g.ID)
	}
	for _, r := range active {
		cr, err := compileRule(r)
		if err != nil {
			return compiledGroup{}, fmt.Errorf("group %s: %w", g.ID, err)
		}
		cg.rules = append(cg.rules, cr)
	}

	switch g.Logic {
	case domain.LogicAll, domain.LogicAny:
		// No parameters.

	case domain.LogicMajority:
		// Strict majority is derived from the rule count at evaluation time.

	case domain.LogicMin:
		if g.MinRequired <= 0 || g.MinRequired > len(active) {
			return compiledGroup{}, fmt.Errorf("group %s: min_required must be between 1 and %d, got %d",
				g.ID, len(active), g.MinRequired)
		}

	case domain.LogicBoolean:
		ids := make([]string, len(active))
		for i, r := range active {
			if !identPattern.MatchString(r.ID) {
				return compiledGroup{}, fmt.Errorf("group %s: rule id %q cannot be referenced from a boolean expression", g.ID, r.ID)
			}
			ids[i] = r.ID
		}
		prg, err := compileBooleanExpr(g.BooleanExpr, ids)
		if err != nil {
			return compiledGroup{}, fmt.Errorf("group %s: %w", g.ID, err)
		}
		cg.program = prg

	default:
		return compiledGroup{}, fmt.Errorf("group %s: unknown logic %q", g.ID, g.Logic)
	}

	return cg, nil
}

// compileBooleanExpr builds a CEL program over bool variables named after the
// group's rule IDs. AND/OR/NOT keywords are accepted alongside the native
// &&, || and ! forms.
func compileBooleanExpr(expr string, ruleIDs []string) (cel.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("boolean expression is required")
	}

	opts := make([]cel.EnvOption, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		opts = append(opts, cel.Variable(id, cel.BoolType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	ast, issues := env.Compile(rewriteBooleanExpr(expr))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid boolean expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("boolean expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to compile boolean expression: %w", err)
	}
	return prg, nil
}

// rewriteBooleanExpr maps the AND/OR/NOT keyword forms onto CEL syntax,
// leaving every other token untouched.
func rewriteBooleanExpr(expr string) string {
	var b strings.Builder
	var word strings.Builder

	flush := func() {
		if word.Len() == 0 {
			return
		}
		switch w := word.String(); w {
		case "AND":
			b.WriteString("&&")
		case "OR":
			b.WriteString("||")
		case "NOT":
			b.WriteString("!")
		default:
			b.WriteString(w)
		}
		word.Reset()
	}

	for _, r := range expr {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			word.WriteRune(r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()

	return b.String()
}

// evaluateGroup evaluates every member rule sequentially, then combines the
// outcomes under the group's logic. Member traces are embedded in the group
// trace, they never appear at the top level.
func evaluateGroup(g compiledGroup, snap *snapshot.Snapshot) domain.GroupTrace {
	start := time.Now()

	trace := domain.GroupTrace{
		GroupID:   g.cfg.ID,
		Name:      g.cfg.Name,
		Logic:     g.cfg.Logic,
		Weight:    g.cfg.Weight,
		RuleCount: len(g.rules),
		Rules:     make([]domain.RuleTrace, len(g.rules)),
	}

	passedCount := 0
	for i, r := range g.rules {
		rt := evaluateRule(r, snap)
		trace.Rules[i] = rt
		if rt.Passed {
			passedCount++
		}
	}
	trace.PassedCount = passedCount

	trace.Passed = combine(g, trace.Rules, passedCount)
	if trace.Passed {
		trace.Contribution = g.cfg.Weight
	}
	trace.ProcessMs = time.Since(start).Milliseconds()

	return trace
}

func combine(g compiledGroup, ruleTraces []domain.RuleTrace, passedCount int) bool {
	n := len(ruleTraces)

	switch g.cfg.Logic {
	case domain.LogicAll:
		return passedCount == n
	case domain.LogicAny:
		return passedCount > 0
	case domain.LogicMin:
		return passedCount >= g.cfg.MinRequired
	case domain.LogicMajority:
		return passedCount > n/2
	case domain.LogicBoolean:
		activation := make(map[string]any, n)
		for _, rt := range ruleTraces {
			activation[rt.RuleID] = rt.Passed
		}
		out, _, err := g.program.Eval(activation)
		if err != nil {
			return false
		}
		return out == types.True
	}
	return false
}
