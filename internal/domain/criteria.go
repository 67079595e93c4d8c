package domain

import (
	"sort"
	"time"
)

// Rule is a single comparison unit: a snapshot field compared against an
// expected value under one operator from the fixed catalog.
type Rule struct {
	ID       string  `json:"id"`
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    any     `json:"value,omitempty"`
	Weight   float64 `json:"weight"`
	Order    int     `json:"order"`
	Enabled  bool    `json:"enabled"`
}

// GroupLogic selects how a rule group combines its member results.
type GroupLogic string

const (
	LogicAll      GroupLogic = "ALL"
	LogicAny      GroupLogic = "ANY"
	LogicMin      GroupLogic = "MIN"
	LogicMajority GroupLogic = "MAJORITY"
	LogicBoolean  GroupLogic = "BOOLEAN"
)

// RuleGroup combines an ordered set of rules under one logic type. From the
// scorer's point of view a group behaves like a single weighted rule.
type RuleGroup struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Logic GroupLogic `json:"logic"`

	// MinRequired is only meaningful for MIN logic.
	MinRequired int `json:"minRequired,omitempty"`

	// BooleanExpr is only meaningful for BOOLEAN logic, e.g.
	// "(income_ok AND credit_ok) OR cosigner_ok" over member rule IDs.
	BooleanExpr string `json:"booleanExpr,omitempty"`

	Weight  float64 `json:"weight"`
	Order   int     `json:"order"`
	Enabled bool    `json:"enabled"`
	Rules   []Rule  `json:"rules"`
}

// ScoringMethod selects the aggregation strategy for a criteria.
type ScoringMethod string

const (
	ScoringWeighted ScoringMethod = "weighted"
	ScoringPassFail ScoringMethod = "pass_fail"
	ScoringSum      ScoringMethod = "sum"
	ScoringAverage  ScoringMethod = "average"
)

// Criteria is a named, versioned container of rules and rule groups
// representing one eligibility decision.
type Criteria struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`

	// ScoringMethod and PassThreshold override the engine defaults when set.
	ScoringMethod ScoringMethod `json:"scoringMethod,omitempty"`
	PassThreshold *float64      `json:"passThreshold,omitempty"`

	// Classification metadata.
	Type     string   `json:"type,omitempty"`
	Group    string   `json:"group,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	Rules  []Rule      `json:"rules"`
	Groups []RuleGroup `json:"groups,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CriteriaVersion is an immutable point-in-time snapshot of a criteria's rule
// set, created on demand and used for historical re-evaluation.
type CriteriaVersion struct {
	ID         string    `json:"id"`
	CriteriaID string    `json:"criteriaId"`
	TenantID   string    `json:"tenantId,omitempty"`
	Version    int       `json:"version"`
	Snapshot   Criteria  `json:"snapshot"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ActiveRules returns the enabled top-level rules sorted by Order.
// Definition order breaks ties.
func (c *Criteria) ActiveRules() []Rule {
	out := make([]Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

// ActiveRules returns the enabled member rules sorted by Order.
func (g *RuleGroup) ActiveRules() []Rule {
	out := make([]Rule, 0, len(g.Rules))
	for _, r := range g.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

// ActiveGroups returns the enabled rule groups sorted by Order.
func (c *Criteria) ActiveGroups() []RuleGroup {
	out := make([]RuleGroup, 0, len(c.Groups))
	for _, g := range c.Groups {
		if g.Enabled {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
}
