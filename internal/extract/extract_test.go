package extract

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
)

func applicant() *domain.Source {
	return &domain.Source{
		Type: "applicant",
		ID:   "app-001",
		Attributes: map[string]any{
			"income":       5000.0,
			"credit_score": 720.0,
			"password":     "hunter2",
			"created_at":   time.Now().Add(-72 * time.Hour),
		},
		HasOne: map[string]*domain.Source{
			"profile": {
				Type: "profile",
				ID:   "prof-001",
				Attributes: map[string]any{
					"country":  "NL",
					"employer": "ACME",
				},
			},
		},
		HasMany: map[string][]*domain.Source{
			"loans": {
				{Attributes: map[string]any{"balance": 1000.0, "opened_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}},
				{Attributes: map[string]any{"balance": 3000.0, "opened_at": time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}},
			},
		},
	}
}

func TestBaseAttributesStripSensitive(t *testing.T) {
	e := New(Config{})
	snap, err := e.Extract(applicant())
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if snap.Get("income") != 5000.0 {
		t.Errorf("expected income 5000.0, got %v", snap.Get("income"))
	}
	if snap.Has("password") {
		t.Error("sensitive field leaked into snapshot")
	}
}

func TestBuiltinComputed(t *testing.T) {
	e := New(Config{})
	snap, _ := e.Extract(applicant())

	days, ok := snap.Get("days_since_created").(int)
	if !ok || days != 3 {
		t.Errorf("expected days_since_created 3, got %v", snap.Get("days_since_created"))
	}
}

func TestOneToOneFlatten(t *testing.T) {
	e := New(Config{})
	snap, _ := e.Extract(applicant())

	if snap.Get("profile_exists") != true {
		t.Error("expected profile_exists true")
	}
	if snap.Get("profile_country") != "NL" {
		t.Errorf("expected NL, got %v", snap.Get("profile_country"))
	}

	// Missing relation resolves to exists=false, not an error.
	src := applicant()
	src.HasOne["employer"] = nil
	snap, err := e.Extract(src)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if snap.Get("employer_exists") != false {
		t.Error("expected employer_exists false")
	}
}

func TestToManyAggregates(t *testing.T) {
	e := New(Config{
		Relations: map[string]RelationSpec{
			"loans": {Aggregates: []FieldAggregate{
				{Field: "balance", Ops: []string{AggSum, AggAvg, AggMin, AggMax}},
				{Field: "opened_at", Ops: []string{AggLatest, AggEarliest}},
			}},
		},
	})
	snap, _ := e.Extract(applicant())

	cases := map[string]float64{
		"loans_balance_sum": 4000.0,
		"loans_balance_avg": 2000.0,
		"loans_balance_min": 1000.0,
		"loans_balance_max": 3000.0,
	}
	for key, want := range cases {
		if got := snap.Get(key); got != want {
			t.Errorf("%s: expected %v, got %v", key, want, got)
		}
	}

	if snap.Get("loans_count") != 2 {
		t.Errorf("expected loans_count 2, got %v", snap.Get("loans_count"))
	}
	latest, _ := snap.Get("loans_opened_at_latest").(time.Time)
	if latest.Year() != 2025 {
		t.Errorf("expected latest 2025, got %v", latest)
	}
	earliest, _ := snap.Get("loans_opened_at_earliest").(time.Time)
	if earliest.Year() != 2024 {
		t.Errorf("expected earliest 2024, got %v", earliest)
	}
}

func TestEmptyRelationAggregates(t *testing.T) {
	e := New(Config{
		Relations: map[string]RelationSpec{
			"loans": {Aggregates: []FieldAggregate{{Field: "balance", Ops: []string{AggSum, AggAvg}}}},
		},
	})
	src := applicant()
	src.HasMany["loans"] = nil
	snap, err := e.Extract(src)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if snap.Get("loans_count") != 0 || snap.Get("loans_exists") != false {
		t.Errorf("empty relation: count=%v exists=%v", snap.Get("loans_count"), snap.Get("loans_exists"))
	}
	if snap.Get("loans_balance_sum") != 0.0 || snap.Get("loans_balance_avg") != 0.0 {
		t.Error("aggregates over empty collections should be 0")
	}
}

func TestFieldMapping(t *testing.T) {
	e := New(Config{
		FieldMap: map[string]string{"income": "monthly_income"},
	})
	snap, _ := e.Extract(applicant())

	if snap.Has("income") {
		t.Error("original key should be renamed away")
	}
	if snap.Get("monthly_income") != 5000.0 {
		t.Errorf("expected 5000.0, got %v", snap.Get("monthly_income"))
	}
}

func TestRelationMapping(t *testing.T) {
	e := New(Config{
		RelationMap: map[string]map[string]string{
			"profile": {"country": "residence_country"},
		},
	})
	snap, _ := e.Extract(applicant())

	if snap.Get("residence_country") != "NL" {
		t.Errorf("expected NL, got %v", snap.Get("residence_country"))
	}
}

func TestCustomComputedSeesEarlierStages(t *testing.T) {
	e := New(Config{
		Relations: map[string]RelationSpec{
			"loans": {Aggregates: []FieldAggregate{{Field: "balance", Ops: []string{AggSum}}}},
		},
		CustomComputed: map[string]ComputedField{
			"debt_to_income": func(src *domain.Source, data map[string]any) (any, error) {
				debt, _ := data["loans_balance_sum"].(float64)
				income, _ := data["income"].(float64)
				if income == 0 {
					return 0.0, nil
				}
				return debt / income, nil
			},
		},
	})
	snap, _ := e.Extract(applicant())

	if got := snap.Get("debt_to_income"); got != 0.8 {
		t.Errorf("expected 0.8, got %v", got)
	}
}

func TestComputedErrorPropagates(t *testing.T) {
	e := New(Config{
		CustomComputed: map[string]ComputedField{
			"broken": func(src *domain.Source, data map[string]any) (any, error) {
				return nil, fmt.Errorf("upstream unavailable")
			},
		},
	})

	_, err := e.Extract(applicant())
	if err == nil {
		t.Fatal("expected error from failing computed field")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestExtractDoesNotMutateSource(t *testing.T) {
	src := applicant()
	e := New(Config{FieldMap: map[string]string{"income": "monthly_income"}})
	e.Extract(src)

	if src.Attributes["income"] != 5000.0 {
		t.Error("extraction mutated the source")
	}
	if _, ok := src.Attributes["monthly_income"]; ok {
		t.Error("extraction wrote into the source")
	}
}
