// Package extract transforms a source object into an immutable snapshot via
// an ordered pipeline of additive stages.
package extract

import (
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/snapshot"
)

// ComputedField derives a value from the source and the data accumulated by
// earlier pipeline stages. A returned error fails the extraction loudly
// rather than silently producing wrong data.
type ComputedField func(src *domain.Source, data map[string]any) (any, error)

// Stage is one additive step in the extraction pipeline. Stages run in order
// and write into the shared accumulating map.
type Stage func(src *domain.Source, data map[string]any) error

// Aggregate ops supported for to-many relations.
const (
	AggSum      = "sum"
	AggAvg      = "avg"
	AggMin      = "min"
	AggMax      = "max"
	AggLatest   = "latest"
	AggEarliest = "earliest"
)

// FieldAggregate selects a field of a related collection and the summary ops
// to compute over it.
type FieldAggregate struct {
	Field string
	Ops   []string
}

// RelationSpec configures extraction for one to-many relation.
type RelationSpec struct {
	Aggregates []FieldAggregate
}

// Config drives the extraction pipeline.
type Config struct {
	// ExcludeFields is the sensitive-field exclusion list, always stripped
	// from base attributes in addition to DefaultExcludedFields.
	ExcludeFields []string

	// Computed are derivations that run right after base attributes.
	Computed map[string]ComputedField

	// Relations configures aggregate summaries for to-many relations.
	// Relations absent from the map still get _count/_exists keys.
	Relations map[string]RelationSpec

	// FieldMap renames accumulated keys in place: original -> renamed.
	FieldMap map[string]string

	// RelationMap promotes fields of a one-to-one relation to top-level
	// keys: relation -> {original -> renamed}. This is how one mapping
	// definition composes another.
	RelationMap map[string]map[string]string

	// CustomComputed run last and may reference any already-extracted field.
	CustomComputed map[string]ComputedField
}

// DefaultExcludedFields are credential-like attributes never extracted.
var DefaultExcludedFields = []string{
	"password", "password_hash", "secret", "token", "api_key", "ssn",
}

// Extractor converts sources into snapshots. It is stateless and safe for
// concurrent use.
type Extractor struct {
	cfg    Config
	stages []Stage
}

// New builds an extractor with the standard six-stage pipeline.
func New(cfg Config) *Extractor {
	e := &Extractor{cfg: cfg}
	e.stages = []Stage{
		e.baseAttributes,
		e.computedFields,
		e.relationships,
		e.fieldMapping,
		e.relationMapping,
		e.customComputed,
	}
	return e
}

// AddStage appends a caller-supplied stage to the end of the pipeline.
func (e *Extractor) AddStage(s Stage) {
	e.stages = append(e.stages, s)
}

// Extract runs the pipeline and returns an immutable snapshot. The source is
// never mutated and no persistence is triggered.
func (e *Extractor) Extract(src *domain.Source) (*snapshot.Snapshot, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}

	data := make(map[string]any)
	for _, stage := range e.stages {
		if err := stage(src, data); err != nil {
			return nil, err
		}
	}

	return snapshot.New(data, snapshot.Metadata{
		SourceType: src.Type,
		SourceID:   src.ID,
		CapturedAt: time.Now().UTC(),
	}), nil
}

// baseAttributes copies direct scalar fields, stripping excluded keys.
func (e *Extractor) baseAttributes(src *domain.Source, data map[string]any) error {
	excluded := make(map[string]struct{}, len(DefaultExcludedFields)+len(e.cfg.ExcludeFields))
	for _, f := range DefaultExcludedFields {
		excluded[f] = struct{}{}
	}
	for _, f := range e.cfg.ExcludeFields {
		excluded[f] = struct{}{}
	}

	for k, v := range src.Attributes {
		if _, skip := excluded[k]; skip {
			continue
		}
		data[k] = v
	}
	return nil
}

// computedFields runs built-in derivations plus configured closures.
func (e *Extractor) computedFields(src *domain.Source, data map[string]any) error {
	// Built-in: days since the creation timestamp, when present.
	if created, ok := asTime(src.Attr("created_at")); ok {
		data["days_since_created"] = int(time.Since(created).Hours() / 24)
	}

	for name, fn := range e.cfg.Computed {
		v, err := fn(src, data)
		if err != nil {
			return fmt.Errorf("computed field %q: %w", name, err)
		}
		data[name] = v
	}
	return nil
}

// relationships flattens one-to-one relations and summarizes to-many ones.
// A missing relation resolves to _exists=false / _count=0, never an error.
func (e *Extractor) relationships(src *domain.Source, data map[string]any) error {
	for name, rel := range src.HasOne {
		if rel == nil {
			data[name+"_exists"] = false
			continue
		}
		data[name+"_exists"] = true
		for k, v := range rel.Attributes {
			data[name+"_"+k] = v
		}
	}

	for name, rels := range src.HasMany {
		data[name+"_count"] = len(rels)
		data[name+"_exists"] = len(rels) > 0

		spec, ok := e.cfg.Relations[name]
		if !ok {
			continue
		}
		for _, agg := range spec.Aggregates {
			e.aggregate(name, agg, rels, data)
		}
	}
	return nil
}

// aggregate computes the configured summaries for one field of a collection.
func (e *Extractor) aggregate(relation string, agg FieldAggregate, rels []*domain.Source, data map[string]any) {
	var nums []float64
	var times []time.Time
	for _, r := range rels {
		v := r.Attr(agg.Field)
		if f, ok := asFloat(v); ok {
			nums = append(nums, f)
		}
		if ts, ok := asTime(v); ok {
			times = append(times, ts)
		}
	}

	prefix := relation + "_" + agg.Field + "_"
	for _, op := range agg.Ops {
		switch op {
		case AggSum:
			data[prefix+op] = sum(nums)
		case AggAvg:
			if len(nums) == 0 {
				data[prefix+op] = 0.0
			} else {
				data[prefix+op] = sum(nums) / float64(len(nums))
			}
		case AggMin:
			data[prefix+op] = minOf(nums)
		case AggMax:
			data[prefix+op] = maxOf(nums)
		case AggLatest:
			if t, ok := latest(times, true); ok {
				data[prefix+op] = t
			}
		case AggEarliest:
			if t, ok := latest(times, false); ok {
				data[prefix+op] = t
			}
		}
	}
}

// fieldMapping renames accumulated keys in place.
func (e *Extractor) fieldMapping(src *domain.Source, data map[string]any) error {
	for orig, renamed := range e.cfg.FieldMap {
		if v, ok := data[orig]; ok {
			delete(data, orig)
			data[renamed] = v
		}
	}
	return nil
}

// relationMapping promotes one-to-one relation fields to top-level keys.
func (e *Extractor) relationMapping(src *domain.Source, data map[string]any) error {
	for relation, mapping := range e.cfg.RelationMap {
		rel := src.HasOne[relation]
		if rel == nil {
			continue
		}
		for orig, renamed := range mapping {
			data[renamed] = rel.Attr(orig)
		}
	}
	return nil
}

// customComputed runs the final caller-supplied closures.
func (e *Extractor) customComputed(src *domain.Source, data map[string]any) error {
	for name, fn := range e.cfg.CustomComputed {
		v, err := fn(src, data)
		if err != nil {
			return fmt.Errorf("custom computed field %q: %w", name, err)
		}
		data[name] = v
	}
	return nil
}

func sum(nums []float64) float64 {
	var s float64
	for _, n := range nums {
		s += n
	}
	return s
}

func minOf(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return m
}

func maxOf(nums []float64) float64 {
	if len(nums) == 0 {
		return 0
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n > m {
			m = n
		}
	}
	return m
}

func latest(times []time.Time, newest bool) (time.Time, bool) {
	if len(times) == 0 {
		return time.Time{}, false
	}
	best := times[0]
	for _, t := range times[1:] {
		if newest && t.After(best) {
			best = t
		}
		if !newest && t.Before(best) {
			best = t
		}
	}
	return best, true
}

// asFloat coerces numeric values to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

// asTime coerces time.Time values and RFC 3339 strings.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
