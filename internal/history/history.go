// Package history provides evaluation frequency lookups per subject.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/extract"
)

// Service counts prior evaluations for subjects. The counts feed rate checks
// and re-evaluation policies.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new history service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// CountEvaluations returns the number of evaluations recorded for a subject
// within a time window.
func (s *Service) CountEvaluations(ctx context.Context, tenantID, subjectID string, windowSecs int) (int64, error) {
	if tenantID == "" || subjectID == "" {
		return 0, fmt.Errorf("tenantID and subjectID are required")
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)

	evals, err := s.repo.ListEvaluationsBySubject(ctx, tenantID, subjectID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list evaluations: %w", err)
	}
	return int64(len(evals)), nil
}

// RecordEvaluation bumps the rolling counter for a subject and returns the
// count within the window, including this one. Counting degrades to 1 when no
// cache is wired, it never blocks an evaluation.
func (s *Service) RecordEvaluation(ctx context.Context, tenantID, subjectID string, window time.Duration) (int64, error) {
	if tenantID == "" || subjectID == "" {
		return 0, fmt.Errorf("tenantID and subjectID are required")
	}
	if s.cache == nil {
		return 1, nil
	}
	return s.cache.IncrementCounter(ctx, tenantID, "history:"+subjectID, window)
}

// EvaluationCountField exposes the window count as an extraction computed
// field, so criteria can reference a subject's prior evaluations directly
// (e.g. prior_evaluations LESS_THAN 3 for repeat-application checks).
func (s *Service) EvaluationCountField(ctx context.Context, tenantID string, windowSecs int) extract.ComputedField {
	return func(src *domain.Source, _ map[string]any) (any, error) {
		count, err := s.CountEvaluations(ctx, tenantID, src.ID, windowSecs)
		if err != nil {
			return nil, err
		}
		return float64(count), nil
	}
}

// LastEvaluation returns the most recent evaluation for a subject within the
// window, nil when the subject has none.
func (s *Service) LastEvaluation(ctx context.Context, tenantID, subjectID string, windowSecs int) (*domain.EvaluationResult, error) {
	if tenantID == "" || subjectID == "" {
		return nil, fmt.Errorf("tenantID and subjectID are required")
	}

	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	evals, err := s.repo.ListEvaluationsBySubject(ctx, tenantID, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	var latest *domain.EvaluationResult
	for _, e := range evals {
		if latest == nil || e.EvaluatedAt.After(latest.EvaluatedAt) {
			latest = e
		}
	}
	return latest, nil
}
