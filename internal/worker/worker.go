// Package worker provides async evaluation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-credit/kestrel/internal/decision"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/extract"
	"github.com/opensource-credit/kestrel/internal/rules"
)

// Worker processes evaluation requests asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	cache     domain.Cache
	engine    *rules.Engine
	processor *decision.Processor

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, engine *rules.Engine, processor *decision.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		cache:     cache,
		engine:    engine,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicEvaluationRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEvaluationRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEvaluationRequested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// EvaluationMessage is the message payload for async evaluation.
type EvaluationMessage struct {
	TenantID     string            `json:"tenantId"`
	TraceID      string            `json:"traceId"`
	CriteriaID   string            `json:"criteriaId,omitempty"`
	CriteriaSlug string            `json:"criteriaSlug,omitempty"`
	Subject      *domain.Source    `json:"subject"`
	FieldMap     map[string]string `json:"fieldMap,omitempty"`
}

// processRequest runs one evaluation through the full pipeline.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req EvaluationMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse evaluation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	cc, err := w.lookupCriteria(req)
	if err != nil {
		slog.Error("criteria lookup failed",
			"criteria_id", req.CriteriaID,
			"criteria_slug", req.CriteriaSlug,
			"error", err,
		)
		return err
	}

	slog.Debug("processing evaluation request",
		"criteria_id", cc.Config.ID,
		"subject_id", req.Subject.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Extract snapshot
	extractStart := time.Now()
	extractor := extract.New(extract.Config{FieldMap: req.FieldMap})
	snap, err := extractor.Extract(req.Subject)
	if err != nil {
		slog.Error("snapshot extraction failed",
			"subject_id", req.Subject.ID,
			"error", err,
		)
		return err
	}
	extractMs := time.Since(extractStart).Milliseconds()

	// 2. Evaluate rules and groups
	rulesStart := time.Now()
	output := w.engine.EvaluateCompiled(ctx, cc, snap)
	rulesMs := time.Since(rulesStart).Milliseconds()

	// 3. Score and decide
	result := w.processor.Process(ctx, &decision.Input{
		TenantID:     tenantID,
		Criteria:     cc.Config,
		SubjectID:    req.Subject.ID,
		TraceID:      traceID,
		SnapshotHash: snap.Hash(),
		Output:       output,
		StartTime:    start,
		ExtractMs:    extractMs,
		RulesMs:      rulesMs,
	})

	// 4. Persist
	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, tenantID, result); err != nil {
			slog.Error("failed to save evaluation",
				"evaluation_id", result.ID,
				"error", err,
			)
		}
	}

	// 5. Memoize
	if w.cache != nil {
		_ = w.cache.SetEvaluation(ctx, tenantID, cc.Config.ID, snap.Hash(), result, 5*time.Minute)
	}

	// 6. Publish outcome
	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicEvaluationCompleted, resultPayload); err != nil {
		slog.Error("failed to publish evaluation result",
			"evaluation_id", result.ID,
			"error", err,
		)
	}

	outcomeTopic := domain.TopicEvaluationFailed
	if result.Passed {
		outcomeTopic = domain.TopicEvaluationPassed
	}
	if err := w.bus.Publish(ctx, tenantID, outcomeTopic, resultPayload); err != nil {
		slog.Error("failed to publish outcome",
			"evaluation_id", result.ID,
			"topic", outcomeTopic,
			"error", err,
		)
	}

	slog.Info("evaluation processed",
		"evaluation_id", result.ID,
		"criteria_id", cc.Config.ID,
		"subject_id", result.SubjectID,
		"tenant_id", tenantID,
		"passed", result.Passed,
		"score", result.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) lookupCriteria(req EvaluationMessage) (*rules.CompiledCriteria, error) {
	if req.Subject == nil {
		return nil, fmt.Errorf("subject is required")
	}
	if req.CriteriaID != "" {
		if cc, ok := w.engine.Get(req.CriteriaID); ok {
			return cc, nil
		}
		return nil, fmt.Errorf("criteria %s is not loaded", req.CriteriaID)
	}
	if req.CriteriaSlug != "" {
		if cc, ok := w.engine.GetBySlug(req.CriteriaSlug); ok {
			return cc, nil
		}
		return nil, fmt.Errorf("criteria with slug %s is not loaded", req.CriteriaSlug)
	}
	return nil, fmt.Errorf("criteriaId or criteriaSlug is required")
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
