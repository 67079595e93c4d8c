package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-credit/kestrel/internal/audit"
	"github.com/opensource-credit/kestrel/internal/decision"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/extract"
	"github.com/opensource-credit/kestrel/internal/history"
	"github.com/opensource-credit/kestrel/internal/rules"
	"github.com/opensource-credit/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	processor *decision.Processor
	auditor   *audit.Logger
	history   *history.Service
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, processor *decision.Processor, auditor *audit.Logger, historySvc *history.Service, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		processor: processor,
		auditor:   auditor,
		history:   historySvc,
		version:   version,
	}
}

// Evaluate handles POST /evaluate requests. The synchronous path runs the
// full extract, evaluate, decide pipeline inline; with "async": true the
// request is queued on the event bus and picked up by a worker.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req domain.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if req.Subject == nil || req.Subject.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subject.id is required",
		})
		return
	}
	if req.CriteriaID == "" && req.CriteriaSlug == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "criteriaId or criteriaSlug is required",
		})
		return
	}

	// Resolve the compiled criteria
	cc, ok := h.lookupCriteria(req.CriteriaID, req.CriteriaSlug)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	// Async path: queue the request for a worker
	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}

		msg := worker.EvaluationMessage{
			TenantID:   tenantID,
			TraceID:    traceID,
			CriteriaID: cc.Config.ID,
			Subject:    req.Subject,
			FieldMap:   req.FieldMap,
		}
		payload, _ := json.Marshal(msg)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicEvaluationRequested, payload); err != nil {
			slog.Error("failed to queue evaluation", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue evaluation",
			})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "queued",
			"traceId": traceID,
		})
		return
	}

	// 1. Extract snapshot
	extractStart := time.Now()
	extractor := extract.New(extract.Config{FieldMap: req.FieldMap})
	snap, err := extractor.Extract(req.Subject)
	if err != nil {
		slog.Error("snapshot extraction failed", "subject_id", req.Subject.ID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "snapshot extraction failed: " + err.Error(),
		})
		return
	}
	extractMs := time.Since(extractStart).Milliseconds()

	// 2. Memoization check: identical snapshot against identical criteria
	if h.cache != nil {
		if cached, err := h.cache.GetEvaluation(ctx, tenantID, cc.Config.ID, snap.Hash()); err == nil && cached != nil {
			resp := cached.ToResponse()
			resp.Metadata.CacheHit = true
			resp.Metadata.TraceID = traceID
			resp.Metadata.TotalMs = time.Since(start).Milliseconds()
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	// 3. Evaluate rules and groups
	rulesStart := time.Now()
	output := h.engine.EvaluateCompiled(ctx, cc, snap)
	rulesMs := time.Since(rulesStart).Milliseconds()

	// 4. Score and decide
	result := h.processor.Process(ctx, &decision.Input{
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

	// 5. Persist and memoize
	if h.repo != nil {
		if err := h.repo.SaveEvaluation(ctx, tenantID, result); err != nil {
			slog.Error("failed to save evaluation", "evaluation_id", result.ID, "error", err)
		}
	}
	if h.cache != nil {
		_ = h.cache.SetEvaluation(ctx, tenantID, cc.Config.ID, snap.Hash(), result, 5*time.Minute)
	}

	// 6. Audit and announce
	if h.auditor != nil {
		if err := h.auditor.EvaluationCompleted(ctx, tenantID, result); err != nil {
			slog.Error("failed to audit evaluation", "evaluation_id", result.ID, "error", err)
		}
	}
	if h.bus != nil {
		payload, _ := json.Marshal(result)
		_ = h.bus.Publish(ctx, tenantID, domain.TopicEvaluationCompleted, payload)

		outcomeTopic := domain.TopicEvaluationFailed
		if result.Passed {
			outcomeTopic = domain.TopicEvaluationPassed
		}
		_ = h.bus.Publish(ctx, tenantID, outcomeTopic, payload)
	}

	writeJSON(w, http.StatusOK, result.ToResponse())
}

// lookupCriteria resolves a compiled criteria from the engine by ID or slug.
func (h *Handler) lookupCriteria(criteriaID, slug string) (*rules.CompiledCriteria, bool) {
	if criteriaID != "" {
		return h.engine.Get(criteriaID)
	}
	return h.engine.GetBySlug(slug)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if evalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "evaluation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		slog.Error("failed to get evaluation", "id", evalID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "evaluation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListSubjectEvaluations returns evaluations for a subject within a window.
func (h *Handler) ListSubjectEvaluations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	subjectID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	windowSecs := queryInt(r, "window", 86400)
	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)

	evals, err := h.repo.ListEvaluationsBySubject(ctx, tenantID, subjectID, since)
	if err != nil {
		slog.Error("failed to list evaluations", "subject_id", subjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list evaluations",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subjectId":   subjectID,
		"windowSecs":  windowSecs,
		"evaluations": evals,
		"count":       len(evals),
	})
}

// GetSubjectHistory returns the evaluation count and most recent result for a
// subject within a window.
func (h *Handler) GetSubjectHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	subjectID := chi.URLParam(r, "id")

	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "history service not available",
		})
		return
	}

	windowSecs := queryInt(r, "window", 86400)

	count, err := h.history.CountEvaluations(ctx, tenantID, subjectID, windowSecs)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	last, err := h.history.LastEvaluation(ctx, tenantID, subjectID, windowSecs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load last evaluation",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subjectId":      subjectID,
		"windowSecs":     windowSecs,
		"count":          count,
		"lastEvaluation": last,
	})
}

// ListCriteria returns all criteria for the tenant.
func (h *Handler) ListCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		loaded := h.engine.GetLoaded()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"criteria": loaded,
			"count":    len(loaded),
			"source":   "engine",
		})
		return
	}

	criteria, err := h.repo.ListCriteria(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list criteria", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list criteria",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"criteria": criteria,
		"count":    len(criteria),
		"source":   "database",
	})
}

// GetCriteria retrieves a criteria by ID, falling back to slug lookup.
func (h *Handler) GetCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	if criteriaID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "criteria id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	c, err := h.repo.GetCriteria(ctx, tenantID, criteriaID)
	if err != nil {
		c, err = h.repo.GetCriteriaBySlug(ctx, tenantID, criteriaID)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// CreateCriteria creates a new criteria, records an immutable version
// snapshot, and loads it into the engine when enabled.
func (h *Handler) CreateCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var c domain.Criteria
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if c.ID == "" || c.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and name are required",
		})
		return
	}
	if len(c.Rules) == 0 && len(c.Groups) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one rule or group is required",
		})
		return
	}

	c.TenantID = tenantID
	if c.Version == 0 {
		c.Version = 1
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	// Compile-check before anything is persisted
	if err := h.engine.ValidateCriteria(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid criteria: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveCriteria(ctx, tenantID, &c); err != nil {
			slog.Error("failed to save criteria", "id", c.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save criteria",
			})
			return
		}
		h.saveVersionSnapshot(r, tenantID, &c)
	}

	if h.auditor != nil {
		if err := h.auditor.CriteriaCreated(ctx, tenantID, GetActor(r), &c); err != nil {
			slog.Error("failed to audit criteria create", "id", c.ID, "error", err)
		}
	}

	if c.Enabled {
		if err := h.engine.LoadCriteria(&c); err != nil {
			slog.Error("failed to load criteria into engine", "id", c.ID, "error", err)
		}
	}

	h.announceCriteriaChange(r, tenantID, c.ID, "created")

	slog.Info("criteria created", "id", c.ID, "name", c.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, &c)
}

// UpdateCriteria replaces a criteria, bumping its version and recording the
// previous state in the audit log.
func (h *Handler) UpdateCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	if criteriaID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "criteria id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	existing, err := h.repo.GetCriteria(ctx, tenantID, criteriaID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	var c domain.Criteria
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c.ID = criteriaID
	c.TenantID = tenantID
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	if err := h.engine.ValidateCriteria(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid criteria: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveCriteria(ctx, tenantID, &c); err != nil {
		slog.Error("failed to update criteria", "id", criteriaID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update criteria",
		})
		return
	}
	h.saveVersionSnapshot(r, tenantID, &c)

	if h.auditor != nil {
		if err := h.auditor.CriteriaUpdated(ctx, tenantID, GetActor(r), existing, &c); err != nil {
			slog.Error("failed to audit criteria update", "id", criteriaID, "error", err)
		}
	}

	if c.Enabled {
		if err := h.engine.LoadCriteria(&c); err != nil {
			slog.Error("failed to load criteria into engine", "id", c.ID, "error", err)
		}
	} else {
		h.reloadFromRepository(r)
	}

	h.announceCriteriaChange(r, tenantID, criteriaID, "updated")

	slog.Info("criteria updated", "id", criteriaID, "version", c.Version, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, &c)
}

// DeleteCriteria soft-deletes a criteria and reloads the engine.
func (h *Handler) DeleteCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	if criteriaID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "criteria id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	existing, err := h.repo.GetCriteria(ctx, tenantID, criteriaID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	if err := h.repo.DeleteCriteria(ctx, tenantID, criteriaID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	if h.auditor != nil {
		if err := h.auditor.CriteriaDeleted(ctx, tenantID, GetActor(r), existing); err != nil {
			slog.Error("failed to audit criteria delete", "id", criteriaID, "error", err)
		}
	}

	h.reloadFromRepository(r)
	h.announceCriteriaChange(r, tenantID, criteriaID, "deleted")

	slog.Info("criteria deleted", "id", criteriaID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "criteria deleted",
	})
}

// ReloadCriteria reloads all criteria from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	criteria, err := h.repo.ListCriteria(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list criteria from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load criteria from database",
		})
		return
	}

	if err := h.engine.Reload(criteria); err != nil {
		slog.Error("failed to reload criteria into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload criteria: " + err.Error(),
		})
		return
	}

	slog.Info("criteria reloaded from database", "count", h.engine.Count())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "criteria reloaded successfully",
		"count":   h.engine.Count(),
	})
}

// ListCriteriaVersions returns all version snapshots of a criteria.
func (h *Handler) ListCriteriaVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	versions, err := h.repo.ListCriteriaVersions(ctx, tenantID, criteriaID)
	if err != nil {
		slog.Error("failed to list criteria versions", "id", criteriaID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list criteria versions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"criteriaId": criteriaID,
		"versions":   versions,
		"count":      len(versions),
	})
}

// GetCriteriaVersion retrieves one immutable version snapshot.
func (h *Handler) GetCriteriaVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be an integer",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	v, err := h.repo.GetCriteriaVersion(ctx, tenantID, criteriaID, version)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria version not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// CreateCriteriaVersion captures the criteria's current state as a version
// snapshot on demand. Idempotent per version: re-posting an already captured
// version returns the existing snapshot instead of creating a duplicate.
func (h *Handler) CreateCriteriaVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	criteriaID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	c, err := h.repo.GetCriteria(ctx, tenantID, criteriaID)
	if err != nil {
		c, err = h.repo.GetCriteriaBySlug(ctx, tenantID, criteriaID)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "criteria not found",
		})
		return
	}

	if existing, err := h.repo.GetCriteriaVersion(ctx, tenantID, c.ID, c.Version); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	v := &domain.CriteriaVersion{
		ID:         uuid.New().String(),
		CriteriaID: c.ID,
		TenantID:   tenantID,
		Version:    c.Version,
		Snapshot:   *c,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.repo.SaveCriteriaVersion(ctx, tenantID, v); err != nil {
		slog.Error("failed to save criteria version", "id", c.ID, "version", c.Version, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save criteria version",
		})
		return
	}

	if h.auditor != nil {
		if err := h.auditor.VersionCreated(ctx, tenantID, GetActor(r), v); err != nil {
			slog.Error("failed to audit version snapshot", "id", c.ID, "error", err)
		}
	}

	slog.Info("criteria version captured", "id", c.ID, "version", v.Version, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, v)
}

// saveVersionSnapshot records an immutable copy of the criteria's current
// rule set. Snapshot failures are logged, never surfaced to the caller.
func (h *Handler) saveVersionSnapshot(r *http.Request, tenantID string, c *domain.Criteria) {
	v := &domain.CriteriaVersion{
		ID:         uuid.New().String(),
		CriteriaID: c.ID,
		TenantID:   tenantID,
		Version:    c.Version,
		Snapshot:   *c,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.repo.SaveCriteriaVersion(r.Context(), tenantID, v); err != nil {
		slog.Error("failed to save criteria version", "id", c.ID, "version", c.Version, "error", err)
		return
	}
	if h.auditor != nil {
		if err := h.auditor.VersionCreated(r.Context(), tenantID, GetActor(r), v); err != nil {
			slog.Error("failed to audit version snapshot", "id", c.ID, "error", err)
		}
	}
}

// announceCriteriaChange publishes a criteria change event. Best-effort.
func (h *Handler) announceCriteriaChange(r *http.Request, tenantID, criteriaID, action string) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"criteriaId": criteriaID,
		"action":     action,
	})
	if err := h.bus.Publish(r.Context(), tenantID, domain.TopicCriteriaUpdated, payload); err != nil {
		slog.Warn("failed to publish criteria change", "id", criteriaID, "action", action, "error", err)
	}
}

// reloadFromRepository refreshes the engine from the database. Best-effort.
func (h *Handler) reloadFromRepository(r *http.Request) {
	tenantID := GetTenantID(r.Context())
	criteria, err := h.repo.ListCriteria(r.Context(), tenantID)
	if err != nil {
		slog.Error("failed to reload criteria after mutation", "error", err)
		return
	}
	if err := h.engine.Reload(criteria); err != nil {
		slog.Error("failed to reload engine after mutation", "error", err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
