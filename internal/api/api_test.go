package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-credit/kestrel/internal/audit"
	"github.com/opensource-credit/kestrel/internal/bus"
	"github.com/opensource-credit/kestrel/internal/cache"
	"github.com/opensource-credit/kestrel/internal/decision"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/history"
	"github.com/opensource-credit/kestrel/internal/repository"
	"github.com/opensource-credit/kestrel/internal/rules"
)

func testCriteria() *domain.Criteria {
	threshold := 65.0
	return &domain.Criteria{
		ID:            "crit-001",
		Name:          "Personal Loan Eligibility",
		Slug:          "personal-loan",
		Version:       1,
		ScoringMethod: domain.ScoringWeighted,
		PassThreshold: &threshold,
		Enabled:       true,
		Rules: []domain.Rule{
			{ID: "income_min", Field: "income", Operator: ">=", Value: 3000.0, Weight: 40, Enabled: true},
			{ID: "credit_min", Field: "credit_score", Operator: ">=", Value: 650.0, Weight: 60, Enabled: true},
		},
	}
}

// createTestServer creates a server with engine and processor only.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	engine := rules.NewEngine(5)
	if err := engine.LoadCriteria(testCriteria()); err != nil {
		t.Fatalf("failed to load criteria: %v", err)
	}

	processor := decision.NewProcessor(domain.EngineConfig{DefaultThreshold: 65})

	return NewServer(cfg, nil, nil, nil, engine, processor, nil, nil, "test-v1")
}

// createFullServer wires a SQLite repository, LRU cache, channel bus, audit
// logger and history service behind the handler.
func createFullServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lruCache := cache.NewLRUCache(100)
	t.Cleanup(func() { lruCache.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine := rules.NewEngine(5)
	processor := decision.NewProcessor(domain.EngineConfig{DefaultThreshold: 65})
	auditor := audit.NewLogger(repo, eventBus)
	historySvc := history.NewService(repo, lruCache)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}

	return NewServer(cfg, repo, lruCache, eventBus, engine, processor, auditor, historySvc, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func evaluateBody(income, creditScore float64) domain.EvaluateRequest {
	return domain.EvaluateRequest{
		CriteriaID: "crit-001",
		Subject: &domain.Source{
			Type: "applicant",
			ID:   "app-001",
			Attributes: map[string]any{
				"income":       income,
				"credit_score": creditScore,
			},
		},
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("PassingEvaluation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(5000, 720))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.EvaluationResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.EvaluationID == "" {
			t.Error("expected evaluationId in response")
		}
		if !resp.Passed || resp.Score != 100.0 {
			t.Errorf("expected pass at 100.0, got passed=%v score=%v", resp.Passed, resp.Score)
		}
		if resp.Decision != "approved" {
			t.Errorf("expected decision 'approved', got '%s'", resp.Decision)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if resp.Metadata.EngineVersion != decision.EngineVersion {
			t.Errorf("unexpected engine version %s", resp.Metadata.EngineVersion)
		}
	})

	t.Run("FailingEvaluation", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(5000, 600))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.EvaluationResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Passed || resp.Score != 40.0 {
			t.Errorf("expected fail at 40.0, got passed=%v score=%v", resp.Passed, resp.Score)
		}
		if len(resp.FailedRules) != 1 || resp.FailedRules[0] != "credit_min" {
			t.Errorf("expected failedRules [credit_min], got %v", resp.FailedRules)
		}
	})

	t.Run("BySlug", func(t *testing.T) {
		body := evaluateBody(5000, 720)
		body.CriteriaID = ""
		body.CriteriaSlug = "personal-loan"

		rr := doJSON(t, server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingSubject", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", domain.EvaluateRequest{
			CriteriaID: "crit-001",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingCriteriaRef", func(t *testing.T) {
		body := evaluateBody(5000, 720)
		body.CriteriaID = ""

		rr := doJSON(t, server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCriteria", func(t *testing.T) {
		body := evaluateBody(5000, 720)
		body.CriteriaID = "crit-nonexistent"

		rr := doJSON(t, server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(5000, 720))

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestEvaluateMemoization(t *testing.T) {
	server := createFullServer(t)

	rr := doJSON(t, server, http.MethodPost, "/criteria", testCriteria())
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create criteria: %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(5000, 720))
	if rr.Code != http.StatusOK {
		t.Fatalf("first evaluation failed: %d: %s", rr.Code, rr.Body.String())
	}
	var first domain.EvaluationResponse
	json.Unmarshal(rr.Body.Bytes(), &first)
	if first.Metadata.CacheHit {
		t.Error("first evaluation should not be a cache hit")
	}

	rr = doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(5000, 720))
	if rr.Code != http.StatusOK {
		t.Fatalf("second evaluation failed: %d: %s", rr.Code, rr.Body.String())
	}
	var second domain.EvaluationResponse
	json.Unmarshal(rr.Body.Bytes(), &second)

	if !second.Metadata.CacheHit {
		t.Error("expected second identical evaluation to be a cache hit")
	}
	if second.EvaluationID != first.EvaluationID {
		t.Errorf("expected memoized result %s, got %s", first.EvaluationID, second.EvaluationID)
	}

	// A different snapshot must miss
	rr = doJSON(t, server, http.MethodPost, "/evaluate", evaluateBody(4000, 720))
	var third domain.EvaluationResponse
	json.Unmarshal(rr.Body.Bytes(), &third)
	if third.Metadata.CacheHit {
		t.Error("different snapshot should not hit the cache")
	}
}

func TestAsyncEvaluate(t *testing.T) {
	server := createFullServer(t)

	rr := doJSON(t, server, http.MethodPost, "/criteria", testCriteria())
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create criteria: %d: %s", rr.Code, rr.Body.String())
	}

	body := evaluateBody(5000, 720)
	body.Async = true

	rr = doJSON(t, server, http.MethodPost, "/evaluate", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "queued" {
		t.Errorf("expected status 'queued', got '%s'", resp["status"])
	}
	if resp["traceId"] == "" {
		t.Error("expected traceId in response")
	}
}

func TestCriteriaCRUD(t *testing.T) {
	server := createFullServer(t)

	t.Run("Create", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/criteria", testCriteria())
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var created domain.Criteria
		json.Unmarshal(rr.Body.Bytes(), &created)
		if created.Version != 1 || created.TenantID != "tenant-001" {
			t.Errorf("unexpected created criteria: version=%d tenant=%s", created.Version, created.TenantID)
		}
	})

	t.Run("CreateInvalidOperator", func(t *testing.T) {
		bad := testCriteria()
		bad.ID = "crit-bad"
		bad.Rules[0].Operator = "equals"

		rr := doJSON(t, server, http.MethodPost, "/criteria", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/criteria/crit-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		// Slug lookup falls back transparently
		rr = doJSON(t, server, http.MethodGet, "/criteria/personal-loan", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected slug lookup to return 200, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/criteria", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count  int    `json:"count"`
			Source string `json:"source"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || resp.Source != "database" {
			t.Errorf("unexpected list response: %+v", resp)
		}
	})

	t.Run("Update", func(t *testing.T) {
		updated := testCriteria()
		updated.Name = "Personal Loan Eligibility v2"

		rr := doJSON(t, server, http.MethodPut, "/criteria/crit-001", updated)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Criteria
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Version != 2 {
			t.Errorf("expected version bump to 2, got %d", resp.Version)
		}
	})

	t.Run("Versions", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/criteria/crit-001/versions", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 version snapshots, got %d", resp.Count)
		}

		rr = doJSON(t, server, http.MethodGet, "/criteria/crit-001/versions/1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for version 1, got %d", rr.Code)
		}

		var v domain.CriteriaVersion
		json.Unmarshal(rr.Body.Bytes(), &v)
		if v.Version != 1 || v.Snapshot.Name != "Personal Loan Eligibility" {
			t.Errorf("unexpected version snapshot: %+v", v)
		}

		rr = doJSON(t, server, http.MethodGet, "/criteria/crit-001/versions/99", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for missing version, got %d", rr.Code)
		}
	})

	t.Run("CaptureVersion", func(t *testing.T) {
		// The current version is already snapshotted by the update, so an
		// explicit capture returns the existing snapshot.
		rr := doJSON(t, server, http.MethodPost, "/criteria/crit-001/versions", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for recapture, got %d: %s", rr.Code, rr.Body.String())
		}

		var v domain.CriteriaVersion
		json.Unmarshal(rr.Body.Bytes(), &v)
		if v.Version != 2 || v.CriteriaID != "crit-001" {
			t.Errorf("unexpected captured version: %+v", v)
		}

		rr = doJSON(t, server, http.MethodPost, "/criteria/unknown/versions", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown criteria, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/criteria/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 criteria loaded, got %d", resp.Count)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodDelete, "/criteria/crit-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/criteria/crit-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodDelete, "/criteria/crit-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for double delete, got %d", rr.Code)
		}
	})
}

func TestSubjectEndpoints(t *testing.T) {
	server := createFullServer(t)

	rr := doJSON(t, server, http.MethodPost, "/criteria", testCriteria())
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create criteria: %d: %s", rr.Code, rr.Body.String())
	}

	for i := 0; i < 3; i++ {
		body := evaluateBody(5000+float64(i), 720)
		rr := doJSON(t, server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("evaluation %d failed: %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	t.Run("ListEvaluations", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/subjects/app-001/evaluations?window=3600", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count       int                        `json:"count"`
			Evaluations []*domain.EvaluationResult `json:"evaluations"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 3 {
			t.Errorf("expected 3 evaluations, got %d", resp.Count)
		}
	})

	t.Run("History", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/subjects/app-001/history?window=3600", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Count          int64                    `json:"count"`
			LastEvaluation *domain.EvaluationResult `json:"lastEvaluation"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 3 {
			t.Errorf("expected count 3, got %d", resp.Count)
		}
		if resp.LastEvaluation == nil {
			t.Error("expected a last evaluation")
		}
	})

	t.Run("GetEvaluationByID", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/subjects/app-001/evaluations?window=3600", nil)
		var listResp struct {
			Evaluations []*domain.EvaluationResult `json:"evaluations"`
		}
		json.Unmarshal(rr.Body.Bytes(), &listResp)
		if len(listResp.Evaluations) == 0 {
			t.Fatal("expected at least one evaluation")
		}

		evalID := listResp.Evaluations[0].ID
		rr = doJSON(t, server, http.MethodGet, fmt.Sprintf("/evaluations/%s", evalID), nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodGet, "/evaluations/nonexistent", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("ActorDefaultsToAPI", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if GetActor(req) != "api" {
			t.Errorf("expected default actor 'api', got '%s'", GetActor(req))
		}

		req.Header.Set("X-Actor", "analyst@example.com")
		if GetActor(req) != "analyst@example.com" {
			t.Errorf("expected actor header to win, got '%s'", GetActor(req))
		}
	})
}
