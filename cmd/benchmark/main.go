// Benchmark tool for testing Kestrel against labeled application data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/applications.csv -url http://localhost:8080
//
// This tool:
//   1. Reads application data (with approval labels)
//   2. Sends each application to Kestrel for evaluation
//   3. Compares Kestrel's verdict (passed/failed) with actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// The CSV must have a header row. Every column except "id" and the label
// column is forwarded as a subject attribute, numeric where it parses.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Application represents a labeled row from the dataset.
type Application struct {
	ID         string
	Attributes map[string]any
	Approved   bool
}

// EvaluateRequest is the Kestrel API request format.
type EvaluateRequest struct {
	CriteriaID   string            `json:"criteriaId,omitempty"`
	CriteriaSlug string            `json:"criteriaSlug,omitempty"`
	Subject      Subject           `json:"subject"`
	FieldMap     map[string]string `json:"fieldMap,omitempty"`
}

// Subject is the evaluation subject payload.
type Subject struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// EvaluateResponse is the Kestrel API response format.
type EvaluateResponse struct {
	EvaluationID string   `json:"evaluationId"`
	Passed       bool     `json:"passed"`
	Score        float64  `json:"score"`
	Decision     string   `json:"decision"`
	FailedRules  []string `json:"failedRules"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Approved labeled, evaluated as passed
	FalsePositives int64 // Declined labeled, evaluated as passed
	TrueNegatives  int64 // Declined labeled, evaluated as failed
	FalseNegatives int64 // Approved labeled, evaluated as failed

	TotalProcessed int64
	TotalApproved  int64
	TotalDeclined  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled application CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	criteria := flag.String("criteria", "", "Criteria ID or slug to evaluate against")
	label := flag.String("label", "approved", "Name of the label column")
	limit := flag.Int("limit", 10000, "Maximum applications to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each application result")
	flag.Parse()

	if *csvPath == "" || *criteria == "" {
		fmt.Println("Usage: benchmark -csv /path/to/applications.csv -criteria personal-loan [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Eligibility Decision Replay        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Criteria:    %s\n", *criteria)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read application data
	fmt.Printf("\nReading application data from %s...\n", *csvPath)
	applications, err := readApplicationsCSV(*csvPath, *label, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d applications\n", len(applications))

	approvedCount := 0
	for _, app := range applications {
		if app.Approved {
			approvedCount++
		}
	}
	fmt.Printf("  - Approved: %d (%.2f%%)\n", approvedCount, 100*float64(approvedCount)/float64(len(applications)))
	fmt.Printf("  - Declined: %d (%.2f%%)\n", len(applications)-approvedCount, 100*float64(len(applications)-approvedCount)/float64(len(applications)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(applications, *baseURL, *tenantID, *criteria, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readApplicationsCSV(path, labelCol string, limit int) ([]Application, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	labelIdx := -1
	idIdx := -1
	for i, col := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(col))
		switch columns[i] {
		case labelCol:
			labelIdx = i
		case "id":
			idIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not found", labelCol)
	}

	var applications []Application
	row := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		row++

		app := Application{
			ID:         fmt.Sprintf("app-%d", row),
			Attributes: make(map[string]any, len(record)),
			Approved:   record[labelIdx] == "1" || strings.EqualFold(record[labelIdx], "true"),
		}
		if idIdx >= 0 && record[idIdx] != "" {
			app.ID = record[idIdx]
		}

		for i, value := range record {
			if i == labelIdx || i == idIdx {
				continue
			}
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				app.Attributes[columns[i]] = n
			} else {
				app.Attributes[columns[i]] = value
			}
		}

		applications = append(applications, app)

		if limit > 0 && len(applications) >= limit {
			break
		}
	}

	return applications, nil
}

func runBenchmark(applications []Application, baseURL, tenantID, criteria string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan Application, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for app := range work {
				start := time.Now()
				result, err := evaluateApplication(client, baseURL, tenantID, criteria, app)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", app.ID, err)
					}
					continue
				}

				// Track actual labels
				if app.Approved {
					atomic.AddInt64(&metrics.TotalApproved, 1)
				} else {
					atomic.AddInt64(&metrics.TotalDeclined, 1)
				}

				// Calculate confusion matrix
				predicted := result.Passed
				actual := app.Approved

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s %-14s | Label: %-5v | Kestrel: %-5v (%.1f) | Failed: %v\n",
						status,
						app.ID,
						app.Approved,
						result.Passed,
						result.Score,
						result.FailedRules,
					)
				}
			}
		}()
	}

	// Send work
	for _, app := range applications {
		work <- app
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateApplication(client *http.Client, baseURL, tenantID, criteria string, app Application) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		CriteriaSlug: criteria,
		Subject: Subject{
			Type:       "applicant",
			ID:         app.ID,
			Attributes: app.Attributes,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Approved:   %d\n", m.TotalApproved)
	fmt.Printf("   Total Declined:   %d\n", m.TotalDeclined)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    PASS        FAIL")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           D  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 AGREEMENT METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of passes, how many were labeled approved)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of approved, how many passed)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall agreement with labels)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f eval/sec\n", rps)
	}

	fmt.Println()
}
