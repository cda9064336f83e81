// Benchmark tool for testing Kestrel against labeled metric data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/metrics.csv -url http://localhost:8080
//   go run cmd/benchmark/main.go -synthetic 10000 -url http://localhost:8080
//
// This tool:
//   1. Reads labeled metric observations (CSV with an is_anomaly column)
//      or generates a synthetic stream with injected anomalies
//   2. Trains the ensemble on the normal observations
//   3. Sends observation batches to Kestrel for detection
//   4. Compares Kestrel's verdicts with the actual labels
//   5. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledRow is one observation with its ground-truth label.
type LabeledRow struct {
	Features  []float64
	IsAnomaly bool
}

// TrainRequest is the Kestrel /train request format.
type TrainRequest struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// DetectRequest is the Kestrel /detect request format.
type DetectRequest struct {
	Source          string      `json:"source"`
	Columns         []string    `json:"columns"`
	Rows            [][]float64 `json:"rows"`
	FinancialImpact float64     `json:"financialImpact,omitempty"`
}

// Verdict is one row's ensemble verdict in the /detect response.
type Verdict struct {
	Label int     `json:"label"`
	Score float64 `json:"score"`
}

// DetectResponse is the Kestrel /detect response format.
type DetectResponse struct {
	Verdicts []Verdict `json:"verdicts"`
	Alerts   []struct {
		ID       string `json:"alert_id"`
		Severity string `json:"severity"`
	} `json:"alerts"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Anomaly flagged as anomalous
	FalsePositives int64 // Normal flagged as anomalous
	TrueNegatives  int64 // Normal passed as normal
	FalseNegatives int64 // Anomaly passed as normal (missed!)

	TotalProcessed int64
	TotalAnomalies int64
	TotalNormal    int64
	TotalAlerts    int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled metrics CSV file")
	synthetic := flag.Int("synthetic", 0, "Generate N synthetic observations instead of reading a CSV")
	contamination := flag.Float64("contamination", 0.05, "Anomaly fraction for synthetic data (0.0-1.0)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	streamID := flag.String("stream", "benchmark-test", "Stream ID for requests")
	source := flag.String("source", "benchmark", "Source tag for observations")
	limit := flag.Int("limit", 10000, "Maximum observations to process (0 = all)")
	batchSize := flag.Int("batch", 50, "Rows per detect request")
	trainSize := flag.Int("train", 500, "Normal observations used for training")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 1, "Random seed for synthetic data")
	verbose := flag.Bool("verbose", false, "Print each batch result")
	flag.Parse()

	if *csvPath == "" && *synthetic == 0 {
		fmt.Println("Usage: benchmark -csv /path/to/metrics.csv [-url http://localhost:8080]")
		fmt.Println("       benchmark -synthetic 10000 [-contamination 0.05]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Anomaly Detection Accuracy        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	if *csvPath != "" {
		fmt.Printf("\nCSV File:    %s\n", *csvPath)
	} else {
		fmt.Printf("\nSynthetic:   %d rows (%.1f%% anomalies)\n", *synthetic, 100**contamination)
	}
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Stream ID:   %s\n", *streamID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Printf("Train Size:  %d\n", *trainSize)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Load observations
	var columns []string
	var rows []LabeledRow
	var err error
	if *csvPath != "" {
		fmt.Printf("\nReading metric data from %s...\n", *csvPath)
		columns, rows, err = readLabeledCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("\nGenerating %d synthetic observations...\n", *synthetic)
		columns, rows = generateSynthetic(*synthetic, *contamination, *seed)
	}
	fmt.Printf("✓ Loaded %d observations\n", len(rows))

	anomalyCount := 0
	for _, row := range rows {
		if row.IsAnomaly {
			anomalyCount++
		}
	}
	fmt.Printf("  - Anomalies: %d (%.2f%%)\n", anomalyCount, 100*float64(anomalyCount)/float64(len(rows)))
	fmt.Printf("  - Normal:    %d (%.2f%%)\n", len(rows)-anomalyCount, 100*float64(len(rows)-anomalyCount)/float64(len(rows)))

	// Train on normal observations
	fmt.Printf("\nTraining ensemble on %d normal observations...\n", *trainSize)
	if err := trainEnsemble(*baseURL, *streamID, columns, rows, *trainSize); err != nil {
		fmt.Printf("ERROR: Training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Ensemble trained")

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, columns, *baseURL, *streamID, *source, *batchSize, *workers, *verbose)
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

// readLabeledCSV reads a CSV whose last columns include is_anomaly; all
// other columns are treated as numeric features.
func readLabeledCSV(path string, limit int) ([]string, []LabeledRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	var columns []string
	var featureIdx []int
	for i, col := range header {
		if strings.EqualFold(col, "is_anomaly") {
			labelIdx = i
			continue
		}
		columns = append(columns, col)
		featureIdx = append(featureIdx, i)
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("CSV has no is_anomaly column")
	}

	var rows []LabeledRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		features := make([]float64, 0, len(featureIdx))
		valid := true
		for _, idx := range featureIdx {
			v, err := strconv.ParseFloat(record[idx], 64)
			if err != nil {
				valid = false
				break
			}
			features = append(features, v)
		}
		if !valid {
			continue
		}

		rows = append(rows, LabeledRow{
			Features:  features,
			IsAnomaly: record[labelIdx] == "1",
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return columns, rows, nil
}

// generateSynthetic produces normal observations around fixed baselines
// with a contaminated fraction of scaled outliers.
func generateSynthetic(n int, contamination float64, seed int64) ([]string, []LabeledRow) {
	rng := rand.New(rand.NewSource(seed))
	columns := []string{"revenue", "tx_count", "avg_ticket", "refund_rate"}
	baselines := []float64{12000, 340, 35, 0.02}
	spreads := []float64{800, 25, 3, 0.005}

	rows := make([]LabeledRow, 0, n)
	for i := 0; i < n; i++ {
		isAnomaly := rng.Float64() < contamination
		features := make([]float64, len(baselines))
		for j := range baselines {
			features[j] = baselines[j] + rng.NormFloat64()*spreads[j]
		}
		if isAnomaly {
			// Distort one or two dimensions hard.
			j := rng.Intn(len(features))
			features[j] *= 4 + rng.Float64()*6
			if rng.Float64() < 0.5 {
				k := rng.Intn(len(features))
				features[k] *= 0.05
			}
		}
		rows = append(rows, LabeledRow{Features: features, IsAnomaly: isAnomaly})
	}
	return columns, rows
}

// trainEnsemble sends the first trainSize normal rows to /train.
func trainEnsemble(baseURL, streamID string, columns []string, rows []LabeledRow, trainSize int) error {
	var training [][]float64
	for _, row := range rows {
		if row.IsAnomaly {
			continue
		}
		training = append(training, row.Features)
		if len(training) >= trainSize {
			break
		}
	}
	if len(training) == 0 {
		return fmt.Errorf("no normal observations available for training")
	}

	body, err := json.Marshal(TrainRequest{Columns: columns, Rows: training})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/train", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stream-ID", streamID)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(rows []LabeledRow, columns []string, baseURL, streamID, source string, batchSize, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel of batches
	work := make(chan []LabeledRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for batch := range work {
				start := time.Now()
				result, err := detectBatch(client, baseURL, streamID, source, columns, batch)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, int64(len(batch)))

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: batch of %d -> %v\n", len(batch), err)
					}
					continue
				}

				atomic.AddInt64(&metrics.TotalAlerts, int64(len(result.Alerts)))

				flagged := 0
				for j, row := range batch {
					if j >= len(result.Verdicts) {
						break
					}

					// Track actual labels
					if row.IsAnomaly {
						atomic.AddInt64(&metrics.TotalAnomalies, 1)
					} else {
						atomic.AddInt64(&metrics.TotalNormal, 1)
					}

					predicted := result.Verdicts[j].Label == -1
					actual := row.IsAnomaly
					if predicted {
						flagged++
					}

					if predicted && actual {
						atomic.AddInt64(&metrics.TruePositives, 1)
					} else if predicted && !actual {
						atomic.AddInt64(&metrics.FalsePositives, 1)
					} else if !predicted && !actual {
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					} else { // !predicted && actual
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}
				}

				if verbose {
					fmt.Printf("batch of %-4d | flagged: %-4d | alerts: %-4d | %d ms\n",
						len(batch), flagged, len(result.Alerts), elapsed)
				}
			}
		}()
	}

	// Send work in batches
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		work <- rows[start:end]
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func detectBatch(client *http.Client, baseURL, streamID, source string, columns []string, batch []LabeledRow) (*DetectResponse, error) {
	req := DetectRequest{
		Source:  source,
		Columns: columns,
	}
	for _, row := range batch {
		req.Rows = append(req.Rows, row.Features)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Stream-ID", streamID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result DetectResponse
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
	fmt.Printf("   Total Anomalies:  %d\n", m.TotalAnomalies)
	fmt.Printf("   Total Normal:     %d\n", m.TotalNormal)
	fmt.Printf("   Alerts Raised:    %d\n", m.TotalAlerts)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    ANOM        NORM")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
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

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged rows, how many were real anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalAnomalies > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalAnomalies) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalAnomalies) * 100
		fmt.Printf("   Anomalies Caught:  %d / %d (%.2f%%)\n", m.TruePositives, m.TotalAnomalies, detectionRate)
		fmt.Printf("   Anomalies Missed:  %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalAnomalies, missRate)
	}
	if m.TotalNormal > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNormal) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNormal, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms/row\n", avgMs)
		fmt.Printf("   Throughput:       %.2f rows/sec\n", rps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most anomalies")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some anomalies")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant anomalies being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most anomalies are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
