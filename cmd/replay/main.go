// Replay tool for measuring Harrier's case opening against labelled orders.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/orders.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labelled orders (user_id, order_id, payment_method, amount,
//     customer_name, is_fraud; device_id and location_id are optional)
//  2. Submits each one to POST /transactions
//  3. Counts an order as flagged when Harrier opened a case for it
//  4. Reports precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/casework"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

var requiredColumns = []string{"user_id", "order_id", "payment_method", "amount", "customer_name", "is_fraud"}

// LabelledOrder is one CSV row.
type LabelledOrder struct {
	Request domain.TransactionRequest
	IsFraud bool
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // fraud that opened a case
	FalsePositives int64 // legitimate orders that opened a case
	TrueNegatives  int64
	FalseNegatives int64 // missed fraud

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Precision is the share of opened cases that were fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraud that opened a case.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Metrics) record(flagged, fraud bool) {
	if fraud {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	switch {
	case flagged && fraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case flagged:
		atomic.AddInt64(&m.FalsePositives, 1)
	case fraud:
		atomic.AddInt64(&m.FalseNegatives, 1)
	default:
		atomic.AddInt64(&m.TrueNegatives, 1)
	}
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Replayer submits orders to a Harrier instance.
type Replayer struct {
	BaseURL  string
	TenantID string
	Token    string
	Workers  int
	Verbose  bool
	Client   *http.Client
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled orders CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	tenantID := flag.String("tenant", "replay-test", "Tenant ID for requests")
	token := flag.String("token", "", "Bearer token, when role checks are enabled")
	limit := flag.Int("limit", 10000, "Maximum orders to submit (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only submit fraudulent orders")
	verbose := flag.Bool("verbose", false, "Print each order result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	r := &Replayer{
		BaseURL:  strings.TrimRight(*baseURL, "/"),
		TenantID: *tenantID,
		Token:    *token,
		Workers:  *workers,
		Verbose:  *verbose,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}

	fmt.Println("HARRIER REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", r.BaseURL)
	fmt.Printf("Tenant ID:   %s\n", r.TenantID)
	fmt.Printf("Workers:     %d\n", r.Workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	if err := r.checkHealth(); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", r.BaseURL, err)
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	orders, err := readOrders(file, *limit, *fraudOnly)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(orders) == 0 {
		fmt.Println("ERROR: no usable rows in CSV")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d orders\n", len(orders))

	start := time.Now()
	metrics := r.Run(orders)
	printResults(metrics, time.Since(start))
}

func (r *Replayer) checkHealth() error {
	resp, err := r.Client.Get(r.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readOrders parses the CSV. Column names are matched case-insensitively;
// rows with an unparseable amount are skipped.
func readOrders(src io.Reader, limit int, fraudOnly bool) ([]LabelledOrder, error) {
	reader := csv.NewReader(src)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	optional := func(record []string, name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}

	var orders []LabelledOrder
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		isFraud := record[col["is_fraud"]] == "1" || strings.EqualFold(record[col["is_fraud"]], "true")
		if fraudOnly && !isFraud {
			continue
		}

		amount, err := decimal.NewFromString(record[col["amount"]])
		if err != nil {
			continue
		}

		orders = append(orders, LabelledOrder{
			Request: domain.TransactionRequest{
				UserID:        record[col["user_id"]],
				OrderID:       record[col["order_id"]],
				PaymentMethod: record[col["payment_method"]],
				Amount:        amount,
				CustomerName:  record[col["customer_name"]],
				DeviceID:      optional(record, "device_id"),
				LocationID:    optional(record, "location_id"),
			},
			IsFraud: isFraud,
		})

		if limit > 0 && len(orders) >= limit {
			break
		}
	}

	return orders, nil
}

// Run submits every order using r.Workers concurrent workers.
func (r *Replayer) Run(orders []LabelledOrder) *Metrics {
	metrics := &Metrics{}

	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}

	work := make(chan LabelledOrder, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for order := range work {
				start := time.Now()
				result, err := r.submit(order)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if r.Verbose {
						fmt.Printf("ERROR: %s -> %v\n", order.Request.OrderID, err)
					}
					continue
				}

				flagged := result.Case != nil
				metrics.record(flagged, order.IsFraud)

				if r.Verbose {
					mark := "ok"
					if flagged != order.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-12s | %-12s | %10s | fraud: %-5v | score: %.3f (%s)\n",
						mark,
						order.Request.OrderID,
						order.Request.PaymentMethod,
						order.Request.Amount.StringFixed(2),
						order.IsFraud,
						result.Score.RiskScore,
						result.Tier,
					)
				}
			}
		}()
	}

	for _, order := range orders {
		work <- order
	}
	close(work)

	wg.Wait()
	return metrics
}

func (r *Replayer) submit(order LabelledOrder) (*casework.SubmitResult, error) {
	body, err := json.Marshal(order.Request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, r.BaseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", r.TenantID)
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result casework.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Score == nil {
		return nil, fmt.Errorf("response without score")
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Case opened")
	fmt.Println("                    yes         no")
	fmt.Printf("   Actual  F    %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF    %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	accuracy := ratio(m.TruePositives+m.TrueNegatives, total)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	if m.TotalNonFraud > 0 {
		fmt.Printf("   Reviewer load from false alarms: %d / %d (%.2f%%)\n",
			m.FalsePositives, m.TotalNonFraud, 100*ratio(m.FalsePositives, m.TotalNonFraud))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
