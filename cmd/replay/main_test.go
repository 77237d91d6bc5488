package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const sampleCSV = `User_ID,order_id,payment_method,amount,customer_name,is_fraud,device_id
u-1,o-1,credit_card,25.00,Ann Lee,0,d-1
u-2,o-2,paypal,abc,Bo Chan,1,d-2
u-3,o-3,gift_card,950.00,Cy Dunn,1,
u-4,o-4,credit_card,1200.00,Di Eng,0,d-4
u-5,o-5,paypal,40.00,Ed Fox,true,d-5
`

func TestReadOrders(t *testing.T) {
	t.Run("ParsesRows", func(t *testing.T) {
		orders, err := readOrders(strings.NewReader(sampleCSV), 0, false)
		if err != nil {
			t.Fatalf("readOrders failed: %v", err)
		}
		if len(orders) != 4 {
			t.Fatalf("expected 4 orders (bad amount skipped), got %d", len(orders))
		}
		if orders[0].Request.UserID != "u-1" {
			t.Errorf("expected header match to ignore case, got %q", orders[0].Request.UserID)
		}
		if orders[0].Request.DeviceID != "d-1" {
			t.Errorf("expected optional device id, got %q", orders[0].Request.DeviceID)
		}
		if !orders[1].IsFraud || !orders[3].IsFraud {
			t.Error("expected 1 and true to be read as fraud")
		}
		if orders[1].Request.Amount.String() != "950" {
			t.Errorf("expected amount 950, got %s", orders[1].Request.Amount)
		}
	})

	t.Run("FraudOnlyAndLimit", func(t *testing.T) {
		orders, err := readOrders(strings.NewReader(sampleCSV), 1, true)
		if err != nil {
			t.Fatalf("readOrders failed: %v", err)
		}
		if len(orders) != 1 || orders[0].Request.OrderID != "o-3" {
			t.Errorf("expected only o-3, got %+v", orders)
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readOrders(strings.NewReader("user_id,order_id\nu-1,o-1\n"), 0, false)
		if err == nil {
			t.Error("expected error for missing columns")
		}
	})
}

func TestRun(t *testing.T) {
	// Opens a case for anything above 500.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant-ID") != "replay-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req domain.TransactionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.OrderID == "o-4" {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"scoring unavailable"}`)
			return
		}

		body := `{"score":{"riskScore":0.1},"tier":"Low"}`
		if req.Amount.IntPart() > 500 {
			body = `{"score":{"riskScore":0.9},"tier":"Critical","case":{"id":"c-1","status":"pending-review"}}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	orders, err := readOrders(strings.NewReader(sampleCSV), 0, false)
	if err != nil {
		t.Fatalf("readOrders failed: %v", err)
	}

	r := &Replayer{
		BaseURL:  server.URL,
		TenantID: "replay-test",
		Workers:  3,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
	m := r.Run(orders)

	if m.TotalProcessed != 4 {
		t.Errorf("expected 4 processed, got %d", m.TotalProcessed)
	}
	if m.TotalErrors != 1 {
		t.Errorf("expected 1 error, got %d", m.TotalErrors)
	}
	if m.TruePositives != 1 || m.FalseNegatives != 1 || m.TrueNegatives != 1 || m.FalsePositives != 0 {
		t.Errorf("unexpected confusion matrix: TP=%d FN=%d TN=%d FP=%d",
			m.TruePositives, m.FalseNegatives, m.TrueNegatives, m.FalsePositives)
	}
	if m.Precision() != 1 {
		t.Errorf("expected precision 1, got %v", m.Precision())
	}
	if m.Recall() != 0.5 {
		t.Errorf("expected recall 0.5, got %v", m.Recall())
	}
}

func TestMetricsWithoutCases(t *testing.T) {
	m := &Metrics{TrueNegatives: 3}
	if m.Precision() != 0 || m.Recall() != 0 || m.F1() != 0 {
		t.Error("expected zero metrics when nothing was flagged")
	}
}
