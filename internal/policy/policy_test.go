package policy

import (
	"errors"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	gate, err := New("")
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}

	if gate.Expression() != DefaultExpression {
		t.Errorf("expected default expression, got %q", gate.Expression())
	}

	tests := []struct {
		score float64
		want  bool
	}{
		{0.87, true},
		{0.50001, true},
		{0.5, false},
		{0.2, false},
	}

	for _, tt := range tests {
		got, err := gate.Allow(Input{RiskScore: tt.score})
		if err != nil {
			t.Fatalf("Allow(%v) failed: %v", tt.score, err)
		}
		if got != tt.want {
			t.Errorf("Allow(%v): expected %v, got %v", tt.score, tt.want, got)
		}
	}
}

func TestPolicyNarrowsOnly(t *testing.T) {
	t.Run("CannotWiden", func(t *testing.T) {
		gate, err := New("true")
		if err != nil {
			t.Fatalf("failed to create gate: %v", err)
		}

		got, _ := gate.Allow(Input{RiskScore: 0.3})
		if got {
			t.Error("expected score below threshold to be rejected")
		}
	})

	t.Run("AmountFloor", func(t *testing.T) {
		gate, err := New("risk_score > 0.5 && amount >= 100.0")
		if err != nil {
			t.Fatalf("failed to create gate: %v", err)
		}

		small, _ := gate.Allow(Input{RiskScore: 0.9, Amount: 12.5})
		if small {
			t.Error("expected small amount to be rejected")
		}

		large, _ := gate.Allow(Input{RiskScore: 0.9, Amount: 299.99})
		if !large {
			t.Error("expected large amount to be allowed")
		}
	})

	t.Run("TierAndPaymentMethod", func(t *testing.T) {
		gate, err := New(`tier == "Critical" || payment_method == "crypto"`)
		if err != nil {
			t.Fatalf("failed to create gate: %v", err)
		}

		high, _ := gate.Allow(Input{RiskScore: 0.6, PaymentMethod: "card"})
		if high {
			t.Error("expected High tier card payment to be rejected")
		}

		crypto, _ := gate.Allow(Input{RiskScore: 0.6, PaymentMethod: "crypto"})
		if !crypto {
			t.Error("expected crypto payment to be allowed")
		}

		critical, _ := gate.Allow(Input{RiskScore: 0.8, PaymentMethod: "card"})
		if !critical {
			t.Error("expected Critical tier to be allowed")
		}
	})
}

func TestPolicyCompilation(t *testing.T) {
	t.Run("InvalidSyntax", func(t *testing.T) {
		_, err := New("this is not valid CEL !!!")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NonBool", func(t *testing.T) {
		_, err := New("risk_score * 2.0")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ReloadKeepsOldOnError", func(t *testing.T) {
		gate, _ := New("")
		if err := gate.Reload("amount >"); err == nil {
			t.Fatal("expected reload error")
		}
		if gate.Expression() != DefaultExpression {
			t.Errorf("expected previous expression to remain, got %q", gate.Expression())
		}
	})

	t.Run("Validate", func(t *testing.T) {
		if err := Validate(`payment_method == "card"`); err != nil {
			t.Errorf("expected valid expression, got %v", err)
		}
		if err := Validate(""); err != nil {
			t.Errorf("expected empty expression to fall back to the default, got %v", err)
		}
		if err := Validate("amount + 1.0"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for non-bool policy, got %v", err)
		}
	})
}
