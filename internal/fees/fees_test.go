package fees

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeTotal(t *testing.T) {
	cases := []struct {
		principal string
		bps       int64
		want      string
	}{
		{principal: "100", bps: 50, want: "100.5"},
		{principal: "100", bps: 0, want: "100"},
		{principal: "1", bps: 200, want: "1.02"},
		{principal: "0.3333", bps: 50, want: "0.3350"},
		{principal: "12.34567", bps: 25, want: "12.3766"},
	}
	for _, tc := range cases {
		got, err := ComputeTotal(decimal.RequireFromString(tc.principal), tc.bps)
		if err != nil {
			t.Fatalf("compute %s@%d: %v", tc.principal, tc.bps, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("compute %s@%d: expected %s got %s", tc.principal, tc.bps, tc.want, got)
		}
	}
}

func TestComputeTotalRejectsInvalidInput(t *testing.T) {
	if _, err := ComputeTotal(decimal.Zero, 50); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for zero, got %v", err)
	}
	if _, err := ComputeTotal(decimal.NewFromInt(-5), 50); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative, got %v", err)
	}
	if _, err := ComputeTotal(decimal.NewFromInt(5), -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative fee, got %v", err)
	}
}

func TestComputeTotalNeverBelowPrincipal(t *testing.T) {
	principals := []string{"0.0001", "0.00005", "0.00004", "1", "99.9999", "1000000", "3.14159"}
	for _, p := range principals {
		principal := decimal.RequireFromString(p)
		for _, bps := range []int64{0, 1, 50, 200, 10_000} {
			total, err := ComputeTotal(principal, bps)
			if err != nil {
				t.Fatalf("compute %s@%d: %v", p, bps, err)
			}
			if total.LessThan(principal) {
				t.Fatalf("total %s below principal %s at %d bps", total, p, bps)
			}
		}
	}
}

func TestFee(t *testing.T) {
	fee, err := Fee(decimal.NewFromInt(100), 50)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if !fee.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5 got %s", fee)
	}
}
