package brackets

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRateFor(t *testing.T) {
	fallback := dec("0.004")
	ladder := defaultBTCBrackets()

	tests := []struct {
		name     string
		notional string
		want     string
	}{
		{"first bracket", "5000", "0.004"},
		{"floor is inclusive", "20000", "0.005"},
		{"cap is exclusive", "49999.99", "0.005"},
		{"mid ladder", "300000", "0.025"},
		{"beyond last cap", "999999999999", "0.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RateFor(ladder, dec(tt.notional), fallback)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("RateFor(%s) = %s, want %s", tt.notional, got, tt.want)
			}
		})
	}
}

func TestRateFor_EmptyLadderUsesFallback(t *testing.T) {
	got := RateFor(nil, dec("100"), dec("0.004"))
	if !got.Equal(dec("0.004")) {
		t.Errorf("expected fallback 0.004, got %s", got)
	}
}

func TestDefaultBrackets_ContiguousRanges(t *testing.T) {
	ladder := defaultBTCBrackets()
	for i := 1; i < len(ladder); i++ {
		if !ladder[i].MinNotional.Equal(ladder[i-1].MaxNotional) {
			t.Errorf("bracket %d floor %s does not meet previous cap %s",
				ladder[i].BracketID, ladder[i].MinNotional, ladder[i-1].MaxNotional)
		}
	}
}
