package liquidation

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpsim/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBreached(t *testing.T) {
	liq := dec("45200")
	tests := []struct {
		name string
		side types.PositionSide
		mark string
		want bool
	}{
		{"long at threshold", types.PositionSideLong, "45200", true},
		{"long below threshold", types.PositionSideLong, "45199.99", true},
		{"long just above threshold", types.PositionSideLong, "45201", false},
		{"short at threshold", types.PositionSideShort, "45200", true},
		{"short above threshold", types.PositionSideShort, "45300", true},
		{"short below threshold", types.PositionSideShort, "45199", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Breached(tt.side, dec(tt.mark), liq); got != tt.want {
				t.Errorf("Breached(%s, %s, %s) = %v, want %v", tt.side, tt.mark, liq, got, tt.want)
			}
		})
	}
}
