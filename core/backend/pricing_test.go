package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTotals(t *testing.T) {
	settings := Settings{TaxRateBasisPoints: 1900, ShippingFeeCents: 390, FreeShippingThresholdCents: 2500, Currency: "EUR"}

	tests := []struct {
		name     string
		lines    []Line
		settings Settings
		want     Totals
	}{
		{
			name:     "empty cart ships for free",
			settings: settings,
			want:     Totals{Currency: "EUR"},
		},
		{
			name:     "below threshold",
			lines:    []Line{{Quantity: 2, UnitPriceCents: 999}},
			settings: settings,
			// 1998 * 19% = 379.62
			want: Totals{ItemCount: 2, SubtotalCents: 1998, TaxCents: 380, ShippingCents: 390, TotalCents: 2768, Currency: "EUR"},
		},
		{
			name:     "threshold reached exactly",
			lines:    []Line{{Quantity: 1, UnitPriceCents: 1500}, {Quantity: 1, UnitPriceCents: 1000}},
			settings: settings,
			want:     Totals{ItemCount: 2, SubtotalCents: 2500, TaxCents: 475, ShippingCents: 0, TotalCents: 2975, Currency: "EUR"},
		},
		{
			name:     "tax rounds half up",
			lines:    []Line{{Quantity: 1, UnitPriceCents: 50}},
			settings: Settings{TaxRateBasisPoints: 1000, Currency: "USD"},
			want:     Totals{ItemCount: 1, SubtotalCents: 50, TaxCents: 5, TotalCents: 55, Currency: "USD"},
		},
		{
			name:     "half cent rounds up",
			lines:    []Line{{Quantity: 1, UnitPriceCents: 5}},
			settings: Settings{TaxRateBasisPoints: 1000, Currency: "USD"},
			want:     Totals{ItemCount: 1, SubtotalCents: 5, TaxCents: 1, TotalCents: 6, Currency: "USD"},
		},
		{
			name:     "no threshold always charges shipping",
			lines:    []Line{{Quantity: 10, UnitPriceCents: 10000}},
			settings: Settings{ShippingFeeCents: 500, Currency: "EUR"},
			want:     Totals{ItemCount: 10, SubtotalCents: 100000, ShippingCents: 500, TotalCents: 100500, Currency: "EUR"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeTotals(tt.lines, tt.settings))
		})
	}
}
