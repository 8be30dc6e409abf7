package backend

// Settings are the store wide settings used to compute cart and order totals. All amounts
// are integer cents of Currency.
type Settings struct {
	TaxRateBasisPoints         int64  `json:"tax_rate_basis_points"`
	ShippingFeeCents           int64  `json:"shipping_fee_cents"`
	FreeShippingThresholdCents int64  `json:"free_shipping_threshold_cents"`
	Currency                   string `json:"currency"`
}

// DefaultSettings are used until an administrator stores settings
var DefaultSettings = Settings{Currency: "EUR"}

// Totals are the computed amounts of a cart or an order
type Totals struct {
	ItemCount     int    `json:"item_count"`
	SubtotalCents int64  `json:"subtotal_cents"`
	TaxCents      int64  `json:"tax_cents"`
	ShippingCents int64  `json:"shipping_cents"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

// Line is one priced line of a cart or an order
type Line struct {
	Quantity       int
	UnitPriceCents int64
}

// Total returns the line total
func (l Line) Total() int64 {
	return int64(l.Quantity) * l.UnitPriceCents
}

// computeTotals computes the totals of lines under settings.
//
// Tax is rounded half up to full cents. Shipping is free for an empty cart and when
// a free shipping threshold is set and reached.
func computeTotals(lines []Line, settings Settings) Totals {
	t := Totals{Currency: settings.Currency}
	for _, l := range lines {
		t.ItemCount += l.Quantity
		t.SubtotalCents += l.Total()
	}
	t.TaxCents = (t.SubtotalCents*settings.TaxRateBasisPoints + 5000) / 10000
	switch {
	case t.SubtotalCents == 0:
		t.ShippingCents = 0
	case settings.FreeShippingThresholdCents > 0 && t.SubtotalCents >= settings.FreeShippingThresholdCents:
		t.ShippingCents = 0
	default:
		t.ShippingCents = settings.ShippingFeeCents
	}
	t.TotalCents = t.SubtotalCents + t.TaxCents + t.ShippingCents
	return t
}
