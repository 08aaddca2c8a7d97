package domain

import "strings"

// OrderTotals holds rolled-up monetary fields in order amount units, see CurrencyExponent.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Total    int64
}

// Balanced reports whether Total equals Subtotal + Shipping - Discount.
func (t OrderTotals) Balanced() bool {
	return t.Total == t.Subtotal+t.Shipping-t.Discount
}

// LineSubtotal returns quantity multiplied by unit price.
func LineSubtotal(quantity, unitPrice int64) int64 {
	return quantity * unitPrice
}

// SubtotalOf sums the item subtotals, recomputing each from quantity and unit price.
func SubtotalOf(items []OrderItem) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += LineSubtotal(item.Quantity, item.UnitPrice)
	}
	return subtotal
}

// ComputeTotals is the only place order totals are derived. The discount never exceeds the subtotal.
func ComputeTotals(items []OrderItem, shipping int64, discount int64) OrderTotals {
	subtotal := SubtotalOf(items)
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return OrderTotals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Total:    subtotal + shipping - discount,
	}
}

// Order amounts are integers in the unit a currency settles in: whole rupiah for IDR and yen for
// JPY, cents for USD and EUR.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "IDR": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {},
	"XPF": {},
}

// CurrencyExponent returns how many decimal places one order amount unit represents.
func CurrencyExponent(currency string) int {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}
