// Package common holds the parsing helpers shared by the source providers.
package common

import (
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

// usdRates converts detected currencies into USD. Rates are intentionally
// static: the store keys on (url, source) and prices are advisory, so an
// approximate conversion beats a hard dependency on a rates API.
var usdRates = map[currency.Unit]float64{
	currency.USD: 1,
	currency.INR: 0.012,
	currency.EUR: 1.08,
	currency.GBP: 1.27,
}

var symbolUnits = []struct {
	symbol string
	unit   currency.Unit
}{
	{"₹", currency.INR},
	{"$", currency.USD},
	{"€", currency.EUR},
	{"£", currency.GBP},
}

// ParsePrice extracts a numeric USD amount from a raw price string such as
// "₹1,499" or "$24.99". The currency is detected from its symbol; unknown
// symbols are treated as already being USD. Returns false when no numeric
// amount could be extracted.
func ParsePrice(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}

	unit := detectCurrency(trimmed)

	var digits strings.Builder
	for _, r := range trimmed {
		if (r >= '0' && r <= '9') || r == '.' {
			digits.WriteRune(r)
		}
	}
	amount, err := strconv.ParseFloat(digits.String(), 64)
	if err != nil || amount < 0 {
		return 0, false
	}

	rate, ok := usdRates[unit]
	if !ok {
		rate = 1
	}
	return amount * rate, true
}

func detectCurrency(raw string) currency.Unit {
	for _, candidate := range symbolUnits {
		if strings.Contains(raw, candidate.symbol) {
			return candidate.unit
		}
	}
	// Trailing/leading ISO codes ("1499 INR", "EUR 12.50").
	upper := strings.ToUpper(raw)
	for _, field := range strings.Fields(upper) {
		if len(field) != 3 {
			continue
		}
		if unit, err := currency.ParseISO(field); err == nil {
			return unit
		}
	}
	return currency.USD
}
