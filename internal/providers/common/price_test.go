package common

import (
	"math"
	"testing"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"$24.99", 24.99, true},
		{"$1,299.00", 1299, true},
		{"₹1,499", 17.988, true},
		{"₹24,999", 299.988, true},
		{"€10.00", 10.8, true},
		{"£100", 127, true},
		{"1499 INR", 17.988, true},
		{"EUR 12.50", 13.5, true},
		{"19.95", 19.95, true},
		{"", 0, false},
		{"   ", 0, false},
		{"Price unavailable", 0, false},
		{"$", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := ParsePrice(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ParsePrice(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			}
			if tc.ok && math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("ParsePrice(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParsePriceUnknownSymbolTreatedAsUSD(t *testing.T) {
	got, ok := ParsePrice("¥500")
	if !ok {
		t.Fatal("numeric amount with unknown symbol must still parse")
	}
	if got != 500 {
		t.Errorf("got %v, want 500 (no conversion)", got)
	}
}
