package common

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalizeToStep(t *testing.T) {
	cases := []struct {
		name                  string
		value, step, min, max string
		want                  string
		wantErr               bool
	}{
		{"already aligned", "0.123", "0.001", "0.001", "100", "0.123", false},
		{"floors down", "0.12349", "0.001", "0.001", "100", "0.123", false},
		{"never rounds up", "0.1239999", "0.001", "0", "0", "0.123", false},
		{"coarse step", "7.9", "0.5", "0", "0", "7.5", false},
		{"integer step", "3.7", "1", "0", "0", "3", false},
		{"below minimum", "0.0004", "0.0001", "0.001", "0", "", true},
		{"floors below minimum", "0.00109", "0.001", "0.0011", "0", "", true},
		{"above maximum", "150", "1", "0", "100", "", true},
		{"zero max means unbounded", "1000000", "1", "1", "0", "1000000", false},
		{"zero value", "0", "0.001", "0", "0", "", true},
		{"negative value", "-5", "0.001", "0", "0", "", true},
		{"rounds down to zero", "0.0004", "0.001", "0", "0", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeToStep(d(tc.value), d(tc.step), d(tc.min), d(tc.max), "BTCUSDT", "quantity")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("got %s, want error", got)
				}
				if !IsValidation(err) {
					t.Fatalf("err = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeToStep: %v", err)
			}
			if !got.Equal(d(tc.want)) {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	f := SymbolFilter{
		Symbol:       "BTCUSDT",
		QuantityStep: d("0.001"),
		MinQuantity:  d("0.001"),
		MaxQuantity:  d("100"),
	}
	once, err := NormalizeQuantity(f, d("0.12349"))
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, err := NormalizeQuantity(f, once)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !once.Equal(twice) {
		t.Errorf("normalizing twice changed the value: %s -> %s", once, twice)
	}
}

func TestNormalizeNeverIncreases(t *testing.T) {
	f := SymbolFilter{Symbol: "ETHUSDT", QuantityStep: d("0.01")}
	for _, v := range []string{"0.019", "1.555", "42.0001", "0.0100001"} {
		got, err := NormalizeQuantity(f, d(v))
		if err != nil {
			t.Fatalf("NormalizeQuantity(%s): %v", v, err)
		}
		if got.GreaterThan(d(v)) {
			t.Errorf("NormalizeQuantity(%s) = %s, exceeds the request", v, got)
		}
	}
}

func TestNormalizeZeroStepFallsBackToOne(t *testing.T) {
	got, err := NormalizeToStep(d("3.7"), decimal.Zero, decimal.Zero, decimal.Zero, "XUSDT", "quantity")
	if err != nil {
		t.Fatalf("NormalizeToStep: %v", err)
	}
	if !got.Equal(d("3")) {
		t.Errorf("got %s, want 3 with step defaulted to 1", got)
	}
}

func TestFormatDecimal(t *testing.T) {
	cases := []struct{ in, want string }{
		{"0.1230000", "0.123"},
		{"5.000", "5"},
		{"0.5", "0.5"},
		{"100", "100"},
		{"0", "0"},
	}
	for _, tc := range cases {
		if got := FormatDecimal(d(tc.in)); got != tc.want {
			t.Errorf("FormatDecimal(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
