package money

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

func TestQuantize8TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already exact", "0.01", "0.01"},
		{"truncates ninth place", "0.123456789", "0.12345678"},
		{"never rounds up", "0.999999999", "0.99999999"},
		{"integer unchanged", "42", "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quantize8(dec(tt.in))
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Quantize8(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(dec("1000"), dec("1")); !got.Equal(dec("10")) {
		t.Errorf("Percent(1000, 1) = %s, want 10", got)
	}
	if got := Percent(dec("200"), dec("50")); !got.Equal(dec("100")) {
		t.Errorf("Percent(200, 50) = %s, want 100", got)
	}
}

func TestPercentOf(t *testing.T) {
	if got := PercentOf(dec("10"), dec("1000")); !got.Equal(dec("1")) {
		t.Errorf("PercentOf(10, 1000) = %s, want 1", got)
	}
	if got := PercentOf(dec("10"), decimal.Zero); !got.IsZero() {
		t.Errorf("PercentOf(10, 0) = %s, want 0", got)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := dec("0"), dec("100")
	tests := []struct {
		in   string
		want string
	}{
		{"150", "100"},
		{"-10", "0"},
		{"50", "50"},
		{"0", "0"},
		{"100", "100"},
	}
	for _, tt := range tests {
		if got := Clamp(dec(tt.in), lo, hi); !got.Equal(dec(tt.want)) {
			t.Errorf("Clamp(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMaxMin(t *testing.T) {
	a, b := dec("49000"), dec("50075")
	if got := Max(a, b); !got.Equal(b) {
		t.Errorf("Max = %s, want %s", got, b)
	}
	if got := Min(a, b); !got.Equal(a) {
		t.Errorf("Min = %s, want %s", got, a)
	}
}
