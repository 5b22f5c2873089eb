package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"65.00", "GBP", 6500},
		{"12", "gbp", 1200},
		{"4.95", "EUR", 495},
		{"1500", "JPY", 1500},
	}
	for _, tc := range cases {
		got, err := MinorUnits(decimal.RequireFromString(tc.amount), tc.currency)
		if err != nil {
			t.Fatalf("%s %s: unexpected error %v", tc.amount, tc.currency, err)
		}
		if got != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.amount, tc.currency, tc.want, got)
		}
	}
}

func TestMinorUnitsRejectsExcessPrecision(t *testing.T) {
	if _, err := MinorUnits(decimal.RequireFromString("1.005"), "GBP"); !errors.Is(err, ErrAmountPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := MinorUnits(decimal.RequireFromString("10.5"), "JPY"); !errors.Is(err, ErrAmountPrecision) {
		t.Fatalf("expected precision error for JPY, got %v", err)
	}
}

func TestMinorUnitsRejectsUnknownCurrency(t *testing.T) {
	if _, err := MinorUnits(decimal.NewFromInt(1), "XXQ"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected unknown currency, got %v", err)
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("cs_test_1", "ARI-HOOD-STD")
	b := IdempotencyKey("cs_test_1", "ARI-HOOD-STD")
	c := IdempotencyKey("cs_test_1", "READ-ARI-MINI")
	if a != b {
		t.Fatalf("expected stable key")
	}
	if a == c {
		t.Fatalf("expected distinct keys per sku")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 characters, got %d", len(a))
	}
}

func TestParseProviderIDAliases(t *testing.T) {
	got, ok := ParseProviderID(" providerC ")
	if !ok || got != ProviderGelato {
		t.Fatalf("expected gelato alias, got %q %v", got, ok)
	}
	if _, ok := ParseProviderID("fedex"); ok {
		t.Fatalf("expected unknown provider rejected")
	}
}

func TestCustomerFirstLast(t *testing.T) {
	first, last := Customer{Name: "Ada King Lovelace"}.FirstLast()
	if first != "Ada King" || last != "Lovelace" {
		t.Fatalf("unexpected split %q %q", first, last)
	}
	first, last = Customer{Name: "Cher"}.FirstLast()
	if first != "Cher" || last != "" {
		t.Fatalf("unexpected single name split %q %q", first, last)
	}
}

func TestFormatMinorUnits(t *testing.T) {
	if got := FormatMinorUnits(6500, "gbp"); got != "65.00 GBP" {
		t.Fatalf("unexpected GBP format %q", got)
	}
	if got := FormatMinorUnits(1500, "JPY"); got != "1500 JPY" {
		t.Fatalf("unexpected JPY format %q", got)
	}
}
