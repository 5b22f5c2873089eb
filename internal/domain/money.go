package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const idempotencyKeyLength = 32

var (
	// ErrUnknownCurrency is returned for codes that are not ISO 4217 currencies.
	ErrUnknownCurrency = errors.New("domain: unknown currency")
	// ErrAmountPrecision is returned when an amount has more decimals than the currency allows.
	ErrAmountPrecision = errors.New("domain: amount exceeds currency precision")
)

// ParseCurrency validates an ISO 4217 code and returns its upper-case form.
func ParseCurrency(code string) (currency.Unit, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return currency.Unit{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit, nil
}

// MinorUnits converts a decimal amount into the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, code string) (int64, error) {
	unit, err := ParseCurrency(code)
	if err != nil {
		return 0, err
	}
	scale, _ := currency.Standard.Rounding(unit)
	shifted := amount.Shift(int32(scale))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrAmountPrecision, amount.String(), unit.String())
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts a minor-unit amount back into a decimal.
func FromMinorUnits(amount int64, code string) decimal.Decimal {
	return decimal.New(amount, int32(-currencyScale(code)))
}

// FormatMinorUnits renders a minor-unit amount with the currency's fixed decimals, e.g. "65.00 GBP".
func FormatMinorUnits(amount int64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return FromMinorUnits(amount, code).StringFixed(int32(currencyScale(code))) + " " + code
}

func currencyScale(code string) int {
	unit, err := ParseCurrency(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// IdempotencyKey derives the provider-facing reference for an item in a session.
func IdempotencyKey(sessionID, itemKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sessionID) + ":" + strings.TrimSpace(itemKey)))
	return hex.EncodeToString(sum[:])[:idempotencyKeyLength]
}
