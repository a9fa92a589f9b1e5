package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit; the processor reports their
// amounts in whole units.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {},
	"mga": {}, "pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {},
	"xof": {}, "xpf": {},
}

// CurrencyExponent returns how many decimal places the minor unit of a
// currency represents.
func CurrencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ToMinorUnits converts a decimal amount into the currency's minor unit,
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits converts a minor-unit amount back into a decimal.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}

// FormatAmount renders a minor-unit amount with its fixed number of decimals.
func FormatAmount(minor int64, currency string) string {
	exp := CurrencyExponent(currency)
	return FromMinorUnits(minor, currency).StringFixed(exp)
}
