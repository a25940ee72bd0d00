// Package money provides the fixed-precision decimal arithmetic shared by the
// stock ledger, reconciliation and variance packages.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is a currency amount kept at full precision.
type Money = decimal.Decimal

// Quantity is an on-hand or moved quantity kept at full precision.
type Quantity = decimal.Decimal

const (
	// QuantityPlaces is the storage scale for quantities.
	QuantityPlaces int32 = 4
	// DisplayPlaces is the scale used for values handed to reports and UI.
	DisplayPlaces int32 = 2
)

// ErrZeroDenominator is returned when a blend would divide by zero.
var ErrZeroDenominator = errors.New("money: zero denominator")

// Zero returns a zero amount.
func Zero() Money {
	return decimal.Zero
}

// Parse reads a decimal string such as "13.875".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d, nil
}

// Must parses s and panics on error. Use only for constants and tests.
func Must(s string) Money {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt converts an integer amount.
func FromInt(v int64) Money {
	return decimal.NewFromInt(v)
}

// Value returns quantity x unit cost rounded to display scale. Every value
// aggregated into reconciliation passes through here.
func Value(qty Quantity, unitCost Money) Money {
	return qty.Mul(unitCost).Round(DisplayPlaces)
}

// BlendWAC computes the weighted average cost after adding qty units at price
// to onHand units carried at wac.
func BlendWAC(onHand Quantity, wac Money, qty Quantity, price Money) (Money, error) {
	total := onHand.Add(qty)
	if !total.IsPositive() {
		return decimal.Zero, ErrZeroDenominator
	}
	if onHand.IsZero() {
		return price, nil
	}
	return onHand.Mul(wac).Add(qty.Mul(price)).Div(total), nil
}

// RoundDisplay rounds half away from zero to two places.
func RoundDisplay(m Money) Money {
	return m.Round(DisplayPlaces)
}

// Formatter renders amounts for people, e.g. "SAR 125,000.00".
type Formatter struct {
	unit    currency.Unit
	printer *message.Printer
}

// NewFormatter builds a Formatter for the ISO currency code.
func NewFormatter(code string) (*Formatter, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("money: currency %q: %w", code, err)
	}
	return &Formatter{unit: unit, printer: message.NewPrinter(language.English)}, nil
}

// Format rounds to display scale and prefixes the currency code.
func (f *Formatter) Format(m Money) string {
	rounded := RoundDisplay(m)
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Neg()
	}
	whole := rounded.Truncate(0)
	frac := rounded.Sub(whole).StringFixed(DisplayPlaces)
	frac = strings.TrimPrefix(frac, "0")
	return fmt.Sprintf("%s %s%s%s", f.unit.String(), sign, f.printer.Sprintf("%d", whole.IntPart()), frac)
}

// Currency returns the ISO code of the formatter.
func (f *Formatter) Currency() string {
	return f.unit.String()
}
