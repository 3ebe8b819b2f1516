// Package ledger holds the fixed-point arithmetic and the balance primitives
// used to reserve, release and move funds and assets.
//
// All quantities carry at most Scale fractional digits. Products are truncated
// to Scale, everything else is exact.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotexchange/internal/models"
)

// Scale is the number of fractional digits kept for prices, amounts and balances
const Scale = 8

var (
	// ErrInvariant marks an accounting inconsistency. It is never a client error.
	ErrInvariant = errors.New("accounting invariant violated")

	// ErrInvalidAmount is returned by Validate for non-positive, oversized or over-precise values
	ErrInvalidAmount = errors.New("invalid amount")
)

// Parse parses an exact decimal string
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Integer digits allowed by the storage columns: NUMERIC(20,8) for prices, NUMERIC(18,8) for amounts
const (
	MaxPriceDigits  = 12
	MaxAmountDigits = 10
)

// Validate checks that d is positive, representable at Scale and has at most
// maxDigits integer digits. Bounds are checked on the exponent before any
// arithmetic so exponent-form input like 1e40000000 is never expanded.
func Validate(d decimal.Decimal, maxDigits int) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	intDigits := d.NumDigits() + int(d.Exponent())
	if intDigits > maxDigits {
		return fmt.Errorf("%w: at most %d integer digits", ErrInvalidAmount, maxDigits)
	}
	// Below 10^-Scale: nonzero digits are certainly past the last kept place
	if intDigits <= -Scale {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, Scale)
	}
	if !d.Equal(d.Truncate(Scale)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, Scale)
	}
	return nil
}

// Mul returns a*b truncated to Scale
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Available is the part of total not held by reservations
func Available(total, locked decimal.Decimal) decimal.Decimal {
	return total.Sub(locked)
}

// Format renders d with exactly Scale fractional digits
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// ReserveFunds earmarks amount of the user's balance for an open buy order.
// The caller has already checked availability.
func ReserveFunds(u *models.User, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative reservation %s for user %d", ErrInvariant, amount, u.ID)
	}
	u.LockedBalance = u.LockedBalance.Add(amount)
	return nil
}

// ReleaseFunds returns a reservation made by ReserveFunds
func ReleaseFunds(u *models.User, amount decimal.Decimal) error {
	next := u.LockedBalance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: user %d locked balance %s cannot release %s",
			ErrInvariant, u.ID, u.LockedBalance, amount)
	}
	u.LockedBalance = next
	return nil
}

// ReserveAsset earmarks amount of a holding for an open sell order
func ReserveAsset(a *models.Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative reservation %s for asset %d/%d", ErrInvariant, amount, a.UserID, a.SymbolID)
	}
	a.LockedAmount = a.LockedAmount.Add(amount)
	return nil
}

// ReleaseAsset returns a reservation made by ReserveAsset
func ReleaseAsset(a *models.Asset, amount decimal.Decimal) error {
	next := a.LockedAmount.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: asset %d/%d locked amount %s cannot release %s",
			ErrInvariant, a.UserID, a.SymbolID, a.LockedAmount, amount)
	}
	a.LockedAmount = next
	return nil
}

// Debit subtracts amount from *bal, refusing to go below zero
func Debit(bal *decimal.Decimal, amount decimal.Decimal) error {
	next := bal.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s cannot cover %s", ErrInvariant, *bal, amount)
	}
	*bal = next
	return nil
}

// Credit adds amount to *bal
func Credit(bal *decimal.Decimal, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative credit %s", ErrInvariant, amount)
	}
	*bal = bal.Add(amount)
	return nil
}

// Transfer moves amount from one balance to another
func Transfer(from, to *decimal.Decimal, amount decimal.Decimal) error {
	if err := Debit(from, amount); err != nil {
		return err
	}
	return Credit(to, amount)
}

// CheckUser verifies 0 <= locked_balance <= balance
func CheckUser(u *models.User) error {
	if u.LockedBalance.IsNegative() || u.LockedBalance.GreaterThan(u.Balance) {
		return fmt.Errorf("%w: user %d balance=%s locked=%s", ErrInvariant, u.ID, u.Balance, u.LockedBalance)
	}
	return nil
}

// CheckAsset verifies 0 <= locked_amount <= amount
func CheckAsset(a *models.Asset) error {
	if a.LockedAmount.IsNegative() || a.LockedAmount.GreaterThan(a.Amount) {
		return fmt.Errorf("%w: asset %d/%d amount=%s locked=%s", ErrInvariant, a.UserID, a.SymbolID, a.Amount, a.LockedAmount)
	}
	return nil
}
