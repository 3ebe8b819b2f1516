package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotexchange/internal/models"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		maxDigits   int
		expectError bool
	}{
		{name: "Integer", value: "50000", maxDigits: MaxPriceDigits, expectError: false},
		{name: "EightPlaces", value: "0.00000001", maxDigits: MaxAmountDigits, expectError: false},
		{name: "NinePlaces", value: "0.000000001", maxDigits: MaxAmountDigits, expectError: true},
		{name: "TrailingZeros", value: "1.000000000000", maxDigits: MaxAmountDigits, expectError: false},
		{name: "Zero", value: "0", maxDigits: MaxPriceDigits, expectError: true},
		{name: "Negative", value: "-1", maxDigits: MaxPriceDigits, expectError: true},
		{name: "LargestPrice", value: "999999999999.99999999", maxDigits: MaxPriceDigits, expectError: false},
		{name: "PriceTooLarge", value: "1000000000000", maxDigits: MaxPriceDigits, expectError: true},
		{name: "LargestAmount", value: "9999999999", maxDigits: MaxAmountDigits, expectError: false},
		{name: "AmountTooLarge", value: "10000000000", maxDigits: MaxAmountDigits, expectError: true},
		{name: "ExponentForm", value: "1e5", maxDigits: MaxPriceDigits, expectError: false},
		{name: "HugeExponent", value: "1e40000000", maxDigits: MaxPriceDigits, expectError: true},
		{name: "TinyExponent", value: "1e-40000000", maxDigits: MaxPriceDigits, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(MustParse(tt.value), tt.maxDigits)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMul_TruncatesToScale(t *testing.T) {
	got := Mul(MustParse("0.12345678"), MustParse("0.015"))
	assert.Equal(t, "0.00185185", Format(got))

	got = Mul(MustParse("1"), MustParse("0.015"))
	assert.Equal(t, "0.01500000", Format(got))
}

func TestReleaseFunds_RefusesNegative(t *testing.T) {
	u := &models.User{ID: 1, Balance: MustParse("100"), LockedBalance: MustParse("10")}

	err := ReleaseFunds(u, MustParse("10.00000001"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariant))
	assert.True(t, u.LockedBalance.Equal(MustParse("10")), "locked balance must be untouched on failure")

	require.NoError(t, ReleaseFunds(u, MustParse("10")))
	assert.True(t, u.LockedBalance.IsZero())
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	u := &models.User{ID: 1, Balance: MustParse("1000"), LockedBalance: MustParse("0.1")}
	a := &models.Asset{UserID: 1, SymbolID: 1, Amount: MustParse("3"), LockedAmount: MustParse("0.3")}

	amounts := []string{"0.1", "0.2", "0.00000001", "333.33333333"}
	for _, s := range amounts {
		require.NoError(t, ReserveFunds(u, MustParse(s)))
	}
	for _, s := range amounts {
		require.NoError(t, ReleaseFunds(u, MustParse(s)))
	}
	assert.Equal(t, "0.10000000", Format(u.LockedBalance))

	require.NoError(t, ReserveAsset(a, MustParse("1.23456789")))
	require.NoError(t, ReleaseAsset(a, MustParse("1.23456789")))
	assert.Equal(t, "0.30000000", Format(a.LockedAmount))
}

func TestReleaseAsset_RefusesNegative(t *testing.T) {
	a := &models.Asset{UserID: 1, SymbolID: 1, Amount: MustParse("1"), LockedAmount: decimal.Zero}
	assert.ErrorIs(t, ReleaseAsset(a, MustParse("1")), ErrInvariant)
}

func TestTransfer(t *testing.T) {
	from := MustParse("100")
	to := MustParse("5")

	require.NoError(t, Transfer(&from, &to, MustParse("40.5")))
	assert.Equal(t, "59.50000000", Format(from))
	assert.Equal(t, "45.50000000", Format(to))

	err := Transfer(&from, &to, MustParse("60"))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, "59.50000000", Format(from))
	assert.Equal(t, "45.50000000", Format(to))
}

func TestCheckUserAndAsset(t *testing.T) {
	assert.NoError(t, CheckUser(&models.User{Balance: MustParse("10"), LockedBalance: MustParse("10")}))
	assert.ErrorIs(t, CheckUser(&models.User{Balance: MustParse("10"), LockedBalance: MustParse("10.1")}), ErrInvariant)
	assert.ErrorIs(t, CheckUser(&models.User{Balance: MustParse("10"), LockedBalance: MustParse("-1")}), ErrInvariant)

	assert.NoError(t, CheckAsset(&models.Asset{Amount: MustParse("1"), LockedAmount: decimal.Zero}))
	assert.ErrorIs(t, CheckAsset(&models.Asset{Amount: MustParse("1"), LockedAmount: MustParse("2")}), ErrInvariant)
}
