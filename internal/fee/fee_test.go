package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestQuoteFlatFeeUnderThreshold(t *testing.T) {
	// R$50 at R$1.00 per whole unit, 8 decimals. Flat R$2 fee applies.
	b, err := Quote(5000, decimal.NewFromInt(100), 8, false)
	require.NoError(t, err)

	require.Equal(t, int64(5_000_000_000), b.GrossAmount)
	require.Equal(t, int64(200_000_000), b.FeeAmount)
	require.Equal(t, b.GrossAmount-b.FeeAmount, b.DestinationAmount)
	require.Zero(t, b.ReferralBonus)
}

func TestQuotePercentageTiers(t *testing.T) {
	rate := decimal.NewFromInt(100)

	cases := []struct {
		name      string
		fiatCents int64
		wantBps   int64
	}{
		{"low tier", 10000, 350},
		{"mid tier", 100000, 325},
		{"high tier", 600000, 275},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Quote(tc.fiatCents, rate, 8, false)
			require.NoError(t, err)

			wantFeeCents := decimal.NewFromInt(tc.fiatCents).
				Mul(decimal.NewFromInt(tc.wantBps)).
				Div(decimal.NewFromInt(10000))
			wantFee, _ := wantFeeCents.Shift(8).QuoRem(rate, 0)
			require.Equal(t, wantFee.IntPart(), b.FeeAmount)
			require.Equal(t, b.GrossAmount-b.FeeAmount, b.DestinationAmount)
		})
	}
}

func TestQuoteTierBoundaries(t *testing.T) {
	rate := decimal.NewFromInt(100)

	under, err := Quote(5499, rate, 8, false)
	require.NoError(t, err)
	at, err := Quote(5500, rate, 8, false)
	require.NoError(t, err)

	// Below R$55 the flat R$2 applies; at R$55 the 350 bps tier takes over
	// and the fee drops.
	require.Equal(t, int64(200_000_000), under.FeeAmount)
	require.Less(t, at.FeeAmount, under.FeeAmount)
}

func TestQuoteReferralSplitsFee(t *testing.T) {
	rate := decimal.NewFromInt(100)

	plain, err := Quote(10000, rate, 8, false)
	require.NoError(t, err)
	referred, err := Quote(10000, rate, 8, true)
	require.NoError(t, err)

	// 50 bps comes off the user's fee and the same 50 bps goes to the
	// referrer, so the user nets more while the pool never over-pays.
	require.Less(t, referred.FeeAmount, plain.FeeAmount)
	require.Positive(t, referred.ReferralBonus)
	require.Greater(t, referred.DestinationAmount, plain.DestinationAmount)
	require.LessOrEqual(t,
		referred.DestinationAmount+referred.FeeAmount+referred.ReferralBonus,
		referred.GrossAmount)
}

func TestQuoteTruncatesTowardZero(t *testing.T) {
	// A rate that does not divide evenly forces truncation on every leg.
	rate := decimal.NewFromInt(7)

	b, err := Quote(10001, rate, 8, true)
	require.NoError(t, err)
	require.LessOrEqual(t, b.DestinationAmount+b.FeeAmount+b.ReferralBonus, b.GrossAmount)

	// Recomputing with the same inputs yields an identical breakdown.
	again, err := Quote(10001, rate, 8, true)
	require.NoError(t, err)
	require.Equal(t, b, again)
}

func TestQuoteInvalidInputs(t *testing.T) {
	_, err := Quote(10000, decimal.Zero, 8, false)
	require.ErrorIs(t, err, ErrNonPositiveRate)

	_, err = Quote(10000, decimal.NewFromInt(-5), 8, false)
	require.ErrorIs(t, err, ErrNonPositiveRate)

	// A deposit smaller than the flat fee cannot net anything.
	_, err = Quote(150, decimal.NewFromInt(100), 8, false)
	require.ErrorIs(t, err, ErrAmountTooSmall)
}
