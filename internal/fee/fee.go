// Package fee computes the service fee and net destination amount for a
// confirmed deposit. It is a pure function of the persisted inputs: given the
// same fiat amount, locked rate and referral flag, recomputation yields an
// identical breakdown, which keeps completed transactions auditable.
package fee

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveRate = errors.New("rate must be positive")
	ErrAmountTooSmall  = errors.New("amount does not cover the fee")
)

// Fee schedule, in fiat cents and basis points. Deposits under R$55 pay a
// flat R$2; above that the percentage tiers apply.
const (
	flatFeeThresholdCents = 55 * 100
	flatFeeCents          = 2 * 100

	tierMidThresholdCents  = 500 * 100
	tierHighThresholdCents = 5000 * 100

	tierLowBps  = 350
	tierMidBps  = 325
	tierHighBps = 275

	// Referred users get 50 bps off the fee, and the referrer is paid the
	// same 50 bps as a bonus output in the settlement transaction.
	referralBps = 50
)

type Breakdown struct {
	// GrossAmount is the full fiat value converted at the locked rate,
	// truncated to asset base units.
	GrossAmount int64
	// FeeAmount is the service fee in asset base units.
	FeeAmount int64
	// ReferralBonus is the referrer payout in asset base units, zero when
	// the user has no referrer.
	ReferralBonus int64
	// DestinationAmount is what the user receives. It always satisfies
	// DestinationAmount + FeeAmount + ReferralBonus <= GrossAmount.
	DestinationAmount int64
}

// Quote converts fiatCents at rate (fiat cents per whole asset unit) into
// asset base units with the given decimal precision. Every division
// truncates: the custodial wallet must never pay out more than the fiat
// received converts to.
func Quote(fiatCents int64, rate decimal.Decimal, precision int32, hasReferral bool) (Breakdown, error) {
	if !rate.IsPositive() {
		return Breakdown{}, ErrNonPositiveRate
	}

	gross := toAsset(decimal.NewFromInt(fiatCents), rate, precision)

	var feeCents decimal.Decimal
	switch {
	case fiatCents < flatFeeThresholdCents:
		feeCents = decimal.NewFromInt(flatFeeCents)
	case fiatCents < tierMidThresholdCents:
		feeCents = bpsOf(fiatCents, tierLowBps)
	case fiatCents < tierHighThresholdCents:
		feeCents = bpsOf(fiatCents, tierMidBps)
	default:
		feeCents = bpsOf(fiatCents, tierHighBps)
	}

	var bonus int64
	if hasReferral {
		feeCents = feeCents.Sub(bpsOf(fiatCents, referralBps))
		bonus = toAsset(bpsOf(fiatCents, referralBps), rate, precision)
	}

	feeAmount := toAsset(feeCents, rate, precision)
	dest := gross - feeAmount - bonus
	if dest <= 0 {
		return Breakdown{}, ErrAmountTooSmall
	}

	return Breakdown{
		GrossAmount:       gross,
		FeeAmount:         feeAmount,
		ReferralBonus:     bonus,
		DestinationAmount: dest,
	}, nil
}

// toAsset converts a fiat cent amount into asset base units at rate,
// truncating toward zero.
func toAsset(cents decimal.Decimal, rate decimal.Decimal, precision int32) int64 {
	q, _ := cents.Shift(precision).QuoRem(rate, 0)
	return q.IntPart()
}

func bpsOf(cents int64, bps int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
}
