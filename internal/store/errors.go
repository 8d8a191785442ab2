package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrReferralCodeNotFound = errors.New("referral code not found")
	ErrReferralCodeTaken    = errors.New("referral code taken")
	ErrDepositBusy          = errors.New("deposit already has an in-flight transaction")
	ErrFirstDepositCap      = errors.New("first deposit exceeds cap")
	ErrDailyCap             = errors.New("daily deposit cap exceeded")
)

// StateConflictError reports an Advance whose expected prior state did not
// match the stored one. Current carries what the row actually held.
type StateConflictError struct {
	TransactionID string
	Expected      State
	Current       State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("transaction %s: expected state %s, found %s", e.TransactionID, e.Expected, e.Current)
}
