// Package ledger is the bank-side account store the verification pipeline
// consults: payer authentication and funds withdrawal/reservation.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// AuthStatus is the outcome of payer authentication against the ledger.
type AuthStatus int

const (
	AuthOK AuthStatus = iota
	AuthUnknownAccount
	AuthWrongMethod
	AuthWrongKey
)

func (s AuthStatus) String() string {
	switch s {
	case AuthOK:
		return "ok"
	case AuthUnknownAccount:
		return "unknown account"
	case AuthWrongMethod:
		return "payment method not enabled for account"
	case AuthWrongKey:
		return "authorization key not enrolled for account"
	default:
		return fmt.Sprintf("auth status %d", int(s))
	}
}

// WithdrawResult reports whether funds were taken (or reserved) and, when
// not, a human-readable reason suitable for a decline message.
type WithdrawResult struct {
	OK     bool
	Reason string
}

// ErrLedgerUnavailable wraps infrastructure failures so callers can
// distinguish them from authentication outcomes.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// Ledger authenticates payers and moves money. Amounts are exact decimal
// strings; the store does the arithmetic.
type Ledger interface {
	// AuthenticatePayer checks that the account exists, has the payment
	// method enabled, and has the given authorization key (SHA-256 of the
	// public key DER) enrolled.
	AuthenticatePayer(ctx context.Context, accountID, paymentMethod string, keyHash []byte) (AuthStatus, error)

	// Withdraw debits the account, or places a reservation when reserve is
	// set (card payments and deferred account payments settle later).
	Withdraw(ctx context.Context, accountID, amount, currency string, reserve bool, referenceID string) (*WithdrawResult, error)
}
