package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// dbQuerier is the subset of pgxpool.Pool the ledger needs; tests supply a
// fake.
type dbQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger talks to the account database through SQL functions so the
// balance arithmetic and row locking stay server-side.
type PostgresLedger struct {
	DB dbQuerier
}

func NewPostgresLedger(db dbQuerier) *PostgresLedger {
	return &PostgresLedger{DB: db}
}

// authenticate_payer return codes.
const (
	dbAuthOK             = 0
	dbAuthUnknownAccount = 1
	dbAuthWrongMethod    = 2
	dbAuthWrongKey       = 3
)

// withdraw_funds return codes.
const (
	dbWithdrawOK             = 0
	dbWithdrawOutOfFunds     = 1
	dbWithdrawUnknownAccount = 2
)

func (l *PostgresLedger) AuthenticatePayer(ctx context.Context, accountID, paymentMethod string, keyHash []byte) (AuthStatus, error) {
	var code int
	err := l.DB.QueryRow(ctx,
		`SELECT authenticate_payer($1, $2, $3)`,
		accountID, paymentMethod, keyHash,
	).Scan(&code)
	if err != nil {
		return 0, fmt.Errorf("%w: authenticate_payer: %v", ErrLedgerUnavailable, err)
	}
	switch code {
	case dbAuthOK:
		return AuthOK, nil
	case dbAuthUnknownAccount:
		return AuthUnknownAccount, nil
	case dbAuthWrongMethod:
		return AuthWrongMethod, nil
	case dbAuthWrongKey:
		return AuthWrongKey, nil
	default:
		return 0, fmt.Errorf("%w: authenticate_payer returned %d", ErrLedgerUnavailable, code)
	}
}

func (l *PostgresLedger) Withdraw(ctx context.Context, accountID, amount, currency string, reserve bool, referenceID string) (*WithdrawResult, error) {
	var code int
	err := l.DB.QueryRow(ctx,
		`SELECT withdraw_funds($1, $2, $3, $4, $5)`,
		accountID, amount, currency, reserve, referenceID,
	).Scan(&code)
	if err != nil {
		return nil, fmt.Errorf("%w: withdraw_funds: %v", ErrLedgerUnavailable, err)
	}
	switch code {
	case dbWithdrawOK:
		return &WithdrawResult{OK: true}, nil
	case dbWithdrawOutOfFunds:
		return &WithdrawResult{Reason: "insufficient funds"}, nil
	case dbWithdrawUnknownAccount:
		return &WithdrawResult{Reason: "unknown account"}, nil
	default:
		return nil, fmt.Errorf("%w: withdraw_funds returned %d", ErrLedgerUnavailable, code)
	}
}
