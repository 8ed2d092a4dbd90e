// Package audit persists one record per authorization decision. The record
// keeps the raw signed request and response so any decision can be
// re-verified later; payer account ids are stored hashed.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

type Record struct {
	ReferenceID   string
	PayeeID       string
	PaymentMethod string
	AccountIDHash string
	Amount        string
	Currency      string
	Outcome       string
	Reason        string
	TestMode      bool
	RequestRaw    json.RawMessage
	ResponseRaw   json.RawMessage
	CreatedAt     time.Time
}

// HashAccountID derives the stored form of a payer account id.
func (w *Writer) HashAccountID(accountID string) string {
	h := sha256.New()
	h.Write(w.HashSalt)
	h.Write([]byte(accountID))
	return hex.EncodeToString(h.Sum(nil))
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO authorization_records
		(reference_id, payee_id, payment_method, account_id_hash, amount, currency, outcome, reason, test_mode, request_raw, response_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ReferenceID, rec.PayeeID, rec.PaymentMethod, rec.AccountIDHash, rec.Amount, rec.Currency, rec.Outcome, rec.Reason, rec.TestMode, rec.RequestRaw, rec.ResponseRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, referenceID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT reference_id, payee_id, payment_method, account_id_hash, amount, currency, outcome, reason, test_mode, request_raw, response_raw, created_at
		FROM authorization_records WHERE reference_id=$1
	`, referenceID)
	if err := row.Scan(&rec.ReferenceID, &rec.PayeeID, &rec.PaymentMethod, &rec.AccountIDHash, &rec.Amount, &rec.Currency, &rec.Outcome, &rec.Reason, &rec.TestMode, &rec.RequestRaw, &rec.ResponseRaw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
