// Package authority implements the signed, expiring authority objects that
// providers and payees publish, the background manager that regenerates this
// node's own objects, and the fetcher that retrieves remote ones.
package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/models"
)

// VerifiedProviderAuthority couples a decoded ProviderAuthority with its
// checked signature; Raw preserves the exact canonical bytes fetched.
type VerifiedProviderAuthority struct {
	ProviderAuthority models.ProviderAuthority
	Signature         *envelope.Verified
	Raw               json.RawMessage
}

// VerifiedPayeeAuthority couples a decoded PayeeAuthority with the key that
// attested it.
type VerifiedPayeeAuthority struct {
	PayeeAuthority models.PayeeAuthority
	// AttestationKey is the PKIX form of the key that signed this object;
	// it must match the provider (or hosting provider) identity key.
	AttestationKey string
	Raw            json.RawMessage
}

// DecodeProviderAuthority verifies and validates a fetched ProviderAuthority.
// expectedURL is the URL the object was fetched from; a mismatch means the
// object was served under the wrong identity.
func DecodeProviderAuthority(raw json.RawMessage, expectedURL string, now time.Time) (*VerifiedProviderAuthority, error) {
	verified, err := envelope.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("provider authority: %w", err)
	}
	if verified.Algorithm != envelope.AlgECDSAP256 {
		return nil, errors.New("provider authority must carry a certificate signature")
	}
	var pa models.ProviderAuthority
	if err := models.StrictDecode(raw, &pa); err != nil {
		return nil, fmt.Errorf("provider authority: %w", err)
	}
	if pa.Message != models.MsgProviderAuthority {
		return nil, fmt.Errorf("unexpected message %q", pa.Message)
	}
	if expectedURL != "" && pa.AuthorityURL != expectedURL {
		return nil, fmt.Errorf("authorityUrl mismatch, read=%s expected=%s", pa.AuthorityURL, expectedURL)
	}
	if pa.AuthorizationURL == "" && pa.TransactionURL == "" {
		return nil, errors.New("at least one of authorizationUrl and transactionUrl must be defined")
	}
	if len(pa.EncryptionParameters) == 0 {
		return nil, errors.New("missing encryptionParameters")
	}
	if err := checkValidity(pa.TimeStamp, pa.Expires, now); err != nil {
		return nil, fmt.Errorf("provider authority: %w", err)
	}
	return &VerifiedProviderAuthority{ProviderAuthority: pa, Signature: verified, Raw: raw}, nil
}

// DecodePayeeAuthority verifies and validates a fetched PayeeAuthority.
func DecodePayeeAuthority(raw json.RawMessage, expectedURL string, now time.Time) (*VerifiedPayeeAuthority, error) {
	verified, err := envelope.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("payee authority: %w", err)
	}
	if verified.Algorithm != envelope.AlgEd25519 {
		return nil, errors.New("payee authority must carry an attestation key signature")
	}
	var pa models.PayeeAuthority
	if err := models.StrictDecode(raw, &pa); err != nil {
		return nil, fmt.Errorf("payee authority: %w", err)
	}
	if pa.Message != models.MsgPayeeAuthority {
		return nil, fmt.Errorf("unexpected message %q", pa.Message)
	}
	if expectedURL != "" && pa.AuthorityURL != expectedURL {
		return nil, fmt.Errorf("authorityUrl mismatch, read=%s expected=%s", pa.AuthorityURL, expectedURL)
	}
	if pa.ProviderAuthorityURL == "" {
		return nil, errors.New("missing providerAuthorityUrl")
	}
	if pa.PayeeCoreProperties.PayeeID == "" || pa.PayeeCoreProperties.PublicKey == "" {
		return nil, errors.New("incomplete payeeCoreProperties")
	}
	if err := checkValidity(pa.TimeStamp, pa.Expires, now); err != nil {
		return nil, fmt.Errorf("payee authority: %w", err)
	}
	return &VerifiedPayeeAuthority{PayeeAuthority: pa, AttestationKey: verified.PublicKeyB64, Raw: raw}, nil
}

func checkValidity(timeStamp, expires string, now time.Time) error {
	if _, err := models.ParseTime(timeStamp); err != nil {
		return fmt.Errorf("invalid timeStamp: %w", err)
	}
	exp, err := models.ParseTime(expires)
	if err != nil {
		return fmt.Errorf("invalid expires: %w", err)
	}
	if now.After(exp) {
		return fmt.Errorf("expired at %s", expires)
	}
	return nil
}
