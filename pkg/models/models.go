package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Message identifiers carried in the "message" member of every signed document.
const (
	MsgProviderAuthority     = "ProviderAuthority"
	MsgPayeeAuthority        = "PayeeAuthority"
	MsgAuthorizationRequest  = "AuthorizationRequest"
	MsgAuthorizationResponse = "AuthorizationResponse"
	MsgPaymentRequest        = "PaymentRequest"
	MsgAuthorizationData     = "AuthorizationData"
	MsgCardPaymentRequest    = "CardPaymentRequest"
	MsgCardPaymentResponse   = "CardPaymentResponse"
)

// Signature is the detached signature member of a canonical signed document.
// Exactly one of PublicKey and CertificatePath is present.
type Signature struct {
	Algorithm       string   `json:"algorithm"`
	PublicKey       string   `json:"publicKey,omitempty"`
	CertificatePath []string `json:"certificatePath,omitempty"`
	Value           string   `json:"value"`
}

// EncryptionParameter advertises how a party wants payloads encrypted to it.
type EncryptionParameter struct {
	DataEncryptionAlgorithm string `json:"dataEncryptionAlgorithm"`
	KeyEncryptionAlgorithm  string `json:"keyEncryptionAlgorithm"`
	PublicKey               string `json:"publicKey"`
}

// HostingProvider delegates payee attestation to a separate key when the
// provider does not certify each payee directly.
type HostingProvider struct {
	HomePage  string `json:"homePage,omitempty"`
	PublicKey string `json:"publicKey"`
}

type ProviderAuthority struct {
	Message              string                `json:"message"`
	AuthorityURL         string                `json:"authorityUrl"`
	HomePage             string                `json:"homePage,omitempty"`
	AuthorizationURL     string                `json:"authorizationUrl,omitempty"`
	TransactionURL       string                `json:"transactionUrl,omitempty"`
	AcceptedAccountTypes []string              `json:"acceptedAccountTypes,omitempty"`
	EncryptionParameters []EncryptionParameter `json:"encryptionParameters"`
	HostingProvider      *HostingProvider      `json:"hostingProvider,omitempty"`
	TimeStamp            string                `json:"timeStamp"`
	Expires              string                `json:"expires"`
	Signature            *Signature            `json:"signature,omitempty"`
}

// PayeeCoreProperties binds a payee identity to its signature key and,
// optionally, to the set of account hashes it may claim.
type PayeeCoreProperties struct {
	PayeeID       string   `json:"payeeId"`
	CommonName    string   `json:"commonName"`
	PublicKey     string   `json:"publicKey"`
	AccountHashes []string `json:"accountHashes,omitempty"`
}

type PayeeAuthority struct {
	Message              string              `json:"message"`
	AuthorityURL         string              `json:"authorityUrl"`
	ProviderAuthorityURL string              `json:"providerAuthorityUrl"`
	PayeeCoreProperties  PayeeCoreProperties `json:"payeeCoreProperties"`
	TimeStamp            string              `json:"timeStamp"`
	Expires              string              `json:"expires"`
	Signature            *Signature          `json:"signature,omitempty"`
}

type Payee struct {
	ID         string `json:"id"`
	CommonName string `json:"commonName"`
}

// PaymentRequest is created and signed by the payee; amounts are decimal
// strings, never JSON numbers.
type PaymentRequest struct {
	Message          string     `json:"message"`
	Payee            Payee      `json:"payee"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	NonDirectPayment string     `json:"nonDirectPayment,omitempty"`
	ReferenceID      string     `json:"referenceId"`
	TimeStamp        string     `json:"timeStamp"`
	Expires          string     `json:"expires"`
	Signature        *Signature `json:"signature,omitempty"`
}

// EncryptedData is an ECDH-ES + AES-GCM container; the GCM tag is appended to
// the ciphertext.
type EncryptedData struct {
	DataEncryptionAlgorithm string `json:"dataEncryptionAlgorithm"`
	KeyEncryptionAlgorithm  string `json:"keyEncryptionAlgorithm"`
	EphemeralKey            string `json:"ephemeralKey"`
	IV                      string `json:"iv"`
	CipherText              string `json:"cipherText"`
}

type AuthorizationRequest struct {
	Message                    string          `json:"message"`
	RecipientURL               string          `json:"recipientUrl"`
	AuthorityURL               string          `json:"authorityUrl"`
	PaymentMethod              string          `json:"paymentMethod"`
	PaymentRequest             json.RawMessage `json:"paymentRequest"`
	PaymentMethodSpecific      json.RawMessage `json:"paymentMethodSpecific,omitempty"`
	EncryptedAuthorizationData *EncryptedData  `json:"encryptedAuthorizationData"`
	ClientIPAddress            string          `json:"clientIpAddress,omitempty"`
	TimeStamp                  string          `json:"timeStamp"`
	TestMode                   bool            `json:"testMode,omitempty"`
	Signature                  *Signature      `json:"signature,omitempty"`
}

type UserResponseItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RequestHash struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// AuthorizationData is produced and signed inside the payer's device; it
// reaches the provider only in encrypted form.
type AuthorizationData struct {
	Message           string             `json:"message"`
	AccountID         string             `json:"accountId"`
	PaymentMethod     string             `json:"paymentMethod"`
	RequestHash       RequestHash        `json:"requestHash"`
	PublicKey         string             `json:"publicKey"`
	TimeStamp         string             `json:"timeStamp"`
	UserResponseItems []UserResponseItem `json:"userResponseItems,omitempty"`
}

// UserChallengeItem asks the payer for one additional authentication factor.
type UserChallengeItem struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length,omitempty"`
	Label  string `json:"label,omitempty"`
}

const (
	ChallengeAlphanumeric       = "ALPHANUMERIC"
	ChallengeAlphanumericSecret = "ALPHANUMERIC_SECRET"
	ChallengeNumeric            = "NUMERIC"
)

// DeclineInfo is present on soft declines only: a business-level rejection
// that still yields a fully signed response.
type DeclineInfo struct {
	Text       string              `json:"text"`
	Challenges []UserChallengeItem `json:"challenges,omitempty"`
}

type AuthorizationResponse struct {
	Message              string              `json:"message"`
	RequestHash          RequestHash         `json:"requestHash"`
	AccountReference     string              `json:"accountReference,omitempty"`
	EncryptionParameters EncryptionParameter `json:"encryptionParameters"`
	ProtectedAccountData *EncryptedData      `json:"protectedAccountData,omitempty"`
	Decline              *DeclineInfo        `json:"decline,omitempty"`
	ReferenceID          string              `json:"referenceId"`
	LogData              string              `json:"logData,omitempty"`
	TimeStamp            string              `json:"timeStamp"`
	Signature            *Signature          `json:"signature,omitempty"`
}

// CardPaymentRequest is the payee-to-acquirer leg of a card payment: the
// bank-signed authorization response plus the amount actually captured.
type CardPaymentRequest struct {
	Message               string          `json:"message"`
	RecipientURL          string          `json:"recipientUrl"`
	PayeeAuthorityURL     string          `json:"authorityUrl"`
	AuthorizationResponse json.RawMessage `json:"authorizationResponse"`
	ActualAmount          string          `json:"actualAmount"`
	Currency              string          `json:"currency"`
	ReferenceID           string          `json:"referenceId"`
	TimeStamp             string          `json:"timeStamp"`
	TestMode              bool            `json:"testMode,omitempty"`
	Signature             *Signature      `json:"signature,omitempty"`
}

type CardPaymentResponse struct {
	Message     string      `json:"message"`
	RequestHash RequestHash `json:"requestHash"`
	ReferenceID string      `json:"referenceId"`
	TimeStamp   string      `json:"timeStamp"`
	Signature   *Signature  `json:"signature,omitempty"`
}

// ParseAmount turns a decimal-string amount into an exact rational.
func ParseAmount(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.ContainsAny(s, "eE+") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return r, nil
}

// ParseTime accepts the RFC 3339 timestamps used throughout the protocol.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// FormatTime renders protocol timestamps; always UTC, second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// MaskAccount replaces all but the last four characters of an account id.
func MaskAccount(accountID string) string {
	runes := []rune(accountID)
	masked := make([]rune, len(runes))
	for i, c := range runes {
		if i < len(runes)-4 {
			masked[i] = '*'
		} else {
			masked[i] = c
		}
	}
	return string(masked)
}

// StrictDecode unmarshals JSON rejecting unknown members.
func StrictDecode(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// trailing garbage after the document is also a schema violation
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}
