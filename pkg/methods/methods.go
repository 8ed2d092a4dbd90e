// Package methods defines the payment-method registry. Each method owns its
// own request-data and account-data shapes; the verification pipeline only
// needs the registry mapping method URI to the right codec.
package methods

import (
	"encoding/json"
	"fmt"

	"github.com/donnacn/saturn/pkg/models"
)

// Built-in payment method URIs.
const (
	MethodBankDirect = "https://bankdirect.net/method/v1"
	MethodOmniCard   = "https://omnicard.net/method/v1"
)

// Method describes one recognized payment method. CardPayment selects the
// acquirer trust root and reservation semantics.
type Method struct {
	URI         string
	CardPayment bool
}

// Registry is the configured set of payment methods a provider understands.
type Registry struct {
	methods map[string]Method
}

func NewRegistry(ms ...Method) *Registry {
	r := &Registry{methods: map[string]Method{}}
	for _, m := range ms {
		r.methods[m.URI] = m
	}
	return r
}

// Defaults returns the registry with both built-in methods.
func Defaults() *Registry {
	return NewRegistry(
		Method{URI: MethodBankDirect},
		Method{URI: MethodOmniCard, CardPayment: true},
	)
}

func (r *Registry) Lookup(uri string) (Method, bool) {
	m, ok := r.methods[uri]
	return m, ok
}

// RequestData is the method-specific part of an authorization request.
type RequestData interface {
	// AccountHash returns the claimed payee account hash (base64), or ""
	// when the method does not claim one.
	AccountHash() string
	// LogLine is a short server-side description of the method data.
	LogLine() string
}

// BankDirectRequestData identifies the payee's receiving account.
type BankDirectRequestData struct {
	PayeeIBAN        string `json:"payeeIban"`
	PayeeAccountHash string `json:"accountHash,omitempty"`
}

func (d BankDirectRequestData) AccountHash() string { return d.PayeeAccountHash }
func (d BankDirectRequestData) LogLine() string     { return "bankdirect iban=" + d.PayeeIBAN }

// OmniCardRequestData carries the card-network routing hint.
type OmniCardRequestData struct {
	AcquirerAuthorityURL string `json:"acquirerAuthorityUrl"`
	PayeeAccountHash     string `json:"accountHash,omitempty"`
}

func (d OmniCardRequestData) AccountHash() string { return d.PayeeAccountHash }
func (d OmniCardRequestData) LogLine() string     { return "omnicard acquirer=" + d.AcquirerAuthorityURL }

// DecodeRequestData parses the method-specific request blob for a method.
// An absent blob is allowed and yields nil.
func DecodeRequestData(m Method, raw json.RawMessage) (RequestData, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch m.URI {
	case MethodBankDirect:
		var d BankDirectRequestData
		if err := models.StrictDecode(raw, &d); err != nil {
			return nil, fmt.Errorf("bankdirect request data: %w", err)
		}
		return d, nil
	case MethodOmniCard:
		var d OmniCardRequestData
		if err := models.StrictDecode(raw, &d); err != nil {
			return nil, fmt.Errorf("omnicard request data: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("no request data codec for method %q", m.URI)
	}
}

// AccountData is the method-specific settlement payload embedded (encrypted)
// in an authorization response.
type AccountData interface {
	Context() string
}

// BankDirectAccountData carries the payer-side IBAN for account-to-account
// settlement.
type BankDirectAccountData struct {
	IBAN string `json:"iban"`
}

func (BankDirectAccountData) Context() string { return MethodBankDirect }

// OmniCardAccountData carries the card credentials for network settlement.
type OmniCardAccountData struct {
	CardNumber   string `json:"cardNumber"`
	CardHolder   string `json:"cardHolder"`
	Expires      string `json:"expires"`
	SecurityCode string `json:"securityCode"`
}

func (OmniCardAccountData) Context() string { return MethodOmniCard }

type taggedAccountData struct {
	Context string          `json:"context"`
	Data    json.RawMessage `json:"data"`
}

// EncodeAccountData wraps method account data in its context tag.
func EncodeAccountData(d AccountData) (json.RawMessage, error) {
	inner, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedAccountData{Context: d.Context(), Data: inner})
}

// DecodeAccountData is the inverse of EncodeAccountData; the context tag
// selects the variant.
func DecodeAccountData(raw json.RawMessage) (AccountData, error) {
	var tagged taggedAccountData
	if err := models.StrictDecode(raw, &tagged); err != nil {
		return nil, fmt.Errorf("account data: %w", err)
	}
	switch tagged.Context {
	case MethodBankDirect:
		var d BankDirectAccountData
		if err := models.StrictDecode(tagged.Data, &d); err != nil {
			return nil, fmt.Errorf("bankdirect account data: %w", err)
		}
		return d, nil
	case MethodOmniCard:
		var d OmniCardAccountData
		if err := models.StrictDecode(tagged.Data, &d); err != nil {
			return nil, fmt.Errorf("omnicard account data: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown account data context %q", tagged.Context)
	}
}
