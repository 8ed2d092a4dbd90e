// Package authz implements the payment authorization pipeline: the ordered
// verification of an authorization request from envelope signature down to
// the ledger, ending in a signed response that either authorizes the payment
// or declines it.
package authz

import (
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/donnacn/saturn/pkg/authority"
	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/ledger"
	"github.com/donnacn/saturn/pkg/methods"
	"github.com/donnacn/saturn/pkg/models"
	"github.com/donnacn/saturn/pkg/trust"
)

// HashAlgSHA256 is the only request hash algorithm the protocol uses.
const HashAlgSHA256 = "sha256"

// Result is the outcome of a completed pipeline run: a fully signed response
// plus the facts the caller needs for auditing and eventing. A non-nil
// Decline means the run ended in a soft decline.
type Result struct {
	Response    json.RawMessage
	Decline     *models.DeclineInfo
	ReferenceID string

	PayeeID       string
	PaymentMethod string
	AccountID     string
	Amount        string
	Currency      string
	TestMode      bool
}

// Authorized reports whether the payment was approved.
func (r *Result) Authorized() bool { return r.Decline == nil }

// Outcome is the short audit/event tag for the run.
func (r *Result) Outcome() string {
	if r.Authorized() {
		return "AUTHORIZED"
	}
	return "DECLINED"
}

// Pipeline holds the collaborators and policy knobs of the verification
// flow. All fields are set once at startup; the pipeline itself is
// stateless and safe for concurrent use.
type Pipeline struct {
	// ServiceURL is the externally visible authorization endpoint; requests
	// addressed elsewhere are rejected before any network activity.
	ServiceURL string

	Methods  *methods.Registry
	Resolver *trust.Resolver
	Ledger   ledger.Ledger

	// DecryptionKeys opens encryptedAuthorizationData; multiple keys allow
	// key rollover.
	DecryptionKeys []*ecdh.PrivateKey

	// Signer signs authorization responses (certificate variant).
	Signer envelope.Signer

	// AccountData produces the method-specific settlement payload for an
	// authenticated account.
	AccountData func(ctx context.Context, accountID string, m methods.Method) (methods.AccountData, error)

	// MaxClockSkew bounds how far in the future an authorization timestamp
	// may sit; MaxAuthAge bounds how old it may be.
	MaxClockSkew time.Duration
	MaxAuthAge   time.Duration

	// StepUpThreshold triggers risk-based authentication for amounts at or
	// above it; nil disables step-up. StepUpName is the challenge item the
	// payer must answer and StepUpVerify checks the answer.
	StepUpThreshold *big.Rat
	StepUpName      string
	StepUpVerify    func(accountID, value string) bool

	Logger *log.Logger
	Now    func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Authorize runs the full verification flow over a raw authorization request.
// A (*Result, nil) return means a signed response exists, authorized or
// declined; a non-nil error is a hard failure with no response.
func (p *Pipeline) Authorize(ctx context.Context, raw json.RawMessage) (*Result, error) {
	// request envelope before anything else; nothing inside an unsigned
	// document is trusted
	reqSig, err := envelope.Verify(raw)
	if err != nil {
		return nil, trustErr("request signature", err)
	}
	if reqSig.Algorithm != envelope.AlgEd25519 {
		return nil, protocolErr("request must be signed with %s", envelope.AlgEd25519)
	}
	if err := models.ValidateNoFloatTokens(raw); err != nil {
		return nil, protocolErr("non-integer JSON number: %v", err)
	}
	var req models.AuthorizationRequest
	if err := models.StrictDecode(raw, &req); err != nil {
		return nil, protocolErr("malformed authorization request: %v", err)
	}
	if req.Message != models.MsgAuthorizationRequest {
		return nil, protocolErr("unexpected message %q", req.Message)
	}

	// recipient check precedes all network activity
	if req.RecipientURL != p.ServiceURL {
		return nil, protocolErr("request addressed to %q, this service is %q", req.RecipientURL, p.ServiceURL)
	}

	method, ok := p.Methods.Lookup(req.PaymentMethod)
	if !ok {
		return nil, protocolErr("unsupported payment method %q", req.PaymentMethod)
	}

	// embedded payment request carries its own payee signature
	prSig, err := envelope.Verify(req.PaymentRequest)
	if err != nil {
		return nil, trustErr("payment request signature", err)
	}
	var pr models.PaymentRequest
	if err := models.StrictDecode(req.PaymentRequest, &pr); err != nil {
		return nil, protocolErr("malformed payment request: %v", err)
	}
	if pr.Message != models.MsgPaymentRequest {
		return nil, protocolErr("unexpected payment request message %q", pr.Message)
	}
	amount, err := models.ParseAmount(pr.Amount)
	if err != nil {
		return nil, protocolErr("bad amount: %v", err)
	}
	now := p.now()
	if expires, err := models.ParseTime(pr.Expires); err != nil {
		return nil, protocolErr("bad payment request expiry: %v", err)
	} else if now.After(expires) {
		return nil, protocolErr("payment request expired at %s", pr.Expires)
	}

	payee, provider, err := p.Resolver.Resolve(ctx, req.AuthorityURL, method.CardPayment)
	if err != nil {
		return nil, trustErr("trust chain resolution", err)
	}

	// both signatures must come from the key the payee authority attests
	attested := payee.PayeeAuthority.PayeeCoreProperties.PublicKey
	if reqSig.PublicKeyB64 != attested {
		return nil, trustErr("request not signed with attested payee key", nil)
	}
	if prSig.PublicKeyB64 != attested {
		return nil, trustErr("payment request not signed with attested payee key", nil)
	}
	if pr.Payee.ID != payee.PayeeAuthority.PayeeCoreProperties.PayeeID {
		return nil, trustErr(fmt.Sprintf("payee id %q does not match authority %q",
			pr.Payee.ID, payee.PayeeAuthority.PayeeCoreProperties.PayeeID), nil)
	}

	methodData, err := methods.DecodeRequestData(method, req.PaymentMethodSpecific)
	if err != nil {
		return nil, protocolErr("method data: %v", err)
	}
	if err := checkAccountHash(payee, methodData); err != nil {
		return nil, err
	}

	authData, err := p.decryptAuthorizationData(req)
	if err != nil {
		return nil, err
	}
	if authData.PaymentMethod != req.PaymentMethod {
		return nil, protocolErr("authorization data method %q does not match request %q",
			authData.PaymentMethod, req.PaymentMethod)
	}
	if err := p.checkRequestHash(req.PaymentRequest, authData.RequestHash); err != nil {
		return nil, err
	}

	status, authFail := p.authenticatePayer(ctx, authData, req.PaymentMethod)
	if authFail != nil {
		return nil, authFail
	}
	if status != ledger.AuthOK {
		p.logf("authorize: payer authentication failed account=%s: %s", authData.AccountID, status)
		return nil, authErr(status.String())
	}

	res := &Result{
		ReferenceID:   uuid.NewString(),
		PayeeID:       pr.Payee.ID,
		PaymentMethod: req.PaymentMethod,
		AccountID:     authData.AccountID,
		Amount:        pr.Amount,
		Currency:      pr.Currency,
		TestMode:      req.TestMode,
	}

	// user-level checks come after all cryptographic checks but before any
	// money moves; each produces a signed decline, not an error
	if decline := p.checkFreshness(authData, now); decline != nil {
		return p.declineResult(res, provider, req.PaymentRequest, decline)
	}
	if decline := p.checkStepUp(authData, amount); decline != nil {
		return p.declineResult(res, provider, req.PaymentRequest, decline)
	}

	if !req.TestMode {
		reserve := method.CardPayment || pr.NonDirectPayment != ""
		wr, err := p.Ledger.Withdraw(ctx, authData.AccountID, pr.Amount, pr.Currency, reserve, res.ReferenceID)
		if err != nil {
			return nil, internalErr("withdraw", err)
		}
		if !wr.OK {
			return p.declineResult(res, provider, req.PaymentRequest, &models.DeclineInfo{Text: wr.Reason})
		}
	}

	return p.successResult(ctx, res, provider, req.PaymentRequest, method, pr, methodData)
}

func (p *Pipeline) decryptAuthorizationData(req models.AuthorizationRequest) (*models.AuthorizationData, error) {
	plaintext, err := envelope.Decrypt(req.EncryptedAuthorizationData, p.DecryptionKeys)
	if err != nil {
		return nil, trustErr("authorization data decryption", err)
	}
	var authData models.AuthorizationData
	if err := models.StrictDecode(plaintext, &authData); err != nil {
		return nil, protocolErr("malformed authorization data: %v", err)
	}
	if authData.Message != models.MsgAuthorizationData {
		return nil, protocolErr("unexpected authorization data message %q", authData.Message)
	}
	return &authData, nil
}

// checkRequestHash binds the user-approved payment request to the one the
// payee actually submitted.
func (p *Pipeline) checkRequestHash(paymentRequest json.RawMessage, rh models.RequestHash) *Error {
	if rh.Algorithm != HashAlgSHA256 {
		return protocolErr("unsupported request hash algorithm %q", rh.Algorithm)
	}
	digest, err := models.CanonicalDigest(paymentRequest)
	if err != nil {
		return protocolErr("hash payment request: %v", err)
	}
	if base64.StdEncoding.EncodeToString(digest) != rh.Value {
		return protocolErr("authorization data hash does not match payment request")
	}
	return nil
}

func (p *Pipeline) authenticatePayer(ctx context.Context, authData *models.AuthorizationData, method string) (ledger.AuthStatus, *Error) {
	keyDER, err := base64.StdEncoding.DecodeString(authData.PublicKey)
	if err != nil {
		return 0, protocolErr("bad authorization public key: %v", err)
	}
	keyHash := sha256.Sum256(keyDER)
	status, lerr := p.Ledger.AuthenticatePayer(ctx, authData.AccountID, method, keyHash[:])
	if lerr != nil {
		return 0, internalErr("authenticate payer", lerr)
	}
	return status, nil
}

// checkFreshness declines authorizations whose timestamp falls outside the
// allowed window: slightly in the future (clock skew) or too old (replay).
func (p *Pipeline) checkFreshness(authData *models.AuthorizationData, now time.Time) *models.DeclineInfo {
	ts, err := models.ParseTime(authData.TimeStamp)
	if err != nil || ts.After(now.Add(p.MaxClockSkew)) || now.Sub(ts) > p.MaxClockSkew+p.MaxAuthAge {
		return &models.DeclineInfo{
			Text: fmt.Sprintf(
				"Either this request is older than %d minutes, or your device clock is incorrect. Timestamp: %s",
				int(p.MaxAuthAge.Minutes()), authData.TimeStamp),
		}
	}
	return nil
}

// checkStepUp enforces risk-based authentication: amounts at or above the
// threshold require a correct answer to the challenge item. The decline
// carries exactly one challenge; answering it resubmits the same request
// with the item included.
func (p *Pipeline) checkStepUp(authData *models.AuthorizationData, amount *big.Rat) *models.DeclineInfo {
	if p.StepUpThreshold == nil || amount.Cmp(p.StepUpThreshold) < 0 {
		return nil
	}
	for _, item := range authData.UserResponseItems {
		if item.Name == p.StepUpName {
			if p.StepUpVerify != nil && p.StepUpVerify(authData.AccountID, item.Value) {
				return nil
			}
			break
		}
	}
	return &models.DeclineInfo{
		Text: fmt.Sprintf("Payments of %s or more require additional authentication.",
			p.StepUpThreshold.FloatString(2)),
		Challenges: []models.UserChallengeItem{{
			Name:  p.StepUpName,
			Type:  models.ChallengeAlphanumericSecret,
			Label: "Please enter your authentication code",
		}},
	}
}

func (p *Pipeline) successResult(ctx context.Context, res *Result, provider *authority.VerifiedProviderAuthority, paymentRequest json.RawMessage, method methods.Method, pr models.PaymentRequest, methodData methods.RequestData) (*Result, error) {
	accountData, err := p.AccountData(ctx, res.AccountID, method)
	if err != nil {
		return nil, internalErr("account data", err)
	}
	encoded, err := methods.EncodeAccountData(accountData)
	if err != nil {
		return nil, internalErr("encode account data", err)
	}
	param := provider.ProviderAuthority.EncryptionParameters[0]
	protected, err := envelope.Encrypt(encoded, param.PublicKey)
	if err != nil {
		return nil, internalErr("encrypt account data", err)
	}

	resp, respErr := p.baseResponse(paymentRequest, provider)
	if respErr != nil {
		return nil, respErr
	}
	resp.AccountReference = models.MaskAccount(res.AccountID)
	resp.ProtectedAccountData = protected
	resp.ReferenceID = res.ReferenceID
	if !method.CardPayment && pr.NonDirectPayment == "" {
		logData := "direct debit"
		if methodData != nil {
			logData = methodData.LogLine()
		}
		resp.LogData = logData
	}

	signed, err := envelope.Sign(resp, p.Signer)
	if err != nil {
		return nil, internalErr("sign response", err)
	}
	res.Response = signed
	return res, nil
}

func (p *Pipeline) declineResult(res *Result, provider *authority.VerifiedProviderAuthority, paymentRequest json.RawMessage, decline *models.DeclineInfo) (*Result, error) {
	resp, err := p.baseResponse(paymentRequest, provider)
	if err != nil {
		return nil, err
	}
	resp.Decline = decline
	resp.ReferenceID = res.ReferenceID

	signed, signErr := envelope.Sign(resp, p.Signer)
	if signErr != nil {
		return nil, internalErr("sign response", signErr)
	}
	res.Response = signed
	res.Decline = decline
	return res, nil
}

// baseResponse fills the members common to authorized and declined
// responses. The echoed request hash lets the payee tie the response back to
// its payment request without reparsing anything.
func (p *Pipeline) baseResponse(paymentRequest json.RawMessage, provider *authority.VerifiedProviderAuthority) (*models.AuthorizationResponse, *Error) {
	digest, err := models.CanonicalDigest(paymentRequest)
	if err != nil {
		return nil, protocolErr("hash payment request: %v", err)
	}
	if len(provider.ProviderAuthority.EncryptionParameters) == 0 {
		return nil, trustErr("provider authority advertises no encryption parameters", nil)
	}
	return &models.AuthorizationResponse{
		Message: models.MsgAuthorizationResponse,
		RequestHash: models.RequestHash{
			Algorithm: HashAlgSHA256,
			Value:     base64.StdEncoding.EncodeToString(digest),
		},
		EncryptionParameters: provider.ProviderAuthority.EncryptionParameters[0],
		TimeStamp:            models.FormatTime(p.now()),
	}, nil
}

// checkAccountHash enforces the payee account binding: when the authority
// pins account hashes, the method data must claim one of them; when it pins
// none, the request must not claim one either.
func checkAccountHash(payee *authority.VerifiedPayeeAuthority, methodData methods.RequestData) *Error {
	pinned := payee.PayeeAuthority.PayeeCoreProperties.AccountHashes
	claimed := ""
	if methodData != nil {
		claimed = methodData.AccountHash()
	}
	if len(pinned) == 0 {
		if claimed != "" {
			return trustErr("request claims an account hash the payee authority does not attest", nil)
		}
		return nil
	}
	if claimed == "" {
		return trustErr("payee authority pins account hashes but request claims none", nil)
	}
	for _, h := range pinned {
		if h == claimed {
			return nil
		}
	}
	return trustErr("claimed account hash not attested for payee", nil)
}
