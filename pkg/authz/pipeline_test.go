package authz

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/donnacn/saturn/pkg/authority"
	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/ledger"
	"github.com/donnacn/saturn/pkg/methods"
	"github.com/donnacn/saturn/pkg/models"
	"github.com/donnacn/saturn/pkg/trust"
)

const (
	testServiceURL   = "https://bank.example.com/authorize"
	testAuthorityURL = "https://bank.example.com/authority"
	testPayeeURL     = "https://bank.example.com/payees/86344"
	testPayeeID      = "86344"
	testAccountID    = "DE89370400440532013000"
	testStepUpName   = "authCode"
	testStepUpCode   = "4567"
)

// fakeLedger is an in-memory stand-in for the account store, recording what
// the pipeline asked of it.
type fakeLedger struct {
	accounts      map[string][]byte
	insufficient  bool
	withdrawCalls int
	lastReserve   bool
	lastReference string
	lastAmount    string
}

func (l *fakeLedger) AuthenticatePayer(ctx context.Context, accountID, paymentMethod string, keyHash []byte) (ledger.AuthStatus, error) {
	enrolled, ok := l.accounts[accountID]
	if !ok {
		return ledger.AuthUnknownAccount, nil
	}
	if !bytes.Equal(enrolled, keyHash) {
		return ledger.AuthWrongKey, nil
	}
	return ledger.AuthOK, nil
}

func (l *fakeLedger) Withdraw(ctx context.Context, accountID, amount, currency string, reserve bool, referenceID string) (*ledger.WithdrawResult, error) {
	l.withdrawCalls++
	l.lastReserve = reserve
	l.lastReference = referenceID
	l.lastAmount = amount
	if l.insufficient {
		return &ledger.WithdrawResult{Reason: "insufficient funds"}, nil
	}
	return &ledger.WithdrawResult{OK: true}, nil
}

// staticFetcher always serves the same resolved pair, counting lookups.
type staticFetcher struct {
	payee    *authority.VerifiedPayeeAuthority
	provider *authority.VerifiedProviderAuthority
	calls    int
}

func (f *staticFetcher) ProviderAuthority(ctx context.Context, url string, nonCached bool) (*authority.VerifiedProviderAuthority, error) {
	f.calls++
	return f.provider, nil
}

func (f *staticFetcher) PayeeAuthority(ctx context.Context, url string, nonCached bool) (*authority.VerifiedPayeeAuthority, error) {
	f.calls++
	return f.payee, nil
}

type fixture struct {
	pipeline       *Pipeline
	ledger         *fakeLedger
	fetcher        *staticFetcher
	payeeSigner    envelope.KeySigner
	decryptKey     *ecdh.PrivateKey
	encPub         string
	payerPublicKey string
	now            time.Time
}

func newCertChain(t *testing.T) (*x509.CertPool, *envelope.CertSigner) {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Payment Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Bank"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)
	return pool, &envelope.CertSigner{Private: leafKey, Chain: []*x509.Certificate{leafCert, rootCert}}
}

func newEd25519Signer(t *testing.T) envelope.KeySigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return envelope.KeySigner{Private: priv}
}

// newFixture wires a complete pipeline against fakes: one payee, one payer
// account with an enrolled key, and authority objects resolved through a
// static fetcher. pinnedHashes, when non-empty, locks the payee to those
// receiving accounts.
func newFixture(t *testing.T, pinnedHashes []string) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	pool, providerSigner := newCertChain(t)
	payeeSigner := newEd25519Signer(t)
	attestation := newEd25519Signer(t)

	decryptKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate decryption key: %v", err)
	}
	encPub := envelope.EncodePublicKey(decryptKey.PublicKey())

	expires := now.Add(time.Hour)
	providerDoc := models.ProviderAuthority{
		Message:          models.MsgProviderAuthority,
		AuthorityURL:     testAuthorityURL,
		AuthorizationURL: testServiceURL,
		EncryptionParameters: []models.EncryptionParameter{{
			DataEncryptionAlgorithm: envelope.AlgA256GCM,
			KeyEncryptionAlgorithm:  envelope.AlgECDHES,
			PublicKey:               encPub,
		}},
		HostingProvider: &models.HostingProvider{PublicKey: attestation.Header().PublicKey},
		TimeStamp:       models.FormatTime(now),
		Expires:         models.FormatTime(expires),
	}
	providerRaw, err := envelope.Sign(providerDoc, *providerSigner)
	if err != nil {
		t.Fatalf("sign provider authority: %v", err)
	}
	provider, err := authority.DecodeProviderAuthority(providerRaw, testAuthorityURL, now)
	if err != nil {
		t.Fatalf("decode provider authority: %v", err)
	}

	payeeDoc := models.PayeeAuthority{
		Message:              models.MsgPayeeAuthority,
		AuthorityURL:         testPayeeURL,
		ProviderAuthorityURL: testAuthorityURL,
		PayeeCoreProperties: models.PayeeCoreProperties{
			PayeeID:       testPayeeID,
			CommonName:    "Space Shop",
			PublicKey:     payeeSigner.Header().PublicKey,
			AccountHashes: pinnedHashes,
		},
		TimeStamp: models.FormatTime(now),
		Expires:   models.FormatTime(expires),
	}
	payeeRaw, err := envelope.Sign(payeeDoc, attestation)
	if err != nil {
		t.Fatalf("sign payee authority: %v", err)
	}
	payee, err := authority.DecodePayeeAuthority(payeeRaw, testPayeeURL, now)
	if err != nil {
		t.Fatalf("decode payee authority: %v", err)
	}

	payerKeyDER, err := base64.StdEncoding.DecodeString(newEd25519Signer(t).Header().PublicKey)
	if err != nil {
		t.Fatalf("decode payer key: %v", err)
	}
	keyHash := sha256.Sum256(payerKeyDER)

	lgr := &fakeLedger{accounts: map[string][]byte{testAccountID: keyHash[:]}}
	fetcher := &staticFetcher{payee: payee, provider: provider}

	threshold, _ := models.ParseAmount("1000.00")
	fx := &fixture{
		ledger:      lgr,
		fetcher:     fetcher,
		payeeSigner: payeeSigner,
		decryptKey:  decryptKey,
		encPub:      encPub,
		now:         now,
	}
	fx.pipeline = &Pipeline{
		ServiceURL: testServiceURL,
		Methods:    methods.Defaults(),
		Resolver: &trust.Resolver{
			Fetcher:      fetcher,
			PaymentRoot:  pool,
			AcquirerRoot: pool,
		},
		Ledger:         lgr,
		DecryptionKeys: []*ecdh.PrivateKey{decryptKey},
		Signer:         *providerSigner,
		AccountData: func(ctx context.Context, accountID string, m methods.Method) (methods.AccountData, error) {
			if m.URI == methods.MethodOmniCard {
				return methods.OmniCardAccountData{
					CardNumber: "4532111122223333",
					CardHolder: "Luke Skywalker",
					Expires:    "12/28",
				}, nil
			}
			return methods.BankDirectAccountData{IBAN: accountID}, nil
		},
		MaxClockSkew:    time.Minute,
		MaxAuthAge:      10 * time.Minute,
		StepUpThreshold: threshold,
		StepUpName:      testStepUpName,
		StepUpVerify: func(accountID, value string) bool {
			return value == testStepUpCode
		},
		Now: func() time.Time { return now },
	}
	fx.payerPublicKey = base64.StdEncoding.EncodeToString(payerKeyDER)
	return fx
}

// requestSpec holds everything a test may vary about a built request.
type requestSpec struct {
	amount         string
	currency       string
	method         string
	recipient      string
	accountID      string
	testMode       bool
	nonDirect      string
	authTime       time.Time
	prExpires      time.Time
	responses      []models.UserResponseItem
	methodSpecific json.RawMessage
	hashValue      string // overrides the computed request hash when set
	requestSigner  *envelope.KeySigner
}

func (fx *fixture) defaultSpec() requestSpec {
	return requestSpec{
		amount:    "10.00",
		currency:  "EUR",
		method:    methods.MethodBankDirect,
		recipient: testServiceURL,
		accountID: testAccountID,
		authTime:  fx.now.Add(-time.Minute),
		prExpires: fx.now.Add(30 * time.Minute),
	}
}

// buildRequest assembles and signs a full authorization request, returning
// the signed request and the embedded signed payment request.
func (fx *fixture) buildRequest(t *testing.T, spec requestSpec) (json.RawMessage, json.RawMessage) {
	t.Helper()
	pr := models.PaymentRequest{
		Message:          models.MsgPaymentRequest,
		Payee:            models.Payee{ID: testPayeeID, CommonName: "Space Shop"},
		Amount:           spec.amount,
		Currency:         spec.currency,
		NonDirectPayment: spec.nonDirect,
		ReferenceID:      "20260828.1",
		TimeStamp:        models.FormatTime(fx.now.Add(-time.Minute)),
		Expires:          models.FormatTime(spec.prExpires),
	}
	prRaw, err := envelope.Sign(pr, fx.payeeSigner)
	if err != nil {
		t.Fatalf("sign payment request: %v", err)
	}

	hashValue := spec.hashValue
	if hashValue == "" {
		digest, err := models.CanonicalDigest(prRaw)
		if err != nil {
			t.Fatalf("hash payment request: %v", err)
		}
		hashValue = base64.StdEncoding.EncodeToString(digest)
	}

	authData := models.AuthorizationData{
		Message:           models.MsgAuthorizationData,
		AccountID:         spec.accountID,
		PaymentMethod:     spec.method,
		RequestHash:       models.RequestHash{Algorithm: HashAlgSHA256, Value: hashValue},
		PublicKey:         fx.payerPublicKey,
		TimeStamp:         models.FormatTime(spec.authTime),
		UserResponseItems: spec.responses,
	}
	plaintext, err := json.Marshal(authData)
	if err != nil {
		t.Fatalf("marshal authorization data: %v", err)
	}
	encrypted, err := envelope.Encrypt(plaintext, fx.encPub)
	if err != nil {
		t.Fatalf("encrypt authorization data: %v", err)
	}

	req := models.AuthorizationRequest{
		Message:                    models.MsgAuthorizationRequest,
		RecipientURL:               spec.recipient,
		AuthorityURL:               testPayeeURL,
		PaymentMethod:              spec.method,
		PaymentRequest:             prRaw,
		PaymentMethodSpecific:      spec.methodSpecific,
		EncryptedAuthorizationData: encrypted,
		TimeStamp:                  models.FormatTime(fx.now),
		TestMode:                   spec.testMode,
	}
	signer := fx.payeeSigner
	if spec.requestSigner != nil {
		signer = *spec.requestSigner
	}
	raw, err := envelope.Sign(req, signer)
	if err != nil {
		t.Fatalf("sign authorization request: %v", err)
	}
	return raw, prRaw
}

func decodeResponse(t *testing.T, signed json.RawMessage) models.AuthorizationResponse {
	t.Helper()
	verified, err := envelope.Verify(signed)
	if err != nil {
		t.Fatalf("verify response: %v", err)
	}
	if verified.Algorithm != envelope.AlgECDSAP256 {
		t.Fatalf("response algorithm = %q", verified.Algorithm)
	}
	var resp models.AuthorizationResponse
	if err := models.StrictDecode(signed, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func wantKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not an authorization error", err)
	}
	if e.Kind != kind {
		t.Fatalf("error kind = %v, want %v (err: %v)", e.Kind, kind, err)
	}
	return e
}

func TestAuthorizeSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	raw, prRaw := fx.buildRequest(t, fx.defaultSpec())

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized() || res.Outcome() != "AUTHORIZED" {
		t.Fatalf("payment not authorized: %+v", res.Decline)
	}
	if res.ReferenceID == "" {
		t.Fatal("missing reference id")
	}
	if fx.ledger.withdrawCalls != 1 {
		t.Fatalf("withdraw called %d times", fx.ledger.withdrawCalls)
	}
	if fx.ledger.lastReserve {
		t.Fatal("direct debit must not reserve")
	}
	if fx.ledger.lastReference != res.ReferenceID {
		t.Fatal("withdraw reference does not match result")
	}

	resp := decodeResponse(t, res.Response)
	digest, err := models.CanonicalDigest(prRaw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if resp.RequestHash.Value != base64.StdEncoding.EncodeToString(digest) {
		t.Fatal("response does not echo the payment request hash")
	}
	if resp.AccountReference != models.MaskAccount(testAccountID) {
		t.Fatalf("account reference = %q", resp.AccountReference)
	}
	if strings.TrimLeft(resp.AccountReference, "*") != "3000" {
		t.Fatalf("account reference leaks digits: %q", resp.AccountReference)
	}
	if resp.Decline != nil {
		t.Fatal("unexpected decline on authorized response")
	}
	if resp.LogData == "" {
		t.Fatal("direct debit response must carry log data")
	}

	plain, err := envelope.Decrypt(resp.ProtectedAccountData, []*ecdh.PrivateKey{fx.decryptKey})
	if err != nil {
		t.Fatalf("decrypt protected account data: %v", err)
	}
	accountData, err := methods.DecodeAccountData(plain)
	if err != nil {
		t.Fatalf("decode account data: %v", err)
	}
	bd, ok := accountData.(methods.BankDirectAccountData)
	if !ok || bd.IBAN != testAccountID {
		t.Fatalf("account data = %#v", accountData)
	}
}

func TestAuthorizeRecipientMismatchBeforeNetwork(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.recipient = "https://evil.example.com/authorize"
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindProtocol)
	if fx.fetcher.calls != 0 {
		t.Fatalf("resolver consulted %d times before recipient check", fx.fetcher.calls)
	}
}

func TestAuthorizeUnknownMethod(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.method = "https://nonsense.example.com/method/v1"
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindProtocol)
}

func TestAuthorizeExpiredPaymentRequest(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.prExpires = fx.now.Add(-time.Minute)
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindProtocol)
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("withdrew after hard rejection")
	}
}

func TestAuthorizeRejectsUnattestedSigner(t *testing.T) {
	fx := newFixture(t, nil)
	rogue := newEd25519Signer(t)
	spec := fx.defaultSpec()
	spec.requestSigner = &rogue
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	e := wantKind(t, err, KindTrust)
	if e.Public() != "trust chain validation failed" {
		t.Fatalf("public text leaks detail: %q", e.Public())
	}
	if e.HTTPStatus() != 403 {
		t.Fatalf("http status = %d", e.HTTPStatus())
	}
}

func TestAuthorizeTamperedRequestHash(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.hashValue = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xAB}, 32))
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindProtocol)
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("funds moved for an unbound payment request")
	}
}

func TestAuthorizeUnknownAccount(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.accountID = "DE00000000000000000000"
	raw, _ := fx.buildRequest(t, spec)

	_, err := fx.pipeline.Authorize(context.Background(), raw)
	e := wantKind(t, err, KindAuthentication)
	if e.Public() != "request did not validate" {
		t.Fatalf("public text = %q", e.Public())
	}
}

func TestAuthorizeStaleTimestampDeclines(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	// one second past the skew-extended age limit (10m age + 1m skew)
	spec.authTime = fx.now.Add(-(10*time.Minute + time.Minute + time.Second))
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("stale authorization accepted")
	}
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("funds moved on a declined payment")
	}
	resp := decodeResponse(t, res.Response)
	if resp.Decline == nil || !strings.Contains(resp.Decline.Text, "older than") {
		t.Fatalf("decline = %+v", resp.Decline)
	}
}

func TestAuthorizeTimestampWithinSkewAccepted(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	// exactly at the limit: still inside the window
	spec.authTime = fx.now.Add(-(10*time.Minute + time.Minute))
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("declined at the age limit: %+v", res.Decline)
	}
}

func TestAuthorizeFutureTimestampDeclines(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.authTime = fx.now.Add(10 * time.Minute)
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("future-dated authorization accepted")
	}
}

func TestAuthorizeStepUpChallenge(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.amount = "1500.00"
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("large payment authorized without step-up")
	}
	resp := decodeResponse(t, res.Response)
	if resp.Decline == nil || len(resp.Decline.Challenges) != 1 {
		t.Fatalf("decline = %+v", resp.Decline)
	}
	ch := resp.Decline.Challenges[0]
	if ch.Name != testStepUpName || ch.Type != models.ChallengeAlphanumericSecret {
		t.Fatalf("challenge = %+v", ch)
	}
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("funds moved before step-up completed")
	}

	// resubmission with the answered challenge item authorizes
	spec.responses = []models.UserResponseItem{{Name: testStepUpName, Value: testStepUpCode}}
	raw, _ = fx.buildRequest(t, spec)
	res, err = fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize with challenge answer: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("correct answer declined: %+v", res.Decline)
	}
}

func TestAuthorizeStepUpAtThreshold(t *testing.T) {
	// an amount equal to the threshold already requires the challenge
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.amount = "1000.00"
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("threshold payment authorized without step-up")
	}
	if res.Decline == nil || len(res.Decline.Challenges) != 1 {
		t.Fatalf("decline = %+v", res.Decline)
	}
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("funds moved before step-up completed")
	}
}

func TestAuthorizeStepUpWrongAnswer(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.amount = "1500.00"
	spec.responses = []models.UserResponseItem{{Name: testStepUpName, Value: "0000"}}
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("wrong challenge answer authorized")
	}
	if res.Decline == nil || len(res.Decline.Challenges) != 1 {
		t.Fatalf("decline = %+v", res.Decline)
	}
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	fx := newFixture(t, nil)
	fx.ledger.insufficient = true
	raw, _ := fx.buildRequest(t, fx.defaultSpec())

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Authorized() {
		t.Fatal("payment authorized with insufficient funds")
	}
	if res.Decline.Text != "insufficient funds" {
		t.Fatalf("decline text = %q", res.Decline.Text)
	}
}

func TestAuthorizeTestModeSkipsWithdraw(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.testMode = true
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("test mode declined: %+v", res.Decline)
	}
	if !res.TestMode {
		t.Fatal("result does not carry test mode")
	}
	if fx.ledger.withdrawCalls != 0 {
		t.Fatal("test mode moved funds")
	}
}

func TestAuthorizeNonDirectPaymentReserves(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.nonDirect = "RESERVE"
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("declined: %+v", res.Decline)
	}
	if !fx.ledger.lastReserve {
		t.Fatal("non-direct payment did not reserve")
	}
	resp := decodeResponse(t, res.Response)
	if resp.LogData != "" {
		t.Fatal("non-direct response must not carry log data")
	}
}

func TestAuthorizeCardPayment(t *testing.T) {
	fx := newFixture(t, nil)
	spec := fx.defaultSpec()
	spec.method = methods.MethodOmniCard
	raw, _ := fx.buildRequest(t, spec)

	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("declined: %+v", res.Decline)
	}
	if !fx.ledger.lastReserve {
		t.Fatal("card payment did not reserve")
	}

	resp := decodeResponse(t, res.Response)
	plain, err := envelope.Decrypt(resp.ProtectedAccountData, []*ecdh.PrivateKey{fx.decryptKey})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	accountData, err := methods.DecodeAccountData(plain)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := accountData.(methods.OmniCardAccountData); !ok {
		t.Fatalf("account data = %#v", accountData)
	}
}

func TestAuthorizeAccountHashPinning(t *testing.T) {
	pinned := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x11}, 32))
	fx := newFixture(t, []string{pinned})

	// no claimed hash at all
	raw, _ := fx.buildRequest(t, fx.defaultSpec())
	_, err := fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindTrust)

	// wrong hash
	wrong, err := json.Marshal(methods.BankDirectRequestData{
		PayeeIBAN:        "FR7630006000011234567890189",
		PayeeAccountHash: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x22}, 32)),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	spec := fx.defaultSpec()
	spec.methodSpecific = wrong
	raw, _ = fx.buildRequest(t, spec)
	_, err = fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindTrust)

	// attested hash
	good, err := json.Marshal(methods.BankDirectRequestData{
		PayeeIBAN:        "FR7630006000011234567890189",
		PayeeAccountHash: pinned,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	spec.methodSpecific = good
	raw, _ = fx.buildRequest(t, spec)
	res, err := fx.pipeline.Authorize(context.Background(), raw)
	if err != nil {
		t.Fatalf("authorize with attested hash: %v", err)
	}
	if !res.Authorized() {
		t.Fatalf("declined: %+v", res.Decline)
	}
}

func TestAuthorizeRejectsUnattestedAccountHashClaim(t *testing.T) {
	// the roster pins no hashes, so a request must not claim one
	fx := newFixture(t, nil)
	claimed, err := json.Marshal(methods.BankDirectRequestData{
		PayeeIBAN:        "FR7630006000011234567890189",
		PayeeAccountHash: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x33}, 32)),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	spec := fx.defaultSpec()
	spec.methodSpecific = claimed
	raw, _ := fx.buildRequest(t, spec)
	_, err = fx.pipeline.Authorize(context.Background(), raw)
	wantKind(t, err, KindTrust)
}

func TestAuthorizeRejectsFloatAmounts(t *testing.T) {
	fx := newFixture(t, nil)
	raw, _ := fx.buildRequest(t, fx.defaultSpec())

	// splicing a float member both breaks the signature and trips the
	// integer-only number rule; either way the request dies early
	tampered := bytes.Replace(raw, []byte(`"message"`), []byte(`"rate":1.5,"message"`), 1)
	_, err := fx.pipeline.Authorize(context.Background(), tampered)
	if err == nil {
		t.Fatal("float-bearing request accepted")
	}
}
