package main

import (
	"context"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/donnacn/saturn/pkg/authority"
	"github.com/donnacn/saturn/pkg/authz"
	"github.com/donnacn/saturn/pkg/config"
	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/events"
	"github.com/donnacn/saturn/pkg/httpx"
	"github.com/donnacn/saturn/pkg/methods"
	"github.com/donnacn/saturn/pkg/metrics"
	"github.com/donnacn/saturn/pkg/models"
	"github.com/donnacn/saturn/pkg/store"
	"github.com/donnacn/saturn/pkg/telemetry"
)

// Server is the card-network side: it attests merchants, publishes its own
// authority object under the acquirer root, and captures card payments
// against bank-signed authorization responses.
type Server struct {
	Manager        *authority.Manager
	Signer         *envelope.CertSigner
	ServiceURL     string
	PaymentRoot    *x509.CertPool
	DecryptionKeys []*ecdh.PrivateKey
	Merchants      map[string]models.PayeeCoreProperties
	Metrics        *metrics.Registry
	Settlements    events.Consumer
}

type acqInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type acqOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type acqListenFunc func(server *http.Server) error
type acqStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		go s.Manager.Run(ctx)
		go func() {
			if err, ok := <-s.Manager.Status(); ok && err != nil {
				logFatalf("acquirer: %v", err)
			}
		}()
		if s.Settlements != nil {
			go s.settlementLoop(ctx)
		}
	}
)

func main() {
	if err := runAcquirer(initTelemetry, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("acquirer: %v", err)
	}
}

func runAcquirer(
	initTelemetry acqInitTelemetryFunc,
	openRedis acqOpenRedisFunc,
	listen acqListenFunc,
	startLoops acqStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "acquirer")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	_ = store.NewCache(ctx, redisClient)

	baseURL := strings.TrimSuffix(env("BASE_URL", "http://localhost:8090"), "/")
	serviceURL := env("SERVICE_URL", baseURL+"/service")
	providerAuthorityURL := env("PROVIDER_AUTHORITY_URL", baseURL+"/authority")
	payeeAuthorityBase := env("PAYEE_AUTHORITY_BASE", baseURL+"/payees")

	acquirerKey, err := config.LoadECDSAPrivateKey(env("ACQUIRER_KEY_FILE", "keys/acquirer.key.pem"))
	if err != nil {
		return err
	}
	acquirerChain, err := config.LoadCertificateChain(env("ACQUIRER_CERT_FILE", "keys/acquirer.cert.pem"))
	if err != nil {
		return err
	}
	attestationKey, err := config.LoadEd25519PrivateKey(env("ATTESTATION_KEY_FILE", "keys/attestation.key.pem"))
	if err != nil {
		return err
	}
	decryptionKey, err := config.LoadECDHPrivateKey(env("DECRYPTION_KEY_FILE", "keys/encryption.key.pem"))
	if err != nil {
		return err
	}
	paymentRoot, err := config.LoadCertPool(env("PAYMENT_ROOT_FILE", "keys/payment-root.pem"))
	if err != nil {
		return err
	}
	merchants, err := config.LoadPayeeRoster(env("MERCHANT_ROSTER_FILE", "merchants.yaml"))
	if err != nil {
		return err
	}

	signer := &envelope.CertSigner{Private: acquirerKey, Chain: acquirerChain}
	manager, err := authority.NewManager(authority.ManagerConfig{
		ProviderAuthorityURL: providerAuthorityURL,
		HomePage:             env("HOME_PAGE", baseURL),
		TransactionURL:       serviceURL,
		AcceptedAccountTypes: []string{methods.MethodOmniCard},
		EncryptionParameters: []models.EncryptionParameter{{
			DataEncryptionAlgorithm: envelope.AlgA256GCM,
			KeyEncryptionAlgorithm:  envelope.AlgECDHES,
			PublicKey:               envelope.EncodePublicKey(decryptionKey.PublicKey()),
		}},
		ProviderSigner:     signer,
		PayeeAuthorityBase: payeeAuthorityBase,
		Payees:             merchants,
		AttestationSigner:  &envelope.KeySigner{Private: attestationKey},
		ExpirySeconds:      envInt("AUTHORITY_EXPIRY_SEC", 3600),
		Logging:            env("AUTHORITY_LOGGING", "false") == "true",
	})
	if err != nil {
		return fmt.Errorf("authority manager: %w", err)
	}

	merchantIndex := make(map[string]models.PayeeCoreProperties, len(merchants))
	for _, m := range merchants {
		merchantIndex[m.PayeeID] = m
	}

	s := &Server{
		Manager:        manager,
		Signer:         signer,
		ServiceURL:     serviceURL,
		PaymentRoot:    paymentRoot,
		DecryptionKeys: []*ecdh.PrivateKey{decryptionKey},
		Merchants:      merchantIndex,
		Metrics:        metrics.NewRegistry(),
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := events.NewKafkaConsumer(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_OUTCOME_TOPIC", "payment-outcomes"),
			GroupID: env("KAFKA_GROUP_ID", "acquirer-settlement"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
		s.Settlements = consumer
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("acquirer"))
	r.Use(httpx.RequireJSONMiddleware)
	r.Use(httpx.LimitBodyMiddleware(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "acquirer"})
	})
	r.Get("/authority", s.getProviderAuthority)
	r.Get("/payees/{payee_id}", s.getPayeeAuthority)
	r.Post("/service", s.handleCardPayment)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("acquirer listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) getProviderAuthority(w http.ResponseWriter, r *http.Request) {
	blob := s.Manager.ProviderAuthorityBlob()
	if blob == nil {
		httpx.Error(w, http.StatusNotFound, "no provider authority published")
		return
	}
	httpx.WriteRaw(w, http.StatusOK, blob)
}

func (s *Server) getPayeeAuthority(w http.ResponseWriter, r *http.Request) {
	blob := s.Manager.PayeeAuthorityBlob(chi.URLParam(r, "payee_id"))
	if blob == nil {
		httpx.Error(w, http.StatusNotFound, "unknown payee")
		return
	}
	httpx.WriteRaw(w, http.StatusOK, blob)
}

// handleCardPayment captures a card payment: the merchant submits the
// bank-signed authorization response together with the amount actually
// taken, and gets a signed capture receipt back.
func (s *Server) handleCardPayment(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, status, err := s.processCardPayment(body)
	if err != nil {
		s.Metrics.IncOutcome("REJECTED")
		log.Printf("card payment rejected: %v", err)
		httpx.Error(w, status, publicError(status, err))
		return
	}
	s.Metrics.IncOutcome("CAPTURED")
	httpx.WriteRaw(w, http.StatusOK, resp)
}

func (s *Server) processCardPayment(body []byte) ([]byte, int, error) {
	reqSig, err := envelope.Verify(body)
	if err != nil {
		return nil, http.StatusForbidden, fmt.Errorf("request signature: %w", err)
	}
	if reqSig.Algorithm != envelope.AlgEd25519 {
		return nil, http.StatusBadRequest, errors.New("request must carry an ed25519 signature")
	}
	var req models.CardPaymentRequest
	if err := models.StrictDecode(body, &req); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("malformed card payment request: %w", err)
	}
	if req.Message != models.MsgCardPaymentRequest {
		return nil, http.StatusBadRequest, fmt.Errorf("unexpected message %q", req.Message)
	}
	if req.RecipientURL != s.ServiceURL {
		return nil, http.StatusBadRequest, fmt.Errorf("request addressed to %q", req.RecipientURL)
	}
	if _, err := models.ParseAmount(req.ActualAmount); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("bad actual amount: %w", err)
	}

	merchantID := req.PayeeAuthorityURL[strings.LastIndex(req.PayeeAuthorityURL, "/")+1:]
	merchant, ok := s.Merchants[merchantID]
	if !ok {
		return nil, http.StatusForbidden, fmt.Errorf("unknown merchant %q", merchantID)
	}
	if reqSig.PublicKeyB64 != merchant.PublicKey {
		return nil, http.StatusForbidden, errors.New("request not signed with the merchant's enrolled key")
	}

	// the embedded authorization response must come from a bank under the
	// payment root
	authSig, err := envelope.Verify(req.AuthorizationResponse)
	if err != nil {
		return nil, http.StatusForbidden, fmt.Errorf("authorization response signature: %w", err)
	}
	if authSig.Algorithm != envelope.AlgECDSAP256 || len(authSig.CertificatePath) == 0 {
		return nil, http.StatusForbidden, errors.New("authorization response must carry a certificate path")
	}
	if err := verifyBankChain(authSig.CertificatePath, s.PaymentRoot); err != nil {
		return nil, http.StatusForbidden, err
	}
	var authResp models.AuthorizationResponse
	if err := models.StrictDecode(req.AuthorizationResponse, &authResp); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("malformed authorization response: %w", err)
	}
	if authResp.Message != models.MsgAuthorizationResponse {
		return nil, http.StatusBadRequest, fmt.Errorf("unexpected inner message %q", authResp.Message)
	}
	if authResp.Decline != nil {
		return nil, http.StatusBadRequest, errors.New("declined authorization cannot be captured")
	}

	card, err := s.openCardData(authResp)
	if err != nil {
		return nil, http.StatusForbidden, err
	}
	if !req.TestMode {
		log.Printf("capture %s %s for merchant %s card %s",
			req.ActualAmount, req.Currency, merchantID, models.MaskAccount(card.CardNumber))
	}

	digest, err := models.CanonicalDigest(body)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	receipt := models.CardPaymentResponse{
		Message: models.MsgCardPaymentResponse,
		RequestHash: models.RequestHash{
			Algorithm: authz.HashAlgSHA256,
			Value:     base64.StdEncoding.EncodeToString(digest),
		},
		ReferenceID: uuid.NewString(),
		TimeStamp:   models.FormatTime(time.Now()),
	}
	signed, err := envelope.Sign(receipt, *s.Signer)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return signed, http.StatusOK, nil
}

func (s *Server) openCardData(authResp models.AuthorizationResponse) (*methods.OmniCardAccountData, error) {
	plaintext, err := envelope.Decrypt(authResp.ProtectedAccountData, s.DecryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("protected account data: %w", err)
	}
	accountData, err := methods.DecodeAccountData(plaintext)
	if err != nil {
		return nil, err
	}
	card, ok := accountData.(methods.OmniCardAccountData)
	if !ok {
		return nil, fmt.Errorf("account data context %q is not a card", accountData.Context())
	}
	return &card, nil
}

// settlementLoop drains the outcome topic; authorized card reservations are
// the settlement candidates.
func (s *Server) settlementLoop(ctx context.Context) {
	for {
		msg, err := s.Settlements.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("settlement consumer: %v", err)
			time.Sleep(time.Second)
			continue
		}
		log.Printf("settlement candidate: %s", string(msg.Value))
	}
}

func verifyBankChain(chain []*x509.Certificate, root *x509.CertPool) error {
	if root == nil {
		return errors.New("payment root not configured")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         root,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("authorization response not issued under the payment root: %w", err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func publicError(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
