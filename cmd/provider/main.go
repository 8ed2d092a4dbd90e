package main

import (
	"context"
	"crypto/ecdh"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/donnacn/saturn/pkg/audit"
	"github.com/donnacn/saturn/pkg/authority"
	"github.com/donnacn/saturn/pkg/authz"
	"github.com/donnacn/saturn/pkg/config"
	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/events"
	"github.com/donnacn/saturn/pkg/httpx"
	"github.com/donnacn/saturn/pkg/ledger"
	"github.com/donnacn/saturn/pkg/methods"
	"github.com/donnacn/saturn/pkg/metrics"
	"github.com/donnacn/saturn/pkg/models"
	"github.com/donnacn/saturn/pkg/ratelimit"
	"github.com/donnacn/saturn/pkg/store"
	"github.com/donnacn/saturn/pkg/telemetry"
	"github.com/donnacn/saturn/pkg/trust"
)

// Server is the payer-side provider: it publishes authority objects for the
// payees it attests, runs the authorization pipeline, and records every
// decision.
type Server struct {
	Pipeline *authz.Pipeline
	Manager  *authority.Manager
	Ledger   ledger.Ledger
	Audit    auditStore
	Cache    store.Cache
	Metrics  *metrics.Registry
	Events   *events.Hub
	Outcomes outcomePublisher

	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	DecisionTTL         time.Duration
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, referenceID string) (audit.Record, error)
	HashAccountID(accountID string) string
}

type outcomePublisher interface {
	Publish(ctx context.Context, key string, evt events.Event) error
}

type providerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type providerDBCloser interface {
	providerDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (providerDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (providerDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		go s.Manager.Run(ctx)
		go func() {
			if err, ok := <-s.Manager.Status(); ok && err != nil {
				logFatalf("provider: %v", err)
			}
		}()
	}
)

func main() {
	if err := runProvider(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("provider: %v", err)
	}
}

func runProvider(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "provider")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	baseURL := strings.TrimSuffix(env("BASE_URL", "http://localhost:8080"), "/")
	serviceURL := env("SERVICE_URL", baseURL+"/authorize")
	providerAuthorityURL := env("PROVIDER_AUTHORITY_URL", baseURL+"/authority")
	payeeAuthorityBase := env("PAYEE_AUTHORITY_BASE", baseURL+"/payees")

	providerKey, err := config.LoadECDSAPrivateKey(env("PROVIDER_KEY_FILE", "keys/provider.key.pem"))
	if err != nil {
		return err
	}
	providerChain, err := config.LoadCertificateChain(env("PROVIDER_CERT_FILE", "keys/provider.cert.pem"))
	if err != nil {
		return err
	}
	attestationKey, err := config.LoadEd25519PrivateKey(env("ATTESTATION_KEY_FILE", "keys/attestation.key.pem"))
	if err != nil {
		return err
	}
	decryptionKeys, err := loadDecryptionKeys(env("DECRYPTION_KEY_FILES", "keys/encryption.key.pem"))
	if err != nil {
		return err
	}
	paymentRoot, err := config.LoadCertPool(env("PAYMENT_ROOT_FILE", "keys/payment-root.pem"))
	if err != nil {
		return err
	}
	acquirerRoot, err := config.LoadCertPool(env("ACQUIRER_ROOT_FILE", "keys/acquirer-root.pem"))
	if err != nil {
		return err
	}
	payees, err := config.LoadPayeeRoster(env("PAYEE_ROSTER_FILE", "payees.yaml"))
	if err != nil {
		return err
	}

	providerSigner := &envelope.CertSigner{Private: providerKey, Chain: providerChain}
	encryptionPub := decryptionKeys[0].PublicKey()

	manager, err := authority.NewManager(authority.ManagerConfig{
		ProviderAuthorityURL: providerAuthorityURL,
		HomePage:             env("HOME_PAGE", baseURL),
		AuthorizationURL:     serviceURL,
		AcceptedAccountTypes: []string{methods.MethodBankDirect, methods.MethodOmniCard},
		EncryptionParameters: []models.EncryptionParameter{{
			DataEncryptionAlgorithm: envelope.AlgA256GCM,
			KeyEncryptionAlgorithm:  envelope.AlgECDHES,
			PublicKey:               envelope.EncodePublicKey(encryptionPub),
		}},
		ProviderSigner:     providerSigner,
		PayeeAuthorityBase: payeeAuthorityBase,
		Payees:             payees,
		AttestationSigner:  &envelope.KeySigner{Private: attestationKey},
		ExpirySeconds:      envInt("AUTHORITY_EXPIRY_SEC", 3600),
		Logging:            env("AUTHORITY_LOGGING", "false") == "true",
	})
	if err != nil {
		return fmt.Errorf("authority manager: %w", err)
	}

	registry := metrics.NewRegistry()
	registry.SetGauge("roster_payees", float64(len(payees)))

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000)),
	})
	fetcher := &authority.HTTPFetcher{
		Client:     httpClient,
		Cache:      cache,
		CacheTTL:   time.Second * time.Duration(envInt("AUTHORITY_CACHE_TTL_SEC", 300)),
		Retries:    envInt("UPSTREAM_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		Metrics:    registry,
	}

	accounts := ledger.NewPostgresLedger(pool)
	stepUpSecret := env("STEPUP_SECRET", "")
	pipeline := &authz.Pipeline{
		ServiceURL: serviceURL,
		Methods:    methods.Defaults(),
		Resolver: &trust.Resolver{
			Fetcher:      fetcher,
			PaymentRoot:  paymentRoot,
			AcquirerRoot: acquirerRoot,
		},
		Ledger:          accounts,
		DecryptionKeys:  decryptionKeys,
		Signer:          *providerSigner,
		AccountData:     accountDataSource(pool),
		MaxClockSkew:    time.Minute * time.Duration(envInt("MAX_CLOCK_SKEW_MIN", 5)),
		MaxAuthAge:      time.Minute * time.Duration(envInt("MAX_AUTH_AGE_MIN", 20)),
		StepUpThreshold: parseStepUpThreshold(env("STEPUP_THRESHOLD", "")),
		StepUpName:      env("STEPUP_CHALLENGE_NAME", "authCode"),
		StepUpVerify: func(accountID, value string) bool {
			if stepUpSecret == "" {
				return false
			}
			return subtle.ConstantTimeCompare([]byte(value), []byte(stepUpSecret)) == 1
		},
		Logger: log.Default(),
	}

	s := &Server{
		Pipeline:            pipeline,
		Manager:             manager,
		Ledger:              accounts,
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Cache:               cache,
		Metrics:             registry,
		Events:              events.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 600),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		DecisionTTL:         time.Second * time.Duration(envInt("DECISION_TTL_SEC", 3600)),
	}
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if redisClient != nil {
		s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
	}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_OUTCOME_TOPIC", "payment-outcomes"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		s.Outcomes = publisher
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("provider"))
	r.Use(httpx.RequireJSONMiddleware)
	r.Use(httpx.LimitBodyMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "provider"})
	})
	r.Get("/authority", s.getProviderAuthority)
	r.Get("/payees/{payee_id}", s.getPayeeAuthority)
	r.Post("/authorize", s.handleAuthorize)
	r.Get("/v1/decisions/{reference_id}", s.getDecision)
	r.Get("/v1/stream", s.streamEvents)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("provider listening on %s", addr)
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

func loadDecryptionKeys(raw string) ([]*ecdh.PrivateKey, error) {
	var keys []*ecdh.PrivateKey
	for _, path := range strings.Split(raw, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		key, err := config.LoadECDHPrivateKey(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("DECRYPTION_KEY_FILES required")
	}
	return keys, nil
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
