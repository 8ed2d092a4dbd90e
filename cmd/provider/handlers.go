package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/donnacn/saturn/pkg/audit"
	"github.com/donnacn/saturn/pkg/authz"
	"github.com/donnacn/saturn/pkg/events"
	"github.com/donnacn/saturn/pkg/httpx"
	"github.com/donnacn/saturn/pkg/methods"
	"github.com/donnacn/saturn/pkg/models"
)

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
	id := chi.URLParam(r, "payee_id")
	blob := s.Manager.PayeeAuthorityBlob(id)
	if blob == nil {
		httpx.Error(w, http.StatusNotFound, "unknown payee")
		return
	}
	httpx.WriteRaw(w, http.StatusOK, blob)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow("authorize:"+clientKey(r), s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// duplicate delivery: the same payee resubmitting the same payment
	// request gets the original signed decision back
	decisionKey := s.decisionKey(body)
	if decisionKey != "" {
		if cached, err := s.Cache.Get(ctx, decisionKey); err == nil && cached != "" {
			s.Metrics.IncOutcome("REPLAYED")
			httpx.WriteRaw(w, http.StatusOK, []byte(cached))
			return
		}
	}

	start := time.Now()
	result, err := s.Pipeline.Authorize(ctx, body)
	s.Metrics.ObservePipelineLatency(time.Since(start))
	if err != nil {
		s.rejected(ctx, body, err)
		var pipeErr *authz.Error
		if errors.As(err, &pipeErr) {
			httpx.Error(w, pipeErr.HTTPStatus(), pipeErr.Public())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.decided(ctx, body, result)
	if decisionKey != "" && s.DecisionTTL > 0 {
		_ = s.Cache.Set(ctx, decisionKey, string(result.Response), s.DecisionTTL)
	}
	httpx.WriteRaw(w, http.StatusOK, result.Response)
}

// decisionKey derives the replay-store key from the unverified request; the
// stored value is a signed response, so serving it to a forger reveals
// nothing the legitimate payee did not already receive.
func (s *Server) decisionKey(body []byte) string {
	var req models.AuthorizationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	var pr models.PaymentRequest
	if err := json.Unmarshal(req.PaymentRequest, &pr); err != nil {
		return ""
	}
	if pr.Payee.ID == "" || pr.ReferenceID == "" {
		return ""
	}
	return "decision:" + pr.Payee.ID + "|" + pr.ReferenceID
}

func (s *Server) decided(ctx context.Context, body []byte, result *authz.Result) {
	outcome := result.Outcome()
	reason := ""
	if result.Decline != nil {
		reason = result.Decline.Text
	}
	s.Metrics.IncOutcome(outcome)
	s.Metrics.IncMethodOutcome(result.PaymentMethod, outcome)
	if result.Decline != nil {
		s.Metrics.IncDeclineReason(reason)
	}

	if err := s.Audit.Append(ctx, audit.Record{
		ReferenceID:   result.ReferenceID,
		PayeeID:       result.PayeeID,
		PaymentMethod: result.PaymentMethod,
		AccountIDHash: s.Audit.HashAccountID(result.AccountID),
		Amount:        result.Amount,
		Currency:      result.Currency,
		Outcome:       outcome,
		Reason:        reason,
		TestMode:      result.TestMode,
		RequestRaw:    body,
		ResponseRaw:   result.Response,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("audit append failed for %s: %v", result.ReferenceID, err)
	}

	payload := events.OutcomePayload{
		ReferenceID:   result.ReferenceID,
		PayeeID:       result.PayeeID,
		PaymentMethod: result.PaymentMethod,
		Amount:        result.Amount,
		Currency:      result.Currency,
		Outcome:       outcome,
		Reason:        reason,
		TestMode:      result.TestMode,
	}
	eventType := events.TypeAuthorized
	if result.Decline != nil {
		eventType = events.TypeDeclined
	}
	evt := events.NewEvent(eventType, payload)
	s.Events.Publish(evt)
	if s.Outcomes != nil {
		if err := s.Outcomes.Publish(ctx, result.ReferenceID, evt); err != nil {
			log.Printf("outcome publish failed for %s: %v", result.ReferenceID, err)
		}
	}
}

func (s *Server) rejected(ctx context.Context, body []byte, err error) {
	reason := "internal"
	var pipeErr *authz.Error
	if errors.As(err, &pipeErr) {
		reason = string(pipeErr.Kind)
		log.Printf("authorize rejected: %v", pipeErr)
	} else {
		log.Printf("authorize failed: %v", err)
	}
	s.Metrics.IncOutcome("REJECTED")
	s.Metrics.IncDeclineReason(reason)
	s.Events.Publish(events.NewEvent(events.TypeRejected, map[string]string{"reason": reason}))
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "reference_id")
	rec, err := s.Audit.Get(r.Context(), referenceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, http.StatusNotFound, "unknown reference id")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"referenceId":   rec.ReferenceID,
		"payeeId":       rec.PayeeID,
		"paymentMethod": rec.PaymentMethod,
		"amount":        rec.Amount,
		"currency":      rec.Currency,
		"outcome":       rec.Outcome,
		"reason":        rec.Reason,
		"testMode":      rec.TestMode,
		"createdAt":     rec.CreatedAt.UTC().Format(time.RFC3339),
		"response":      rec.ResponseRaw,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// accountDataSource maps an authenticated account to the settlement payload
// for the method: account ids are IBANs for the direct method, card
// credentials come from the card table.
func accountDataSource(db providerDB) func(ctx context.Context, accountID string, m methods.Method) (methods.AccountData, error) {
	return func(ctx context.Context, accountID string, m methods.Method) (methods.AccountData, error) {
		switch m.URI {
		case methods.MethodBankDirect:
			return methods.BankDirectAccountData{IBAN: accountID}, nil
		case methods.MethodOmniCard:
			var card methods.OmniCardAccountData
			err := db.QueryRow(ctx, `
				SELECT card_number, card_holder, card_expires, card_security_code
				FROM payer_cards WHERE account_id=$1
			`, accountID).Scan(&card.CardNumber, &card.CardHolder, &card.Expires, &card.SecurityCode)
			if err != nil {
				return nil, fmt.Errorf("card lookup: %w", err)
			}
			return card, nil
		default:
			return nil, fmt.Errorf("no account data for method %q", m.URI)
		}
	}
}

// parseStepUpThreshold returns nil (step-up disabled) for an empty or
// unparsable value.
func parseStepUpThreshold(raw string) *big.Rat {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	threshold, err := models.ParseAmount(raw)
	if err != nil {
		log.Printf("ignoring bad STEPUP_THRESHOLD %q: %v", raw, err)
		return nil
	}
	return threshold
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
