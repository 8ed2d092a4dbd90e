package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/donnacn/saturn/pkg/envelope"
	"github.com/donnacn/saturn/pkg/models"
)

// ManagerConfig describes the authority objects this node publishes.
// ProviderSigner and AttestationSigner are each optional; a node may publish
// only its own ProviderAuthority, only payee attestations, or both.
type ManagerConfig struct {
	ProviderAuthorityURL string
	HomePage             string
	AuthorizationURL     string
	TransactionURL       string
	AcceptedAccountTypes []string
	EncryptionParameters []models.EncryptionParameter
	HostingProvider      *models.HostingProvider
	ProviderSigner       *envelope.CertSigner

	// PayeeAuthorityBase is the URL prefix under which payee authority
	// objects are served; the payee id is appended as the final segment.
	PayeeAuthorityBase string
	Payees             []models.PayeeCoreProperties
	AttestationSigner  *envelope.KeySigner

	ExpirySeconds int
	Logging       bool
}

// Manager owns this node's published authority blobs. Generation computes
// new signed buffers before swapping the references, so readers never wait
// on signing.
type Manager struct {
	mu  sync.Mutex
	cfg ManagerConfig

	providerBlob []byte
	payeeBlobs   map[string][]byte

	status chan error
}

// NewManager synchronously produces the initial blobs; a signing failure
// here is a fatal startup error.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ExpirySeconds <= 0 {
		return nil, errors.New("authority expiry must be positive")
	}
	if cfg.ProviderSigner == nil && cfg.AttestationSigner == nil {
		return nil, errors.New("at least one signer required")
	}
	if cfg.HostingProvider == nil && cfg.ProviderSigner != nil && cfg.AttestationSigner != nil {
		// payee authorities are signed with the attestation key, not the
		// provider certificate key; publish it so resolvers can match the
		// two ends of the chain
		cfg.HostingProvider = &models.HostingProvider{
			HomePage:  cfg.HomePage,
			PublicKey: cfg.AttestationSigner.Header().PublicKey,
		}
	}
	m := &Manager{
		cfg:        cfg,
		payeeBlobs: map[string][]byte{},
		status:     make(chan error, 1),
	}
	if err := m.update(); err != nil {
		return nil, err
	}
	return m, nil
}

// RenewCycle is half the expiry window: expirySeconds x 500ms.
func (m *Manager) RenewCycle() time.Duration {
	return time.Duration(m.cfg.ExpirySeconds) * 500 * time.Millisecond
}

// ProviderAuthorityBlob returns the latest signed ProviderAuthority bytes,
// or nil if no provider signer is configured.
func (m *Manager) ProviderAuthorityBlob() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providerBlob
}

// PayeeAuthorityBlob returns the latest signed PayeeAuthority bytes for a
// payee id, or nil for unknown ids.
func (m *Manager) PayeeAuthorityBlob(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payeeBlobs[id]
}

// PayeeAuthorityURL returns the URL a payee's authority object is served at.
func (m *Manager) PayeeAuthorityURL(id string) string {
	return strings.TrimSuffix(m.cfg.PayeeAuthorityBase, "/") + "/" + id
}

// UpdateProviderSigner swaps the provider signing key and regenerates
// synchronously, so the published blob never lags a key rotation.
func (m *Manager) UpdateProviderSigner(signer *envelope.CertSigner) error {
	m.mu.Lock()
	m.cfg.ProviderSigner = signer
	m.mu.Unlock()
	return m.update()
}

// Status reports the error that terminated the refresh loop. The loop is
// fail-fast: main should treat a status message as fatal.
func (m *Manager) Status() <-chan error {
	return m.status
}

// Run regenerates the published blobs every renew cycle until the context is
// cancelled or generation fails. A generation failure stops the loop and is
// reported on the status channel.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.RenewCycle())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.update(); err != nil {
				m.status <- fmt.Errorf("authority refresh: %w", err)
				return
			}
		}
	}
}

func (m *Manager) update() error {
	m.mu.Lock()
	providerSigner := m.cfg.ProviderSigner
	m.mu.Unlock()

	now := time.Now()
	expires := now.Add(time.Duration(m.cfg.ExpirySeconds) * time.Second)

	var providerBlob []byte
	if providerSigner != nil {
		blob, err := m.encodeProviderAuthority(providerSigner, now, expires)
		if err != nil {
			return fmt.Errorf("encode provider authority: %w", err)
		}
		providerBlob = blob
	}

	payeeBlobs := map[string][]byte{}
	if m.cfg.AttestationSigner != nil {
		for _, payee := range m.cfg.Payees {
			blob, err := m.encodePayeeAuthority(payee, now, expires)
			if err != nil {
				return fmt.Errorf("encode payee authority %s: %w", payee.PayeeID, err)
			}
			payeeBlobs[payee.PayeeID] = blob
			if m.cfg.Logging {
				log.Printf("updated %s for payee %s", models.MsgPayeeAuthority, payee.PayeeID)
			}
		}
	}

	m.mu.Lock()
	if providerBlob != nil {
		m.providerBlob = providerBlob
	}
	if m.cfg.AttestationSigner != nil {
		m.payeeBlobs = payeeBlobs
	}
	m.mu.Unlock()
	if m.cfg.Logging && providerBlob != nil {
		log.Printf("updated %s", models.MsgProviderAuthority)
	}
	return nil
}

func (m *Manager) encodeProviderAuthority(signer *envelope.CertSigner, now, expires time.Time) (json.RawMessage, error) {
	doc := models.ProviderAuthority{
		Message:              models.MsgProviderAuthority,
		AuthorityURL:         m.cfg.ProviderAuthorityURL,
		HomePage:             m.cfg.HomePage,
		AuthorizationURL:     m.cfg.AuthorizationURL,
		TransactionURL:       m.cfg.TransactionURL,
		AcceptedAccountTypes: m.cfg.AcceptedAccountTypes,
		EncryptionParameters: m.cfg.EncryptionParameters,
		HostingProvider:      m.cfg.HostingProvider,
		TimeStamp:            models.FormatTime(now),
		Expires:              models.FormatTime(expires),
	}
	if doc.AuthorizationURL == "" && doc.TransactionURL == "" {
		return nil, errors.New("at least one service endpoint required")
	}
	if len(doc.EncryptionParameters) == 0 {
		return nil, errors.New("encryption parameters required")
	}
	return envelope.Sign(doc, *signer)
}

func (m *Manager) encodePayeeAuthority(payee models.PayeeCoreProperties, now, expires time.Time) (json.RawMessage, error) {
	doc := models.PayeeAuthority{
		Message:              models.MsgPayeeAuthority,
		AuthorityURL:         m.PayeeAuthorityURL(payee.PayeeID),
		ProviderAuthorityURL: m.cfg.ProviderAuthorityURL,
		PayeeCoreProperties:  payee,
		TimeStamp:            models.FormatTime(now),
		Expires:              models.FormatTime(expires),
	}
	return envelope.Sign(doc, *m.cfg.AttestationSigner)
}
