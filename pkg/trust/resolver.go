// Package trust resolves the attestation chain from a payee authority URL to
// a root of trust: matching payee and provider authority objects, the
// attestation-key cross-check (direct or via a hosting provider), and
// certificate verification against the configured roots.
package trust

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/donnacn/saturn/pkg/authority"
)

// maxResolveAttempts bounds the cached/non-cached fetch cycle: one cached
// attempt, then exactly one forced refresh. The two ends of the chain are
// cached independently and can disagree for one generation after a key
// rotation; anything a refresh cannot reconcile is a security failure.
const maxResolveAttempts = 2

var (
	// ErrAttestationMismatch means the payee authority was not signed by
	// the provider (or hosting provider) identity key, even after a fresh
	// fetch of both objects.
	ErrAttestationMismatch = errors.New("payee attestation key mismatch")

	// ErrUntrustedProvider means the provider authority certificate chain
	// does not reach the applicable root of trust.
	ErrUntrustedProvider = errors.New("provider authority not issued under a trusted root")
)

// Resolver proves that a payee is attested by a genuine payment partner.
type Resolver struct {
	Fetcher authority.Fetcher

	// PaymentRoot anchors account-to-account providers; AcquirerRoot
	// anchors card-network providers.
	PaymentRoot  *x509.CertPool
	AcquirerRoot *x509.CertPool
}

// Resolve fetches matching payee and provider authority objects and proves
// they were issued by the same attesting identity, then verifies the
// provider against the root of trust selected by the payment class.
func (r *Resolver) Resolve(ctx context.Context, payeeAuthorityURL string, cardPayment bool) (*authority.VerifiedPayeeAuthority, *authority.VerifiedProviderAuthority, error) {
	var (
		payee    *authority.VerifiedPayeeAuthority
		provider *authority.VerifiedProviderAuthority
		matched  bool
	)
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		nonCached := attempt > 0
		pa, err := r.Fetcher.PayeeAuthority(ctx, payeeAuthorityURL, nonCached)
		if err != nil {
			if nonCached {
				// the refresh could not confirm a match; treat as mismatch
				return nil, nil, fmt.Errorf("%w: refresh failed: %v", ErrAttestationMismatch, err)
			}
			return nil, nil, fmt.Errorf("resolve payee authority: %w", err)
		}
		prov, err := r.Fetcher.ProviderAuthority(ctx, pa.PayeeAuthority.ProviderAuthorityURL, nonCached)
		if err != nil {
			if nonCached {
				return nil, nil, fmt.Errorf("%w: refresh failed: %v", ErrAttestationMismatch, err)
			}
			return nil, nil, fmt.Errorf("resolve provider authority: %w", err)
		}
		if pa.AttestationKey == expectedAttestationKey(prov) {
			payee, provider, matched = pa, prov, true
			break
		}
	}
	if !matched {
		return nil, nil, ErrAttestationMismatch
	}

	root := r.PaymentRoot
	if cardPayment {
		root = r.AcquirerRoot
	}
	if err := verifyChain(provider, root); err != nil {
		return nil, nil, err
	}
	return payee, provider, nil
}

// expectedAttestationKey picks the key the payee authority must have been
// signed with: the hosting provider's key when the provider delegates
// attestation, otherwise the provider's own leaf certificate key.
func expectedAttestationKey(prov *authority.VerifiedProviderAuthority) string {
	if hp := prov.ProviderAuthority.HostingProvider; hp != nil {
		return hp.PublicKey
	}
	return prov.Signature.PublicKeyB64
}

func verifyChain(prov *authority.VerifiedProviderAuthority, root *x509.CertPool) error {
	if root == nil {
		return errors.New("root trust store not configured")
	}
	chain := prov.Signature.CertificatePath
	if len(chain) == 0 {
		return ErrUntrustedProvider
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         root,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedProvider, err)
	}
	return nil
}
