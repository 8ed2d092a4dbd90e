// Package envelope implements the canonical signed document container that
// underlies every protocol message: a JSON payload carrying a detached
// "signature" member whose value is computed over the canonical byte form of
// the document with the signature value removed.
package envelope

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/donnacn/saturn/pkg/models"
)

const (
	AlgEd25519   = "ed25519"
	AlgECDSAP256 = "ecdsa-p256-sha256"
)

// Signer produces the signature member for a document.
type Signer interface {
	// Header returns the signature member without its value.
	Header() models.Signature
	Sign(payload []byte) ([]byte, error)
}

// KeySigner signs with a raw Ed25519 key; used for payee request signing and
// payee-authority attestation.
type KeySigner struct {
	Private ed25519.PrivateKey
}

func (s KeySigner) Header() models.Signature {
	pub := s.Private.Public().(ed25519.PublicKey)
	return models.Signature{
		Algorithm: AlgEd25519,
		PublicKey: EncodePublicKey(pub),
	}
}

func (s KeySigner) Sign(payload []byte) ([]byte, error) {
	if len(s.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 private key not configured")
	}
	return ed25519.Sign(s.Private, payload), nil
}

// CertSigner signs with an ECDSA P-256 key bound to an X.509 certificate
// path; used for provider authorities and authorization responses.
type CertSigner struct {
	Private *ecdsa.PrivateKey
	Chain   []*x509.Certificate
}

func (s CertSigner) Header() models.Signature {
	path := make([]string, 0, len(s.Chain))
	for _, cert := range s.Chain {
		path = append(path, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return models.Signature{
		Algorithm:       AlgECDSAP256,
		CertificatePath: path,
	}
}

func (s CertSigner) Sign(payload []byte) ([]byte, error) {
	if s.Private == nil {
		return nil, errors.New("ecdsa private key not configured")
	}
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, s.Private, digest[:])
}

// Sign marshals doc, attaches the signature member and returns the canonical
// serialization of the completed document. The returned bytes are what goes
// on the wire; re-serializing them in any other way invalidates the signature.
func Sign(doc interface{}, signer Signer) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if _, exists := m["signature"]; exists {
		return nil, errors.New("document is already signed")
	}
	header := signer.Header()
	sig := map[string]interface{}{"algorithm": header.Algorithm}
	if header.PublicKey != "" {
		sig["publicKey"] = header.PublicKey
	}
	if len(header.CertificatePath) > 0 {
		path := make([]interface{}, 0, len(header.CertificatePath))
		for _, c := range header.CertificatePath {
			path = append(path, c)
		}
		sig["certificatePath"] = path
	}
	m["signature"] = sig

	payload, err := canonicalMap(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}
	sigBytes, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign document: %w", err)
	}
	sig["value"] = base64.StdEncoding.EncodeToString(sigBytes)
	return canonicalMap(m)
}

// Verified describes a successfully checked envelope.
type Verified struct {
	Algorithm string
	// PublicKeyB64 is the PKIX form of the signing key: the raw key for the
	// ed25519 variant, the leaf certificate key for the X.509 variant.
	PublicKeyB64    string
	CertificatePath []*x509.Certificate
}

// Verify checks the detached signature of a canonical signed document and
// returns the signer identity. It does not validate certificate chains
// against any root; that is the trust resolver's job.
func Verify(raw json.RawMessage) (*Verified, error) {
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	sigAny, ok := m["signature"]
	if !ok {
		return nil, errors.New("missing signature")
	}
	sig, ok := sigAny.(map[string]interface{})
	if !ok {
		return nil, errors.New("malformed signature")
	}
	valueB64, _ := sig["value"].(string)
	if valueB64 == "" {
		return nil, errors.New("missing signature value")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(valueB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature value: %w", err)
	}
	delete(sig, "value")
	payload, err := canonicalMap(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}

	alg, _ := sig["algorithm"].(string)
	switch alg {
	case AlgEd25519:
		keyB64, _ := sig["publicKey"].(string)
		if keyB64 == "" {
			return nil, errors.New("ed25519 signature requires publicKey")
		}
		pub, err := ParsePublicKey(keyB64)
		if err != nil {
			return nil, err
		}
		edKey, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("publicKey is not ed25519")
		}
		if !ed25519.Verify(edKey, payload, sigBytes) {
			return nil, errors.New("invalid signature")
		}
		return &Verified{Algorithm: alg, PublicKeyB64: keyB64}, nil
	case AlgECDSAP256:
		pathAny, _ := sig["certificatePath"].([]interface{})
		if len(pathAny) == 0 {
			return nil, errors.New("ecdsa signature requires certificatePath")
		}
		chain := make([]*x509.Certificate, 0, len(pathAny))
		for _, entry := range pathAny {
			der, ok := entry.(string)
			if !ok {
				return nil, errors.New("malformed certificatePath")
			}
			certBytes, err := base64.StdEncoding.DecodeString(der)
			if err != nil {
				return nil, fmt.Errorf("decode certificate: %w", err)
			}
			cert, err := x509.ParseCertificate(certBytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			chain = append(chain, cert)
		}
		leafKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("leaf certificate key is not ecdsa")
		}
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(leafKey, digest[:], sigBytes) {
			return nil, errors.New("invalid signature")
		}
		return &Verified{
			Algorithm:       alg,
			PublicKeyB64:    base64.StdEncoding.EncodeToString(chain[0].RawSubjectPublicKeyInfo),
			CertificatePath: chain,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

// EncodePublicKey renders any supported public key as base64 PKIX DER, the
// form used for key comparison throughout the protocol.
func EncodePublicKey(pub interface{}) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// ParsePublicKey is the inverse of EncodePublicKey.
func ParsePublicKey(b64 string) (interface{}, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

func canonicalMap(m map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return models.Canonicalize(raw)
}
