// Package config loads the file-based parts of service configuration: the
// payee roster and PEM key material. Everything else comes from environment
// variables in the service mains.
package config

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/donnacn/saturn/pkg/models"
)

// PayeeEntry is one roster row; PublicKey is the payee request signing key
// in base64 PKIX form.
type PayeeEntry struct {
	PayeeID       string   `yaml:"payeeId"`
	CommonName    string   `yaml:"commonName"`
	PublicKey     string   `yaml:"publicKey"`
	AccountHashes []string `yaml:"accountHashes"`
}

type rosterFile struct {
	Payees []PayeeEntry `yaml:"payees"`
}

// LoadPayeeRoster reads the YAML roster of payees this node attests.
func LoadPayeeRoster(path string) ([]models.PayeeCoreProperties, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payee roster: %w", err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse payee roster: %w", err)
	}
	if len(file.Payees) == 0 {
		return nil, errors.New("payee roster is empty")
	}
	out := make([]models.PayeeCoreProperties, 0, len(file.Payees))
	seen := map[string]bool{}
	for _, entry := range file.Payees {
		if entry.PayeeID == "" || entry.PublicKey == "" {
			return nil, fmt.Errorf("roster entry %q missing payeeId or publicKey", entry.PayeeID)
		}
		if seen[entry.PayeeID] {
			return nil, fmt.Errorf("duplicate payee id %q", entry.PayeeID)
		}
		seen[entry.PayeeID] = true
		out = append(out, models.PayeeCoreProperties{
			PayeeID:       entry.PayeeID,
			CommonName:    entry.CommonName,
			PublicKey:     entry.PublicKey,
			AccountHashes: entry.AccountHashes,
		})
	}
	return out, nil
}

func readPEM(path, wantType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	if wantType != "" && block.Type != wantType {
		return nil, fmt.Errorf("%s: PEM block is %q, want %q", path, block.Type, wantType)
	}
	return block.Bytes, nil
}

// LoadEd25519PrivateKey reads a PKCS#8 PEM Ed25519 key.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := readPEM(path, "")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key", path)
	}
	return edKey, nil
}

// LoadECDSAPrivateKey reads a PKCS#8 or SEC 1 PEM ECDSA key.
func LoadECDSAPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	der, err := readPEM(path, "")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an ecdsa key", path)
		}
		return ecKey, nil
	}
	ecKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ecKey, nil
}

// LoadECDHPrivateKey reads a P-256 key for payload decryption.
func LoadECDHPrivateKey(path string) (*ecdh.PrivateKey, error) {
	ecKey, err := LoadECDSAPrivateKey(path)
	if err != nil {
		return nil, err
	}
	key, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// LoadCertificateChain reads a PEM file holding the leaf certificate first.
func LoadCertificateChain(path string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s: no certificates", path)
	}
	return chain, nil
}

// LoadCertPool reads a PEM bundle of trust anchors.
func LoadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("%s: no usable certificates", path)
	}
	return pool, nil
}
