package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/donnacn/saturn/pkg/models"
)

const (
	AlgA256GCM = "A256GCM"
	AlgECDHES  = "ECDH-ES"
)

// Encrypt seals plaintext to a recipient P-256 key using an ephemeral
// ECDH-ES agreement and AES-256-GCM. recipientB64 is the recipient public
// key in the PKIX form advertised in EncryptionParameter.
func Encrypt(plaintext []byte, recipientB64 string) (*models.EncryptedData, error) {
	pub, err := ParsePublicKey(recipientB64)
	if err != nil {
		return nil, err
	}
	recipient, err := toECDHPublic(pub)
	if err != nil {
		return nil, err
	}
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key, err := deriveContentKey(shared)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	return &models.EncryptedData{
		DataEncryptionAlgorithm: AlgA256GCM,
		KeyEncryptionAlgorithm:  AlgECDHES,
		EphemeralKey:            EncodePublicKey(ephemeral.PublicKey()),
		IV:                      base64.StdEncoding.EncodeToString(iv),
		CipherText:              base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an encrypted container, trying each configured decryption
// key in order; the first successful decryption wins.
func Decrypt(ed *models.EncryptedData, keys []*ecdh.PrivateKey) ([]byte, error) {
	if ed == nil {
		return nil, errors.New("missing encrypted data")
	}
	if ed.DataEncryptionAlgorithm != AlgA256GCM {
		return nil, fmt.Errorf("unsupported data encryption algorithm %q", ed.DataEncryptionAlgorithm)
	}
	if ed.KeyEncryptionAlgorithm != AlgECDHES {
		return nil, fmt.Errorf("unsupported key encryption algorithm %q", ed.KeyEncryptionAlgorithm)
	}
	pub, err := ParsePublicKey(ed.EphemeralKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := toECDHPublic(pub)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(ed.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ed.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	var lastErr error
	for _, priv := range keys {
		shared, err := priv.ECDH(ephemeral)
		if err != nil {
			lastErr = err
			continue
		}
		key, err := deriveContentKey(shared)
		if err != nil {
			lastErr = err
			continue
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			lastErr = err
			continue
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := gcm.Open(nil, iv, sealed, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return plaintext, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no decryption keys configured")
	}
	return nil, fmt.Errorf("decryption failed: %w", lastErr)
}

func deriveContentKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(AlgA256GCM))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive content key: %w", err)
	}
	return key, nil
}

func toECDHPublic(pub interface{}) (*ecdh.PublicKey, error) {
	switch k := pub.(type) {
	case *ecdh.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		converted, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("convert public key: %w", err)
		}
		return converted, nil
	default:
		return nil, errors.New("encryption key is not P-256")
	}
}
