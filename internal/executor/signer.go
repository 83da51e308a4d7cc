package executor

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Signer produces and checks RSA-PSS/SHA-256 signatures over action lines.
type Signer struct {
	key *rsa.PrivateKey
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// GenerateSigner creates a signer with a fresh key of the given size.
func GenerateSigner(bits int) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("executor: generate key: %w", err)
	}
	return &Signer{key: key}, nil
}

// LoadSigner reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("executor: read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("executor: signing key is not PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("executor: parse signing key: %w", err)
		}
		return &Signer{key: key}, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("executor: parse signing key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("executor: signing key is not RSA")
		}
		return &Signer{key: key}, nil
	default:
		return nil, fmt.Errorf("executor: unsupported PEM block %q", block.Type)
	}
}

// Sign signs msg.
func (s *Signer) Sign(msg string) ([]byte, error) {
	digest := sha256.Sum256([]byte(msg))
	return rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], pssOptions)
}

// Verify reports whether sig is a valid signature of msg.
func (s *Signer) Verify(msg string, sig []byte) bool {
	digest := sha256.Sum256([]byte(msg))
	return rsa.VerifyPSS(&s.key.PublicKey, crypto.SHA256, digest[:], sig, pssOptions) == nil
}
