// Package crypto provides the gateway's cryptographic primitives: the
// Ed25519 gateway keypair, authenticated secret encryption, and adaptive
// password hashing.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Signer signs and verifies with the gateway's Ed25519 keypair.
// It is immutable after process init.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromSeed restores a keypair from a base64-encoded 32-byte seed.
func NewSignerFromSeed(seedB64, keyID string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid signing key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		KeyID: keyID,
	}, nil
}

// Sign returns the base64 signature over data.
func (s *Signer) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, data))
}

// SignHex signs the hex-encoded form of a hash. Record signatures are
// computed this way so offline verifiers only need the stored hex hash.
func (s *Signer) SignHex(hashHex string) string {
	return s.Sign([]byte(hashHex))
}

// Verify checks a base64 signature over data under the signer's own key.
func (s *Signer) Verify(data []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

// PublicKeyBase64 returns the public key in the wire encoding.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// PublicKey returns the raw public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PrivateKey returns the raw private key for the token codec.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Seed returns the base64 seed suitable for GATEWAY_SIGNING_KEY.
func (s *Signer) Seed() string {
	return base64.StdEncoding.EncodeToString(s.priv.Seed())
}

// VerifyWithKey checks a base64 signature over data under an arbitrary
// base64-encoded public key (external issuers, historical gateway keys).
func VerifyWithKey(pubB64 string, data []byte, sigB64 string) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature encoding: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(pubB64 string) (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return ed25519.PublicKey(pub), nil
}

// RandomHex returns n random bytes as lowercase hex.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto: rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
