// Package captoken encodes and verifies the gateway's signed tokens.
// Three kinds share the compact JWT format: capability tokens carried by
// agents, single-use override tokens minted on approval, and session
// tokens for human operators.
package captoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
)

const (
	TypeCapability = "capability_token"
	TypeOverride   = "override"
)

var (
	ErrInvalidToken  = errors.New("captoken: invalid token")
	ErrWrongKind     = errors.New("captoken: wrong token kind")
	ErrUnknownIssuer = errors.New("captoken: unknown issuer")
)

// CapabilityClaims is the payload of an agent capability token.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	AgentID            string                      `json:"agent_id"`
	OrgID              string                      `json:"org_id"`
	UAPKID             string                      `json:"uapk_id,omitempty"`
	Capabilities       []string                    `json:"capabilities"`
	AllowedActionTypes []string                    `json:"allowed_action_types,omitempty"`
	AllowedTools       []string                    `json:"allowed_tools,omitempty"`
	Constraints        *contracts.TokenConstraints `json:"constraints,omitempty"`
	TokenType          string                      `json:"type"`
}

// TokenID is the store key for this token (the sub claim).
func (c *CapabilityClaims) TokenID() string { return c.Subject }

// OverrideClaims is the payload of a single-use override token. The
// jti always contains "override" so tokens are distinguishable even
// before the type claim is inspected.
type OverrideClaims struct {
	jwt.RegisteredClaims
	OrgID      string `json:"org_id"`
	UAPKID     string `json:"uapk_id"`
	AgentID    string `json:"agent_id"`
	ActionHash string `json:"action_hash"`
	ApprovalID string `json:"approval_id"`
	TokenType  string `json:"type"`
}

// SessionClaims is the payload of a human operator session token.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// UserID is the authenticated user (the sub claim).
func (c *SessionClaims) UserID() string { return c.Subject }

// IssuerKeyFunc resolves the Ed25519 public key of a registered
// external issuer. A nil return (with nil error) means the issuer is
// unknown or revoked.
type IssuerKeyFunc func(issuerID string) (ed25519.PublicKey, error)

// Codec mints and verifies the gateway's tokens. Capability and
// override tokens use the gateway's Ed25519 keypair; session tokens
// use a symmetric secret so existing operator clients keep working.
type Codec struct {
	signer        *crypto.Signer
	issuerKeys    IssuerKeyFunc
	sessionSecret []byte
	sessionMethod jwt.SigningMethod
	sessionExpiry time.Duration
}

// New builds a codec. sessionAlg is the JWT algorithm name for session
// tokens (HS256 unless configured otherwise); issuerKeys may be nil if
// external issuers are not in play.
func New(signer *crypto.Signer, issuerKeys IssuerKeyFunc, sessionSecret, sessionAlg string, sessionExpiry time.Duration) (*Codec, error) {
	method := jwt.GetSigningMethod(sessionAlg)
	if method == nil {
		return nil, fmt.Errorf("captoken: unsupported session algorithm %q", sessionAlg)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("captoken: session algorithm must be HMAC, got %q", sessionAlg)
	}
	return &Codec{
		signer:        signer,
		issuerKeys:    issuerKeys,
		sessionSecret: []byte(sessionSecret),
		sessionMethod: method,
		sessionExpiry: sessionExpiry,
	}, nil
}

// NewTokenID returns a fresh capability token id, "cap-" + 24 hex chars.
func NewTokenID() string { return "cap-" + crypto.RandomHex(12) }

// MintCapability signs a capability token. The claims' Subject must be
// the store token_id; IssuedAt and type are filled here.
func (c *Codec) MintCapability(claims *CapabilityClaims, now time.Time) (string, error) {
	claims.IssuedAt = jwt.NewNumericDate(now.UTC())
	claims.TokenType = TypeCapability
	if claims.Issuer == "" {
		claims.Issuer = contracts.GatewayIssuerID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(c.signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("captoken: capability signing failed: %w", err)
	}
	return signed, nil
}

// VerifyCapability parses and verifies a capability token. Tokens with
// iss other than "gateway" are verified under the registered issuer's
// public key. Only EdDSA signatures are accepted.
func (c *Codec) VerifyCapability(token string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, c.asymmetricKeyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TypeCapability {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// MintOverride signs an override token bound to an action hash. ttl is
// clamped by the caller (60 to 3600 seconds at the API edge).
func (c *Codec) MintOverride(claims *OverrideClaims, now time.Time, ttl time.Duration) (string, error) {
	now = now.UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.ID = "override-" + crypto.RandomHex(8)
	claims.TokenType = TypeOverride
	if claims.Issuer == "" {
		claims.Issuer = contracts.GatewayIssuerID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(c.signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("captoken: override signing failed: %w", err)
	}
	return signed, nil
}

// VerifyOverride parses and verifies an override token. The single-use
// check happens later against the used-token table; this only proves
// the token is genuine, unexpired, and of the right kind.
func (c *Codec) VerifyOverride(token string) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, c.asymmetricKeyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TypeOverride || !strings.Contains(claims.ID, "override") {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// MintSession signs a session token for a human operator.
func (c *Codec) MintSession(userID string, now time.Time) (string, error) {
	now = now.UTC()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.sessionExpiry)),
		},
	}
	tok := jwt.NewWithClaims(c.sessionMethod, claims)
	signed, err := tok.SignedString(c.sessionSecret)
	if err != nil {
		return "", fmt.Errorf("captoken: session signing failed: %w", err)
	}
	return signed, nil
}

// VerifySession parses and verifies a session token.
func (c *Codec) VerifySession(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.sessionSecret, nil
	}, jwt.WithValidMethods([]string{c.sessionMethod.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) asymmetricKeyFunc(t *jwt.Token) (any, error) {
	iss, err := t.Claims.GetIssuer()
	if err != nil {
		return nil, err
	}
	if iss == "" || iss == contracts.GatewayIssuerID {
		return c.signer.PublicKey(), nil
	}
	if c.issuerKeys == nil {
		return nil, ErrUnknownIssuer
	}
	pub, err := c.issuerKeys(iss)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, ErrUnknownIssuer
	}
	return pub, nil
}
