// Package capability implements the capability verifier of spec §4.5:
// a pure, synchronous check of a signed intent token against the
// current time, a requested scope, observed spend, and an issuer
// registry. Tokens are EdDSA-signed JWTs (golang-jwt/jwt/v5), the same
// library and parsing idiom the teacher uses for OIDC bearer tokens
// (internal/auth/oidc.go), generalized from "validate a bearer token"
// to "validate a scoped, spend-capped capability".
package capability

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reasoningbank/pkg/types"
)

// claims is the JWT claim set backing an IntentCapability.
type claims struct {
	jwt.RegisteredClaims
	Scopes     []string `json:"scopes"`
	SpendCap   int      `json:"spend_cap"`
	SubjectKey string   `json:"subject_key"` // hex-encoded ed25519 public key
}

// Signer issues intent capability tokens on behalf of an issuer key.
type Signer struct {
	issuerKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewSigner creates a Signer for the given keypair.
func NewSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Signer {
	return &Signer{issuerKey: pub, privateKey: priv}
}

// Issue mints a signed token string for the given capability fields.
func (s *Signer) Issue(subjectKey ed25519.PublicKey, scopes []types.Scope, notBefore, notAfter time.Time, spendCap int, nonce string) (string, error) {
	scopeStrs := make([]string, len(scopes))
	for i, sc := range scopes {
		scopeStrs[i] = string(sc)
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    hex.EncodeToString(s.issuerKey),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(notAfter),
			ID:        nonce,
		},
		Scopes:     scopeStrs,
		SpendCap:   spendCap,
		SubjectKey: hex.EncodeToString(subjectKey),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	return token.SignedString(s.privateKey)
}

// Registry resolves an issuer's public key for signature verification
// (spec §4.5's "issuer's public key registry").
type Registry interface {
	PublicKey(issuerKeyHex string) (ed25519.PublicKey, bool)
}

// MapRegistry is a Registry backed by a plain map, sufficient for the
// single-process deployments this spec targets.
type MapRegistry map[string]ed25519.PublicKey

func (r MapRegistry) PublicKey(issuerKeyHex string) (ed25519.PublicKey, bool) {
	k, ok := r[issuerKeyHex]
	return k, ok
}

// parse decodes and signature-verifies a token against registry,
// without checking time/scope/spend (those are checked by Verify and
// VerifyAny so callers can report the most specific VerifyResult).
func parse(token string, registry Registry) (*claims, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.New("unexpected signing method")
		}
		iss, _ := t.Claims.GetIssuer()
		key, ok := registry.PublicKey(iss)
		if !ok {
			return nil, errUnknownIssuer
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, errUnknownIssuer) {
			return nil, errUnknownIssuer
		}
		return nil, errSignatureInvalid
	}
	if !parsed.Valid {
		return nil, errSignatureInvalid
	}
	return &c, nil
}

var (
	errUnknownIssuer    = errors.New("unknown issuer")
	errSignatureInvalid = errors.New("signature invalid")
)

// decodeKey parses a hex-encoded 32-byte key as used in claims' issuer
// and subject_key fields. A malformed or wrong-length key decodes to
// the zero key rather than erroring, since callers only reach this
// path after signature verification already succeeded.
func decodeKey(hexStr string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}

func hexEncode32(key [32]byte) string {
	return hex.EncodeToString(key[:])
}
