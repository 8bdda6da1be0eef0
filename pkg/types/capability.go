package types

import "time"

// Scope is a named action class a capability may authorize.
type Scope string

const (
	ScopeReadPatterns    Scope = "read_patterns"
	ScopeWritePatterns   Scope = "write_patterns"
	ScopeStreamReasoning Scope = "stream_reasoning"
	ScopeRequestSnapshot Scope = "request_snapshot"
	ScopeGossip          Scope = "gossip"
)

// HighCost reports whether successful use of the scope consumes one
// unit of a capability's spend cap.
func (s Scope) HighCost() bool {
	return s == ScopeWritePatterns || s == ScopeRequestSnapshot
}

// IntentCapability is a signed token attached to bus actions, bounding
// what the bearer may do. The wire form is an EdDSA-signed JWT (see
// internal/capability); this struct is the decoded, verified shape.
type IntentCapability struct {
	IssuerKey  [32]byte  `json:"issuer_key"`
	SubjectKey [32]byte  `json:"subject_key"`
	Scopes     []Scope   `json:"scopes"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	SpendCap   int       `json:"spend_cap"`
	Nonce      string    `json:"nonce"`
	Signature  []byte    `json:"-"`
}

// HasScope reports whether the capability's scope set contains s.
func (c *IntentCapability) HasScope(s Scope) bool {
	for _, sc := range c.Scopes {
		if sc == s {
			return true
		}
	}
	return false
}

// VerifyResult is the outcome of capability verification (spec §4.5).
type VerifyResult string

const (
	Valid             VerifyResult = "valid"
	SignatureInvalid  VerifyResult = "signature_invalid"
	Expired           VerifyResult = "expired"
	NotYetValid       VerifyResult = "not_yet_valid"
	ScopeDenied       VerifyResult = "scope_denied"
	SpendExhausted    VerifyResult = "spend_exhausted"
	UnknownIssuer     VerifyResult = "unknown_issuer"
)
