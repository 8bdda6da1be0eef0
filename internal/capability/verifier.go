package capability

import (
	"container/list"
	"sync"
	"time"

	"reasoningbank/pkg/types"
)

// Verifier is the pure, synchronous capability check of spec §4.5. It
// is invoked from any bus stream handler without scheduling, so it
// takes no context and performs no I/O beyond its own in-process
// bookkeeping.
type Verifier struct {
	registry Registry

	mu           sync.Mutex
	replay       *lru // nonceKey -> owning session, bounded
	spend        map[spendKey]int
	replayWindow time.Duration
}

// nonceKey identifies a capability for replay binding: (issuer, nonce).
type nonceKey struct {
	issuer, nonce string
}

// spendKey identifies the budget bucket a capability draws against:
// (issuer, subject, nonce), per spec §4.5.
type spendKey struct {
	issuer, subject, nonce string
}

// NewVerifier creates a Verifier with the given issuer registry and
// replay-window retention (spec §6.4's capability.replay_window).
func NewVerifier(registry Registry, replayCapacity int, replayWindow time.Duration) *Verifier {
	return &Verifier{
		registry:     registry,
		replay:       newLRU(replayCapacity),
		spend:        make(map[spendKey]int),
		replayWindow: replayWindow,
	}
}

// Verify checks token against now, the requested scope, and the
// capability's own spend cap, returning one of the VerifyResults of
// spec §4.5. sessionID identifies the session presenting the token: a
// capability may be reused repeatedly within the session that first
// presented it (each high-cost use still draws down spend_cap), but a
// nonce reused by a different session within the replay window is
// rejected as SignatureInvalid.
//
// Verify both binds replay and draws on spend_cap in one call; callers
// that need to validate a capability once at session open and then
// enforce successive per-action scopes/spend against the same grant
// should use VerifyAny followed by CheckSpend instead (see the bus).
func (v *Verifier) Verify(token string, now time.Time, scope types.Scope, sessionID string) (types.VerifyResult, *types.IntentCapability) {
	result, grant := v.VerifyAny(token, now, sessionID)
	if result != types.Valid {
		return result, nil
	}
	if !grant.HasScope(scope) {
		return types.ScopeDenied, nil
	}
	if result := v.CheckSpend(grant, scope); result != types.Valid {
		return result, nil
	}
	return types.Valid, grant
}

// VerifyAny validates token's signature, validity window, and replay
// binding against sessionID, without checking any particular scope or
// drawing on spend_cap. It is the entry point for Hello and
// CapabilityRotate, which establish a capability for later per-action
// enforcement via CheckSpend.
func (v *Verifier) VerifyAny(token string, now time.Time, sessionID string) (types.VerifyResult, *types.IntentCapability) {
	c, err := parse(token, v.registry)
	if err != nil {
		if err == errUnknownIssuer {
			return types.UnknownIssuer, nil
		}
		return types.SignatureInvalid, nil
	}

	nb := c.RegisteredClaims.NotBefore.Time
	na := c.RegisteredClaims.ExpiresAt.Time
	if now.Before(nb) {
		return types.NotYetValid, nil
	}
	if now.After(na) {
		return types.Expired, nil
	}

	nk := nonceKey{issuer: c.RegisteredClaims.Issuer, nonce: c.RegisteredClaims.ID}

	v.mu.Lock()
	bound := v.replay.bind(nk, sessionID, now, v.replayWindow)
	v.mu.Unlock()
	if !bound {
		return types.SignatureInvalid, nil
	}

	grant := &types.IntentCapability{
		IssuerKey:  decodeKey(c.RegisteredClaims.Issuer),
		SubjectKey: decodeKey(c.SubjectKey),
		Scopes:     scopesOf(c.Scopes),
		NotBefore:  nb,
		NotAfter:   na,
		SpendCap:   c.SpendCap,
		Nonce:      c.RegisteredClaims.ID,
	}
	return types.Valid, grant
}

// CheckSpend enforces grant's spend_cap for scope, atomically drawing
// one unit if scope is high-cost and budget remains. Low-cost scopes
// (read_patterns, gossip) always return Valid without consuming
// anything, per spec §4.5.
func (v *Verifier) CheckSpend(grant *types.IntentCapability, scope types.Scope) types.VerifyResult {
	if !scope.HighCost() {
		return types.Valid
	}
	sk := spendKey{issuer: hexEncode32(grant.IssuerKey), subject: hexEncode32(grant.SubjectKey), nonce: grant.Nonce}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.spend[sk] >= grant.SpendCap {
		return types.SpendExhausted
	}
	v.spend[sk]++
	return types.Valid
}

// RecordSpend increments the observed spend for (issuer, subject, nonce)
// after a high-cost action authorized by the matching capability
// succeeds. Exposed for callers (tests, offline accounting) that track
// spend separately from CheckSpend's check-and-increment.
func (v *Verifier) RecordSpend(issuerKeyHex, subjectKeyHex, nonce string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spend[spendKey{issuerKeyHex, subjectKeyHex, nonce}]++
}

func scopesOf(ss []string) []types.Scope {
	out := make([]types.Scope, len(ss))
	for i, s := range ss {
		out[i] = types.Scope(s)
	}
	return out
}

// lru is a bounded map from nonceKey to the session that first bound
// it, used for replay detection across sessions (spec §4.5).
type lru struct {
	capacity int
	ll       *list.List
	index    map[nonceKey]*list.Element
}

type lruEntry struct {
	key       nonceKey
	sessionID string
	seen      time.Time
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lru{capacity: capacity, ll: list.New(), index: make(map[nonceKey]*list.Element)}
}

// bind reports whether key may be used by sessionID at time now: true
// if key is unbound, already bound to sessionID, or its prior binding
// has aged out of window. A fresh or refreshed binding is recorded as
// the side effect of a true result.
func (l *lru) bind(key nonceKey, sessionID string, now time.Time, window time.Duration) bool {
	if el, ok := l.index[key]; ok {
		entry := el.Value.(*lruEntry)
		expired := window > 0 && now.Sub(entry.seen) > window
		if entry.sessionID != sessionID && !expired {
			return false
		}
		entry.sessionID = sessionID
		entry.seen = now
		l.ll.MoveToFront(el)
		return true
	}

	el := l.ll.PushFront(&lruEntry{key: key, sessionID: sessionID, seen: now})
	l.index[key] = el
	for l.ll.Len() > l.capacity {
		back := l.ll.Back()
		if back == nil {
			break
		}
		l.ll.Remove(back)
		delete(l.index, back.Value.(*lruEntry).key)
	}
	return true
}
