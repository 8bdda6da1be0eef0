package bus

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reasoningbank/internal/capability"
	"reasoningbank/internal/store"
	"reasoningbank/pkg/types"
)

type testIssuer struct {
	signer   *capability.Signer
	registry capability.MapRegistry
}

func newTestIssuer(t *testing.T) testIssuer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := capability.NewSigner(pub, priv)
	registry := capability.MapRegistry{hexKey(pub): pub}
	return testIssuer{signer: signer, registry: registry}
}

func hexKey(pub ed25519.PublicKey) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pub)*2)
	for i, b := range pub {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func (ti testIssuer) token(t *testing.T, scopes []types.Scope, spendCap int, nonce string) string {
	t.Helper()
	subPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	now := time.Now()
	tok, err := ti.signer.Issue(subPub, scopes, now.Add(-time.Minute), now.Add(time.Hour), spendCap, nonce)
	require.NoError(t, err)
	return tok
}

func newTestBus(t *testing.T, ti testIssuer) (*Bus, *store.Store) {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir(), 3)
	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	verifier := capability.NewVerifier(ti.registry, 1024, time.Hour)
	busCfg := DefaultConfig(3)
	busCfg.HandshakeTimeout = 2 * time.Second
	busCfg.KeepaliveInterval = time.Hour
	busCfg.DrainTimeout = time.Second
	return New(busCfg, verifier, s, zap.NewNop()), s
}

func testPattern(context, strategy string) types.Pattern {
	return types.Pattern{
		Task:      "solve " + context,
		Context:   context,
		Strategy:  strategy,
		Embedding: []float32{0.1, 0.2, 0.3},
		CreatedAt: time.Now(),
	}
}
