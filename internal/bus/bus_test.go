package bus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

func sendHello(t *testing.T, conn *pipeConn, token string, dim uint32) {
	t.Helper()
	err := sendFrame(conn, frame.Frame{Kind: types.KindHello, Payload: frame.EncodeHello(frame.Hello{
		ProtocolVersion: types.ProtocolVersion,
		CapabilityToken: token,
		CreditPerStream: 32,
		EmbeddingDim:    dim,
	})})
	require.NoError(t, err)
}

func TestAcceptSuccessAssignsReadySession(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	token := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	sendHello(t, client, token, 3)

	s, err := b.Accept(context.Background(), server)
	require.NoError(t, err)
	require.Equal(t, types.StateReady, s.State())
	require.Equal(t, 1, b.SessionCount())
}

func TestAcceptRejectsBadProtocolVersion(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	err := sendFrame(client, frame.Frame{Kind: types.KindHello, Payload: frame.EncodeHello(frame.Hello{
		ProtocolVersion: types.ProtocolVersion + 1,
		EmbeddingDim:    3,
	})})
	require.NoError(t, err)

	_, err = b.Accept(context.Background(), server)
	require.Error(t, err)
	kind, ok := bankerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bankerr.KindProtocolError, kind)
	require.Equal(t, 0, b.SessionCount())
}

func TestAcceptRejectsDimensionMismatch(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	token := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	sendHello(t, client, token, 99)

	_, err := b.Accept(context.Background(), server)
	require.Error(t, err)
	kind, _ := bankerr.KindOf(err)
	require.Equal(t, bankerr.KindDimensionMismatch, kind)
}

func TestAcceptRejectsInvalidCapability(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	token := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	tampered := token[:len(token)-2] + "zz"
	sendHello(t, client, tampered, 3)

	_, err := b.Accept(context.Background(), server)
	require.Error(t, err)
	kind, _ := bankerr.KindOf(err)
	require.Equal(t, bankerr.KindSignatureInvalid, kind)
}

func TestAcceptTimesOutWithoutHello(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	b.cfg.HandshakeTimeout = 50 * time.Millisecond
	_, server := newPipe()

	_, err := b.Accept(context.Background(), server)
	require.Error(t, err)
}

func TestSessionLimitRejectsOverflow(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	b.cfg.MaxSessions = 1

	client1, server1 := newPipe()
	token1 := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	sendHello(t, client1, token1, 3)
	s1, err := b.Accept(context.Background(), server1)
	require.NoError(t, err)
	require.NotEmpty(t, s1.ID())

	client2, server2 := newPipe()
	token2 := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n2")
	sendHello(t, client2, token2, 3)
	_, err = b.Accept(context.Background(), server2)
	require.Error(t, err)
	kind, _ := bankerr.KindOf(err)
	require.Equal(t, bankerr.KindTooManySessions, kind)

	_, data, rerr := client2.ReadMessage()
	require.NoError(t, rerr)
	gf, err := frame.Read(bytes.NewReader(data), nil)
	require.NoError(t, err)
	require.Equal(t, types.KindGoodbye, gf.Kind)
}

func TestRunHandlesPingAndGoodbye(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	token := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	sendHello(t, client, token, 3)
	s, err := b.Accept(context.Background(), server)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(context.Background(), s) }()

	require.NoError(t, sendFrame(client, frame.Frame{Kind: types.KindPing, Payload: frame.EncodePing(frame.Ping{Nonce: 42})}))
	_, data, rerr := client.ReadMessage()
	require.NoError(t, rerr)
	pf, err := frame.Read(bytes.NewReader(data), nil)
	require.NoError(t, err)
	require.Equal(t, types.KindPong, pf.Kind)
	pong, err := frame.DecodePong(pf.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(42), pong.Nonce)

	require.NoError(t, sendFrame(client, frame.Frame{Kind: types.KindGoodbye, Payload: frame.EncodeGoodbye(frame.Goodbye{Reason: "done"})}))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Goodbye")
	}
	require.Equal(t, types.StateClosed, s.State())
	require.Equal(t, 0, b.SessionCount())
}

func TestCapabilityRotateUpdatesGrant(t *testing.T) {
	ti := newTestIssuer(t)
	b, _ := newTestBus(t, ti)
	client, server := newPipe()

	token := ti.token(t, []types.Scope{types.ScopeReadPatterns}, 0, "n1")
	sendHello(t, client, token, 3)
	s, err := b.Accept(context.Background(), server)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx, s) }()

	newToken := ti.token(t, []types.Scope{types.ScopeWritePatterns}, 5, "n2")
	require.NoError(t, sendFrame(client, frame.Frame{Kind: types.KindCapabilityRotate, Payload: frame.EncodeCapabilityRotate(frame.CapabilityRotate{CapabilityToken: newToken})}))

	require.Eventually(t, func() bool {
		return s.currentGrant().HasScope(types.ScopeWritePatterns)
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-runErr
}
