package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/internal/store"
	"reasoningbank/pkg/types"
)

func testPattern(id, context, strategy string) types.Pattern {
	return types.Pattern{
		ID:        types.PatternID(id),
		Task:      "solve " + context,
		Context:   context,
		Strategy:  strategy,
		Embedding: []float32{0.1, 0.2, 0.3},
		CreatedAt: time.Now(),
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir(), 3)
	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func readPeerHello(t *testing.T, conn *pipeConn) {
	t.Helper()
	f, err := recvFrame(conn, map[types.FrameKind]bool{types.KindHello: true})
	require.NoError(t, err)
	require.Equal(t, types.KindHello, f.Kind)
	_, err = frame.DecodeHello(f.Payload)
	require.NoError(t, err)
}

func TestCycleBootstrapsUnknownPeerFromSnapshot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(context.Background(), testPattern("p1", "ctx-a", "strategy-1"))
	require.NoError(t, err)

	dialer := newFakeDialer()
	g := New(DefaultConfig(3), dialer, s, zap.NewNop())
	g.AddPeer("peer-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		server := <-dialer.accepted("peer-1")
		readPeerHello(t, server)

		f, err := recvFrame(server, map[types.FrameKind]bool{types.KindSnapshotRequest: true})
		require.NoError(t, err)
		req, err := frame.DecodeSnapshotRequest(f.Payload)
		require.NoError(t, err)
		require.Equal(t, int64(0), req.SinceTimestamp)

		chunk := frame.SnapshotChunk{
			Patterns: []types.Pattern{testPattern("remote-1", "ctx-b", "strategy-2")},
		}
		require.NoError(t, sendFrame(server, frame.Frame{
			Kind:    types.KindSnapshotChunk,
			Flags:   types.FlagEndOfStream,
			Payload: frame.EncodeSnapshotChunk(chunk),
		}))
	}()

	require.NoError(t, g.Cycle(context.Background()))
	<-done

	got, err := s.Get(context.Background(), "remote-1")
	require.NoError(t, err)
	require.Equal(t, "ctx-b", got.Context)

	peers := g.snapshotPeers()
	require.Len(t, peers, 1)
	require.False(t, peers[0].since().IsZero())
}

func TestCycleOffersIncrementalAndServesRequest(t *testing.T) {
	s := newTestStore(t)
	pat := testPattern("local-1", "ctx-a", "strategy-1")
	_, err := s.Insert(context.Background(), pat)
	require.NoError(t, err)

	dialer := newFakeDialer()
	g := New(DefaultConfig(3), dialer, s, zap.NewNop())
	g.AddPeer("peer-1")
	// Seed the peer with a non-zero watermark so the next cycle takes
	// the incremental path instead of bootstrapping.
	g.snapshotPeers()[0].recordExchange(pat.CreatedAt.Add(-time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		server := <-dialer.accepted("peer-1")
		readPeerHello(t, server)

		f, err := recvFrame(server, map[types.FrameKind]bool{types.KindPatternOffered: true})
		require.NoError(t, err)
		offer, err := frame.DecodePatternOffered(f.Payload)
		require.NoError(t, err)
		require.Equal(t, pat.ID, offer.ID)

		require.NoError(t, sendFrame(server, frame.Frame{
			Kind:    types.KindPatternRequested,
			Payload: frame.EncodePatternRequested(frame.PatternRequested{ID: offer.ID}),
		}))

		full, err := recvFrame(server, map[types.FrameKind]bool{types.KindPatternFull: true})
		require.NoError(t, err)
		decoded, err := frame.DecodePatternFull(full.Payload)
		require.NoError(t, err)
		require.Equal(t, pat.ID, decoded.Pattern.ID)
	}()

	require.NoError(t, g.Cycle(context.Background()))
	<-done

	watermark := g.snapshotPeers()[0].since()
	require.False(t, watermark.Before(pat.CreatedAt))
}

func TestCycleDrainWindowEndsExchangeWithoutExplicitDoneFrame(t *testing.T) {
	s := newTestStore(t)
	pat := testPattern("local-1", "ctx-a", "strategy-1")
	_, err := s.Insert(context.Background(), pat)
	require.NoError(t, err)

	dialer := newFakeDialer()
	cfg := DefaultConfig(3)
	cfg.DrainWindow = 50 * time.Millisecond
	g := New(cfg, dialer, s, zap.NewNop())
	g.AddPeer("peer-1")
	g.snapshotPeers()[0].recordExchange(pat.CreatedAt.Add(-time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		server := <-dialer.accepted("peer-1")
		readPeerHello(t, server)
		_, err := recvFrame(server, map[types.FrameKind]bool{types.KindPatternOffered: true})
		require.NoError(t, err)
		// Peer already holds this pattern: it sends no PatternRequested
		// reply at all. The gossiper must still finish the cycle, rather
		// than block forever waiting for a reply.
	}()

	start := time.Now()
	require.NoError(t, g.Cycle(context.Background()))
	elapsed := time.Since(start)
	<-done

	require.GreaterOrEqual(t, elapsed, cfg.DrainWindow)
	require.Less(t, elapsed, 2*time.Second)
}

func TestCycleContinuesPastOnePeerFailure(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(context.Background(), testPattern("p1", "ctx-a", "strategy-1"))
	require.NoError(t, err)

	dialer := newFakeDialer()
	g := New(DefaultConfig(3), dialer, s, zap.NewNop())
	g.AddPeer("peer-bad")
	g.AddPeer("peer-good")

	done := make(chan struct{}, 2)
	go func() {
		server := <-dialer.accepted("peer-bad")
		readPeerHello(t, server)
		// Close without replying: the peer's read of SnapshotRequest
		// will error out, and exchangeWithPeer should surface that as a
		// per-peer failure without affecting peer-good.
		_ = server.Close()
		done <- struct{}{}
	}()
	go func() {
		server := <-dialer.accepted("peer-good")
		readPeerHello(t, server)
		f, err := recvFrame(server, map[types.FrameKind]bool{types.KindSnapshotRequest: true})
		require.NoError(t, err)
		_, err = frame.DecodeSnapshotRequest(f.Payload)
		require.NoError(t, err)
		chunk := frame.SnapshotChunk{Patterns: nil}
		require.NoError(t, sendFrame(server, frame.Frame{
			Kind:    types.KindSnapshotChunk,
			Flags:   types.FlagEndOfStream,
			Payload: frame.EncodeSnapshotChunk(chunk),
		}))
		done <- struct{}{}
	}()

	// Cycle swallows individual peer errors (logged, not returned) so
	// that one unreachable peer never aborts the round for the rest.
	require.NoError(t, g.Cycle(context.Background()))
	<-done
	<-done

	var goodPeer *Peer
	for _, p := range g.snapshotPeers() {
		if p.Address == "peer-good" {
			goodPeer = p
		}
	}
	require.NotNil(t, goodPeer)
	require.False(t, goodPeer.since().IsZero())
}
