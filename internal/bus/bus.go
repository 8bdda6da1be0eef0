// Package bus implements the neural bus of spec §4.6: a
// stream-multiplexed, capability-enforced transport session per peer.
// Each stream kind is carried over its own websocket connection
// (gorilla/websocket), tagged with a shared session id exchanged
// during Hello — spec §4.6 assumes a transport that natively supports
// independent streams without head-of-line blocking, and a single
// websocket connection per stream gives exactly that property without
// hand-rolling a byte-stream multiplexer.
//
// Session bookkeeping follows the teacher's agent registry
// (internal/agents/registry.go): a map guarded by a RWMutex, repurposed
// from "registered agent handlers" to "active peer sessions".
package bus

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/internal/capability"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// PatternStore is the subset of internal/store.Store the bus needs to
// serve pattern-sync and snapshot streams.
type PatternStore interface {
	Insert(ctx context.Context, p types.Pattern) (types.PatternID, error)
	Get(ctx context.Context, id types.PatternID) (types.Pattern, error)
	IterSince(ctx context.Context, timestamp time.Time) <-chan types.Pattern
	AllStrategyStats(ctx context.Context) ([]types.StrategyStats, error)
}

// Config holds the resource caps and timeouts of spec §6.4's bus.*
// keys.
type Config struct {
	MaxSessions          int
	MaxStreamsPerSession int
	MaxFrameBytes        uint32
	KeepaliveInterval    time.Duration
	HandshakeTimeout     time.Duration
	DrainTimeout         time.Duration
	EmbeddingDim         int
	SnapshotChunkSize    int
}

// DefaultConfig returns the spec's documented bus defaults.
func DefaultConfig(embeddingDim int) Config {
	return Config{
		MaxSessions:          1024,
		MaxStreamsPerSession: 64,
		MaxFrameBytes:        types.MaxFramePayloadBytes,
		KeepaliveInterval:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		DrainTimeout:         10 * time.Second,
		EmbeddingDim:         embeddingDim,
		SnapshotChunkSize:    256,
	}
}

// Bus coordinates sessions for one local node.
type Bus struct {
	cfg      Config
	verifier *capability.Verifier
	store    PatternStore
	log      *zap.Logger

	mu            sync.RWMutex
	sessions      map[string]*Session
	reasoningSink ReasoningSink
}

func New(cfg Config, verifier *capability.Verifier, store PatternStore, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{cfg: cfg, verifier: verifier, store: store, log: log, sessions: make(map[string]*Session)}
}

func (b *Bus) register(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) >= b.cfg.MaxSessions {
		return false
	}
	b.sessions[s.id] = s
	return true
}

func (b *Bus) unregister(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

func (b *Bus) session(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

// SessionCount reports the number of live sessions.
func (b *Bus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

var controlKinds = map[types.FrameKind]bool{
	types.KindHello:            true,
	types.KindGoodbye:          true,
	types.KindPing:             true,
	types.KindPong:             true,
	types.KindCapabilityRotate: true,
}

// Accept runs the handshake on a freshly opened control connection and,
// on success, registers a Ready session and returns it. The caller
// learns the session id from Session.ID before Run blocks, which is
// what lets a transport layer (e.g. the composition root's websocket
// upgrade handler) route a peer's subsequent per-stream connections —
// each opened separately and tagged with this id — to ServeStream.
func (b *Bus) Accept(ctx context.Context, conn wireConn) (*Session, error) {
	sessionID := uuid.NewString()
	log := b.log.With(zap.String("session_id", sessionID))

	hello, err := b.handshake(ctx, sessionID, conn, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := newSession(sessionID, conn)
	s.setGrant(hello.grant, hello.hello.CreditPerStream)
	s.setState(types.StateReady)
	if !b.register(s) {
		sendFrame(conn, frame.Frame{Kind: types.KindGoodbye, Payload: frame.EncodeGoodbye(frame.Goodbye{Reason: string(bankerr.KindTooManySessions)})})
		_ = conn.Close()
		return nil, bankerr.New(bankerr.KindTooManySessions, "session limit reached")
	}
	log.Info("session ready")
	return s, nil
}

// Run drives a session's control stream to completion: the Ready-state
// control loop, until Goodbye, a protocol error, or ctx cancellation.
// It is meant to be called in its own goroutine per accepted
// connection — the actor-per-session unit of spec §9.
func (b *Bus) Run(ctx context.Context, s *Session) error {
	log := b.log.With(zap.String("session_id", s.id))
	defer func() {
		s.setState(types.StateClosed)
		s.closeAllStreams()
		b.unregister(s.id)
		_ = s.control.Close()
	}()
	return b.controlLoop(ctx, s, log)
}

// Serve is the common case of Accept followed immediately by Run,
// convenient when a transport has no use for the session id before the
// control loop starts (e.g. tests, or a transport that multiplexes
// streams some other way than a second connection).
func (b *Bus) Serve(ctx context.Context, conn wireConn) error {
	s, err := b.Accept(ctx, conn)
	if err != nil {
		return err
	}
	return b.Run(ctx, s)
}

type handshakeResult struct {
	hello frame.Hello
	grant *types.IntentCapability
}

func (b *Bus) handshake(ctx context.Context, sessionID string, conn wireConn, log *zap.Logger) (handshakeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	f, err := recvFrameCtx(hctx, conn, map[types.FrameKind]bool{types.KindHello: true})
	if err != nil {
		return handshakeResult{}, err
	}
	if f.Kind != types.KindHello {
		return handshakeResult{}, bankerr.New(bankerr.KindProtocolError, "first frame was not Hello")
	}
	hello, err := frame.DecodeHello(f.Payload)
	if err != nil {
		return handshakeResult{}, err
	}
	if hello.ProtocolVersion != types.ProtocolVersion {
		return handshakeResult{}, bankerr.New(bankerr.KindProtocolError, "unsupported protocol version").
			WithDetail("version", hello.ProtocolVersion)
	}
	if int(hello.EmbeddingDim) != b.cfg.EmbeddingDim {
		return handshakeResult{}, bankerr.New(bankerr.KindDimensionMismatch, "hello embedding_dim does not match store").
			WithDetail("got", hello.EmbeddingDim).WithDetail("want", b.cfg.EmbeddingDim)
	}

	result, grant := b.verifier.VerifyAny(hello.CapabilityToken, time.Now(), sessionID)
	if result != types.Valid {
		log.Warn("handshake capability rejected", zap.String("result", string(result)))
		return handshakeResult{}, bankerr.New(verifyResultKind(result), "capability rejected at handshake")
	}

	return handshakeResult{hello: hello, grant: grant}, nil
}

func (b *Bus) controlLoop(ctx context.Context, s *Session, log *zap.Logger) error {
	incoming := readFramesAsync(s.control, controlKinds)
	keepalive := time.NewTicker(b.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.beginDrain(b.cfg.DrainTimeout)
			sendFrame(s.control, frame.Frame{Kind: types.KindGoodbye, Payload: frame.EncodeGoodbye(frame.Goodbye{Reason: "shutdown"})})
			return ctx.Err()

		case <-keepalive.C:
			if err := sendFrame(s.control, frame.Frame{Kind: types.KindPing, Payload: frame.EncodePing(frame.Ping{Nonce: uint64(time.Now().UnixNano())})}); err != nil {
				return err
			}

		case item, ok := <-incoming:
			if !ok {
				return nil
			}
			if item.err != nil {
				return item.err
			}
			done, err := b.handleControlFrame(s, item.frame, log)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (b *Bus) handleControlFrame(s *Session, f frame.Frame, log *zap.Logger) (sessionDone bool, err error) {
	switch f.Kind {
	case types.KindGoodbye:
		g, derr := frame.DecodeGoodbye(f.Payload)
		if derr != nil {
			return false, derr
		}
		log.Info("peer closed session", zap.String("reason", g.Reason))
		return true, nil

	case types.KindPing:
		p, derr := frame.DecodePing(f.Payload)
		if derr != nil {
			return false, derr
		}
		return false, sendFrame(s.control, frame.Frame{Kind: types.KindPong, Payload: frame.EncodePong(frame.Pong{Nonce: p.Nonce})})

	case types.KindPong:
		_, derr := frame.DecodePong(f.Payload)
		return false, derr

	case types.KindCapabilityRotate:
		rot, derr := frame.DecodeCapabilityRotate(f.Payload)
		if derr != nil {
			return false, derr
		}
		result, grant := b.verifier.VerifyAny(rot.CapabilityToken, time.Now(), s.id)
		if result != types.Valid {
			log.Warn("capability rotation rejected", zap.String("result", string(result)))
			return false, nil
		}
		s.setGrant(grant, 0)
		log.Info("capability rotated",
			zap.String("issuer", hex.EncodeToString(grant.IssuerKey[:])),
			zap.Any("scopes", grant.Scopes))
		return false, nil

	default:
		return false, bankerr.New(bankerr.KindUnknownFrameKind, "unexpected control frame kind").WithDetail("kind", uint16(f.Kind))
	}
}

// verifyResultKind maps a capability VerifyResult to the matching
// bankerr.Kind for propagation.
func verifyResultKind(r types.VerifyResult) bankerr.Kind {
	switch r {
	case types.SignatureInvalid:
		return bankerr.KindSignatureInvalid
	case types.Expired:
		return bankerr.KindExpired
	case types.NotYetValid:
		return bankerr.KindNotYetValid
	case types.ScopeDenied:
		return bankerr.KindScopeDenied
	case types.SpendExhausted:
		return bankerr.KindSpendExhausted
	case types.UnknownIssuer:
		return bankerr.KindUnknownIssuer
	default:
		return bankerr.KindProtocolError
	}
}

type frameOrErr struct {
	frame frame.Frame
	err   error
}

// readFramesAsync runs blocking reads on a background goroutine so the
// caller's select loop can race them against context cancellation and
// timers. The channel closes after the first error (including a
// clean peer-initiated close, surfaced as an error from the
// underlying transport).
func readFramesAsync(conn wireConn, known map[types.FrameKind]bool) <-chan frameOrErr {
	out := make(chan frameOrErr, 1)
	go func() {
		defer close(out)
		for {
			f, err := recvFrame(conn, known)
			out <- frameOrErr{frame: f, err: err}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// recvFrameCtx reads one frame honoring ctx's deadline by racing the
// blocking read against ctx.Done() on a background goroutine. On
// timeout it closes conn, which unblocks that read so the goroutine
// exits.
func recvFrameCtx(ctx context.Context, conn wireConn, known map[types.FrameKind]bool) (frame.Frame, error) {
	ch := make(chan frameOrErr, 1)
	go func() {
		f, err := recvFrame(conn, known)
		ch <- frameOrErr{frame: f, err: err}
	}()
	select {
	case item := <-ch:
		return item.frame, item.err
	case <-ctx.Done():
		_ = conn.Close()
		return frame.Frame{}, bankerr.New(bankerr.KindProtocolError, "handshake timed out")
	}
}
