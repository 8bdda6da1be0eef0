// Package gossip implements the periodic peer-exchange layer of spec
// §4.7: for each known peer, push summaries of patterns committed
// since the last successful exchange and let the peer pull what it's
// missing, with a one-time snapshot bootstrap on first contact.
//
// Where internal/bus plays the server role of the wire protocol
// (accepting connections, classifying streams), gossip plays the
// client role against remote peers: it dials out, sends its own
// Hello, then drives the pattern-sync (or snapshot bootstrap)
// exchange directly over that one connection. A peer's own gossip
// cycle dialing back into this node is handled symmetrically by
// internal/bus on the receiving end.
package gossip

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reasoningbank/pkg/types"
)

// PatternStore is the subset of internal/store.Store gossip needs.
type PatternStore interface {
	Insert(ctx context.Context, p types.Pattern) (types.PatternID, error)
	Get(ctx context.Context, id types.PatternID) (types.Pattern, error)
	IterSince(ctx context.Context, since time.Time) <-chan types.Pattern
}

// Config controls the periodic exchange cycle and the Hello this node
// presents to peers (spec §4.7, §6.4's gossip.* keys).
type Config struct {
	Interval        time.Duration
	ExchangeTimeout time.Duration
	DrainWindow     time.Duration // how long to wait for trailing PatternRequested replies
	MaxConcurrent   int
	ProtocolVersion uint16
	EmbeddingDim    uint32
	CreditPerStream uint32
	IssuerKey       [32]byte
	CapabilityToken string
}

// DefaultConfig returns spec §6.4's documented gossip defaults.
func DefaultConfig(embeddingDim uint32) Config {
	return Config{
		Interval:        30 * time.Second,
		ExchangeTimeout: 30 * time.Second,
		DrainWindow:     2 * time.Second,
		MaxConcurrent:   8,
		ProtocolVersion: types.ProtocolVersion,
		EmbeddingDim:    embeddingDim,
		CreditPerStream: 64,
	}
}

// Peer is a known gossip target. A zero lastExchange means this node
// has never successfully exchanged with it, triggering the
// anti-entropy snapshot bootstrap on the next cycle instead of an
// incremental offer.
type Peer struct {
	Address string

	mu           sync.Mutex
	lastExchange time.Time
}

func (p *Peer) since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExchange
}

func (p *Peer) recordExchange(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.lastExchange) {
		p.lastExchange = t
	}
}

// Dialer opens a transport connection to a peer address. Production
// code uses WebsocketDialer; tests substitute an in-memory pair.
type Dialer interface {
	Dial(ctx context.Context, address string) (wireConn, error)
}

// Gossiper drives periodic exchange with a set of peers.
type Gossiper struct {
	cfg    Config
	dialer Dialer
	store  PatternStore
	log    *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
}

func New(cfg Config, dialer Dialer, store PatternStore, log *zap.Logger) *Gossiper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gossiper{cfg: cfg, dialer: dialer, store: store, log: log, peers: make(map[string]*Peer)}
}

// AddPeer registers address for future gossip cycles if not already known.
func (g *Gossiper) AddPeer(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.peers[address]; !ok {
		g.peers[address] = &Peer{Address: address}
	}
}

// RemovePeer drops address from future gossip cycles.
func (g *Gossiper) RemovePeer(address string) {
	g.mu.Lock()
	delete(g.peers, address)
	g.mu.Unlock()
}

// Peers lists currently known peer addresses.
func (g *Gossiper) Peers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.peers))
	for addr := range g.peers {
		out = append(out, addr)
	}
	return out
}

func (g *Gossiper) snapshotPeers() []*Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, p)
	}
	return out
}

// Run fires a gossip Cycle every cfg.Interval until ctx is cancelled.
func (g *Gossiper) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Cycle(ctx); err != nil {
				g.log.Warn("gossip cycle error", zap.Error(err))
			}
		}
	}
}

// Cycle runs one fan-out round across every known peer, bounded by
// cfg.MaxConcurrent. A single peer's failure is logged and does not
// abort the round for the others.
func (g *Gossiper) Cycle(ctx context.Context) error {
	peers := g.snapshotPeers()
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.cfg.MaxConcurrent)
	for _, p := range peers {
		p := p
		grp.Go(func() error {
			if err := g.exchangeWithPeer(gctx, p); err != nil {
				g.log.Warn("gossip exchange failed", zap.String("peer", p.Address), zap.Error(err))
			}
			return nil
		})
	}
	return grp.Wait()
}
