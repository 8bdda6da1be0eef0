package gossip

import (
	"context"
	"errors"
	"sync"
)

// pipeConn is an in-memory wireConn pair standing in for the
// websocket connection WebsocketDialer would otherwise open.
type pipeConn struct {
	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	out    chan []byte
	in     chan []byte
}

func newPipe() (a, b *pipeConn) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	a = &pipeConn{out: c1, in: c2, stop: make(chan struct{})}
	b = &pipeConn{out: c2, in: c1, stop: make(chan struct{})}
	return a, b
}

var errPipeClosed = errors.New("pipe closed")

func (p *pipeConn) WriteMessage(messageType int, data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPipeClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.out <- buf:
		return nil
	case <-p.stop:
		return errPipeClosed
	}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return 0, nil, errPipeClosed
		}
		return 2, data, nil
	case <-p.stop:
		return 0, nil, errPipeClosed
	}
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	close(p.out)
	return nil
}

// fakeDialer hands back an in-memory pipe for each Dial call and
// pushes the server-side end onto a per-address channel, so a test's
// peer goroutine can pick up each new connection as it's dialed
// (gossip may dial the same address again on a later cycle).
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]chan *pipeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]chan *pipeConn)}
}

func (d *fakeDialer) accepted(address string) chan *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.conns[address]
	if !ok {
		ch = make(chan *pipeConn, 8)
		d.conns[address] = ch
	}
	return ch
}

func (d *fakeDialer) Dial(ctx context.Context, address string) (wireConn, error) {
	client, server := newPipe()
	d.accepted(address) <- server
	return client, nil
}
