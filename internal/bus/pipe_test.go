package bus

import (
	"errors"
	"sync"
)

// pipeConn is an in-memory wireConn pair standing in for a websocket
// connection: each end's WriteMessage feeds the other end's
// ReadMessage, message boundaries preserved (one Write is one Read),
// matching the gorilla/websocket framing the production conn.go relies
// on. Closing one end unblocks that end's own pending ReadMessage, the
// same way closing a real websocket connection does locally.
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
		return 2, data, nil // 2 == websocket.BinaryMessage
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
