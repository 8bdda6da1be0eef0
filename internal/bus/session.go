package bus

import (
	"sync"
	"time"

	"reasoningbank/pkg/types"
)

// Session holds the state of one bus peer connection: the session
// state machine of spec §4.6, its current capability grant, and the
// open secondary streams classified off it. One Session is owned by
// exactly one goroutine running Bus.Run (the actor-per-session
// pattern of spec §9); other goroutines touch it only through the
// methods below, which take the lock.
type Session struct {
	id      string
	control wireConn

	mu              sync.RWMutex
	state           types.SessionState
	grant           *types.IntentCapability
	creditPerStream uint32
	streams         map[string]*streamHandle
	drainDeadline   time.Time
}

type streamHandle struct {
	kind   types.StreamKind
	conn   wireConn
	credit *creditGate
	cancel func()
}

func newSession(id string, control wireConn) *Session {
	return &Session{
		id:      id,
		control: control,
		state:   types.StateHandshake,
		streams: make(map[string]*streamHandle),
	}
}

// ID returns the session's server-assigned id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setGrant(g *types.IntentCapability, creditPerStream uint32) {
	s.mu.Lock()
	s.grant = g
	if creditPerStream > 0 {
		s.creditPerStream = creditPerStream
	}
	s.mu.Unlock()
}

func (s *Session) currentGrant() *types.IntentCapability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grant
}

// beginDrain transitions Ready -> Draining and records drainDeadline.
// Nothing reads the deadline: Run closes the session and all of its
// streams as soon as the control loop returns.
func (s *Session) beginDrain(grace time.Duration) {
	s.mu.Lock()
	if s.state == types.StateReady {
		s.state = types.StateDraining
		s.drainDeadline = time.Now().Add(grace)
	}
	s.mu.Unlock()
}

func (s *Session) addStream(streamID string, h *streamHandle) (ok bool, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateReady {
		return false, len(s.streams)
	}
	s.streams[streamID] = h
	return true, len(s.streams)
}

func (s *Session) removeStream(streamID string) {
	s.mu.Lock()
	if h, ok := s.streams[streamID]; ok {
		delete(s.streams, streamID)
		if h.cancel != nil {
			h.cancel()
		}
	}
	s.mu.Unlock()
}

func (s *Session) streamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// closeAllStreams aborts every open secondary stream, used when the
// session transitions to Closed.
func (s *Session) closeAllStreams() {
	s.mu.Lock()
	handles := make([]*streamHandle, 0, len(s.streams))
	for id, h := range s.streams {
		handles = append(handles, h)
		delete(s.streams, id)
	}
	s.mu.Unlock()
	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
		_ = h.conn.Close()
	}
}
