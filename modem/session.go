package modem

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"i4.energy/across/skgw/sk"
)

// SessionState is the state of the PANA session as observed from the
// device's terminal events.
type SessionState string

const (
	SessionNotEstablished       SessionState = "not-established"
	SessionEstablishing         SessionState = "establishing"
	SessionEstablished          SessionState = "established"
	SessionTerminationRequested SessionState = "termination-requested"
	SessionTerminated           SessionState = "terminated"
	SessionTimedOut             SessionState = "timed-out"
	SessionExpired              SessionState = "expired"
)

// Usable reports whether operations requiring a session may run.
func (s SessionState) Usable() bool {
	return s == SessionEstablished
}

// Session state machine events.
const (
	evJoin         = "join"
	evRejoin       = "rejoin"
	evJoined       = "joined"
	evJoinFailed   = "join-failed"
	evTerminate    = "terminate"
	evTerminated   = "terminated"
	evTermTimeout  = "termination-timeout"
	evTermRejected = "termination-rejected"
	evExpire       = "expire"
)

var (
	closedStates = []string{
		string(SessionNotEstablished),
		string(SessionTerminated),
		string(SessionTimedOut),
		string(SessionExpired),
	}
	sessionEvents = fsm.Events{
		{Name: evJoin, Src: closedStates, Dst: string(SessionEstablishing)},
		{Name: evRejoin, Src: append([]string{string(SessionEstablished)}, closedStates...), Dst: string(SessionEstablishing)},
		{Name: evJoined, Src: []string{string(SessionEstablishing)}, Dst: string(SessionEstablished)},
		{Name: evJoinFailed, Src: []string{string(SessionEstablishing)}, Dst: string(SessionNotEstablished)},
		{Name: evTerminate, Src: []string{string(SessionEstablished)}, Dst: string(SessionTerminationRequested)},
		{Name: evTerminated, Src: []string{string(SessionTerminationRequested)}, Dst: string(SessionTerminated)},
		{Name: evTermTimeout, Src: []string{string(SessionTerminationRequested)}, Dst: string(SessionTimedOut)},
		{Name: evTermRejected, Src: []string{string(SessionTerminationRequested)}, Dst: string(SessionEstablished)},
		{Name: evExpire, Src: []string{string(SessionEstablished)}, Dst: string(SessionExpired)},
	}
)

// SessionEventKind identifies a lifecycle message.
type SessionEventKind uint8

const (
	SessionEventEstablished SessionEventKind = iota + 1
	SessionEventTerminated
	SessionEventTimedOut
	SessionEventExpired
	SessionEventSleep
	SessionEventWake
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionEventEstablished:
		return "established"
	case SessionEventTerminated:
		return "terminated"
	case SessionEventTimedOut:
		return "timed-out"
	case SessionEventExpired:
		return "expired"
	case SessionEventSleep:
		return "sleep"
	case SessionEventWake:
		return "wake"
	}
	return "unknown"
}

// SessionEvent is a lifecycle message delivered on Modem.Events.
type SessionEvent struct {
	Kind SessionEventKind
	// Peer is the PANA authentication agent the message concerns, if any.
	Peer netip.Addr
}

// SessionInfo describes an established PANA session.
type SessionInfo struct {
	LocalAddr netip.Addr
	LocalMAC  sk.MAC
	PeerAddr  netip.Addr
	PeerMAC   sk.MAC
	Channel   uint8
	PANID     uint16
}

// session tracks PANA session state. Transitions are driven by the
// operations in auth.go and by expiry events from the router.
type session struct {
	logger  *slog.Logger
	machine *fsm.FSM

	mu   sync.RWMutex
	peer netip.Addr
	info SessionInfo
	// last survives the session for rejoining.
	last SessionInfo

	events  chan SessionEvent
	dropped *atomic.Int64
}

func newSession(logger *slog.Logger, buffer int) *session {
	s := &session{
		logger:  logger,
		events:  make(chan SessionEvent, buffer),
		dropped: atomic.NewInt64(0),
	}
	s.machine = fsm.NewFSM(string(SessionNotEstablished), sessionEvents, fsm.Callbacks{
		"enter_state": s.onEnterState,
	})
	return s
}

func (s *session) onEnterState(_ context.Context, e *fsm.Event) {
	s.logger.Info("session state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
}

// emit delivers a lifecycle message without blocking. Messages are dropped
// when nobody drains the channel.
func (s *session) emit(kind SessionEventKind, peer netip.Addr) {
	select {
	case s.events <- SessionEvent{Kind: kind, Peer: peer}:
	default:
		s.dropped.Inc()
		s.logger.Warn("session event dropped", "kind", kind.String(), "dropped", s.dropped.Load())
	}
}

func (s *session) state() SessionState {
	return SessionState(s.machine.Current())
}

// peerAddr returns the PAA address, which is only set while established.
func (s *session) peerAddr() (netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state() != SessionEstablished {
		return netip.Addr{}, false
	}
	return s.peer, true
}

func (s *session) sessionInfo() (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state() != SessionEstablished {
		return SessionInfo{}, false
	}
	return s.info, true
}

// transition fires event on the state machine. Leaving the established
// state clears the peer; entering it stores info.
func (s *session) transition(ctx context.Context, event string, info *SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Transitions mirror what the device already did and ignore cancellation.
	if err := s.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return err
	}

	switch SessionState(s.machine.Current()) {
	case SessionEstablished:
		if info != nil {
			s.info = *info
			s.last = *info
			s.peer = info.PeerAddr
		}
		if event != evTermRejected {
			s.emitLocked(SessionEventEstablished)
		}
	case SessionTerminated:
		s.emitLocked(SessionEventTerminated)
		s.clearLocked()
	case SessionTimedOut:
		s.emitLocked(SessionEventTimedOut)
		s.clearLocked()
	case SessionExpired:
		s.emitLocked(SessionEventExpired)
		s.clearLocked()
	case SessionNotEstablished:
		s.clearLocked()
	}
	return nil
}

func (s *session) emitLocked(kind SessionEventKind) {
	s.emit(kind, s.peer)
}

func (s *session) clearLocked() {
	s.peer = netip.Addr{}
	s.info = SessionInfo{}
}

// require fails unless the session is established.
func (s *session) require() error {
	if s.state() != SessionEstablished {
		return ErrSessionNotEstablished
	}
	return nil
}

// forbid fails while a session is established or being established.
func (s *session) forbid() error {
	switch s.state() {
	case SessionEstablished, SessionEstablishing, SessionTerminationRequested:
		return ErrSessionAlreadyEstablished
	}
	return nil
}

// observe reacts to events the router sees outside any command.
func (s *session) observe(ev Event) {
	switch ev.Number {
	case sk.EventTerminationRequested, sk.EventSessionExpired:
		if s.state() != SessionEstablished {
			return
		}
		if err := s.transition(context.Background(), evExpire, nil); err != nil {
			s.logger.Warn("session expiry transition failed", "error", err)
		}
	case sk.EventWokeUp:
		s.emit(SessionEventWake, netip.Addr{})
	}
}

// reset forces the state back to not-established after the device dropped
// its stack state.
func (s *session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.state(); prev != SessionNotEstablished {
		s.logger.Info("session reset", "from", prev)
	}
	s.machine.SetState(string(SessionNotEstablished))
	s.clearLocked()
}

// lastInfo returns the description of the most recent session, even after
// it ended.
func (s *session) lastInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
