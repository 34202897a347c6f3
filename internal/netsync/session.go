package netsync

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
)

// State is the join progress of a peer session.
type State uint8

const (
	StateConnecting State = iota
	StateAuthorizing
	StateAuthenticated
	StateAwaitingSnapshot
	StateWaiting
	StateReceivingSnapshot
	StateSnapshotComplete
	StatePreActive
	StateActive
	StateDisconnecting
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:        "connecting",
	StateAuthorizing:       "authorizing",
	StateAuthenticated:     "authenticated",
	StateAwaitingSnapshot:  "awaiting_snapshot",
	StateWaiting:           "waiting",
	StateReceivingSnapshot: "receiving_snapshot",
	StateSnapshotComplete:  "snapshot_complete",
	StatePreActive:         "pre_active",
	StateActive:            "active",
	StateDisconnecting:     "disconnecting",
	StateClosed:            "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// receivesCommands reports whether replicated commands are queued for the
// peer. From the moment its snapshot is cut, every later command must reach it.
func (s State) receivesCommands() bool {
	return s >= StateReceivingSnapshot && s <= StateActive
}

// live sessions get frames, syncs and broadcasts.
func (s State) live() bool { return s == StatePreActive || s == StateActive }

// joining sessions hold the game paused when pause_on_join is set.
func (s State) joining() bool {
	return s >= StateReceivingSnapshot && s <= StatePreActive
}

// Handle is a stable reference to a session slot. A handle to a closed
// session never resolves, even after its slot is reused.
type Handle struct {
	idx uint32
	gen uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.idx, h.gen) }

// Valid is false for the zero Handle.
func (h Handle) Valid() bool { return h.gen != 0 }

// Session is the server-side view of one peer.
type Session struct {
	handle Handle
	conn   Conn
	log    logrus.FieldLogger

	ID      action.ClientID
	Token   uuid.UUID
	Name    string
	Addr    string
	Company action.CompanyID
	State   State

	playAs uint8

	// Frame bookkeeping for timeouts and lag.
	stateFrame      uint32
	joinFrame       uint32
	lastFrame       uint32
	lastFrameServer uint32
	lastTokenFrame  uint32
	token           uint8
	slowWarned      bool
	waitSentFrame   uint32
	waitPosition    int
	// announced is set once PeerJoined went out; a resync does not repeat it.
	announced bool

	incoming tick.Queue
	outgoing []tick.Command
	stream   *snapshotStream

	chat *rate.Limiter
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) setState(st State, frame uint32) {
	if s.State == st {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.State.String(), "to": st.String()}).Debug("session state")
	s.State = st
	s.stateFrame = frame
}

// PeerInfo is what OnPeerJoined and OnPeerLeft callbacks see.
type PeerInfo struct {
	ClientID action.ClientID
	Name     string
	Company  action.CompanyID
	Token    uuid.UUID
	Addr     string
}

func (s *Session) info() PeerInfo {
	return PeerInfo{ClientID: s.ID, Name: s.Name, Company: s.Company, Token: s.Token, Addr: s.Addr}
}

type slot struct {
	gen uint32
	s   *Session
}

// arena owns every session. Iteration is in slot order, which keeps fan-out
// order stable for a given join history.
type arena struct {
	slots []slot
	free  []uint32
	n     int
}

func (a *arena) insert(s *Session) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	sl := &a.slots[idx]
	sl.gen++
	sl.s = s
	a.n++
	s.handle = Handle{idx: idx, gen: sl.gen}
	return s.handle
}

func (a *arena) get(h Handle) *Session {
	if int(h.idx) >= len(a.slots) {
		return nil
	}
	sl := a.slots[h.idx]
	if sl.gen != h.gen || sl.s == nil {
		return nil
	}
	return sl.s
}

func (a *arena) remove(h Handle) {
	if a.get(h) == nil {
		return
	}
	a.slots[h.idx].s = nil
	a.free = append(a.free, h.idx)
	a.n--
}

func (a *arena) len() int { return a.n }

// each visits sessions in slot order. fn may close sessions.
func (a *arena) each(fn func(*Session)) {
	for i := range a.slots {
		if s := a.slots[i].s; s != nil {
			fn(s)
		}
	}
}

func (a *arena) byClient(id action.ClientID) *Session {
	for i := range a.slots {
		if s := a.slots[i].s; s != nil && s.ID == id {
			return s
		}
	}
	return nil
}
