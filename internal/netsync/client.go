package netsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/world"
)

type ClientConfig struct {
	Name     string
	Password string
	// PlayAs is a company id, protocol.PlayAsNewCompany or
	// protocol.PlayAsSpectator.
	PlayAs uint8
	// CatchUpFrames bounds the frames one Tick may run; 0 means no bound.
	CatchUpFrames int
	TickRateHz    int
	Log           logrus.FieldLogger
}

// Client is a non-authoritative peer. It never executes its own actions
// before the server has bound them to a frame. Like Server, it is owned by a
// single goroutine.
type Client struct {
	cfg  ClientConfig
	log  logrus.FieldLogger
	conn Conn

	State      State
	ID         action.ClientID
	Company    action.CompanyID
	ServerName string
	pauseLevel action.PauseLevel

	world *world.World
	proc  *action.Processor
	sched *tick.Scheduler

	snapFrame uint32
	snapTotal int
	snapSeq   int
	snapBuf   []byte
	early     []tick.Command

	syncFrame   uint32
	syncSeed    uint64
	syncPending bool
	synced      bool
	token       uint8
	lastAck     uint32

	ref          uint32
	results      []protocol.ActionResultMsg
	chats        []protocol.ChatMsg
	peers        map[action.ClientID]protocol.PeerJoinedMsg
	waitPosition int
	closeReason  string

	// OnExecute, when set, sees every replicated command after it ran.
	OnExecute func(c tick.Command, cost action.Cost)
	// OnTick, when set, runs on the Run goroutine after every tick. It may
	// call Submit and Chat.
	OnTick func()
}

func NewClient(conn Conn, cfg ClientConfig) *Client {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 30
	}
	logger := cfg.Log
	if logger == nil {
		logger = discardLogger()
	}
	return &Client{
		cfg:     cfg,
		log:     logger.WithField("component", "client"),
		conn:    conn,
		Company: action.CompanySpectator,
		peers:   make(map[action.ClientID]protocol.PeerJoinedMsg),
	}
}

func (c *Client) World() *world.World { return c.world }

// Frame is the last frame the local world has run.
func (c *Client) Frame() uint32 {
	if c.sched == nil {
		return 0
	}
	return c.sched.Frame()
}

func (c *Client) FrameMax() uint32 {
	if c.sched == nil {
		return 0
	}
	return c.sched.FrameMax()
}

// Synced reports whether at least one sync check has passed since the last
// snapshot was loaded.
func (c *Client) Synced() bool { return c.synced }

func (c *Client) Results() []protocol.ActionResultMsg { return c.results }
func (c *Client) Chats() []protocol.ChatMsg           { return c.chats }
func (c *Client) WaitPosition() int                   { return c.waitPosition }
func (c *Client) CloseReason() string                 { return c.closeReason }

func (c *Client) Peers() []protocol.PeerJoinedMsg {
	out := make([]protocol.PeerJoinedMsg, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Client) send(msg any) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !c.conn.Send(b) {
		return ErrNotConnected
	}
	return nil
}

// Join starts the handshake.
func (c *Client) Join() error {
	if c.State != StateConnecting {
		return fmt.Errorf("join in state %s", c.State)
	}
	return c.send(protocol.JoinRequestMsg{
		Type:            protocol.TypeJoinRequest,
		ProtocolVersion: protocol.Version,
		Name:            c.cfg.Name,
		PlayAs:          c.cfg.PlayAs,
	})
}

// Quit tells the server we are leaving.
func (c *Client) Quit() {
	_ = c.send(protocol.DisconnectMsg{Type: protocol.TypeDisconnect, Reason: protocol.ErrQuit})
	c.State = StateClosed
	c.conn.Close(protocol.ErrQuit)
}

// Receive handles one message from the server. A *ProtocolError means the
// server closed us; a *DesyncError means a resync has been requested.
func (c *Client) Receive(b []byte) error {
	if c.State == StateClosed {
		return ErrSessionClosed
	}
	msg, err := protocol.Decode(b)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.PasswordChallengeMsg:
		c.State = StateAuthorizing
		return c.send(protocol.PasswordResponseMsg{Type: protocol.TypePasswordResponse, Password: c.cfg.Password})
	case protocol.WelcomeMsg:
		return c.receiveWelcome(m)
	case protocol.WaitQueuePositionMsg:
		c.State = StateWaiting
		c.waitPosition = m.Position
	case protocol.SnapshotChunkMsg:
		return c.receiveChunk(m)
	case protocol.FrameAdvanceMsg:
		if c.sched != nil {
			c.sched.SetFrameMax(m.FrameMax)
		}
		if m.Token != 0 {
			c.token = m.Token
		}
	case protocol.ReplicatedActionMsg:
		return c.receiveAction(m)
	case protocol.DesyncChecksumMsg:
		if !c.State.live() {
			return nil
		}
		c.syncFrame = m.Frame
		c.syncSeed = joinSeed(m.Seed1, m.Seed2)
		c.syncPending = true
		return c.checkSync()
	case protocol.ActionResultMsg:
		c.results = append(c.results, m)
		c.log.WithFields(logrus.Fields{"ref": m.Ref, "class": m.Class, "reason": m.Reason}).Debug("action result")
	case protocol.CompanyAssignedMsg:
		c.Company = action.CompanyID(m.Company)
		c.log.WithField("company", m.Company).Info("company assigned")
	case protocol.PeerJoinedMsg:
		c.peers[action.ClientID(m.ClientID)] = m
	case protocol.PeerLeftMsg:
		delete(c.peers, action.ClientID(m.ClientID))
	case protocol.ChatMsg:
		c.chats = append(c.chats, m)
	case protocol.DisconnectMsg:
		c.State = StateClosed
		c.closeReason = m.Reason
		c.conn.Close(m.Reason)
		return &ProtocolError{Code: m.Reason, Message: m.Message}
	default:
		return fmt.Errorf("unexpected message %T", msg)
	}
	return nil
}

func (c *Client) receiveWelcome(m protocol.WelcomeMsg) error {
	level, ok := action.ParsePauseLevel(m.PauseLevel)
	if !ok {
		return fmt.Errorf("server pause level %q unknown", m.PauseLevel)
	}
	c.ID = action.ClientID(m.ClientID)
	c.ServerName = m.ServerName
	c.pauseLevel = level
	if id := action.CompanyID(c.cfg.PlayAs); id.Valid() {
		c.Company = id
	}
	c.log = c.log.WithField("client_id", c.ID)
	c.State = StateAwaitingSnapshot
	return c.send(protocol.SnapshotRequestMsg{Type: protocol.TypeSnapshotRequest})
}

func (c *Client) receiveChunk(m protocol.SnapshotChunkMsg) error {
	switch m.Phase {
	case protocol.ChunkStart:
		// A new snapshot replaces whatever we had, including after a desync.
		c.world, c.proc, c.sched = nil, nil, nil
		c.early = nil
		c.snapFrame = m.Frame
		c.snapTotal = m.Total
		c.snapSeq = 0
		c.snapBuf = make([]byte, 0, m.Total)
		c.State = StateReceivingSnapshot
		c.waitPosition = 0
	case protocol.ChunkBody:
		if c.State != StateReceivingSnapshot {
			return fmt.Errorf("snapshot chunk in state %s", c.State)
		}
		if m.Seq != c.snapSeq {
			return fmt.Errorf("snapshot chunk %d, want %d", m.Seq, c.snapSeq)
		}
		c.snapSeq++
		c.snapBuf = append(c.snapBuf, m.Data...)
	case protocol.ChunkEnd:
		if c.State != StateReceivingSnapshot {
			return fmt.Errorf("snapshot end in state %s", c.State)
		}
		if len(c.snapBuf) != c.snapTotal {
			return fmt.Errorf("snapshot has %d bytes, want %d", len(c.snapBuf), c.snapTotal)
		}
		return c.loadSnapshot()
	default:
		return fmt.Errorf("unknown snapshot phase %q", m.Phase)
	}
	return nil
}

func (c *Client) loadSnapshot() error {
	w, err := world.Load(c.snapBuf, 0)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	proc, err := world.NewProcessor(w, action.Options{PauseLevel: c.pauseLevel, Log: c.log})
	if err != nil {
		return err
	}
	c.world, c.proc = w, proc
	c.sched = tick.NewScheduler(w, executorFunc(c.executeCommand))
	c.sched.Reset(c.snapFrame)
	c.snapBuf = nil
	for _, cmd := range c.early {
		if cmd.Frame > c.snapFrame {
			_ = c.sched.Enqueue(cmd)
		}
	}
	c.early = nil
	c.synced = false
	c.syncPending = false
	c.lastAck = c.snapFrame
	c.State = StateSnapshotComplete
	c.log.WithField("frame", c.snapFrame).Info("snapshot loaded")
	if err := c.send(protocol.SnapshotAckMsg{Type: protocol.TypeSnapshotAck}); err != nil {
		return err
	}
	c.State = StatePreActive
	if c.cfg.PlayAs == protocol.PlayAsNewCompany && c.Company == action.CompanySpectator {
		_, cost := c.Submit(action.Envelope{Kind: action.KindCompanyCtrl})
		if cost.Failed() {
			c.log.WithField("reason", cost.Reason).Warn("cannot found a company")
		}
	}
	return nil
}

func (c *Client) receiveAction(m protocol.ReplicatedActionMsg) error {
	env, err := m.Action.Envelope()
	if err != nil {
		return err
	}
	cmd := tick.Command{Frame: m.Frame, Env: env, Origin: action.ClientID(m.Origin), Ref: m.Ref, Mine: m.Mine}
	if c.State == StateReceivingSnapshot {
		c.early = append(c.early, cmd)
		return nil
	}
	if c.sched == nil || !c.State.live() {
		return nil
	}
	if err := c.sched.Enqueue(cmd); err != nil {
		if errors.Is(err, tick.ErrFrameInPast) {
			return c.desync(&DesyncError{Frame: c.sched.Frame(), Cause: err})
		}
		return err
	}
	return nil
}

func (c *Client) executeCommand(cmd tick.Command) error {
	act := action.Acting{Company: cmd.Env.Company, Client: cmd.Origin, Networked: true}
	cost, err := c.proc.Execute(act, cmd.Env)
	var div *action.DivergenceError
	if errors.As(err, &div) {
		return &DesyncError{Frame: cmd.Frame, Cause: div}
	}
	if err != nil {
		return err
	}
	if cmd.Mine && cost.Failed() {
		c.log.WithFields(logrus.Fields{"ref": cmd.Ref, "reason": cost.Reason}).Debug("own action failed")
	}
	if c.OnExecute != nil {
		c.OnExecute(cmd, cost)
	}
	return nil
}

// Tick runs the local world up to the frame the server allows, checks the
// sync seed on the way and acknowledges progress.
func (c *Client) Tick() error {
	if c.sched == nil || !c.State.live() {
		return nil
	}
	ran := 0
	for c.sched.CanRun() {
		if c.cfg.CatchUpFrames > 0 && ran >= c.cfg.CatchUpFrames {
			break
		}
		if err := c.sched.RunFrame(); err != nil {
			var de *DesyncError
			if !errors.As(err, &de) {
				de = &DesyncError{Frame: c.sched.Frame(), Cause: err}
			}
			return c.desync(de)
		}
		ran++
		if err := c.checkSync(); err != nil {
			return err
		}
	}
	return c.maybeAck()
}

func (c *Client) maybeAck() error {
	frame := c.sched.Frame()
	switch {
	case c.State == StatePreActive && !c.sched.CanRun():
		c.State = StateActive
	case c.State == StateActive && frame >= c.lastAck+uint32(c.world.DayTicks()):
	default:
		return nil
	}
	c.lastAck = frame
	return c.send(protocol.AckMsg{Type: protocol.TypeAck, Frame: frame, Token: c.token})
}

func (c *Client) checkSync() error {
	if !c.syncPending || c.sched == nil {
		return nil
	}
	frame := c.sched.Frame()
	switch {
	case c.syncFrame > frame:
		return nil
	case c.syncFrame < frame:
		c.syncPending = false
		return nil
	}
	c.syncPending = false
	got := c.world.SyncSeed()
	if got != c.syncSeed {
		return c.desync(&DesyncError{Frame: frame, Expected: c.syncSeed, Got: got})
	}
	c.synced = true
	return nil
}

// desync reports err to the server and stops the local simulation until a
// fresh snapshot arrives.
func (c *Client) desync(err *DesyncError) error {
	c.log.WithError(err).Error("desync")
	var seed uint64
	if c.world != nil {
		seed = c.world.SyncSeed()
	}
	s1, s2 := splitSeed(seed)
	c.State = StateAwaitingSnapshot
	c.synced = false
	if sendErr := c.send(protocol.DesyncChecksumMsg{Type: protocol.TypeDesyncChecksum, Frame: err.Frame, Seed1: s1, Seed2: s2}); sendErr != nil {
		return errors.Join(err, sendErr)
	}
	return err
}

// Submit validates env locally and sends it to the server. It returns the
// correlation ref and, when the action cannot succeed, why. Actions the
// pause level forbids are refused here and never leave the client.
func (c *Client) Submit(env action.Envelope) (uint32, action.Cost) {
	if c.proc == nil || !c.State.live() {
		return 0, action.Reject(action.ReasonNotAuthorized)
	}
	env.Flags = 0
	def, ok := action.Lookup(env.Kind)
	if !ok {
		return 0, action.Reject(action.ReasonNoSuchAction)
	}
	if !def.ExecAsSpectator() {
		env.Company = c.Company
	} else {
		env.Company = action.CompanySpectator
	}
	if def.Caps.Has(action.CapClientID) {
		env.P2 = uint32(c.ID)
	}
	act := action.Acting{Company: env.Company, Client: c.ID, Networked: true}
	trial, err := c.proc.Propose(act, env)
	if err != nil {
		return 0, action.Reject(action.ReasonTooDeep)
	}
	if trial.Failed() {
		return 0, trial
	}
	c.ref++
	if err := c.send(protocol.SubmitActionMsg{Type: protocol.TypeSubmitAction, Ref: c.ref, Action: protocol.PayloadOf(env)}); err != nil {
		return 0, action.Reject(action.ReasonNotAuthorized)
	}
	return c.ref, trial
}

// SubmitRaw sends env without local checks. Tools and tests use it to see
// how the server treats what a well-behaved client would never send.
func (c *Client) SubmitRaw(env action.Envelope) (uint32, error) {
	c.ref++
	return c.ref, c.send(protocol.SubmitActionMsg{Type: protocol.TypeSubmitAction, Ref: c.ref, Action: protocol.PayloadOf(env)})
}

func (c *Client) Chat(scope string, dest uint32, text string) error {
	return c.send(protocol.ChatMsg{Type: protocol.TypeChat, Scope: scope, Dest: dest, Text: text})
}

// Run feeds messages from inbox and ticks at TickRateHz until ctx is done,
// the server closes us, or inbox is closed. Desyncs are not fatal: the
// server answers them with a fresh snapshot.
func (c *Client) Run(ctx context.Context, inbox <-chan []byte) error {
	if err := c.Join(); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.TickRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Quit()
			return ctx.Err()
		case b, ok := <-inbox:
			if !ok {
				return ErrNotConnected
			}
			if err := c.handleErr(c.Receive(b)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.handleErr(c.Tick()); err != nil {
				return err
			}
			if c.OnTick != nil {
				c.OnTick()
			}
		}
	}
}

func (c *Client) handleErr(err error) error {
	var de *DesyncError
	if err == nil || errors.As(err, &de) {
		return nil
	}
	return err
}
