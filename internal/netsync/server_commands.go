package netsync

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
)

const (
	companyCtrlNew = 0
	maxChatLen     = 256
)

// SubmitAction queues env as issued by the server itself. The returned cost
// is ClassNone when the action was accepted for replication; otherwise it
// says why it was refused.
func (s *Server) SubmitAction(env action.Envelope) action.Cost {
	env.Flags = 0
	def, ok := action.Lookup(env.Kind)
	if !ok {
		return action.Reject(action.ReasonNoSuchAction)
	}
	if def.Caps.Has(action.CapClientID) && env.P2 == uint32(action.InvalidClient) {
		env.P2 = uint32(action.ServerClient)
	}
	act := action.Acting{Company: env.Company, Client: action.ServerClient, Networked: true}
	trial, err := s.proc.Propose(act, env)
	if err != nil {
		s.log.WithError(err).Error("propose")
		return action.Reject(action.ReasonTooDeep)
	}
	if trial.Failed() {
		return trial
	}
	s.queueLocal(env)
	return action.Cost{}
}

// resyncing sessions may still have messages in flight from before the
// desync; those are dropped.
func resyncing(sess *Session) bool { return sess.announced && !sess.State.live() }

func (s *Server) receiveSubmit(sess *Session, m protocol.SubmitActionMsg) error {
	if resyncing(sess) {
		return nil
	}
	if sess.State < StateSnapshotComplete || !sess.State.receivesCommands() {
		return protoErr(protocol.ErrNotExpected, "action in state %s", sess.State)
	}
	reject := func(r action.Reason) error {
		s.send(sess, resultMsg(m.Ref, 0, action.Reject(r)))
		return nil
	}
	env, err := m.Action.Envelope()
	if err != nil {
		return reject(action.ReasonNoSuchAction)
	}
	def, _ := action.Lookup(env.Kind)
	if def.Caps.Has(action.CapClientID) {
		env.P2 = uint32(sess.ID)
	}
	if !def.ExecAsSpectator() && env.Company != sess.Company {
		sess.log.WithFields(logrus.Fields{"kind": env.Kind.String(), "company": env.Company}).Warn("company mismatch")
		return reject(action.ReasonCompanyMismatch)
	}
	if env.Kind == action.KindCompanyCtrl {
		if env.P1&0xFF != companyCtrlNew {
			return reject(action.ReasonNotAuthorized)
		}
		if s.world.CompanyCount() >= s.world.MaxCompanies() {
			s.notice(sess, "no free company slot")
			s.send(sess, resultMsg(m.Ref, 0, action.Fail(action.ReasonTooManyCompanies)))
			return nil
		}
	}
	act := action.Acting{Company: env.Company, Client: sess.ID, Networked: true}
	if c := s.proc.Check(act, env); c.Failed() {
		sess.log.WithFields(logrus.Fields{"kind": env.Kind.String(), "reason": c.Reason}).Debug("action rejected")
		s.send(sess, resultMsg(m.Ref, 0, c))
		return nil
	}
	if sess.incoming.Len() >= s.cfg.Net.MaxCommandsInQueue {
		return protoErr(protocol.ErrTooManyCommands, "more than %d queued actions", s.cfg.Net.MaxCommandsInQueue)
	}
	s.arrival++
	return sess.incoming.Push(tick.Command{Env: env, Origin: sess.ID, Ref: m.Ref, Seq: s.arrival})
}

func (s *Server) allowedNow(c tick.Command) bool {
	if !s.world.Paused() {
		return true
	}
	def, ok := action.Lookup(c.Env.Kind)
	return ok && def.AllowedWhilePaused(s.pauseLevel)
}

// distribute binds queued actions to the next frame. Each queue gives up to
// its per-frame budget; the batch then goes out in server arrival order.
func (s *Server) distribute() {
	if s.sched.Frame() < s.sched.FrameMax() {
		return
	}
	budget := max(s.cfg.Net.CommandsPerFrame, s.cfg.Net.CommandsPerFrameServer)
	batch := s.localWait.Take(budget, s.allowedNow)
	s.sessions.each(func(sess *Session) {
		batch = append(batch, sess.incoming.Take(s.cfg.Net.CommandsPerFrame, s.allowedNow)...)
	})
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
	for _, c := range batch {
		s.distributeCommand(c)
	}
}

func (s *Server) distributeCommand(c tick.Command) {
	c.Frame = s.sched.FrameMax() + 1
	s.sessions.each(func(sess *Session) {
		if sess.State.receivesCommands() {
			sess.outgoing = append(sess.outgoing, s.forSession(c, sess))
		}
	})
	c.Mine = c.Origin == action.ServerClient
	if err := s.sched.Enqueue(c); err != nil {
		s.log.WithError(err).WithField("cmd", c.String()).Error("enqueue")
	}
}

// forSession is the copy of c a session receives. Refs only go back to the
// submitter.
func (s *Server) forSession(c tick.Command, sess *Session) tick.Command {
	c.Mine = c.Origin == sess.ID
	if !c.Mine {
		c.Ref = 0
	}
	return c
}

func (s *Server) flushOutgoing(sess *Session) {
	for len(sess.outgoing) > 0 {
		c := sess.outgoing[0]
		msg := protocol.ReplicatedActionMsg{
			Type:   protocol.TypeReplicatedAction,
			Frame:  c.Frame,
			Origin: uint32(c.Origin),
			Mine:   c.Mine,
			Ref:    c.Ref,
			Action: protocol.PayloadOf(c.Env),
		}
		if !s.send(sess, msg) {
			return
		}
		sess.outgoing = sess.outgoing[1:]
	}
	sess.outgoing = nil
}

// executeCommand runs one replicated command on the server's world.
func (s *Server) executeCommand(c tick.Command) error {
	act := action.Acting{Company: c.Env.Company, Client: c.Origin, Networked: true}
	cost, err := s.proc.Execute(act, c.Env)
	var div *action.DivergenceError
	switch {
	case errors.As(err, &div):
		s.divergences.Add(1)
		s.log.WithFields(logrus.Fields{"frame": c.Frame, "origin": c.Origin, "trial": div.Trial.String(), "commit": div.Commit.String()}).
			Error("trial and commit diverged")
		s.writeAudit(AuditEntry{Frame: c.Frame, Event: AuditDivergence, ClientID: c.Origin, Reason: div.Error()})
		if sess := s.sessions.byClient(c.Origin); sess != nil {
			s.closeSession(sess, protocol.ErrDesync, "action diverged")
		}
		cost = div.Commit
	case err != nil:
		return err
	}
	s.commands.Add(1)
	s.executed = append(s.executed, commandRecord(c, cost))

	if cost.Failed() {
		if sess := s.sessions.byClient(c.Origin); sess != nil {
			s.send(sess, resultMsg(c.Ref, c.Frame, cost))
		}
	}
	if c.Env.Kind == action.KindCompanyCtrl && c.Env.P1&0xFF == companyCtrlNew && cost.Succeeded() {
		s.assignCompany(action.ClientID(c.Env.P2), action.CompanyID(cost.Result))
	}
	return nil
}

// assignCompany tells the founder which company it now controls. Every peer
// created the company; only the founder learns it is theirs.
func (s *Server) assignCompany(client action.ClientID, id action.CompanyID) {
	s.log.WithFields(logrus.Fields{"client_id": client, "company": id}).Info("company founded")
	s.writeAudit(AuditEntry{Event: AuditCompany, ClientID: client, Details: map[string]any{"company": id}})
	sess := s.sessions.byClient(client)
	if sess == nil {
		return
	}
	sess.Company = id
	s.send(sess, protocol.CompanyAssignedMsg{Type: protocol.TypeCompanyAssigned, Company: uint8(id)})
}

func (s *Server) receiveChat(sess *Session, m protocol.ChatMsg) error {
	if resyncing(sess) {
		return nil
	}
	if !sess.State.live() {
		return protoErr(protocol.ErrNotExpected, "chat in state %s", sess.State)
	}
	if len(m.Text) > maxChatLen {
		return protoErr(protocol.ErrIllegalPacket, "chat message too long")
	}
	if !sess.chat.Allow() {
		s.notice(sess, "you are sending messages too fast")
		return nil
	}
	out := protocol.ChatMsg{
		Type:  protocol.TypeChat,
		Scope: m.Scope,
		Dest:  m.Dest,
		From:  uint32(sess.ID),
		Name:  sess.Name,
		Text:  m.Text,
	}
	switch m.Scope {
	case protocol.ChatAll:
		s.broadcast(out)
	case protocol.ChatPrivate:
		dest := s.sessions.byClient(action.ClientID(m.Dest))
		if dest == nil || !dest.State.live() {
			s.notice(sess, "no such client")
			return nil
		}
		s.send(dest, out)
		if dest != sess {
			s.send(sess, out)
		}
	case protocol.ChatTeam:
		s.sessions.each(func(o *Session) {
			if o.State.live() && (o == sess || o.Company == action.CompanyID(m.Dest)) {
				s.send(o, out)
			}
		})
	default:
		return protoErr(protocol.ErrIllegalPacket, "unknown chat scope %q", m.Scope)
	}
	return nil
}

// receiveDesync handles a client that found its seed differs from ours. The
// client has stopped; it gets a fresh snapshot whatever the history says.
func (s *Server) receiveDesync(sess *Session, m protocol.DesyncChecksumMsg) error {
	if resyncing(sess) {
		return nil
	}
	if !sess.State.live() {
		return protoErr(protocol.ErrNotExpected, "sync report in state %s", sess.State)
	}
	got := joinSeed(m.Seed1, m.Seed2)
	expected, known := s.seeds[m.Frame]
	entry := AuditEntry{Frame: m.Frame, Event: AuditDesync, ClientID: sess.ID, Name: sess.Name, Token: sess.Token.String(), Expected: expected, Got: got}
	fields := logrus.Fields{"frame": m.Frame, "got": got, "expected": expected}
	switch {
	case known && expected != got:
		entry.Reason = "seed mismatch"
		sess.log.WithFields(fields).Error("desync confirmed")
	case known:
		entry.Reason = "seed matches"
		sess.log.WithFields(fields).Warn("desync reported but seeds match")
	default:
		entry.Reason = "frame not in history"
		sess.log.WithFields(fields).Warn("desync reported for unknown frame")
	}
	s.desyncs.Add(1)
	s.writeAudit(entry)
	s.Resync(sess.handle)
	return nil
}

// Resync sends the peer behind h back to the snapshot queue.
func (s *Server) Resync(h Handle) bool {
	sess := s.sessions.get(h)
	if sess == nil || sess.State < StateReceivingSnapshot {
		return false
	}
	frame := s.sched.Frame()
	sess.incoming.Clear()
	sess.outgoing = nil
	sess.stream = nil
	sess.token = 0
	sess.joinFrame = frame
	sess.setState(StateAwaitingSnapshot, frame)
	s.countActive()
	s.writeAudit(AuditEntry{Event: AuditResync, ClientID: sess.ID, Name: sess.Name, Token: sess.Token.String()})
	sess.log.Info("resynchronizing client")
	return true
}
