package netsync

import (
	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/protocol"
)

// Tick advances the server by one frame: distribute queued actions, run the
// frame, then serve every session.
func (s *Server) Tick() {
	s.distribute()

	sendFrame := false
	if next := s.sched.Frame() + 1; next > s.sched.FrameMax() {
		s.sched.SetFrameMax(next + s.cfg.Net.FrameFreq)
		sendFrame = true
	}
	s.executed = s.executed[:0]
	if err := s.sched.RunFrame(); err != nil {
		s.log.WithError(err).Error("run frame")
	}
	frame := s.sched.Frame()
	s.frame.Store(frame)

	seed := s.world.SyncSeed()
	sendSync := frame >= s.lastSyncFrame+s.cfg.Net.SyncFreq
	if sendSync {
		s.lastSyncFrame = frame
		s.recordSeed(frame, seed)
	}

	s.serveSnapshots(frame)
	s.sessions.each(func(sess *Session) {
		s.tickSession(sess, frame, sendFrame, sendSync, seed)
	})
	s.checkPauseOnJoin()

	s.writeFrameLog(frame, seed)
	s.offerSnapshot(frame)
}

func (s *Server) tickSession(sess *Session, frame uint32, sendFrame, sendSync bool, seed uint64) {
	n := s.cfg.Net
	since := frame - sess.stateFrame
	switch sess.State {
	case StateActive:
		lag := s.lag(sess, frame)
		if lag > n.MaxLagTime {
			sess.log.WithField("lag", lag).Warn("client did not respond in time")
			s.closeSession(sess, protocol.ErrTimeoutComputer, "lagging behind")
			return
		}
		if lag > s.dayTicks && !sess.slowWarned {
			sess.slowWarned = true
			sess.log.WithField("lag", lag).Warn("client is slow")
		} else if lag <= s.dayTicks {
			sess.slowWarned = false
		}
		if sess.lastFrameServer-sess.lastTokenFrame >= n.MaxLagTime {
			sess.log.Warn("client did not acknowledge the frame token")
			s.closeSession(sess, protocol.ErrTimeoutComputer, "token not acknowledged")
			return
		}
	case StateConnecting, StateAuthenticated, StateAwaitingSnapshot:
		if since > n.MaxInitTime {
			s.closeSession(sess, protocol.ErrTimeoutComputer, "handshake timed out")
			return
		}
	case StateAuthorizing:
		if since > n.MaxPasswordTime {
			s.closeSession(sess, protocol.ErrTimeoutPassword, "")
			return
		}
	case StateReceivingSnapshot:
		if since > n.MaxDownloadTime {
			s.closeSession(sess, protocol.ErrTimeoutMap, "")
			return
		}
	case StateSnapshotComplete, StatePreActive:
		if since > n.MaxJoinTime {
			s.closeSession(sess, protocol.ErrTimeoutJoin, "")
			return
		}
	}

	if !sess.State.live() {
		return
	}
	s.flushOutgoing(sess)
	if sendFrame {
		s.sendFrame(sess, frame)
	}
	if sendSync {
		s.sendSync(sess, frame, seed)
	}
}

// lag is how many frames the peer is behind, plus how long it has been
// since we last heard from it beyond the allowed lead.
func (s *Server) lag(sess *Session, frame uint32) uint32 {
	var lag uint32
	if sess.lastFrameServer > sess.lastFrame {
		lag = sess.lastFrameServer - sess.lastFrame
	}
	if limit := sess.lastFrameServer + s.dayTicks + s.cfg.Net.FrameFreq; limit < frame {
		lag += frame - limit
	}
	return lag
}

func (s *Server) sendFrame(sess *Session, frame uint32) {
	if sess.token == 0 {
		s.tokenSeq++
		sess.token = uint8(s.tokenSeq%255) + 1
	}
	s.send(sess, protocol.FrameAdvanceMsg{
		Type:     protocol.TypeFrameAdvance,
		Frame:    frame,
		FrameMax: s.sched.FrameMax(),
		Token:    sess.token,
	})
}

func (s *Server) sendSync(sess *Session, frame uint32, seed uint64) {
	s1, s2 := splitSeed(seed)
	s.send(sess, protocol.DesyncChecksumMsg{Type: protocol.TypeDesyncChecksum, Frame: frame, Seed1: s1, Seed2: s2})
}

func (s *Server) recordSeed(frame uint32, seed uint64) {
	s.seeds[frame] = seed
	s.seedFrames = append(s.seedFrames, frame)
	if len(s.seedFrames) > seedHistory {
		delete(s.seeds, s.seedFrames[0])
		s.seedFrames = s.seedFrames[1:]
	}
}

func (s *Server) writeFrameLog(frame uint32, seed uint64) {
	if s.frameLog == nil {
		return
	}
	e := FrameLogEntry{Frame: frame, Seed: seed, Digest: s.world.Digest()}
	if len(s.executed) > 0 {
		e.Commands = append([]CommandRecord(nil), s.executed...)
	}
	if err := s.frameLog.WriteFrame(e); err != nil {
		s.log.WithError(err).WithField("frame", frame).Warn("frame log write")
	}
}

func (s *Server) offerSnapshot(frame uint32) {
	every := s.cfg.SnapshotEveryFrames
	if s.snapshotSink == nil || every == 0 || frame%every != 0 {
		return
	}
	select {
	case s.snapshotSink <- s.world.ExportSnapshot(frame):
	default:
		s.log.WithFields(logrus.Fields{"frame": frame}).Warn("snapshot sink full, dropping snapshot")
	}
}
