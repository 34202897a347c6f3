package netsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

type memLog struct {
	frames []FrameLogEntry
	audit  []AuditEntry
}

func (m *memLog) WriteFrame(e FrameLogEntry) error { m.frames = append(m.frames, e); return nil }
func (m *memLog) WriteAudit(e AuditEntry) error    { m.audit = append(m.audit, e); return nil }

func (m *memLog) events(name string) []AuditEntry {
	var out []AuditEntry
	for _, e := range m.audit {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type executed struct {
	frame  uint32
	origin action.ClientID
	env    action.Envelope
	cost   action.Cost
}

type peer struct {
	h       Handle
	toPeer  *ChanConn
	toSrv   *ChanConn
	client  *Client
	errs    []error
	seen    []executed
	stalled bool
}

type harness struct {
	t     *testing.T
	srv   *Server
	world *world.World
	log   *memLog
	peers []*peer
}

type harnessOpts struct {
	net      func(n *tuning.Network)
	world    func(c *world.Config)
	password string
	clients  int
	every    uint32
	sink     chan snapshot.SnapshotV1
}

func testNetwork() tuning.Network {
	n := tuning.Default().Network
	n.PauseOnJoin = false
	return n
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	wc := world.DefaultConfig()
	wc.Seed = 7
	if o.world != nil {
		o.world(&wc)
	}
	w, err := world.New(wc)
	require.NoError(t, err)

	n := testNetwork()
	if o.net != nil {
		o.net(&n)
	}
	if o.clients == 0 {
		o.clients = 8
	}
	ml := &memLog{}
	cfg := Config{Net: n, ServerName: "test", Password: o.password, MaxClients: o.clients, SnapshotEveryFrames: o.every}
	opts := ServerOptions{FrameLog: ml, Audit: ml}
	if o.sink != nil {
		opts.SnapshotSink = o.sink
	}
	srv, err := NewServer(w, cfg, opts)
	require.NoError(t, err)
	return &harness{t: t, srv: srv, world: w, log: ml}
}

// connect attaches a peer; its JOIN is delivered on the next step.
func (h *harness) connect(cfg ClientConfig) *peer {
	h.t.Helper()
	p := &peer{toPeer: NewChanConn(1 << 14), toSrv: NewChanConn(1 << 14)}
	p.h = h.srv.Connect(p.toPeer, "pipe")
	p.client = NewClient(p.toSrv, cfg)
	p.client.OnExecute = func(c tick.Command, cost action.Cost) {
		p.seen = append(p.seen, executed{frame: c.Frame, origin: c.Origin, env: c.Env, cost: cost})
	}
	require.NoError(h.t, p.client.Join())
	h.peers = append(h.peers, p)
	return p
}

func (h *harness) toServer() {
	for _, p := range h.peers {
		for _, b := range p.toSrv.Drain() {
			h.srv.Receive(p.h, b)
		}
	}
}

func (h *harness) toPeers() {
	for _, p := range h.peers {
		if p.stalled {
			continue
		}
		for _, b := range p.toPeer.Drain() {
			if err := p.client.Receive(b); err != nil {
				p.errs = append(p.errs, err)
			}
		}
		if err := p.client.Tick(); err != nil {
			p.errs = append(p.errs, err)
		}
	}
}

// step is one server tick with all traffic delivered in both directions.
func (h *harness) step() {
	h.toServer()
	h.srv.Tick()
	h.toPeers()
}

func (h *harness) steps(n int) {
	for i := 0; i < n; i++ {
		h.step()
	}
}

// until steps until cond holds or fails the test after limit steps.
func (h *harness) until(limit int, cond func() bool) {
	h.t.Helper()
	for i := 0; i < limit; i++ {
		if cond() {
			return
		}
		h.step()
	}
	require.True(h.t, cond(), "condition not reached in %d steps", limit)
}

func (h *harness) active(p *peer) bool {
	s := h.srv.Session(p.h)
	return s != nil && s.State == StateActive && p.client.State == StateActive
}

// requireInSync checks the peer's world is identical to the server's.
func (h *harness) requireInSync(p *peer) {
	h.t.Helper()
	require.Equal(h.t, h.srv.sched.Frame(), p.client.Frame(), "peer frame")
	require.Equal(h.t, h.world.Digest(), p.client.World().Digest(), "world digest at frame %d", p.client.Frame())
}

func clearTiles(t *testing.T, w *world.World, n int) []action.TileIndex {
	t.Helper()
	var out []action.TileIndex
	for y := uint32(1); y < 63 && len(out) < n; y++ {
		for x := uint32(1); x < 63 && len(out) < n; x++ {
			ti := w.TileXY(x, y)
			if tl, ok := w.TileAt(ti); ok && tl.Type == world.TileClear {
				out = append(out, ti)
			}
		}
	}
	require.Len(t, out, n)
	return out
}

func newCompanyPeer(h *harness, name string) *peer {
	h.t.Helper()
	p := h.connect(ClientConfig{Name: name, PlayAs: protocol.PlayAsNewCompany})
	h.until(50, func() bool { return h.active(p) && p.client.Company != action.CompanySpectator })
	return p
}

// rawPeer is a connection driven by hand, without a Client.
type rawPeer struct {
	h    Handle
	conn *ChanConn
}

func (h *harness) raw() *rawPeer {
	conn := NewChanConn(1 << 10)
	return &rawPeer{h: h.srv.Connect(conn, "raw"), conn: conn}
}

func (h *harness) rawSend(r *rawPeer, msg any) {
	h.t.Helper()
	b, err := protocol.Encode(msg)
	require.NoError(h.t, err)
	h.srv.Receive(r.h, b)
}

// received decodes everything buffered for r.
func (h *harness) received(r *rawPeer) []any {
	h.t.Helper()
	var out []any
	for _, b := range r.conn.Drain() {
		msg, err := protocol.Decode(b)
		require.NoError(h.t, err)
		out = append(out, msg)
	}
	return out
}

func joinMsg(name string) protocol.JoinRequestMsg {
	return protocol.JoinRequestMsg{Type: protocol.TypeJoinRequest, ProtocolVersion: protocol.Version, Name: name, PlayAs: protocol.PlayAsSpectator}
}

func spectatorSign(text string) action.Envelope {
	return action.Envelope{Kind: action.KindPlaceSign, Text: text, Company: action.CompanySpectator}
}
