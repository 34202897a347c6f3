package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

func TestClientJoinsOverWebsocket(t *testing.T) {
	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)
	n := tuning.Default().Network
	n.TickRateHz = 200
	n.PauseOnJoin = false
	srv, err := netsync.NewServer(w, netsync.Config{Net: n, ServerName: "ws-test"}, netsync.ServerOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()

	hs := httptest.NewServer(NewServer(srv, ServerConfig{}).Handler())
	t.Cleanup(hs.Close)

	link, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)

	client := netsync.NewClient(link.Conn, netsync.ClientConfig{Name: "wsclient", PlayAs: protocol.PlayAsSpectator, TickRateHz: 200})
	clientCtx, stopClient := context.WithCancel(ctx)
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(clientCtx, link.In) }()

	require.Eventually(t, func() bool { return srv.Stats().Active == 1 }, 5*time.Second, 10*time.Millisecond)

	cost, err := srv.Submit(ctx, action.Envelope{Kind: action.KindPlaceSign, Text: "over the wire", Company: action.CompanySpectator})
	require.NoError(t, err)
	require.True(t, cost.Succeeded())
	require.Eventually(t, func() bool { return srv.Stats().Commands == 1 }, 5*time.Second, 10*time.Millisecond)

	stopClient()
	assert.ErrorIs(t, <-clientDone, context.Canceled)
	link.Close()
	require.Eventually(t, func() bool { return srv.Stats().Sessions == 0 }, 5*time.Second, 10*time.Millisecond)

	srv.Stop()
	require.NoError(t, <-srvDone)
}

func TestRefusedJoinClosesSocket(t *testing.T) {
	w, err := world.New(world.DefaultConfig())
	require.NoError(t, err)
	n := tuning.Default().Network
	n.TickRateHz = 200
	n.PauseOnJoin = false
	srv, err := netsync.NewServer(w, netsync.Config{Net: n}, netsync.ServerOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(srv.Stop)

	hs := httptest.NewServer(NewServer(srv, ServerConfig{}).Handler())
	t.Cleanup(hs.Close)
	link, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)

	// A join with the wrong revision is refused; the refusal arrives before
	// the socket closes.
	b, err := protocol.Encode(protocol.JoinRequestMsg{Type: protocol.TypeJoinRequest, ProtocolVersion: "0", Name: "old"})
	require.NoError(t, err)
	require.True(t, link.Conn.Send(b))

	var got []any
	for b := range link.In {
		msg, err := protocol.Decode(b)
		require.NoError(t, err)
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ErrWrongRevision, got[0].(protocol.DisconnectMsg).Reason)
	<-link.Done()
}
