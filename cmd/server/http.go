package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/indexdb"
	"tilesync.dev/internal/persistence/offsite"
	"tilesync.dev/internal/transport/ws"
)

type httpDeps struct {
	worldID string
	srv     *netsync.Server
	idx     runtimeIndex
	mirror  *offsite.Mirror
	log     logrus.FieldLogger
	admin   bool
}

// adminState is the body of GET /admin/v1/state.
type adminState struct {
	WorldID     string `json:"world_id"`
	Frame       uint32 `json:"frame"`
	Sessions    int    `json:"sessions"`
	Active      int    `json:"active_clients"`
	Commands    uint64 `json:"commands_total"`
	Desyncs     uint64 `json:"desyncs_total"`
	Divergences uint64 `json:"divergences_total"`
}

func stateOf(worldID string, s netsync.Stats) adminState {
	return adminState{
		WorldID:     worldID,
		Frame:       s.Frame,
		Sessions:    s.Sessions,
		Active:      s.Active,
		Commands:    s.Commands,
		Desyncs:     s.Desyncs,
		Divergences: s.Divergences,
	}
}

func newMux(d httpDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var st *indexdb.Stats
		if d.idx != nil {
			s := d.idx.Stats()
			st = &s
		}
		var ms *offsite.Stats
		if d.mirror != nil {
			m := d.mirror.Stats()
			ms = &m
		}
		writeMetrics(rw, d.worldID, d.srv.Stats(), st, ms)
	})
	if d.admin {
		// Local-only; never changes the simulation.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(stateOf(d.worldID, d.srv.Stats()))
		})
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(d.srv, ws.ServerConfig{Log: d.log}).Handler())
	return mux
}

// writeMetrics renders the Prometheus text exposition format. idx and mirror
// are nil when those features are off.
func writeMetrics(w io.Writer, worldID string, s netsync.Stats, idx *indexdb.Stats, mirror *offsite.Stats) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s{world=%q} %v\n", name, worldID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s{world=%q} %d\n", name, worldID, v)
	}

	gauge("tilesync_frame", "Last frame the server has run.", s.Frame)
	gauge("tilesync_sessions", "Open sessions, joining or active.", s.Sessions)
	gauge("tilesync_active_clients", "Sessions in the active state.", s.Active)
	counter("tilesync_commands_total", "Commands executed by the server.", s.Commands)
	counter("tilesync_desyncs_total", "Confirmed client desyncs.", s.Desyncs)
	counter("tilesync_divergences_total", "Trial and commit runs that disagreed.", s.Divergences)

	if idx != nil {
		gauge("tilesync_index_queue_depth", "Pending index writes.", idx.QueueDepth)
		fmt.Fprintf(w, "# HELP tilesync_index_dropped_total Index writes dropped on a full queue.\n")
		fmt.Fprintf(w, "# TYPE tilesync_index_dropped_total counter\n")
		fmt.Fprintf(w, "tilesync_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "frame", idx.DropFrameTotal)
		fmt.Fprintf(w, "tilesync_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "audit", idx.DropAuditTotal)
		fmt.Fprintf(w, "tilesync_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "snapshot", idx.DropSnapshotTotal)
		counter("tilesync_index_write_errors_total", "Failed index transactions.", idx.WriteErrorTotal)
	}
	if mirror != nil {
		gauge("tilesync_offsite_queue_depth", "Pending offsite uploads.", mirror.QueueDepth)
		counter("tilesync_offsite_uploaded_total", "Files uploaded offsite.", mirror.Uploaded)
		counter("tilesync_offsite_failed_total", "Offsite uploads that gave up.", mirror.Failed)
		counter("tilesync_offsite_dropped_total", "Offsite uploads dropped on a full queue.", mirror.Dropped)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
