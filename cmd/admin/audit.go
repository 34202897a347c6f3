package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"tilesync.dev/internal/netsync"
	persistlog "tilesync.dev/internal/persistence/log"
)

type auditFilter struct {
	from, to uint32
	client   uint32
	events   map[string]bool
}

func (f auditFilter) match(e netsync.AuditEntry) bool {
	if e.Frame < f.from || (f.to != 0 && e.Frame > f.to) {
		return false
	}
	if f.client != 0 && uint32(e.ClientID) != f.client {
		return false
	}
	return len(f.events) == 0 || f.events[e.Event]
}

func parseEvents(s string) map[string]bool {
	out := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out[p] = true
		}
	}
	return out
}

func readAudit(worldDir string, f auditFilter) ([]netsync.AuditEntry, error) {
	var out []netsync.AuditEntry
	err := persistlog.ReadAudit(persistlog.AuditDir(worldDir), func(e netsync.AuditEntry) error {
		if f.match(e) {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	fromFrame := fs.Uint("from_frame", 0, "first frame (inclusive)")
	toFrame := fs.Uint("to_frame", 0, "last frame (inclusive; 0: no bound)")
	client := fs.Uint("client", 0, "client id filter")
	events := fs.String("event", "", "comma separated events, e.g. JOIN,DESYNC")
	_ = fs.Parse(args)

	recs, err := readAudit(worldDirFrom(*dataDir, *worldID), auditFilter{
		from:   uint32(*fromFrame),
		to:     uint32(*toFrame),
		client: uint32(*client),
		events: parseEvents(*events),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	for _, r := range recs {
		printJSON(r)
	}
}
