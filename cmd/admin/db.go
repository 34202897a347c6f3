package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"tilesync.dev/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	fromFrame := fs.Uint("from_frame", 0, "first frame (frames)")
	toFrame := fs.Uint("to_frame", 0, "last frame (frames; 0: no bound)")
	origin := fs.Uint("client", 0, "client id filter (commands, events)")
	kind := fs.String("kind", "", "action kind filter (commands)")
	failed := fs.Bool("failed", false, "only failed commands (commands)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = indexPath(worldDirFrom(*dataDir, *worldID))
	}
	if !exists(path) {
		fmt.Fprintln(os.Stderr, "no index at", path)
		os.Exit(2)
	}

	r, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := runQuery(ctx, r, q, dbQuery{
		limit:  *limit,
		from:   uint32(*fromFrame),
		to:     uint32(*toFrame),
		client: uint32(*origin),
		kind:   *kind,
		failed: *failed,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, row := range rows {
		printJSON(row)
	}
}

type dbQuery struct {
	limit  int
	from   uint32
	to     uint32
	client uint32
	kind   string
	failed bool
}

func runQuery(ctx context.Context, r *indexdb.Reader, name string, q dbQuery) ([]any, error) {
	switch name {
	case "snapshots":
		return rowsOf(r.Snapshots(ctx, q.limit))
	case "frames":
		return rowsOf(r.Frames(ctx, q.from, q.to, q.limit))
	case "commands":
		return rowsOf(r.Commands(ctx, indexdb.CommandFilter{Origin: q.client, Kind: q.kind, Failed: q.failed, Limit: q.limit}))
	case "events":
		return rowsOf(r.Events(ctx, q.client, q.limit))
	case "desyncs":
		return rowsOf(r.Desyncs(ctx, q.limit))
	default:
		return nil, fmt.Errorf("unknown query %q (snapshots|frames|commands|events|desyncs)", name)
	}
}

func rowsOf[T any](rows []T, err error) ([]any, error) {
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i := range rows {
		out[i] = rows[i]
	}
	return out, nil
}
