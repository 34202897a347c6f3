package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tilesync.dev/internal/persistence/archive"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rewind":
			rewindCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

type worldSummary struct {
	ID          string `json:"id"`
	Snapshots   int    `json:"snapshots"`
	LatestFrame uint32 `json:"latest_frame,omitempty"`
	Archives    int    `json:"archives"`
	HasIndex    bool   `json:"has_index"`
	HasFrameLog bool   `json:"has_frame_log"`
	HasAuditLog bool   `json:"has_audit_log"`
}

func listWorlds(dataDir string) ([]worldSummary, error) {
	base := filepath.Join(dataDir, "worlds")
	ents, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var out []worldSummary
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		s := worldSummary{ID: e.Name()}
		snaps, err := archive.List(filepath.Join(dir, "snapshots"))
		if err != nil {
			return nil, err
		}
		s.Snapshots = len(snaps)
		if len(snaps) > 0 {
			s.LatestFrame = snaps[len(snaps)-1].Frame
		}
		if arch, err := os.ReadDir(filepath.Join(dir, "archives")); err == nil {
			s.Archives = len(arch)
		}
		s.HasIndex = exists(indexPath(dir))
		s.HasFrameLog = exists(filepath.Join(dir, "frames"))
		s.HasAuditLog = exists(filepath.Join(dir, "audit"))
		out = append(out, s)
	}
	return out, nil
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	asJSON := fs.Bool("json", false, "print JSON lines")
	_ = fs.Parse(args)

	worlds, err := listWorlds(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, w := range worlds {
		if *asJSON {
			printJSON(w)
			continue
		}
		fmt.Printf("%s\tsnapshots=%d latest=%d archives=%d\n", w.ID, w.Snapshots, w.LatestFrame, w.Archives)
	}
}

func worldDirFrom(dataDir, worldID string) string {
	if strings.TrimSpace(worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	return filepath.Join(dataDir, "worlds", worldID)
}

func indexPath(worldDir string) string { return filepath.Join(worldDir, "index", "world.sqlite") }

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
