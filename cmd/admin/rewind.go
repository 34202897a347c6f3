package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/archive"
	persistlog "tilesync.dev/internal/persistence/log"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/replay"
)

// baseSnapshot picks the newest snapshot at or before frame, looking in
// snapshots/ and every archive.
func baseSnapshot(worldDir string, frame uint32) (archive.Entry, bool, error) {
	dirs := []string{filepath.Join(worldDir, "snapshots")}
	if arch, err := os.ReadDir(filepath.Join(worldDir, "archives")); err == nil {
		for _, a := range arch {
			if a.IsDir() {
				dirs = append(dirs, filepath.Join(worldDir, "archives", a.Name()))
			}
		}
	}
	var best archive.Entry
	found := false
	for _, d := range dirs {
		ents, err := archive.List(d)
		if err != nil {
			return archive.Entry{}, false, err
		}
		for _, e := range ents {
			if e.Frame <= frame && (!found || e.Frame > best.Frame) {
				best, found = e, true
			}
		}
	}
	return best, found, nil
}

// rewind rebuilds the world as it was at the end of toFrame by replaying the
// frame log over the closest earlier snapshot. Every replayed frame is
// verified against the log.
func rewind(worldDir string, toFrame uint32, level action.PauseLevel) (snapshot.SnapshotV1, string, error) {
	base, ok, err := baseSnapshot(worldDir, toFrame)
	if err != nil {
		return snapshot.SnapshotV1{}, "", err
	}
	if !ok {
		return snapshot.SnapshotV1{}, "", fmt.Errorf("no snapshot at or before frame %d", toFrame)
	}
	snap, err := snapshot.ReadSnapshot(base.Path)
	if err != nil {
		return snapshot.SnapshotV1{}, "", err
	}
	if snap.Header.Frame == toFrame {
		return snap, base.Path, nil
	}

	v, err := replay.New(snap, replay.Options{PauseLevel: level, To: toFrame})
	if err != nil {
		return snapshot.SnapshotV1{}, "", err
	}
	err = persistlog.ReadFrames(persistlog.FrameDir(worldDir), func(e netsync.FrameLogEntry) error {
		return v.Apply(e)
	})
	if err != nil && !errors.Is(err, replay.ErrDone) {
		return snapshot.SnapshotV1{}, "", err
	}
	if v.Frame() != toFrame {
		return snapshot.SnapshotV1{}, "", fmt.Errorf("frame log ends at %d, before %d", v.Frame(), toFrame)
	}
	return v.World().ExportSnapshot(toFrame), base.Path, nil
}

func rewindCmd(args []string) {
	fs := flag.NewFlagSet("rewind", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	toFrame := fs.Uint("to_frame", 0, "frame to rebuild (required)")
	pauseLevel := fs.String("pause_level", "no_construction", "pause level the server ran with")
	outPath := fs.String("out", "", "output snapshot path (optional; defaults to <world>/rewind/<frame>.snap.zst)")
	_ = fs.Parse(args)

	worldDir := worldDirFrom(*dataDir, *worldID)
	if *toFrame == 0 {
		fmt.Fprintln(os.Stderr, "missing -to_frame")
		os.Exit(2)
	}
	level, ok := action.ParsePauseLevel(*pauseLevel)
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown -pause_level", *pauseLevel)
		os.Exit(2)
	}

	snap, from, err := rewind(worldDir, uint32(*toFrame), level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rewind:", err)
		os.Exit(1)
	}

	out := strings.TrimSpace(*outPath)
	if out == "" {
		out = filepath.Join(worldDir, "rewind", fmt.Sprintf("%d.snap.zst", snap.Header.Frame))
	}
	if err := snapshot.WriteSnapshot(out, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("rewind ok: base=%s frame=%d out=%s\n", filepath.Base(from), snap.Header.Frame, out)
	fmt.Println("start the server with -snapshot", out, "to resume from it")
}
