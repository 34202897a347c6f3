package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"tilesync.dev/internal/netsync"
	persistlog "tilesync.dev/internal/persistence/log"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/replay"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		framesDir  = flag.String("frames", "", "frames dir containing frames-*.jsonl.zst (default: <world dir>/frames)")
		pauseLevel = flag.String("pause_level", "no_construction", "pause level the server ran with")
		fromFrame  = flag.Uint("from_frame", 0, "start verifying from frame (inclusive, optional)")
		toFrame    = flag.Uint("to_frame", 0, "stop at frame (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	level, ok := action.ParsePauseLevel(*pauseLevel)
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown -pause_level", *pauseLevel)
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d world=%s frame=%d map=%dx%d companies=%d signs=%d\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Frame,
		1<<snap.MapSizeLog, 1<<snap.MapSizeLog, len(snap.Companies), len(snap.Signs))

	dir := *framesDir
	if dir == "" {
		// <world dir>/snapshots/<frame>.snap.zst
		dir = persistlog.FrameDir(filepath.Dir(filepath.Dir(*snapPath)))
	}

	v, err := replay.New(snap, replay.Options{
		PauseLevel: level,
		VerifyFrom: uint32(*fromFrame),
		To:         uint32(*toFrame),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	seen := 0
	err = persistlog.ReadFrames(dir, func(e netsync.FrameLogEntry) error {
		seen++
		return v.Apply(e)
	})
	if err != nil && !errors.Is(err, replay.ErrDone) {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if seen == 0 {
		fmt.Fprintln(os.Stderr, "no frame log entries found in", dir)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d frames commands=%d (from snapshot frame=%d to frame=%d)\n",
		v.Checked(), v.Commands(), snap.Header.Frame, v.Frame())
}
