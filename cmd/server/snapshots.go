package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/persistence/archive"
	"tilesync.dev/internal/persistence/snapshot"
)

func snapshotDir(worldDir string) string { return filepath.Join(worldDir, "snapshots") }

func snapshotPath(worldDir string, frame uint32) string {
	return filepath.Join(snapshotDir(worldDir), fmt.Sprintf("%d.snap.zst", frame))
}

// latestSnapshot returns the snapshot with the highest frame, or "".
func latestSnapshot(worldDir string) string {
	ents, err := archive.List(snapshotDir(worldDir))
	if err != nil || len(ents) == 0 {
		return ""
	}
	return ents[len(ents)-1].Path
}

type autosaver struct {
	worldDir     string
	idx          runtimeIndex
	mirror       snapshotMirror
	archiveEvery uint32
	keep         int
	log          logrus.FieldLogger
}

func (a *autosaver) save(snap snapshot.SnapshotV1) {
	frame := snap.Header.Frame
	path := snapshotPath(a.worldDir, frame)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		a.log.WithError(err).WithField("frame", frame).Error("snapshot write")
		return
	}
	a.log.WithFields(logrus.Fields{"frame": frame, "path": path}).Info("snapshot saved")
	if a.idx != nil {
		a.idx.RecordSnapshot(path, snap)
	}
	if a.mirror != nil {
		a.mirror.Enqueue(path)
	}

	if dst, ok, err := archive.ArchiveMilestone(a.worldDir, path, snap, a.archiveEvery); err != nil {
		a.log.WithError(err).WithField("frame", frame).Warn("snapshot archive")
	} else if ok {
		a.log.WithFields(logrus.Fields{"frame": frame, "path": dst}).Info("snapshot archived")
		if a.mirror != nil {
			a.mirror.Enqueue(dst)
			a.mirror.Enqueue(filepath.Join(filepath.Dir(dst), "meta.json"))
		}
	}

	removed, err := archive.Prune(snapshotDir(a.worldDir), a.keep)
	if err != nil {
		a.log.WithError(err).Warn("snapshot prune")
	}
	if len(removed) > 0 {
		a.log.WithField("removed", len(removed)).Debug("snapshots pruned")
	}
}

// run writes every snapshot the server offers until ctx is done, then
// flushes whatever is still buffered.
func (a *autosaver) run(ctx context.Context, sink <-chan snapshot.SnapshotV1) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case snap := <-sink:
					a.save(snap)
				default:
					return nil
				}
			}
		case snap := <-sink:
			a.save(snap)
		}
	}
}
