package main

import (
	"errors"
	"path/filepath"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/indexdb"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	netsync.FrameLogger
	netsync.AuditLogger
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	Stats() indexdb.Stats
}

func indexPath(worldDir string) string {
	return filepath.Join(worldDir, "index", "world.sqlite")
}

// openRuntimeIndex opens the sqlite read model. It never affects the
// simulation; a nil index just means nothing is indexed.
func openRuntimeIndex(worldDir string, enabled bool) (runtimeIndex, error) {
	if !enabled {
		return nil, nil
	}
	idx, err := indexdb.OpenSQLite(indexPath(worldDir))
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// frameFanout writes every frame to each logger. A failing logger does not
// keep the others from seeing the entry.
type frameFanout []netsync.FrameLogger

func (m frameFanout) WriteFrame(e netsync.FrameLogEntry) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteFrame(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type auditFanout []netsync.AuditLogger

func (m auditFanout) WriteAudit(e netsync.AuditEntry) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteAudit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
