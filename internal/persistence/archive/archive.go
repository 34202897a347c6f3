package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tilesync.dev/internal/persistence/snapshot"
)

const snapSuffix = ".snap.zst"

type MilestoneMeta struct {
	WorldID    string `json:"world_id"`
	Frame      uint32 `json:"frame"`
	Seed       uint64 `json:"seed"`
	Snapshot   string `json:"snapshot"`
	CreatedAt  string `json:"created_at"`
	MapSizeLog uint8  `json:"map_size_log"`
	Companies  int    `json:"companies"`
	Signs      int    `json:"signs"`
}

// Entry is one snapshot file named <frame>.snap.zst.
type Entry struct {
	Frame uint32
	Path  string
}

// List returns the snapshot files in dir in ascending frame order. A missing
// dir is not an error.
func List(dir string) ([]Entry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapSuffix) {
			continue
		}
		frame, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), snapSuffix), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Entry{Frame: uint32(frame), Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out, nil
}

// ArchiveMilestone copies a snapshot into worldDir/archives/frame_<N>/ when
// its frame is a positive multiple of every. Archived copies are never pruned.
func ArchiveMilestone(worldDir, snapshotPath string, snap snapshot.SnapshotV1, every uint32) (archivedPath string, archived bool, err error) {
	frame := snap.Header.Frame
	if every == 0 || frame == 0 || frame%every != 0 {
		return "", false, nil
	}

	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("frame_%010d", frame))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}
	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := MilestoneMeta{
		WorldID:    snap.Header.WorldID,
		Frame:      frame,
		Seed:       snap.Header.Seed,
		Snapshot:   filepath.Base(dst),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		MapSizeLog: snap.MapSizeLog,
		Companies:  len(snap.Companies),
		Signs:      len(snap.Signs),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

// Prune deletes all but the newest keep snapshots in dir. keep <= 0 keeps
// everything.
func Prune(dir string, keep int) (removed []string, err error) {
	if keep <= 0 {
		return nil, nil
	}
	ents, err := List(dir)
	if err != nil || len(ents) <= keep {
		return nil, err
	}
	for _, e := range ents[:len(ents)-keep] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
