package indexdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Reader runs read-only queries against an index file, possibly while a
// server is still writing to it.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type SnapshotRow struct {
	Frame     uint32 `json:"frame"`
	Path      string `json:"path"`
	WorldID   string `json:"world_id"`
	Seed      uint64 `json:"seed"`
	Tiles     int    `json:"tiles"`
	Companies int    `json:"companies"`
	Signs     int    `json:"signs"`
}

type FrameRow struct {
	Frame    uint32 `json:"frame"`
	Seed     uint64 `json:"seed"`
	Digest   string `json:"digest"`
	Commands int    `json:"commands"`
}

type CommandRow struct {
	Frame  uint32 `json:"frame"`
	Seq    int    `json:"seq"`
	Origin uint32 `json:"origin"`
	Kind   string `json:"kind"`
	Class  string `json:"class"`
	Reason string `json:"reason,omitempty"`
	Cost   int64  `json:"cost"`
	Action string `json:"action"`
}

type EventRow struct {
	Frame    uint32 `json:"frame"`
	Seq      int    `json:"seq"`
	Event    string `json:"event"`
	ClientID uint32 `json:"client_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type DesyncRow struct {
	Frame    uint32 `json:"frame"`
	ClientID uint32 `json:"client_id"`
	Event    string `json:"event"`
	Expected uint64 `json:"expected"`
	Got      uint64 `json:"got"`
	Reason   string `json:"reason,omitempty"`
}

// CommandFilter narrows Commands. Zero fields match everything.
type CommandFilter struct {
	Origin uint32
	Kind   string
	// Failed keeps only rejected or failed commands.
	Failed bool
	Limit  int
}

func limitOr(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}

func (r *Reader) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT frame,path,world_id,seed,tiles,companies,signs FROM snapshots ORDER BY frame DESC LIMIT ?`, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		var seed int64
		if err := rows.Scan(&s.Frame, &s.Path, &s.WorldID, &seed, &s.Tiles, &s.Companies, &s.Signs); err != nil {
			return nil, err
		}
		s.Seed = uint64(seed)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Frames lists frames in [from, to]; to == 0 means no upper bound.
func (r *Reader) Frames(ctx context.Context, from, to uint32, limit int) ([]FrameRow, error) {
	upper := int64(to)
	if to == 0 {
		upper = 1<<32 - 1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT frame,seed,digest,commands FROM frames WHERE frame >= ? AND frame <= ? ORDER BY frame LIMIT ?`, int64(from), upper, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FrameRow
	for rows.Next() {
		var f FrameRow
		var seed int64
		if err := rows.Scan(&f.Frame, &seed, &f.Digest, &f.Commands); err != nil {
			return nil, err
		}
		f.Seed = uint64(seed)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Commands returns the newest matching commands first.
func (r *Reader) Commands(ctx context.Context, f CommandFilter) ([]CommandRow, error) {
	q := `SELECT frame,seq,origin,kind,class,COALESCE(reason,''),cost,act_json FROM commands WHERE 1=1`
	var args []any
	if f.Origin != 0 {
		q += ` AND origin = ?`
		args = append(args, int64(f.Origin))
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Failed {
		q += ` AND class <> 'ok'`
	}
	q += ` ORDER BY frame DESC, seq DESC LIMIT ?`
	args = append(args, limitOr(f.Limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.Frame, &c.Seq, &c.Origin, &c.Kind, &c.Class, &c.Reason, &c.Cost, &c.Action); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Events returns session events, newest first; clientID 0 means every
// client.
func (r *Reader) Events(ctx context.Context, clientID uint32, limit int) ([]EventRow, error) {
	q := `SELECT frame,seq,event,COALESCE(client_id,0),COALESCE(name,''),COALESCE(token,''),COALESCE(reason,'') FROM session_events`
	var args []any
	if clientID != 0 {
		q += ` WHERE client_id = ?`
		args = append(args, int64(clientID))
	}
	q += ` ORDER BY frame DESC, seq DESC LIMIT ?`
	args = append(args, limitOr(limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Frame, &e.Seq, &e.Event, &e.ClientID, &e.Name, &e.Token, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Reader) Desyncs(ctx context.Context, limit int) ([]DesyncRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT frame,client_id,event,expected,got,COALESCE(reason,'') FROM desyncs ORDER BY frame DESC LIMIT ?`, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DesyncRow
	for rows.Next() {
		var d DesyncRow
		var expected, got int64
		if err := rows.Scan(&d.Frame, &d.ClientID, &d.Event, &expected, &got, &d.Reason); err != nil {
			return nil, err
		}
		d.Expected, d.Got = uint64(expected), uint64(got)
		out = append(out, d)
	}
	return out, rows.Err()
}
