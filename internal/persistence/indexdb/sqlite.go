package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/tuning"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable secondary index of the frame and audit logs.
// Writes are queued to a single writer goroutine and dropped when the queue is
// full; the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrame    atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqAudit
	reqSnapshot
)

type req struct {
	kind reqKind

	frame    netsync.FrameLogEntry
	audit    netsync.AuditEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Frame     uint32
	Path      string
	WorldID   string
	Seed      uint64
	Tiles     int
	Companies int
	Signs     int
}

// Stats reports queue health.
type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropFrameTotal    uint64
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
	WriteErrorTotal   uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			frame INTEGER PRIMARY KEY,
			seed INTEGER NOT NULL,
			digest TEXT NOT NULL,
			commands INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			origin INTEGER NOT NULL,
			kind TEXT NOT NULL,
			class TEXT NOT NULL,
			reason TEXT,
			cost INTEGER NOT NULL,
			act_json TEXT NOT NULL,
			PRIMARY KEY(frame, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS commands_origin ON commands(origin, frame);`,
		`CREATE INDEX IF NOT EXISTS commands_kind ON commands(kind, frame);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			client_id INTEGER,
			name TEXT,
			token TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY(frame, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS session_events_client ON session_events(client_id, frame);`,
		`CREATE TABLE IF NOT EXISTS desyncs (
			frame INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			expected INTEGER NOT NULL,
			got INTEGER NOT NULL,
			reason TEXT,
			PRIMARY KEY(frame, client_id, event)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			frame INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			world_id TEXT NOT NULL,
			seed INTEGER NOT NULL,
			tiles INTEGER NOT NULL,
			companies INTEGER NOT NULL,
			signs INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropFrameTotal:    s.dropFrame.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

// WriteFrame queues one frame. It never blocks the caller.
func (s *SQLiteIndex) WriteFrame(e netsync.FrameLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFrame, frame: e}:
	default:
		s.dropFrame.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(e netsync.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: e}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Frame:     snap.Header.Frame,
		Path:      path,
		WorldID:   snap.Header.WorldID,
		Seed:      snap.Header.Seed,
		Tiles:     len(snap.Tiles),
		Companies: len(snap.Companies),
		Signs:     len(snap.Signs),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertTuning stores the settings the server actually runs with, one row per
// section, keyed by a digest of its canonical JSON.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	// Secrets never land in the index.
	tune.Server.Password = ""
	tune.Offsite.SecretAccessKey = ""

	type kv struct {
		name string
		v    any
	}
	sections := []kv{
		{"server", tune.Server},
		{"network", tune.Network},
		{"world", tune.World},
		{"persist", tune.Persist},
		{"offsite", tune.Offsite},
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('world_id',?)`, tune.World.ID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO tuning(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sec := range sections {
		b, err := json.Marshal(sec.v)
		if err != nil {
			return fmt.Errorf("tuning %s: %w", sec.name, err)
		}
		sum := sha256.Sum256(b)
		if _, err := stmt.Exec(sec.name, hex.EncodeToString(sum[:]), string(b), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(frame,seed,digest,commands,raw_json) VALUES(?,?,?,?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(frame,seq,origin,kind,class,reason,cost,act_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO session_events(frame,seq,event,client_id,name,token,reason,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertDesync, _ := s.db.Prepare(`INSERT OR REPLACE INTO desyncs(frame,client_id,event,expected,got,reason) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(frame,path,world_id,seed,tiles,companies,signs) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertCommand, insertEvent, insertDesync, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditFrame uint32
		auditSeq       int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			f := r.frame
			raw, _ := json.Marshal(f)
			if !exec(insertFrame, int64(f.Frame), int64(f.Seed), f.Digest, len(f.Commands), string(raw)) {
				continue
			}
			for i, c := range f.Commands {
				act, _ := json.Marshal(c.Action)
				if !exec(insertCommand, int64(f.Frame), i, int64(c.Origin), c.Action.Kind, c.Class, c.Reason, c.Cost, string(act)) {
					break
				}
			}

		case reqAudit:
			a := r.audit
			if a.Frame != lastAuditFrame {
				lastAuditFrame = a.Frame
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if !exec(insertEvent, int64(a.Frame), seq, a.Event, int64(a.ClientID), a.Name, a.Token, a.Reason, string(raw)) {
				continue
			}
			if a.Event == netsync.AuditDesync || a.Event == netsync.AuditDivergence {
				exec(insertDesync, int64(a.Frame), int64(a.ClientID), a.Event, int64(a.Expected), int64(a.Got), a.Reason)
			}

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Frame), sn.Path, sn.WorldID, int64(sn.Seed), sn.Tiles, sn.Companies, sn.Signs)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
