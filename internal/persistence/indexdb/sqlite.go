// Package indexdb keeps a queryable SQLite index of preprocessing runs and
// per-file outcomes. The JSONL dataset is the source of truth; the index
// is a secondary view and never blocks a batch.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRun  atomic.Uint64
	dropFile atomic.Uint64
}

type reqKind int

const (
	reqRunStart reqKind = iota + 1
	reqRunEnd
	reqFile
	reqFlush
)

type req struct {
	kind reqKind
	run  Run
	file File
	done chan struct{}
}

// Run is one batch invocation.
type Run struct {
	ID                string
	StartedAt         time.Time
	FinishedAt        time.Time
	Input             string
	Output            string
	ActionSpace       string
	ActionSpaceDigest string
	RulesDigest       string
	Workers           int
	Files             int
	OK                int
	Partial           int
	LowQuality        int
	Dropped           int
	Failed            int
	BytesIn           int64
	DurationMs        int64
}

// File is one input's outcome within a run.
type File struct {
	RunID          string
	Path           string
	ContentHash    string
	Size           int64
	Status         string
	Code           string
	Message        string
	Players        int
	Steps          int
	Commands       int
	Unknown        int
	MaskViolations int
	LastTick       uint64
	DurationMs     int64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropRunTotal  uint64
	DropFileTotal uint64
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
		ch: make(chan req, 4096),
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
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			action_space TEXT NOT NULL,
			action_space_digest TEXT NOT NULL,
			rules_digest TEXT NOT NULL,
			workers INTEGER NOT NULL,
			files INTEGER NOT NULL DEFAULT 0,
			ok INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0,
			low_quality INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			players INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			commands INTEGER NOT NULL,
			unknown INTEGER NOT NULL,
			mask_violations INTEGER NOT NULL,
			last_tick INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, path)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_files_status ON files(status, code);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
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
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropRunTotal:  s.dropRun.Load(),
		DropFileTotal: s.dropFile.Load(),
	}
}

// StartRun records a run row. Run rows are never dropped silently: the
// call blocks for queue space until ctx is done.
func (s *SQLiteIndex) StartRun(ctx context.Context, r Run) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqRunStart, run: r}:
	case <-ctx.Done():
		s.dropRun.Add(1)
	}
}

func (s *SQLiteIndex) FinishRun(ctx context.Context, r Run) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqRunEnd, run: r}:
	case <-ctx.Done():
		s.dropRun.Add(1)
	}
}

// RecordFile enqueues a file outcome, dropping it when the writer is behind.
func (s *SQLiteIndex) RecordFile(f File) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqFile, file: f}:
	default:
		s.dropFile.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,started_at,input,output,action_space,action_space_digest,rules_digest,workers) VALUES(?,?,?,?,?,?,?,?)`)
	finishRun, _ := s.db.Prepare(`UPDATE runs SET finished_at=?,files=?,ok=?,partial=?,low_quality=?,dropped=?,failed=?,bytes_in=?,duration_ms=? WHERE run_id=?`)
	insertFile, _ := s.db.Prepare(`INSERT OR REPLACE INTO files(run_id,path,content_hash,size,status,code,message,players,steps,commands,unknown,mask_violations,last_tick,duration_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, finishRun, insertFile} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind != reqFlush {
			begin()
			if tx == nil {
				continue
			}
		}
		switch r.kind {
		case reqRunStart:
			ru := r.run
			exec(insertRun, ru.ID, ru.StartedAt.UTC().Format(time.RFC3339Nano), ru.Input, ru.Output,
				ru.ActionSpace, ru.ActionSpaceDigest, ru.RulesDigest, ru.Workers)
			// Later file rows reference the run.
			commit()
			continue
		case reqRunEnd:
			ru := r.run
			exec(finishRun, ru.FinishedAt.UTC().Format(time.RFC3339Nano), ru.Files, ru.OK, ru.Partial,
				ru.LowQuality, ru.Dropped, ru.Failed, ru.BytesIn, ru.DurationMs, ru.ID)
			commit()
			continue
		case reqFlush:
			commit()
			close(r.done)
			continue
		case reqFile:
			f := r.file
			exec(insertFile, f.RunID, f.Path, f.ContentHash, f.Size, f.Status, f.Code, f.Message,
				f.Players, f.Steps, f.Commands, f.Unknown, f.MaskViolations, int64(f.LastTick), f.DurationMs)
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
