package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrClosed is returned by queries on a closed index.
var ErrClosed = errors.New("indexdb: closed")

// Flush waits until every queued write is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hashes maps the content hash of every file a previous run wrote output
// for to its path. Call it before the run enqueues writes, or after Flush.
func (s *SQLiteIndex) Hashes(ctx context.Context) (map[string]string, error) {
	if s == nil {
		return nil, nil
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, path FROM files WHERE status IN ('ok','partial','low_quality') ORDER BY run_id, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var h, p string
		if err := rows.Scan(&h, &p); err != nil {
			return nil, err
		}
		if _, ok := out[h]; !ok {
			out[h] = p
		}
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Run(ctx context.Context, id string) (Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	if s == nil {
		return r, sql.ErrNoRows
	}
	if s.closed.Load() {
		return r, ErrClosed
	}
	err := s.db.QueryRowContext(ctx, `SELECT run_id,started_at,finished_at,input,output,action_space,action_space_digest,rules_digest,workers,files,ok,partial,low_quality,dropped,failed,bytes_in,duration_ms FROM runs WHERE run_id=?`, id).
		Scan(&r.ID, &started, &finished, &r.Input, &r.Output, &r.ActionSpace, &r.ActionSpaceDigest, &r.RulesDigest, &r.Workers,
			&r.Files, &r.OK, &r.Partial, &r.LowQuality, &r.Dropped, &r.Failed, &r.BytesIn, &r.DurationMs)
	if err != nil {
		return r, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return r, nil
}

// Files lists a run's file rows ordered by path.
func (s *SQLiteIndex) Files(ctx context.Context, runID string) ([]File, error) {
	if s == nil {
		return nil, nil
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,path,content_hash,size,status,code,message,players,steps,commands,unknown,mask_violations,last_tick,duration_ms FROM files WHERE run_id=? ORDER BY path`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var (
			f        File
			lastTick int64
		)
		if err := rows.Scan(&f.RunID, &f.Path, &f.ContentHash, &f.Size, &f.Status, &f.Code, &f.Message,
			&f.Players, &f.Steps, &f.Commands, &f.Unknown, &f.MaskViolations, &lastTick, &f.DurationMs); err != nil {
			return nil, err
		}
		f.LastTick = uint64(lastTick)
		out = append(out, f)
	}
	return out, rows.Err()
}
