package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "jobsys/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS retirements (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	at             TEXT    NOT NULL,
	instance       TEXT    NOT NULL,
	job_id         INTEGER NOT NULL,
	type           INTEGER NOT NULL,
	channels       TEXT    NOT NULL,
	worker         TEXT,
	queue_delay_ms INTEGER NOT NULL,
	run_ms         INTEGER NOT NULL,
	err            TEXT
);
CREATE INDEX IF NOT EXISTS retirements_instance_job ON retirements(instance, job_id);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRows    int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRows: cfg.MaxRows, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("max_rows", cfg.MaxRows))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRetirement(ctx context.Context, r Retirement) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	// Channels is stored as text: SQLite integers are signed 64-bit.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retirements(at, instance, job_id, type, channels, worker, queue_delay_ms, run_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.Instance, r.JobID, r.Type,
		fmt.Sprintf("%d", r.Channels), nullStr(r.Worker), r.QueueDelayMS, r.RunMS, nullStr(r.Error),
	)
	if err == nil && s.maxRows > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("sqlite prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]Retirement, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, instance, job_id, type, channels, worker, queue_delay_ms, run_ms, err
		 FROM retirements ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Retirement, 0, n)
	for rows.Next() {
		var (
			r        Retirement
			at, lane string
			worker   sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&at, &r.Instance, &r.JobID, &r.Type, &lane, &worker, &r.QueueDelayMS, &r.RunMS, &errText); err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("retirements.at: %w", err)
		}
		if _, err := fmt.Sscan(lane, &r.Channels); err != nil {
			return nil, fmt.Errorf("retirements.channels: %w", err)
		}
		r.Worker = worker.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM retirements WHERE seq <= (SELECT MAX(seq) FROM retirements) - ?`, s.maxRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
