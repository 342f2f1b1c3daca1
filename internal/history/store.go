package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means sqlite default
}

// Row is one recorded run outcome.
type Row struct {
	ID      int64         `json:"id"`
	At      time.Time     `json:"at"`
	Job     string        `json:"job"`
	Group   string        `json:"group"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, r Row) error {
	if s == nil || s.db == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, job, grp, outcome, err, elapsed_ms) VALUES(?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.Job, r.Group, r.Outcome, nullStr(r.Error), r.Elapsed.Milliseconds(),
	)
	return err
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, job, grp, outcome, COALESCE(err, ''), elapsed_ms
		 FROM runs ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		var (
			r         Row
			atMS      int64
			elapsedMS int64
		)
		if err := rows.Scan(&r.ID, &atMS, &r.Job, &r.Group, &r.Outcome, &r.Error, &elapsedMS); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMS)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the retention window and reports how many.
// olderThan <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil || olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
