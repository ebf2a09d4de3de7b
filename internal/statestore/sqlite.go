package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "pushbridge/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteBackend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b := &sqliteBackend{db: db, log: log}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (s *sqliteBackend) migrate(ctx context.Context) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(ddl))
	return err
}

func (s *sqliteBackend) Get(ctx context.Context, path string) (Record, bool, error) {
	var (
		raw string
		ack bool
		ms  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, ack, ts FROM state WHERE path = ?`, path).Scan(&raw, &ack, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Record{}, false, fmt.Errorf("decode %q: %w", path, err)
	}
	return Record{Value: v, Ack: ack, TS: time.UnixMilli(ms)}, true, nil
}

func (s *sqliteBackend) Put(ctx context.Context, path string, rec Record) error {
	raw, err := json.Marshal(rec.Value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state(path, value, ack, ts) VALUES(?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET value=excluded.value, ack=excluded.ack, ts=excluded.ts`,
		path, string(raw), rec.Ack, rec.TS.UnixMilli(),
	)
	return err
}

func (s *sqliteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM state WHERE path LIKE ? ESCAPE '\'`, likeEscape(prefix+".")+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
