package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"frpc-authproxy/pkg/model"
)

// DefaultSQLitePath is used by the default journal target.
const DefaultSQLitePath = "/var/lib/frpc-authproxy/journal.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS config_updates(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_addr TEXT,
	actor TEXT,
	rotated INTEGER,
	new_user TEXT,
	forward_err TEXT,
	reload_err TEXT,
	saved INTEGER,
	skip_reason TEXT,
	body_bytes INTEGER,
	ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_config_updates_ts ON config_updates(ts);`

// SQLite is a journal in a local sqlite file.
type SQLite struct {
	db     *sql.DB
	logger hclog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger hclog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	logger.Debug("journal opened", "backend", "sqlite", "path", path)
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Record(ctx context.Context, rec model.UpdateRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO config_updates(remote_addr, actor, rotated, new_user, forward_err, reload_err, saved, skip_reason, body_bytes, ts) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.RemoteAddr, rec.Actor, rec.Rotated, rec.NewUser, rec.ForwardErr, rec.ReloadErr, rec.Saved, rec.SkipReason, rec.BodyBytes, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	return nil
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]model.UpdateRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, remote_addr, actor, rotated, new_user, forward_err, reload_err, saved, skip_reason, body_bytes, ts FROM config_updates ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var out []model.UpdateRecord
	for rows.Next() {
		var (
			rec model.UpdateRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &rec.RemoteAddr, &rec.Actor, &rec.Rotated, &rec.NewUser, &rec.ForwardErr, &rec.ReloadErr, &rec.Saved, &rec.SkipReason, &rec.BodyBytes, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
