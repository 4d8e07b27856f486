package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andresmejia3/identity/internal/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"
)

// SQLite keeps templates in a local file, msgpack-encoded.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS enrolled_templates (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			template BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close(context.Context) {
	s.db.Close()
}

func (s *SQLite) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, template, created_at FROM enrolled_templates ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			blob    []byte
			created int64
		)
		if err := rows.Scan(&r.ID, &blob, &created); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(blob, &r.Template); err != nil {
			return nil, fmt.Errorf("template %s: %w", r.ID, err)
		}
		r.CreatedAt = time.Unix(0, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) Save(ctx context.Context, id string, t types.Template) error {
	blob, err := msgpack.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enrolled_templates (id, template, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET template = excluded.template
	`, id, blob, time.Now().UnixNano())
	return err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM enrolled_templates WHERE id = ?", id)
	return err
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM enrolled_templates")
	return err
}

func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS enrolled_templates")
	return err
}
