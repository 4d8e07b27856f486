package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/identity/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection holding enrolled templates.
// A pgx.Conn is not safe for concurrent use, so every call holds mu.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the template table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS enrolled_templates (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			template DOUBLE PRECISION[] NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS enrolled_templates_seq_idx ON enrolled_templates (seq);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// Load returns every enrolled template in enrollment order.
func (s *Store) Load(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, "SELECT id, template, created_at FROM enrolled_templates ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var tpl []float64
		if err := rows.Scan(&r.ID, &tpl, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Template = tpl
		records = append(records, r)
	}
	return records, rows.Err()
}

// Save inserts the template, replacing the stored data when id already exists.
// A replaced template keeps its original position.
func (s *Store) Save(ctx context.Context, id string, t types.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO enrolled_templates (id, template)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET template = EXCLUDED.template
	`, id, []float64(t))
	return err
}

// Delete removes a template.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "DELETE FROM enrolled_templates WHERE id = $1", id)
	return err
}

// Clear removes every template.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "TRUNCATE enrolled_templates")
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS enrolled_templates CASCADE;
	`)
	return err
}
