package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/identity/internal/types"
)

// Record is one persisted enrollment.
type Record struct {
	ID        string
	Template  types.Template
	CreatedAt time.Time
}

// Persister stores enrolled templates outside the process.
type Persister interface {
	// Load returns every record in enrollment order.
	Load(ctx context.Context) ([]Record, error)
	// Save inserts or replaces id.
	Save(ctx context.Context, id string, t types.Template) error
	// Delete removes id; deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Clear removes every record but keeps the schema.
	Clear(ctx context.Context) error
	// Reset drops the schema entirely.
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open picks a backend from the connection string: postgres:// or
// postgresql:// use PostgreSQL, sqlite:// (or a bare *.db path) uses SQLite.
func Open(ctx context.Context, connString string) (Persister, error) {
	switch {
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		return New(ctx, connString)
	case strings.HasPrefix(connString, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(connString, "sqlite://"))
	case strings.HasSuffix(connString, ".db"):
		return NewSQLite(ctx, connString)
	}
	return nil, fmt.Errorf("unsupported database url %q", connString)
}
