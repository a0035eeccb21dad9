package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/screenqueue/internal/session"
)

// VisitorRepository stores the visitor uid.
type VisitorRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewVisitorRepository creates a repository over db.
func NewVisitorRepository(db *sql.DB) *VisitorRepository {
	return &VisitorRepository{db: db, now: time.Now}
}

var _ session.VisitorStore = (*VisitorRepository)(nil)

// LoadVisitor returns the stored uid, or "" when none was assigned yet.
func (r *VisitorRepository) LoadVisitor(ctx context.Context) (string, error) {
	var uid string
	err := r.db.QueryRowContext(ctx, `SELECT uid FROM visitor WHERE id = 1`).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load visitor: %w", err)
	}
	return uid, nil
}

// SaveVisitor replaces the stored uid.
func (r *VisitorRepository) SaveVisitor(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO visitor (id, uid, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET uid = excluded.uid, updated_at = excluded.updated_at`,
		uid, r.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	return nil
}
