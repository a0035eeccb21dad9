package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/screenqueue/internal/touchlink"
)

// TouchLinkRepository stores the single touch link record.
type TouchLinkRepository struct {
	db *sql.DB
}

// NewTouchLinkRepository creates a repository over db.
func NewTouchLinkRepository(db *sql.DB) *TouchLinkRepository {
	return &TouchLinkRepository{db: db}
}

var _ touchlink.Store = (*TouchLinkRepository)(nil)

// LoadTouchLink returns the stored record, or nil.
func (r *TouchLinkRepository) LoadTouchLink(ctx context.Context) (*touchlink.Record, error) {
	var m TouchLinkModel
	err := r.db.QueryRowContext(ctx,
		`SELECT code, user_sub, page_identifier, page_extra, click_uid, visitor_uid, seen_at
		 FROM touch_links WHERE id = 1`,
	).Scan(&m.Code, &m.UserSub, &m.PageIdentifier, &m.PageExtra, &m.ClickUID, &m.VisitorUID, &m.SeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load touch link: %w", err)
	}
	return m.toRecord(), nil
}

// SaveTouchLink replaces the stored record; nil deletes it.
func (r *TouchLinkRepository) SaveTouchLink(ctx context.Context, rec *touchlink.Record) error {
	if rec == nil {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM touch_links WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to clear touch link: %w", err)
		}
		return nil
	}

	m := toTouchLinkModel(rec)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO touch_links (id, code, user_sub, page_identifier, page_extra, click_uid, visitor_uid, seen_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			code = excluded.code,
			user_sub = excluded.user_sub,
			page_identifier = excluded.page_identifier,
			page_extra = excluded.page_extra,
			click_uid = excluded.click_uid,
			visitor_uid = excluded.visitor_uid,
			seen_at = excluded.seen_at`,
		m.Code, m.UserSub, m.PageIdentifier, m.PageExtra, m.ClickUID, m.VisitorUID, m.SeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save touch link: %w", err)
	}
	return nil
}
