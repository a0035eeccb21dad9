package touchlink

import (
	"context"
	"encoding/json"
	"time"
)

// Link is everything known about a touch link code.
type Link struct {
	Code           string          `json:"code"`
	UserSub        string          `json:"user_sub,omitempty"`
	PageIdentifier string          `json:"page_identifier"`
	PageExtra      json.RawMessage `json:"page_extra,omitempty"`
	ClickUID       string          `json:"click_uid,omitempty"`
	VisitorUID     string          `json:"visitor_uid,omitempty"`
}

// Record is a persisted link and when it was seen.
type Record struct {
	Link   Link      `json:"link"`
	SeenAt time.Time `json:"seen_at"`
}

// Store persists at most one link record.
type Store interface {
	// LoadTouchLink returns nil when nothing is stored.
	LoadTouchLink(ctx context.Context) (*Record, error)
	// SaveTouchLink replaces the record. A nil rec clears it.
	SaveTouchLink(ctx context.Context, rec *Record) error
}

// PendingLink is a code waiting to be applied to a logged-in queue.
// Identity matters: MarkApplied only clears the exact pointer it handed out.
type PendingLink struct {
	Code     string
	ClickUID string
}

// Pending is the pending-link value. Loading means not yet decided; a nil
// Link means nothing to apply.
type Pending struct {
	Loading bool
	Link    *PendingLink
}

// LoggedOutPage is where a logged-out visitor following a link should land.
type LoggedOutPage struct {
	Code           string
	PageIdentifier string
	PageExtra      json.RawMessage
}

// Page is the logged-out page value.
type Page struct {
	Loading bool
	Page    *LoggedOutPage
}
