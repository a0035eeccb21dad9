package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/screenqueue/internal/touchlink"
)

// TouchLinkModel is the touch_links row. Times are Unix milliseconds.
type TouchLinkModel struct {
	Code           string
	UserSub        *string // nullable
	PageIdentifier string
	PageExtra      *string // nullable, raw JSON
	ClickUID       *string // nullable
	VisitorUID     *string // nullable
	SeenAt         int64
}

func toTouchLinkModel(rec *touchlink.Record) *TouchLinkModel {
	m := &TouchLinkModel{
		Code:           rec.Link.Code,
		UserSub:        nullable(rec.Link.UserSub),
		PageIdentifier: rec.Link.PageIdentifier,
		ClickUID:       nullable(rec.Link.ClickUID),
		VisitorUID:     nullable(rec.Link.VisitorUID),
		SeenAt:         rec.SeenAt.UnixMilli(),
	}
	if len(rec.Link.PageExtra) > 0 {
		extra := string(rec.Link.PageExtra)
		m.PageExtra = &extra
	}
	return m
}

func (m *TouchLinkModel) toRecord() *touchlink.Record {
	rec := &touchlink.Record{
		Link: touchlink.Link{
			Code:           m.Code,
			UserSub:        deref(m.UserSub),
			PageIdentifier: m.PageIdentifier,
			ClickUID:       deref(m.ClickUID),
			VisitorUID:     deref(m.VisitorUID),
		},
		SeenAt: time.UnixMilli(m.SeenAt).UTC(),
	}
	if m.PageExtra != nil {
		rec.Link.PageExtra = json.RawMessage(*m.PageExtra)
	}
	return rec
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
