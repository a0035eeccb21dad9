package queuestate

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

// Strategy selects which call opens a session.
type Strategy int

const (
	StrategyPlain Strategy = iota
	StrategyMergeToken
	StrategyCheckout
	StrategyTouchLink
)

func (s Strategy) String() string {
	switch s {
	case StrategyPlain:
		return "plain"
	case StrategyMergeToken:
		return "merge_token"
	case StrategyCheckout:
		return "checkout"
	case StrategyTouchLink:
		return "touch_link"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// FirstPeek is the resolved first call. OnApplied runs after the call
// succeeds, so the caller can forget whatever it just applied.
type FirstPeek struct {
	Strategy  Strategy
	Body      any
	OnApplied func(ctx context.Context)
}

// Plain opens with a normal peek.
func Plain() FirstPeek {
	return FirstPeek{Strategy: StrategyPlain}
}

// MergeToken opens by merging another identity into the user.
func MergeToken(token string, onApplied func(context.Context)) FirstPeek {
	return FirstPeek{
		Strategy:  StrategyMergeToken,
		Body:      map[string]string{"merge_token": token},
		OnApplied: onApplied,
	}
}

// CheckoutSession opens by completing a checkout.
func CheckoutSession(uid string, onApplied func(context.Context)) FirstPeek {
	return FirstPeek{
		Strategy:  StrategyCheckout,
		Body:      map[string]string{"checkout_uid": uid},
		OnApplied: onApplied,
	}
}

type touchLinkBody struct {
	Code     string `json:"code"`
	ClickUID string `json:"click_uid,omitempty"`
}

// TouchLink opens by applying a deferred touch link.
func TouchLink(code, clickUID string, onApplied func(context.Context)) FirstPeek {
	return FirstPeek{
		Strategy:  StrategyTouchLink,
		Body:      touchLinkBody{Code: code, ClickUID: clickUID},
		OnApplied: onApplied,
	}
}

// FirstPeekSource decides the first call, blocking until it can.
type FirstPeekSource interface {
	FirstPeek(ctx context.Context) (FirstPeek, error)
}

// FirstPeekFunc adapts a function to FirstPeekSource.
type FirstPeekFunc func(ctx context.Context) (FirstPeek, error)

// FirstPeek implements FirstPeekSource.
func (f FirstPeekFunc) FirstPeek(ctx context.Context) (FirstPeek, error) { return f(ctx) }

func (m *Machine) firstPath(s Strategy) string {
	switch s {
	case StrategyMergeToken:
		return m.cfg.Endpoints.MergeToken
	case StrategyCheckout:
		return m.cfg.Endpoints.Checkout
	case StrategyTouchLink:
		return m.cfg.Endpoints.TouchLink
	default:
		return m.cfg.Endpoints.Peek
	}
}

// Start performs the session's first call as chosen by src (a plain peek
// when src is nil). Cancellation and logout end it silently.
func (m *Machine) Start(ctx context.Context, src FirstPeekSource) error {
	fp := Plain()
	if src != nil {
		var err error
		fp, err = src.FirstPeek(ctx)
		if err != nil {
			if IsSilent(err) {
				return nil
			}
			return fmt.Errorf("resolving first peek: %w", err)
		}
	}

	ctx, span := m.tracer.Start(ctx, tracing.SpanQueueFirstPeek,
		trace.WithAttributes(attribute.String(tracing.AttrQueueStrategy, fp.Strategy.String())))
	defer span.End()

	log.Info(log.CatQueue, "First call", "strategy", fp.Strategy)
	_, err := m.call(ctx, call{
		span: tracing.SpanQueuePeek,
		path: m.firstPath(fp.Strategy),
		body: fp.Body,
	})
	if err != nil {
		if IsSilent(err) {
			log.Debug(log.CatQueue, "First call abandoned", "reason", err)
			return nil
		}
		return err
	}
	if fp.OnApplied != nil {
		fp.OnApplied(ctx)
	}
	return nil
}
