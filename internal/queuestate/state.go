package queuestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/screenqueue/internal/protocol"
)

var (
	// ErrStaleState is returned by Pop when from is no longer the current
	// value. Its JWT is never sent.
	ErrStaleState = errors.New("queuestate: pop from a superseded state")
	// ErrLoggedOut is returned when the login settles as logged out before
	// the call could start.
	ErrLoggedOut = errors.New("queuestate: not logged in")
	// ErrHandled is returned when a failure was routed to the caller's
	// onError and the previous value was restored.
	ErrHandled = errors.New("queuestate: error handled by caller")
)

// Kind tags a State.
type Kind int

const (
	KindLoading Kind = iota
	KindError
	KindSuccess
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindError:
		return "error"
	case KindSuccess:
		return "success"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// PeekedScreen is a server-declared screen reference.
type PeekedScreen = protocol.PeekedScreen

// State is one immutable queue value. Identity matters: callers compare
// pointers to decide whether a value is still current.
type State struct {
	Kind Kind

	// Error fields.
	Err         error
	Description string
	// RetryAt is when the server suggested retrying; zero when not retryable.
	RetryAt time.Time

	// Success fields. ActiveJWT authenticates pop and trace calls for
	// exactly this active/prefetch pairing.
	Active    PeekedScreen
	ActiveJWT string
	Prefetch  []PeekedScreen
}

// Retryable reports whether an error state carries a retry time.
func (s *State) Retryable() bool {
	return s != nil && s.Kind == KindError && !s.RetryAt.IsZero()
}

func loadingState() *State {
	return &State{Kind: KindLoading}
}

func errorState(err error, now time.Time) *State {
	s := &State{
		Kind:        KindError,
		Err:         err,
		Description: protocol.Describe(err),
	}
	if d, ok := protocol.RetryAfterOf(err); ok {
		s.RetryAt = now.Add(d)
	}
	return s
}

func successState(env *protocol.Envelope) *State {
	return &State{
		Kind:      KindSuccess,
		Active:    env.Screen.Active,
		ActiveJWT: env.Screen.ActiveJWT,
		Prefetch:  env.Screen.Prefetch,
	}
}

// sameState treats every loading value as equal so back to back loads
// notify once.
func sameState(a, b *State) bool {
	if a == b {
		return true
	}
	return a != nil && b != nil && a.Kind == KindLoading && b.Kind == KindLoading
}

// Trigger tells the server which client flow the user chose. A nil
// *Trigger lets the server's default flow decide.
type Trigger struct {
	Slug       string `json:"slug"`
	Parameters any    `json:"parameters"`
}

// SkipTrigger is sent when the active slug is not registered.
func SkipTrigger() *Trigger {
	return &Trigger{Slug: "skip", Parameters: json.RawMessage(`{}`)}
}

type popBody struct {
	ScreenJWT string   `json:"screen_jwt"`
	Trigger   *Trigger `json:"trigger,omitempty"`
}
