// Package session holds the login and visitor values the queue waits on
// before its first call, and a credentials file source that keeps the login
// value current.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zjrosen/screenqueue/internal/pubsub"
)

// DefaultExpiryBuffer is how close to id token expiry the queue stops using it.
const DefaultExpiryBuffer = 5 * time.Minute

// State is the login lifecycle.
type State int

const (
	StateLoading State = iota
	StateLoggedOut
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoggedOut:
		return "logged-out"
	case StateLoggedIn:
		return "logged-in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tokens are the credentials persisted by the login command.
type Tokens struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// UserAttributes are read from the id token claims.
type UserAttributes struct {
	Sub        string
	Name       string
	GivenName  string
	FamilyName string
	Email      string
}

// Login is the login value.
type Login struct {
	State  State
	User   UserAttributes
	Tokens Tokens
	// ExpiresAt is the id token's exp claim. Zero means no expiry.
	ExpiresAt time.Time
}

// LoggedOut is the settled logged-out value.
var LoggedOut = Login{State: StateLoggedOut}

// FreshAt reports whether the id token is usable at now, i.e. logged in and
// not within buffer of expiring.
func (l Login) FreshAt(now time.Time, buffer time.Duration) bool {
	if l.State != StateLoggedIn {
		return false
	}
	if l.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(buffer).Before(l.ExpiresAt)
}

// Equal compares logins by value.
func (l Login) Equal(o Login) bool {
	return l.State == o.State &&
		l.User == o.User &&
		l.Tokens == o.Tokens &&
		l.ExpiresAt.Equal(o.ExpiresAt)
}

// NewLoginValue returns a loading login value that only notifies on change.
func NewLoginValue() *pubsub.Value[Login] {
	return pubsub.NewValue(Login{State: StateLoading}, pubsub.WithEqual(Login.Equal))
}

// ErrNoIDToken is returned by LoginFromTokens for empty credentials.
var ErrNoIDToken = errors.New("session: missing id token")

// LoginFromTokens builds a logged-in value from tokens. The id token is only
// decoded; the server verifies its signature on every call.
func LoginFromTokens(tokens Tokens) (Login, error) {
	if tokens.IDToken == "" {
		return Login{}, ErrNoIDToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.IDToken, claims); err != nil {
		return Login{}, fmt.Errorf("session: decode id token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Login{}, fmt.Errorf("session: id token has no subject")
	}
	login := Login{
		State:  StateLoggedIn,
		Tokens: tokens,
		User: UserAttributes{
			Sub:        sub,
			Name:       stringClaim(claims, "name"),
			GivenName:  stringClaim(claims, "given_name"),
			FamilyName: stringClaim(claims, "family_name"),
			Email:      stringClaim(claims, "email"),
		},
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		login.ExpiresAt = exp.Time
	}
	return login, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}
