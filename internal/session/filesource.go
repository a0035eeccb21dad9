package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/pubsub"
	"github.com/zjrosen/screenqueue/internal/watcher"
)

// FileSource publishes the login stored in a JSON credentials file.
// A missing or unreadable file is logged out.
type FileSource struct {
	path     string
	buffer   time.Duration
	debounce time.Duration
	value    *pubsub.Value[Login]
	now      func() time.Time
}

// FileSourceOption customizes a FileSource.
type FileSourceOption func(*FileSource)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) FileSourceOption {
	return func(s *FileSource) { s.now = now }
}

// WithDebounce overrides the file watch debounce.
func WithDebounce(d time.Duration) FileSourceOption {
	return func(s *FileSource) { s.debounce = d }
}

// NewFileSource creates a source writing into value.
func NewFileSource(path string, value *pubsub.Value[Login], buffer time.Duration, opts ...FileSourceOption) *FileSource {
	s := &FileSource{
		path:     path,
		buffer:   buffer,
		debounce: watcher.DefaultConfig(path).Debounce,
		value:    value,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the file once and publishes the result.
func (s *FileSource) Load() Login {
	login := LoggedOut
	tokens, err := ReadTokens(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug(log.CatSession, "No credentials file", "path", s.path)
	case err != nil:
		log.ErrorErr(log.CatSession, "Failed to read credentials", err, "path", s.path)
	default:
		parsed, perr := LoginFromTokens(tokens)
		switch {
		case perr != nil:
			log.ErrorErr(log.CatSession, "Ignoring invalid credentials", perr, "path", s.path)
		case !parsed.ExpiresAt.IsZero() && !s.now().Before(parsed.ExpiresAt):
			log.Warn(log.CatSession, "Id token expired; signed out until credentials are refreshed",
				"path", s.path, "expires_at", parsed.ExpiresAt)
		default:
			login = parsed
		}
	}
	if s.value.Set(login) {
		log.Info(log.CatSession, "Login changed", "state", login.State, "sub", login.User.Sub)
	}
	return login
}

// Run loads the file, then reloads it whenever it changes, when the id token
// enters the expiry buffer and again when it expires, until ctx ends.
func (s *FileSource) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	w, err := watcher.New(watcher.Config{Path: s.path, Debounce: s.debounce})
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()
	onChange, err := w.Start()
	if err != nil {
		return err
	}

	var expiry *time.Timer
	defer func() {
		if expiry != nil {
			expiry.Stop()
		}
	}()
	schedule := func(login Login) <-chan time.Time {
		if expiry != nil {
			expiry.Stop()
			expiry = nil
		}
		if login.State != StateLoggedIn || login.ExpiresAt.IsZero() {
			return nil
		}
		wait := login.ExpiresAt.Add(-s.buffer).Sub(s.now())
		if wait <= 0 {
			// Queue calls wait for fresh credentials; without them the
			// login turns logged-out once the token actually expires.
			wait = login.ExpiresAt.Sub(s.now())
			log.Warn(log.CatSession, "Id token inside expiry buffer; waiting for refreshed credentials",
				"expires_at", login.ExpiresAt, "signed_out_in", wait)
			if wait <= 0 {
				return nil
			}
		}
		expiry = time.NewTimer(wait)
		return expiry.C
	}

	expired := schedule(s.Load())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-onChange:
			expired = schedule(s.Load())
		case <-expired:
			log.Info(log.CatSession, "Id token expiry reached, re-reading credentials")
			expired = schedule(s.Load())
		}
	}
}

// ReadTokens reads a credentials file.
func ReadTokens(path string) (Tokens, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: configured credentials path
	if err != nil {
		return Tokens{}, err
	}
	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return tokens, nil
}

// SaveTokens atomically replaces the credentials file.
func SaveTokens(path string, tokens Tokens) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	raw, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("creating temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing credentials: %w", err)
	}
	return nil
}

// ClearTokens removes the credentials file. A missing file is not an error.
func ClearTokens(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}
