// Package session owns the authentication lifecycle: credential exchange,
// the bearer token and its durable copy.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caixa/internal/core"
	"caixa/internal/log"
)

// ErrNoToken is returned by Claims when there is no session.
var ErrNoToken = errors.New("no token")

// RegisteredMessage is returned after a successful registration.
const RegisteredMessage = "Cadastro realizado com sucesso! Agora você pode fazer o login."

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Authenticator exchanges credentials with the remote API.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) (core.User, error)
}

// TokenStore persists the token across restarts.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Change describes one state transition. Token is the token after the
// transition, empty when unauthenticated. Cause is set when the server
// ended the session and holds the rejected request's error.
type Change struct {
	From  State
	To    State
	Token string
	Cause error
}

// Session is safe for concurrent use. Listeners run after the transition
// is committed and never while the session lock is held.
type Session struct {
	auth   Authenticator
	store  TokenStore
	logger *log.Logger

	mu        sync.Mutex
	state     State
	token     string
	listeners []func(Change)
}

func New(auth Authenticator, store TokenStore, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Discard()
	}
	return &Session{
		auth:   auth,
		store:  store,
		logger: logger.WithComponent(log.ComponentSession),
	}
}

// OnChange registers fn for every subsequent transition.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the current bearer token, or "".
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Start restores a persisted token. The token is trusted until the server
// rejects it.
func (s *Session) Start(ctx context.Context) error {
	token, err := s.store.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if token == "" {
		return nil
	}
	s.logger.DebugContext(ctx, "Session restored from token store")
	s.transition(Authenticated, token)
	return nil
}

// Login exchanges the form's credentials for a token. On success both
// credential fields are cleared. On failure the form is left as is and the
// session ends up unauthenticated.
func (s *Session) Login(ctx context.Context, form *Form) error {
	if strings.TrimSpace(form.Username) == "" || form.Password == "" {
		return core.ErrMissingCredentials
	}

	if !s.transitionIf(func(cur State, _ string) bool { return cur != Authenticating }, Authenticating, "", nil) {
		return core.ErrBusy
	}

	token, err := s.auth.Login(ctx, strings.TrimSpace(form.Username), form.Password)
	if err != nil {
		s.logger.WarnContext(ctx, "Login failed",
			log.FieldUsername, form.Username,
			log.FieldStatusCode, core.StatusOf(err),
			log.FieldError, err)
		s.clearDurable(ctx)
		s.transitionIf(authenticating, Unauthenticated, "", nil)
		return err
	}

	// A logout issued while the request was in flight wins.
	if !s.transitionIf(authenticating, Authenticated, token, nil) {
		return core.ErrNotAuthenticated
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		// The session still works for this process.
		s.logger.WarnContext(ctx, "Failed to persist token", log.FieldError, err)
	}
	s.logger.InfoContext(ctx, "Logged in", log.FieldUsername, form.Username)
	form.Username = ""
	form.Password = ""
	return nil
}

// Register creates an account. On success it clears the password, puts the
// form back in login mode and returns RegisteredMessage. The session state
// is not touched.
func (s *Session) Register(ctx context.Context, form *Form) (string, error) {
	if strings.TrimSpace(form.Username) == "" || form.Password == "" {
		return "", core.ErrMissingCredentials
	}
	user, err := s.auth.Register(ctx, strings.TrimSpace(form.Username), form.Password)
	if err != nil {
		s.logger.WarnContext(ctx, "Registration failed",
			log.FieldUsername, form.Username,
			log.FieldStatusCode, core.StatusOf(err),
			log.FieldError, err)
		return "", err
	}
	s.logger.InfoContext(ctx, "Account created", log.FieldUsername, user.Username)
	form.Password = ""
	form.Mode = ModeLogin
	return RegisteredMessage, nil
}

// Submit dispatches the form according to its mode. The returned message
// is non-empty only after a registration.
func (s *Session) Submit(ctx context.Context, form *Form) (string, error) {
	if form.Mode == ModeRegister {
		return s.Register(ctx, form)
	}
	return "", s.Login(ctx, form)
}

// Logout forgets the token in memory and in the token store.
func (s *Session) Logout(ctx context.Context) error {
	var err error
	if cerr := s.store.ClearToken(ctx); cerr != nil {
		err = fmt.Errorf("logout: %w", cerr)
	}
	s.logger.InfoContext(ctx, "Logged out")
	s.transition(Unauthenticated, "")
	return err
}

// Expire downgrades the session after the server rejected token. A
// rejection of a token that is no longer current is ignored; an empty token
// expires whatever is current. cause is passed on to listeners. It reports
// whether the session was ended.
func (s *Session) Expire(ctx context.Context, token string, cause error) bool {
	ended := s.transitionIf(func(_ State, current string) bool {
		return current != "" && (token == "" || token == current)
	}, Unauthenticated, "", cause)
	if !ended {
		return false
	}
	s.logger.WarnContext(ctx, "Session expired by server")
	s.clearDurable(ctx)
	return true
}

// Claims are the token's display-only claims.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the claimed expiry is before now. The server
// stays the authority; this is only for display.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Claims decodes the current token without verifying its signature.
func (s *Session) Claims() (Claims, error) {
	token := s.Token()
	if token == "" {
		return Claims{}, ErrNoToken
	}
	rc := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, rc); err != nil {
		return Claims{}, fmt.Errorf("decode token: %w", err)
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

func (s *Session) clearDurable(ctx context.Context) {
	if err := s.store.ClearToken(ctx); err != nil {
		s.logger.WarnContext(ctx, "Failed to clear persisted token", log.FieldError, err)
	}
}

func authenticating(cur State, _ string) bool { return cur == Authenticating }

func (s *Session) transition(to State, token string) {
	s.transitionIf(nil, to, token, nil)
}

// transitionIf commits the transition when allowed accepts the current
// state and token, then notifies listeners.
func (s *Session) transitionIf(allowed func(State, string) bool, to State, token string, cause error) bool {
	s.mu.Lock()
	if allowed != nil && !allowed(s.state, s.token) {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = to
	s.token = token
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Debug("Session transition", log.FieldSessionFrom, from.String(), log.FieldSessionTo, to.String())
	change := Change{From: from, To: to, Token: token, Cause: cause}
	for _, fn := range listeners {
		fn(change)
	}
	return true
}
