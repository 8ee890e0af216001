package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caixa/internal/core"
	"caixa/internal/storage"
)

type fakeAuth struct {
	mu       sync.Mutex
	token    string
	loginErr error
	regErr   error
	gate     chan struct{}
	logins   int
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (string, error) {
	f.mu.Lock()
	f.logins++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.token, nil
}

func (f *fakeAuth) Register(ctx context.Context, username, password string) (core.User, error) {
	if f.regErr != nil {
		return core.User{}, f.regErr
	}
	return core.User{ID: 7, Username: username}, nil
}

type failingStore struct{ storage.MemoryStore }

func (f *failingStore) SaveToken(context.Context, string) error { return errors.New("disk full") }

func signed(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestLoginSuccess(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	s := New(&fakeAuth{token: "tok"}, store, nil)

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	form := &Form{Username: "ana", Password: "segredo"}
	if err := s.Login(ctx, form); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.State() != Authenticated || s.Token() != "tok" {
		t.Fatalf("state=%s token=%q", s.State(), s.Token())
	}
	if persisted, _ := store.LoadToken(ctx); persisted != "tok" {
		t.Fatalf("persisted token = %q", persisted)
	}
	if form.Username != "" || form.Password != "" {
		t.Fatalf("form not cleared: %+v", form)
	}
	if len(changes) != 2 || changes[0].To != Authenticating || changes[1].To != Authenticated || changes[1].Token != "tok" {
		t.Fatalf("unexpected transitions %+v", changes)
	}
}

func TestLoginFailureLeavesFormAndUnauthenticated(t *testing.T) {
	ctx := context.Background()
	authErr := &core.RemoteError{Op: "login", Status: 401, Kind: core.ErrAuthentication}
	s := New(&fakeAuth{loginErr: authErr}, storage.NewMemoryStore(), nil)

	form := &Form{Username: "ana", Password: "errada"}
	err := s.Login(ctx, form)
	if !errors.Is(err, core.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if s.State() != Unauthenticated || s.Token() != "" {
		t.Fatalf("state=%s token=%q", s.State(), s.Token())
	}
	if form.Username != "ana" || form.Password != "errada" {
		t.Fatalf("form should be untouched: %+v", form)
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	auth := &fakeAuth{token: "tok"}
	s := New(auth, storage.NewMemoryStore(), nil)
	if err := s.Login(context.Background(), &Form{Username: "  ", Password: "x"}); !errors.Is(err, core.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if auth.logins != 0 {
		t.Fatalf("no request expected")
	}
}

func TestConcurrentLoginIsRejected(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{token: "tok", gate: make(chan struct{})}
	s := New(auth, storage.NewMemoryStore(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Login(ctx, &Form{Username: "ana", Password: "1"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Authenticating {
		if time.Now().After(deadline) {
			t.Fatal("first login never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Login(ctx, &Form{Username: "ana", Password: "1"}); !errors.Is(err, core.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(auth.gate)
	if err := <-done; err != nil {
		t.Fatalf("first login: %v", err)
	}
}

func TestLogoutDuringLoginWins(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{token: "tok", gate: make(chan struct{})}
	store := storage.NewMemoryStore()
	s := New(auth, store, nil)

	done := make(chan error, 1)
	go func() { done <- s.Login(ctx, &Form{Username: "ana", Password: "1"}) }()
	for s.State() != Authenticating {
		time.Sleep(time.Millisecond)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	close(auth.gate)
	if err := <-done; !errors.Is(err, core.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if s.State() != Unauthenticated {
		t.Fatalf("state = %s", s.State())
	}
	if tok, _ := store.LoadToken(ctx); tok != "" {
		t.Fatalf("token persisted after logout: %q", tok)
	}
}

func TestPersistFailureKeepsSession(t *testing.T) {
	s := New(&fakeAuth{token: "tok"}, &failingStore{}, nil)
	if err := s.Login(context.Background(), &Form{Username: "ana", Password: "1"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.State() != Authenticated {
		t.Fatalf("state = %s", s.State())
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s := New(&fakeAuth{}, storage.NewMemoryStore(), nil)

	form := &Form{Mode: ModeRegister, Username: "bruno", Password: "123"}
	msg, err := s.Submit(ctx, form)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if msg != RegisteredMessage {
		t.Fatalf("message = %q", msg)
	}
	if form.Mode != ModeLogin || form.Password != "" || form.Username != "bruno" {
		t.Fatalf("unexpected form %+v", form)
	}
	if s.State() != Unauthenticated {
		t.Fatalf("registration must not log in, state = %s", s.State())
	}
}

func TestRegisterConflict(t *testing.T) {
	conflict := &core.RemoteError{Op: "register", Status: 400, Kind: core.ErrRegistrationConflict}
	s := New(&fakeAuth{regErr: conflict}, storage.NewMemoryStore(), nil)

	form := &Form{Mode: ModeRegister, Username: "ana", Password: "123"}
	_, err := s.Register(context.Background(), form)
	if !errors.Is(err, core.ErrRegistrationConflict) {
		t.Fatalf("expected ErrRegistrationConflict, got %v", err)
	}
	if form.Mode != ModeRegister || form.Password != "123" {
		t.Fatalf("form should be untouched: %+v", form)
	}
}

func TestStartRestoresToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveToken(ctx, "saved")

	s := New(&fakeAuth{}, store, nil)
	var got Change
	s.OnChange(func(c Change) { got = c })
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != Authenticated || s.Token() != "saved" || got.Token != "saved" {
		t.Fatalf("state=%s token=%q change=%+v", s.State(), s.Token(), got)
	}

	empty := New(&fakeAuth{}, storage.NewMemoryStore(), nil)
	_ = empty.Start(ctx)
	if empty.State() != Unauthenticated {
		t.Fatalf("state = %s", empty.State())
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	s := New(&fakeAuth{token: "tok"}, store, nil)
	_ = s.Login(ctx, &Form{Username: "ana", Password: "1"})

	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != Unauthenticated || s.Token() != "" {
		t.Fatalf("state=%s token=%q", s.State(), s.Token())
	}
	if tok, _ := store.LoadToken(ctx); tok != "" {
		t.Fatalf("durable token = %q", tok)
	}
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	s := New(&fakeAuth{token: "current"}, store, nil)
	_ = s.Login(ctx, &Form{Username: "ana", Password: "1"})

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })
	rejected := fmt.Errorf("list: %w", core.ErrUnauthorized)

	if s.Expire(ctx, "older", rejected) {
		t.Fatal("a stale token must not end the session")
	}
	if s.State() != Authenticated {
		t.Fatalf("state = %s", s.State())
	}

	if !s.Expire(ctx, "current", rejected) {
		t.Fatal("expected the session to end")
	}
	if len(changes) != 1 || changes[0].To != Unauthenticated || !errors.Is(changes[0].Cause, core.ErrUnauthorized) {
		t.Fatalf("changes = %+v", changes)
	}
	if s.State() != Unauthenticated || s.Token() != "" {
		t.Fatalf("state=%s token=%q", s.State(), s.Token())
	}
	if tok, _ := store.LoadToken(ctx); tok != "" {
		t.Fatalf("durable token = %q", tok)
	}
	if s.Expire(ctx, "", nil) {
		t.Fatal("nothing left to expire")
	}
}

func TestClaims(t *testing.T) {
	ctx := context.Background()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(&fakeAuth{token: signed(t, "ana", exp)}, storage.NewMemoryStore(), nil)

	if _, err := s.Claims(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	_ = s.Login(ctx, &Form{Username: "ana", Password: "1"})

	c, err := s.Claims()
	if err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if c.Subject != "ana" || !c.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected claims %+v", c)
	}
	if c.Expired(exp.Add(-time.Hour)) || !c.Expired(exp.Add(time.Hour)) {
		t.Fatal("Expired is wrong")
	}
}

func TestClaimsOfOpaqueToken(t *testing.T) {
	s := New(&fakeAuth{token: "opaque"}, storage.NewMemoryStore(), nil)
	_ = s.Login(context.Background(), &Form{Username: "ana", Password: "1"})
	if _, err := s.Claims(); err == nil {
		t.Fatal("expected decode error")
	}
	// An undecodable token is still used.
	if s.State() != Authenticated {
		t.Fatalf("state = %s", s.State())
	}
}

func TestFormToggle(t *testing.T) {
	f := &Form{Username: "ana"}
	f.Toggle()
	if f.Mode != ModeRegister || f.Username != "ana" {
		t.Fatalf("unexpected form %+v", f)
	}
	f.Toggle()
	if f.Mode != ModeLogin {
		t.Fatalf("unexpected form %+v", f)
	}
}
