package transactions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"caixa/internal/api"
	"caixa/internal/core"
	"caixa/internal/fakeapi"
)

const listRoute = "GET /transacoes/"

type fixture struct {
	srv   *fakeapi.Server
	store *Store
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := fakeapi.New()
	t.Cleanup(srv.Close)
	if _, err := srv.AddUser("ana", "segredo"); err != nil {
		t.Fatal(err)
	}
	token, err := srv.IssueToken("ana")
	if err != nil {
		t.Fatal(err)
	}
	client, err := api.New(api.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, store: NewStore(client, nil), token: token}
}

func waitResult(t *testing.T, ch <-chan FetchResult) FetchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
		return FetchResult{}
	}
}

func wait(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func rental(desc, amount string) core.NewTransaction {
	return core.NewTransaction{
		Kind:        core.Income,
		Category:    core.CategoryRental,
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
	}
}

func TestCreateThenFetchRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	created, err := f.store.Create(ctx, rental("Mesa 1", "60"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wait(t, f.store)

	items := f.store.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	got := items[0]
	if got.ID != created.ID || got.Kind != core.Income || got.Category != core.CategoryRental ||
		got.Description != "Mesa 1" || !got.Amount.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected item %+v", got)
	}
	if f.srv.Count(listRoute) != 2 {
		t.Fatalf("expected initial fetch plus re-fetch, got %d", f.srv.Count(listRoute))
	}
}

func TestReadsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	before := f.srv.Count(listRoute)
	a := f.store.Items()
	b := f.store.Items()
	if len(a) != 1 || len(b) != 1 || a[0].ID != b[0].ID {
		t.Fatalf("reads differ: %+v vs %+v", a, b)
	}
	if f.srv.Count(listRoute) != before {
		t.Fatal("reading triggered a request")
	}

	if ch := f.store.SetKey(ctx, Key{Token: f.token}); ch != nil {
		t.Fatal("same key must not re-fetch")
	}
	if ch := f.store.SetKey(ctx, Key{Token: f.token, Range: core.Range{Start: core.NewDate(2024, 1, 1)}}); ch == nil {
		t.Fatal("range change must re-fetch")
	} else {
		waitResult(t, ch)
	}
}

func TestFetchUnauthorizedEmptiesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	var rejected []string
	f.store.OnUnauthorized(func(_ context.Context, token string, _ error) { rejected = append(rejected, token) })

	f.srv.Revoke(f.token)
	res := waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))
	if !errors.Is(res.Err, core.ErrFetch) || !errors.Is(res.Err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrFetch+ErrUnauthorized, got %v", res.Err)
	}
	if len(f.store.Items()) != 0 {
		t.Fatal("cache should be empty after 401")
	}
	if len(rejected) != 1 || rejected[0] != f.token {
		t.Fatalf("unauthorized hook calls = %v", rejected)
	}
}

func TestFetchFailureKeepsLastGoodList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	f.srv.Use(fakeapi.FailOnce(fakeapi.Match(listRoute), http.StatusInternalServerError))
	res := waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))
	if !errors.Is(res.Err, core.ErrFetch) || errors.Is(res.Err, core.ErrUnauthorized) {
		t.Fatalf("expected generic ErrFetch, got %v", res.Err)
	}
	if len(f.store.Items()) != 1 {
		t.Fatal("cache should keep the last good list")
	}
	if !errors.Is(f.store.Err(), core.ErrFetch) {
		t.Fatalf("Err() = %v", f.store.Err())
	}
}

func TestDeleteForbiddenLeavesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.AddUser("bruno", "123")
	id, _ := f.srv.Seed("bruno", rental("Mesa do Bruno", "30"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))
	before := f.srv.Count(listRoute)

	p := f.store.RequestDelete(id)
	p.Confirm()
	err := f.store.Delete(ctx, p)
	if !errors.Is(err, core.ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
	wait(t, f.store)
	if len(f.store.Items()) != 1 || f.store.Items()[0].ID != id {
		t.Fatalf("cache changed: %+v", f.store.Items())
	}
	if f.srv.Count(listRoute) != before {
		t.Fatal("a rejected delete must not re-fetch")
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.srv.Seed("ana", rental("Mesa", "10"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	p := f.store.RequestDelete(id)
	if err := f.store.Delete(ctx, p); !errors.Is(err, core.ErrDeleteNotConfirmed) {
		t.Fatalf("expected ErrDeleteNotConfirmed, got %v", err)
	}
	if err := f.store.Delete(ctx, nil); !errors.Is(err, core.ErrDeleteNotConfirmed) {
		t.Fatalf("expected ErrDeleteNotConfirmed for nil, got %v", err)
	}
	if f.srv.Count("DELETE /transacoes/{id}") != 0 {
		t.Fatal("no request expected without confirmation")
	}

	p.Confirm()
	if err := f.store.Delete(ctx, p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	wait(t, f.store)
	if len(f.store.Items()) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", f.store.Items())
	}

	// The confirmation was consumed.
	if err := f.store.Delete(ctx, p); !errors.Is(err, core.ErrDeleteNotConfirmed) {
		t.Fatalf("expected ErrDeleteNotConfirmed on reuse, got %v", err)
	}
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Janeiro", "10"), time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	f.srv.Seed("ana", rental("Fevereiro", "20"), time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.srv.Use(fakeapi.Gate(fakeapi.QueryEquals(listRoute, "data_inicio", "2024-01-01"), release, entered))

	january := Key{Token: f.token, Range: core.Range{Start: core.NewDate(2024, 1, 1), End: core.NewDate(2024, 1, 31)}}
	february := Key{Token: f.token, Range: core.Range{Start: core.NewDate(2024, 2, 1), End: core.NewDate(2024, 2, 29)}}

	r1 := f.store.Fetch(ctx, january)
	<-entered
	r2 := waitResult(t, f.store.Fetch(ctx, february))
	if r2.Stale || r2.Err != nil {
		t.Fatalf("second fetch: %+v", r2)
	}

	close(release)
	first := waitResult(t, r1)
	if !first.Stale {
		t.Fatal("first fetch should be stale")
	}
	if len(first.Items) != 1 || first.Items[0].Description != "Janeiro" {
		t.Fatalf("stale result should still carry its data: %+v", first.Items)
	}

	items := f.store.Items()
	if len(items) != 1 || items[0].Description != "Fevereiro" {
		t.Fatalf("cache should hold the newer result, got %+v", items)
	}
	if !f.store.Key().Equal(february) {
		t.Fatalf("key = %+v", f.store.Key())
	}
}

func TestResetInvalidatesInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.srv.Use(fakeapi.Gate(fakeapi.Match(listRoute), release, entered))

	ch := f.store.Fetch(ctx, Key{Token: f.token})
	<-entered
	f.store.Reset(nil)
	close(release)

	if res := waitResult(t, ch); !res.Stale {
		t.Fatal("fetch issued before reset must be stale")
	}
	if len(f.store.Items()) != 0 || f.store.Key().Token != "" {
		t.Fatal("reset state was overwritten")
	}
}

func TestCreateValidatesLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	bad := rental("", "10")
	if _, err := f.store.Create(ctx, bad); !errors.Is(err, core.ErrInvalidTransaction) || !errors.Is(err, core.ErrEmptyDescription) {
		t.Fatalf("expected validation error, got %v", err)
	}
	neg := rental("x", "-1")
	if _, err := f.store.Create(ctx, neg); !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if f.srv.Count("POST /transacoes/") != 0 {
		t.Fatal("invalid input must not reach the server")
	}
}

func TestCreateWithoutTokenFails(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.Create(context.Background(), rental("x", "1")); !errors.Is(err, core.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCreateFailureIsSubmissionError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))
	before := f.srv.Count(listRoute)

	f.srv.Use(fakeapi.FailOnce(fakeapi.Match("POST /transacoes/"), http.StatusBadGateway))
	if _, err := f.store.Create(ctx, rental("x", "1")); !errors.Is(err, core.ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", err)
	}
	wait(t, f.store)
	if f.srv.Count(listRoute) != before {
		t.Fatal("failed create must not re-fetch")
	}
}

func TestCreateUnauthorizedCallsHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	var mu sync.Mutex
	calls := 0
	f.store.OnUnauthorized(func(context.Context, string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	f.srv.Revoke(f.token)
	if _, err := f.store.Create(ctx, rental("x", "1")); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("hook calls = %d", calls)
	}
}

func TestListenersSeeSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())

	var mu sync.Mutex
	var snaps []Snapshot
	f.store.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))
	f.store.Reset(nil)

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 || len(snaps[0].Items) != 1 || len(snaps[1].Items) != 0 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if snaps[1].Generation <= snaps[0].Generation {
		t.Fatal("generations must increase")
	}
}

func TestStaleUnauthorizedReportsOldToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fresh, err := f.srv.IssueToken("ana")
	if err != nil {
		t.Fatal(err)
	}
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())

	var mu sync.Mutex
	var rejected []string
	f.store.OnUnauthorized(func(_ context.Context, token string, cause error) {
		mu.Lock()
		defer mu.Unlock()
		if !errors.Is(cause, core.ErrUnauthorized) {
			t.Errorf("cause = %v", cause)
		}
		rejected = append(rejected, token)
	})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.srv.Use(fakeapi.Gate(func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+f.token
	}, release, entered))
	f.srv.Revoke(f.token)

	old := f.store.Fetch(ctx, Key{Token: f.token})
	<-entered
	current := waitResult(t, f.store.Fetch(ctx, Key{Token: fresh}))
	if current.Err != nil || current.Stale {
		t.Fatalf("current fetch: %+v", current)
	}

	close(release)
	res := waitResult(t, old)
	if !res.Stale || !errors.Is(res.Err, core.ErrUnauthorized) {
		t.Fatalf("old fetch: %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rejected) != 1 || rejected[0] != f.token {
		t.Fatalf("hook calls = %v", rejected)
	}
	if len(f.store.Items()) != 1 || f.store.Err() != nil || f.store.Key().Token != fresh {
		t.Fatalf("stale 401 touched the cache: items=%d err=%v", len(f.store.Items()), f.store.Err())
	}
}

func TestUnauthorizedResetKeepsCause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Seed("ana", rental("Mesa", "10"), time.Now())
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	var mu sync.Mutex
	var snaps []Snapshot
	f.store.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	f.store.OnUnauthorized(func(_ context.Context, _ string, cause error) {
		f.store.Reset(cause)
	})

	f.srv.Revoke(f.token)
	waitResult(t, f.store.Fetch(ctx, Key{Token: f.token}))

	if err := f.store.Err(); !errors.Is(err, core.ErrFetch) || !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("Err after reset = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Fatalf("expected failed fetch then reset, got %+v", snaps)
	}
	if snaps[0].Key.Token != f.token || snaps[1].Key.Token != "" {
		t.Fatalf("reset snapshot must come last: %+v", snaps)
	}
	if snaps[1].Generation <= snaps[0].Generation || !errors.Is(snaps[1].Err, core.ErrUnauthorized) {
		t.Fatalf("unexpected reset snapshot %+v", snaps[1])
	}
}

func TestResetWithoutCauseClearsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Use(fakeapi.FailOnce(fakeapi.Match(listRoute), http.StatusBadGateway))
	if res := waitResult(t, f.store.Fetch(ctx, Key{Token: f.token})); res.Err == nil {
		t.Fatal("expected a failed fetch")
	}
	f.store.Reset(nil)
	if err := f.store.Err(); err != nil {
		t.Fatalf("Err after logout reset = %v", err)
	}
}
