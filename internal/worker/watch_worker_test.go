package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caixa/internal/amqp"
	"caixa/internal/transactions"
)

type fakeRefresher struct {
	mu           sync.Mutex
	reloads      int
	refreshes    int
	rangeMoved   bool
	noSession    bool
	refreshErr   error
	reloadResult transactions.FetchResult
}

func (f *fakeRefresher) Reload(context.Context) <-chan transactions.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.noSession {
		return nil
	}
	ch := make(chan transactions.FetchResult, 1)
	ch <- f.reloadResult
	close(ch)
	return ch
}

func (f *fakeRefresher) RefreshRange(context.Context) (<-chan transactions.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if !f.rangeMoved {
		return nil, nil
	}
	ch := make(chan transactions.FetchResult, 1)
	ch <- transactions.FetchResult{Generation: 99}
	close(ch)
	return ch, nil
}

func (f *fakeRefresher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads, f.refreshes
}

// fakeSource hands every queued event to the handler, then blocks until
// ctx is done.
type fakeSource struct {
	events []*amqp.TransactionEvent
	err    error
}

func (s *fakeSource) Consume(ctx context.Context, handler func(*amqp.TransactionEvent) error) error {
	for _, ev := range s.events {
		if err := handler(ev); err != nil {
			return err
		}
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleEventReloadsAndNotifies(t *testing.T) {
	target := &fakeRefresher{reloadResult: transactions.FetchResult{Generation: 3}}
	w := NewWatchWorker(nil, target, time.Minute, nil)

	var got []Update
	w.OnUpdate(func(u Update) { got = append(got, u) })

	ev := amqp.NewDeletedEvent(7, "ana")
	if err := w.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(got) != 1 || got[0].Event != ev || got[0].Result.Generation != 3 {
		t.Fatalf("updates = %+v", got)
	}
}

func TestHandleEventWithoutSession(t *testing.T) {
	target := &fakeRefresher{noSession: true}
	w := NewWatchWorker(nil, target, time.Minute, nil)
	called := false
	w.OnUpdate(func(Update) { called = true })

	if err := w.HandleEvent(context.Background(), amqp.NewDeletedEvent(1, "")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if called {
		t.Error("no update expected without a session")
	}
}

func TestTick(t *testing.T) {
	tests := []struct {
		name         string
		target       *fakeRefresher
		wantReloads  int
		wantGen      uint64
		wantErr      bool
		wantNotified bool
	}{
		{"range moved", &fakeRefresher{rangeMoved: true}, 0, 99, false, true},
		{"range unchanged reloads", &fakeRefresher{reloadResult: transactions.FetchResult{Generation: 4}}, 1, 4, false, true},
		{"logged out", &fakeRefresher{noSession: true}, 1, 0, false, false},
		{"refresh error", &fakeRefresher{refreshErr: errors.New("boom")}, 0, 0, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWatchWorker(nil, tt.target, time.Minute, nil)
			var notified *Update
			w.OnUpdate(func(u Update) { notified = &u })

			err := w.Tick(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Tick error = %v, wantErr %v", err, tt.wantErr)
			}
			reloads, _ := tt.target.counts()
			if reloads != tt.wantReloads {
				t.Errorf("reloads = %d, want %d", reloads, tt.wantReloads)
			}
			if (notified != nil) != tt.wantNotified {
				t.Fatalf("notified = %v, want %v", notified != nil, tt.wantNotified)
			}
			if notified != nil && notified.Result.Generation != tt.wantGen {
				t.Errorf("generation = %d, want %d", notified.Result.Generation, tt.wantGen)
			}
		})
	}
}

func TestRunConsumesUntilCanceled(t *testing.T) {
	target := &fakeRefresher{}
	source := &fakeSource{events: []*amqp.TransactionEvent{
		amqp.NewDeletedEvent(1, "ana"),
		amqp.NewDeletedEvent(2, "ana"),
	}}
	w := NewWatchWorker(source, target, time.Hour, nil)

	updates := make(chan Update, 2)
	w.OnUpdate(func(u Update) { updates <- u })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-updates:
		case <-time.After(5 * time.Second):
			t.Fatal("event was not handled")
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunReportsConsumeFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("channel closed")}
	w := NewWatchWorker(source, &fakeRefresher{}, time.Hour, nil)

	err := w.Run(context.Background())
	if err == nil || !errors.Is(err, source.err) {
		t.Fatalf("expected consume failure, got %v", err)
	}
}

func TestRunPollsWithoutSource(t *testing.T) {
	target := &fakeRefresher{}
	w := NewWatchWorker(nil, target, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	if _, refreshes := target.counts(); refreshes == 0 {
		t.Error("expected at least one periodic refresh")
	}
}
