package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caixa/internal/amqp"
	"caixa/internal/log"
	"caixa/internal/transactions"
)

// EventSource delivers transaction events published by other clients.
type EventSource interface {
	Consume(ctx context.Context, handler func(*amqp.TransactionEvent) error) error
}

// Refresher is the part of the coordinator the worker drives.
type Refresher interface {
	Reload(ctx context.Context) <-chan transactions.FetchResult
	RefreshRange(ctx context.Context) (<-chan transactions.FetchResult, error)
}

// Update is reported after every re-fetch the worker caused. Event is nil
// for periodic refreshes.
type Update struct {
	Event  *amqp.TransactionEvent
	Result transactions.FetchResult
}

// WatchWorker keeps the transaction list current while the client stays
// open: it re-fetches on every remote event and periodically re-resolves
// the filter range so relative presets follow the calendar.
type WatchWorker struct {
	source   EventSource
	target   Refresher
	interval time.Duration
	logger   *log.Logger
	notify   func(Update)
}

// NewWatchWorker creates a worker. source may be nil, in which case the
// worker only polls.
func NewWatchWorker(source EventSource, target Refresher, interval time.Duration, logger *log.Logger) *WatchWorker {
	if logger == nil {
		logger = log.Discard()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &WatchWorker{
		source:   source,
		target:   target,
		interval: interval,
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// OnUpdate registers the callback for completed re-fetches.
func (w *WatchWorker) OnUpdate(fn func(Update)) {
	w.notify = fn
}

// HandleEvent re-fetches the list after a remote change and waits for the
// result.
func (w *WatchWorker) HandleEvent(ctx context.Context, ev *amqp.TransactionEvent) error {
	w.logger.InfoContext(ctx, "Processing transaction event",
		"type", ev.Type,
		log.FieldTxID, ev.ID,
		"actor", ev.Actor)

	ch := w.target.Reload(ctx)
	if ch == nil {
		w.logger.DebugContext(ctx, "No session, skipping reload")
		return nil
	}
	res, err := await(ctx, ch)
	if err != nil {
		return err
	}
	w.report(Update{Event: ev, Result: res})
	return nil
}

// Tick re-resolves the filter range. When the range did not move it still
// reloads, to catch events that were missed.
func (w *WatchWorker) Tick(ctx context.Context) error {
	ch, err := w.target.RefreshRange(ctx)
	if err != nil {
		return fmt.Errorf("refresh range: %w", err)
	}
	if ch == nil {
		ch = w.target.Reload(ctx)
	}
	if ch == nil {
		return nil
	}
	res, err := await(ctx, ch)
	if err != nil {
		return err
	}
	w.report(Update{Result: res})
	return nil
}

// Run consumes events and ticks until ctx is done or consumption fails.
func (w *WatchWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if w.source != nil {
		go func() {
			err := w.source.Consume(ctx, func(ev *amqp.TransactionEvent) error {
				return w.HandleEvent(ctx, ev)
			})
			errCh <- err
		}()
	} else {
		w.logger.InfoContext(ctx, "No event source configured, polling only", "interval", w.interval)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("consume events: %w", err)
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic refresh failed", log.FieldError, err)
			}
		}
	}
}

func (w *WatchWorker) report(u Update) {
	if u.Result.Err != nil {
		w.logger.Warn("Reload failed", log.FieldError, u.Result.Err)
	}
	if w.notify != nil {
		w.notify(u)
	}
}

func await(ctx context.Context, ch <-chan transactions.FetchResult) (transactions.FetchResult, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return transactions.FetchResult{}, ctx.Err()
	}
}
