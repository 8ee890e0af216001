// Package transactions keeps the client-side view of the remote transaction
// list, scoped by the bearer token and the active date range.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"caixa/internal/core"
	"caixa/internal/log"
)

// Remote is the subset of the API client the store needs.
type Remote interface {
	ListTransactions(ctx context.Context, token string, r core.Range) ([]core.Transaction, error)
	CreateTransaction(ctx context.Context, token string, t core.NewTransaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, token string, id int64) error
}

// Key scopes a fetch. Two fetches with equal keys return the same data.
type Key struct {
	Token string
	Range core.Range
}

func (k Key) Equal(o Key) bool {
	return k.Token == o.Token && k.Range.Equal(o.Range)
}

// FetchResult is delivered once per Fetch call. Stale results were
// superseded by a newer fetch or a reset and did not touch the cache.
type FetchResult struct {
	Generation uint64
	Key        Key
	Items      []core.Transaction
	Err        error
	Stale      bool
}

// Snapshot is what listeners receive after the cache changes.
type Snapshot struct {
	Generation uint64
	Key        Key
	Items      []core.Transaction
	Err        error
}

// Store caches the last successful fetch. All methods are safe for
// concurrent use; listeners are called without the lock held.
type Store struct {
	remote Remote
	logger *log.Logger

	mu             sync.Mutex
	items          []core.Transaction
	key            Key
	gen            uint64
	lastErr        error
	listeners      []func(Snapshot)
	onUnauthorized func(ctx context.Context, token string, cause error)
	pending        int
	idle           chan struct{} // closed when pending drops to zero
}

func NewStore(remote Remote, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{
		remote: remote,
		logger: logger.WithComponent(log.ComponentTransactions),
	}
}

// OnUnauthorized sets the callback run when the server rejects a token.
// It receives the token that was rejected and the request's error. For a
// current fetch it runs after listeners have seen the failed snapshot.
func (s *Store) OnUnauthorized(fn func(ctx context.Context, token string, cause error)) {
	s.mu.Lock()
	s.onUnauthorized = fn
	s.mu.Unlock()
}

// OnChange registers fn for every cache change.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Items returns a copy of the cached list. Reading never triggers a request.
func (s *Store) Items() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Transaction(nil), s.items...)
}

// Key returns the key of the most recent fetch or reset.
func (s *Store) Key() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Err returns the error of the latest completed fetch, or the cause given
// to the latest Reset.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetKey fetches when key differs from the current one. It returns nil
// when nothing changed.
func (s *Store) SetKey(ctx context.Context, key Key) <-chan FetchResult {
	s.mu.Lock()
	same := s.gen > 0 && s.key.Equal(key)
	s.mu.Unlock()
	if same {
		return nil
	}
	return s.Fetch(ctx, key)
}

// Fetch loads the list for key in the background. Only the completion of
// the newest fetch may replace the cache; older completions are reported as
// stale and dropped. The channel receives exactly one result.
func (s *Store) Fetch(ctx context.Context, key Key) <-chan FetchResult {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.key = key
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()

	out := make(chan FetchResult, 1)
	go func() {
		defer s.done()
		defer close(out)
		out <- s.runFetch(ctx, gen, key)
	}()
	return out
}

func (s *Store) runFetch(ctx context.Context, gen uint64, key Key) FetchResult {
	fields := log.NewFields().WithOperation(log.OpFetch).WithGeneration(gen).WithRange(key.Range)
	logger := s.logger.WithFields(fields)

	items, err := s.remote.ListTransactions(ctx, key.Token, key.Range)
	unauthorized := errors.Is(err, core.ErrUnauthorized)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		logger.DebugContext(ctx, "Discarding stale fetch", log.FieldError, err)
		if unauthorized {
			s.unauthorized(ctx, key.Token, err)
		}
		return FetchResult{Generation: gen, Key: key, Items: items, Err: err, Stale: true}
	}

	switch {
	case err == nil:
		s.items = items
	case unauthorized:
		s.items = nil
	}
	s.lastErr = err
	snap := s.snapshotLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if err != nil {
		logger.WarnContext(ctx, "Fetch failed", log.FieldStatusCode, core.StatusOf(err), log.FieldError, err)
	} else {
		logger.DebugContext(ctx, "Fetch completed", log.FieldCount, len(items))
	}
	for _, fn := range listeners {
		fn(snap)
	}
	// The hook usually resets the store; its snapshot must come last.
	if unauthorized {
		s.unauthorized(ctx, key.Token, err)
	}
	return FetchResult{Generation: gen, Key: key, Items: snap.Items, Err: err}
}

// Create validates t locally, submits it and, on success, re-fetches with
// the current key.
func (s *Store) Create(ctx context.Context, t core.NewTransaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("%w: %w", core.ErrInvalidTransaction, err)
	}
	key := s.Key()
	if key.Token == "" {
		return core.Transaction{}, core.ErrNotAuthenticated
	}

	created, err := s.remote.CreateTransaction(ctx, key.Token, t)
	if err != nil {
		s.logger.WarnContext(ctx, "Create failed",
			log.FieldOperation, log.OpCreate,
			log.FieldStatusCode, core.StatusOf(err),
			log.FieldError, err)
		if errors.Is(err, core.ErrUnauthorized) {
			s.unauthorized(ctx, key.Token, err)
		}
		return core.Transaction{}, err
	}
	s.logger.InfoContext(ctx, "Transaction created",
		log.FieldTxID, created.ID,
		log.FieldTxKind, string(created.Kind),
		log.FieldTxCategory, string(created.Category),
		log.FieldAmount, created.Amount.StringFixed(2))

	s.refetch(ctx)
	return created, nil
}

// PendingDelete is a delete request awaiting explicit confirmation.
type PendingDelete struct {
	ID        int64
	mu        sync.Mutex
	confirmed bool
}

// RequestDelete starts the confirmation step for id. Nothing is sent.
func (s *Store) RequestDelete(id int64) *PendingDelete {
	return &PendingDelete{ID: id}
}

// Confirm approves the deletion. A confirmation is consumed by Delete.
func (p *PendingDelete) Confirm() {
	p.mu.Lock()
	p.confirmed = true
	p.mu.Unlock()
}

func (p *PendingDelete) take() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.confirmed
	p.confirmed = false
	return ok
}

// Delete sends a confirmed delete. A 403 leaves the cache untouched and
// does not re-fetch.
func (s *Store) Delete(ctx context.Context, p *PendingDelete) error {
	if p == nil || !p.take() {
		return core.ErrDeleteNotConfirmed
	}
	key := s.Key()
	if key.Token == "" {
		return core.ErrNotAuthenticated
	}

	if err := s.remote.DeleteTransaction(ctx, key.Token, p.ID); err != nil {
		s.logger.WarnContext(ctx, "Delete failed",
			log.FieldOperation, log.OpDelete,
			log.FieldTxID, p.ID,
			log.FieldStatusCode, core.StatusOf(err),
			log.FieldError, err)
		if errors.Is(err, core.ErrUnauthorized) {
			s.unauthorized(ctx, key.Token, err)
		}
		return err
	}
	s.logger.InfoContext(ctx, "Transaction deleted", log.FieldTxID, p.ID)

	s.refetch(ctx)
	return nil
}

// Reset empties the cache and invalidates every in-flight fetch. cause
// becomes the reported error; it is nil for a plain logout and carries the
// rejected request's error when the server ended the session.
func (s *Store) Reset(cause error) {
	s.mu.Lock()
	s.gen++
	s.items = nil
	s.key = Key{}
	s.lastErr = cause
	snap := s.snapshotLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Debug("Store reset", log.FieldGeneration, snap.Generation, log.FieldError, cause)
	for _, fn := range listeners {
		fn(snap)
	}
}

// Wait blocks until no fetch is in flight or ctx ends. Fetches started
// while waiting, such as the re-fetch after a create, are waited for too.
func (s *Store) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) done() {
	s.mu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

func (s *Store) refetch(ctx context.Context) {
	key := s.Key()
	if key.Token == "" {
		return
	}
	s.Fetch(ctx, key)
}

func (s *Store) unauthorized(ctx context.Context, token string, cause error) {
	s.mu.Lock()
	fn := s.onUnauthorized
	s.mu.Unlock()
	if fn != nil {
		fn(ctx, token, cause)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Generation: s.gen,
		Key:        s.key,
		Items:      append([]core.Transaction(nil), s.items...),
		Err:        s.lastErr,
	}
}
