// Package services connects the session, the filter, the transaction store
// and the exporter. Every state change goes through Dispatch, which reduces
// it to a single store effect.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"caixa/internal/aggregate"
	"caixa/internal/core"
	"caixa/internal/filter"
	"caixa/internal/log"
	"caixa/internal/report"
	"caixa/internal/session"
	"caixa/internal/sheets"
	"caixa/internal/transactions"
)

// EventPublisher announces committed changes. Publishing is best effort.
type EventPublisher interface {
	PublishCreated(ctx context.Context, tx core.Transaction, actor string) error
	PublishDeleted(ctx context.Context, id int64, actor string) error
	Close() error
}

// Options wires a Coordinator. Events and Sheets are optional.
type Options struct {
	Session   *session.Session
	Store     *transactions.Store
	Filter    *filter.State
	Exporter  *report.Exporter
	Events    EventPublisher
	Sheets    sheets.ReportWriter
	ReportDir string
	Clock     func() time.Time
	Logger    *log.Logger
}

type Coordinator struct {
	session   *session.Session
	store     *transactions.Store
	filter    *filter.State
	exporter  *report.Exporter
	events    EventPublisher
	sheets    sheets.ReportWriter
	reportDir string
	clock     func() time.Time
	logger    *log.Logger

	// dispatchMu serialises reduce+apply so effects reach the store in the
	// order the intents were reduced.
	dispatchMu sync.Mutex
	view       View

	// Fetches triggered by session listeners outlive the call that caused
	// the transition.
	baseCtx context.Context
}

// NewCoordinator subscribes to the session and the store. Store listeners
// registered elsewhere must not call back into the coordinator
// synchronously.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator{
		session:   opts.Session,
		store:     opts.Store,
		filter:    opts.Filter,
		exporter:  opts.Exporter,
		events:    opts.Events,
		sheets:    opts.Sheets,
		reportDir: opts.ReportDir,
		clock:     clock,
		logger:    logger.WithComponent(log.ComponentCoordinator),
		view:      View{Range: opts.Filter.Range()},
		baseCtx:   context.Background(),
	}

	c.session.OnChange(func(ch session.Change) {
		switch ch.To {
		case session.Authenticated:
			c.Dispatch(c.baseCtx, TokenChanged{Token: ch.Token})
		case session.Unauthenticated:
			c.Dispatch(c.baseCtx, SessionEnded{Cause: ch.Cause})
		default:
			c.Dispatch(c.baseCtx, TokenChanged{})
		}
	})
	c.store.OnUnauthorized(func(ctx context.Context, token string, cause error) {
		c.session.Expire(ctx, token, cause)
	})
	return c
}

// Start restores a persisted session, which fetches the list for the
// initial range when a token was found.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Dispatch reduces in against the current view and applies the resulting
// effect. The returned channel is non-nil only when a fetch was issued.
func (c *Coordinator) Dispatch(ctx context.Context, in Intent) <-chan transactions.FetchResult {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	next, effect := Reduce(c.view, in)
	c.view = next
	c.logger.DebugContext(ctx, "Intent reduced",
		"intent", fmt.Sprintf("%T", in),
		"effect", effect.String(),
		log.FieldRangeStart, next.Range.Start.String(),
		log.FieldRangeEnd, next.Range.End.String())

	switch effect {
	case EffectFetch:
		return c.store.SetKey(ctx, next.Key())
	case EffectRefetch:
		return c.store.Fetch(ctx, next.Key())
	case EffectReset:
		var cause error
		if ended, ok := in.(SessionEnded); ok {
			cause = ended.Cause
		}
		c.store.Reset(cause)
	}
	return nil
}

// Reload re-fetches the current key after a change made elsewhere. It
// returns nil when there is no session.
func (c *Coordinator) Reload(ctx context.Context) <-chan transactions.FetchResult {
	return c.Dispatch(ctx, RemoteChanged{})
}

// View returns the current token and range.
func (c *Coordinator) View() View {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	return c.view
}

func (c *Coordinator) Session() *session.Session { return c.session }

func (c *Coordinator) Preset() filter.Preset { return c.filter.Preset() }

func (c *Coordinator) Range() core.Range { return c.filter.Range() }

// SelectPreset switches the filter preset and re-fetches when the range
// changed.
func (c *Coordinator) SelectPreset(ctx context.Context, p filter.Preset) (<-chan transactions.FetchResult, error) {
	if _, err := c.filter.SetPreset(p); err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "Preset selected", log.FieldPreset, p.String())
	return c.Dispatch(ctx, RangeChanged{Range: c.filter.Range()}), nil
}

// SetCustomRange switches to the custom preset and applies the bounds.
// Either bound may be empty.
func (c *Coordinator) SetCustomRange(ctx context.Context, start, end core.Date) (<-chan transactions.FetchResult, error) {
	if _, err := c.filter.SetPreset(filter.Custom); err != nil {
		return nil, err
	}
	if _, err := c.filter.SetBounds(start, end); err != nil {
		return nil, err
	}
	return c.Dispatch(ctx, RangeChanged{Range: c.filter.Range()}), nil
}

// RefreshRange re-resolves a relative preset against the clock.
func (c *Coordinator) RefreshRange(ctx context.Context) (<-chan transactions.FetchResult, error) {
	if _, err := c.filter.Refresh(); err != nil {
		return nil, err
	}
	return c.Dispatch(ctx, RangeChanged{Range: c.filter.Range()}), nil
}

func (c *Coordinator) Login(ctx context.Context, form *session.Form) error {
	return c.session.Login(ctx, form)
}

func (c *Coordinator) Register(ctx context.Context, form *session.Form) (string, error) {
	return c.session.Register(ctx, form)
}

func (c *Coordinator) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// Create submits t. On success the event is published and the store
// re-fetches the current range.
func (c *Coordinator) Create(ctx context.Context, t core.NewTransaction) (core.Transaction, error) {
	if err := c.requireToken(); err != nil {
		return core.Transaction{}, err
	}
	created, err := c.store.Create(ctx, t)
	if err != nil {
		return core.Transaction{}, err
	}
	if c.events != nil {
		if err := c.events.PublishCreated(ctx, created, c.actor()); err != nil {
			c.logger.WarnContext(ctx, "Failed to publish created event",
				log.FieldTxID, created.ID, log.FieldError, err)
		}
	}
	return created, nil
}

// RequestDelete opens the confirmation step for id.
func (c *Coordinator) RequestDelete(id int64) (*transactions.PendingDelete, error) {
	if err := c.requireToken(); err != nil {
		return nil, err
	}
	return c.store.RequestDelete(id), nil
}

// Delete sends a confirmed delete and publishes the event on success.
func (c *Coordinator) Delete(ctx context.Context, p *transactions.PendingDelete) error {
	if err := c.requireToken(); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, p); err != nil {
		return err
	}
	if c.events != nil {
		if err := c.events.PublishDeleted(ctx, p.ID, c.actor()); err != nil {
			c.logger.WarnContext(ctx, "Failed to publish deleted event",
				log.FieldTxID, p.ID, log.FieldError, err)
		}
	}
	return nil
}

// ExportResult describes where an export ended up. SheetsErr is set when
// the spreadsheet mirror failed; the export itself still succeeded.
type ExportResult struct {
	Report    report.Report
	Path      string
	SheetsRef string
	SheetsErr error
}

// Export downloads the report for the active range and saves it to the
// report directory. When a spreadsheet is configured the filtered list and
// its totals are written there concurrently.
func (c *Coordinator) Export(ctx context.Context) (ExportResult, error) {
	token := c.session.Token()
	if token == "" {
		return ExportResult{}, core.ErrNotAuthenticated
	}
	rng := c.filter.Range()

	rep, err := c.exporter.Export(ctx, rng, token)
	if err != nil {
		return ExportResult{}, err
	}
	res := ExportResult{Report: rep}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		path, err := rep.Save(c.reportDir)
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrExport, err)
		}
		res.Path = path
		return nil
	})
	if c.sheets != nil {
		g.Go(func() error {
			ref, err := c.writeSheet(gctx, rng)
			if err != nil {
				c.logger.WarnContext(gctx, "Spreadsheet mirror failed", log.FieldError, err)
				res.SheetsErr = err
				return nil
			}
			res.SheetsRef = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ExportResult{}, err
	}
	c.logger.InfoContext(ctx, "Report saved",
		log.FieldPath, res.Path,
		log.FieldSheetsRef, res.SheetsRef)
	return res, nil
}

func (c *Coordinator) writeSheet(ctx context.Context, rng core.Range) (string, error) {
	if err := c.store.Wait(ctx); err != nil {
		return "", err
	}
	if !c.store.Key().Range.Equal(rng) {
		return "", errors.New("transaction list does not match the exported range")
	}
	items := c.store.Items()
	return c.sheets.WriteReport(ctx, sheets.Report{
		Range:       rng,
		Items:       items,
		Totals:      aggregate.Compute(items),
		GeneratedAt: c.clock(),
	})
}

// Transactions returns the cached list. It never issues a request.
func (c *Coordinator) Transactions() []core.Transaction {
	return c.store.Items()
}

// Totals aggregates the cached list.
func (c *Coordinator) Totals() aggregate.Totals {
	return aggregate.Compute(c.store.Items())
}

// Categories groups the cached list per category and type.
func (c *Coordinator) Categories() []aggregate.CategoryTotal {
	return aggregate.GroupByCategory(c.store.Items())
}

// Err is the error of the latest fetch, if it failed. After the server
// ended the session it is the rejected request's error.
func (c *Coordinator) Err() error {
	return c.store.Err()
}

// OnChange registers fn for every change of the cached list. fn must not
// call back into the coordinator synchronously.
func (c *Coordinator) OnChange(fn func(transactions.Snapshot)) {
	c.store.OnChange(fn)
}

// Wait blocks until in-flight fetches complete.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.store.Wait(ctx)
}

// Close releases the event publisher.
func (c *Coordinator) Close() error {
	if c.events == nil {
		return nil
	}
	if err := c.events.Close(); err != nil {
		return fmt.Errorf("close event publisher: %w", err)
	}
	return nil
}

func (c *Coordinator) requireToken() error {
	if c.session.Token() == "" {
		return core.ErrNotAuthenticated
	}
	return nil
}

func (c *Coordinator) actor() string {
	claims, err := c.session.Claims()
	if err != nil {
		return ""
	}
	return claims.Subject
}
