package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mchurichi/logbook/pkg/notify"
	"github.com/mchurichi/logbook/pkg/storage"
)

const (
	// DefaultDebounce is the quiet period after a search term change.
	DefaultDebounce = 330 * time.Millisecond
	// DefaultPageSize is the result size when criteria set no limit.
	DefaultPageSize = 250
)

// Store is the read side of the entry store.
type Store interface {
	Scan(ctx context.Context, p storage.Predicate, order storage.SortOrder, fn func(*storage.Entry) bool) error
	DistinctValues(ctx context.Context, field storage.Field, p storage.Predicate) ([]string, error)
}

// SessionFilter supplies the session restriction for queries, nil for all
// sessions. *session.Registry implements it.
type SessionFilter interface {
	Filter() []string
}

// Options configures an Engine.
type Options struct {
	// Bus drives live query refresh and distinct cache invalidation.
	Bus      *notify.Bus
	Sessions SessionFilter
	Debounce time.Duration
	PageSize int
	Now      func() time.Time
	Logger   *zap.Logger
}

// Engine executes criteria against the store and maintains live queries.
type Engine struct {
	store Store
	opts  Options
	log   *zap.Logger

	executions atomic.Int64

	flight singleflight.Group
	mu     sync.Mutex
	// distinctGen advances on every change-set; cached values computed under
	// an older generation are stale.
	distinctGen uint64
	distinct    map[storage.Field][]string
	live        map[*LiveQuery]struct{}
	closed      bool

	sub *notify.Subscription
	wg  sync.WaitGroup
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Engine{
		store:    store,
		opts:     opts,
		log:      opts.Logger.Named("query"),
		distinct: make(map[storage.Field][]string),
		live:     make(map[*LiveQuery]struct{}),
	}

	if opts.Bus != nil {
		e.sub = opts.Bus.Subscribe()
		e.wg.Add(1)
		go e.invalidateOnChange()
	}
	return e
}

func (e *Engine) invalidateOnChange() {
	defer e.wg.Done()
	for range e.sub.C() {
		e.mu.Lock()
		e.distinctGen++
		clear(e.distinct)
		e.mu.Unlock()
	}
}

// Executions returns how many queries have run against the store.
func (e *Engine) Executions() int64 {
	return e.executions.Load()
}

func (e *Engine) sessions() []string {
	if e.opts.Sessions == nil {
		return nil
	}
	return e.opts.Sessions.Filter()
}

// Execute runs criteria once, newest entries first. Malformed criteria are
// logged and produce an empty result; only store failures and cancellation
// are returned as errors.
func (e *Engine) Execute(ctx context.Context, c Criteria) ([]*storage.Entry, error) {
	plan, err := c.Plan(e.sessions(), e.opts.Now())
	if err != nil {
		e.log.Warn("ignoring malformed query", zap.Error(err))
		return nil, nil
	}

	limit := plan.Limit
	if limit == 0 {
		limit = e.opts.PageSize
	}

	e.executions.Add(1)

	var entries []*storage.Entry
	err = e.store.Scan(ctx, plan.Predicate, storage.Descending, func(entry *storage.Entry) bool {
		if plan.Residual != nil && !plan.Residual.Match(entry) {
			return true
		}
		entries = append(entries, entry)
		return limit < 0 || len(entries) < limit
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DistinctResult carries the outcome of FetchDistinct.
type DistinctResult struct {
	Field  storage.Field
	Values []string
	Err    error
}

// FetchDistinct computes the distinct values of field across all stored
// entries in the background. Concurrent requests for the same field share
// one computation; results are cached until the next change-set. The
// channel receives exactly one result and is then closed.
func (e *Engine) FetchDistinct(ctx context.Context, field storage.Field) <-chan DistinctResult {
	out := make(chan DistinctResult, 1)

	e.mu.Lock()
	if values, ok := e.distinct[field]; ok {
		e.mu.Unlock()
		out <- DistinctResult{Field: field, Values: values}
		close(out)
		return out
	}
	e.mu.Unlock()

	go func() {
		defer close(out)

		ch := e.flight.DoChan(string(field), func() (any, error) {
			return e.computeDistinct(context.WithoutCancel(ctx), field)
		})
		select {
		case <-ctx.Done():
			out <- DistinctResult{Field: field, Err: ctx.Err()}
		case res := <-ch:
			values, _ := res.Val.([]string)
			out <- DistinctResult{Field: field, Values: values, Err: res.Err}
		}
	}()
	return out
}

func (e *Engine) computeDistinct(ctx context.Context, field storage.Field) ([]string, error) {
	e.mu.Lock()
	gen := e.distinctGen
	e.mu.Unlock()

	values, err := e.store.DistinctValues(ctx, field, storage.All)
	if err != nil {
		e.log.Warn("distinct values failed", zap.String("field", string(field)), zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	if gen == e.distinctGen && !e.closed {
		e.distinct[field] = values
	}
	e.mu.Unlock()
	return values, nil
}

// Subscribe starts a live query. The first snapshot is computed right away.
func (e *Engine) Subscribe(c Criteria) *LiveQuery {
	lq := newLiveQuery(e, c)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		lq.Close()
		return lq
	}
	e.live[lq] = struct{}{}
	e.mu.Unlock()

	lq.start()
	return lq
}

// Unsubscribe stops a live query and closes its result channel.
func (e *Engine) Unsubscribe(lq *LiveQuery) {
	if lq == nil {
		return
	}
	lq.Close()
}

func (e *Engine) forget(lq *LiveQuery) {
	e.mu.Lock()
	delete(e.live, lq)
	e.mu.Unlock()
}

// Close stops every live query and the distinct cache invalidation.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	live := make([]*LiveQuery, 0, len(e.live))
	for lq := range e.live {
		live = append(live, lq)
	}
	e.mu.Unlock()

	for _, lq := range live {
		lq.Close()
	}
	if e.sub != nil {
		e.opts.Bus.Unsubscribe(e.sub)
	}
	e.wg.Wait()
}

// Snapshot is one delivered result of a live query.
type Snapshot struct {
	Entries  []*storage.Entry
	Criteria Criteria
	// Generation increases with every refresh of the live query.
	Generation uint64
	// Err is set when the store failed; Entries is then empty.
	Err error
}

// LiveQuery keeps a result set current. Each refresh cancels the one in
// progress, and only the newest refresh is delivered. The result channel
// holds at most one snapshot; an unread snapshot is replaced by a newer one.
type LiveQuery struct {
	engine   *Engine
	out      chan Snapshot
	debounce *debouncer
	sub      *notify.Subscription

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	crit   Criteria
	gen    uint64
	cancel context.CancelFunc
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newLiveQuery(e *Engine, c Criteria) *LiveQuery {
	ctx, stop := context.WithCancel(context.Background())
	lq := &LiveQuery{
		engine: e,
		out:    make(chan Snapshot, 1),
		ctx:    ctx,
		stop:   stop,
		crit:   c,
	}
	lq.debounce = newDebouncer(e.opts.Debounce, lq.refresh)
	return lq
}

func (lq *LiveQuery) start() {
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return
	}
	if bus := lq.engine.opts.Bus; bus != nil {
		lq.sub = bus.Subscribe()
		lq.wg.Add(1)
		go lq.follow()
	}
	lq.mu.Unlock()

	lq.refresh()
}

// follow refreshes on every committed change.
func (lq *LiveQuery) follow() {
	defer lq.wg.Done()
	for range lq.sub.C() {
		lq.refresh()
	}
}

// Results delivers snapshots. It is closed by Close.
func (lq *LiveQuery) Results() <-chan Snapshot {
	return lq.out
}

// Criteria returns the current criteria.
func (lq *LiveQuery) Criteria() Criteria {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.crit
}

// SetCriteria replaces the criteria and refreshes immediately.
func (lq *LiveQuery) SetCriteria(c Criteria) {
	lq.mu.Lock()
	lq.crit = c
	lq.mu.Unlock()

	lq.debounce.Cancel()
	lq.refresh()
}

// SetOnlyErrors toggles the error filter and refreshes immediately. A
// pending search term refresh is folded into this one.
func (lq *LiveQuery) SetOnlyErrors(only bool) {
	lq.mu.Lock()
	lq.crit.IsOnlyErrors = only
	lq.mu.Unlock()

	lq.debounce.Cancel()
	lq.refresh()
}

// SetSearchTerm changes the search term. The refresh runs once the term has
// not changed for the debounce period.
func (lq *LiveQuery) SetSearchTerm(term string) {
	lq.mu.Lock()
	lq.crit.SearchTerm = term
	lq.mu.Unlock()

	lq.debounce.Trigger()
}

// refresh cancels the running execution and starts a new one.
func (lq *LiveQuery) refresh() {
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return
	}
	if lq.cancel != nil {
		lq.cancel()
	}
	lq.gen++
	gen := lq.gen
	ctx, cancel := context.WithCancel(lq.ctx)
	lq.cancel = cancel
	crit := lq.crit
	lq.wg.Add(1)
	lq.mu.Unlock()

	go func() {
		defer lq.wg.Done()
		defer cancel()

		entries, err := lq.engine.Execute(ctx, crit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			lq.engine.log.Warn("live query refresh failed", zap.Uint64("generation", gen), zap.Error(err))
		}
		lq.deliver(Snapshot{Entries: entries, Criteria: crit, Generation: gen, Err: err})
	}()
}

func (lq *LiveQuery) deliver(snap Snapshot) {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if lq.closed || snap.Generation != lq.gen {
		return
	}
	// Senders hold mu, so after the drain the send cannot block.
	select {
	case <-lq.out:
	default:
	}
	lq.out <- snap
}

// Close stops the live query. It waits for a running refresh to finish and
// then closes the result channel.
func (lq *LiveQuery) Close() {
	lq.closeOnce.Do(func() {
		lq.mu.Lock()
		lq.closed = true
		sub := lq.sub
		lq.mu.Unlock()

		lq.stop()
		lq.debounce.Stop()
		if sub != nil {
			lq.engine.opts.Bus.Unsubscribe(sub)
		}
		lq.wg.Wait()
		close(lq.out)
		lq.engine.forget(lq)
	})
}

// errClosed is reported for snapshots requested from a closed live query.
var errClosed = errors.New("live query closed")

// Next waits for the next snapshot.
func (lq *LiveQuery) Next(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case snap, ok := <-lq.out:
		if !ok {
			return Snapshot{}, errClosed
		}
		return snap, nil
	}
}
