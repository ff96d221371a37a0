// Package logstore wires the entry store, session registry, retention
// sweeper and query engine into the API a host application uses to record
// and browse its logs and network requests.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mchurichi/logbook/pkg/notify"
	"github.com/mchurichi/logbook/pkg/query"
	"github.com/mchurichi/logbook/pkg/retention"
	"github.com/mchurichi/logbook/pkg/session"
	"github.com/mchurichi/logbook/pkg/storage"
)

// DefaultRetention is the retention interval used when Options leave it zero.
const DefaultRetention = 7 * 24 * time.Hour

// Options configures Open.
type Options struct {
	// Path is the database directory.
	Path string
	// Retention is the age horizon. Zero selects DefaultRetention; negative
	// keeps entries forever.
	Retention time.Duration
	// SizeLimit caps the number of stored entries; zero disables the cap.
	SizeLimit int
	Trigger   retention.Trigger
	// External attaches to a store written by another process instead of
	// starting a new session.
	External bool
	// Scope overrides the registry's default scope when set.
	Scope *session.Scope

	Debounce time.Duration
	PageSize int

	Now          func() time.Time
	Logger       *zap.Logger
	NoSyncWrites bool
}

// Store is an opened log store.
type Store struct {
	db       *storage.Store
	bus      *notify.Bus
	sessions *session.Registry
	sweeper  *retention.Sweeper
	engine   *query.Engine
	log      *zap.Logger
	now      func() time.Time

	dropped   atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Open opens the store at opts.Path, migrating it if needed, and attaches a
// session.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}

	bus := notify.NewBus()
	db, err := storage.Open(opts.Path, storage.Options{
		Bus:          bus,
		Logger:       opts.Logger,
		Now:          opts.Now,
		NoSyncWrites: opts.NoSyncWrites,
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	report := db.MigrationReport()
	if report.Reset {
		opts.Logger.Warn("discarded incompatible store",
			zap.String("path", db.Path()),
			zap.String("reason", report.Reason))
	}

	var reg *session.Registry
	if opts.External {
		reg, err = session.Load(ctx, db, opts.Now)
	} else {
		reg, err = session.NewLive(ctx, db, opts.Now)
	}
	if err != nil {
		db.Close()
		bus.Close()
		return nil, fmt.Errorf("attach session: %w", err)
	}
	if opts.Scope != nil {
		reg.SetScope(*opts.Scope)
	}

	s := &Store{
		db:       db,
		bus:      bus,
		sessions: reg,
		log:      opts.Logger.Named("logstore"),
		now:      opts.Now,
	}
	s.sweeper = retention.New(db, retention.Options{
		Interval:  opts.Retention,
		SizeLimit: opts.SizeLimit,
		Trigger:   opts.Trigger,
		Bus:       bus,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	s.engine = query.NewEngine(db, query.Options{
		Bus:      bus,
		Sessions: reg,
		Debounce: opts.Debounce,
		PageSize: opts.PageSize,
		Now:      opts.Now,
		Logger:   opts.Logger,
	})

	s.log.Info("log store opened",
		zap.String("path", db.Path()),
		zap.String("session", reg.Current()),
		zap.Stringer("scope", reg.Scope()),
		zap.Stringer("migration", report.State()))
	return s, nil
}

// Run drives background work until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sweeper.Run(ctx)
	})
	return g.Wait()
}

// Append stores e and returns its id. Entries without a session join the
// current one. Write failures are logged and the entry is dropped; the
// returned id is then empty.
func (s *Store) Append(ctx context.Context, e *storage.Entry) string {
	if e.Session == "" {
		e.Session = s.sessions.Current()
	}
	if err := s.db.Insert(ctx, e); err != nil {
		n := s.dropped.Add(1)
		s.log.Warn("dropping entry",
			zap.Stringer("kind", e.Kind),
			zap.Int64("dropped", n),
			zap.Error(err))
		return ""
	}
	return e.ID
}

// LogMessage appends a log entry.
func (s *Store) LogMessage(ctx context.Context, level storage.Level, label, text string, metadata map[string]string) string {
	return s.Append(ctx, storage.NewLogEntry("", level, label, text, metadata))
}

// StartNetworkRequest appends an in-flight network request and returns its
// id for CompleteNetworkRequest.
func (s *Store) StartNetworkRequest(ctx context.Context, method, url, host string, requestSize int64) string {
	return s.Append(ctx, storage.NewNetworkRequest("", method, url, host, requestSize))
}

// CompleteNetworkRequest records the outcome of the request with the given
// id. Unknown ids fail with a NotFound storage error.
func (s *Store) CompleteNetworkRequest(ctx context.Context, id string, c storage.Completion) error {
	_, err := s.db.Update(ctx, id, func(e *storage.Entry) error {
		return e.Network.Complete(c)
	})
	return err
}

// Dropped returns how many appended entries were lost to write failures.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Subscribe starts a live query.
func (s *Store) Subscribe(c query.Criteria) *query.LiveQuery {
	return s.engine.Subscribe(c)
}

// Unsubscribe stops a live query.
func (s *Store) Unsubscribe(lq *query.LiveQuery) {
	s.engine.Unsubscribe(lq)
}

// Execute runs criteria once.
func (s *Store) Execute(ctx context.Context, c query.Criteria) ([]*storage.Entry, error) {
	return s.engine.Execute(ctx, c)
}

// FetchDistinct computes the distinct values of field in the background.
func (s *Store) FetchDistinct(ctx context.Context, field storage.Field) <-chan query.DistinctResult {
	return s.engine.FetchDistinct(ctx, field)
}

// Sweep runs one retention sweep now.
func (s *Store) Sweep(ctx context.Context) (retention.Result, error) {
	return s.sweeper.Sweep(ctx, s.now())
}

// Clear deletes every entry. The session ledger is kept.
func (s *Store) Clear(ctx context.Context) (int, error) {
	return s.db.Clear(ctx)
}

// Session returns the current session id.
func (s *Store) Session() string {
	return s.sessions.Current()
}

// Scope returns the active session scope.
func (s *Store) Scope() session.Scope {
	return s.sessions.Scope()
}

// SetScope switches the session scope. Live queries pick it up on their next
// refresh.
func (s *Store) SetScope(scope session.Scope) {
	s.sessions.SetScope(scope)
}

// Sessions lists recorded sessions, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]storage.SessionInfo, error) {
	return s.sessions.Sessions(ctx)
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	return s.db.Stats(ctx)
}

// MigrationReport describes what Open did to the on-disk data.
func (s *Store) MigrationReport() storage.MigrationReport {
	return s.db.MigrationReport()
}

// Close stops live queries and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		err := s.db.Close()
		s.bus.Close()
		if err != nil && !errors.Is(err, storage.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
