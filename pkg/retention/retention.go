// Package retention removes expired entries from the store.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mchurichi/logbook/pkg/notify"
	"github.com/mchurichi/logbook/pkg/storage"
)

// TriggerKind selects what starts a sweep.
type TriggerKind int

const (
	// TriggerSchedule sweeps on a fixed period.
	TriggerSchedule TriggerKind = iota
	// TriggerWrites sweeps after a number of inserted entries.
	TriggerWrites
	// TriggerManual only sweeps when Sweep is called.
	TriggerManual
)

// Trigger describes when Run sweeps.
type Trigger struct {
	Kind   TriggerKind
	Every  time.Duration
	Writes int
}

// DefaultTrigger sweeps once an hour.
var DefaultTrigger = Trigger{Kind: TriggerSchedule, Every: time.Hour}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerSchedule:
		return "schedule:" + t.Every.String()
	case TriggerWrites:
		return "writes:" + strconv.Itoa(t.Writes)
	case TriggerManual:
		return "manual"
	}
	return "unknown"
}

// ParseTrigger parses "schedule:<duration>", "writes:<n>" or "manual".
func ParseTrigger(s string) (Trigger, error) {
	s = strings.TrimSpace(s)
	if s == "manual" {
		return Trigger{Kind: TriggerManual}, nil
	}
	kind, arg, ok := strings.Cut(s, ":")
	if !ok {
		return Trigger{}, fmt.Errorf("invalid sweep trigger %q", s)
	}
	switch kind {
	case "schedule":
		d, err := time.ParseDuration(arg)
		if err != nil || d <= 0 {
			return Trigger{}, fmt.Errorf("invalid sweep schedule %q", arg)
		}
		return Trigger{Kind: TriggerSchedule, Every: d}, nil
	case "writes":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return Trigger{}, fmt.Errorf("invalid sweep write count %q", arg)
		}
		return Trigger{Kind: TriggerWrites, Writes: n}, nil
	}
	return Trigger{}, fmt.Errorf("invalid sweep trigger %q", s)
}

// Store is the part of the entry store a sweep needs.
type Store interface {
	DeleteWhere(ctx context.Context, p storage.Predicate) (int, error)
	DeleteOldest(ctx context.Context, keep int) (int, error)
	CompactDatabase() error
}

// Options configures a Sweeper.
type Options struct {
	// Interval is the retention interval. Zero or negative keeps entries
	// forever.
	Interval time.Duration
	// SizeLimit caps the number of stored entries; zero disables the cap.
	SizeLimit int
	Trigger   Trigger
	// Bus is required by TriggerWrites.
	Bus    *notify.Bus
	Now    func() time.Time
	Logger *zap.Logger
}

// Result summarizes one sweep.
type Result struct {
	// Expired counts entries older than the retention interval.
	Expired int
	// Evicted counts entries removed to honor the size limit.
	Evicted  int
	Duration time.Duration
}

// Removed returns the total number of deleted entries.
func (r Result) Removed() int {
	return r.Expired + r.Evicted
}

// Sweeper deletes expired entries. Sweeps never overlap.
type Sweeper struct {
	store Store
	opts  Options
	log   *zap.Logger

	mu sync.Mutex
}

// New creates a sweeper over an opened store.
func New(store Store, opts Options) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Trigger == (Trigger{}) {
		opts.Trigger = DefaultTrigger
	}
	return &Sweeper{
		store: store,
		opts:  opts,
		log:   opts.Logger.Named("retention"),
	}
}

// Unbounded reports whether age-based expiry is disabled.
func (s *Sweeper) Unbounded() bool {
	return s.opts.Interval <= 0
}

// Sweep removes every entry created more than the retention interval before
// now, then evicts the oldest entries beyond the size limit. Entries created
// at or after now are never removed by age.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var res Result

	if !s.Unbounded() {
		cutoff := now.Add(-s.opts.Interval)
		n, err := s.store.DeleteWhere(ctx, storage.Predicate{Before: cutoff})
		res.Expired = n
		if err != nil {
			return res, fmt.Errorf("expire entries before %s: %w", cutoff.Format(time.RFC3339), err)
		}
	}

	if s.opts.SizeLimit > 0 {
		n, err := s.store.DeleteOldest(ctx, s.opts.SizeLimit)
		res.Evicted = n
		if err != nil {
			return res, fmt.Errorf("evict entries over limit %d: %w", s.opts.SizeLimit, err)
		}
	}

	if res.Removed() > 0 {
		if err := s.store.CompactDatabase(); err != nil {
			s.log.Debug("value log gc failed", zap.Error(err))
		}
	}

	res.Duration = time.Since(start)
	s.log.Debug("sweep finished",
		zap.Int("expired", res.Expired),
		zap.Int("evicted", res.Evicted),
		zap.Duration("took", res.Duration))
	return res, nil
}

// Run sweeps according to the trigger until ctx is done. Failed sweeps are
// logged and retried on the next trigger. With TriggerManual it returns
// immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	switch s.opts.Trigger.Kind {
	case TriggerManual:
		return nil
	case TriggerWrites:
		return s.runOnWrites(ctx)
	default:
		return s.runOnSchedule(ctx)
	}
}

func (s *Sweeper) runOnSchedule(ctx context.Context) error {
	s.sweepLogged(ctx)

	ticker := time.NewTicker(s.opts.Trigger.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) runOnWrites(ctx context.Context) error {
	if s.opts.Bus == nil {
		return errors.New("writes trigger needs a change bus")
	}
	sub := s.opts.Bus.Subscribe()
	defer s.opts.Bus.Unsubscribe(sub)

	s.sweepLogged(ctx)

	pending := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case cs, ok := <-sub.C():
			if !ok {
				return nil
			}
			pending += len(cs.Inserted)
			if pending >= s.opts.Trigger.Writes {
				pending = 0
				s.sweepLogged(ctx)
			}
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	res, err := s.Sweep(ctx, s.opts.Now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("retention sweep failed, will retry",
			zap.Stringer("trigger", s.opts.Trigger),
			zap.Int("removed", res.Removed()),
			zap.Error(err))
		return
	}
	if res.Removed() > 0 {
		s.log.Info("retention sweep",
			zap.Int("expired", res.Expired),
			zap.Int("evicted", res.Evicted))
	}
}
