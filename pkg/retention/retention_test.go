package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mchurichi/logbook/pkg/notify"
	"github.com/mchurichi/logbook/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var now = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func openStore(t *testing.T, bus *notify.Bus) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), storage.Options{Bus: bus, NoSyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertAt(t *testing.T, s *storage.Store, at time.Time, text string) *storage.Entry {
	t.Helper()
	e := storage.NewLogEntry("s1", storage.LevelInfo, "default", text, nil)
	e.CreatedAt = at
	require.NoError(t, s.Insert(context.Background(), e))
	return e
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in      string
		want    Trigger
		wantErr bool
	}{
		{in: "schedule:1h", want: Trigger{Kind: TriggerSchedule, Every: time.Hour}},
		{in: "schedule:90s", want: Trigger{Kind: TriggerSchedule, Every: 90 * time.Second}},
		{in: "writes:500", want: Trigger{Kind: TriggerWrites, Writes: 500}},
		{in: "manual", want: Trigger{Kind: TriggerManual}},
		{in: "schedule:-1s", wantErr: true},
		{in: "writes:0", wantErr: true},
		{in: "hourly", wantErr: true},
		{in: "cron:* * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTrigger(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrigger_String(t *testing.T) {
	assert.Equal(t, "writes:20", Trigger{Kind: TriggerWrites, Writes: 20}.String())
	assert.Equal(t, "manual", Trigger{Kind: TriggerManual}.String())
	assert.Equal(t, "schedule:1h0m0s", DefaultTrigger.String())
}

func TestSweep_Interval(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, nil)

	expired := insertAt(t, store, now.Add(-20*time.Second), "twenty seconds old")
	fresh := insertAt(t, store, now.Add(-5*time.Second), "five seconds old")
	future := insertAt(t, store, now.Add(time.Second), "created after now")

	sw := New(store, Options{Interval: 10 * time.Second, Trigger: Trigger{Kind: TriggerManual}})

	res, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Evicted)

	_, err = store.Get(ctx, expired.ID)
	assert.True(t, storage.IsNotFound(err))
	for _, id := range []string{fresh.ID, future.ID} {
		_, err := store.Get(ctx, id)
		assert.NoError(t, err)
	}

	again, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.Removed())
}

func TestSweep_ExactBoundaryKept(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, nil)

	// now - createdAt == interval is not older than the interval
	insertAt(t, store, now.Add(-10*time.Second), "on the boundary")

	sw := New(store, Options{Interval: 10 * time.Second})
	res, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestSweep_Unbounded(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, nil)
	insertAt(t, store, now.Add(-365*24*time.Hour), "a year old")

	for _, interval := range []time.Duration{0, -time.Hour} {
		sw := New(store, Options{Interval: interval})
		assert.True(t, sw.Unbounded())

		res, err := sw.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, res.Removed())
	}
}

func TestSweep_SizeLimit(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, nil)

	var entries []*storage.Entry
	for i := 0; i < 8; i++ {
		entries = append(entries, insertAt(t, store, now.Add(time.Duration(i-8)*time.Second), "x"))
	}

	sw := New(store, Options{SizeLimit: 5})
	res, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evicted)

	left, err := store.Query(ctx, storage.All, storage.Ascending, 0, 0)
	require.NoError(t, err)
	require.Len(t, left, 5)
	assert.Equal(t, entries[3].ID, left[0].ID)
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) DeleteWhere(ctx context.Context, p storage.Predicate) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, errors.New("disk unavailable")
}

func (f *failingStore) DeleteOldest(ctx context.Context, keep int) (int, error) { return 0, nil }

func (f *failingStore) CompactDatabase() error { return nil }

func (f *failingStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSweep_FailureIsReturned(t *testing.T) {
	sw := New(&failingStore{}, Options{Interval: time.Second})
	_, err := sw.Sweep(context.Background(), now)
	assert.ErrorContains(t, err, "disk unavailable")
}

func TestRun_ScheduleRetriesAfterFailure(t *testing.T) {
	store := &failingStore{}
	sw := New(store, Options{
		Interval: time.Second,
		Trigger:  Trigger{Kind: TriggerSchedule, Every: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRun_Schedule(t *testing.T) {
	store := openStore(t, nil)
	old := insertAt(t, store, now.Add(-time.Hour), "old")

	sw := New(store, Options{
		Interval: time.Minute,
		Now:      func() time.Time { return now },
		Trigger:  Trigger{Kind: TriggerSchedule, Every: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), old.ID)
		return storage.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_Writes(t *testing.T) {
	bus := notify.NewBus()
	defer bus.Close()
	store := openStore(t, bus)

	sw := New(store, Options{
		Interval: time.Minute,
		Bus:      bus,
		Now:      func() time.Time { return now },
		Trigger:  Trigger{Kind: TriggerWrites, Writes: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	// Keep writing expired entries until a sweep catches up with them.
	inserted := 0
	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), storage.All)
		if err != nil {
			return false
		}
		if inserted > 0 && n == 0 {
			return true
		}
		e := storage.NewLogEntry("s1", storage.LevelInfo, "default", "expired", nil)
		e.CreatedAt = now.Add(-time.Hour)
		if store.Insert(context.Background(), e) == nil {
			inserted++
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_WritesNeedsBus(t *testing.T) {
	sw := New(&failingStore{}, Options{Trigger: Trigger{Kind: TriggerWrites, Writes: 1}})
	assert.Error(t, sw.Run(context.Background()))
}

func TestRun_Manual(t *testing.T) {
	store := &failingStore{}
	sw := New(store, Options{Interval: time.Second, Trigger: Trigger{Kind: TriggerManual}})
	assert.NoError(t, sw.Run(context.Background()))
	assert.Zero(t, store.Calls())
}
