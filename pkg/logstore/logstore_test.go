package logstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mchurichi/logbook/pkg/query"
	"github.com/mchurichi/logbook/pkg/retention"
	"github.com/mchurichi/logbook/pkg/session"
	"github.com/mchurichi/logbook/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func openTest(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	opts.Path = path
	opts.NoSyncWrites = true
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndExecute(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})

	require.NotEmpty(t, s.Session())
	id := s.LogMessage(ctx, storage.LevelError, "db", "connection lost", map[string]string{"attempt": "3"})
	require.NotEmpty(t, id)
	reqID := s.StartNetworkRequest(ctx, "GET", "https://api.example.com/v1", "api.example.com", 0)
	require.NotEmpty(t, reqID)

	entries, err := s.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, s.Session(), e.Session)
	}

	entries, err = s.Execute(ctx, query.Criteria{SearchTerm: "attempt:3"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}

func TestCompleteNetworkRequest(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})

	id := s.StartNetworkRequest(ctx, "POST", "https://api.example.com/upload", "api.example.com", 2048)
	require.NotEmpty(t, id)

	require.NoError(t, s.CompleteNetworkRequest(ctx, id, storage.Completion{
		StatusCode: 500,
		Duration:   120 * time.Millisecond,
	}))

	entries, err := s.Execute(ctx, query.Criteria{IsOnlyErrors: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 500, entries[0].Network.StatusCode)
	assert.True(t, entries[0].Network.IsCompleted)

	err = s.CompleteNetworkRequest(ctx, id, storage.Completion{StatusCode: 200})
	assert.ErrorIs(t, err, storage.ErrAlreadyCompleted)

	err = s.CompleteNetworkRequest(ctx, "missing", storage.Completion{StatusCode: 200})
	assert.True(t, storage.IsNotFound(err), "got %v", err)

	logID := s.LogMessage(ctx, storage.LevelInfo, "app", "hello", nil)
	err = s.CompleteNetworkRequest(ctx, logID, storage.Completion{StatusCode: 200})
	assert.ErrorIs(t, err, storage.ErrImmutable)
}

func TestAppendDropsOnFailure(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})

	require.NotEmpty(t, s.LogMessage(ctx, storage.LevelInfo, "app", "kept", nil))
	require.NoError(t, s.db.Close())

	assert.Empty(t, s.LogMessage(ctx, storage.LevelInfo, "app", "lost", nil))
	assert.Empty(t, s.StartNetworkRequest(ctx, "GET", "https://a.example/", "a.example", 0))
	assert.EqualValues(t, 2, s.Dropped())
}

func TestLiveQuery(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})

	lq := s.Subscribe(query.Criteria{Kinds: []storage.Kind{storage.KindLog}})
	defer s.Unsubscribe(lq)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	first, err := lq.Next(waitCtx)
	require.NoError(t, err)
	assert.Empty(t, first.Entries)

	s.LogMessage(ctx, storage.LevelInfo, "app", "started", nil)
	s.StartNetworkRequest(ctx, "GET", "https://a.example/", "a.example", 0)

	for {
		snap, err := lq.Next(waitCtx)
		require.NoError(t, err)
		require.NoError(t, snap.Err)
		if len(snap.Entries) == 1 {
			assert.Equal(t, "started", snap.Entries[0].Log.Text)
			return
		}
	}
}

func TestFetchDistinct(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})

	s.StartNetworkRequest(ctx, "GET", "https://b.example/", "b.example", 0)
	s.StartNetworkRequest(ctx, "GET", "https://a.example/", "a.example", 0)
	s.StartNetworkRequest(ctx, "GET", "https://a.example/x", "a.example", 0)

	res := <-s.FetchDistinct(ctx, storage.FieldHost)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"a.example", "b.example"}, res.Values)
}

func TestExternalStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	live := openTest(t, dir, Options{})
	liveSession := live.Session()
	live.LogMessage(ctx, storage.LevelInfo, "app", "from the live run", nil)
	require.NoError(t, live.Close())

	ext := openTest(t, dir, Options{External: true})
	assert.Equal(t, liveSession, ext.Session())
	assert.Equal(t, session.AllSessions, ext.Scope())

	entries, err := ext.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sessions, err := ext.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, liveSession, sessions[0].ID)
}

func TestExternalStoreEmpty(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	ext := openTest(t, dir, Options{External: true})
	require.NotEmpty(t, ext.Session())

	id := ext.LogMessage(ctx, storage.LevelInfo, "app", "first entry", nil)
	require.NotEmpty(t, id)
	assert.Zero(t, ext.Dropped())

	entries, err := ext.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ext.Session(), entries[0].Session)

	sessions, err := ext.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ext.Session(), sessions[0].ID)
}

func TestSessionScope(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := openTest(t, dir, Options{})
	first.LogMessage(ctx, storage.LevelInfo, "app", "first run", nil)
	require.NoError(t, first.Close())

	second := openTest(t, dir, Options{})
	second.LogMessage(ctx, storage.LevelInfo, "app", "second run", nil)

	entries, err := second.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second run", entries[0].Log.Text)

	second.SetScope(session.AllSessions)
	entries, err = second.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := openTest(t, t.TempDir(), Options{
		Retention: time.Hour,
		Trigger:   retention.Trigger{Kind: retention.TriggerManual},
		Now:       func() time.Time { return now },
	})

	old := storage.NewLogEntry("", storage.LevelInfo, "app", "old", nil)
	old.CreatedAt = now.Add(-2 * time.Hour)
	require.NotEmpty(t, s.Append(ctx, old))
	require.NotEmpty(t, s.LogMessage(ctx, storage.LevelInfo, "app", "fresh", nil))

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	entries, err := s.Execute(ctx, query.Criteria{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Log.Text)
}

func TestRunStopsWithContext(t *testing.T) {
	s := openTest(t, t.TempDir(), Options{
		Trigger: retention.Trigger{Kind: retention.TriggerSchedule, Every: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, t.TempDir(), Options{})
	s.LogMessage(ctx, storage.LevelInfo, "app", "a", nil)
	s.LogMessage(ctx, storage.LevelInfo, "app", "b", nil)

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestCloseIdempotent(t *testing.T) {
	s := openTest(t, t.TempDir(), Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Execute(context.Background(), query.Criteria{})
	assert.True(t, errors.Is(err, storage.ErrClosed), "got %v", err)
}
