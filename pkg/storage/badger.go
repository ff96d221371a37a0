package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mchurichi/logbook/pkg/notify"
)

const (
	// maxConflictRetries bounds how often a write transaction is retried
	// after badger.ErrConflict.
	maxConflictRetries = 8
	// deleteChunk is the number of entries removed per transaction when a
	// delete does not fit into a single one.
	deleteChunk = 1000
	// ctxCheckEvery is how many iterated keys pass between context checks.
	ctxCheckEvery = 256
)

// Options configures a Store.
type Options struct {
	// Bus receives a change-set after every committed write. Optional.
	Bus *notify.Bus
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Now supplies the current time for entries inserted without CreatedAt.
	Now func() time.Time
	// NoSyncWrites disables fsync on every commit.
	NoSyncWrites bool
}

// Store is the Badger-backed entry store. All methods are safe for
// concurrent use. Reads run inside a single read transaction and therefore
// observe one consistent snapshot.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	bus    *notify.Bus
	log    *zap.Logger
	now    func() time.Time
	path   string
	report MigrationReport
	closed atomic.Bool
}

// Open opens or creates the store at path and brings its schema to the
// current version before returning. No other operation can observe the store
// until migration has finished.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.Named("storage")

	// Expand home directory
	dbPath := expandPath(path)

	legacy, err := prepareLegacyPath(dbPath)
	if err != nil {
		return nil, ioError("open", err)
	}

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, ioError("open", fmt.Errorf("create db directory: %w", err))
	}

	bopts := badger.DefaultOptions(dbPath)
	bopts.Logger = nil // Disable badger logging
	bopts.SyncWrites = !opts.NoSyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, ioError("open", fmt.Errorf("open badger db: %w", err))
	}

	s := &Store{
		db:   db,
		bus:  opts.Bus,
		log:  logger,
		now:  opts.Now,
		path: dbPath,
	}

	report, err := s.migrate(legacy)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.report = report

	seq, err := db.GetSequence([]byte(seqKey), 256)
	if err != nil {
		db.Close()
		return nil, ioError("open", fmt.Errorf("lease sequence: %w", err))
	}
	s.seq = seq

	logger.Debug("store opened",
		zap.String("path", dbPath),
		zap.Stringer("migration", report.State()),
		zap.Int("schema", report.To))
	return s, nil
}

// MigrationReport describes what happened to the on-disk data during Open.
func (s *Store) MigrationReport() MigrationReport {
	return s.report
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}

// Insert stores a new entry. A missing ID is generated and a zero CreatedAt
// is set to the current time; Seq is always assigned by the store.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := e.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	seq, err := s.seq.Next()
	if err != nil {
		return ioError("insert", fmt.Errorf("next sequence: %w", err))
	}
	e.Seq = seq

	// Serialize entry
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("serialize entry: %w", err)
	}
	key := entryKey(e.CreatedAt, e.Seq)

	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(e.ID)); err == nil {
			return ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(idKey(e.ID), key); err != nil {
			return err
		}
		for _, k := range indexKeys(e) {
			if err := txn.Set(k, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateID) {
		return fmt.Errorf("insert %q: %w", e.ID, ErrDuplicateID)
	}
	if err != nil {
		return ioError("insert", err)
	}

	s.bus.Publish(notify.ChangeSet{Inserted: []string{e.ID}})
	return nil
}

// Update applies mutate to the stored entry with the given id and persists
// the result. Only network entries can change, and only in their request
// outcome; anything else fails with ErrImmutable.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Entry) error) (*Entry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var updated *Entry
	var rejected error
	err := s.update(func(txn *badger.Txn) error {
		rejected = nil
		key, err := lookupID(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var current *Entry
		if err := item.Value(func(val []byte) error {
			current, err = FromJSON(val)
			return err
		}); err != nil {
			return err
		}
		if current.Kind != KindNetwork || current.Network == nil {
			rejected = fmt.Errorf("%w: %w: %q", ErrImmutable, ErrNotNetwork, id)
			return rejected
		}

		before := *current
		request := *current.Network
		if err := mutate(current); err != nil {
			rejected = err
			return err
		}
		if !sameHeader(&before, current) || current.Log != nil || current.Network == nil ||
			current.Network.Host != request.Host || current.Network.URL != request.URL ||
			current.Network.Method != request.Method {
			rejected = fmt.Errorf("%w: %q", ErrImmutable, id)
			return rejected
		}

		data, err := current.ToJSON()
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, notFound("update", id)
		}
		if rejected != nil {
			return nil, rejected
		}
		return nil, ioError("update", err)
	}

	s.bus.Publish(notify.ChangeSet{Updated: []string{id}})
	return updated, nil
}

func sameHeader(a, b *Entry) bool {
	return a.ID == b.ID && a.Seq == b.Seq && a.Kind == b.Kind &&
		a.Session == b.Session && a.CreatedAt.Equal(b.CreatedAt)
}

// Get returns a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := lookupID(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = FromJSON(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound("get", id)
	}
	if err != nil {
		return nil, ioError("get", err)
	}
	return entry, nil
}

// Query returns entries matching p in the requested order. A limit of zero
// or less returns every match after offset.
func (s *Store) Query(ctx context.Context, p Predicate, order SortOrder, limit, offset int) ([]*Entry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var entries []*Entry
	skipped := 0

	err := s.db.View(func(txn *badger.Txn) error {
		return scan(ctx, txn, p, order, func(_ []byte, e *Entry) bool {
			// Handle pagination
			if skipped < offset {
				skipped++
				return true
			}
			entries = append(entries, e)
			return limit <= 0 || len(entries) < limit
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ioError("query", err)
	}
	return entries, nil
}

// Scan calls fn for each entry matching p in the given order until fn
// returns false. The whole walk observes one snapshot.
func (s *Store) Scan(ctx context.Context, p Predicate, order SortOrder, fn func(*Entry) bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(ctx, txn, p, order, func(_ []byte, e *Entry) bool {
			return fn(e)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ioError("scan", err)
	}
	return nil
}

// Count returns the number of entries matching p.
func (s *Store) Count(ctx context.Context, p Predicate) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	total := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if p.Empty() {
			total = countPrefix(txn, []byte(entryPrefix))
			return nil
		}
		return scan(ctx, txn, p, Ascending, func(_ []byte, _ *Entry) bool {
			total++
			return true
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, ioError("count", err)
	}
	return total, nil
}

// DistinctValues returns the sorted set of values field takes among entries
// matching p. With an empty predicate it walks only the secondary index,
// skipping from one value to the next without reading entries.
func (s *Store) DistinctValues(ctx context.Context, field Field, p Predicate) ([]string, error) {
	if _, err := ParseField(string(field)); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		if !p.Empty() {
			return scan(ctx, txn, p, Ascending, func(_ []byte, e *Entry) bool {
				if v := e.Field(field); v != "" {
					set[v] = struct{}{}
				}
				return true
			})
		}

		prefix := indexFieldPrefix(field)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, ok := splitIndexKey(prefix, it.Item().Key())
			if !ok {
				it.Next()
				continue
			}
			set[value] = struct{}{}
			// Jump past every key carrying this value.
			next := append(append(append([]byte{}, prefix...), value...), 1)
			it.Seek(next)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ioError("distinct", err)
	}

	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, nil
}

// DeleteWhere removes every entry matching p and returns how many were
// removed.
func (s *Store) DeleteWhere(ctx context.Context, p Predicate) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, "delete", p, 0)
}

// DeleteOldest removes the oldest entries so that at most keep remain.
func (s *Store) DeleteOldest(ctx context.Context, keep int) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	total, err := s.Count(ctx, All)
	if err != nil {
		return 0, err
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}
	return s.deleteMatching(ctx, "delete oldest", All, excess)
}

// Clear removes every entry. Schema tag and session ledger are kept.
func (s *Store) Clear(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, "clear", All, 0)
}

type victim struct {
	key []byte
	id  string
	idx [][]byte
}

func collectVictims(ctx context.Context, txn *badger.Txn, p Predicate, limit int) ([]victim, error) {
	var victims []victim
	err := scan(ctx, txn, p, Ascending, func(key []byte, e *Entry) bool {
		victims = append(victims, victim{key: key, id: e.ID, idx: indexKeys(e)})
		return limit <= 0 || len(victims) < limit
	})
	return victims, err
}

func deleteVictims(txn *badger.Txn, victims []victim) error {
	for _, v := range victims {
		if err := txn.Delete(v.key); err != nil {
			return err
		}
		if err := txn.Delete(idKey(v.id)); err != nil {
			return err
		}
		for _, k := range v.idx {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteMatching removes entries oldest first. The deletion commits in one
// transaction; when that exceeds Badger's transaction size it falls back to
// oldest-first chunks, so every intermediate state is a prefix of the
// complete deletion.
func (s *Store) deleteMatching(ctx context.Context, op string, p Predicate, limit int) (int, error) {
	var removed []string
	err := s.update(func(txn *badger.Txn) error {
		victims, err := collectVictims(ctx, txn, p, limit)
		if err != nil {
			return err
		}
		if err := deleteVictims(txn, victims); err != nil {
			return err
		}
		removed = removed[:0]
		for _, v := range victims {
			removed = append(removed, v.id)
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		s.log.Debug("delete exceeds one transaction, chunking", zap.String("op", op))
		removed, err = s.deleteChunked(ctx, p, limit)
	}
	if len(removed) > 0 {
		s.bus.Publish(notify.ChangeSet{Removed: append([]string(nil), removed...)})
	}
	if err != nil {
		if ctx.Err() != nil {
			return len(removed), ctx.Err()
		}
		return len(removed), ioError(op, err)
	}
	return len(removed), nil
}

func (s *Store) deleteChunked(ctx context.Context, p Predicate, limit int) ([]string, error) {
	var victims []victim
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		victims, err = collectVictims(ctx, txn, p, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	var removed []string
	for start := 0; start < len(victims); start += deleteChunk {
		end := min(start+deleteChunk, len(victims))
		chunk := victims[start:end]
		if err := s.update(func(txn *badger.Txn) error {
			return deleteVictims(txn, chunk)
		}); err != nil {
			return removed, err
		}
		for _, v := range chunk {
			removed = append(removed, v.id)
		}
	}
	return removed, nil
}

// RecordSession adds a session to the session ledger.
func (s *Store) RecordSession(ctx context.Context, info SessionInfo) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return ioError("record session", s.update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(info.ID), data)
	}))
}

// Sessions returns the session ledger, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(sessionPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info SessionInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				continue // Skip invalid records
			}
			sessions = append(sessions, info)
		}
		return nil
	})
	if err != nil {
		return nil, ioError("sessions", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Levels: make(map[string]int),
		Kinds:  make(map[string]int),
	}
	if err := s.check(ctx); err != nil {
		return stats, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		stats.TotalEntries = countPrefix(txn, []byte(entryPrefix))
		countIndexValues(txn, FieldLevel, stats.Levels)
		countIndexValues(txn, FieldKind, stats.Kinds)
		return nil
	})
	if err != nil {
		return stats, ioError("stats", err)
	}

	// Get DB size
	lsm, vlog := s.db.Size()
	stats.DBSizeMB = float64(lsm+vlog) / (1024 * 1024)

	return stats, nil
}

// CompactDatabase runs garbage collection to reclaim disk space. It returns
// nil when there was nothing to rewrite.
func (s *Store) CompactDatabase() error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Sync syncs the database to disk
func (s *Store) Sync() error {
	return ioError("sync", s.db.Sync())
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.seq != nil {
		if err := s.seq.Release(); err != nil {
			s.log.Warn("release sequence", zap.Error(err))
		}
	}
	return ioError("close", s.db.Close())
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func lookupID(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(idKey(id))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// scan walks primary keys in order, using the predicate's time bounds to
// position and stop the iterator, and calls fn for each matching entry until
// it returns false.
func scan(ctx context.Context, txn *badger.Txn, p Predicate, order SortOrder, fn func(key []byte, e *Entry) bool) error {
	prefix := []byte(entryPrefix)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix
	opts.Reverse = order == Descending
	it := txn.NewIterator(opts)
	defer it.Close()

	var start []byte
	switch {
	case opts.Reverse && !p.Before.IsZero():
		start = entryBound(p.Before)
	case opts.Reverse:
		start = prefixEnd(prefix)
	case !p.From.IsZero():
		start = entryBound(p.From)
	default:
		start = prefix
	}

	n := 0
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		item := it.Item()
		ts := entryTimestamp(item.Key())
		if opts.Reverse && !p.From.IsZero() && ts < p.From.UnixNano() {
			break
		}
		if !opts.Reverse && !p.Before.IsZero() && ts >= p.Before.UnixNano() {
			break
		}
		if !p.inTimeRange(ts) {
			continue
		}

		var entry *Entry
		err := item.Value(func(val []byte) error {
			var err error
			entry, err = FromJSON(val)
			return err
		})
		if err != nil {
			continue // Skip invalid entries
		}
		if !p.Match(entry) {
			continue
		}
		if !fn(item.KeyCopy(nil), entry) {
			break
		}
	}
	return ctx.Err()
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

func countIndexValues(txn *badger.Txn, field Field, counts map[string]int) {
	prefix := indexFieldPrefix(field)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if v, ok := splitIndexKey(prefix, it.Item().Key()); ok {
			counts[v]++
		}
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
