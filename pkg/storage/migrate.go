package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Schema versions:
// v1: unversioned "log:{ts}:{id}" JSON records with a level index
// v2: e/ i/ m/ layout with the schema tag, no secondary index
// v3: adds the x/ secondary index
const CurrentSchemaVersion = 3

// MigrationState is a step of the open-time state machine.
type MigrationState int

const (
	StateNotOpened MigrationState = iota
	StateCurrentVersion
	StateNeedsMigration
	StateIncompatible
	StateOpened
)

func (s MigrationState) String() string {
	switch s {
	case StateNotOpened:
		return "not-opened"
	case StateCurrentVersion:
		return "current-version"
	case StateNeedsMigration:
		return "needs-migration"
	case StateIncompatible:
		return "incompatible"
	case StateOpened:
		return "opened"
	}
	return fmt.Sprintf("MigrationState(%d)", int(s))
}

// MigrationReport holds the result of the open-time schema check.
type MigrationReport struct {
	// From is the version found on disk, 0 when there was none or it was
	// unreadable.
	From int
	To   int
	// Path lists the states the store went through, in order.
	Path     []MigrationState
	Applied  int
	Reset    bool
	Reason   string
	Duration time.Duration
}

// State returns the last state reached.
func (r MigrationReport) State() MigrationState {
	if len(r.Path) == 0 {
		return StateNotOpened
	}
	return r.Path[len(r.Path)-1]
}

// Decision returns the branch taken between NotOpened and Opened.
func (r MigrationReport) Decision() MigrationState {
	for _, st := range r.Path {
		switch st {
		case StateCurrentVersion, StateNeedsMigration, StateIncompatible:
			return st
		}
	}
	return StateNotOpened
}

func (r *MigrationReport) enter(s MigrationState) {
	r.Path = append(r.Path, s)
}

// migration converts the layout of version from into version from+1. A step
// may commit in several transactions and must be safe to run again: the
// schema tag only advances once apply has returned, so an interrupted step is
// repeated on the next open.
type migration struct {
	from  int
	name  string
	apply func(db *badger.DB) error
}

var migrations = []migration{
	{from: 2, name: "build secondary index", apply: buildSecondaryIndex},
}

func findMigration(from int) (migration, bool) {
	for _, m := range migrations {
		if m.from == from {
			return m, true
		}
	}
	return migration{}, false
}

// hasMigrationPath reports whether every step from version to current exists.
func hasMigrationPath(version int) bool {
	if version <= 0 || version > CurrentSchemaVersion {
		return false
	}
	for v := version; v < CurrentSchemaVersion; v++ {
		if _, ok := findMigration(v); !ok {
			return false
		}
	}
	return true
}

var sqliteMagic = []byte("SQLite format 3\x00")

// prepareLegacyPath removes a regular file sitting where the store directory
// belongs. Such a file is a store written by an older single-file format and
// cannot be read. The returned reason is empty when nothing was removed.
func prepareLegacyPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if info.IsDir() {
		return "", nil
	}

	reason := "legacy single-file store"
	if f, err := os.Open(path); err == nil {
		header := make([]byte, len(sqliteMagic))
		if _, err := io.ReadFull(f, header); err == nil && bytes.Equal(header, sqliteMagic) {
			reason = "legacy SQLite store"
		}
		f.Close()
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove %s: %w", reason, err)
	}
	return reason, nil
}

// migrate runs the schema state machine. Incompatible data is dropped and
// the store continues empty; only I/O failures are returned.
func (s *Store) migrate(legacy string) (MigrationReport, error) {
	start := time.Now()
	report := MigrationReport{To: CurrentSchemaVersion}
	report.enter(StateNotOpened)

	version, tagged, tagErr := readSchemaTag(s.db)
	if tagErr != nil && !errors.Is(tagErr, ErrSchemaMismatch) {
		return report, ioError("migrate", tagErr)
	}
	empty, err := isEmpty(s.db)
	if err != nil {
		return report, ioError("migrate", err)
	}
	report.From = version

	switch {
	case legacy != "":
		report.enter(StateIncompatible)
		report.Reason = legacy
	case tagErr != nil:
		report.enter(StateIncompatible)
		report.Reason = tagErr.Error()
	case !tagged && empty:
		report.enter(StateCurrentVersion)
	case !tagged:
		report.enter(StateIncompatible)
		report.Reason = "unversioned data"
	case version == CurrentSchemaVersion:
		report.enter(StateCurrentVersion)
	case hasMigrationPath(version):
		report.enter(StateNeedsMigration)
	default:
		report.enter(StateIncompatible)
		report.Reason = fmt.Sprintf("no migration path from schema version %d", version)
	}

	switch report.Decision() {
	case StateCurrentVersion:
		if !tagged {
			if err := s.db.Update(setSchemaTag(CurrentSchemaVersion)); err != nil {
				return report, ioError("migrate", err)
			}
		}
	case StateNeedsMigration:
		for v := version; v < CurrentSchemaVersion; v++ {
			m, _ := findMigration(v)
			s.log.Info("applying schema migration",
				zap.Int("from", v), zap.Int("to", v+1), zap.String("step", m.name))
			err := m.apply(s.db)
			if err == nil {
				err = s.db.Update(setSchemaTag(v + 1))
			}
			if err != nil {
				s.log.Error("schema migration failed",
					zap.Int("from", v), zap.Int("to", v+1), zap.Error(err))
				return report, ioError("migrate", fmt.Errorf("%s: %w", m.name, err))
			}
			report.Applied++
		}
	case StateIncompatible:
		if err := s.db.DropAll(); err != nil {
			return report, ioError("migrate", fmt.Errorf("reset store: %w", err))
		}
		if err := s.db.Update(setSchemaTag(CurrentSchemaVersion)); err != nil {
			return report, ioError("migrate", err)
		}
		report.Reset = true
		s.log.Warn("incompatible store reset, previous entries discarded",
			zap.String("path", s.path),
			zap.Int("found_version", version),
			zap.String("reason", report.Reason))
	}

	report.enter(StateOpened)
	report.Duration = time.Since(start)
	return report, nil
}

// readSchemaTag returns the stored version. A tag that cannot be parsed is
// reported as ErrSchemaMismatch.
func readSchemaTag(db *badger.DB) (int, bool, error) {
	var raw []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, true, &StorageError{
			Kind: SchemaMismatch,
			Op:   "read schema tag",
			Err:  fmt.Errorf("unreadable tag %q", raw),
		}
	}
	return v, true, nil
}

func setSchemaTag(version int) func(txn *badger.Txn) error {
	return func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), []byte(strconv.Itoa(version)))
	}
}

func isEmpty(db *badger.DB) (bool, error) {
	empty := true
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	return empty, err
}

// buildSecondaryIndex writes x/ keys for every primary record. Keys go
// through a WriteBatch, which commits whenever a transaction fills up, so the
// store may be larger than a single transaction.
func buildSecondaryIndex(db *badger.DB) error {
	wb := db.NewWriteBatch()
	defer wb.Cancel()

	err := db.View(func(txn *badger.Txn) error {
		prefix := []byte(entryPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var keys [][]byte
			err := it.Item().Value(func(val []byte) error {
				entry, err := FromJSON(val)
				if err != nil {
					return nil // Skip invalid entries
				}
				keys = indexKeys(entry)
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := wb.Set(k, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush index keys: %w", err)
	}
	return nil
}
