// Package session tracks which run of the host application entries belong to.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mchurichi/logbook/pkg/storage"
)

// Scope controls whether queries see only the current session.
type Scope int

const (
	CurrentSessionOnly Scope = iota
	AllSessions
)

func (s Scope) String() string {
	switch s {
	case CurrentSessionOnly:
		return "current"
	case AllSessions:
		return "all"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// ParseScope accepts "current" or "all".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "current", "":
		return CurrentSessionOnly, nil
	case "all":
		return AllSessions, nil
	}
	return 0, fmt.Errorf("unknown session scope %q", s)
}

// Store is the part of the entry store the registry needs.
type Store interface {
	RecordSession(ctx context.Context, info storage.SessionInfo) error
	Sessions(ctx context.Context) ([]storage.SessionInfo, error)
	Query(ctx context.Context, p storage.Predicate, order storage.SortOrder, limit, offset int) ([]*storage.Entry, error)
}

// Registry holds the current session id and the active scope.
type Registry struct {
	store   Store
	current storage.SessionInfo

	mu    sync.RWMutex
	scope Scope
}

// NewLive starts a new session for a running application. The id is
// generated once and recorded in the store's session ledger.
func NewLive(ctx context.Context, store Store, now func() time.Time) (*Registry, error) {
	info, err := start(ctx, store, now)
	if err != nil {
		return nil, err
	}
	return &Registry{store: store, current: info, scope: CurrentSessionOnly}, nil
}

// Load attaches to a store written by another process. The current session
// is the most recently recorded one, or failing that the session of the
// newest entry. A store holding neither gets a freshly recorded session.
// Scope defaults to AllSessions.
func Load(ctx context.Context, store Store, now func() time.Time) (*Registry, error) {
	r := &Registry{store: store, scope: AllSessions}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		r.current = sessions[0]
		return r, nil
	}

	newest, err := store.Query(ctx, storage.All, storage.Descending, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(newest) > 0 {
		r.current = storage.SessionInfo{ID: newest[0].Session, StartedAt: newest[0].CreatedAt}
		return r, nil
	}

	if r.current, err = start(ctx, store, now); err != nil {
		return nil, err
	}
	return r, nil
}

func start(ctx context.Context, store Store, now func() time.Time) (storage.SessionInfo, error) {
	if now == nil {
		now = time.Now
	}
	info := storage.SessionInfo{ID: uuid.NewString(), StartedAt: now()}
	if err := store.RecordSession(ctx, info); err != nil {
		return info, fmt.Errorf("record session: %w", err)
	}
	return info, nil
}

// Current returns the current session id.
func (r *Registry) Current() string {
	return r.current.ID
}

// StartedAt returns when the current session began.
func (r *Registry) StartedAt() time.Time {
	return r.current.StartedAt
}

func (r *Registry) Scope() Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scope
}

func (r *Registry) SetScope(s Scope) {
	r.mu.Lock()
	r.scope = s
	r.mu.Unlock()
}

// Filter returns the session restriction for queries under the active
// scope, nil when every session is visible.
func (r *Registry) Filter() []string {
	if r.Scope() == AllSessions || r.current.ID == "" {
		return nil
	}
	return []string{r.current.ID}
}

// Sessions lists the recorded sessions, most recent first.
func (r *Registry) Sessions(ctx context.Context) ([]storage.SessionInfo, error) {
	return r.store.Sessions(ctx)
}
