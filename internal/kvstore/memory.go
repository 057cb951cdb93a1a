package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
)

// MemoryStore is an in-memory Store implementation used by unit tests and by
// callers that want registry/election behavior without a NATS server. It
// supports create-only and revision-guarded writes, per-key TTL expiry, and
// Watch, matching the semantics JetStreamStore provides in production.
type MemoryStore struct {
	mu       sync.Mutex
	bucket   string
	entries  map[string]*memoryEntry
	nextRev  uint64
	watchers map[int]*memoryWatcher
	nextSub  int
}

type memoryEntry struct {
	value    []byte
	revision uint64
	expireAt time.Time // zero means no TTL
	history  []Entry
}

type memoryWatcher struct {
	prefix string
	ch     chan Entry
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store for the given bucket
// name.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:   bucket,
		entries:  make(map[string]*memoryEntry),
		watchers: make(map[int]*memoryWatcher),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return Entry{}, sdkerrors.ErrNotFound
	}
	return Entry{Key: key, Value: e.value, Revision: e.revision, Op: OpPut}, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, opts PutOptions) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, live := s.liveLocked(key)

	if opts.CreateOnly && live {
		return 0, sdkerrors.ErrAlreadyExists
	}
	if opts.UpdateOnly && !live {
		return 0, sdkerrors.ErrNotFound
	}
	if opts.Revision != 0 {
		if !live {
			return 0, &sdkerrors.RevisionMismatchError{Key: key, Expected: opts.Revision, Current: 0}
		}
		if existing.revision != opts.Revision {
			return 0, &sdkerrors.RevisionMismatchError{Key: key, Expected: opts.Revision, Current: existing.revision}
		}
	}
	// UpdateOnly with no explicit revision CASes against the current
	// revision implicitly: holding s.mu across the liveness check and the
	// write below makes that atomic without recording existing.revision.

	s.nextRev++
	rev := s.nextRev
	var expireAt time.Time
	if opts.TTL > 0 {
		expireAt = time.Now().Add(opts.TTL)
	}
	entry := &memoryEntry{value: append([]byte(nil), value...), revision: rev, expireAt: expireAt}
	if old, ok := s.entries[key]; ok {
		entry.history = append(old.history, Entry{Key: key, Value: entry.value, Revision: rev, Op: OpPut})
	} else {
		entry.history = []Entry{{Key: key, Value: entry.value, Revision: rev, Op: OpPut}}
	}
	s.entries[key] = entry
	s.notifyLocked(Entry{Key: key, Value: entry.value, Revision: rev, Op: OpPut})
	return rev, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string, revision uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return false, nil
	}
	if revision != 0 && e.revision != revision {
		return false, &sdkerrors.RevisionMismatchError{Key: key, Expected: revision, Current: e.revision}
	}
	delete(s.entries, key)
	s.notifyLocked(Entry{Key: key, Op: OpDelete})
	return true, nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, e := range s.entries {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan Entry, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Entry, 16)
	s.watchers[id] = &memoryWatcher{prefix: prefix, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) History(_ context.Context, key string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, sdkerrors.ErrNotFound
	}
	out := make([]Entry, len(e.history))
	for i, h := range e.history {
		out[len(e.history)-1-i] = h
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Status(context.Context) (Status, error) {
	return Status{Bucket: s.bucket, TTLSupported: true}, nil
}

// liveLocked returns the entry for key if present and not TTL-expired,
// reaping it lazily otherwise. Caller must hold s.mu.
func (s *MemoryStore) liveLocked(key string) (*memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// notifyLocked fans an entry out to every watcher whose prefix matches.
// Caller must hold s.mu. Sends are non-blocking: a slow watcher misses
// updates rather than stalling writers, matching at-most-once delivery
// semantics elsewhere in the bus.
func (s *MemoryStore) notifyLocked(e Entry) {
	for _, w := range s.watchers {
		if w.prefix != "" && !strings.HasPrefix(e.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- e:
		default:
		}
	}
}
