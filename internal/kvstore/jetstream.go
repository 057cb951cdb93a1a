package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
)

// Map is the minimal jetstream.KeyValue contract the JetStreamStore depends
// on, kept narrow so tests can supply an in-memory double without a running
// NATS server.
type Map interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, last uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
	History(ctx context.Context, key string, opts ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error)
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// JetStreamStore persists KV entries in a NATS JetStream key-value bucket.
// It is safe for concurrent use: jetstream.KeyValue implementations are.
type JetStreamStore struct {
	bucket       string
	kv           Map
	ttlSupported bool
}

// Compile-time check that JetStreamStore implements Store.
var _ Store = (*JetStreamStore)(nil)

// OpenJetStreamStore opens (creating if absent) the named KV bucket with the
// given default TTL. If the underlying stream cannot be created with TTL
// enabled, it is recreated without TTL and ErrKVTTLNotSupported is returned
// alongside a usable store whose entries then never expire on their own.
func OpenJetStreamStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, description string) (*JetStreamStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		TTL:         ttl,
	})
	if err == nil {
		return &JetStreamStore{bucket: bucket, kv: kv, ttlSupported: true}, nil
	}

	kv, fallbackErr := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
	})
	if fallbackErr != nil {
		return nil, fmt.Errorf("kvstore: open bucket %q: %w (ttl attempt: %v)", bucket, fallbackErr, err)
	}
	return &JetStreamStore{bucket: bucket, kv: kv, ttlSupported: false}, sdkerrors.ErrKVTTLNotSupported
}

// Get retrieves the current value and revision for key.
func (s *JetStreamStore) Get(ctx context.Context, key string) (Entry, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, sdkerrors.ErrNotFound
		}
		return Entry{}, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return Entry{Key: key, Value: e.Value(), Revision: e.Revision(), Op: opFromJetStream(e.Operation())}, nil
}

// Put writes value to key according to opts. opts.TTL is not applied: every
// key shares the bucket-wide TTL.
func (s *JetStreamStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) (uint64, error) {
	switch {
	case opts.CreateOnly:
		rev, err := s.kv.Create(ctx, key, value)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return 0, sdkerrors.ErrAlreadyExists
			}
			return 0, fmt.Errorf("kvstore: create %q: %w", key, err)
		}
		return rev, nil
	case opts.Revision != 0:
		rev, err := s.kv.Update(ctx, key, value, opts.Revision)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				current, getErr := s.Get(ctx, key)
				currentRev := opts.Revision
				if getErr == nil {
					currentRev = current.Revision
				}
				return 0, &sdkerrors.RevisionMismatchError{Key: key, Expected: opts.Revision, Current: currentRev}
			}
			return 0, fmt.Errorf("kvstore: update %q: %w", key, err)
		}
		return rev, nil
	case opts.UpdateOnly:
		current, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		rev, err := s.kv.Update(ctx, key, value, current.Revision)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return 0, &sdkerrors.RevisionMismatchError{Key: key, Expected: current.Revision, Current: current.Revision}
			}
			return 0, fmt.Errorf("kvstore: update %q: %w", key, err)
		}
		return rev, nil
	default:
		rev, err := s.kv.Put(ctx, key, value)
		if err != nil {
			return 0, fmt.Errorf("kvstore: put %q: %w", key, err)
		}
		return rev, nil
	}
}

// Delete removes key, optionally CAS-guarded by revision. Returns false,
// without error, if the key was already absent.
func (s *JetStreamStore) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	var opts []jetstream.KVDeleteOpt
	if revision != 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}
	if err := s.kv.Delete(ctx, key, opts...); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, &sdkerrors.RevisionMismatchError{Key: key, Expected: revision}
		}
		return false, fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return true, nil
}

// Keys lists all live keys, optionally restricted to those matching prefix.
func (s *JetStreamStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	filter := prefix
	if filter == "" {
		filter = jetstream.AllKeys
	} else {
		filter = strings.TrimSuffix(prefix, ".") + ".>"
	}
	keys, err := s.kv.Keys(ctx, jetstream.WithKeysFilter(filter))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kvstore: keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Watch streams changes to keys matching prefix until ctx is canceled.
func (s *JetStreamStore) Watch(ctx context.Context, prefix string) (<-chan Entry, error) {
	filter := prefix
	if filter == "" {
		filter = jetstream.AllKeys
	} else {
		filter = strings.TrimSuffix(prefix, ".") + ".>"
	}
	watcher, err := s.kv.Watch(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("kvstore: watch %q: %w", prefix, err)
	}

	out := make(chan Entry)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if e == nil {
					// nil marks "caught up to current state"; no entry to emit.
					continue
				}
				select {
				case out <- Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Op: opFromJetStream(e.Operation())}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// History returns up to limit most recent revisions of key, newest first.
func (s *JetStreamStore) History(ctx context.Context, key string, limit int) ([]Entry, error) {
	entries, err := s.kv.History(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, sdkerrors.ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: history %q: %w", key, err)
	}
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		out = append(out, Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Op: opFromJetStream(e.Operation())})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Status reports whether this bucket was opened with its bucket-wide TTL.
func (s *JetStreamStore) Status(context.Context) (Status, error) {
	return Status{Bucket: s.bucket, TTLSupported: s.ttlSupported}, nil
}

func opFromJetStream(op jetstream.KeyValueOp) WatchOp {
	switch op {
	case jetstream.KeyValueDelete:
		return OpDelete
	case jetstream.KeyValuePurge:
		return OpPurge
	default:
		return OpPut
	}
}
