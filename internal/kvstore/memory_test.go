package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/aegis-sdk/aegis-sdk/pkg/errors"
)

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore("service_registry")
	_, err := s.Get(context.Background(), "orders.instance-1")
	assert.ErrorIs(t, err, sdkerrors.ErrNotFound)
}

func TestMemoryStorePutAndGet(t *testing.T) {
	s := NewMemoryStore("service_registry")
	rev, err := s.Put(context.Background(), "orders.instance-1", []byte("payload"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	e, err := s.Get(context.Background(), "orders.instance-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), e.Value)
	assert.Equal(t, uint64(1), e.Revision)
}

func TestMemoryStoreCreateOnlyRejectsExisting(t *testing.T) {
	s := NewMemoryStore("election_orders")
	ctx := context.Background()

	_, err := s.Put(ctx, "leader", []byte("instance-a"), PutOptions{CreateOnly: true})
	require.NoError(t, err)

	_, err = s.Put(ctx, "leader", []byte("instance-b"), PutOptions{CreateOnly: true})
	assert.ErrorIs(t, err, sdkerrors.ErrAlreadyExists)
}

func TestMemoryStoreRevisionGuardedUpdate(t *testing.T) {
	s := NewMemoryStore("election_orders")
	ctx := context.Background()

	rev, err := s.Put(ctx, "leader", []byte("v1"), PutOptions{})
	require.NoError(t, err)

	_, err = s.Put(ctx, "leader", []byte("v2"), PutOptions{Revision: rev})
	require.NoError(t, err)

	_, err = s.Put(ctx, "leader", []byte("v3-stale"), PutOptions{Revision: rev})
	var mismatch *sdkerrors.RevisionMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, rev, mismatch.Expected)
}

func TestMemoryStoreRevisionGuardedUpdateOnMissingKey(t *testing.T) {
	s := NewMemoryStore("election_orders")
	_, err := s.Put(context.Background(), "leader", []byte("v1"), PutOptions{Revision: 5})
	var mismatch *sdkerrors.RevisionMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore("election_orders")
	ctx := context.Background()

	_, err := s.Put(ctx, "leader", []byte("instance-a"), PutOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = s.Get(ctx, "leader")
	assert.ErrorIs(t, err, sdkerrors.ErrNotFound)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore("service_registry")
	ctx := context.Background()
	ok, err := s.Delete(ctx, "absent", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(ctx, "orders.instance-1", []byte("x"), PutOptions{})
	require.NoError(t, err)
	ok, err = s.Delete(ctx, "orders.instance-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "orders.instance-1")
	assert.ErrorIs(t, err, sdkerrors.ErrNotFound)
}

func TestMemoryStoreDeleteRevisionGuarded(t *testing.T) {
	s := NewMemoryStore("election_orders")
	ctx := context.Background()

	rev, err := s.Put(ctx, "leader", []byte("v1"), PutOptions{})
	require.NoError(t, err)

	_, err = s.Delete(ctx, "leader", rev+1)
	var mismatch *sdkerrors.RevisionMismatchError
	assert.True(t, errors.As(err, &mismatch))

	ok, err := s.Delete(ctx, "leader", rev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreKeysFiltersByPrefixAndExpiry(t *testing.T) {
	s := NewMemoryStore("service_registry")
	ctx := context.Background()

	_, err := s.Put(ctx, "orders.instance-1", []byte("a"), PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "orders.instance-2", []byte("b"), PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "billing.instance-1", []byte("c"), PutOptions{})
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "orders.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders.instance-1", "orders.instance-2"}, keys)
}

func TestMemoryStoreHistoryAccumulates(t *testing.T) {
	s := NewMemoryStore("election_orders")
	ctx := context.Background()

	_, err := s.Put(ctx, "leader", []byte("v1"), PutOptions{})
	require.NoError(t, err)
	rev, err := s.Put(ctx, "leader", []byte("v2"), PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "leader", []byte("v3"), PutOptions{Revision: rev})
	require.NoError(t, err)

	hist, err := s.History(ctx, "leader", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
	assert.Equal(t, []byte("v3"), hist[0].Value, "History is newest-first")

	limited, err := s.History(ctx, "leader", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, []byte("v3"), limited[0].Value)
	assert.Equal(t, []byte("v2"), limited[1].Value)
}

func TestMemoryStoreWatchDeliversPutAndDelete(t *testing.T) {
	s := NewMemoryStore("service_registry")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "orders.")
	require.NoError(t, err)

	_, err = s.Put(ctx, "orders.instance-1", []byte("a"), PutOptions{})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, OpPut, e.Op)
		assert.Equal(t, "orders.instance-1", e.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for put notification")
	}

	_, err = s.Delete(ctx, "orders.instance-1", 0)
	require.NoError(t, err)
	select {
	case e := <-ch:
		assert.Equal(t, OpDelete, e.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete notification")
	}
}

func TestMemoryStoreStatusReportsTTLSupported(t *testing.T) {
	s := NewMemoryStore("service_registry")
	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.TTLSupported)
	assert.Equal(t, "service_registry", status.Bucket)
}

func TestWatchOpString(t *testing.T) {
	assert.Equal(t, "PUT", OpPut.String())
	assert.Equal(t, "DELETE", OpDelete.String())
	assert.Equal(t, "PURGE", OpPurge.String())
}
