package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trusch/testforeman/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func etcdTestClient(t *testing.T) *clientv3.Client {
	endpoint := os.Getenv("TEST_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_ETCD_ENDPOINT is not set")
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: []string{endpoint}, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func backends(t *testing.T) map[string]func(t *testing.T) Storage {
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"file": func(t *testing.T) Storage {
			store, err := NewFileStorage(config.StorageConfig{
				Type:   config.StorageTypeFile,
				Config: map[string]interface{}{"file": filepath.Join(t.TempDir(), "db")},
			})
			require.NoError(t, err)
			return store
		},
		"etcd": func(t *testing.T) Storage {
			cli := etcdTestClient(t)
			prefix := "/testforeman-test/" + t.Name()
			_, err := cli.Delete(context.Background(), prefix, clientv3.WithPrefix())
			require.NoError(t, err)
			store, err := newEtcdStorage(context.Background(), cli, prefix, 10)
			require.NoError(t, err)
			return store
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Storage)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer func() {
				assert.NoError(t, store.Close())
			}()
			fn(t, store)
		})
	}
}

func TestClaimIsExclusive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		ok, err := store.ClaimItem(ctx, "a:1", "t1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ClaimItem(ctx, "b:2", "t1")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.ClaimItem(ctx, "a:1", "t1")
		require.NoError(t, err)
		assert.False(t, ok, "re-claiming an owned item is refused too")

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"a:1": {"t1"}}, snap)
	})
}

func TestEnsureNodeCreatesEmptyEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		require.NoError(t, store.EnsureNode(ctx, "a:1"))
		require.NoError(t, store.EnsureNode(ctx, "a:1"))

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"a:1": {}}, snap)
	})
}

func TestSnapshotIsSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		for _, item := range []string{"t3", "t1", "t2"} {
			_, err := store.ClaimItem(ctx, "a:1", item)
			require.NoError(t, err)
		}
		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, snap["a:1"])
	})
}

func TestRemoveItems(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		for _, item := range []string{"t1", "t2", "t3"} {
			_, err := store.ClaimItem(ctx, "a:1", item)
			require.NoError(t, err)
		}
		_, err := store.ClaimItem(ctx, "b:2", "t4")
		require.NoError(t, err)

		// t4 belongs to someone else and stays
		require.NoError(t, store.RemoveItems(ctx, "a:1", []string{"t1", "t3", "t4"}))

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"a:1": {"t2"}, "b:2": {"t4"}}, snap)

		ok, err := store.ClaimItem(ctx, "b:2", "t1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRemoveNode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		_, err := store.ClaimItem(ctx, "a:1", "t1")
		require.NoError(t, err)

		ok, err := store.RemoveNode(ctx, "a:1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.RemoveNode(ctx, "a:1")
		require.NoError(t, err)
		assert.False(t, ok)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, snap)

		ok, err = store.ClaimItem(ctx, "b:2", "t1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestItemsWithSlashes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Storage) {
		ctx := context.Background()
		item := "tests/unit/test_x.py::TestA::test_b[../x]"
		ok, err := store.ClaimItem(ctx, "a:1", item)
		require.NoError(t, err)
		assert.True(t, ok)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{item}, snap["a:1"])
	})
}

func TestFileStorageStartsEmpty(t *testing.T) {
	cfg := config.StorageConfig{
		Type:   config.StorageTypeFile,
		Config: map[string]interface{}{"file": filepath.Join(t.TempDir(), "db")},
	}
	store, err := NewFileStorage(cfg)
	require.NoError(t, err)
	_, err = store.ClaimItem(context.Background(), "a:1", "t1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewFileStorage(cfg)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestEtcdLeaseLossIsReported(t *testing.T) {
	cli := etcdTestClient(t)
	ctx := context.Background()
	store, err := newEtcdStorage(ctx, cli, "/testforeman-test/"+t.Name(), 10)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ClaimItem(ctx, "a:1", "t1")
	require.NoError(t, err)
	select {
	case <-store.Expired():
		t.Fatal("lease reported lost while alive")
	default:
	}

	_, err = cli.Revoke(ctx, store.lease)
	require.NoError(t, err)
	select {
	case <-store.Expired():
	case <-time.After(15 * time.Second):
		t.Fatal("lost lease was not reported")
	}
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}
