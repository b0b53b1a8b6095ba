package storage

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/trusch/testforeman/pkg/concurrency"
	"github.com/trusch/testforeman/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
)

// NewEtcdStorage shares the ownership table between every foreman instance
// pointing at the same etcd prefix. All keys are bound to a lease of this
// instance, so they are dropped once it stops.
func NewEtcdStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	etcdCfg, err := cfg.GetEtcdConfig()
	if err != nil {
		return nil, err
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdCfg.Endpoints,
		DialTimeout: time.Duration(etcdCfg.DialTimeout),
	})
	if err != nil {
		return nil, err
	}
	store, err := newEtcdStorage(ctx, cli, etcdCfg.Prefix, etcdCfg.LeaseTTL)
	if err != nil {
		return nil, multierr.Append(err, cli.Close())
	}
	store.ownsClient = true
	return store, nil
}

func newEtcdStorage(ctx context.Context, cli *clientv3.Client, prefix string, ttl int64) (*etcdStorage, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, err
	}
	keepAliveCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	expired := make(chan struct{})
	go func() {
		for {
			select {
			case <-keepAliveCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					if keepAliveCtx.Err() != nil {
						return
					}
					// every key bound to the lease is gone with it
					log.Error().Int64("lease", int64(lease.ID)).Msg("etcd lease expired")
					close(expired)
					return
				}
			}
		}
	}()
	locks, err := concurrency.NewEtcdClient(cli, lease.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return &etcdStorage{
		client:  cli,
		prefix:  prefix,
		lease:   lease.ID,
		locks:   locks,
		cancel:  cancel,
		expired: expired,
	}, nil
}

type etcdStorage struct {
	client     *clientv3.Client
	prefix     string
	lease      clientv3.LeaseID
	locks      concurrency.Client
	cancel     context.CancelFunc
	expired    chan struct{}
	ownsClient bool
}

func (s *etcdStorage) Expired() <-chan struct{} {
	return s.expired
}

func (s *etcdStorage) nodeKey(node string) string {
	return s.prefix + "/nodes/" + node
}

func (s *etcdStorage) claimKey(item string) string {
	return s.prefix + "/claims/" + item
}

func (s *etcdStorage) lock(ctx context.Context) (func(), error) {
	return s.locks.Lock(ctx, s.prefix+"/lock")
}

func (s *etcdStorage) EnsureNode(ctx context.Context, node string) error {
	key := s.nodeKey(node)
	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(s.lease))).
		Commit()
	return err
}

func (s *etcdStorage) ClaimItem(ctx context.Context, node, item string) (bool, error) {
	key := s.claimKey(item)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, node, clientv3.WithLease(s.lease)),
			clientv3.OpPut(s.nodeKey(node), "", clientv3.WithLease(s.lease)),
		).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *etcdStorage) Snapshot(ctx context.Context) (map[string][]string, error) {
	// one range read, so nodes and claims come from the same revision
	resp, err := s.client.Get(ctx, s.prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	nodesPrefix := s.nodeKey("")
	claimsPrefix := s.claimKey("")
	res := make(map[string][]string)
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		switch {
		case strings.HasPrefix(key, nodesPrefix):
			node := strings.TrimPrefix(key, nodesPrefix)
			if _, ok := res[node]; !ok {
				res[node] = []string{}
			}
		case strings.HasPrefix(key, claimsPrefix):
			node := string(kv.Value)
			res[node] = append(res[node], strings.TrimPrefix(key, claimsPrefix))
		}
	}
	return res, nil
}

func (s *etcdStorage) RemoveItems(ctx context.Context, node string, items []string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, item := range items {
		key := s.claimKey(item)
		_, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(key), "=", node)).
			Then(clientv3.OpDelete(key)).
			Commit()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *etcdStorage) RemoveNode(ctx context.Context, node string) (bool, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	resp, err := s.client.Delete(ctx, s.nodeKey(node))
	if err != nil {
		return false, err
	}
	if resp.Deleted == 0 {
		return false, nil
	}
	claims, err := s.client.Get(ctx, s.claimKey(""), clientv3.WithPrefix())
	if err != nil {
		return true, err
	}
	for _, kv := range claims.Kvs {
		if string(kv.Value) != node {
			continue
		}
		_, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *etcdStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.locks.Close()
	s.cancel()
	_, revokeErr := s.client.Revoke(ctx, s.lease)
	err = multierr.Append(err, revokeErr)
	if s.ownsClient {
		err = multierr.Append(err, s.client.Close())
	}
	return err
}
