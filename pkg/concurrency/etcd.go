package concurrency

import (
	"context"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// NewEtcdClient builds a lock client on top of an existing lease. The lease is
// owned (and kept alive) by the caller, so locks vanish with the process.
func NewEtcdClient(cli *clientv3.Client, lease clientv3.LeaseID) (Client, error) {
	session, err := concurrency.NewSession(cli, concurrency.WithLease(lease))
	if err != nil {
		return nil, err
	}
	return &etcdClient{
		cli:     cli,
		session: session,
	}, nil
}

type etcdClient struct {
	cli     *clientv3.Client
	session *concurrency.Session
}

func (c *etcdClient) Lock(ctx context.Context, key string) (func(), error) {
	mutex := concurrency.NewMutex(c.session, key)
	err := mutex.Lock(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := mutex.Unlock(c.cli.Ctx()); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}, nil
}

func (c *etcdClient) Close() error {
	// the lease belongs to the caller; just stop the session's keepalive
	c.session.Orphan()
	return nil
}
