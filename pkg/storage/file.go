package storage

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/trusch/testforeman/pkg/config"
)

const (
	fileNodesPrefix  = "nodes/"
	fileClaimsPrefix = "claims/"
)

// NewFileStorage keeps the ownership table in a LevelDB database. Whatever was
// stored at the path before is removed: ownership never outlives the server.
func NewFileStorage(cfg config.StorageConfig) (Storage, error) {
	fileCfg, err := cfg.GetFileConfig()
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(fileCfg.File); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(fileCfg.File, nil)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("file", fileCfg.File).Msg("opened file storage")
	return &fileStorage{db: db}, nil
}

type fileStorage struct {
	db *leveldb.DB
}

func (s *fileStorage) EnsureNode(ctx context.Context, node string) error {
	key := []byte(fileNodesPrefix + node)
	ok, err := s.db.Has(key, nil)
	if err != nil || ok {
		return err
	}
	return s.db.Put(key, nil, nil)
}

func (s *fileStorage) ClaimItem(ctx context.Context, node, item string) (bool, error) {
	key := []byte(fileClaimsPrefix + item)
	taken, err := s.db.Has(key, nil)
	if err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(fileNodesPrefix+node), nil)
	batch.Put(key, []byte(node))
	err = s.db.Write(batch, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Snapshot(ctx context.Context) (map[string][]string, error) {
	res := make(map[string][]string)

	nodes := s.db.NewIterator(util.BytesPrefix([]byte(fileNodesPrefix)), nil)
	for nodes.Next() {
		node := strings.TrimPrefix(string(nodes.Key()), fileNodesPrefix)
		res[node] = []string{}
	}
	nodes.Release()
	if err := nodes.Error(); err != nil {
		return nil, err
	}

	claims := s.db.NewIterator(util.BytesPrefix([]byte(fileClaimsPrefix)), nil)
	defer claims.Release()
	for claims.Next() {
		item := strings.TrimPrefix(string(claims.Key()), fileClaimsPrefix)
		node := string(claims.Value())
		res[node] = append(res[node], item)
	}
	return res, claims.Error()
}

func (s *fileStorage) RemoveItems(ctx context.Context, node string, items []string) error {
	batch := new(leveldb.Batch)
	for _, item := range items {
		key := []byte(fileClaimsPrefix + item)
		owner, err := s.db.Get(key, nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if string(owner) == node {
			batch.Delete(key)
		}
	}
	return s.db.Write(batch, nil)
}

func (s *fileStorage) RemoveNode(ctx context.Context, node string) (bool, error) {
	nodeKey := []byte(fileNodesPrefix + node)
	ok, err := s.db.Has(nodeKey, nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(nodeKey)

	claims := s.db.NewIterator(util.BytesPrefix([]byte(fileClaimsPrefix)), nil)
	for claims.Next() {
		if string(claims.Value()) == node {
			batch.Delete(append([]byte(nil), claims.Key()...))
		}
	}
	claims.Release()
	if err := claims.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return s.db.Close()
}
