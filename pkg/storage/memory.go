package storage

import (
	"context"
	"sort"
)

func NewMemoryStorage() Storage {
	return &memoryStorage{
		nodes:  make(map[string]map[string]struct{}),
		owners: make(map[string]string),
	}
}

type memoryStorage struct {
	nodes  map[string]map[string]struct{}
	owners map[string]string
}

func (s *memoryStorage) EnsureNode(ctx context.Context, node string) error {
	if _, ok := s.nodes[node]; !ok {
		s.nodes[node] = make(map[string]struct{})
	}
	return nil
}

func (s *memoryStorage) ClaimItem(ctx context.Context, node, item string) (bool, error) {
	if _, taken := s.owners[item]; taken {
		return false, nil
	}
	if err := s.EnsureNode(ctx, node); err != nil {
		return false, err
	}
	s.nodes[node][item] = struct{}{}
	s.owners[item] = node
	return true, nil
}

func (s *memoryStorage) Snapshot(ctx context.Context) (map[string][]string, error) {
	res := make(map[string][]string, len(s.nodes))
	for node, items := range s.nodes {
		list := make([]string, 0, len(items))
		for item := range items {
			list = append(list, item)
		}
		sort.Strings(list)
		res[node] = list
	}
	return res, nil
}

func (s *memoryStorage) RemoveItems(ctx context.Context, node string, items []string) error {
	set, ok := s.nodes[node]
	if !ok {
		return ErrNotFound
	}
	for _, item := range items {
		if _, ok := set[item]; !ok {
			continue
		}
		delete(set, item)
		delete(s.owners, item)
	}
	return nil
}

func (s *memoryStorage) RemoveNode(ctx context.Context, node string) (bool, error) {
	set, ok := s.nodes[node]
	if !ok {
		return false, nil
	}
	for item := range set {
		delete(s.owners, item)
	}
	delete(s.nodes, node)
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}
