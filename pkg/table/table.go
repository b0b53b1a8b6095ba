// Package table implements the ownership table: which node has claimed
// which items.
//
// A Table serializes every operation with its own mutex, so it is safe to
// share between connection goroutines. Claim is a check-and-set under that
// lock.
package table

import (
	"context"
	"sort"
	"sync"

	"github.com/trusch/testforeman/pkg/glob"
	"github.com/trusch/testforeman/pkg/storage"
)

// MatchAll is the pattern matching every node and item.
const MatchAll = "*"

type NodeItems struct {
	Node  string
	Items []string
}

type NodeCount struct {
	Node   string
	Claims int
}

type Table struct {
	mutex sync.Mutex
	store storage.Storage
}

func New(store storage.Storage) *Table {
	return &Table{store: store}
}

// Claim records item under node iff no node holds it yet. The node entry is
// created even when the claim is refused.
func (t *Table) Claim(ctx context.Context, node, item string) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err := t.store.EnsureNode(ctx, node); err != nil {
		return false, err
	}
	return t.store.ClaimItem(ctx, node, item)
}

// List returns, per node matching nodePattern, the items matching
// itemPattern. Nodes without a matching item are left out.
func (t *Table) List(ctx context.Context, itemPattern, nodePattern string) ([]NodeItems, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	snap, err := t.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var res []NodeItems
	for _, node := range sortedNodes(snap) {
		ok, err := glob.Match(nodePattern, node)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		items, err := glob.Filter(snap[node], itemPattern)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			res = append(res, NodeItems{Node: node, Items: items})
		}
	}
	return res, nil
}

// Clear drops every claimed item matching itemPattern and returns how many
// were dropped.
func (t *Table) Clear(ctx context.Context, itemPattern string) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	snap, err := t.store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, node := range sortedNodes(snap) {
		items, err := glob.Filter(snap[node], itemPattern)
		if err != nil {
			return removed, err
		}
		if len(items) == 0 {
			continue
		}
		if err := t.store.RemoveItems(ctx, node, items); err != nil {
			return removed, err
		}
		removed += len(items)
	}
	return removed, nil
}

// RemoveNode deletes node and releases all of its claims.
func (t *Table) RemoveNode(ctx context.Context, node string) (bool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.store.RemoveNode(ctx, node)
}

func (t *Table) ListNodes(ctx context.Context) ([]NodeCount, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	snap, err := t.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]NodeCount, 0, len(snap))
	for _, node := range sortedNodes(snap) {
		res = append(res, NodeCount{Node: node, Claims: len(snap[node])})
	}
	return res, nil
}

func sortedNodes(snap map[string][]string) []string {
	nodes := make([]string, 0, len(snap))
	for node := range snap {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}
