// Package hooks holds the per-VM tables that route trapped port I/O, MSR,
// CPUID and hypercall exits to their handlers.
//
// Every table is a B-tree published through an atomic pointer. Writers
// serialize on a mutex and replace the tree with a modified clone, so the
// exit path reads without locking.
package hooks

import (
	"cmp"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tinyrange/vmm/internal/hv"
)

const treeDegree = 8

type item[K cmp.Ordered, V any] struct {
	key K
	val V
}

type table[K cmp.Ordered, V any] struct {
	kind string

	mu   sync.Mutex
	tree atomic.Pointer[btree.BTreeG[item[K, V]]]
}

func newTable[K cmp.Ordered, V any](kind string) *table[K, V] {
	t := &table[K, V]{kind: kind}
	t.tree.Store(btree.NewG(treeDegree, func(a, b item[K, V]) bool { return a.key < b.key }))
	return t
}

func (t *table[K, V]) get(key K) (V, bool) {
	it, ok := t.tree.Load().Get(item[K, V]{key: key})
	return it.val, ok
}

func (t *table[K, V]) insert(key K, val V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.tree.Load()
	if cur.Has(item[K, V]{key: key}) {
		return fmt.Errorf("hooks: %s 0x%x: %w", t.kind, key, hv.ErrAlreadyHooked)
	}
	next := cur.Clone()
	next.ReplaceOrInsert(item[K, V]{key: key, val: val})
	t.tree.Store(next)
	return nil
}

func (t *table[K, V]) remove(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.tree.Load()
	next := cur.Clone()
	old, ok := next.Delete(item[K, V]{key: key})
	if !ok {
		var zero V
		return zero, fmt.Errorf("hooks: %s 0x%x: %w", t.kind, key, hv.ErrNotHooked)
	}
	t.tree.Store(next)
	return old.val, nil
}

// update replaces the value at key with fn's result under the writer lock.
func (t *table[K, V]) update(key K, fn func(old V, exists bool) (V, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.tree.Load()
	old, exists := cur.Get(item[K, V]{key: key})
	val, err := fn(old.val, exists)
	if err != nil {
		return err
	}
	next := cur.Clone()
	next.ReplaceOrInsert(item[K, V]{key: key, val: val})
	t.tree.Store(next)
	return nil
}

func (t *table[K, V]) keys() []K {
	tree := t.tree.Load()
	out := make([]K, 0, tree.Len())
	tree.Ascend(func(it item[K, V]) bool {
		out = append(out, it.key)
		return true
	})
	return out
}

func (t *table[K, V]) count() int { return t.tree.Load().Len() }
