// Package radix implements the in-memory compressed trie that indexes
// entities by key.
//
// Every edge carries a string segment; chains of single-child nodes are kept
// merged, so after any sequence of inserts and removes a node without a value
// has at least two children (the root is the only exception).
//
// A Tree is not safe for concurrent mutation. Callers coordinate with a
// sync.RWMutex: any number of Get/GetByPrefix/Scan calls may run under a read
// lock, while Set/Remove/Clear need the write lock. Each mutation completes
// its structural change before returning, so a reader never observes a
// half-split node once the writer releases the lock.
package radix

import (
	"slices"
	"strings"

	"github.com/aalhour/prefixdb/internal/mempool"
)

// DefaultScanCapacity is the initial capacity of a prefix scan buffer.
const DefaultScanCapacity = 64

// scanGrowth is the factor applied when a scan buffer overflows.
const scanGrowth = 4

type node[V any] struct {
	segment  string
	children []*node[V]
	// parent is a non-owning back-reference used only to walk upward when
	// merging after a remove.
	parent   *node[V]
	value    V
	hasValue bool
}

type entry[V any] struct {
	key   string
	value V
}

// Tree maps string keys to values of type V.
type Tree[V any] struct {
	root    node[V]
	size    int
	buffers *mempool.Pool[[]entry[V]]
}

// New returns an empty tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{
		buffers: mempool.NewPool(mempool.DefaultCapacity, func() *[]entry[V] {
			buf := make([]entry[V], 0, DefaultScanCapacity)
			return &buf
		}, func(b *[]entry[V]) {
			clear(*b)
			*b = (*b)[:0]
		}),
	}
}

// Len returns the number of keys holding a value.
func (t *Tree[V]) Len() int {
	return t.size
}

// Clear removes every key.
func (t *Tree[V]) Clear() {
	t.root = node[V]{}
	t.size = 0
}

// Get returns the value stored under key. Only an exact match of the full key
// ending on a node boundary counts as a hit.
func (t *Tree[V]) Get(key string) (V, bool) {
	if n := t.find(key); n != nil && n.hasValue {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites the value stored under key.
// It reports whether key was newly added.
func (t *Tree[V]) Set(key string, value V) bool {
	n := &t.root
	rest := key
	for {
		if rest == "" {
			added := !n.hasValue
			if added {
				t.size++
			}
			n.value, n.hasValue = value, true
			return added
		}

		child := n.child(rest[0])
		if child == nil {
			n.children = append(n.children, &node[V]{
				segment:  rest,
				parent:   n,
				value:    value,
				hasValue: true,
			})
			t.size++
			return true
		}

		l := commonPrefix(rest, child.segment)
		if l < len(child.segment) {
			child.split(l)
		}
		rest = rest[l:]
		n = child
	}
}

// Remove deletes key and re-compresses the path above it.
// It reports whether a value was removed.
func (t *Tree[V]) Remove(key string) bool {
	n := t.find(key)
	if n == nil || !n.hasValue {
		return false
	}
	var zero V
	n.value, n.hasValue = zero, false
	t.size--

	for n != &t.root {
		p := n.parent
		switch {
		case n.hasValue:
			return true
		case len(n.children) == 0:
			p.removeChild(n)
			n = p
			continue
		case len(n.children) == 1:
			n.absorbOnlyChild()
		}
		return true
	}
	return true
}

// GetByPrefix returns every value whose key starts with prefix. When sorted is
// true the result is ordered by key bytes; otherwise it follows tree order.
func (t *Tree[V]) GetByPrefix(prefix string, sorted bool) []V {
	bufp := t.buffers.Get()
	defer t.buffers.Put(bufp)

	n, path := t.locate(prefix)
	if n == nil {
		return nil
	}
	buf := collect(*bufp, n, path, sorted)
	*bufp = buf

	if sorted {
		slices.SortFunc(buf, func(a, b entry[V]) int {
			return strings.Compare(a.key, b.key)
		})
	}

	out := make([]V, len(buf))
	for i := range buf {
		out[i] = buf[i].value
	}
	return out
}

// Scan calls fn for every key with the given prefix in tree order until fn
// returns false.
func (t *Tree[V]) Scan(prefix string, fn func(key string, value V) bool) {
	n, path := t.locate(prefix)
	if n == nil {
		return
	}
	walk(n, path, fn)
}

func walk[V any](n *node[V], path string, fn func(string, V) bool) bool {
	if n.hasValue && !fn(path, n.value) {
		return false
	}
	for _, c := range n.children {
		if !walk(c, path+c.segment, fn) {
			return false
		}
	}
	return true
}

// collect appends the subtree rooted at n in pre-order. Keys are only
// materialized when the caller needs to sort.
func collect[V any](buf []entry[V], n *node[V], path string, withKeys bool) []entry[V] {
	if n.hasValue {
		if len(buf) == cap(buf) {
			grown := make([]entry[V], len(buf), max(cap(buf)*scanGrowth, DefaultScanCapacity))
			copy(grown, buf)
			buf = grown
		}
		e := entry[V]{value: n.value}
		if withKeys {
			e.key = path
		}
		buf = append(buf, e)
	}
	for _, c := range n.children {
		childPath := ""
		if withKeys {
			childPath = path + c.segment
		}
		buf = collect(buf, c, childPath, withKeys)
	}
	return buf
}

// locate finds the highest node whose subtree holds exactly the keys starting
// with prefix, together with that node's full key.
func (t *Tree[V]) locate(prefix string) (*node[V], string) {
	n := &t.root
	rest := prefix
	path := ""
	for rest != "" {
		child := n.child(rest[0])
		if child == nil {
			return nil, ""
		}
		l := commonPrefix(rest, child.segment)
		if l == len(rest) {
			return child, path + child.segment
		}
		if l < len(child.segment) {
			return nil, ""
		}
		path += child.segment
		rest = rest[l:]
		n = child
	}
	return n, path
}

func (t *Tree[V]) find(key string) *node[V] {
	n := &t.root
	rest := key
	for rest != "" {
		child := n.child(rest[0])
		if child == nil {
			return nil
		}
		l := commonPrefix(rest, child.segment)
		if l < len(child.segment) {
			return nil
		}
		rest = rest[l:]
		n = child
	}
	return n
}

// child returns the child whose segment starts with b. Siblings never share
// a first byte, so there is at most one.
func (n *node[V]) child(b byte) *node[V] {
	for _, c := range n.children {
		if c.segment[0] == b {
			return c
		}
	}
	return nil
}

// split keeps segment[:at] on n and moves the remainder, together with n's
// value and children, into a new single child.
func (n *node[V]) split(at int) {
	tail := &node[V]{
		segment:  n.segment[at:],
		children: n.children,
		parent:   n,
		value:    n.value,
		hasValue: n.hasValue,
	}
	for _, c := range tail.children {
		c.parent = tail
	}
	var zero V
	n.segment = n.segment[:at]
	n.children = []*node[V]{tail}
	n.value, n.hasValue = zero, false
}

// absorbOnlyChild splices the single child onto n.
func (n *node[V]) absorbOnlyChild() {
	c := n.children[0]
	n.segment += c.segment
	n.value, n.hasValue = c.value, c.hasValue
	n.children = c.children
	for _, gc := range n.children {
		gc.parent = n
	}
	c.parent, c.children = nil, nil
}

func (n *node[V]) removeChild(c *node[V]) {
	i := slices.Index(n.children, c)
	if i < 0 {
		return
	}
	if len(n.children) == 1 {
		n.children = nil
	} else {
		n.children = slices.Delete(n.children, i, i+1)
	}
	c.parent = nil
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
