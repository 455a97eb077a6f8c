// Package rectable implements the store record table: a hash table mapping a
// store.Handle to the in-memory object rehydrated from that record. Recovery
// keeps one table per record type which later passes must look up by handle.
//
// Tables are sized by a coarse capacity class and never resize. A table may
// optionally be guarded by a read/write lock. In embedded-key mode, values
// carry their own key and chain pointer (by embedding Link) so that no
// per-entry node is allocated, which matters for very large tables.
package rectable

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/txnengine/store"
)

// Errors returned by Table.
var (
	ErrDuplicateKey = errors.New("rectable: duplicate key")
	ErrDestroyed    = errors.New("rectable: table destroyed")
	ErrNotLinked    = errors.New("rectable: value does not embed rectable.Link")
	ErrLinkInUse    = errors.New("rectable: link already belongs to a table")
)

// Capacity is a coarse expected-cardinality class of a Table.
type Capacity int

const (
	Hundreds Capacity = iota
	Thousands
	TensOfThousands
	HundredsOfThousands
)

// Buckets returns the fixed bucket count of the Capacity class.
func (c Capacity) Buckets() int {
	switch c {
	case Hundreds:
		return 127
	case Thousands:
		return 1021
	case TensOfThousands:
		return 16381
	case HundredsOfThousands:
		return 131071
	}
	panic(fmt.Sprintf("invalid capacity class %d", c))
}

func (c Capacity) String() string {
	switch c {
	case Hundreds:
		return "hundreds"
	case Thousands:
		return "thousands"
	case TensOfThousands:
		return "tens-of-thousands"
	case HundredsOfThousands:
		return "hundreds-of-thousands"
	}
	return fmt.Sprintf("Capacity(%d)", int(c))
}

// Options of a Table.
type Options struct {
	Capacity Capacity
	// Concurrent guards the Table with a read/write lock. Tables used only
	// by single-threaded recovery leave this unset.
	Concurrent bool
	// EmbeddedKey requires that values implement Linked.
	EmbeddedKey bool
}

// Link is embedded by values of embedded-key Tables. It holds the value's
// key and its bucket chain pointer.
type Link struct {
	key   store.Handle
	next  Linked
	owned bool
}

// Key returns the Handle under which the value is stored, or NullHandle.
func (l *Link) Key() store.Handle { return l.key }

func (l *Link) link() *Link { return l }

// Linked is implemented by types which embed Link.
type Linked interface {
	link() *Link
}

type node[V any] struct {
	key   store.Handle
	value V
	next  *node[V]
}

// Table maps a store.Handle to a value V.
type Table[V any] struct {
	opts      Options
	mu        sync.RWMutex
	nodes     []*node[V]
	linked    []Linked
	len       int
	destroyed bool
}

// New returns a Table of the given Options.
func New[V any](opts Options) *Table[V] {
	var t = &Table[V]{opts: opts}
	if opts.EmbeddedKey {
		t.linked = make([]Linked, opts.Capacity.Buckets())
	} else {
		t.nodes = make([]*node[V], opts.Capacity.Buckets())
	}
	return t
}

func (t *Table[V]) lock() {
	if t.opts.Concurrent {
		t.mu.Lock()
	}
}

func (t *Table[V]) unlock() {
	if t.opts.Concurrent {
		t.mu.Unlock()
	}
}

func (t *Table[V]) rlock() {
	if t.opts.Concurrent {
		t.mu.RLock()
	}
}

func (t *Table[V]) runlock() {
	if t.opts.Concurrent {
		t.mu.RUnlock()
	}
}

func (t *Table[V]) bucket(h store.Handle) int {
	// Fibonacci hashing spreads the generation bits over the offset bits.
	var x = uint64(h) * 0x9E3779B97F4A7C15
	return int((x ^ x>>29) % uint64(t.opts.Capacity.Buckets()))
}

// Put |value| under |h|. It fails with ErrDuplicateKey if |h| is present.
func (t *Table[V]) Put(h store.Handle, value V) error {
	t.lock()
	defer t.unlock()

	if t.destroyed {
		return ErrDestroyed
	}
	var b = t.bucket(h)

	if t.opts.EmbeddedKey {
		var lv, ok = any(value).(Linked)
		if !ok {
			return ErrNotLinked
		}
		for cur := t.linked[b]; cur != nil; cur = cur.link().next {
			if cur.link().key == h {
				return ErrDuplicateKey
			}
		}
		var l = lv.link()
		if l.owned {
			return ErrLinkInUse
		}
		l.key, l.next, l.owned = h, t.linked[b], true
		t.linked[b] = lv
	} else {
		for cur := t.nodes[b]; cur != nil; cur = cur.next {
			if cur.key == h {
				return ErrDuplicateKey
			}
		}
		t.nodes[b] = &node[V]{key: h, value: value, next: t.nodes[b]}
	}
	t.len++
	return nil
}

// Get the value stored under |h|.
func (t *Table[V]) Get(h store.Handle) (V, bool) {
	t.rlock()
	defer t.runlock()

	var zero V
	if t.destroyed {
		return zero, false
	}
	var b = t.bucket(h)

	if t.opts.EmbeddedKey {
		for cur := t.linked[b]; cur != nil; cur = cur.link().next {
			if cur.link().key == h {
				return cur.(V), true
			}
		}
	} else {
		for cur := t.nodes[b]; cur != nil; cur = cur.next {
			if cur.key == h {
				return cur.value, true
			}
		}
	}
	return zero, false
}

// Remove the value stored under |h|, returning whether it was present.
func (t *Table[V]) Remove(h store.Handle) bool {
	t.lock()
	defer t.unlock()

	if t.destroyed {
		return false
	}
	var b = t.bucket(h)

	if t.opts.EmbeddedKey {
		var prev Linked
		for cur := t.linked[b]; cur != nil; prev, cur = cur, cur.link().next {
			var l = cur.link()
			if l.key != h {
				continue
			}
			if prev == nil {
				t.linked[b] = l.next
			} else {
				prev.link().next = l.next
			}
			*l = Link{}
			t.len--
			return true
		}
	} else {
		for p := &t.nodes[b]; *p != nil; p = &(*p).next {
			if (*p).key == h {
				*p = (*p).next
				t.len--
				return true
			}
		}
	}
	return false
}

// Range invokes |fn| with each entry of the Table, in no particular order,
// stopping at and returning the first non-nil error. A non-Concurrent Table
// permits |fn| to Remove the entry it's visiting.
func (t *Table[V]) Range(fn func(store.Handle, V) error) error {
	t.rlock()
	defer t.runlock()

	if t.destroyed {
		return ErrDestroyed
	}
	if t.opts.EmbeddedKey {
		for b := range t.linked {
			for cur := t.linked[b]; cur != nil; {
				var l = cur.link()
				var key, next = l.key, l.next
				if err := fn(key, cur.(V)); err != nil {
					return err
				}
				cur = next
			}
		}
	} else {
		for b := range t.nodes {
			for cur := t.nodes[b]; cur != nil; {
				var next = cur.next
				if err := fn(cur.key, cur.value); err != nil {
					return err
				}
				cur = next
			}
		}
	}
	return nil
}

// Len returns the number of entries of the Table.
func (t *Table[V]) Len() int {
	t.rlock()
	defer t.runlock()
	return t.len
}

// Destroy releases the Table. Embedded links are reset so their values may
// be placed in another Table. Further Puts fail with ErrDestroyed.
func (t *Table[V]) Destroy() {
	t.lock()
	defer t.unlock()

	for b := range t.linked {
		for cur := t.linked[b]; cur != nil; {
			var l = cur.link()
			cur = l.next
			*l = Link{}
		}
	}
	t.nodes, t.linked, t.len, t.destroyed = nil, nil, 0, true
}
