// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package chainmap is a Go implementation of a separately chained hash table.
// See https://en.wikipedia.org/wiki/Hash_table#Separate_chaining.
//
// # Layout
//
// A Map is an array of N buckets where N is a power of 2. Each bucket is
// either empty or holds the head of a singly linked chain of entries. Every
// entry caches hash(key) so that chain walks can reject most candidates
// without calling the equality function, and so that growing the table does
// not need to rehash any key.
//
// The bucket for a key is hash(key) & (N-1). The mask only distributes keys
// over every bucket when N is a power of 2. New does not round the requested
// capacity, so passing anything else is valid but wastes buckets.
//
// Lookup walks the chain of the key's bucket comparing the cached hash first
// and then the key. Insertion of a new key appends to the tail of the chain
// so the chain keeps insertion order. Deletion splices the matching entry
// out of its chain, leaving the remaining entries in place and in order.
//
// # Growth
//
// Before every Put the map checks len/N against the load factor (0.75 by
// default). When the ratio is at or above the load factor the bucket array is
// doubled and every entry is relinked into its bucket in the new array. The
// check uses the length before the insertion, so a map with 4 buckets and the
// default load factor grows immediately before its 4th insertion. The map
// never shrinks; Clear keeps the current bucket array.
//
// # Keys
//
// By default keys are hashed with hash/maphash and compared with ==. A custom
// hash function and equality relation may be supplied with WithHash and
// WithEqual. The requirements on them are the user's responsibility:
//   - equal(a, b) => hash(a) == hash(b)
//   - equal(a, a) must be true for all values of a. Be careful around NaN
//     float values.
//   - Modifying data referenced by a key in a way that changes its hash or
//     equality while it is in the map results in undefined behavior.
//
// When K is an interface type the nil key is a valid key. It always hashes to
// 0, equals only itself, and is never passed to a custom equality function.
package chainmap

import (
	"fmt"
	"hash/maphash"
	"math/rand/v2"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// DefaultCapacity is the number of buckets a map is normally created with.
	DefaultCapacity = 16
	// DefaultLoadFactor is the ratio of entries to buckets at which a map
	// grows unless WithLoadFactor specifies otherwise.
	DefaultLoadFactor = 0.75
)

// ErrInvalidArgument is returned (wrapped) by New and Init when the capacity
// is negative or the load factor is not positive.
var ErrInvalidArgument = errors.New("invalid argument")

// Entry is a single key/value association in a bucket chain. An Entry belongs
// to exactly one chain of exactly one Map.
type Entry[K comparable, V any] struct {
	key   K
	value V
	hash  uintptr
	next  *Entry[K, V]
	// removed is set once the entry has been unlinked from the map. An
	// iterator that already holds the entry skips it and follows next.
	removed bool
}

// Key returns the key of the entry.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the value of the entry.
func (e *Entry[K, V]) Value() V {
	return e.value
}

// Map is an unordered map from keys to values with Put, Get, Remove, and All
// operations, implemented as an array of buckets each heading a chain of
// entries. By default, a Map[K,V] hashes keys using hash/maphash, though a
// different hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function to each keys of type K.
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The key equality relation. If nil, == is used.
	equal      func(a, b K) bool
	valueEqual func(a, b V) bool
	// The allocator to use for the buckets slice.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// buckets holds the head of each chain. Its length is the capacity of
	// the map; a length of 0 means no bucket array has been allocated yet.
	buckets    []*Entry[K, V]
	loadFactor float64
	// The number of entries reachable from buckets.
	used int
}

var hashSeed = maphash.MakeSeed()

func defaultHash[K comparable](key *K, seed uintptr) uintptr {
	return uintptr(maphash.Comparable(hashSeed, *key)) ^ seed
}

// New constructs a new Map with the specified initial number of buckets. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. An error wrapping ErrInvalidArgument is returned
// if initialCapacity is negative or the configured load factor is not
// positive. Callers should use a power of 2, such as DefaultCapacity. The
// zero value for a Map is not usable until Init is called.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{}
	if err := m.Init(initialCapacity, options...); err != nil {
		return nil, err
	}
	return m, nil
}

// Init initializes a Map with the specified initial capacity. Init can be
// invoked on a Map that has already been initialized, discarding its
// contents. On error the Map is left zeroed and unusable.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) error {
	*m = Map[K, V]{
		hash:       defaultHash[K],
		seed:       uintptr(rand.Uint64()),
		valueEqual: func(a, b V) bool { return reflect.DeepEqual(a, b) },
		allocator:  defaultAllocator[K, V]{},
		logger:     zap.NewNop(),
		loadFactor: DefaultLoadFactor,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity < 0 {
		*m = Map[K, V]{}
		return errors.Wrapf(ErrInvalidArgument, "capacity %d", initialCapacity)
	}
	// NB: written as a negation so that NaN is rejected.
	if !(m.loadFactor > 0) {
		lf := m.loadFactor
		*m = Map[K, V]{}
		return errors.Wrapf(ErrInvalidArgument, "load factor %v", lf)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	if initialCapacity > 0 {
		m.buckets = m.allocator.Alloc(initialCapacity)
	}
	m.checkInvariants()
	return nil
}

// Close closes the map, releasing the bucket array back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.buckets != nil {
		clear(m.buckets)
		m.allocator.Free(m.buckets)
		m.buckets = nil
	}
	m.used = 0
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. The previous value is returned
// with replaced=true when an existing entry was overwritten.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	// Before performing the insertion we may decide the table is getting
	// overcrowded. The check uses the length before this insertion and is
	// made even if the key turns out to be present.
	if m.overloaded() {
		m.resize(m.grownCapacity())
	}

	h := m.hashKey(&key)
	i := m.bucketIndex(h)
	if debug {
		fmt.Printf("put(%v): hash=%x index=%d\n", key, h, i)
	}

	e := m.buckets[i]
	if e == nil {
		m.buckets[i] = &Entry[K, V]{key: key, value: value, hash: h}
		m.used++
		if debug {
			fmt.Printf("put(inserting-head): index=%d used=%d\n", i, m.used)
		}
		m.checkInvariants()
		return prev, false
	}

	for {
		if m.matches(e, h, key) {
			if debug {
				fmt.Printf("put(updating): index=%d key=%v\n", i, key)
			}
			prev, e.value = e.value, value
			return prev, true
		}
		if e.next == nil {
			break
		}
		e = e.next
	}

	e.next = &Entry[K, V]{key: key, value: value, hash: h}
	m.used++
	if debug {
		fmt.Printf("put(appending): index=%d used=%d\n", i, m.used)
	}
	m.checkInvariants()
	return prev, false
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if e := m.find(key); e != nil {
		return e.value, true
	}
	return value, false
}

// ContainsKey returns true if the map holds an entry for key.
func (m *Map[K, V]) ContainsKey(key K) bool {
	return m.find(key) != nil
}

// ContainsValue returns true if some entry in the map holds a value equal to
// value. It scans every entry.
func (m *Map[K, V]) ContainsValue(value V) bool {
	for _, e := range m.buckets {
		for ; e != nil; e = e.next {
			if m.valueEqual(e.value, value) {
				return true
			}
		}
	}
	return false
}

// Remove removes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to remove a non-existent key, in which
// case ok=false.
func (m *Map[K, V]) Remove(key K) (value V, ok bool) {
	if len(m.buckets) == 0 {
		return value, false
	}

	h := m.hashKey(&key)
	i := m.bucketIndex(h)
	if debug {
		fmt.Printf("remove(%v): hash=%x index=%d\n", key, h, i)
	}

	head := m.buckets[i]
	if head == nil {
		return value, false
	}
	if m.matches(head, h, key) {
		m.buckets[i] = head.next
		return m.unlinked(head), true
	}

	for prev, cur := head, head.next; cur != nil; prev, cur = cur, cur.next {
		if m.matches(cur, h, key) {
			prev.next = cur.next
			return m.unlinked(cur), true
		}
	}

	if debug {
		fmt.Printf("remove(not-found): index=%d\n", i)
	}
	return value, false
}

// unlinked accounts for an entry that has been spliced out of its chain and
// returns its value. The entry keeps its next pointer so that an iteration
// positioned on it can continue along the chain.
func (m *Map[K, V]) unlinked(e *Entry[K, V]) V {
	value := e.value
	e.release()
	m.used--
	if debug {
		fmt.Printf("remove(unlinked): used=%d\n", m.used)
	}
	m.checkInvariants()
	return value
}

// PutAll puts every entry of other into m, exactly as if Put had been called
// for each of them. A nil other is treated as an empty map.
func (m *Map[K, V]) PutAll(other *Map[K, V]) {
	if other == nil || other == m {
		return
	}
	for _, e := range other.buckets {
		for ; e != nil; e = e.next {
			m.Put(e.key, e.value)
		}
	}
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity of the map is unchanged.
func (m *Map[K, V]) Clear() {
	for _, e := range m.buckets {
		for ; e != nil; e = e.next {
			e.release()
		}
	}
	clear(m.buckets)
	m.logger.Debug("clear", zap.Int("len", m.used), zap.Int("capacity", len(m.buckets)))
	m.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// IsEmpty returns true if the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.used == 0
}

// Capacity returns the number of buckets in the map.
func (m *Map[K, V]) Capacity() int {
	return len(m.buckets)
}

// LoadFactor returns the ratio of entries to buckets at which the map grows.
func (m *Map[K, V]) LoadFactor() float64 {
	return m.loadFactor
}

// String returns a dump of every bucket and its chain. It is intended for
// debugging.
func (m *Map[K, V]) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  load-factor=%v\n", len(m.buckets), m.used, m.loadFactor)
	for i, e := range m.buckets {
		if e == nil {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", i)
		for ; e != nil; e = e.next {
			fmt.Fprintf(&buf, " %v=%v [hash=%x]", e.key, e.value, e.hash)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// release marks an unlinked entry as removed and drops its key and value.
func (e *Entry[K, V]) release() {
	var key K
	var value V
	e.key, e.value, e.removed = key, value, true
}

// find returns the entry for key, or nil if there is none.
func (m *Map[K, V]) find(key K) *Entry[K, V] {
	if len(m.buckets) == 0 {
		return nil
	}

	h := m.hashKey(&key)
	i := m.bucketIndex(h)
	if debug {
		fmt.Printf("find(%v): hash=%x index=%d\n", key, h, i)
	}

	for e := m.buckets[i]; e != nil; e = e.next {
		if debug {
			fmt.Printf("find(checking): index=%d key=%v hash=%x\n", i, e.key, e.hash)
		}
		if m.matches(e, h, key) {
			return e
		}
	}
	return nil
}

// matches returns true if e holds key, whose hash is h.
func (m *Map[K, V]) matches(e *Entry[K, V], h uintptr, key K) bool {
	if e.hash != h {
		return false
	}
	if kn, en := isNil(key), isNil(e.key); kn || en {
		return kn && en
	}
	if m.equal != nil {
		return m.equal(key, e.key)
	}
	return key == e.key
}

// isNil returns true if key is the nil interface value. It is always false
// when K is not an interface type.
func isNil[K comparable](key K) bool {
	return any(key) == nil
}

func (m *Map[K, V]) hashKey(key *K) uintptr {
	if isNil(*key) {
		return 0
	}
	return m.hash(key, m.seed)
}

// bucketIndex returns the index of the bucket for hash value h. The map must
// have a non-empty bucket array.
func (m *Map[K, V]) bucketIndex(h uintptr) uintptr {
	return h & uintptr(len(m.buckets)-1)
}

func (m *Map[K, V]) overloaded() bool {
	if len(m.buckets) == 0 {
		return true
	}
	return float64(m.used)/float64(len(m.buckets)) >= m.loadFactor
}

func (m *Map[K, V]) grownCapacity() int {
	if len(m.buckets) == 0 {
		return 1
	}
	return 2 * len(m.buckets)
}

// resize replaces the bucket array with one of newCapacity buckets and links
// every entry into its bucket in the new array (we know that no two entries
// share a key so no equality checks are needed), and discards the old
// backing array.
func (m *Map[K, V]) resize(newCapacity int) {
	oldBuckets := m.buckets
	m.buckets = m.allocator.Alloc(newCapacity)

	m.logger.Debug("resize",
		zap.Int("old-capacity", len(oldBuckets)),
		zap.Int("new-capacity", newCapacity),
		zap.Int("len", m.used))
	if debug {
		fmt.Printf("resize: capacity=%d->%d  used=%d\n", len(oldBuckets), newCapacity, m.used)
	}

	for _, e := range oldBuckets {
		for e != nil {
			next := e.next
			e.next = nil
			m.uncheckedLink(e)
			e = next
		}
	}

	if oldBuckets != nil {
		clear(oldBuckets)
		m.allocator.Free(oldBuckets)
	}

	m.checkInvariants()
}

// uncheckedLink appends an entry known not to be in the table to the tail of
// its chain. The entry must not be linked into any chain.
func (m *Map[K, V]) uncheckedLink(e *Entry[K, V]) {
	i := m.bucketIndex(e.hash)
	tail := m.buckets[i]
	if tail == nil {
		m.buckets[i] = e
		return
	}
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = e
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		var used int
		for i, e := range m.buckets {
			for ; e != nil; e = e.next {
				if e.removed {
					panic(fmt.Sprintf("invariant failed: removed entry reachable from bucket %d\n%s", i, m))
				}
				if h := m.hashKey(&e.key); h != e.hash {
					panic(fmt.Sprintf("invariant failed: %v: cached hash %x != %x\n%s", e.key, e.hash, h, m))
				}
				if j := m.bucketIndex(e.hash); j != uintptr(i) {
					panic(fmt.Sprintf("invariant failed: %v: found in bucket %d, but belongs in %d\n%s", e.key, i, j, m))
				}
				for o := e.next; o != nil; o = o.next {
					if m.matches(o, e.hash, e.key) {
						panic(fmt.Sprintf("invariant failed: %v: duplicate key in bucket %d\n%s", e.key, i, m))
					}
				}
				used++
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d entries, but used count is %d\n%s", used, m.used, m))
		}
	}
}
