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

// package fibmap is a Go implementation of an open-addressing hash map using
// Fibonacci hashing, linear probing and backward-shift deletion. See also:
// https://probablydance.com/2018/06/16/fibonacci-hashing-the-optimization-that-the-world-forgot-or-a-better-alternative-to-integer-modulo/
// and https://codecapsule.com/2013/11/17/robin-hood-hashing-backward-shift-deletion/.
//
// # Layout
//
// A table is three parallel arrays of the same power-of-two length: keys,
// values and one control byte per slot. A control byte of ctrlEmpty (0x80)
// marks an empty slot. An occupied slot stores 7 bits of the key's hash in
// its control byte so that most mismatching keys are rejected without
// calling the key equality function. Go has no nil for arbitrary comparable
// keys, so the control bytes rather than the keys record occupancy.
//
// # Placement
//
// The ideal slot of a key is hash(key)*0x9E3779B97F4A7C15 >> shift, where
// shift is the number of leading zeros of mask = length-1. Taking the top
// bits of the product rather than the low bits of the hash means that hash
// functions with poor low bits (pointers, multiples of a power of two) are
// still spread across the whole table.
//
// # Probing
//
// Lookups walk forward from the ideal slot, wrapping at the end of the
// table, until they find the key or an empty slot. This is correct because
// of the probe invariant: no empty slot ever separates a key from its ideal
// slot. Insertion places a new key in the first empty slot of that walk,
// which preserves the invariant trivially. The table doubles as soon as the
// number of entries reaches length*loadFactor, which keeps at least one slot
// empty and so bounds every probe.
//
// # Deletion
//
// Deleting with tombstones would leave markers that lookups have to skip
// and that only a rehash can reclaim. Instead the slot is emptied and the
// run of occupied slots that follows it is repaired: each following key
// whose ideal slot does not lie between the hole and the key's current slot
// is shifted back into the hole, and the hole moves to where that key came
// from. The repair stops at the first empty slot. See removeAt.
//
// # Keys
//
// Map compares keys with == and hashes them with the runtime's hash for
// comparable types (hash/maphash). IdentityMap compares *K keys by address.
// Both share the table implementation and differ only in their keyPolicy.
package fibmap

import (
	"fmt"
	"iter"
	"math"
	"math/bits"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// DefaultLoadFactor is the load factor used when WithLoadFactor is not
	// supplied.
	DefaultLoadFactor = 0.8
	// DefaultInitialCapacity yields a table of 64 slots with a growth
	// threshold of 51 at the default load factor. The table grows when the
	// 51st entry is inserted.
	DefaultInitialCapacity = 51

	// maxTableSize bounds the number of slots in a table.
	maxTableSize = 1 << 30

	ctrlEmpty ctrl = 0b10000000
)

// Each slot in the table has a control byte which is either ctrlEmpty or,
// for an occupied slot, 7 bits of the premultiplied hash of its key:
//
//	empty: 1 0 0 0 0 0 0 0
//	 full: 0 h h h h h h h
type ctrl uint8

// table is the open-addressing hash table shared by Map and IdentityMap.
// A table is NOT goroutine-safe.
type table[K any, V any] struct {
	policy     keyPolicy[K]
	valueEqual func(a, b V) bool
	// The allocator to use for the ctrls, keys and values slices.
	allocator Allocator[K, V]
	logger    *zap.Logger

	// ctrls, keys and values are index aligned. values[i] and keys[i] are
	// only meaningful when ctrls[i] != ctrlEmpty.
	ctrls  []ctrl
	keys   []K
	values []V
	// The number of occupied slots.
	size       int
	loadFactor float64
	// The table grows once size reaches threshold = len(keys)*loadFactor.
	threshold int
	// mask is len(keys)-1 and wraps probe indexes.
	mask int
	// shift is the number of leading zeros of mask in a 64-bit word and
	// selects the top bits of a premultiplied hash.
	shift uint

	allocatingIterators bool
	iters               iteratorPool[K, V]
}

// configure installs the defaults and applies options. It must be followed
// by allocate.
func (t *table[K, V]) configure(policy keyPolicy[K], options []option[K, V]) {
	*t = table[K, V]{
		policy:     policy,
		valueEqual: defaultValueEqual[V](),
		allocator:  defaultAllocator[K, V]{},
		logger:     zap.NewNop(),
		loadFactor: DefaultLoadFactor,
	}
	for _, op := range options {
		op.apply(t)
	}
	if !(t.loadFactor > 0 && t.loadFactor < 1) {
		panic(invalidArgumentf("load factor must be > 0 and < 1: %v", t.loadFactor))
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
}

func (t *table[K, V]) allocate(initialCapacity int) {
	t.resize(tableSize(initialCapacity, t.loadFactor))
	t.checkInvariants()
}

// tableSize returns the smallest power of two length that holds capacity
// entries at the given load factor.
func tableSize(capacity int, loadFactor float64) int {
	if capacity < 0 {
		panic(invalidArgumentf("capacity must be >= 0: %d", capacity))
	}
	n := math.Ceil(float64(capacity) / loadFactor)
	if n > maxTableSize {
		panic(invalidArgumentf("the required capacity is too large: %d", capacity))
	}
	size := max(2, int(n))
	return 1 << bits.Len(uint(size-1))
}

// Map is an unordered map from keys to values with Put, Get and Remove
// operations, built on open addressing with Fibonacci hashing and
// backward-shift deletion. Keys are compared with == and hashed with the
// same hash function as Go's builtin map[K]V, though a different hash
// function can be specified using the WithHash option. Nil keys (of pointer,
// channel or interface key types) are rejected.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	table[K, V]
}

// New constructs a new Map whose table is the smallest power of two that
// holds initialCapacity entries at the load factor. The table grows as soon as
// the number of entries reaches its threshold, so inserting exactly
// initialCapacity entries may grow it once; EnsureCapacity guarantees no
// growth. The zero value for a Map is not usable; see Init.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map with the specified initial capacity, discarding any
// previous contents. Init is an alternative to New that allows a Map to be
// initialized in place.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	m.configure(comparablePolicy[K](), options)
	m.allocate(initialCapacity)
}

// Equal reports whether m and other contain the same keys mapped to equal
// values, using the value equality configured for m.
func (m *Map[K, V]) Equal(other *Map[K, V]) bool {
	return m.equalFunc(&other.table, m.valueEqual)
}

// EqualFunc is like Equal, but compares values using eq.
func (m *Map[K, V]) EqualFunc(other *Map[K, V], eq func(a, b V) bool) bool {
	return m.equalFunc(&other.table, eq)
}

// PutAll puts every entry of other into m.
func (m *Map[K, V]) PutAll(other *Map[K, V]) {
	m.putAll(&other.table)
}

// Clone returns a copy of m with the same options and capacity.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{}
	m.cloneInto(&c.table)
	return c
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a map after it has been closed, though Close itself is
// idempotent.
func (t *table[K, V]) Close() {
	if t.keys != nil {
		t.allocator.FreeKeys(t.keys)
		t.allocator.FreeValues(t.values)
		t.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls))
	}
	t.ctrls, t.keys, t.values = nil, nil, nil
	t.size = 0
	t.iters = iteratorPool[K, V]{}
}

func (t *table[K, V]) checkKey(key K, op string) {
	if t.policy.isNil != nil && t.policy.isNil(key) {
		panic(invalidArgumentf("%s: key cannot be nil", op))
	}
}

// locate returns the slot holding key and found=true, or the empty slot
// where key would be inserted and found=false. c is the control byte for
// key.
func (t *table[K, V]) locate(key K) (i int, c ctrl, found bool) {
	hm := t.policy.hash(key) * fibMultiplier
	c = h2(hm)
	for i = place(hm, t.shift); ; i = (i + 1) & t.mask {
		switch t.ctrls[i] {
		case ctrlEmpty:
			return i, c, false
		case c:
			if t.policy.equal(t.keys[i], key) {
				return i, c, true
			}
		}
	}
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. It returns the previous value and
// whether one existed.
func (t *table[K, V]) Put(key K, value V) (prev V, replaced bool) {
	t.checkKey(key, "put")
	i, c, found := t.locate(key)
	if found {
		prev = t.values[i]
		t.values[i] = value
		return prev, true
	}
	t.ctrls[i] = c
	t.keys[i] = key
	t.values[i] = value
	t.size++
	if t.size >= t.threshold {
		t.resize(len(t.keys) << 1)
	}
	t.checkInvariants()
	return prev, false
}

// putResize inserts a key known not to be in the table. Used while
// rehashing, where every key is distinct and no growth can occur.
func (t *table[K, V]) putResize(key K, value V) {
	hm := t.policy.hash(key) * fibMultiplier
	i := place(hm, t.shift)
	for t.ctrls[i] != ctrlEmpty {
		i = (i + 1) & t.mask
	}
	t.ctrls[i] = h2(hm)
	t.keys[i] = key
	t.values[i] = value
}

// putAll puts every entry of other into t, growing t at most once.
func (t *table[K, V]) putAll(other *table[K, V]) {
	t.EnsureCapacity(other.size)
	for i, c := range other.ctrls {
		if c != ctrlEmpty {
			t.Put(other.keys[i], other.values[i])
		}
	}
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (t *table[K, V]) Get(key K) (value V, ok bool) {
	t.checkKey(key, "get")
	i, _, found := t.locate(key)
	if !found {
		return value, false
	}
	return t.values[i], true
}

// GetOrDefault returns the value for key, or defaultValue if the key is not
// present.
func (t *table[K, V]) GetOrDefault(key K, defaultValue V) V {
	if v, ok := t.Get(key); ok {
		return v
	}
	return defaultValue
}

// ContainsKey reports whether key is present.
func (t *table[K, V]) ContainsKey(key K) bool {
	t.checkKey(key, "contains")
	_, _, found := t.locate(key)
	return found
}

// ContainsValue reports whether any key maps to value. If identity is true
// values are compared by reference, otherwise with the map's value equality.
// This is a linear scan.
func (t *table[K, V]) ContainsValue(value V, identity bool) bool {
	_, ok := t.FindKey(value, identity)
	return ok
}

// FindKey returns a key that maps to value, comparing values as described in
// ContainsValue. Which key is returned when several match is unspecified.
// This is a linear scan.
func (t *table[K, V]) FindKey(value V, identity bool) (key K, ok bool) {
	eq := t.valueEqual
	if identity {
		eq = identityEqual[V]()
	}
	for i, c := range t.ctrls {
		if c != ctrlEmpty && eq(t.values[i], value) {
			return t.keys[i], true
		}
	}
	return key, false
}

// Remove deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to remove a non-existent key.
func (t *table[K, V]) Remove(key K) (prev V, removed bool) {
	t.checkKey(key, "remove")
	i, _, found := t.locate(key)
	if !found {
		return prev, false
	}
	prev = t.values[i]
	t.removeAt(i, nil)
	t.checkInvariants()
	return prev, true
}

// removeAt empties slot i and restores the probe invariant by shifting back
// the keys that follow it. For every key moved, c.moved is called so that an
// iterator walking the table can adjust its position.
func (t *table[K, V]) removeAt(i int, c *cursor[K, V]) {
	mask := t.mask
	for next := (i + 1) & mask; t.ctrls[next] != ctrlEmpty; next = (next + 1) & mask {
		p := place(t.policy.hash(t.keys[next])*fibMultiplier, t.shift)
		// Move the key at next into the hole at i if i lies on its probe
		// path, i.e. i is closer to its ideal slot p than next is.
		if (next-p)&mask > (i-p)&mask {
			t.ctrls[i] = t.ctrls[next]
			t.keys[i] = t.keys[next]
			t.values[i] = t.values[next]
			if c != nil {
				c.moved(next, i)
			}
			i = next
		}
	}
	var (
		zeroKey   K
		zeroValue V
	)
	t.ctrls[i] = ctrlEmpty
	t.keys[i] = zeroKey
	t.values[i] = zeroValue
	t.size--
}

// Len returns the number of entries in the map.
func (t *table[K, V]) Len() int {
	return t.size
}

// IsEmpty reports whether the map has no entries.
func (t *table[K, V]) IsEmpty() bool {
	return t.size == 0
}

// NotEmpty reports whether the map has at least one entry.
func (t *table[K, V]) NotEmpty() bool {
	return t.size > 0
}

// capacity returns the number of slots in the table.
func (t *table[K, V]) capacity() int {
	return len(t.keys)
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is retained.
func (t *table[K, V]) Clear() {
	if t.size == 0 {
		return
	}
	t.size = 0
	for i := range t.ctrls {
		t.ctrls[i] = ctrlEmpty
	}
	clear(t.keys)
	clear(t.values)
	t.checkInvariants()
}

// ClearTo deletes all entries and, if the table is larger than needed to
// hold maxCapacity entries, shrinks it to that size.
func (t *table[K, V]) ClearTo(maxCapacity int) {
	n := tableSize(maxCapacity, t.loadFactor)
	if len(t.keys) <= n {
		t.Clear()
		return
	}
	t.size = 0
	t.resize(n)
	t.checkInvariants()
}

// Shrink reduces the table to the smallest size that holds maxCapacity
// entries, or the current number of entries if that is larger. Nothing is
// done if the table is already that small.
func (t *table[K, V]) Shrink(maxCapacity int) {
	if maxCapacity < 0 {
		panic(invalidArgumentf("maxCapacity must be >= 0: %d", maxCapacity))
	}
	n := tableSize(max(maxCapacity, t.size), t.loadFactor)
	if len(t.keys) > n {
		t.resize(n)
	}
	t.checkInvariants()
}

// EnsureCapacity grows the table, if necessary, so that additional new
// entries can be put without the table growing. Useful before bulk loads.
func (t *table[K, V]) EnsureCapacity(additional int) {
	if additional < 0 {
		panic(invalidArgumentf("additional capacity must be >= 0: %d", additional))
	}
	// Put grows once size reaches threshold, so the threshold must exceed
	// the final size.
	if need := t.size + additional; need >= t.threshold {
		t.resize(tableSize(need+1, t.loadFactor))
	}
	t.checkInvariants()
}

// resize reallocates the table with newSize slots and re-inserts every
// entry. newSize must be a power of two large enough to hold all entries.
func (t *table[K, V]) resize(newSize int) {
	oldCtrls, oldKeys, oldValues := t.ctrls, t.keys, t.values
	oldSize := len(oldKeys)

	t.threshold = int(float64(newSize) * t.loadFactor)
	t.mask = newSize - 1
	t.shift = uint(bits.LeadingZeros64(uint64(t.mask)))
	t.ctrls = unsafeConvertSlice[ctrl](t.allocator.AllocControls(newSize))
	for i := range t.ctrls {
		t.ctrls[i] = ctrlEmpty
	}
	t.keys = t.allocator.AllocKeys(newSize)
	t.values = t.allocator.AllocValues(newSize)

	if ce := t.logger.Check(zap.DebugLevel, "fibmap: resize"); ce != nil {
		ce.Write(
			zap.Int("old-length", oldSize),
			zap.Int("new-length", newSize),
			zap.Int("size", t.size),
			zap.Int("threshold", t.threshold))
	}

	if t.size > 0 {
		for i, c := range oldCtrls {
			if c != ctrlEmpty {
				t.putResize(oldKeys[i], oldValues[i])
			}
		}
	}

	if oldKeys != nil {
		t.allocator.FreeKeys(oldKeys)
		t.allocator.FreeValues(oldValues)
		t.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls))
	}
}

func (t *table[K, V]) cloneInto(c *table[K, V]) {
	*c = table[K, V]{
		policy:              t.policy,
		valueEqual:          t.valueEqual,
		allocator:           t.allocator,
		logger:              t.logger,
		size:                t.size,
		loadFactor:          t.loadFactor,
		threshold:           t.threshold,
		mask:                t.mask,
		shift:               t.shift,
		allocatingIterators: t.allocatingIterators,
	}
	n := len(t.keys)
	c.ctrls = unsafeConvertSlice[ctrl](c.allocator.AllocControls(n))
	c.keys = c.allocator.AllocKeys(n)
	c.values = c.allocator.AllocValues(n)
	copy(c.ctrls, t.ctrls)
	copy(c.keys, t.keys)
	copy(c.values, t.values)
}

// equalFunc reports whether both tables have the same size and every key of
// t is present in o with an equal value. A zero value stored in t only
// matches a key that is present in o; a missing key never matches.
func (t *table[K, V]) equalFunc(o *table[K, V], eq func(a, b V) bool) bool {
	if t == o {
		return true
	}
	if t.size != o.size {
		return false
	}
	for i, c := range t.ctrls {
		if c == ctrlEmpty {
			continue
		}
		j, _, found := o.locate(t.keys[i])
		if !found || !eq(t.values[i], o.values[j]) {
			return false
		}
	}
	return true
}

// Hash returns a hash of the map's keys that does not depend on iteration
// order or capacity. Maps for which Equal reports true have equal hashes
// provided they use the same hash function.
func (t *table[K, V]) Hash() uint64 {
	h := uint64(t.size)
	for i, c := range t.ctrls {
		if c != ctrlEmpty {
			h += t.policy.hash(t.keys[i]) * fibMultiplier
		}
	}
	return h
}

// String returns the entries formatted as {k1=v1, k2=v2}.
func (t *table[K, V]) String() string {
	if t.size == 0 {
		return "{}"
	}
	var buf strings.Builder
	buf.WriteByte('{')
	first := true
	for i, c := range t.ctrls {
		if c == ctrlEmpty {
			continue
		}
		if !first {
			buf.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&buf, "%v=%v", t.keys[i], t.values[i])
	}
	buf.WriteByte('}')
	return buf.String()
}

// All returns an iterator over the key and value of every entry. The map can
// be mutated during iteration, though there is no guarantee that the
// mutations will be visible to the iteration. Unlike Entries, All can be
// nested freely.
//
//	for k, v := range m.All() {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (t *table[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		// Snapshot the controls, keys and values so that iteration remains
		// valid if the map is resized during iteration.
		ctrls, keys, values := t.ctrls, t.keys, t.values
		for i, c := range ctrls {
			if c != ctrlEmpty && !yield(keys[i], values[i]) {
				return
			}
		}
	}
}

// AllKeys returns an iterator over every key. See All.
func (t *table[K, V]) AllKeys() iter.Seq[K] {
	return func(yield func(K) bool) {
		ctrls, keys := t.ctrls, t.keys
		for i, c := range ctrls {
			if c != ctrlEmpty && !yield(keys[i]) {
				return
			}
		}
	}
}

// AllValues returns an iterator over every value. See All.
func (t *table[K, V]) AllValues() iter.Seq[V] {
	return func(yield func(V) bool) {
		ctrls, values := t.ctrls, t.values
		for i, c := range ctrls {
			if c != ctrlEmpty && !yield(values[i]) {
				return
			}
		}
	}
}

func (t *table[K, V]) checkInvariants() {
	if invariants {
		if err := t.validate(); err != nil {
			panic(err)
		}
	}
}

// validate checks the structural invariants of the table: a power of two
// length, consistent mask and shift, an accurate size, at least one empty
// slot, unique keys, and the probe invariant.
func (t *table[K, V]) validate() error {
	n := len(t.keys)
	if n < 2 || n&(n-1) != 0 {
		return errors.AssertionFailedf("invariant failed: length %d is not a power of two >= 2", n)
	}
	if len(t.ctrls) != n || len(t.values) != n {
		return errors.AssertionFailedf("invariant failed: ctrls=%d keys=%d values=%d",
			len(t.ctrls), n, len(t.values))
	}
	if t.mask != n-1 || t.shift != uint(bits.LeadingZeros64(uint64(t.mask))) {
		return errors.AssertionFailedf("invariant failed: mask=%d shift=%d for length %d",
			t.mask, t.shift, n)
	}

	// For every occupied slot, verify that no empty slot lies between the
	// key's ideal slot and its actual slot, that no equal key precedes it,
	// and that its control byte matches its hash.
	var used int
	for i, c := range t.ctrls {
		if c == ctrlEmpty {
			continue
		}
		used++
		hm := t.policy.hash(t.keys[i]) * fibMultiplier
		if h2(hm) != c {
			return errors.AssertionFailedf("invariant failed: slot(%d): ctrl=%02x h2=%02x\n%s",
				i, c, h2(hm), t.debugString())
		}
		for j := place(hm, t.shift); j != i; j = (j + 1) & t.mask {
			if t.ctrls[j] == ctrlEmpty {
				return errors.AssertionFailedf("invariant failed: slot(%d): %v unreachable, gap at %d\n%s",
					i, t.keys[i], j, t.debugString())
			}
			if t.policy.equal(t.keys[j], t.keys[i]) {
				return errors.AssertionFailedf("invariant failed: slot(%d): %v duplicated at %d\n%s",
					i, t.keys[i], j, t.debugString())
			}
		}
	}

	if used != t.size {
		return errors.AssertionFailedf("invariant failed: found %d used slots, but size is %d\n%s",
			used, t.size, t.debugString())
	}
	if t.size >= n {
		return errors.AssertionFailedf("invariant failed: table is full (%d/%d)", t.size, n)
	}
	return nil
}

func (t *table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "length=%d  size=%d  threshold=%d  shift=%d\n",
		len(t.keys), t.size, t.threshold, t.shift)
	for i, c := range t.ctrls {
		if c == ctrlEmpty {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		hm := t.policy.hash(t.keys[i]) * fibMultiplier
		fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x ideal=%d]\n", i, t.keys[i], c, place(hm, t.shift))
	}
	return buf.String()
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
