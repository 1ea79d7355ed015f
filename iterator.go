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

package fibmap

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
)

// Entry is a key/value pair returned by Entries.Next. The Entries iterator
// reuses a single Entry, so it is only valid until the next call to Next and
// does not reflect later changes to the map.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

func (e Entry[K, V]) String() string {
	return fmt.Sprintf("%v=%v", e.Key, e.Value)
}

// cursor walks the slots of a table in index order. It is shared by the
// Entries, Keys and Values iterators.
//
// Fresh: currentIndex == -1 and nextIndex is the first occupied slot.
// After Next returns slot i, currentIndex == i and nextIndex is the next
// occupied slot after i, or len(ctrls) when exhausted.
type cursor[K any, V any] struct {
	t    *table[K, V]
	kind string
	// nextIndex is the slot the next call to Next returns when hasNext.
	nextIndex int
	// currentIndex is the slot most recently returned by Next, or -1 if
	// there is none to remove.
	currentIndex int
	hasNext      bool
	// valid is false once a sibling iterator has been leased from the pool.
	valid bool
	// carried holds slots at or after currentIndex whose entries were
	// already returned by Next. Remove puts them there when a probe run
	// wraps around the end of the table.
	carried []int
}

func (c *cursor[K, V]) init(t *table[K, V], kind string) {
	c.t = t
	c.kind = kind
	c.valid = true
	c.Reset()
}

// Reset rewinds the iterator to the start of the map.
func (c *cursor[K, V]) Reset() {
	c.currentIndex = -1
	c.nextIndex = -1
	c.carried = c.carried[:0]
	c.findNextIndex()
}

func (c *cursor[K, V]) findNextIndex() {
	c.hasNext = false
	ctrls := c.t.ctrls
	for c.nextIndex++; c.nextIndex < len(ctrls); c.nextIndex++ {
		if ctrls[c.nextIndex] == ctrlEmpty {
			continue
		}
		if len(c.carried) > 0 && slices.Contains(c.carried, c.nextIndex) {
			continue
		}
		c.hasNext = true
		return
	}
}

// uncarry removes slot from carried and reports whether it was present.
func (c *cursor[K, V]) uncarry(slot int) bool {
	k := slices.Index(c.carried, slot)
	if k < 0 {
		return false
	}
	c.carried = slices.Delete(c.carried, k, k+1)
	return true
}

func (c *cursor[K, V]) checkValid() {
	if !c.valid {
		panic(errors.Wrapf(ErrReentrancy, "%s", c.kind))
	}
}

// HasNext reports whether Next will return another element.
func (c *cursor[K, V]) HasNext() bool {
	c.checkValid()
	return c.hasNext
}

// advance consumes the next occupied slot and returns its index.
func (c *cursor[K, V]) advance() int {
	c.checkValid()
	if !c.hasNext {
		panic(illegalStatef("%s: no more elements", c.kind))
	}
	i := c.nextIndex
	c.currentIndex = i
	if len(c.carried) > 0 {
		c.carried = slices.DeleteFunc(c.carried, func(slot int) bool {
			return slot < i
		})
	}
	c.findNextIndex()
	return i
}

// Remove deletes the element most recently returned by Next from the map.
// Iteration continues with the remaining elements; none is skipped or
// returned twice.
func (c *cursor[K, V]) Remove() {
	c.checkValid()
	i := c.currentIndex
	if i < 0 {
		panic(illegalStatef("%s: next must be called before remove", c.kind))
	}
	c.t.removeAt(i, c)
	// Entries not yet returned may have shifted into slot i or the slots
	// after it. Scan again from there; carried slots are skipped.
	c.nextIndex = i - 1
	c.findNextIndex()
	c.currentIndex = -1
	c.t.checkInvariants()
}

// moved is called by removeAt for every entry shifted from slot from back to
// slot to while removing c.currentIndex. An entry has been visited if its
// slot is before currentIndex or is carried. Only visited entries that land
// at or after currentIndex need to be carried.
func (c *cursor[K, V]) moved(from, to int) {
	cur := c.currentIndex
	visited := c.uncarry(from)
	if from < cur {
		visited = true
	}
	c.uncarry(to)
	if visited && to >= cur {
		c.carried = append(c.carried, to)
	}
}

// Entries iterates over the entries of a map. See Map.Entries.
type Entries[K any, V any] struct {
	cursor[K, V]
	entry Entry[K, V]
}

func newEntries[K any, V any](t *table[K, V]) *Entries[K, V] {
	e := &Entries[K, V]{}
	e.init(t, "entries")
	return e
}

// Next returns the next entry. The returned Entry is reused by subsequent
// calls. Next panics with ErrIllegalState if HasNext is false.
func (e *Entries[K, V]) Next() *Entry[K, V] {
	i := e.advance()
	e.entry.Key = e.t.keys[i]
	e.entry.Value = e.t.values[i]
	return &e.entry
}

// ToSlice returns the remaining entries.
func (e *Entries[K, V]) ToSlice() []Entry[K, V] {
	var out []Entry[K, V]
	for e.HasNext() {
		out = append(out, *e.Next())
	}
	return out
}

// Keys iterates over the keys of a map. See Map.Keys.
type Keys[K any, V any] struct {
	cursor[K, V]
}

func newKeys[K any, V any](t *table[K, V]) *Keys[K, V] {
	k := &Keys[K, V]{}
	k.init(t, "keys")
	return k
}

// Next returns the next key. Next panics with ErrIllegalState if HasNext is
// false.
func (k *Keys[K, V]) Next() K {
	return k.t.keys[k.advance()]
}

// ToSlice returns the remaining keys.
func (k *Keys[K, V]) ToSlice() []K {
	out := make([]K, 0, k.t.size)
	for k.HasNext() {
		out = append(out, k.Next())
	}
	return out
}

// Values iterates over the values of a map. See Map.Values.
type Values[K any, V any] struct {
	cursor[K, V]
}

func newValues[K any, V any](t *table[K, V]) *Values[K, V] {
	v := &Values[K, V]{}
	v.init(t, "values")
	return v
}

// Next returns the next value. Next panics with ErrIllegalState if HasNext
// is false.
func (v *Values[K, V]) Next() V {
	return v.t.values[v.advance()]
}

// ToSlice returns the remaining values.
func (v *Values[K, V]) ToSlice() []V {
	out := make([]V, 0, v.t.size)
	for v.HasNext() {
		out = append(out, v.Next())
	}
	return out
}

// iteratorPool holds the two leased iterators of each kind. They are
// allocated on first use.
type iteratorPool[K any, V any] struct {
	entries [2]*Entries[K, V]
	keys    [2]*Keys[K, V]
	values  [2]*Values[K, V]
}

// lease resets and returns the index of whichever of a and b is not the
// most recently leased, invalidating the other.
func lease[K any, V any](a, b *cursor[K, V]) int {
	if !a.valid {
		a.Reset()
		a.valid = true
		b.valid = false
		return 0
	}
	b.Reset()
	b.valid = true
	a.valid = false
	return 1
}

// Entries returns an iterator over the entries of the map. Unless the map
// was created with WithAllocatingIterators, the same two iterators are
// handed out alternately: requesting one invalidates the previous one, and
// using an invalidated iterator panics with ErrReentrancy. Use All for
// nested iteration.
func (t *table[K, V]) Entries() *Entries[K, V] {
	if t.allocatingIterators {
		return newEntries(t)
	}
	p := &t.iters
	if p.entries[0] == nil {
		p.entries[0], p.entries[1] = newEntries(t), newEntries(t)
	}
	return p.entries[lease(&p.entries[0].cursor, &p.entries[1].cursor)]
}

// Keys returns an iterator over the keys of the map. See Entries for the
// reuse rules.
func (t *table[K, V]) Keys() *Keys[K, V] {
	if t.allocatingIterators {
		return newKeys(t)
	}
	p := &t.iters
	if p.keys[0] == nil {
		p.keys[0], p.keys[1] = newKeys(t), newKeys(t)
	}
	return p.keys[lease(&p.keys[0].cursor, &p.keys[1].cursor)]
}

// Values returns an iterator over the values of the map. See Entries for the
// reuse rules.
func (t *table[K, V]) Values() *Values[K, V] {
	if t.allocatingIterators {
		return newValues(t)
	}
	p := &t.iters
	if p.values[0] == nil {
		p.values[0], p.values[1] = newValues(t), newValues(t)
	}
	return p.values[lease(&p.values[0].cursor, &p.values[1].cursor)]
}
