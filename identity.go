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

import "reflect"

// IdentityMap is a Map whose keys are compared by identity rather than by
// value: two distinct *K pointers are different keys even if the objects they
// point to are equal. The identity token hashed for placement is the key's
// address, which the Go heap keeps stable while the map references the key.
// Pointers to distinct zero-sized objects may share an address, so zero-sized
// K types are rejected.
//
// IdentityMap supports the full Map API. The WithHash and WithEqual options
// are ignored.
//
// An IdentityMap is NOT goroutine-safe.
type IdentityMap[K any, V any] struct {
	table[*K, V]
}

// NewIdentity constructs a new IdentityMap sized for initialCapacity entries
// as described for New.
func NewIdentity[K any, V any](initialCapacity int, options ...option[*K, V]) *IdentityMap[K, V] {
	m := &IdentityMap[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes an IdentityMap with the specified initial capacity,
// discarding any previous contents. Init panics with ErrInvalidArgument if K
// is a zero-sized type.
func (m *IdentityMap[K, V]) Init(initialCapacity int, options ...option[*K, V]) {
	if typ := reflect.TypeFor[K](); typ.Size() == 0 {
		panic(invalidArgumentf("identity keys of zero-sized type %s have no unique address", typ))
	}
	m.configure(identityPolicy[K](), options)
	// Options may have replaced the hash or equality; identity always wins.
	m.policy = identityPolicy[K]()
	m.allocate(initialCapacity)
}

// Equal reports whether m and other contain the same keys (by identity)
// mapped to equal values, using the value equality configured for m.
func (m *IdentityMap[K, V]) Equal(other *IdentityMap[K, V]) bool {
	return m.equalFunc(&other.table, m.valueEqual)
}

// EqualFunc is like Equal, but compares values using eq.
func (m *IdentityMap[K, V]) EqualFunc(other *IdentityMap[K, V], eq func(a, b V) bool) bool {
	return m.equalFunc(&other.table, eq)
}

// PutAll puts every entry of other into m.
func (m *IdentityMap[K, V]) PutAll(other *IdentityMap[K, V]) {
	m.putAll(&other.table)
}

// Clone returns a copy of m with the same options and capacity. The copy
// references the same key objects.
func (m *IdentityMap[K, V]) Clone() *IdentityMap[K, V] {
	c := &IdentityMap[K, V]{}
	m.cloneInto(&c.table)
	return c
}
