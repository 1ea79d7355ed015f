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
	"hash/maphash"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// fibMultiplier is 2^64 divided by the golden ratio, rounded to an odd
// number. Multiplying a hash by it and keeping the top bits is Fibonacci
// hashing: every input bit influences the selected slot, so hash functions
// whose low bits are constant still spread across the table.
const fibMultiplier = 0x9E3779B97F4A7C15

// defaultSeed is shared by every Map so that equal maps produce equal Hash
// values within a process.
var defaultSeed = maphash.MakeSeed()

// keyPolicy captures everything the table needs to know about keys: how to
// hash them, how to compare them, and which of them are the nil sentinel.
// Map and IdentityMap differ only in the policy they install.
type keyPolicy[K any] struct {
	hash  func(key K) uint64
	equal func(a, b K) bool
	// isNil is nil when K has no nil value.
	isNil func(key K) bool
}

func comparablePolicy[K comparable]() keyPolicy[K] {
	return keyPolicy[K]{
		hash: func(key K) uint64 {
			return maphash.Comparable(defaultSeed, key)
		},
		equal: func(a, b K) bool {
			return a == b
		},
		isNil: nilCheck[K](),
	}
}

// identityPolicy hashes and compares keys by address. The Go heap never
// moves objects, so the address of a key is a stable identity token for as
// long as the map references it.
func identityPolicy[K any]() keyPolicy[*K] {
	return keyPolicy[*K]{
		hash: func(key *K) uint64 {
			return uint64(uintptr(unsafe.Pointer(key)))
		},
		equal: func(a, b *K) bool {
			return a == b
		},
		isNil: func(key *K) bool {
			return key == nil
		},
	}
}

// nilCheck returns a function reporting whether a key of type K is nil, or
// nil if K has no nil value.
func nilCheck[K any]() func(key K) bool {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan, reflect.Map, reflect.Func:
		// All of these are represented by a single pointer word.
		return func(key K) bool {
			return *(*unsafe.Pointer)(unsafe.Pointer(&key)) == nil
		}
	case reflect.Interface:
		return func(key K) bool {
			return any(key) == nil
		}
	default:
		return nil
	}
}

// place returns the ideal slot for the premultiplied hash hm in a table
// whose mask has shift leading zeros.
func place(hm uint64, shift uint) int {
	return int(hm >> shift)
}

// h2 extracts the 7 bits of a premultiplied hash stored in the control byte
// of an occupied slot. Bits 32-38 do not overlap the placement bits for any
// table below 2^25 slots.
func h2(hm uint64) ctrl {
	return ctrl(hm>>32) & 0x7f
}

// WithXXHash is an option for Map[string,V] that hashes keys with xxHash64
// instead of the runtime's seeded hash. xxHash is deterministic across
// processes, which makes slot layouts reproducible.
func WithXXHash[V any]() option[string, V] {
	return hashOption[string, V]{hash: xxhash.Sum64String}
}

type equaler[V any] interface {
	Equal(other V) bool
}

// defaultValueEqual returns the value equality used by ContainsValue,
// FindKey and Equal when WithValueEqual is not supplied. Types with an
// Equal(V) bool method use it, plain comparable types use ==, and everything
// else (pointers, interfaces, slices, maps) is compared deeply.
func defaultValueEqual[V any]() func(a, b V) bool {
	typ := reflect.TypeFor[V]()
	switch {
	case typ.Implements(reflect.TypeFor[equaler[V]]()):
		return func(a, b V) bool {
			if e, ok := any(a).(equaler[V]); ok {
				return e.Equal(b)
			}
			return reflect.DeepEqual(a, b)
		}
	case typ.Kind() != reflect.Interface && typ.Kind() != reflect.Pointer && typ.Comparable():
		return func(a, b V) bool {
			return any(a) == any(b)
		}
	default:
		return func(a, b V) bool {
			return reflect.DeepEqual(a, b)
		}
	}
}

// identityEqual returns a reference-equality predicate for V. Pointer-shaped
// values are identical when they point at the same object, slices when they
// share a backing array and length, and interfaces when they hold identical
// comparable values. Other types fall back to ==.
func identityEqual[V any]() func(a, b V) bool {
	switch reflect.TypeFor[V]().Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan, reflect.Map, reflect.Func:
		return func(a, b V) bool {
			return *(*unsafe.Pointer)(unsafe.Pointer(&a)) == *(*unsafe.Pointer)(unsafe.Pointer(&b))
		}
	case reflect.Slice:
		return func(a, b V) bool {
			va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
			return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
		}
	default:
		return func(a, b V) bool {
			va, vb := reflect.ValueOf(any(a)), reflect.ValueOf(any(b))
			if !va.IsValid() || !vb.IsValid() {
				return va.IsValid() == vb.IsValid()
			}
			if va.Type() != vb.Type() || !va.Comparable() {
				return false
			}
			return va.Equal(vb)
		}
	}
}
