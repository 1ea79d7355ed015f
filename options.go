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

import "go.uber.org/zap"

// option provide an interface to do work on Map while it is being created.
type option[K any, V any] interface {
	apply(t *table[K, V])
}

type hashOption[K any, V any] struct {
	hash func(key K) uint64
}

func (op hashOption[K, V]) apply(t *table[K, V]) {
	t.policy.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The result is spread over the table with Fibonacci hashing, so the
// function need not distribute its low bits well. IdentityMap ignores it.
func WithHash[K any, V any](hash func(key K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

type equalOption[K any, V any] struct {
	equal func(a, b K) bool
}

func (op equalOption[K, V]) apply(t *table[K, V]) {
	t.policy.equal = op.equal
}

// WithEqual is an option to specify the key equality used while probing. It
// must be consistent with the hash function: keys that are equal must hash
// identically. IdentityMap ignores it.
func WithEqual[K any, V any](equal func(a, b K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type valueEqualOption[K any, V any] struct {
	equal func(a, b V) bool
}

func (op valueEqualOption[K, V]) apply(t *table[K, V]) {
	t.valueEqual = op.equal
}

// WithValueEqual is an option to specify the value equality used by
// ContainsValue, FindKey and Equal when identity comparison is not
// requested.
func WithValueEqual[K any, V any](equal func(a, b V) bool) option[K, V] {
	return valueEqualOption[K, V]{equal}
}

type loadFactorOption[K any, V any] struct {
	loadFactor float64
}

func (op loadFactorOption[K, V]) apply(t *table[K, V]) {
	t.loadFactor = op.loadFactor
}

// WithLoadFactor is an option to specify the maximum fraction of occupied
// slots before the table doubles. It must lie strictly between 0 and 1. The
// default is 0.8.
func WithLoadFactor[K any, V any](loadFactor float64) option[K, V] {
	return loadFactorOption[K, V]{loadFactor}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that the arrays
// be freed then Map.Close must be called in order to ensure the Free methods
// are called.
type Allocator[K any, V any] interface {
	// AllocKeys should return a slice equivalent to make([]K, n).
	AllocKeys(n int) []K

	// AllocValues should return a slice equivalent to make([]V, n).
	AllocValues(n int) []V

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) []uint8

	// FreeKeys can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocKeys.
	FreeKeys(v []K)

	// FreeValues can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocValues.
	FreeValues(v []V)

	// FreeControls can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K any, V any] struct{}

func (defaultAllocator[K, V]) AllocKeys(n int) []K {
	return make([]K, n)
}

func (defaultAllocator[K, V]) AllocValues(n int) []V {
	return make([]V, n)
}

func (defaultAllocator[K, V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[K, V]) FreeKeys(v []K) {
}

func (defaultAllocator[K, V]) FreeValues(v []V) {
}

func (defaultAllocator[K, V]) FreeControls(v []uint8) {
}

type allocatorOption[K any, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(t *table[K, V]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K any, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type loggerOption[K any, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(t *table[K, V]) {
	t.logger = op.logger
}

// WithLogger is an option to specify the logger that receives debug traces
// of table growth and shrinkage. The default logger discards everything.
func WithLogger[K any, V any](logger *zap.Logger) option[K, V] {
	return loggerOption[K, V]{logger}
}

type allocatingIteratorsOption[K any, V any] struct{}

func (allocatingIteratorsOption[K, V]) apply(t *table[K, V]) {
	t.allocatingIterators = true
}

// WithAllocatingIterators is an option that makes Entries, Keys and Values
// return a freshly allocated iterator on every call instead of leasing one
// of two pooled iterators. Use it when the same map is iterated in nested
// loops.
func WithAllocatingIterators[K any, V any]() option[K, V] {
	return allocatingIteratorsOption[K, V]{}
}
