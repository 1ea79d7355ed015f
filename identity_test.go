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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type point struct {
	x, y int
}

func TestIdentityVersusValueKeys(t *testing.T) {
	p1 := &point{1, 2}
	p2 := &point{1, 2}
	require.Equal(t, *p1, *p2)

	ident := NewIdentity[point, string](0)
	ident.Put(p1, "first")
	ident.Put(p2, "second")
	require.Equal(t, 2, ident.Len())
	v, ok := ident.Get(p1)
	require.True(t, ok)
	require.Equal(t, "first", v)
	v, ok = ident.Get(p2)
	require.True(t, ok)
	require.Equal(t, "second", v)
	require.False(t, ident.ContainsKey(&point{1, 2}))

	byValue := New[point, string](0)
	byValue.Put(*p1, "first")
	byValue.Put(*p2, "second")
	require.Equal(t, 1, byValue.Len())
	v, _ = byValue.Get(point{1, 2})
	require.Equal(t, "second", v)

	// Pointer keys compared by value through WithHash and WithEqual.
	deref := New[*point, string](0,
		WithHash[*point, string](func(p *point) uint64 {
			return uint64(p.x)<<32 | uint64(uint32(p.y))
		}),
		WithEqual[*point, string](func(a, b *point) bool {
			return *a == *b
		}))
	deref.Put(p1, "first")
	deref.Put(p2, "second")
	require.Equal(t, 1, deref.Len())
	require.True(t, deref.ContainsKey(&point{1, 2}))
}

func TestIdentityBasic(t *testing.T) {
	const count = 1000
	m := NewIdentity[point, int](0)
	nodes := make([]*point, count)
	for i := range nodes {
		nodes[i] = &point{i, i}
		_, replaced := m.Put(nodes[i], i)
		require.False(t, replaced)
	}
	require.Equal(t, count, m.Len())
	require.NoError(t, m.validate())

	for i, n := range nodes {
		v, ok := m.Get(n)
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	perm := rand.Perm(count)
	for j, i := range perm[:count/2] {
		prev, removed := m.Remove(nodes[i])
		require.True(t, removed)
		require.Equal(t, i, prev)
		require.Equal(t, count-j-1, m.Len())
	}
	require.NoError(t, m.validate())
	for _, i := range perm[count/2:] {
		require.True(t, m.ContainsKey(nodes[i]))
	}

	m.Shrink(0)
	require.NoError(t, m.validate())
	require.Equal(t, count/2, m.Len())
}

func TestIdentityNilKey(t *testing.T) {
	m := NewIdentity[point, int](0)
	requirePanicsIs(t, ErrInvalidArgument, func() { m.Put(nil, 1) })
	requirePanicsIs(t, ErrInvalidArgument, func() { m.Get(nil) })
	requirePanicsIs(t, ErrInvalidArgument, func() { m.Remove(nil) })
}

func TestIdentityZeroSizedKey(t *testing.T) {
	requirePanicsIs(t, ErrInvalidArgument, func() { NewIdentity[struct{}, int](0) })
	requirePanicsIs(t, ErrInvalidArgument, func() { NewIdentity[[0]int, int](0) })

	var m IdentityMap[struct{}, string]
	requirePanicsIs(t, ErrInvalidArgument, func() { m.Init(0) })

	// A single byte is enough for distinct objects to have distinct
	// addresses.
	n := NewIdentity[byte, int](0)
	a, b := new(byte), new(byte)
	n.Put(a, 1)
	n.Put(b, 2)
	require.Equal(t, 2, n.Len())
}

func TestIdentityIgnoresKeyOptions(t *testing.T) {
	m := NewIdentity[point, int](0,
		WithHash[*point, int](func(*point) uint64 { return 0 }),
		WithEqual[*point, int](func(a, b *point) bool { return *a == *b }))
	m.Put(&point{1, 1}, 1)
	m.Put(&point{1, 1}, 2)
	require.Equal(t, 2, m.Len())
}

func TestIdentityEqualAndHash(t *testing.T) {
	keys := []*point{{1, 1}, {2, 2}, {3, 3}}
	a := NewIdentity[point, int](0)
	b := NewIdentity[point, int](100)
	for i, k := range keys {
		a.Put(k, i)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b.Put(keys[i], i)
	}
	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())

	// Equal contents under different identities are different maps.
	c := NewIdentity[point, int](0)
	for i, k := range keys {
		c.Put(&point{k.x, k.y}, i)
	}
	require.False(t, a.Equal(c))
	require.NotEqual(t, a.Hash(), c.Hash())

	d := a.Clone()
	require.True(t, d.Equal(a))
	d.Put(keys[0], 42)
	require.False(t, d.Equal(a))
	require.True(t, d.EqualFunc(a, func(x, y int) bool { return true }))

	e := NewIdentity[point, int](0)
	e.PutAll(c)
	e.PutAll(a)
	require.Equal(t, 6, e.Len())
}

func TestIdentityIterators(t *testing.T) {
	m := NewIdentity[point, int](0)
	for i := 0; i < 20; i++ {
		m.Put(&point{i, 0}, i)
	}
	e := m.Entries()
	for e.HasNext() {
		entry := e.Next()
		require.Equal(t, entry.Key.x, entry.Value)
		if entry.Value%2 == 1 {
			e.Remove()
		}
	}
	require.Equal(t, 10, m.Len())
	for k := range m.AllKeys() {
		require.Zero(t, k.x%2)
	}
	require.NoError(t, m.validate())
}
