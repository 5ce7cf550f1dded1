// Copyright The GPU USM Authors. All Rights Reserved.
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

// Package addrmap implements an address ordered map of non-overlapping
// ranges with containment lookups.
package addrmap

import (
	"fmt"

	"github.com/google/btree"
)

var (
	ErrOverlap   = fmt.Errorf("addrmap: overlapping range")
	ErrEmpty     = fmt.Errorf("addrmap: empty range")
	ErrNotFound  = fmt.Errorf("addrmap: range not found")
	ErrSizeMatch = fmt.Errorf("addrmap: range size mismatch")
)

// Entry is a range in the map.
type Entry[T any] struct {
	Start uint64
	Size  uint64
	Value T
}

// End returns the first address past the range.
func (e Entry[T]) End() uint64 {
	return e.Start + e.Size
}

// Contains checks if addr falls inside the range.
func (e Entry[T]) Contains(addr uint64) bool {
	return e.Start <= addr && addr < e.End()
}

// Map is an ordered map of non-overlapping ranges keyed by range start.
// Map is not safe for concurrent use, users lock it themselves.
type Map[T any] struct {
	tree *btree.BTreeG[Entry[T]]
}

// New creates an empty map.
func New[T any]() *Map[T] {
	return &Map[T]{
		tree: btree.NewG(16, func(a, b Entry[T]) bool { return a.Start < b.Start }),
	}
}

// Insert adds a range. It fails if the range overlaps an existing one.
func (m *Map[T]) Insert(start, size uint64, v T) error {
	if size == 0 {
		return fmt.Errorf("%w: at 0x%x", ErrEmpty, start)
	}
	if o, ok := m.Overlapping(start, size); ok {
		return fmt.Errorf("%w: 0x%x-0x%x with 0x%x-0x%x", ErrOverlap,
			start, start+size, o.Start, o.End())
	}
	m.tree.ReplaceOrInsert(Entry[T]{Start: start, Size: size, Value: v})
	return nil
}

// Get returns the range starting exactly at start.
func (m *Map[T]) Get(start uint64) (Entry[T], bool) {
	return m.tree.Get(Entry[T]{Start: start})
}

// Delete removes the range starting exactly at start.
func (m *Map[T]) Delete(start uint64) (Entry[T], bool) {
	return m.tree.Delete(Entry[T]{Start: start})
}

// DeleteExact removes the range starting at start if its size matches.
func (m *Map[T]) DeleteExact(start, size uint64) (Entry[T], error) {
	e, ok := m.tree.Get(Entry[T]{Start: start})
	if !ok {
		return e, fmt.Errorf("%w: 0x%x", ErrNotFound, start)
	}
	if e.Size != size {
		return e, fmt.Errorf("%w: 0x%x has %d bytes, not %d", ErrSizeMatch, start, e.Size, size)
	}
	m.tree.Delete(e)
	return e, nil
}

// Find returns the range containing addr. It looks up the last range
// starting at or below addr and checks if it extends past addr.
func (m *Map[T]) Find(addr uint64) (Entry[T], bool) {
	var (
		found Entry[T]
		ok    bool
	)
	m.tree.DescendLessOrEqual(Entry[T]{Start: addr}, func(e Entry[T]) bool {
		found, ok = e, e.Contains(addr)
		return false
	})
	return found, ok
}

// Overlapping returns a range overlapping [start, start+size), if any.
func (m *Map[T]) Overlapping(start, size uint64) (Entry[T], bool) {
	if e, ok := m.Find(start); ok {
		return e, true
	}

	var (
		found Entry[T]
		ok    bool
	)
	m.tree.AscendGreaterOrEqual(Entry[T]{Start: start}, func(e Entry[T]) bool {
		found, ok = e, e.Start < start+size
		return false
	})
	return found, ok
}

// Ascend calls fn for each range in address order until fn returns false.
func (m *Map[T]) Ascend(fn func(Entry[T]) bool) {
	m.tree.Ascend(func(e Entry[T]) bool {
		return fn(e)
	})
}

// AscendRange calls fn for each range starting in [from, to), in address
// order, until fn returns false.
func (m *Map[T]) AscendRange(from, to uint64, fn func(Entry[T]) bool) {
	m.tree.AscendRange(Entry[T]{Start: from}, Entry[T]{Start: to}, func(e Entry[T]) bool {
		return fn(e)
	})
}

// Entries returns all ranges in address order.
func (m *Map[T]) Entries() []Entry[T] {
	entries := make([]Entry[T], 0, m.tree.Len())
	m.tree.Ascend(func(e Entry[T]) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// Len returns the number of ranges in the map.
func (m *Map[T]) Len() int {
	return m.tree.Len()
}
