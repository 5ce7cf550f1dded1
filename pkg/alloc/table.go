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

package alloc

import (
	"fmt"
	"sync"

	"github.com/intel/gpu-usm/pkg/addrmap"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
)

var details = logger.Get("alloc-details")

// Table is the table of live allocations, ordered by address.
type Table struct {
	mu     sync.Mutex
	allocs *addrmap.Map[*Allocation]
	nextID uint64
}

// NewTable creates an empty allocation table.
func NewTable() *Table {
	return &Table{
		allocs: addrmap.New[*Allocation](),
		nextID: 1,
	}
}

// NextID returns a new unique allocation ID.
func (t *Table) NextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Insert adds an allocation to the table.
func (t *Table) Insert(a *Allocation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.allocs.Insert(a.address, a.size, a); err != nil {
		return fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}

	log.Debug("+ %s", a)
	return nil
}

// Remove removes the allocation at ptr from the table.
func (t *Table) Remove(ptr uint64) (*Allocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.allocs.Delete(ptr)
	if !ok {
		return nil, fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}

	log.Debug("- %s", e.Value)
	return e.Value, nil
}

// Get returns the allocation at ptr.
func (t *Table) Get(ptr uint64) (*Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.allocs.Get(ptr)
	return e.Value, ok
}

// Find returns the allocation containing ptr.
func (t *Table) Find(ptr uint64) (*Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.allocs.Find(ptr)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Len returns the number of allocations in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs.Len()
}

// Allocations returns all allocations in address order.
func (t *Table) Allocations() []*Allocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	allocs := make([]*Allocation, 0, t.allocs.Len())
	t.allocs.Ascend(func(e addrmap.Entry[*Allocation]) bool {
		allocs = append(allocs, e.Value)
		return true
	})
	return allocs
}

// Dump logs all allocations if debugging is enabled.
func (t *Table) Dump(prefix string) {
	if !details.DebugEnabled() {
		return
	}
	for _, a := range t.Allocations() {
		a.Dump(prefix)
	}
}
