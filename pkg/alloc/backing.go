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
	"sort"
	"strings"
	"sync"

	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
)

// Topology is the layout of the buffer objects of a backing over tiles.
type Topology int

const (
	// Single is a backing with one buffer object bound on every tile.
	Single Topology = iota
	// TileInstanced is a backing with a full buffer object per tile, each
	// tile binding its own instance at the same address.
	TileInstanced
	// Colored is a backing split into consecutive per tile chunks, every
	// chunk bound on every tile.
	Colored
)

var topologyNames = map[Topology]string{
	Single:        "single",
	TileInstanced: "tile-instanced",
	Colored:       "colored",
}

// String returns the name of the topology.
func (t Topology) String() string {
	if s, ok := topologyNames[t]; ok {
		return s
	}
	return fmt.Sprintf("%%!(alloc:Bad-Topology %d)", int(t))
}

// Residency is the residency of a backing in one engine context.
type Residency struct {
	// Resident is true while the backing is bound for the engine context.
	Resident bool
	// LastUsed is the last task count of the engine context using the backing.
	LastUsed uint64
	// Pinned marks the backing always resident in the engine context.
	Pinned bool
}

// Backing is the graphics allocation of one root device.
type Backing struct {
	mu        sync.Mutex
	root      *device.Device
	address   uint64
	size      uint64
	topology  Topology
	objects   []*bo.BufferObject
	resident  device.ContextMask
	pinned    device.ContextMask
	lastUsed  map[int]uint64
	evicted   bool
	ownsVA    bool
	imported  bool
	released  bool
	compress  bool
	allocated *Allocation
}

// NewBacking creates a backing of the given root device at the given GPU
// virtual address, with the given buffer objects.
func NewBacking(root *device.Device, address, size uint64, topology Topology, objects []*bo.BufferObject) *Backing {
	return &Backing{
		root:     root.Root(),
		address:  address,
		size:     size,
		topology: topology,
		objects:  objects,
		lastUsed: map[int]uint64{},
	}
}

// Device returns the root device of the backing.
func (b *Backing) Device() *device.Device {
	return b.root
}

// Address returns the GPU virtual address of the backing.
func (b *Backing) Address() uint64 {
	return b.address
}

// Size returns the size of the backing.
func (b *Backing) Size() uint64 {
	return b.size
}

// Contains checks if addr falls inside the backing.
func (b *Backing) Contains(addr uint64) bool {
	return b.address <= addr && addr < b.address+b.size
}

// Topology returns the tile layout of the backing.
func (b *Backing) Topology() Topology {
	return b.topology
}

// Objects returns the buffer objects of the backing.
func (b *Backing) Objects() []*bo.BufferObject {
	return b.objects
}

// ObjectsFor returns the buffer objects to bind for the engine context.
// A tile instanced backing binds the instance of the engine's tile, other
// backings bind all of their buffer objects.
func (b *Backing) ObjectsFor(e *device.Engine) []*bo.BufferObject {
	if b.topology == TileInstanced && len(b.objects) > 1 {
		if t := e.Tile(); t < len(b.objects) {
			return b.objects[t : t+1]
		}
		return nil
	}
	return b.objects
}

// DefaultObject returns the first buffer object of the backing.
func (b *Backing) DefaultObject() *bo.BufferObject {
	if len(b.objects) == 0 {
		return nil
	}
	return b.objects[0]
}

// Allocation returns the allocation the backing is attached to, if any.
func (b *Backing) Allocation() *Allocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated
}

// SetOwnsAddress marks the address of the backing owned by it.
func (b *Backing) SetOwnsAddress(owns bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ownsVA = owns
}

// OwnsAddress returns true if the address is released with the backing.
func (b *Backing) OwnsAddress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownsVA
}

// SetImported marks the backing imported from prime file descriptors.
func (b *Backing) SetImported() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imported = true
}

// IsImported returns true if the backing was imported.
func (b *Backing) IsImported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.imported
}

// SetCompressed marks the backing compressed.
func (b *Backing) SetCompressed(compressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compress = compressed
}

// IsCompressed returns true if the backing is compressed.
func (b *Backing) IsCompressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compress
}

// MarkReleased marks the backing released. It returns false if the backing
// has already been released.
func (b *Backing) MarkReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return false
	}
	b.released = true
	return true
}

// IsReleased returns true once the backing has been released.
func (b *Backing) IsReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Residency returns the residency of the backing in an engine context.
func (b *Backing) Residency(engine int) Residency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Residency{
		Resident: b.resident.Contains(engine),
		LastUsed: b.lastUsed[engine],
		Pinned:   b.pinned.Contains(engine),
	}
}

// SetResident marks the backing resident in an engine context, used up to
// the given task count. Pinning makes it always resident.
func (b *Backing) SetResident(engine int, taskCount uint64, pin bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resident = b.resident.Set(engine)
	if taskCount > b.lastUsed[engine] {
		b.lastUsed[engine] = taskCount
	}
	if pin {
		b.pinned = b.pinned.Set(engine)
	}
	b.evicted = false
}

// ClearResident marks the backing not resident in an engine context and
// removes its always resident marker.
func (b *Backing) ClearResident(engine int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resident = b.resident.Clear(engine)
	b.pinned = b.pinned.Clear(engine)
}

// Unpin removes the always resident marker of an engine context. The
// backing stays resident there until ClearResident.
func (b *Backing) Unpin(engine int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinned = b.pinned.Clear(engine)
}

// ResidentContexts returns the engine contexts the backing is resident in.
func (b *Backing) ResidentContexts() device.ContextMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resident
}

// PinnedContexts returns the engine contexts the backing is pinned in.
func (b *Backing) PinnedContexts() device.ContextMask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinned
}

// LastUsed returns the last task count of each engine context using the backing.
func (b *Backing) LastUsed() map[int]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := make(map[int]uint64, len(b.lastUsed))
	for e, tc := range b.lastUsed {
		used[e] = tc
	}
	return used
}

// SetEvicted sets the evicted marker of the backing.
func (b *Backing) SetEvicted(evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evicted = evicted
}

// IsEvicted returns the evicted marker of the backing.
func (b *Backing) IsEvicted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// String returns a string representation of the backing.
func (b *Backing) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var contexts []string
	for e := range b.lastUsed {
		contexts = append(contexts, fmt.Sprintf("%d:%d", e, b.lastUsed[e]))
	}
	sort.Strings(contexts)

	return fmt.Sprintf("backing{root device #%d, 0x%x-0x%x, %s, %d object(s), resident %s, pinned %s, last used [%s]}",
		b.root.Index(), b.address, b.address+b.size, b.topology, len(b.objects),
		b.resident, b.pinned, strings.Join(contexts, " "))
}
