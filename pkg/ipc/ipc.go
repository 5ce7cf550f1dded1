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

// Package ipc implements the registry of process-portable allocation
// handles. Handles are prime file descriptors exported from the default
// backing of an allocation.
package ipc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
)

var (
	log     = logger.Get("ipc")
	details = logger.Get("ipc-details")
)

// Kind tells what kind of memory a handle refers to.
type Kind int

const (
	KindDevice Kind = iota
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindHost:
		return "host"
	}
	return fmt.Sprintf("<unknown ipc kind %d>", int(k))
}

// KindOf returns the handle kind for an allocation.
func KindOf(a *alloc.Allocation) Kind {
	if a.Kind() == alloc.HostUnified {
		return KindHost
	}
	return KindDevice
}

// Handle is a process-portable allocation handle.
type Handle struct {
	Value int
	Kind  Kind
	Size  uint64
	// Instanced is set on handles of tile-instanced allocations, where
	// every handle holds a full copy of the allocation.
	Instanced bool
}

func (h Handle) String() string {
	return fmt.Sprintf("ipc handle %d (%s, %d bytes)", h.Value, h.Kind, h.Size)
}

// Entry is a registered handle.
type Entry struct {
	handle     Handle
	refcount   int
	allocation *alloc.Allocation
	pointer    uint64
	object     *bo.BufferObject
}

// Handle returns the handle of the entry.
func (e *Entry) Handle() Handle {
	return e.handle
}

// Refcount returns the number of exports not put yet.
func (e *Entry) Refcount() int {
	return e.refcount
}

// Pointer returns the pointer of the exported allocation.
func (e *Entry) Pointer() uint64 {
	return e.pointer
}

// SubAllocation is a tile-local part of an allocation.
type SubAllocation struct {
	Address uint64
	Size    uint64
}

// Registry keeps track of exported handles. Every operation is
// serialized by a single lock.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*Entry
	binding *binding.Manager
	table   *alloc.Table
}

// NewRegistry creates a registry. Imported allocations are registered in
// the given allocation table.
func NewRegistry(b *binding.Manager, table *alloc.Table) *Registry {
	return &Registry{
		entries: map[int]*Entry{},
		binding: b,
		table:   table,
	}
}

func defaultObject(a *alloc.Allocation) (*bo.BufferObject, error) {
	b, err := defaultBacking(a)
	if err != nil {
		return nil, err
	}
	return b.Objects()[0], nil
}

func defaultBacking(a *alloc.Allocation) (*alloc.Backing, error) {
	b := a.DefaultBacking()
	if b == nil || len(b.Objects()) == 0 {
		return nil, fmt.Errorf("%w: %s has no backing", status.ErrInvalidArgument, a)
	}
	return b, nil
}

// Export returns the portable handle of an allocation backed by a single
// buffer object, registering it on first export. Every export takes a
// reference which is dropped by Put. Allocations spanning several buffer
// objects are exported with ExportMulti.
func (r *Registry) Export(a *alloc.Allocation) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.exportableLocked(a)
	if err != nil {
		return Handle{}, err
	}
	if n := len(b.Objects()); n > 1 {
		return Handle{}, fmt.Errorf("%w: %s spans %d buffer objects",
			status.ErrInvalidArgument, a, n)
	}

	return r.exportLocked(a, b, b.Objects()[0])
}

// ExportMulti returns a portable handle for every buffer object of an
// allocation, in the order ImportMulti expects them. Each handle is
// referenced and put separately. Either every handle gets exported or
// none.
func (r *Registry) ExportMulti(a *alloc.Allocation) ([]Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.exportableLocked(a)
	if err != nil {
		return nil, err
	}

	handles := make([]Handle, 0, len(b.Objects()))
	for _, o := range b.Objects() {
		h, err := r.exportLocked(a, b, o)
		if err != nil {
			for _, h := range handles {
				if perr := r.putLocked(h.Value); perr != nil {
					log.Warn("failed to put %s: %v", h, perr)
				}
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	return handles, nil
}

// exportableLocked returns the backing to export for an allocation which
// is still live.
func (r *Registry) exportableLocked(a *alloc.Allocation) (*alloc.Backing, error) {
	if a.IsFreeing() {
		return nil, fmt.Errorf("%w: %s is being freed", status.ErrInvalidArgument, a)
	}
	if cur, ok := r.table.Get(a.Address()); !ok || cur != a {
		return nil, fmt.Errorf("%w: %s is not a live allocation", status.ErrInvalidArgument, a)
	}
	return defaultBacking(a)
}

func (r *Registry) exportLocked(a *alloc.Allocation, b *alloc.Backing, o *bo.BufferObject) (Handle, error) {
	fd, err := r.binding.ExportFD(o)
	if err != nil {
		return Handle{}, err
	}

	if e, ok := r.entries[fd]; ok {
		e.refcount++
		log.Debug("exported %s of 0x%x again, refcount %d", e.handle, e.pointer, e.refcount)
		return e.handle, nil
	}

	o.Shared().AcquireWeak()
	e := &Entry{
		handle: Handle{
			Value:     fd,
			Kind:      KindOf(a),
			Size:      o.Size(),
			Instanced: b.Topology() == alloc.TileInstanced,
		},
		refcount:   1,
		allocation: a,
		pointer:    a.Address(),
		object:     o,
	}
	r.entries[fd] = e

	log.Debug("exported %s of 0x%x", e.handle, e.pointer)
	return e.handle, nil
}

// Put drops a reference to a handle. The last reference closes the handle
// and removes it from the registry.
func (r *Registry) Put(value int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putLocked(value)
}

func (r *Registry) putLocked(value int) error {
	e, ok := r.entries[value]
	if !ok {
		return fmt.Errorf("%w: unknown ipc handle %d", status.ErrInvalidArgument, value)
	}

	e.refcount--
	if e.refcount > 0 {
		log.Debug("put %s, refcount %d", e.handle, e.refcount)
		return nil
	}

	return r.removeLocked(e)
}

func (r *Registry) removeLocked(e *Entry) error {
	delete(r.entries, e.handle.Value)
	err := r.binding.ReleaseExportedFD(e.object)
	e.object.Shared().ReleaseWeak()

	log.Debug("removed %s of 0x%x", e.handle, e.pointer)
	return err
}

// RemoveByPointer removes every entry of the allocation at ptr, regardless
// of its references. It returns the number of removed entries.
func (r *Registry) RemoveByPointer(ptr uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		errs    *multierror.Error
		removed int
	)
	for _, e := range r.sortedLocked() {
		if e.pointer != ptr {
			continue
		}
		if e.refcount > 0 {
			log.Debug("forcibly removing %s with refcount %d", e.handle, e.refcount)
		}
		errs = multierror.Append(errs, r.removeLocked(e))
		removed++
	}

	return removed, errs.ErrorOrNil()
}

// Refcount returns the reference count of a handle.
func (r *Registry) Refcount(value int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[value]
	if !ok {
		return 0, false
	}
	return e.refcount, true
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns the registered handles ordered by value.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*Entry {
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].handle.Value < entries[j].handle.Value
	})
	return entries
}

// Import imports a handle on a device as a new allocation.
func (r *Registry) Import(ctx context.Context, dev *device.Device, h Handle) (*alloc.Allocation, error) {
	return r.ImportMulti(ctx, dev, []Handle{h})
}

// ImportMulti imports the handles of the tiles of an allocation on a device
// as a single allocation spanning all of them. Either every handle gets
// imported or none.
func (r *Registry) ImportMulti(ctx context.Context, dev *device.Device, handles []Handle) (*alloc.Allocation, error) {
	if dev == nil || len(handles) == 0 {
		return nil, fmt.Errorf("%w: import of %d handle(s)", status.ErrInvalidArgument, len(handles))
	}

	kind, instanced := handles[0].Kind, handles[0].Instanced
	fds := make([]int, 0, len(handles))
	sizes := make([]uint64, 0, len(handles))
	for _, h := range handles {
		if h.Kind != kind {
			return nil, fmt.Errorf("%w: mixed %s and %s handles",
				status.ErrInvalidArgument, kind, h.Kind)
		}
		if h.Instanced != instanced {
			return nil, fmt.Errorf("%w: mixed tile-instanced and colored handles",
				status.ErrInvalidArgument)
		}
		if h.Value < 0 || h.Size == 0 {
			return nil, fmt.Errorf("%w: %s", status.ErrInvalidArgument, h)
		}
		fds = append(fds, h.Value)
		sizes = append(sizes, h.Size)
	}

	topology := alloc.Single
	if instanced {
		topology = alloc.TileInstanced
	}

	return r.importFDs(ctx, dev, fds, sizes, topology, kind, false)
}

// ImportExternal attaches memory exported by another API as a new
// allocation of the device.
func (r *Registry) ImportExternal(ctx context.Context, dev *device.Device, fd int, size uint64, kind Kind) (*alloc.Allocation, error) {
	if dev == nil || fd < 0 || size == 0 {
		return nil, fmt.Errorf("%w: external import of fd %d, %d bytes",
			status.ErrInvalidArgument, fd, size)
	}
	return r.importFDs(ctx, dev, []int{fd}, []uint64{size}, alloc.Single, kind, true)
}

func (r *Registry) importFDs(ctx context.Context, dev *device.Device, fds []int, sizes []uint64, topology alloc.Topology, kind Kind, external bool) (*alloc.Allocation, error) {
	b, err := r.binding.ImportBacking(binding.ImportRequest{
		Device:   dev,
		FDs:      fds,
		Sizes:    sizes,
		Topology: topology,
	})
	if err != nil {
		return nil, err
	}

	cfg := alloc.Config{
		ID:        r.table.NextID(),
		Address:   b.Address(),
		Size:      b.Size(),
		Alignment: binding.PageSize,
		Kind:      alloc.DeviceUnified,
		Device:    dev,
		PageSize:  binding.PageSize,
	}
	if kind == KindHost {
		cfg.Kind = alloc.HostUnified
		cfg.Device = nil
	}

	a := alloc.New(cfg)
	if external {
		a.SetImportedFromExternal()
	}

	fail := func(err error) (*alloc.Allocation, error) {
		if rerr := r.binding.Release(ctx, b, true); rerr != nil {
			log.Warn("failed to release %s: %v", b, rerr)
		}
		return nil, err
	}

	if err := a.SetBacking(b); err != nil {
		return fail(err)
	}
	if err := r.table.Insert(a); err != nil {
		return fail(err)
	}

	log.Debug("imported %d handle(s) on %s as %s", len(fds), dev.Name(), a)
	if details.DebugEnabled() {
		a.Dump("  ")
	}

	return a, nil
}

// ExternalFD returns the prime file descriptor of an allocation for use
// by other APIs. The descriptor stays owned by the allocation.
func (r *Registry) ExternalFD(a *alloc.Allocation) (int, error) {
	o, err := defaultObject(a)
	if err != nil {
		return -1, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.binding.ExportFD(o)
}

// SubAllocations returns the tile-local parts of an allocation. It returns
// nothing for allocations consisting of a single buffer object.
func (r *Registry) SubAllocations(a *alloc.Allocation) []SubAllocation {
	b := a.DefaultBacking()
	if b == nil {
		return nil
	}

	objects := b.Objects()
	if len(objects) < 2 {
		return nil
	}

	subs := make([]SubAllocation, 0, len(objects))
	for _, o := range objects {
		subs = append(subs, SubAllocation{
			Address: o.ReservedAddress(),
			Size:    o.Size(),
		})
	}
	return subs
}
