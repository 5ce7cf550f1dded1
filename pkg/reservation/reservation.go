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

// Package reservation implements explicit GPU virtual address reservations
// and physical memory objects which can be mapped into them.
package reservation

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/addrmap"
	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/instrumentation/tracing"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/utils"
)

var log = logger.Get("reservation")

const (
	// MinPageSize is the smallest page size of reservations.
	MinPageSize = binding.PageSize
	// maxAlignment caps the alignment of reserved ranges.
	maxAlignment = 2 * 1024 * 1024
)

// Access is the access attribute of a reservation.
type Access int

const (
	AccessNone Access = iota
	AccessReadOnly
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("<unknown access %d>", int(a))
}

// Handle identifies a physical object.
type Handle uint64

// RequiredPageSize returns the page size a reservation of size bytes must
// be rounded to.
func RequiredPageSize(size uint64) uint64 {
	if ps := utils.PrevPowerOfTwo(size); ps > MinPageSize {
		return ps
	}
	return MinPageSize
}

// Reservation is a reserved GPU virtual address range.
type Reservation struct {
	base   uint64
	size   uint64
	access Access
	ranges *addrmap.Map[*MappedRange]
}

// Base returns the first address of the reservation.
func (r *Reservation) Base() uint64 {
	return r.base
}

// Size returns the size of the reservation.
func (r *Reservation) Size() uint64 {
	return r.size
}

// Access returns the access attribute of the reservation.
func (r *Reservation) Access() Access {
	return r.access
}

// MappedRanges returns the mapped sub-ranges of the reservation.
func (r *Reservation) MappedRanges() []*MappedRange {
	var ranges []*MappedRange
	r.ranges.Ascend(func(e addrmap.Entry[*MappedRange]) bool {
		ranges = append(ranges, e.Value)
		return true
	})
	return ranges
}

func (r *Reservation) String() string {
	return fmt.Sprintf("reservation 0x%x-0x%x (%s, %d mapped)",
		r.base, r.base+r.size, r.access, r.ranges.Len())
}

// MappedRange is a sub-range of a reservation backed by a physical object.
type MappedRange struct {
	Address  uint64
	Size     uint64
	Offset   uint64
	Access   Access
	Physical Handle

	backing    *alloc.Backing
	allocation *alloc.Allocation
}

// Backing returns the backing of the mapped range.
func (r *MappedRange) Backing() *alloc.Backing {
	return r.backing
}

// Physical is a physical memory object without an address of its own.
type Physical struct {
	handle  Handle
	dev     *device.Device
	object  *bo.BufferObject
	size    uint64
	mapping *MappedRange
}

// Handle returns the handle of the physical object.
func (p *Physical) Handle() Handle {
	return p.handle
}

// Device returns the device of the physical object.
func (p *Physical) Device() *device.Device {
	return p.dev
}

// Size returns the size of the physical object.
func (p *Physical) Size() uint64 {
	return p.size
}

// InUse checks if the physical object is mapped.
func (p *Physical) InUse() bool {
	return p.mapping != nil
}

// Manager manages the reservations and physical objects of a context.
// Locks are taken in the order mu, physMu.
type Manager struct {
	mu           sync.Mutex
	reservations *addrmap.Map[*Reservation]

	physMu     sync.Mutex
	physical   map[Handle]*Physical
	nextHandle Handle

	binding *binding.Manager
	table   *alloc.Table
}

// NewManager creates a reservation manager. Mapped ranges are registered
// in the given allocation table.
func NewManager(b *binding.Manager, table *alloc.Table) *Manager {
	return &Manager{
		reservations: addrmap.New[*Reservation](),
		physical:     map[Handle]*Physical{},
		nextHandle:   1,
		binding:      b,
		table:        table,
	}
}

// QueryPageSize returns the page size of a reservation of size bytes.
func (m *Manager) QueryPageSize(size uint64) uint64 {
	return RequiredPageSize(size)
}

// ReserveVirtualRange reserves size bytes of GPU virtual address space,
// at hint if that range is free.
func (m *Manager) ReserveVirtualRange(hint, size uint64) (uint64, error) {
	if size == 0 || size != RequiredPageSize(size) {
		return 0, fmt.Errorf("%w: reservation of %d bytes, required page size is %d",
			status.ErrUnsupportedSize, size, RequiredPageSize(size))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	space := m.binding.Space()

	base := uint64(0)
	if hint != 0 && hint%MinPageSize == 0 {
		if err := space.AllocateAt(hint, size); err == nil {
			base = hint
		} else {
			log.Debug("hint 0x%x not usable: %v", hint, err)
		}
	}
	if base == 0 {
		addr, err := space.Allocate(size, min(size, maxAlignment), false)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", status.ErrOutOfDeviceMemory, err)
		}
		base = addr
	}

	r := &Reservation{
		base:   base,
		size:   size,
		access: AccessNone,
		ranges: addrmap.New[*MappedRange](),
	}
	if err := m.reservations.Insert(base, size, r); err != nil {
		if ferr := space.Free(base); ferr != nil {
			log.Error("failed to release address 0x%x: %v", base, ferr)
		}
		return 0, fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}

	log.Debug("reserved %s", r)
	return base, nil
}

// FreeVirtualRange releases a reservation. Ranges still mapped in it are
// unmapped first.
func (m *Manager) FreeVirtualRange(ctx context.Context, ptr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reservations.Get(ptr)
	if !ok || e.Size != size {
		return fmt.Errorf("%w: no reservation of %d bytes at 0x%x", status.ErrInvalidArgument, size, ptr)
	}
	r := e.Value

	var errs *multierror.Error
	for _, mr := range r.MappedRanges() {
		errs = multierror.Append(errs, m.unmapLocked(ctx, r, mr))
	}

	m.reservations.Delete(ptr)
	errs = multierror.Append(errs, m.binding.Space().Free(ptr))

	log.Debug("freed %s", r)
	return errs.ErrorOrNil()
}

// CreatePhysicalObject creates a physical object of size bytes on a device.
func (m *Manager) CreatePhysicalObject(dev *device.Device, size uint64) (Handle, error) {
	if size == 0 || size%MinPageSize != 0 {
		return 0, fmt.Errorf("%w: physical object of %d bytes is not a multiple of %d",
			status.ErrUnsupportedSize, size, MinPageSize)
	}

	o, err := m.binding.CreateObject(binding.Properties{
		Device:  dev,
		Size:    size,
		Regions: dev.LocalRegions(),
	})
	if err != nil {
		return 0, err
	}

	m.physMu.Lock()
	defer m.physMu.Unlock()

	h := m.nextHandle
	m.nextHandle++
	m.physical[h] = &Physical{
		handle: h,
		dev:    dev,
		object: o,
		size:   size,
	}

	log.Debug("created physical object #%d of %d bytes on %s", h, size, dev.Name())
	return h, nil
}

// DestroyPhysicalObject destroys an unmapped physical object.
func (m *Manager) DestroyPhysicalObject(h Handle) error {
	m.physMu.Lock()
	defer m.physMu.Unlock()

	p, ok := m.physical[h]
	if !ok {
		return fmt.Errorf("%w: unknown physical object #%d", status.ErrInvalidArgument, h)
	}
	if p.InUse() {
		return fmt.Errorf("%w: physical object #%d is mapped at 0x%x",
			status.ErrInvalidArgument, h, p.mapping.Address)
	}

	delete(m.physical, h)
	log.Debug("destroying physical object #%d", h)

	return m.binding.DestroyObject(p.object)
}

// PhysicalObject returns a physical object by its handle.
func (m *Manager) PhysicalObject(h Handle) (*Physical, bool) {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	p, ok := m.physical[h]
	return p, ok
}

// MapPhysicalToVirtual maps size bytes of a physical object at offset to
// the reserved range at ptr and makes it resident on the device of the
// physical object.
func (m *Manager) MapPhysicalToVirtual(ctx context.Context, ptr, size uint64, h Handle, offset uint64, access Access) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "MapPhysicalToVirtual",
		tracing.WithAttributes(
			tracing.Attribute("address", ptr),
			tracing.Attribute("size", size),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	if size == 0 || ptr%MinPageSize != 0 || size%MinPageSize != 0 || offset%MinPageSize != 0 {
		return fmt.Errorf("%w: mapping 0x%x+%d at offset 0x%x",
			status.ErrInvalidArgument, ptr, size, offset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reservations.Find(ptr)
	if !ok || ptr+size > e.End() {
		return fmt.Errorf("%w: no reservation contains 0x%x-0x%x",
			status.ErrInvalidArgument, ptr, ptr+size)
	}
	r := e.Value

	if o, ok := r.ranges.Overlapping(ptr, size); ok {
		return fmt.Errorf("%w: 0x%x-0x%x overlaps mapped range 0x%x-0x%x",
			status.ErrInvalidArgument, ptr, ptr+size, o.Start, o.End())
	}

	m.physMu.Lock()
	defer m.physMu.Unlock()

	p, ok := m.physical[h]
	if !ok {
		return fmt.Errorf("%w: unknown physical object #%d", status.ErrInvalidArgument, h)
	}
	if p.InUse() {
		return fmt.Errorf("%w: physical object #%d is already mapped at 0x%x",
			status.ErrInvalidArgument, h, p.mapping.Address)
	}
	if offset+size > p.size {
		return fmt.Errorf("%w: 0x%x+%d is beyond physical object #%d of %d bytes",
			status.ErrInvalidArgument, offset, size, h, p.size)
	}

	b, err := m.binding.MapObject(p.dev.Root(), p.object, ptr, offset, size)
	if err != nil {
		return err
	}

	a := alloc.New(alloc.Config{
		ID:        m.table.NextID(),
		Address:   ptr,
		Size:      size,
		Alignment: MinPageSize,
		Kind:      alloc.ReservedDevice,
		Device:    p.dev,
		PageSize:  RequiredPageSize(r.size),
	})
	if err := a.SetBacking(b); err != nil {
		m.releaseBacking(ctx, b)
		return err
	}
	if err := m.table.Insert(a); err != nil {
		m.releaseBacking(ctx, b)
		return err
	}

	mr := &MappedRange{
		Address:    ptr,
		Size:       size,
		Offset:     offset,
		Access:     access,
		Physical:   h,
		backing:    b,
		allocation: a,
	}
	if err := r.ranges.Insert(ptr, size, mr); err != nil {
		m.dropAllocation(ptr)
		m.releaseBacking(ctx, b)
		return fmt.Errorf("%w: %v", status.ErrInvalidArgument, err)
	}

	if err := m.binding.MakeResident(ctx, p.dev, b); err != nil {
		r.ranges.Delete(ptr)
		m.dropAllocation(ptr)
		m.releaseBacking(ctx, b)
		return err
	}

	p.mapping = mr
	log.Debug("mapped 0x%x-0x%x of %s to physical object #%d at 0x%x",
		ptr, ptr+size, r, h, offset)

	return nil
}

// UnmapPhysicalFromVirtual unmaps the mapped range starting at ptr.
func (m *Manager) UnmapPhysicalFromVirtual(ctx context.Context, ptr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reservations.Find(ptr)
	if !ok {
		return fmt.Errorf("%w: no reservation contains 0x%x", status.ErrInvalidArgument, ptr)
	}
	r := e.Value

	me, ok := r.ranges.Get(ptr)
	if !ok || me.Size != size {
		return fmt.Errorf("%w: no mapped range of %d bytes at 0x%x", status.ErrInvalidArgument, size, ptr)
	}

	return m.unmapLocked(ctx, r, me.Value)
}

func (m *Manager) unmapLocked(ctx context.Context, r *Reservation, mr *MappedRange) error {
	r.ranges.Delete(mr.Address)

	m.physMu.Lock()
	if p, ok := m.physical[mr.Physical]; ok && p.mapping == mr {
		p.mapping = nil
	}
	m.physMu.Unlock()

	var errs *multierror.Error
	if _, err := m.table.Remove(mr.Address); err != nil {
		errs = multierror.Append(errs, err)
	}
	errs = multierror.Append(errs, m.binding.Release(ctx, mr.backing, true))

	log.Debug("unmapped 0x%x-0x%x of %s", mr.Address, mr.Address+mr.Size, r)
	return errs.ErrorOrNil()
}

func (m *Manager) dropAllocation(ptr uint64) {
	if _, err := m.table.Remove(ptr); err != nil {
		log.Warn("failed to remove allocation at 0x%x: %v", ptr, err)
	}
}

func (m *Manager) releaseBacking(ctx context.Context, b *alloc.Backing) {
	if err := m.binding.Release(ctx, b, true); err != nil {
		log.Warn("failed to release %s: %v", b, err)
	}
}

// SetAccessAttribute sets the access attribute of the reservation
// containing [ptr, ptr+size).
func (m *Manager) SetAccessAttribute(ptr, size uint64, access Access) error {
	if access < AccessNone || access > AccessReadWrite {
		return fmt.Errorf("%w: %s", status.ErrInvalidArgument, access)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reservations.Find(ptr)
	if !ok || ptr+size > e.End() {
		return fmt.Errorf("%w: no reservation contains 0x%x-0x%x",
			status.ErrInvalidArgument, ptr, ptr+size)
	}
	e.Value.access = access

	return nil
}

// GetAccessAttribute returns the access attribute of the reservation
// containing ptr and the size of the range it applies to from ptr on.
func (m *Manager) GetAccessAttribute(ptr uint64) (Access, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reservations.Find(ptr)
	if !ok {
		return AccessNone, 0, fmt.Errorf("%w: no reservation contains 0x%x",
			status.ErrInvalidArgument, ptr)
	}

	return e.Value.access, e.End() - ptr, nil
}

// Find returns the reservation containing ptr.
func (m *Manager) Find(ptr uint64) (*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.reservations.Find(ptr)
	return e.Value, ok
}

// Reservations returns all reservations in address order.
func (m *Manager) Reservations() []*Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservations := make([]*Reservation, 0, m.reservations.Len())
	m.reservations.Ascend(func(e addrmap.Entry[*Reservation]) bool {
		reservations = append(reservations, e.Value)
		return true
	})
	return reservations
}

// Close unmaps and frees every reservation and destroys every physical
// object.
func (m *Manager) Close(ctx context.Context) error {
	var errs *multierror.Error

	for _, r := range m.Reservations() {
		errs = multierror.Append(errs, m.FreeVirtualRange(ctx, r.base, r.size))
	}

	m.physMu.Lock()
	handles := make([]Handle, 0, len(m.physical))
	for h := range m.physical {
		handles = append(handles, h)
	}
	m.physMu.Unlock()

	for _, h := range handles {
		errs = multierror.Append(errs, m.DestroyPhysicalObject(h))
	}

	return errs.ErrorOrNil()
}
