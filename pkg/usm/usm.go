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

// Package usm implements unified shared memory allocation. It validates
// allocation requests, creates the backings of allocations through the
// binding layer and tears allocations down together with their peer
// aliases and exported handles.
package usm

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-usm/pkg/alloc"
	"github.com/intel/gpu-usm/pkg/binding"
	"github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/instrumentation/tracing"
	"github.com/intel/gpu-usm/pkg/ipc"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/peer"
	"github.com/intel/gpu-usm/pkg/status"
	"github.com/intel/gpu-usm/pkg/utils"
)

var (
	log     = logger.Get("usm")
	details = logger.Get("usm-details")
)

// CompressionMode overrides the compression policy of the platform.
type CompressionMode int

const (
	// CompressionAuto compresses suitable allocations.
	CompressionAuto CompressionMode = iota
	// CompressionForce compresses every device and shared allocation.
	CompressionForce
	// CompressionDisable never compresses.
	CompressionDisable
)

// Service allocates and frees the unified shared memory of a context.
type Service struct {
	mu         sync.Mutex
	devices    []*device.Device
	binding    *binding.Manager
	table      *alloc.Table
	peers      *peer.Set
	ipc        *ipc.Registry
	exportable map[uint64]bool
	stats      stats

	compression CompressionMode
	padding     uint64
}

type stats struct {
	retries  uint64
	failures uint64
}

// Option is an option for a Service.
type Option func(*Service)

// WithCompression sets the compression override.
func WithCompression(mode CompressionMode) Option {
	return func(s *Service) {
		s.compression = mode
	}
}

// WithAllocationPadding pads every allocation with extra bytes.
func WithAllocationPadding(padding uint64) Option {
	return func(s *Service) {
		s.padding = padding
	}
}

// NewService creates the allocation service of a context of root devices.
func NewService(devices []*device.Device, b *binding.Manager, table *alloc.Table, peers *peer.Set, registry *ipc.Registry, options ...Option) (*Service, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: context without devices", status.ErrInvalidArgument)
	}
	for _, dev := range devices {
		if dev.IsSubDevice() {
			return nil, fmt.Errorf("%w: context with sub-device %s", status.ErrInvalidArgument, dev.Name())
		}
	}

	s := &Service{
		devices:    devices,
		binding:    b,
		table:      table,
		peers:      peers,
		ipc:        registry,
		exportable: map[uint64]bool{},
	}
	for _, o := range options {
		o(s)
	}

	return s, nil
}

// Devices returns the root devices of the context.
func (s *Service) Devices() []*device.Device {
	return s.devices
}

// Table returns the allocation table of the context.
func (s *Service) Table() *alloc.Table {
	return s.table
}

// AllocRequest describes an allocation.
type AllocRequest struct {
	Kind        alloc.Kind
	Device      *device.Device
	Size        uint64
	Alignment   uint64
	Flags       alloc.Flags
	Descriptors []Descriptor
}

// AllocHost allocates host memory accessible by every device of the context.
func (s *Service) AllocHost(ctx context.Context, size, alignment uint64, flags alloc.Flags, descriptors ...Descriptor) (*alloc.Allocation, error) {
	return s.Allocate(ctx, AllocRequest{
		Kind:        alloc.HostUnified,
		Size:        size,
		Alignment:   alignment,
		Flags:       flags,
		Descriptors: descriptors,
	})
}

// AllocDevice allocates memory of a device.
func (s *Service) AllocDevice(ctx context.Context, dev *device.Device, size, alignment uint64, flags alloc.Flags, descriptors ...Descriptor) (*alloc.Allocation, error) {
	return s.Allocate(ctx, AllocRequest{
		Kind:        alloc.DeviceUnified,
		Device:      dev,
		Size:        size,
		Alignment:   alignment,
		Flags:       flags,
		Descriptors: descriptors,
	})
}

// AllocShared allocates memory shared between the host and a device, or
// every device of the context if dev is nil.
func (s *Service) AllocShared(ctx context.Context, dev *device.Device, size, alignment uint64, flags alloc.Flags, descriptors ...Descriptor) (*alloc.Allocation, error) {
	return s.Allocate(ctx, AllocRequest{
		Kind:        alloc.SharedUnified,
		Device:      dev,
		Size:        size,
		Alignment:   alignment,
		Flags:       flags,
		Descriptors: descriptors,
	})
}

// Allocate creates an allocation. Requests with an import descriptor attach
// the imported memory instead of allocating new memory.
func (s *Service) Allocate(ctx context.Context, r AllocRequest) (_ *alloc.Allocation, retErr error) {
	ctx, span := tracing.StartSpan(ctx, "Allocate",
		tracing.WithAttributes(
			tracing.Attribute("kind", r.Kind.String()),
			tracing.Attribute("size", int64(r.Size)),
		),
	)
	defer func() {
		if retErr != nil {
			s.mu.Lock()
			s.stats.failures++
			s.mu.Unlock()
		}
		span.End(tracing.WithStatus(retErr))
	}()

	opts, err := ParseDescriptors(r.Descriptors)
	if err != nil {
		return nil, err
	}

	if err := s.checkDevice(r); err != nil {
		return nil, err
	}

	if opts.IsImport() {
		return s.attach(ctx, r, opts)
	}

	if err := checkAlignment(r.Alignment); err != nil {
		return nil, err
	}
	if err := s.checkSize(r, opts); err != nil {
		return nil, err
	}

	if opts.RayTracing {
		r.Flags |= alloc.Resource48Bit
	}
	size := r.Size + s.padding

	roots := s.roots(r)
	props := s.properties(r, opts, size)

	backings, err := s.createBackings(ctx, roots, props)
	if err != nil {
		log.Error("failed to allocate %d bytes of %s memory: %v", size, r.Kind, err)
		return nil, err
	}

	a := alloc.New(alloc.Config{
		ID:        s.table.NextID(),
		Address:   backings[0].Address(),
		Size:      size,
		Alignment: max(r.Alignment, binding.PageSize),
		Kind:      r.Kind,
		Device:    r.Device,
		PageSize:  binding.PageSize,
		Flags:     r.Flags,
	})

	fail := func(err error) (*alloc.Allocation, error) {
		for _, b := range a.TakeBackings() {
			if rerr := s.binding.Release(ctx, b, true); rerr != nil {
				log.Warn("failed to release %s: %v", b, rerr)
			}
		}
		return nil, err
	}

	for _, b := range backings {
		if err := a.SetBacking(b); err != nil {
			if rerr := s.binding.Release(ctx, b, true); rerr != nil {
				log.Warn("failed to release %s: %v", b, rerr)
			}
			return fail(err)
		}
	}
	if err := s.table.Insert(a); err != nil {
		return fail(err)
	}

	if opts.ExportMemory {
		s.mu.Lock()
		s.exportable[a.Address()] = true
		s.mu.Unlock()
	}

	log.Debug("allocated %s", a)
	if details.DebugEnabled() {
		a.Dump("  ")
	}

	return a, nil
}

func (s *Service) checkDevice(r AllocRequest) error {
	switch r.Kind {
	case alloc.HostUnified:
		if r.Device != nil {
			return fmt.Errorf("%w: host allocation with device %s", status.ErrInvalidArgument, r.Device.Name())
		}
		return nil
	case alloc.DeviceUnified:
		if r.Device == nil {
			return fmt.Errorf("%w: device allocation without device", status.ErrInvalidArgument)
		}
	case alloc.SharedUnified:
		if r.Device == nil {
			return nil
		}
	default:
		return fmt.Errorf("%w: cannot allocate %s memory", status.ErrInvalidArgument, r.Kind)
	}

	if _, ok := s.rootOf(r.Device); !ok {
		return fmt.Errorf("%w: %s is not part of the context", status.ErrDeviceLost, r.Device.Name())
	}
	return nil
}

func (s *Service) rootOf(dev *device.Device) (*device.Device, bool) {
	for _, root := range s.devices {
		if root.Contains(dev) {
			return root, true
		}
	}
	return nil, false
}

func checkAlignment(alignment uint64) error {
	if alignment != 0 && !utils.IsPowerOfTwo(alignment) {
		return fmt.Errorf("%w: alignment %d is not a power of two", status.ErrInvalidArgument, alignment)
	}
	return nil
}

// checkSize checks the size of an allocation against the allocation size
// limits of the devices.
func (s *Service) checkSize(r AllocRequest, opts Options) error {
	if r.Size == 0 {
		return fmt.Errorf("%w: zero sized allocation", status.ErrUnsupportedSize)
	}

	if r.Device == nil {
		if opts.RelaxedAllocLimits {
			return nil
		}
		limit := uint64(0)
		for _, dev := range s.devices {
			if l := dev.Properties().MaxMemAllocSize; limit == 0 || l < limit {
				limit = l
			}
		}
		if r.Size > limit {
			return fmt.Errorf("%w: %d bytes exceeds the maximum allocation size %d",
				status.ErrUnsupportedSize, r.Size, limit)
		}
		return nil
	}

	props := r.Device.Properties()
	if !opts.RelaxedAllocLimits && r.Size > props.MaxMemAllocSize {
		return fmt.Errorf("%w: %d bytes exceeds the maximum allocation size %d of %s",
			status.ErrUnsupportedSize, r.Size, props.MaxMemAllocSize, r.Device.Name())
	}

	total := props.GlobalMemSize
	if !props.ImplicitScaling && props.SubDevices > 1 {
		total /= uint64(props.SubDevices)
	}
	if r.Size > total {
		return fmt.Errorf("%w: %d bytes exceeds the %d bytes of memory of %s",
			status.ErrUnsupportedSize, r.Size, total, r.Device.Name())
	}

	return nil
}

// roots returns the root devices to create backings on. The first one
// allocates the address shared by the others.
func (s *Service) roots(r AllocRequest) []*device.Device {
	if r.Device == nil {
		return s.devices
	}
	return []*device.Device{r.Device}
}

func (s *Service) properties(r AllocRequest, opts Options, size uint64) binding.Properties {
	p := binding.Properties{
		Device:      r.Device,
		Size:        size,
		Alignment:   r.Alignment,
		Need48Bit:   r.Flags.Has(alloc.Resource48Bit),
		CacheRegion: bo.CacheRegionDefault,
		CachePolicy: bo.CachePolicyWriteBack,
		Regions:     []kmd.Region{kmd.SystemRegion},
		Topology:    alloc.Single,
	}
	if r.Flags.Has(alloc.LocallyUncached) {
		p.CachePolicy = bo.CachePolicyUncached
	}

	switch r.Kind {
	case alloc.DeviceUnified:
		if local := r.Device.LocalRegions(); len(local) > 0 {
			p.Regions = local
		}
		if !r.Device.IsSubDevice() && r.Device.Properties().ImplicitScaling {
			p.Topology = alloc.Colored
		}
	case alloc.SharedUnified:
		if r.Device != nil && r.Flags.Has(alloc.InitialPlacementGPU) && !r.Flags.Has(alloc.InitialPlacementCPU) {
			if local := r.Device.LocalRegions(); len(local) > 0 {
				p.Regions = append(local, kmd.SystemRegion)
			}
		}
	}

	p.Compressed = s.compressible(r, opts, size)
	return p
}

// compressible decides if an allocation is compressed. Memory is compressed
// if the platform supports compressing its type, it is large enough and
// it was not asked to stay uncompressed, unless overridden.
func (s *Service) compressible(r AllocRequest, opts Options, size uint64) bool {
	if r.Device == nil || r.Kind == alloc.HostUnified {
		return false
	}

	switch s.compression {
	case CompressionForce:
		return true
	case CompressionDisable:
		return false
	}

	props := r.Device.Properties()
	supported := false
	switch r.Kind {
	case alloc.DeviceUnified:
		supported = props.CompressionDevice
	case alloc.SharedUnified:
		supported = props.CompressionShared
	}

	uncompressed := r.Flags.Has(alloc.Uncompressed) ||
		(opts.Compression != nil && !opts.Compression.Compressed)

	return supported && size >= props.MinCompressionSize && !uncompressed
}

// createBackings creates a backing on every root device. On running out
// of memory with deferred releases pending, it drains them and retries
// once.
func (s *Service) createBackings(ctx context.Context, roots []*device.Device, p binding.Properties) ([]*alloc.Backing, error) {
	backings, err := s.tryCreateBackings(ctx, roots, p)
	if err == nil || !status.IsOutOfMemory(err) {
		return backings, err
	}

	pending := s.binding.DeferredCount()
	if pending == 0 {
		return nil, err
	}

	log.Info("out of memory with %d deferred release(s) pending, draining and retrying", pending)
	if derr := s.binding.DrainDeferred(ctx); derr != nil {
		log.Warn("failed to drain deferred releases: %v", derr)
	}

	s.mu.Lock()
	s.stats.retries++
	s.mu.Unlock()

	return s.tryCreateBackings(ctx, roots, p)
}

func (s *Service) tryCreateBackings(ctx context.Context, roots []*device.Device, p binding.Properties) ([]*alloc.Backing, error) {
	var backings []*alloc.Backing
	for _, root := range roots {
		rp := p
		if p.Device == nil || !root.Contains(p.Device) {
			rp.Device = root
		}
		if len(backings) > 0 {
			rp.Address = backings[0].Address()
		}

		b, err := s.binding.CreateBacking(rp)
		if err != nil {
			for _, b := range backings {
				if rerr := s.binding.Release(ctx, b, true); rerr != nil {
					log.Warn("failed to release %s: %v", b, rerr)
				}
			}
			return nil, err
		}
		backings = append(backings, b)
	}
	return backings, nil
}

func (s *Service) attach(ctx context.Context, r AllocRequest, opts Options) (*alloc.Allocation, error) {
	if opts.ImportWin32 != nil {
		return nil, fmt.Errorf("%w: importing Windows handles", status.ErrUnsupportedFeature)
	}

	dev := r.Device
	if dev == nil {
		dev = s.devices[0]
	}
	kind := ipc.KindDevice
	if r.Kind == alloc.HostUnified {
		kind = ipc.KindHost
	}

	a, err := s.ipc.ImportExternal(ctx, dev, opts.ImportFD.FD, r.Size, kind)
	if err != nil {
		return nil, err
	}

	log.Debug("attached fd %d as %s", opts.ImportFD.FD, a)
	return a, nil
}

// Free frees the allocation at ptr. The allocation is unpublished first,
// then its peer aliases and exported handles are removed. A blocking free waits for the GPU to
// finish using the allocation, a non-blocking one defers the release of
// memory still in use.
func (s *Service) Free(ctx context.Context, ptr uint64, blocking bool) (retErr error) {
	ctx, span := tracing.StartSpan(ctx, "Free",
		tracing.WithAttributes(
			tracing.Attribute("address", ptr),
			tracing.Attribute("blocking", blocking),
		),
	)
	defer func() {
		span.End(tracing.WithStatus(retErr))
	}()

	a, ok := s.table.Get(ptr)
	if !ok {
		return fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}
	if a.Kind() == alloc.ReservedDevice {
		return fmt.Errorf("%w: 0x%x is a mapped reservation range", status.ErrInvalidArgument, ptr)
	}
	if !a.MarkFreeing() {
		return fmt.Errorf("%w: 0x%x is already being freed", status.ErrInvalidArgument, ptr)
	}

	// Unpublish before tearing down aliases and handles. Aliasing and
	// exporting check the mark under the locks teardown takes.
	var errs *multierror.Error
	if _, err := s.table.Remove(ptr); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := s.peers.FreeAll(ctx, ptr, blocking); err != nil {
		errs = multierror.Append(errs, err)
	}
	if n, err := s.ipc.RemoveByPointer(ptr); err != nil {
		errs = multierror.Append(errs, err)
	} else if n > 0 {
		log.Debug("removed %d ipc handle(s) of 0x%x", n, ptr)
	}

	s.mu.Lock()
	delete(s.exportable, ptr)
	s.mu.Unlock()

	for _, b := range a.TakeBackings() {
		errs = multierror.Append(errs, s.binding.Release(ctx, b, blocking))
	}

	log.Debug("freed %s", a)
	return errs.ErrorOrNil()
}

// ReleaseDeferred releases deferred frees of memory no longer in use
// without blocking. It returns the number of released backings.
func (s *Service) ReleaseDeferred() int {
	return s.binding.ReleaseCompleted()
}

// Properties are the properties of an allocation.
type Properties struct {
	ID       uint64
	Kind     alloc.Kind
	Base     uint64
	Size     uint64
	PageSize uint64
	Device   *device.Device
	// ExportFD is the file descriptor of exportable memory, otherwise -1.
	ExportFD       int
	SubAllocations []ipc.SubAllocation
}

// GetAllocProperties returns the properties of the allocation containing ptr.
func (s *Service) GetAllocProperties(ptr uint64) (Properties, error) {
	a, ok := s.table.Find(ptr)
	if !ok {
		return Properties{ExportFD: -1}, fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}

	p := Properties{
		ID:             a.ID(),
		Kind:           a.Kind(),
		Base:           a.Address(),
		Size:           a.Size(),
		PageSize:       a.PageSize(),
		Device:         a.Device(),
		ExportFD:       -1,
		SubAllocations: s.ipc.SubAllocations(a),
	}

	s.mu.Lock()
	exportable := s.exportable[a.Address()]
	s.mu.Unlock()

	if exportable {
		fd, err := s.ipc.ExternalFD(a)
		if err != nil {
			return p, err
		}
		p.ExportFD = fd
	}

	return p, nil
}

// GetAddressRange returns the base address and size of the allocation
// containing ptr.
func (s *Service) GetAddressRange(ptr uint64) (uint64, uint64, error) {
	a, ok := s.table.Find(ptr)
	if !ok {
		return 0, 0, fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}
	return a.Address(), a.Size(), nil
}

// Resolve returns the backing and GPU address to use for ptr on a device,
// aliasing allocations of other devices as necessary.
func (s *Service) Resolve(ctx context.Context, ptr uint64, dev *device.Device) (*alloc.Backing, uint64, *device.Device, error) {
	if _, ok := s.rootOf(dev); !ok {
		return nil, 0, nil, fmt.Errorf("%w: %s is not part of the context", status.ErrDeviceLost, dev.Name())
	}

	a, ok := s.table.Find(ptr)
	if !ok {
		return nil, 0, nil, fmt.Errorf("%w: no allocation at 0x%x", status.ErrInvalidArgument, ptr)
	}

	if b, ok := a.Backing(dev.Root().Index()); ok {
		return b, b.Address() + ptr - a.Address(), dev, nil
	}

	b, addr, err := s.peers.GetAlias(ctx, dev, ptr, 0)
	if err != nil {
		return nil, 0, nil, err
	}
	return b, addr, dev, nil
}

// IsAccessible checks if ptr can be accessed from a device.
func (s *Service) IsAccessible(ptr uint64, dev *device.Device) bool {
	if _, ok := s.rootOf(dev); !ok {
		return false
	}

	a, ok := s.table.Find(ptr)
	if !ok {
		return false
	}

	switch a.Kind() {
	case alloc.HostUnified:
		return true
	case alloc.SharedUnified:
		return a.Device() == nil || a.Device().Root() == dev.Root() || s.peerable(a, dev)
	default:
		return a.Device().Root() == dev.Root() || s.peerable(a, dev)
	}
}

// peerable checks if an allocation of another device can be aliased on dev.
func (s *Service) peerable(a *alloc.Allocation, dev *device.Device) bool {
	_, ok := s.peers.Cache(dev)
	return ok && a.DefaultBacking() != nil
}

// AllocateKernelHeap allocates memory for kernel code or heaps. The memory
// is bound immediately and always resident on the device.
func (s *Service) AllocateKernelHeap(ctx context.Context, dev *device.Device, size uint64) (*alloc.Allocation, error) {
	if err := s.checkDevice(AllocRequest{Kind: alloc.DeviceUnified, Device: dev}); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized kernel heap", status.ErrUnsupportedSize)
	}

	topology := alloc.Single
	if !dev.IsSubDevice() && len(dev.SubDevices()) > 1 {
		topology = alloc.TileInstanced
	}

	p := binding.Properties{
		Device:      dev,
		Size:        size,
		Need48Bit:   true,
		Regions:     dev.LocalRegions(),
		Topology:    topology,
		CacheRegion: bo.CacheRegionDefault,
		CachePolicy: bo.CachePolicyWriteBack,
		Immediate:   true,
	}

	backings, err := s.createBackings(ctx, []*device.Device{dev.Root()}, p)
	if err != nil {
		return nil, err
	}
	b := backings[0]

	if err := s.binding.MakeResident(ctx, dev, b); err != nil {
		if rerr := s.binding.Release(ctx, b, true); rerr != nil {
			log.Warn("failed to release %s: %v", b, rerr)
		}
		return nil, err
	}

	a := alloc.New(alloc.Config{
		ID:        s.table.NextID(),
		Address:   b.Address(),
		Size:      b.Size(),
		Alignment: binding.PageSize,
		Kind:      alloc.DeviceUnified,
		Device:    dev,
		PageSize:  binding.PageSize,
		Flags:     alloc.Resource48Bit,
	})
	if err := a.SetBacking(b); err == nil {
		err = s.table.Insert(a)
	}
	if err != nil {
		if rerr := s.binding.Release(ctx, b, true); rerr != nil {
			log.Warn("failed to release %s: %v", b, rerr)
		}
		return nil, err
	}

	log.Debug("allocated kernel heap %s", a)
	return a, nil
}

// Allocations returns the live allocations in address order.
func (s *Service) Allocations() []*alloc.Allocation {
	return s.table.Allocations()
}

// Close frees every remaining allocation, waiting for the GPU.
func (s *Service) Close(ctx context.Context) error {
	var errs *multierror.Error
	for _, a := range s.table.Allocations() {
		if a.Kind() == alloc.ReservedDevice {
			continue
		}
		errs = multierror.Append(errs, s.Free(ctx, a.Address(), true))
	}
	return errs.ErrorOrNil()
}
