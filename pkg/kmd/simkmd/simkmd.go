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

// Package simkmd implements an in-process simulated GPU kernel driver. A
// Kernel serves the ioctl vocabulary of either the legacy or the
// next-generation backend for one device file, a System shares prime file
// descriptors and system memory between the Kernels of a process.
package simkmd

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/gpu-usm/pkg/abi/drm"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
)

var log = logger.Get("simkmd")

// System is the process-wide state shared by simulated kernels.
type System struct {
	sync.Mutex
	capacity uint64
	used     uint64
	nextFD   int
	fds      map[int]*object
	nextID   int
}

// NewSystem creates a simulated system with the given amount of system memory.
func NewSystem(systemMemory uint64) *System {
	return &System{
		capacity: systemMemory,
		nextFD:   1000,
		fds:      map[int]*object{},
		nextID:   1,
	}
}

// OpenFDs returns the number of open prime file descriptors.
func (s *System) OpenFDs() int {
	s.Lock()
	defer s.Unlock()
	return len(s.fds)
}

// SystemUsed returns the amount of system memory in use by memory objects.
func (s *System) SystemUsed() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.used
}

func (s *System) closeFD(fd int) error {
	s.Lock()
	obj, ok := s.fds[fd]
	if !ok {
		s.Unlock()
		return unix.EBADF
	}
	delete(s.fds, fd)
	s.Unlock()

	obj.unref()
	return nil
}

// Config is the configuration of a simulated kernel.
type Config struct {
	// Driver is the name of the simulated kernel driver, i915 or xe.
	Driver string
	// LocalMemory is the local memory capacity of each tile.
	LocalMemory []uint64
	// ResidentLimit limits the total size of bound ranges, 0 for no limit.
	ResidentLimit uint64
}

// Kernel is a simulated kernel driver serving one device file.
type Kernel struct {
	sync.Mutex
	sys        *System
	cfg        Config
	localUsed  []uint64
	handles    map[uint32]*object
	nextHandle uint32
	vms        map[uint32]*vm
	nextVM     uint32
	contexts   map[uint32]*engine
	nextCtx    uint32
	fences     map[uint64]uint64
	fenceCh    chan struct{}
	bound      uint64
	calls      map[uintptr]int
	inject     map[uintptr][]unix.Errno
	closed     bool
}

type object struct {
	id     int
	size   uint64
	region kmd.Region
	owner  *Kernel
	sys    *System
	mu     sync.Mutex
	refs   int
}

type binding struct {
	obj      *object
	size     uint64
	patIndex uint32
	flags    uint64
}

type vm struct {
	bindings map[uint64]*binding
}

type engine struct {
	vm   uint32
	tile int
	hung bool
}

var _ kmd.Ioctler = &Kernel{}

// NewKernel creates a simulated kernel in the given system.
func NewKernel(sys *System, cfg Config) *Kernel {
	return &Kernel{
		sys:        sys,
		cfg:        cfg,
		localUsed:  make([]uint64, len(cfg.LocalMemory)),
		handles:    map[uint32]*object{},
		nextHandle: 1,
		vms:        map[uint32]*vm{},
		nextVM:     1,
		contexts:   map[uint32]*engine{},
		nextCtx:    1,
		fences:     map[uint64]uint64{},
		fenceCh:    make(chan struct{}),
		calls:      map[uintptr]int{},
		inject:     map[uintptr][]unix.Errno{},
	}
}

// Driver returns the name of the simulated kernel driver.
func (k *Kernel) Driver() string {
	return k.cfg.Driver
}

// FailNext makes the next ioctl with the given request fail with errno.
func (k *Kernel) FailNext(req uintptr, errno unix.Errno) {
	k.Lock()
	defer k.Unlock()
	k.inject[req] = append(k.inject[req], errno)
}

// Calls returns the number of times the given ioctl request was issued.
func (k *Kernel) Calls(req uintptr) int {
	k.Lock()
	defer k.Unlock()
	return k.calls[req]
}

// Objects returns the number of open memory object handles.
func (k *Kernel) Objects() int {
	k.Lock()
	defer k.Unlock()
	return len(k.handles)
}

// LocalUsed returns the amount of local memory in use on a tile.
func (k *Kernel) LocalUsed(tile int) uint64 {
	k.Lock()
	defer k.Unlock()
	return k.localUsed[tile]
}

// BoundBytes returns the total size of bound ranges in all VMs.
func (k *Kernel) BoundBytes() uint64 {
	k.Lock()
	defer k.Unlock()
	return k.bound
}

// Bindings returns the number of bound ranges in a VM.
func (k *Kernel) Bindings(vmID uint32) int {
	k.Lock()
	defer k.Unlock()
	if v, ok := k.vms[vmID]; ok {
		return len(v.bindings)
	}
	return 0
}

// IsBound checks if a range starting at addr is bound in a VM.
func (k *Kernel) IsBound(vmID uint32, addr uint64) bool {
	k.Lock()
	defer k.Unlock()
	if v, ok := k.vms[vmID]; ok {
		_, bound := v.bindings[addr]
		return bound
	}
	return false
}

// PATIndex returns the PAT index of the range bound at addr in a VM.
func (k *Kernel) PATIndex(vmID uint32, addr uint64) (uint32, bool) {
	k.Lock()
	defer k.Unlock()
	if v, ok := k.vms[vmID]; ok {
		if b, ok := v.bindings[addr]; ok {
			return b.patIndex, true
		}
	}
	return 0, false
}

// Signal writes value to the user fence at addr, waking up waiters.
func (k *Kernel) Signal(addr, value uint64) {
	k.Lock()
	defer k.Unlock()
	if value > k.fences[addr] {
		k.fences[addr] = value
	}
	close(k.fenceCh)
	k.fenceCh = make(chan struct{})
}

// InjectHang marks an engine context hung, failing its fence waits.
func (k *Kernel) InjectHang(ctx uint32) {
	k.Lock()
	defer k.Unlock()
	if e, ok := k.contexts[ctx]; ok {
		e.hung = true
	}
	close(k.fenceCh)
	k.fenceCh = make(chan struct{})
}

// Ioctl serves an ioctl request.
func (k *Kernel) Ioctl(req uintptr, arg unsafe.Pointer) error {
	k.Lock()

	k.calls[req]++
	if errs := k.inject[req]; len(errs) > 0 {
		k.inject[req] = errs[1:]
		k.Unlock()
		log.Debug("injected failure %v for ioctl 0x%x", errs[0], req)
		return errs[0]
	}
	if k.closed {
		k.Unlock()
		return unix.ENODEV
	}

	switch req {
	case drm.IoctlXeWaitUserFence:
		k.Unlock()
		a := (*drm.XeWaitUserFence)(arg)
		return k.waitFence(a.ExecQueueID, a.Addr, a.Value, a.Timeout, a.Timeout == int64(^uint64(0)>>1))
	case drm.IoctlI915GemWaitUserFence:
		k.Unlock()
		a := (*drm.I915GemWaitUserFence)(arg)
		return k.waitFence(a.CtxID, a.Addr, a.Value, a.Timeout, a.Timeout < 0)
	}

	defer k.Unlock()

	switch req {
	case drm.IoctlVersion:
		return k.version((*drm.Version)(arg))
	case drm.IoctlGemClose:
		return k.gemClose((*drm.GemClose)(arg).Handle)
	case drm.IoctlPrimeHandleToFD:
		return k.handleToFD((*drm.PrimeHandle)(arg))
	case drm.IoctlPrimeFDToHandle:
		return k.fdToHandle((*drm.PrimeHandle)(arg))
	}

	if k.cfg.Driver == "xe" {
		return k.xeIoctl(req, arg)
	}
	return k.i915Ioctl(req, arg)
}

func (k *Kernel) i915Ioctl(req uintptr, arg unsafe.Pointer) error {
	switch req {
	case drm.IoctlI915GemCreateExt:
		a := (*drm.I915GemCreateExt)(arg)
		var regions []kmd.Region
		for ext := a.Extensions; ext != 0; {
			base := (*drm.I915UserExtension)(unsafe.Pointer(uintptr(ext)))
			if base.Name == drm.I915GemCreateExtMemoryRegions {
				r := (*drm.I915GemCreateExtRegions)(unsafe.Pointer(uintptr(ext)))
				ci := unsafe.Slice((*drm.I915MemoryClassInstance)(unsafe.Pointer(uintptr(r.Regions))), r.NumRegions)
				for _, c := range ci {
					if c.MemoryClass == drm.I915MemoryClassDevice {
						regions = append(regions, kmd.LocalRegion(int(c.MemoryInstance)))
					} else {
						regions = append(regions, kmd.SystemRegion)
					}
				}
			}
			ext = base.NextExtension
		}
		h, err := k.create(a.Size, regions)
		if err != nil {
			return err
		}
		a.Handle = h
		return nil

	case drm.IoctlI915GemVMCreate:
		a := (*drm.I915GemVMControl)(arg)
		a.VMID = k.createVM()
		return nil

	case drm.IoctlI915GemVMDestroy:
		return k.destroyVM((*drm.I915GemVMControl)(arg).VMID)

	case drm.IoctlI915GemContextCreate:
		a := (*drm.I915GemContextCreate)(arg)
		var vmID uint32
		if a.Flags&drm.I915ContextCreateFlagsUseExtensions != 0 && a.Extensions != 0 {
			p := (*drm.I915ContextCreateExtParam)(unsafe.Pointer(uintptr(a.Extensions)))
			if p.Param.Param == drm.I915ContextParamVM {
				vmID = uint32(p.Param.Value)
			}
		}
		id, err := k.createContext(vmID, 0)
		if err != nil {
			return err
		}
		a.CtxID = id
		return nil

	case drm.IoctlI915GemContextDestroy:
		return k.destroyContext((*drm.I915GemContextDestroy)(arg).CtxID)

	case drm.IoctlI915GemVMBind:
		a := (*drm.I915GemVMBind)(arg)
		var pat uint32
		if a.Extensions != 0 {
			p := (*drm.I915VMBindExtPAT)(unsafe.Pointer(uintptr(a.Extensions)))
			if p.Base.Name == drm.I915VMBindExtSetPAT {
				pat = uint32(p.PATIndex)
			}
		}
		return k.bind(a.VMID, a.Handle, a.Start, a.Offset, a.Length, pat, a.Flags)

	case drm.IoctlI915GemVMUnbind:
		a := (*drm.I915GemVMBind)(arg)
		return k.unbind(a.VMID, a.Start, a.Length)

	case drm.IoctlI915GetResetStats:
		a := (*drm.I915ResetStats)(arg)
		e, ok := k.contexts[a.CtxID]
		if !ok {
			return unix.ENOENT
		}
		a.BatchActive = 0
		if e.hung {
			a.ResetCount, a.BatchActive = 1, 1
		}
		return nil
	}

	return unix.ENOTTY
}

func (k *Kernel) xeIoctl(req uintptr, arg unsafe.Pointer) error {
	switch req {
	case drm.IoctlXeGemCreate:
		a := (*drm.XeGemCreate)(arg)
		var regions []kmd.Region
		for tile := 0; tile < len(k.cfg.LocalMemory); tile++ {
			if a.Placement&(1<<(tile+1)) != 0 {
				regions = append(regions, kmd.LocalRegion(tile))
			}
		}
		if a.Placement&drm.XePlacementSystem != 0 {
			regions = append(regions, kmd.SystemRegion)
		}
		h, err := k.create(a.Size, regions)
		if err != nil {
			return err
		}
		a.Handle = h
		return nil

	case drm.IoctlXeVMCreate:
		a := (*drm.XeVMCreate)(arg)
		a.VMID = k.createVM()
		return nil

	case drm.IoctlXeVMDestroy:
		return k.destroyVM((*drm.XeVMDestroy)(arg).VMID)

	case drm.IoctlXeExecQueueCreate:
		a := (*drm.XeExecQueueCreate)(arg)
		tile := 0
		if a.Instances != 0 {
			tile = int((*drm.XeEngineClassInstance)(unsafe.Pointer(uintptr(a.Instances))).GTID)
		}
		id, err := k.createContext(a.VMID, tile)
		if err != nil {
			return err
		}
		a.ExecQueueID = id
		return nil

	case drm.IoctlXeExecQueueDestroy:
		return k.destroyContext((*drm.XeExecQueueDestroy)(arg).ExecQueueID)

	case drm.IoctlXeExecQueueGetProperty:
		a := (*drm.XeExecQueueGetProperty)(arg)
		e, ok := k.contexts[a.ExecQueueID]
		if !ok {
			return unix.ENOENT
		}
		if a.Property != drm.XeExecQueueGetPropertyBan {
			return unix.EINVAL
		}
		a.Value = 0
		if e.hung {
			a.Value = 1
		}
		return nil

	case drm.IoctlXeVMBind:
		a := (*drm.XeVMBind)(arg)
		if a.NumBinds != 1 {
			return unix.EINVAL
		}
		op := &a.Bind
		switch op.Op {
		case drm.XeVMBindOpMap:
			return k.bind(a.VMID, op.ObjHandle, op.Addr, op.ObjOffset, op.Range, uint32(op.PATIndex), uint64(op.Flags))
		case drm.XeVMBindOpUnmap:
			return k.unbind(a.VMID, op.Addr, op.Range)
		}
		return unix.EINVAL
	}

	return unix.ENOTTY
}

func (k *Kernel) version(v *drm.Version) error {
	name := k.cfg.Driver
	if v.NameLen >= uint64(len(name)) && v.Name != 0 {
		buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(v.Name))), v.NameLen)
		copy(buf, name)
	}
	v.Major, v.Minor = 1, 0
	v.NameLen = uint64(len(name))
	return nil
}

func (k *Kernel) create(size uint64, regions []kmd.Region) (uint32, error) {
	if size == 0 || len(regions) == 0 {
		return 0, unix.EINVAL
	}

	for _, r := range regions {
		if !k.charge(r, size) {
			continue
		}

		k.sys.Lock()
		obj := &object{
			id:     k.sys.nextID,
			size:   size,
			region: r,
			owner:  k,
			sys:    k.sys,
			refs:   1,
		}
		k.sys.nextID++
		k.sys.Unlock()

		h := k.nextHandle
		k.nextHandle++
		k.handles[h] = obj
		log.Debug("%s: created object #%d (handle %d) of %d bytes in %s",
			k.cfg.Driver, obj.id, h, size, r)
		return h, nil
	}

	return 0, unix.ENOSPC
}

func (k *Kernel) charge(r kmd.Region, size uint64) bool {
	if r.Class == kmd.MemorySystem {
		k.sys.Lock()
		defer k.sys.Unlock()
		if k.sys.capacity != 0 && k.sys.used+size > k.sys.capacity {
			return false
		}
		k.sys.used += size
		return true
	}

	if r.Tile >= len(k.localUsed) {
		return false
	}
	if k.localUsed[r.Tile]+size > k.cfg.LocalMemory[r.Tile] {
		return false
	}
	k.localUsed[r.Tile] += size
	return true
}

// unref drops a reference to the object, releasing its memory at zero.
func (o *object) unref() {
	o.mu.Lock()
	o.refs--
	last := o.refs == 0
	o.mu.Unlock()

	if !last {
		return
	}

	if o.region.Class == kmd.MemorySystem {
		o.sys.Lock()
		o.sys.used -= o.size
		o.sys.Unlock()
		return
	}

	if o.owner == nil {
		return
	}

	o.owner.Lock()
	o.owner.localUsed[o.region.Tile] -= o.size
	o.owner.Unlock()
}

func (o *object) ref() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// gemClose closes a handle. Called with the kernel lock held.
func (k *Kernel) gemClose(h uint32) error {
	obj, ok := k.handles[h]
	if !ok {
		return unix.EINVAL
	}
	delete(k.handles, h)

	// the object may be owned by this kernel, so drop the lock for unref
	k.Unlock()
	obj.unref()
	k.Lock()
	return nil
}

func (k *Kernel) handleToFD(a *drm.PrimeHandle) error {
	obj, ok := k.handles[a.Handle]
	if !ok {
		return unix.ENOENT
	}

	obj.ref()
	k.sys.Lock()
	fd := k.sys.nextFD
	k.sys.nextFD++
	k.sys.fds[fd] = obj
	k.sys.Unlock()

	a.FD = int32(fd)
	return nil
}

func (k *Kernel) fdToHandle(a *drm.PrimeHandle) error {
	k.sys.Lock()
	obj, ok := k.sys.fds[int(a.FD)]
	k.sys.Unlock()
	if !ok {
		return unix.EBADF
	}

	for h, o := range k.handles {
		if o == obj {
			a.Handle = h
			return nil
		}
	}

	obj.ref()
	h := k.nextHandle
	k.nextHandle++
	k.handles[h] = obj
	a.Handle = h
	return nil
}

func (k *Kernel) createVM() uint32 {
	id := k.nextVM
	k.nextVM++
	k.vms[id] = &vm{bindings: map[uint64]*binding{}}
	return id
}

func (k *Kernel) destroyVM(id uint32) error {
	v, ok := k.vms[id]
	if !ok {
		return unix.ENOENT
	}
	for _, b := range v.bindings {
		k.bound -= b.size
	}
	delete(k.vms, id)
	return nil
}

func (k *Kernel) createContext(vmID uint32, tile int) (uint32, error) {
	if _, ok := k.vms[vmID]; !ok {
		return 0, unix.ENOENT
	}
	id := k.nextCtx
	k.nextCtx++
	k.contexts[id] = &engine{vm: vmID, tile: tile}
	return id, nil
}

func (k *Kernel) destroyContext(id uint32) error {
	if _, ok := k.contexts[id]; !ok {
		return unix.ENOENT
	}
	delete(k.contexts, id)
	return nil
}

func (k *Kernel) bind(vmID, h uint32, addr, offset, size uint64, pat uint32, flags uint64) error {
	v, ok := k.vms[vmID]
	if !ok {
		return unix.ENOENT
	}
	obj, ok := k.handles[h]
	if !ok {
		return unix.ENOENT
	}
	if size == 0 || offset+size > obj.size {
		return unix.EINVAL
	}
	for start, b := range v.bindings {
		if addr < start+b.size && start < addr+size {
			return unix.EEXIST
		}
	}
	if k.cfg.ResidentLimit != 0 && k.bound+size > k.cfg.ResidentLimit {
		return unix.ENOSPC
	}

	v.bindings[addr] = &binding{obj: obj, size: size, patIndex: pat, flags: flags}
	k.bound += size
	return nil
}

func (k *Kernel) unbind(vmID uint32, addr, size uint64) error {
	v, ok := k.vms[vmID]
	if !ok {
		return unix.ENOENT
	}
	b, ok := v.bindings[addr]
	if !ok || b.size != size {
		return unix.EINVAL
	}
	delete(v.bindings, addr)
	k.bound -= size
	return nil
}

func (k *Kernel) waitFence(ctx uint32, addr, value uint64, timeout int64, infinite bool) error {
	var expired <-chan struct{}
	if !infinite && timeout > 0 {
		done := make(chan struct{})
		t := time.AfterFunc(time.Duration(timeout), func() { close(done) })
		defer t.Stop()
		expired = done
	}

	for {
		k.Lock()
		e, ok := k.contexts[ctx]
		if !ok {
			k.Unlock()
			return unix.ENOENT
		}
		if e.hung {
			k.Unlock()
			return unix.EIO
		}
		if k.fences[addr] >= value {
			k.Unlock()
			return nil
		}
		ch := k.fenceCh
		k.Unlock()

		if !infinite && timeout <= 0 {
			return unix.ETIME
		}

		select {
		case <-ch:
		case <-expired:
			return unix.ETIME
		}
	}
}

// CloseFD closes a prime file descriptor.
func (k *Kernel) CloseFD(fd int) error {
	return k.sys.closeFD(fd)
}

// Close closes the device file, releasing all of its handles.
func (k *Kernel) Close() error {
	k.Lock()
	if k.closed {
		k.Unlock()
		return nil
	}
	k.closed = true
	objs := make([]*object, 0, len(k.handles))
	for h, obj := range k.handles {
		objs = append(objs, obj)
		delete(k.handles, h)
	}
	k.vms = map[uint32]*vm{}
	k.bound = 0
	k.Unlock()

	for _, obj := range objs {
		obj.unref()
	}
	return nil
}
