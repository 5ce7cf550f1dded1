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

// Package i915 implements the legacy kernel driver backend.
package i915

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/intel/gpu-usm/pkg/abi/drm"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
)

// Name is the kernel driver name of the backend.
const Name = "i915"

var log = logger.Get("i915")

type driver struct {
	dev kmd.Ioctler
}

func init() {
	kmd.Register(Name, New)
}

// New creates a legacy driver backend for the given device file.
func New(dev kmd.Ioctler) (kmd.Driver, error) {
	return &driver{dev: dev}, nil
}

func (d *driver) Name() string {
	return Name
}

func (d *driver) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	err := d.dev.Ioctl(req, arg)
	if err != nil {
		log.Debug("%s failed: %v", op, err)
	}
	return kmd.Error(op, err)
}

func (d *driver) CreateObject(spec kmd.ObjectSpec) (kmd.Handle, error) {
	if len(spec.Regions) == 0 {
		return 0, fmt.Errorf("%s: no memory regions given", Name)
	}

	regions := make([]drm.I915MemoryClassInstance, 0, len(spec.Regions))
	for _, r := range spec.Regions {
		ci := drm.I915MemoryClassInstance{MemoryClass: drm.I915MemoryClassSystem}
		if r.Class == kmd.MemoryDevice {
			ci.MemoryClass = drm.I915MemoryClassDevice
			ci.MemoryInstance = uint16(r.Tile)
		}
		regions = append(regions, ci)
	}

	ext := &drm.I915GemCreateExtRegions{
		Base:       drm.I915UserExtension{Name: drm.I915GemCreateExtMemoryRegions},
		NumRegions: uint32(len(regions)),
		Regions:    uint64(uintptr(unsafe.Pointer(&regions[0]))),
	}
	arg := &drm.I915GemCreateExt{
		Size:       spec.Size,
		Extensions: uint64(uintptr(unsafe.Pointer(ext))),
	}

	err := d.ioctl("GEM_CREATE_EXT", drm.IoctlI915GemCreateExt, unsafe.Pointer(arg))
	runtime.KeepAlive(ext)
	runtime.KeepAlive(regions)
	if err != nil {
		return 0, err
	}

	return kmd.Handle(arg.Handle), nil
}

func (d *driver) DestroyObject(h kmd.Handle) error {
	arg := &drm.GemClose{Handle: uint32(h)}
	return d.ioctl("GEM_CLOSE", drm.IoctlGemClose, unsafe.Pointer(arg))
}

func (d *driver) ExportFD(h kmd.Handle) (int, error) {
	arg := &drm.PrimeHandle{Handle: uint32(h), Flags: drm.CloExec | drm.ReadWrite, FD: -1}
	if err := d.ioctl("PRIME_HANDLE_TO_FD", drm.IoctlPrimeHandleToFD, unsafe.Pointer(arg)); err != nil {
		return -1, err
	}
	return int(arg.FD), nil
}

func (d *driver) ImportFD(fd int) (kmd.Handle, error) {
	arg := &drm.PrimeHandle{FD: int32(fd)}
	if err := d.ioctl("PRIME_FD_TO_HANDLE", drm.IoctlPrimeFDToHandle, unsafe.Pointer(arg)); err != nil {
		return 0, err
	}
	return kmd.Handle(arg.Handle), nil
}

func (d *driver) CloseFD(fd int) error {
	return d.dev.CloseFD(fd)
}

func (d *driver) CreateVM() (uint32, error) {
	arg := &drm.I915GemVMControl{}
	if err := d.ioctl("GEM_VM_CREATE", drm.IoctlI915GemVMCreate, unsafe.Pointer(arg)); err != nil {
		return 0, err
	}
	return arg.VMID, nil
}

func (d *driver) DestroyVM(vm uint32) error {
	arg := &drm.I915GemVMControl{VMID: vm}
	return d.ioctl("GEM_VM_DESTROY", drm.IoctlI915GemVMDestroy, unsafe.Pointer(arg))
}

func (d *driver) CreateContext(vm uint32, tile int) (uint32, error) {
	ext := &drm.I915ContextCreateExtParam{
		Base: drm.I915UserExtension{Name: drm.I915ContextCreateExtSetParam},
		Param: drm.I915GemContextParam{
			Param: drm.I915ContextParamVM,
			Value: uint64(vm),
		},
	}
	arg := &drm.I915GemContextCreate{
		Flags:      drm.I915ContextCreateFlagsUseExtensions,
		Extensions: uint64(uintptr(unsafe.Pointer(ext))),
	}

	err := d.ioctl("GEM_CONTEXT_CREATE_EXT", drm.IoctlI915GemContextCreate, unsafe.Pointer(arg))
	runtime.KeepAlive(ext)
	if err != nil {
		return 0, err
	}

	log.Debug("created context %d on tile %d with VM %d", arg.CtxID, tile, vm)
	return arg.CtxID, nil
}

func (d *driver) DestroyContext(ctx uint32) error {
	arg := &drm.I915GemContextDestroy{CtxID: ctx}
	return d.ioctl("GEM_CONTEXT_DESTROY", drm.IoctlI915GemContextDestroy, unsafe.Pointer(arg))
}

func (d *driver) Bind(req *kmd.BindRequest) error {
	ext := &drm.I915VMBindExtPAT{
		Base:     drm.I915UserExtension{Name: drm.I915VMBindExtSetPAT},
		PATIndex: uint64(req.PATIndex),
	}
	arg := &drm.I915GemVMBind{
		VMID:       req.VM,
		Handle:     uint32(req.Handle),
		Start:      req.Address,
		Offset:     req.Offset,
		Length:     req.Size,
		Extensions: uint64(uintptr(unsafe.Pointer(ext))),
	}
	if req.Immediate {
		arg.Flags |= drm.I915GemVMBindImmediate
	}
	if req.Capture {
		arg.Flags |= drm.I915GemVMBindCapture
	}
	if req.ReadOnly {
		arg.Flags |= drm.I915GemVMBindReadOnly
	}

	err := d.ioctl("GEM_VM_BIND", drm.IoctlI915GemVMBind, unsafe.Pointer(arg))
	runtime.KeepAlive(ext)
	return err
}

func (d *driver) Unbind(vm, _ uint32, address, size uint64) error {
	arg := &drm.I915GemVMBind{
		VMID:   vm,
		Start:  address,
		Length: size,
	}
	return d.ioctl("GEM_VM_UNBIND", drm.IoctlI915GemVMUnbind, unsafe.Pointer(arg))
}

func (d *driver) WaitUserFence(ctx uint32, addr, value uint64, timeout time.Duration) error {
	arg := &drm.I915GemWaitUserFence{
		Addr:    addr,
		CtxID:   ctx,
		Op:      drm.I915UfenceWaitGTE,
		Value:   value,
		Mask:    ^uint64(0),
		Timeout: int64(timeout),
	}
	if timeout < 0 {
		arg.Timeout = -1
	}
	return d.ioctl("GEM_WAIT_USER_FENCE", drm.IoctlI915GemWaitUserFence, unsafe.Pointer(arg))
}

func (d *driver) ContextHung(ctx uint32) (bool, error) {
	arg := &drm.I915ResetStats{CtxID: ctx}
	if err := d.ioctl("GET_RESET_STATS", drm.IoctlI915GetResetStats, unsafe.Pointer(arg)); err != nil {
		return false, err
	}
	return arg.BatchActive > 0, nil
}

func (d *driver) Close() error {
	return d.dev.Close()
}
