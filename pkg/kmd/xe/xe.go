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

// Package xe implements the next-generation kernel driver backend.
package xe

import (
	"fmt"
	"math"
	"runtime"
	"time"
	"unsafe"

	"github.com/intel/gpu-usm/pkg/abi/drm"
	"github.com/intel/gpu-usm/pkg/kmd"
	logger "github.com/intel/gpu-usm/pkg/log"
)

// Name is the kernel driver name of the backend.
const Name = "xe"

var log = logger.Get("xe")

type driver struct {
	dev kmd.Ioctler
}

func init() {
	kmd.Register(Name, New)
}

// New creates a next-generation driver backend for the given device file.
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

// placement returns the placement mask for a list of regions.
func placement(regions []kmd.Region) uint32 {
	var mask uint32
	for _, r := range regions {
		if r.Class == kmd.MemorySystem {
			mask |= drm.XePlacementSystem
		} else {
			mask |= 1 << (r.Tile + 1)
		}
	}
	return mask
}

func (d *driver) CreateObject(spec kmd.ObjectSpec) (kmd.Handle, error) {
	if len(spec.Regions) == 0 {
		return 0, fmt.Errorf("%s: no memory regions given", Name)
	}

	arg := &drm.XeGemCreate{
		Size:       spec.Size,
		Placement:  placement(spec.Regions),
		CPUCaching: drm.XeGemCPUCachingWB,
	}
	if spec.WriteCombined || spec.Regions[0].Class == kmd.MemoryDevice {
		arg.CPUCaching = drm.XeGemCPUCachingWC
	}

	if err := d.ioctl("GEM_CREATE", drm.IoctlXeGemCreate, unsafe.Pointer(arg)); err != nil {
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
	arg := &drm.XeVMCreate{}
	if err := d.ioctl("VM_CREATE", drm.IoctlXeVMCreate, unsafe.Pointer(arg)); err != nil {
		return 0, err
	}
	return arg.VMID, nil
}

func (d *driver) DestroyVM(vm uint32) error {
	arg := &drm.XeVMDestroy{VMID: vm}
	return d.ioctl("VM_DESTROY", drm.IoctlXeVMDestroy, unsafe.Pointer(arg))
}

func (d *driver) CreateContext(vm uint32, tile int) (uint32, error) {
	instance := &drm.XeEngineClassInstance{
		EngineClass: drm.XeEngineClassCompute,
		GTID:        uint16(tile),
	}
	arg := &drm.XeExecQueueCreate{
		Width:         1,
		NumPlacements: 1,
		VMID:          vm,
		Instances:     uint64(uintptr(unsafe.Pointer(instance))),
	}

	err := d.ioctl("EXEC_QUEUE_CREATE", drm.IoctlXeExecQueueCreate, unsafe.Pointer(arg))
	runtime.KeepAlive(instance)
	if err != nil {
		return 0, err
	}

	log.Debug("created exec queue %d on tile %d with VM %d", arg.ExecQueueID, tile, vm)
	return arg.ExecQueueID, nil
}

func (d *driver) DestroyContext(ctx uint32) error {
	arg := &drm.XeExecQueueDestroy{ExecQueueID: ctx}
	return d.ioctl("EXEC_QUEUE_DESTROY", drm.IoctlXeExecQueueDestroy, unsafe.Pointer(arg))
}

func (d *driver) Bind(req *kmd.BindRequest) error {
	arg := &drm.XeVMBind{
		VMID:     req.VM,
		NumBinds: 1,
		Bind: drm.XeVMBindOp{
			ObjHandle: uint32(req.Handle),
			PATIndex:  uint16(req.PATIndex),
			ObjOffset: req.Offset,
			Range:     req.Size,
			Addr:      req.Address,
			Op:        drm.XeVMBindOpMap,
		},
	}
	if req.Immediate {
		arg.Bind.Flags |= drm.XeVMBindFlagImmediate
	}
	if req.Capture {
		arg.Bind.Flags |= drm.XeVMBindFlagDumpable
	}
	if req.ReadOnly {
		arg.Bind.Flags |= drm.XeVMBindFlagReadOnly
	}

	return d.ioctl("VM_BIND", drm.IoctlXeVMBind, unsafe.Pointer(arg))
}

func (d *driver) Unbind(vm, _ uint32, address, size uint64) error {
	arg := &drm.XeVMBind{
		VMID:     vm,
		NumBinds: 1,
		Bind: drm.XeVMBindOp{
			Range: size,
			Addr:  address,
			Op:    drm.XeVMBindOpUnmap,
		},
	}
	return d.ioctl("VM_BIND", drm.IoctlXeVMBind, unsafe.Pointer(arg))
}

func (d *driver) WaitUserFence(ctx uint32, addr, value uint64, timeout time.Duration) error {
	arg := &drm.XeWaitUserFence{
		Addr:        addr,
		Op:          drm.XeUfenceWaitGTE,
		Value:       value,
		Mask:        ^uint64(0),
		Timeout:     int64(timeout),
		ExecQueueID: ctx,
	}
	if timeout < 0 {
		arg.Timeout = math.MaxInt64
	}
	return d.ioctl("WAIT_USER_FENCE", drm.IoctlXeWaitUserFence, unsafe.Pointer(arg))
}

func (d *driver) ContextHung(ctx uint32) (bool, error) {
	arg := &drm.XeExecQueueGetProperty{
		ExecQueueID: ctx,
		Property:    drm.XeExecQueueGetPropertyBan,
	}
	if err := d.ioctl("EXEC_QUEUE_GET_PROPERTY", drm.IoctlXeExecQueueGetProperty, unsafe.Pointer(arg)); err != nil {
		return false, err
	}
	return arg.Value != 0, nil
}

func (d *driver) Close() error {
	return d.dev.Close()
}
