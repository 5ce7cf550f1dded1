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

package drm

import "unsafe"

// Next-generation (xe) driver command numbers, relative to CommandBase.
const (
	xeGemCreate            = 0x01
	xeVMCreate             = 0x03
	xeVMDestroy            = 0x04
	xeVMBind               = 0x05
	xeExecQueueCreate      = 0x06
	xeExecQueueDestroy     = 0x07
	xeExecQueueGetProperty = 0x08
	xeWaitUserFence        = 0x0a
)

// Xe vm_bind operations.
const (
	XeVMBindOpMap   = 0x0
	XeVMBindOpUnmap = 0x1
)

// Xe vm_bind flags.
const (
	XeVMBindFlagReadOnly  = 1 << 0
	XeVMBindFlagImmediate = 1 << 1
	XeVMBindFlagNull      = 1 << 2
	XeVMBindFlagDumpable  = 1 << 3
)

// Xe gem_create CPU caching modes.
const (
	XeGemCPUCachingWB = 1
	XeGemCPUCachingWC = 2
)

// Xe user fence wait operations and flags.
const (
	XeUfenceWaitEQ  = 0
	XeUfenceWaitNEQ = 1
	XeUfenceWaitGT  = 2
	XeUfenceWaitGTE = 3
	XeUfenceWaitLT  = 4
	XeUfenceWaitLTE = 5

	XeUfenceWaitFlagAbstime = 1 << 0
)

// XeExecQueueGetPropertyBan is the exec queue property reporting a banned (hung) queue.
const XeExecQueueGetPropertyBan = 0

// XePlacementSystem is the placement bit of system memory, device memory
// of tile N uses bit N+1.
const XePlacementSystem = 1 << 0

// XeEngineClassCompute is DRM_XE_ENGINE_CLASS_COMPUTE.
const XeEngineClassCompute = 4

// XeEngineClassInstance is struct drm_xe_engine_class_instance.
type XeEngineClassInstance struct {
	EngineClass    uint16
	EngineInstance uint16
	GTID           uint16
	Pad            uint16
}

// XeGemCreate is struct drm_xe_gem_create.
type XeGemCreate struct {
	Extensions uint64
	Size       uint64
	Placement  uint32
	Flags      uint32
	VMID       uint32
	Handle     uint32
	CPUCaching uint16
	Pad        [3]uint16
	Reserved   [2]uint64
}

// XeVMCreate is struct drm_xe_vm_create.
type XeVMCreate struct {
	Extensions uint64
	Flags      uint32
	VMID       uint32
	Reserved   [2]uint64
}

// XeVMDestroy is struct drm_xe_vm_destroy.
type XeVMDestroy struct {
	VMID     uint32
	Pad      uint32
	Reserved [2]uint64
}

// XeVMBindOp is struct drm_xe_vm_bind_op.
type XeVMBindOp struct {
	Extensions  uint64
	ObjHandle   uint32
	PATIndex    uint16
	Pad         uint16
	ObjOffset   uint64
	Range       uint64
	Addr        uint64
	Op          uint32
	Flags       uint32
	PrefetchMem uint32
	Pad2        uint32
	Reserved    [3]uint64
}

// XeVMBind is struct drm_xe_vm_bind with a single inline bind operation.
type XeVMBind struct {
	Extensions  uint64
	VMID        uint32
	ExecQueueID uint32
	Pad         uint32
	NumBinds    uint32
	Bind        XeVMBindOp
	Pad2        uint32
	NumSyncs    uint32
	Syncs       uint64
	Reserved    [2]uint64
}

// XeExecQueueCreate is struct drm_xe_exec_queue_create.
type XeExecQueueCreate struct {
	Extensions    uint64
	Width         uint16
	NumPlacements uint16
	VMID          uint32
	Flags         uint32
	ExecQueueID   uint32
	Instances     uint64
	Reserved      [2]uint64
}

// XeExecQueueDestroy is struct drm_xe_exec_queue_destroy.
type XeExecQueueDestroy struct {
	ExecQueueID uint32
	Pad         uint32
	Reserved    [2]uint64
}

// XeExecQueueGetProperty is struct drm_xe_exec_queue_get_property.
type XeExecQueueGetProperty struct {
	Extensions  uint64
	ExecQueueID uint32
	Property    uint32
	Value       uint64
	Reserved    [2]uint64
}

// XeWaitUserFence is struct drm_xe_wait_user_fence.
type XeWaitUserFence struct {
	Addr        uint64
	Op          uint16
	Flags       uint16
	Pad         uint32
	Value       uint64
	Mask        uint64
	Timeout     int64
	ExecQueueID uint32
	Pad2        uint32
	Reserved    [2]uint64
}

var (
	IoctlXeGemCreate            = IOWR(CommandBase+xeGemCreate, unsafe.Sizeof(XeGemCreate{}))
	IoctlXeVMCreate             = IOWR(CommandBase+xeVMCreate, unsafe.Sizeof(XeVMCreate{}))
	IoctlXeVMDestroy            = IOW(CommandBase+xeVMDestroy, unsafe.Sizeof(XeVMDestroy{}))
	IoctlXeVMBind               = IOW(CommandBase+xeVMBind, unsafe.Sizeof(XeVMBind{}))
	IoctlXeExecQueueCreate      = IOWR(CommandBase+xeExecQueueCreate, unsafe.Sizeof(XeExecQueueCreate{}))
	IoctlXeExecQueueDestroy     = IOW(CommandBase+xeExecQueueDestroy, unsafe.Sizeof(XeExecQueueDestroy{}))
	IoctlXeExecQueueGetProperty = IOWR(CommandBase+xeExecQueueGetProperty, unsafe.Sizeof(XeExecQueueGetProperty{}))
	IoctlXeWaitUserFence        = IOWR(CommandBase+xeWaitUserFence, unsafe.Sizeof(XeWaitUserFence{}))
)
