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

// Legacy (i915) driver command numbers, relative to CommandBase.
const (
	i915GetResetStats     = 0x32
	i915GemContextCreate  = 0x2d
	i915GemContextDestroy = 0x2e
	i915GemVMCreate       = 0x3a
	i915GemVMDestroy      = 0x3b
	i915GemCreateExt      = 0x3c
	i915GemVMBind         = 0x3d
	i915GemVMUnbind       = 0x3e
	i915GemWaitUserFence  = 0x3f
)

// I915 memory classes.
const (
	I915MemoryClassSystem = 0
	I915MemoryClassDevice = 1
)

// I915 user extension names.
const (
	I915GemCreateExtMemoryRegions = 0
	I915VMBindExtSetPAT           = 2
	I915ContextCreateExtSetParam  = 0
)

// I915 context creation.
const (
	I915ContextCreateFlagsUseExtensions = 1 << 0
	I915ContextParamVM                  = 0xd
)

// I915 vm_bind flags.
const (
	I915GemVMBindCapture   = 1 << 0
	I915GemVMBindImmediate = 1 << 1
	I915GemVMBindReadOnly  = 1 << 2
)

// I915 user fence wait operations and flags.
const (
	I915UfenceWaitEQ  = 0
	I915UfenceWaitNEQ = 1
	I915UfenceWaitGT  = 2
	I915UfenceWaitGTE = 3
	I915UfenceWaitLT  = 4
	I915UfenceWaitLTE = 5

	I915UfenceWaitSoft = 1 << 15
)

// I915UserExtension is struct i915_user_extension.
type I915UserExtension struct {
	NextExtension uint64
	Name          uint32
	Flags         uint32
	Rsvd          [4]uint32
}

// I915MemoryClassInstance is struct drm_i915_gem_memory_class_instance.
type I915MemoryClassInstance struct {
	MemoryClass    uint16
	MemoryInstance uint16
}

// I915GemCreateExt is struct drm_i915_gem_create_ext.
type I915GemCreateExt struct {
	Size       uint64
	Handle     uint32
	Flags      uint32
	Extensions uint64
}

// I915GemCreateExtRegions is struct drm_i915_gem_create_ext_memory_regions.
// Regions points at an array of NumRegions I915MemoryClassInstance.
type I915GemCreateExtRegions struct {
	Base       I915UserExtension
	Pad        uint32
	NumRegions uint32
	Regions    uint64
}

// I915VMBindExtPAT is struct prelim_drm_i915_vm_bind_ext_set_pat.
type I915VMBindExtPAT struct {
	Base     I915UserExtension
	PATIndex uint64
}

// I915GemContextParam is struct drm_i915_gem_context_param.
type I915GemContextParam struct {
	CtxID uint32
	Size  uint32
	Param uint64
	Value uint64
}

// I915ContextCreateExtParam is struct drm_i915_gem_context_create_ext_setparam.
type I915ContextCreateExtParam struct {
	Base  I915UserExtension
	Param I915GemContextParam
}

// I915GemContextCreate is struct drm_i915_gem_context_create_ext.
type I915GemContextCreate struct {
	CtxID      uint32
	Flags      uint32
	Extensions uint64
}

// I915GemContextDestroy is struct drm_i915_gem_context_destroy.
type I915GemContextDestroy struct {
	CtxID uint32
	Pad   uint32
}

// I915GemVMControl is struct drm_i915_gem_vm_control.
type I915GemVMControl struct {
	Extensions uint64
	Flags      uint32
	VMID       uint32
}

// I915GemVMBind is struct prelim_drm_i915_gem_vm_bind.
type I915GemVMBind struct {
	VMID       uint32
	Handle     uint32
	Start      uint64
	Offset     uint64
	Length     uint64
	Flags      uint64
	Extensions uint64
}

// I915GemWaitUserFence is struct prelim_drm_i915_gem_wait_user_fence.
type I915GemWaitUserFence struct {
	Extensions uint64
	Addr       uint64
	CtxID      uint32
	Op         uint16
	Flags      uint16
	Value      uint64
	Mask       uint64
	Timeout    int64
}

// I915ResetStats is struct drm_i915_reset_stats.
type I915ResetStats struct {
	CtxID        uint32
	Flags        uint32
	ResetCount   uint32
	BatchActive  uint32
	BatchPending uint32
	Pad          uint32
}

var (
	IoctlI915GetResetStats     = IOWR(CommandBase+i915GetResetStats, unsafe.Sizeof(I915ResetStats{}))
	IoctlI915GemContextCreate  = IOWR(CommandBase+i915GemContextCreate, unsafe.Sizeof(I915GemContextCreate{}))
	IoctlI915GemContextDestroy = IOW(CommandBase+i915GemContextDestroy, unsafe.Sizeof(I915GemContextDestroy{}))
	IoctlI915GemVMCreate       = IOWR(CommandBase+i915GemVMCreate, unsafe.Sizeof(I915GemVMControl{}))
	IoctlI915GemVMDestroy      = IOW(CommandBase+i915GemVMDestroy, unsafe.Sizeof(I915GemVMControl{}))
	IoctlI915GemCreateExt      = IOWR(CommandBase+i915GemCreateExt, unsafe.Sizeof(I915GemCreateExt{}))
	IoctlI915GemVMBind         = IOWR(CommandBase+i915GemVMBind, unsafe.Sizeof(I915GemVMBind{}))
	IoctlI915GemVMUnbind       = IOWR(CommandBase+i915GemVMUnbind, unsafe.Sizeof(I915GemVMBind{}))
	IoctlI915GemWaitUserFence  = IOWR(CommandBase+i915GemWaitUserFence, unsafe.Sizeof(I915GemWaitUserFence{}))
)
