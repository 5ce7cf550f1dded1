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

// Package drm contains the subset of the DRM kernel uapi used by the GPU
// memory core: generic GEM/PRIME ioctls plus the memory object, VM and fence
// ioctls of the legacy (i915) and next-generation (xe) drivers. Struct
// layouts follow the kernel headers; do not reorder fields.
package drm

import "unsafe"

// Ioctl request encoding, see include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	// IoctlBase is the DRM ioctl type ('d').
	IoctlBase = 'd'
	// CommandBase is the first driver specific ioctl number.
	CommandBase = 0x40
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | IoctlBase<<iocTypeShift | nr<<iocNRShift
}

// IO returns the request number of a DRM ioctl without arguments.
func IO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IOW returns the request number of a DRM ioctl writing size bytes.
func IOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IOWR returns the request number of a DRM ioctl reading and writing size bytes.
func IOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// NR returns the command number of an ioctl request.
func NR(req uintptr) uintptr { return (req >> iocNRShift) & 0xff }

// GemClose is struct drm_gem_close.
type GemClose struct {
	Handle uint32
	Pad    uint32
}

// PrimeHandle is struct drm_prime_handle.
type PrimeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

// Version is struct drm_version. Name, Date and Desc are user pointers.
type Version struct {
	Major      int32
	Minor      int32
	Patchlevel int32
	_          int32
	NameLen    uint64
	Name       uint64
	DateLen    uint64
	Date       uint64
	DescLen    uint64
	Desc       uint64
}

const (
	// CloExec is DRM_CLOEXEC for PRIME exports.
	CloExec = 0x80000
	// ReadWrite is DRM_RDWR for PRIME exports.
	ReadWrite = 0x2
)

var (
	IoctlVersion         = IOWR(0x00, unsafe.Sizeof(Version{}))
	IoctlGemClose        = IOW(0x09, unsafe.Sizeof(GemClose{}))
	IoctlPrimeHandleToFD = IOWR(0x2d, unsafe.Sizeof(PrimeHandle{}))
	IoctlPrimeFDToHandle = IOWR(0x2e, unsafe.Sizeof(PrimeHandle{}))
)
