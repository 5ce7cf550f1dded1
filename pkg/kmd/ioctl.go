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

package kmd

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/gpu-usm/pkg/abi/drm"
)

// deviceFile is an Ioctler for an open DRM device file.
type deviceFile struct {
	path string
	fd   int
}

// OpenFile opens a DRM device file, typically a render node.
func OpenFile(path string) (Ioctler, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open DRM device %s", path)
	}
	return &deviceFile{path: path, fd: fd}, nil
}

// Ioctl issues an ioctl, restarting it if interrupted.
func (f *deviceFile) Ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func (f *deviceFile) CloseFD(fd int) error {
	return unix.Close(fd)
}

func (f *deviceFile) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return errors.Wrapf(err, "failed to close DRM device %s", f.path)
}

// Probe returns the kernel driver name of a DRM device file.
func Probe(dev Ioctler) (string, error) {
	v := &drm.Version{}
	if err := dev.Ioctl(drm.IoctlVersion, unsafe.Pointer(v)); err != nil {
		return "", Error("DRM_IOCTL_VERSION", err)
	}
	if v.NameLen == 0 {
		return "", fmt.Errorf("DRM_IOCTL_VERSION: empty driver name")
	}

	name := make([]byte, v.NameLen)
	v.Name = uint64(uintptr(unsafe.Pointer(&name[0])))
	v.DateLen, v.DescLen = 0, 0
	if err := dev.Ioctl(drm.IoctlVersion, unsafe.Pointer(v)); err != nil {
		return "", Error("DRM_IOCTL_VERSION", err)
	}

	return string(name[:v.NameLen]), nil
}

// Open opens a DRM device file and creates a Driver for it using the
// backend registered for its kernel driver.
func Open(path string) (Driver, error) {
	dev, err := OpenFile(path)
	if err != nil {
		return nil, err
	}

	name, err := Probe(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	log.Info("%s: kernel driver %q", path, name)

	drv, err := New(name, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	return drv, nil
}
