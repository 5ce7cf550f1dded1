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
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/gpu-usm/pkg/status"
)

var (
	ErrUnknownBackend = fmt.Errorf("kmd: unknown driver backend")
	ErrTimeout        = fmt.Errorf("kmd: fence wait timed out")
)

// IoctlError is a failed ioctl, classified into the status taxonomy.
type IoctlError struct {
	Op    string
	Errno unix.Errno
	kind  error
}

// Error returns the error string.
func (e *IoctlError) Error() string {
	if e.kind == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Errno)
	}
	return fmt.Sprintf("%s: %v (%v)", e.Op, e.kind, e.Errno)
}

// Is matches the errno or the status class of the failure.
func (e *IoctlError) Is(target error) bool {
	return target == e.kind || target == e.Errno
}

// Unwrap returns the errno of the failure.
func (e *IoctlError) Unwrap() error {
	return e.Errno
}

// Classify returns the status class of an errno, or nil for errnos without one.
func Classify(errno unix.Errno) error {
	switch errno {
	case unix.ENOSPC, unix.ENOMEM, unix.E2BIG:
		return status.ErrOutOfDeviceMemory
	case unix.EIO:
		return status.ErrGPUHang
	case unix.ENODEV:
		return status.ErrDeviceLost
	case unix.ETIME, unix.ETIMEDOUT:
		return ErrTimeout
	case unix.EINVAL, unix.ENOENT, unix.EBADF, unix.EEXIST:
		return status.ErrInvalidArgument
	case unix.EOPNOTSUPP, unix.ENOTTY:
		return status.ErrUnsupportedFeature
	}
	return nil
}

// Error wraps the failure of an ioctl for the given operation. Errnos are
// classified into the status taxonomy, other errors become unknown errors.
func Error(op string, err error) error {
	if err == nil {
		return nil
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return pkgerrors.Wrapf(fmt.Errorf("%w: %v", status.ErrUnknown, err), "%s failed", op)
	}

	return pkgerrors.WithStack(&IoctlError{
		Op:    op,
		Errno: errno,
		kind:  Classify(errno),
	})
}

// IsTimeout returns true if err is a fence wait timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
