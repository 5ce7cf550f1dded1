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

// Package status defines the error taxonomy shared by all memory and
// residency components. Components wrap one of the sentinel errors with
// extra context using fmt.Errorf("%w: ...") and callers classify errors
// with errors.Is or ResultOf.
package status

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument      = fmt.Errorf("invalid argument")
	ErrUnsupportedSize      = fmt.Errorf("unsupported size")
	ErrUnsupportedAlignment = fmt.Errorf("unsupported alignment")
	ErrUnsupportedFeature   = fmt.Errorf("unsupported feature")
	ErrOutOfHostMemory      = fmt.Errorf("out of host memory")
	ErrOutOfDeviceMemory    = fmt.Errorf("out of device memory")
	ErrDeviceLost           = fmt.Errorf("device lost")
	ErrGPUHang              = fmt.Errorf("GPU hang detected")
	ErrBinding              = fmt.Errorf("GPU binding failed")
	ErrUnknown              = fmt.Errorf("unknown error")
)

// Result is an API-level result code.
type Result int

const (
	Success Result = iota
	ResultInvalidArgument
	ResultUnsupportedSize
	ResultUnsupportedAlignment
	ResultUnsupportedFeature
	ResultOutOfHostMemory
	ResultOutOfDeviceMemory
	ResultDeviceLost
	ResultGPUHang
	ResultBinding
	ResultUnknown
)

var (
	resultOf = []struct {
		err    error
		result Result
	}{
		{ErrInvalidArgument, ResultInvalidArgument},
		{ErrUnsupportedSize, ResultUnsupportedSize},
		{ErrUnsupportedAlignment, ResultUnsupportedAlignment},
		{ErrUnsupportedFeature, ResultUnsupportedFeature},
		{ErrOutOfHostMemory, ResultOutOfHostMemory},
		{ErrOutOfDeviceMemory, ResultOutOfDeviceMemory},
		{ErrDeviceLost, ResultDeviceLost},
		{ErrGPUHang, ResultGPUHang},
		{ErrBinding, ResultBinding},
	}
	resultToString = map[Result]string{
		Success:                    "success",
		ResultInvalidArgument:      "invalid-argument",
		ResultUnsupportedSize:      "unsupported-size",
		ResultUnsupportedAlignment: "unsupported-alignment",
		ResultUnsupportedFeature:   "unsupported-feature",
		ResultOutOfHostMemory:      "out-of-host-memory",
		ResultOutOfDeviceMemory:    "out-of-device-memory",
		ResultDeviceLost:           "device-lost",
		ResultGPUHang:              "gpu-hang",
		ResultBinding:              "binding-error",
		ResultUnknown:              "unknown",
	}
)

// ResultOf classifies an error into a Result. The first matching sentinel
// in the error chain wins, unrecognized errors map to ResultUnknown.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	for _, r := range resultOf {
		if errors.Is(err, r.err) {
			return r.result
		}
	}
	return ResultUnknown
}

// IsOutOfMemory returns true if err is an out of host or device memory error.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfDeviceMemory) || errors.Is(err, ErrOutOfHostMemory)
}

// String returns a string representation of the result.
func (r Result) String() string {
	if str, ok := resultToString[r]; ok {
		return str
	}
	return fmt.Sprintf("%%!(status:Bad-Result %d)", int(r))
}
