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

package drm_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/abi/drm"
)

func TestIoctlNumbers(t *testing.T) {
	type testCase struct {
		name   string
		req    uintptr
		expect uintptr
	}

	for _, tc := range []*testCase{
		{
			name:   "DRM_IOCTL_GEM_CLOSE",
			req:    IoctlGemClose,
			expect: 0x40086409,
		},
		{
			name:   "DRM_IOCTL_PRIME_HANDLE_TO_FD",
			req:    IoctlPrimeHandleToFD,
			expect: 0xc00c642d,
		},
		{
			name:   "DRM_IOCTL_PRIME_FD_TO_HANDLE",
			req:    IoctlPrimeFDToHandle,
			expect: 0xc00c642e,
		},
		{
			name:   "DRM_IOCTL_I915_GET_RESET_STATS",
			req:    IoctlI915GetResetStats,
			expect: 0xc0186472,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, tc.req, "ioctl request 0x%x", tc.req)
		})
	}
}

func TestStructSizes(t *testing.T) {
	require.Equal(t, uintptr(24), unsafe.Sizeof(I915GemCreateExt{}))
	require.Equal(t, uintptr(48), unsafe.Sizeof(I915GemVMBind{}))
	require.Equal(t, uintptr(40), unsafe.Sizeof(I915VMBindExtPAT{}))
	require.Equal(t, uintptr(56), unsafe.Sizeof(XeGemCreate{}))
	require.Equal(t, uintptr(80), unsafe.Sizeof(XeVMBindOp{}))
	require.Equal(t, uintptr(0x72), NR(IoctlI915GetResetStats))
}
