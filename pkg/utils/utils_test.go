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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/utils"
)

func TestPowerOfTwo(t *testing.T) {
	type testCase struct {
		value uint64
		isPow bool
		prev  uint64
	}

	for _, tc := range []*testCase{
		{value: 0, isPow: false, prev: 0},
		{value: 1, isPow: true, prev: 1},
		{value: 3, isPow: false, prev: 2},
		{value: 4096, isPow: true, prev: 4096},
		{value: 65537, isPow: false, prev: 65536},
		{value: 1 << 63, isPow: true, prev: 1 << 63},
	} {
		require.Equal(t, tc.isPow, IsPowerOfTwo(tc.value), "IsPowerOfTwo(%d)", tc.value)
		require.Equal(t, tc.prev, PrevPowerOfTwo(tc.value), "PrevPowerOfTwo(%d)", tc.value)
	}
}

func TestAlignUp(t *testing.T) {
	type testCase struct {
		value     uint64
		alignment uint64
		expected  uint64
	}

	for _, tc := range []*testCase{
		{value: 0, alignment: 4096, expected: 0},
		{value: 1, alignment: 4096, expected: 4096},
		{value: 4096, alignment: 4096, expected: 4096},
		{value: 70000, alignment: 65536, expected: 131072},
		{value: 12345, alignment: 0, expected: 12345},
	} {
		require.Equal(t, tc.expected, AlignUp(tc.value, tc.alignment))
	}
}

func TestHumanReadableSize(t *testing.T) {
	type testCase struct {
		size     uint64
		expected string
	}

	for _, tc := range []*testCase{
		{size: 512, expected: "512"},
		{size: 4096, expected: "4k"},
		{size: 1536, expected: "1.5k"},
		{size: 64 * 1024 * 1024, expected: "64M"},
		{size: 2 * 1024 * 1024 * 1024, expected: "2G"},
	} {
		require.Equal(t, tc.expected, HumanReadableSize(tc.size))
	}
}

func TestParseEnabled(t *testing.T) {
	for _, value := range []string{"on", "Enabled", " true ", "1", "yes"} {
		enabled, err := ParseEnabled(value)
		require.NoError(t, err)
		require.True(t, enabled, value)
	}
	for _, value := range []string{"off", "disable", "false", "0", "NO"} {
		enabled, err := ParseEnabled(value)
		require.NoError(t, err)
		require.False(t, enabled, value)
	}
	_, err := ParseEnabled("maybe")
	require.Error(t, err)
}
