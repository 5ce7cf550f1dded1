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

package addrmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/addrmap"
)

func TestFind(t *testing.T) {
	m := New[string]()
	require.NoError(t, m.Insert(0x10000, 0x10000, "a"))
	require.NoError(t, m.Insert(0x20000, 0x8000, "b"))
	require.NoError(t, m.Insert(0x40000, 0x10000, "c"))

	type testCase struct {
		name  string
		addr  uint64
		found bool
		value string
	}
	for _, tc := range []*testCase{
		{
			name: "below every range",
			addr: 0xffff,
		},
		{
			name:  "exact start",
			addr:  0x10000,
			found: true,
			value: "a",
		},
		{
			name:  "interior address",
			addr:  0x1abcd,
			found: true,
			value: "a",
		},
		{
			name:  "last byte",
			addr:  0x1ffff,
			found: true,
			value: "a",
		},
		{
			name:  "start of adjacent range",
			addr:  0x20000,
			found: true,
			value: "b",
		},
		{
			name: "gap after range",
			addr: 0x28000,
		},
		{
			name:  "interior of last range",
			addr:  0x48000,
			found: true,
			value: "c",
		},
		{
			name: "past last range",
			addr: 0x50000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, ok := m.Find(tc.addr)
			require.Equal(t, tc.found, ok)
			if tc.found {
				require.Equal(t, tc.value, e.Value)
			}
		})
	}
}

func TestInsertOverlap(t *testing.T) {
	m := New[int]()
	require.NoError(t, m.Insert(0x10000, 0x10000, 1))

	type testCase struct {
		name  string
		start uint64
		size  uint64
		fail  error
	}
	for _, tc := range []*testCase{
		{
			name:  "exactly matching",
			start: 0x10000,
			size:  0x10000,
			fail:  ErrOverlap,
		},
		{
			name:  "overlapping the head",
			start: 0x8000,
			size:  0x10000,
			fail:  ErrOverlap,
		},
		{
			name:  "inside",
			start: 0x14000,
			size:  0x1000,
			fail:  ErrOverlap,
		},
		{
			name:  "covering",
			start: 0,
			size:  0x40000,
			fail:  ErrOverlap,
		},
		{
			name:  "empty",
			start: 0x80000,
			size:  0,
			fail:  ErrEmpty,
		},
		{
			name:  "adjacent below",
			start: 0x8000,
			size:  0x8000,
		},
		{
			name:  "adjacent above",
			start: 0x20000,
			size:  0x1000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Insert(tc.start, tc.size, 2)
			if tc.fail != nil {
				require.ErrorIs(t, err, tc.fail)
			} else {
				require.NoError(t, err)
			}
		})
	}

	require.Equal(t, 3, m.Len())
	_, err := m.DeleteExact(0x10000, 0x8000)
	require.ErrorIs(t, err, ErrSizeMatch)
	_, err = m.DeleteExact(0x14000, 0x1000)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := m.DeleteExact(0x10000, 0x10000)
	require.NoError(t, err)
	require.Equal(t, 1, e.Value)

	var starts []uint64
	for _, e := range m.Entries() {
		starts = append(starts, e.Start)
	}
	require.Equal(t, []uint64{0x8000, 0x20000}, starts)
}
