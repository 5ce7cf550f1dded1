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

package bo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/bo"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/kmd"
)

type closer struct {
	closed  []kmd.Handle
	retired int
}

func (c *closer) close(h kmd.Handle) error {
	c.closed = append(c.closed, h)
	return nil
}

func (c *closer) retire() {
	c.retired++
}

func TestSharedHandle(t *testing.T) {
	c := &closer{}
	s := NewSharedHandle(7, c.close, c.retire)

	require.True(t, s.Acquire())
	s.AcquireWeak()
	strong, weak := s.Counts()
	require.Equal(t, 2, strong)
	require.Equal(t, 1, weak)

	require.NoError(t, s.Release())
	require.Empty(t, c.closed, "strong reference left")

	h, ok := s.Handle()
	require.True(t, ok)
	require.Equal(t, kmd.Handle(7), h)

	require.NoError(t, s.Release())
	require.Equal(t, []kmd.Handle{7}, c.closed, "last strong reference closes")
	require.True(t, s.IsClosed())
	require.Equal(t, 0, c.retired, "weak reference keeps the record")

	_, ok = s.Handle()
	require.False(t, ok, "weak holders can not use a closed handle")
	require.False(t, s.Acquire(), "closed handle can not be revived")

	s.ReleaseWeak()
	require.Equal(t, 1, c.retired)
	require.Equal(t, []kmd.Handle{7}, c.closed, "weak release never closes")

	require.ErrorIs(t, s.Release(), ErrRefcount)
}

func TestBindingBitmap(t *testing.T) {
	s := NewSharedHandle(1, nil, nil)
	b := New(s, nil, 0, 0x200000, Attributes{Size: 4096, Region: kmd.LocalRegion(0)})

	_, ok := b.Address()
	require.False(t, ok, "address undefined before bind")

	b.MarkBound(0, 3)
	b.MarkBound(2, 3)
	addr, ok := b.Address()
	require.True(t, ok)
	require.Equal(t, uint64(0x200000), addr)
	require.Equal(t, device.NewContextMask(0, 2), b.BoundContexts())
	require.Equal(t, uint32(3), b.PATIndex())

	b.MarkUnbound(0)
	require.False(t, b.IsBound(0))
	require.True(t, b.IsBound(2), "other contexts stay bound")
	b.MarkUnbound(0)
	require.Equal(t, device.NewContextMask(2), b.BoundContexts())

	b.MarkUnbound(2)
	_, ok = b.Address()
	require.False(t, ok)

	_, ok = b.ExportedFD()
	require.False(t, ok)
	b.SetExportedFD(42)
	fd, ok := b.ExportedFD()
	require.True(t, ok)
	require.Equal(t, 42, fd)
	fd, ok = b.ForgetExportedFD()
	require.True(t, ok)
	require.Equal(t, 42, fd)
	_, ok = b.ExportedFD()
	require.False(t, ok)

	require.NoError(t, s.Release())
	_, err := b.Handle()
	require.ErrorIs(t, err, ErrClosed)
}
