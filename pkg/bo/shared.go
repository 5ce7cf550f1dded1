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

package bo

import (
	"fmt"
	"sync"

	"github.com/intel/gpu-usm/pkg/kmd"
)

// SharedHandle is a reference counted kernel memory object handle. Strong
// references own the handle, the last strong reference to go closes it.
// Weak references can read the handle while it is open but never close
// it. The record is retired once both counts drop to zero.
type SharedHandle struct {
	mu      sync.Mutex
	handle  kmd.Handle
	strong  int
	weak    int
	closed  bool
	closeFn func(kmd.Handle) error
	retire  func()
}

// NewSharedHandle wraps a handle with a single strong reference. The handle
// is closed with closeFn. If given, retire is called once the record retires.
func NewSharedHandle(h kmd.Handle, closeFn func(kmd.Handle) error, retire func()) *SharedHandle {
	return &SharedHandle{
		handle:  h,
		strong:  1,
		closeFn: closeFn,
		retire:  retire,
	}
}

// Handle returns the handle if it is still open.
func (s *SharedHandle) Handle() (kmd.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, !s.closed
}

// Acquire takes a strong reference. It fails once the handle is closed.
func (s *SharedHandle) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.strong++
	return true
}

// AcquireWeak takes a weak reference.
func (s *SharedHandle) AcquireWeak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weak++
}

// Release drops a strong reference, closing the handle with the last one.
func (s *SharedHandle) Release() error {
	s.mu.Lock()
	if s.strong == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: handle %d has no strong references", ErrRefcount, s.handle)
	}
	s.strong--

	var err error
	if s.strong == 0 && !s.closed {
		s.closed = true
		if s.closeFn != nil {
			err = s.closeFn(s.handle)
		}
	}
	retired := s.strong == 0 && s.weak == 0
	s.mu.Unlock()

	if retired && s.retire != nil {
		s.retire()
	}
	return err
}

// ReleaseWeak drops a weak reference.
func (s *SharedHandle) ReleaseWeak() {
	s.mu.Lock()
	if s.weak == 0 {
		s.mu.Unlock()
		log.Warn("handle %d: weak release without weak references", s.handle)
		return
	}
	s.weak--
	retired := s.strong == 0 && s.weak == 0
	s.mu.Unlock()

	if retired && s.retire != nil {
		s.retire()
	}
}

// Counts returns the number of strong and weak references.
func (s *SharedHandle) Counts() (strong, weak int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strong, s.weak
}

// IsClosed returns true once the last strong reference has been released.
func (s *SharedHandle) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
