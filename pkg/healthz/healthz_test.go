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

package healthz_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/intel/gpu-usm/pkg/healthz"
)

func TestCheck(t *testing.T) {
	type testCase struct {
		name     string
		statuses map[string]Status
		expected Status
		code     int
	}

	for _, tc := range []*testCase{
		{
			name:     "no checks",
			expected: Healthy,
			code:     http.StatusOK,
		},
		{
			name:     "all healthy",
			statuses: map[string]Status{"gpu0": Healthy, "gpu1": Healthy},
			expected: Healthy,
			code:     http.StatusOK,
		},
		{
			name:     "one degraded",
			statuses: map[string]Status{"gpu0": Healthy, "gpu1": Degraded},
			expected: Degraded,
			code:     http.StatusInternalServerError,
		},
		{
			name:     "worst status wins",
			statuses: map[string]Status{"gpu0": NonFunctional, "gpu1": Degraded},
			expected: NonFunctional,
			code:     http.StatusInternalServerError,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker()
			for name, s := range tc.statuses {
				s := s
				require.NoError(t, c.Register(name, func() (Status, error) {
					if s == Healthy {
						return Healthy, nil
					}
					return s, fmt.Errorf("engine hung")
				}))
			}

			status, details := c.Check()
			require.Equal(t, tc.expected, status)
			for name, s := range tc.statuses {
				if s == Healthy {
					require.NotContains(t, details, name)
				} else {
					require.Contains(t, details, name)
				}
			}

			rec := httptest.NewRecorder()
			c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				require.Equal(t, "ok", rec.Body.String())
			} else {
				require.Contains(t, rec.Body.String(), tc.expected.String())
			}
		})
	}
}

func TestDuplicateRegistration(t *testing.T) {
	c := NewChecker()
	fn := func() (Status, error) { return Healthy, nil }
	require.NoError(t, c.Register("gpu0", fn))
	require.Error(t, c.Register("gpu0", fn))
}
