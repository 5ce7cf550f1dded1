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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/log"
)

func TestParseSources(t *testing.T) {
	type testCase struct {
		value    string
		expected srcmap
		str      string
		fail     bool
	}
	for _, tc := range []*testCase{
		{
			value:    "",
			expected: srcmap{},
		},
		{
			value:    "binding, ipc",
			expected: srcmap{"binding": true, "ipc": true},
			str:      "on:binding,ipc",
		},
		{
			value:    "all,off:vaspace,addrmap",
			expected: srcmap{"*": true, "vaspace": false, "addrmap": false},
			str:      "on:*,off:addrmap,vaspace",
		},
		{
			value:    "off:usm,on:peer-*",
			expected: srcmap{"usm": false, "peer-*": true},
			str:      "on:peer-*,off:usm",
		},
		{
			value:    "maybe:usm,ipc",
			expected: srcmap{"ipc": true},
			fail:     true,
		},
		{
			value:    "on:,a:b:c",
			expected: srcmap{},
			fail:     true,
		},
	} {
		m, err := parseSources(tc.value)
		if tc.fail {
			require.Error(t, err, tc.value)
		} else {
			require.NoError(t, err, tc.value)
		}
		require.Equal(t, tc.expected, m, tc.value)
		if tc.str != "" {
			require.Equal(t, tc.str, m.String())
			again, err := parseSources(m.String())
			require.NoError(t, err)
			require.Equal(t, m, again)
		}
	}
}

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, Configure(&cfgapi.Config{})) })

	usm := Get("usm")
	ipc := Get("ipc")

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"all", "off:ipc"}}))
	require.True(t, usm.DebugEnabled())
	require.False(t, ipc.DebugEnabled())
	require.True(t, Get("created-later").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"ipc", "bogus:usm"}}))
	require.True(t, ipc.DebugEnabled(), "valid settings apply despite errors")
	require.False(t, usm.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{}))
	require.False(t, ipc.DebugEnabled())
}

func TestSeed(t *testing.T) {
	env := map[string]string{
		DebugEnvVar:     "binding",
		LogSourceEnvVar: "1",
	}
	cfg := seed(func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	})
	require.Equal(t, &cfgapi.Config{Debug: []string{"binding"}, LogSource: true}, cfg)

	cfg = seed(func(string) (string, bool) { return "", false })
	require.Equal(t, &cfgapi.Config{}, cfg)
}
