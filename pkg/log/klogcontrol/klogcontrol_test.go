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

package klogcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/log/klogcontrol"
)

func TestConfigure(t *testing.T) {
	c := newControl()

	v := 3
	skip := true
	require.NoError(t, c.Configure(&cfgapi.Config{V: &v, Skip_headers: &skip}))

	value, ok := c.Value("v")
	require.True(t, ok)
	require.Equal(t, "3", value)
	value, ok = c.Value("skip_headers")
	require.True(t, ok)
	require.Equal(t, "true", value)

	threshold := "bogus"
	require.Error(t, c.Configure(&cfgapi.Config{Stderrthreshold: &threshold}))

	_, ok = c.Value("no_such_flag")
	require.False(t, ok)

	v = 0
	require.NoError(t, c.Configure(&cfgapi.Config{V: &v}))
}

func TestSeed(t *testing.T) {
	c := newControl()

	env := map[string]string{
		"USM_KLOG_V":     "2",
		"JOURNAL_STREAM": "8:1234",
	}
	c.seed(func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	})

	value, _ := c.Value("v")
	require.Equal(t, "2", value)
	value, _ = c.Value("skip_headers")
	require.Equal(t, "true", value)

	require.NoError(t, c.Configure(&cfgapi.Config{V: new(int)}))
}
