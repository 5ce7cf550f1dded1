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

// Package klogcontrol adjusts the klog backend of our loggers at runtime.
package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix prefixes environment variables overriding klog flags,
	// for instance USM_KLOG_V=2.
	EnvPrefix = "USM_KLOG_"
)

// Control sets klog flags.
type Control struct {
	sync.Mutex
	flags *flag.FlagSet
}

var ctl = newControl()

func newControl() *Control {
	c := &Control{
		flags: flag.NewFlagSet("klog", flag.ContinueOnError),
	}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	return c
}

// Get returns the klog Control.
func Get() *Control {
	return ctl
}

// Configure sets the flags present in the configuration. Other flags
// keep their current value.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	values := cfg.Values()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	c.Lock()
	defer c.Unlock()

	var errs *multierror.Error
	for _, name := range names {
		if err := c.set(name, values[name]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	c.Lock()
	defer c.Unlock()

	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

func (c *Control) set(name, value string) error {
	if c.flags.Lookup(name) == nil {
		return fmt.Errorf("klogcontrol: unknown klog flag %q", name)
	}
	if err := c.flags.Set(name, value); err != nil {
		return fmt.Errorf("klogcontrol: failed to set %s to %q: %w", name, value, err)
	}
	return nil
}

// seed sets flags from the environment. Headers are turned off by
// default when logging to journald.
func (c *Control) seed(lookup func(string) (string, bool)) {
	c.Lock()
	defer c.Unlock()

	seeded := map[string]bool{}
	c.flags.VisitAll(func(f *flag.Flag) {
		env := EnvPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		value, ok := lookup(env)
		if !ok {
			return
		}
		if err := c.set(f.Name, value); err != nil {
			klog.Errorf("invalid %s=%q: %v", env, value, err)
			return
		}
		seeded[f.Name] = true
	})

	if journal, _ := lookup("JOURNAL_STREAM"); journal != "" && !seeded["skip_headers"] {
		if err := c.set("skip_headers", "true"); err == nil {
			klog.Infof("logging to journald, turning headers off")
		}
	}
}

func init() {
	ctl.seed(os.LookupEnv)
}
