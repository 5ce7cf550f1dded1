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

// usm-runtime boots the unified memory runtime on a set of GPUs, runs a
// short allocation exercise on them and optionally keeps serving metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/intel/gpu-usm/pkg/config"
	"github.com/intel/gpu-usm/pkg/device"
	"github.com/intel/gpu-usm/pkg/driver"
	"github.com/intel/gpu-usm/pkg/kmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/i915"
	"github.com/intel/gpu-usm/pkg/kmd/simkmd"
	_ "github.com/intel/gpu-usm/pkg/kmd/xe"
)

const (
	_1G = uint64(1024 * 1024 * 1024)
)

type logrusFormatter struct{}

func (f *logrusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return fmt.Appendf(nil, "usm-runtime: %s %s\n", entry.Level, entry.Message), nil
}

var (
	log = logrus.StandardLogger()
)

func main() {
	log.SetFormatter(&logrusFormatter{})

	configFlag := flag.String("config", "", "Runtime configuration file.")
	devicesFlag := flag.String("devices", "", "Comma-separated list of DRM render nodes, e.g. /dev/dri/renderD128.")
	simFlag := flag.Int("sim", 0, "Number of simulated devices to use instead of render nodes.")
	simDriverFlag := flag.String("sim-driver", "i915", "Kernel driver of simulated devices, i915 or xe.")
	simTilesFlag := flag.Int("sim-tiles", 0, "Number of tiles of simulated devices.")
	serveFlag := flag.Bool("serve", false, "Keep running and serving metrics until interrupted.")
	verboseFlag := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	log.SetLevel(logrus.InfoLevel)
	if *verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var specs []driver.DeviceSpec
	switch {
	case *simFlag > 0 && *devicesFlag != "":
		log.Fatalf("-sim and -devices are mutually exclusive")
	case *simFlag > 0:
		specs, err = simulatedDevices(*simFlag, *simDriverFlag, *simTilesFlag)
		if err != nil {
			log.Fatalf("failed to create simulated devices: %v", err)
		}
	case *devicesFlag != "":
		for _, path := range strings.Split(*devicesFlag, ",") {
			specs = append(specs, renderNode(path))
		}
	default:
		log.Fatalf("missing -devices or -sim")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := driver.New(cfg, specs)
	if err != nil {
		log.Fatalf("failed to create driver: %v", err)
	}

	if err := exercise(ctx, d); err != nil {
		log.Errorf("allocation exercise failed: %v", err)
		d.Close(context.Background())
		os.Exit(1)
	}

	if *serveFlag {
		if addr := d.MetricsAddress(); addr != "" {
			log.Infof("serving metrics at http://%s/metrics", addr)
		}
		<-ctx.Done()
	}

	if err := d.Close(context.Background()); err != nil {
		log.Fatalf("failed to close driver: %v", err)
	}
}

func renderNode(path string) driver.DeviceSpec {
	return driver.DeviceSpec{
		Path: path,
		Properties: device.Properties{
			Name:            path,
			LocalMemory:     true,
			MaxMemAllocSize: 4 * _1G,
			GlobalMemSize:   16 * _1G,
		},
	}
}

func simulatedDevices(count int, name string, tiles int) ([]driver.DeviceSpec, error) {
	local := []uint64{8 * _1G}
	if tiles > 1 {
		local = make([]uint64, tiles)
		for i := range local {
			local[i] = 8 * _1G
		}
	}

	sys := simkmd.NewSystem(0)
	specs := make([]driver.DeviceSpec, 0, count)
	for i := 0; i < count; i++ {
		k := simkmd.NewKernel(sys, simkmd.Config{
			Driver:      name,
			LocalMemory: local,
		})
		drv, err := kmd.New(name, k)
		if err != nil {
			return nil, err
		}
		specs = append(specs, driver.DeviceSpec{
			Driver: drv,
			Properties: device.Properties{
				Name:            fmt.Sprintf("sim%d", i),
				LocalMemory:     true,
				SubDevices:      tiles,
				MaxMemAllocSize: 4 * _1G,
				GlobalMemSize:   uint64(len(local)) * 8 * _1G,
			},
		})
	}
	return specs, nil
}
