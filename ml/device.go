package ml

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device describes where tensors live. Graphs run on the host CPU; the
// vector features are reported because the tensor kernels use them.
type Device struct {
	Name     string
	CPU      string
	Cores    int
	Threads  int
	Features []string
}

var reportedFeatures = []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F}

// DetectDevice is called once at startup.
func DetectDevice() Device {
	d := Device{
		Name:    "cpu",
		CPU:     cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: runtime.GOMAXPROCS(0),
	}
	for _, f := range reportedFeatures {
		if cpuid.CPU.Supports(f) {
			d.Features = append(d.Features, f.String())
		}
	}
	return d
}

func (d Device) String() string {
	cpu := d.CPU
	if cpu == "" {
		cpu = "unknown CPU"
	}
	return fmt.Sprintf("%s (%s, %d cores, %d threads, [%s])",
		d.Name, cpu, d.Cores, d.Threads, strings.Join(d.Features, " "))
}
