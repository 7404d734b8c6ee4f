package engine

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceInfo describes the compute device the kernels run on.
type DeviceInfo struct {
	Name          string
	PhysicalCores int
	LogicalCores  int
	Workers       int
	AVX2          bool
	FMA           bool
	AVX512        bool
}

// DescribeDevice probes the host CPU.
func DescribeDevice() DeviceInfo {
	return DeviceInfo{
		Name:          cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Workers:       runtime.GOMAXPROCS(0),
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		FMA:           cpuid.CPU.Supports(cpuid.FMA3),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (d DeviceInfo) String() string {
	name := d.Name
	if name == "" {
		name = "unknown CPU"
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, %d workers, avx2=%t fma=%t avx512=%t)",
		name, d.PhysicalCores, d.LogicalCores, d.Workers, d.AVX2, d.FMA, d.AVX512)
}
