package worker

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BaSui01/quantflow/types"
)

// DetectCapabilities probes local hardware with a fixed priority order:
// specialized accelerator devices first, then generic GPUs, then the CPU
// fallback. Detection never fails; the zero Capabilities value means CPU.
func DetectCapabilities() types.Capabilities {
	if count := countDeviceNodes("/dev", "accel*"); count > 0 {
		return types.Capabilities{GPU: true, GPUType: "accelerator", GPUCount: count}
	}

	if count := countNvidiaGPUs(); count > 0 {
		return types.Capabilities{GPU: true, GPUType: nvidiaGPUType(), GPUCount: count}
	}

	return types.Capabilities{}
}

// countNvidiaGPUs counts entries under the NVIDIA proc tree, honoring an
// explicit CUDA_VISIBLE_DEVICES restriction when set.
func countNvidiaGPUs() int {
	entries, err := os.ReadDir("/proc/driver/nvidia/gpus")
	if err != nil || len(entries) == 0 {
		return 0
	}

	if visible := os.Getenv("CUDA_VISIBLE_DEVICES"); visible != "" {
		if visible == "-1" {
			return 0
		}
		count := 1
		for _, c := range visible {
			if c == ',' {
				count++
			}
		}
		if count < len(entries) {
			return count
		}
	}
	return len(entries)
}

func nvidiaGPUType() string {
	if t := os.Getenv("QUANTFLOW_GPU_TYPE"); t != "" {
		return t
	}
	return "cuda"
}

func countDeviceNodes(dir, pattern string) int {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	return len(matches)
}

// capabilityString renders capabilities for registration logs.
func capabilityString(c types.Capabilities) string {
	if !c.GPU {
		return "cpu"
	}
	return c.GPUType + " x" + strconv.Itoa(c.GPUCount)
}
