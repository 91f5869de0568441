// Package hardware produces the static GPU descriptor announced to the control
// plane on every connect.
//
// GPUs are enumerated from /sys/class/drm/card*. The proprietary NVIDIA driver
// exposes the marketing name under /proc/driver/nvidia/gpus/<slot>/information;
// amdgpu exposes VRAM size in mem_info_vram_total. When VRAM cannot be read it is
// estimated from the model name.
package hardware

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const NoGPUName = "CPU Mode (No GPU Detected)"

// Spec is immutable once probed.
type Spec struct {
	GPUName string  `json:"gpu_name"`
	VRAMGB  float64 `json:"vram_gb"`
}

type Prober struct {
	sysRoot  string
	procRoot string
}

func NewProber() *Prober {
	return &Prober{sysRoot: "/sys", procRoot: "/proc"}
}

func newProberFrom(sysRoot, procRoot string) *Prober {
	return &Prober{sysRoot: sysRoot, procRoot: procRoot}
}

// Probe returns the first discrete GPU found, preferring NVIDIA and AMD over
// integrated graphics. It never fails: a machine without a GPU reports CPU mode.
func (p *Prober) Probe() Spec {
	drmBase := filepath.Join(p.sysRoot, "class/drm")
	entries, err := os.ReadDir(drmBase)
	if err != nil {
		return Spec{GPUName: NoGPUName}
	}

	var fallback *Spec
	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}
		devicePath := filepath.Join(drmBase, entry.Name(), "device")

		switch readDriverName(devicePath) {
		case "nvidia", "nouveau":
			return p.nvidiaSpec(devicePath)
		case "amdgpu":
			return amdSpec(devicePath)
		case "i915", "xe":
			if fallback == nil {
				fallback = &Spec{GPUName: "Intel Graphics"}
			}
		}
	}

	if fallback != nil {
		return *fallback
	}
	return Spec{GPUName: NoGPUName}
}

// Override replaces probed values with configured ones; zero values keep the probe.
func (s Spec) Override(gpuName string, vramGB float64) Spec {
	if gpuName != "" {
		s.GPUName = gpuName
	}
	if vramGB > 0 {
		s.VRAMGB = vramGB
	}
	return s
}

func (p *Prober) nvidiaSpec(devicePath string) Spec {
	spec := Spec{GPUName: "NVIDIA GPU"}

	slot := readUeventValue(devicePath, "PCI_SLOT_NAME")
	if slot != "" {
		infoPath := filepath.Join(p.procRoot, "driver/nvidia/gpus", slot, "information")
		if data, err := os.ReadFile(infoPath); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				key, value, ok := strings.Cut(line, ":")
				if ok && strings.TrimSpace(key) == "Model" {
					spec.GPUName = strings.TrimSpace(value)
				}
			}
		}
	}

	spec.VRAMGB = EstimateVRAM(spec.GPUName)
	return spec
}

func amdSpec(devicePath string) Spec {
	spec := Spec{GPUName: "AMD Radeon GPU"}
	if name := readSysfsString(filepath.Join(devicePath, "product_name")); name != "" {
		spec.GPUName = name
	}

	if total := readSysfsInt(filepath.Join(devicePath, "mem_info_vram_total")); total > 0 {
		spec.VRAMGB = math.Round(float64(total) / (1 << 30))
		return spec
	}
	spec.VRAMGB = EstimateVRAM(spec.GPUName)
	return spec
}

// vramTable 按顺序匹配，较具体的型号放在前面
var vramTable = []struct {
	needles []string
	gb      float64
}{
	{[]string{"4090", "a100"}, 24},
	{[]string{"4080", "3090"}, 24},
	{[]string{"3080 ti"}, 12},
	{[]string{"3080"}, 10},
	{[]string{"4070", "3070"}, 8},
	{[]string{"4060", "3060"}, 8},
	{[]string{"2080", "2070"}, 8},
	{[]string{"1080", "1070"}, 8},
	{[]string{"7900"}, 24},
	{[]string{"7800", "6900"}, 16},
	{[]string{"6800", "6700"}, 12},
	{[]string{"6600"}, 8},
	{[]string{"1660", "1650"}, 6},
	{[]string{"1060"}, 6},
}

// EstimateVRAM guesses VRAM in GB from a model name, defaulting to 4.
func EstimateVRAM(name string) float64 {
	lower := strings.ToLower(name)
	for _, row := range vramTable {
		for _, needle := range row.needles {
			if strings.Contains(lower, needle) {
				return row.gb
			}
		}
	}
	return 4
}

// isCardDevice matches card0, card1, ... but not connectors or render nodes.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func readUeventValue(devicePath, key string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if ok && k == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(path string) int64 {
	v, err := strconv.ParseInt(readSysfsString(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
