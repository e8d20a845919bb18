package inventory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/types"
)

const defaultSysfsNodeDir = "/sys/devices/system/node"

// Prober collects the hardware inventory and live utilization of the local
// machine. sysfsNodeDir and execCommand are swappable in tests.
type Prober struct {
	sysfsNodeDir string
	execCommand  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New returns a Prober reading the real sysfs tree and shelling out to
// nvidia-smi for GPU data.
func New() *Prober {
	return &Prober{
		sysfsNodeDir: defaultSysfsNodeDir,
		execCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Probe gathers the static inventory reported at registration: logical
// core count, total memory, NUMA topology and installed GPUs. Machines
// without NUMA sysfs entries or without nvidia-smi report empty slices.
func (p *Prober) Probe(ctx context.Context) (cores int, memoryBytes int64, numa []types.NUMANode, gpus []types.GPU, err error) {
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, nil, nil, fmt.Errorf("failed to count cpus: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, nil, nil, fmt.Errorf("failed to read memory: %w", err)
	}

	numa, err = p.probeNUMA()
	if err != nil {
		log.WithComponent("inventory").Warn().Err(err).Msg("numa probe failed, reporting flat topology")
		numa = nil
	}

	gpus, err = p.probeGPUs(ctx)
	if err != nil {
		log.WithComponent("inventory").Debug().Err(err).Msg("gpu probe failed, reporting none")
		gpus = nil
	}

	return counts, int64(vm.Total), numa, gpus, nil
}

// Utilization samples live CPU and memory pressure for heartbeats, plus
// per-GPU telemetry when GPUs are present.
func (p *Prober) Utilization(ctx context.Context) (cpuPct, memPct float64, gpus []types.GPU, err error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read memory: %w", err)
	}

	gpus, _ = p.sampleGPUs(ctx)
	return cpuPct, vm.UsedPercent, gpus, nil
}

// Topology re-reads the NUMA layout. Heartbeats carry it alongside the
// utilization sample so the host sees topology changes without waiting for
// a re-registration. Machines without NUMA sysfs entries report nil.
func (p *Prober) Topology() ([]types.NUMANode, error) {
	return p.probeNUMA()
}

// probeNUMA walks /sys/devices/system/node/node*/ for the per-domain core
// list and memory size.
func (p *Prober) probeNUMA() ([]types.NUMANode, error) {
	entries, err := os.ReadDir(p.sysfsNodeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.sysfsNodeDir, err)
	}

	var nodes []types.NUMANode
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}

		dir := filepath.Join(p.sysfsNodeDir, name)
		cpulist, err := os.ReadFile(filepath.Join(dir, "cpulist"))
		if err != nil {
			return nil, fmt.Errorf("failed to read cpulist for node%d: %w", id, err)
		}
		cores, err := parseCPUList(strings.TrimSpace(string(cpulist)))
		if err != nil {
			return nil, fmt.Errorf("bad cpulist for node%d: %w", id, err)
		}

		memBytes := int64(0)
		if meminfo, err := os.ReadFile(filepath.Join(dir, "meminfo")); err == nil {
			memBytes = parseNodeMemTotal(string(meminfo))
		}

		nodes = append(nodes, types.NUMANode{ID: id, Cores: cores, MemoryBytes: memBytes})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// parseCPUList expands a sysfs cpulist such as "0-7,16-23" into core ids.
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cores []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu range %q", part)
		}
		end := start
		if found {
			end, err = strconv.Atoi(hi)
			if err != nil || end < start {
				return nil, fmt.Errorf("bad cpu range %q", part)
			}
		}
		for c := start; c <= end; c++ {
			cores = append(cores, c)
		}
	}
	return cores, nil
}

// parseNodeMemTotal pulls the MemTotal line out of a per-node meminfo file.
// The line looks like "Node 0 MemTotal:       131072000 kB".
func parseNodeMemTotal(meminfo string) int64 {
	for _, line := range strings.Split(meminfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && fields[2] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}

const (
	gpuStaticQuery  = "--query-gpu=index,name,driver_version,memory.total"
	gpuDynamicQuery = "--query-gpu=index,utilization.gpu,memory.used,temperature.gpu,power.draw"
	gpuCSVFormat    = "--format=csv,noheader,nounits"
)

func (p *Prober) probeGPUs(ctx context.Context) ([]types.GPU, error) {
	out, err := p.execCommand(ctx, "nvidia-smi", gpuStaticQuery, gpuCSVFormat)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi unavailable: %w", err)
	}
	return parseGPUStatic(string(out))
}

func (p *Prober) sampleGPUs(ctx context.Context) ([]types.GPU, error) {
	out, err := p.execCommand(ctx, "nvidia-smi", gpuDynamicQuery, gpuCSVFormat)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi unavailable: %w", err)
	}
	return parseGPUDynamic(string(out))
}

func splitCSVLine(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseGPUStatic(out string) ([]types.GPU, error) {
	var gpus []types.GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad gpu index %q", fields[0])
		}
		memMiB, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad gpu memory %q", fields[3])
		}
		gpus = append(gpus, types.GPU{
			ID:               id,
			Model:            fields[1],
			DriverVersion:    fields[2],
			MemoryTotalBytes: memMiB * 1024 * 1024,
		})
	}
	return gpus, nil
}

func parseGPUDynamic(out string) ([]types.GPU, error) {
	var gpus []types.GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad gpu index %q", fields[0])
		}
		util, _ := strconv.ParseFloat(fields[1], 64)
		usedMiB, _ := strconv.ParseInt(fields[2], 10, 64)
		temp, _ := strconv.ParseFloat(fields[3], 64)
		power, _ := strconv.ParseFloat(fields[4], 64)
		gpus = append(gpus, types.GPU{
			ID:              id,
			UtilizationPct:  util,
			MemoryUsedBytes: usedMiB * 1024 * 1024,
			TemperatureC:    temp,
			PowerWatts:      power,
		})
	}
	return gpus, nil
}
