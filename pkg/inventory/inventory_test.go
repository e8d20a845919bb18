package inventory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakulab/haku/pkg/types"
)

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-1,4-5", []int{0, 1, 4, 5}, false},
		{"7", []int{7}, false},
		{"", nil, false},
		{"3-1", nil, true},
		{"a-b", nil, true},
	}
	for _, tt := range tests {
		got, err := parseCPUList(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseNodeMemTotal(t *testing.T) {
	meminfo := `Node 0 MemTotal:       131072000 kB
Node 0 MemFree:         98304000 kB
Node 0 MemUsed:         32768000 kB
`
	assert.Equal(t, int64(131072000)*1024, parseNodeMemTotal(meminfo))
	assert.Equal(t, int64(0), parseNodeMemTotal("garbage"))
}

func writeSysfsNode(t *testing.T, root string, id int, cpulist, memKB string) {
	t.Helper()
	dir := filepath.Join(root, "node"+string(rune('0'+id)))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpulist"), []byte(cpulist+"\n"), 0o644))
	meminfo := "Node " + string(rune('0'+id)) + " MemTotal: " + memKB + " kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0o644))
}

func TestProbeNUMA(t *testing.T) {
	root := t.TempDir()
	writeSysfsNode(t, root, 1, "8-15", "2048")
	writeSysfsNode(t, root, 0, "0-7", "1024")
	// Non-node entries are skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "online"), 0o755))

	p := &Prober{sysfsNodeDir: root}
	nodes, err := p.probeNUMA()
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, 0, nodes[0].ID)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, nodes[0].Cores)
	assert.Equal(t, int64(1024*1024), nodes[0].MemoryBytes)
	assert.Equal(t, 1, nodes[1].ID)
	assert.Equal(t, []int{8, 9, 10, 11, 12, 13, 14, 15}, nodes[1].Cores)
}

func TestParseGPUStatic(t *testing.T) {
	out := `0, NVIDIA A100-SXM4-80GB, 550.54.15, 81920
1, NVIDIA A100-SXM4-80GB, 550.54.15, 81920
`
	gpus, err := parseGPUStatic(out)
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.Equal(t, types.GPU{
		ID:               0,
		Model:            "NVIDIA A100-SXM4-80GB",
		DriverVersion:    "550.54.15",
		MemoryTotalBytes: 81920 * 1024 * 1024,
	}, gpus[0])
	assert.Equal(t, 1, gpus[1].ID)
}

func TestParseGPUStaticMalformed(t *testing.T) {
	_, err := parseGPUStatic("0, A100\n")
	assert.Error(t, err)
}

func TestParseGPUDynamic(t *testing.T) {
	out := "0, 87, 40960, 64, 312.5\n"
	gpus, err := parseGPUDynamic(out)
	require.NoError(t, err)
	require.Len(t, gpus, 1)
	assert.Equal(t, 87.0, gpus[0].UtilizationPct)
	assert.Equal(t, int64(40960)*1024*1024, gpus[0].MemoryUsedBytes)
	assert.Equal(t, 64.0, gpus[0].TemperatureC)
	assert.Equal(t, 312.5, gpus[0].PowerWatts)
}

func TestProbeGPUsUnavailable(t *testing.T) {
	p := &Prober{
		sysfsNodeDir: t.TempDir(),
		execCommand: func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("exec: nvidia-smi: not found")
		},
	}
	_, err := p.probeGPUs(context.Background())
	assert.Error(t, err)
}
