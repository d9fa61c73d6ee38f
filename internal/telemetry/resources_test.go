package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestMemoryFromMeminfo(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "proc/meminfo",
		"MemTotal:        16384000 kB\nMemFree:          512000 kB\nMemAvailable:    8192000 kB\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	info := r.Memory()

	assert.Equal(t, uint64(16384000*1024), info.TotalBytes)
	assert.Equal(t, uint64(8192000*1024), info.AvailableBytes)
	assert.Equal(t, uint64((16384000-8192000)*1024), info.UsedBytes)
	assert.Zero(t, info.LimitBytes)
}

func TestMemoryCgroupV2LimitWins(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "proc/meminfo", "MemTotal: 16384000 kB\nMemAvailable: 8192000 kB\n")
	writeFixture(t, root, "cgroup/memory.max", "2147483648\n")
	writeFixture(t, root, "cgroup/memory.current", "1073741824\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	info := r.Memory()

	assert.Equal(t, uint64(2147483648), info.LimitBytes)
	assert.Equal(t, uint64(1073741824), info.UsedBytes)
	assert.Equal(t, uint64(1073741824), info.AvailableBytes)
}

func TestMemoryCgroupV2Unlimited(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "proc/meminfo", "MemTotal: 4096000 kB\nMemAvailable: 1024000 kB\n")
	writeFixture(t, root, "cgroup/memory.max", "max\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	info := r.Memory()

	assert.Zero(t, info.LimitBytes)
	assert.Equal(t, uint64(1024000*1024), info.AvailableBytes)
}

func TestMemoryCgroupV1Fallback(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "proc/meminfo", "MemTotal: 4096000 kB\nMemAvailable: 1024000 kB\n")
	writeFixture(t, root, "cgroup/memory/memory.limit_in_bytes", "1073741824\n")
	writeFixture(t, root, "cgroup/memory/memory.usage_in_bytes", "536870912\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	info := r.Memory()

	assert.Equal(t, uint64(1073741824), info.LimitBytes)
	assert.Equal(t, uint64(536870912), info.AvailableBytes)
}

func TestCPUCgroupV2Quota(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cgroup/cpu.max", "200000 100000\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	assert.InDelta(t, 2.0, r.CPU().Limit, 0.001)
}

func TestCPUCgroupV1Quota(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cgroup/cpu/cpu.cfs_quota_us", "150000\n")
	writeFixture(t, root, "cgroup/cpu/cpu.cfs_period_us", "100000\n")

	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	assert.InDelta(t, 1.5, r.CPU().Limit, 0.001)
}

func TestCPUDefaultsToHostCount(t *testing.T) {
	root := t.TempDir()
	r := &Reader{ProcPath: filepath.Join(root, "proc"), CgroupPath: filepath.Join(root, "cgroup")}
	assert.Greater(t, r.CPU().Limit, 0.0)
}

func TestDisk(t *testing.T) {
	r := NewReader()
	info, err := r.Disk(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, info.TotalBytes, uint64(0))
}
