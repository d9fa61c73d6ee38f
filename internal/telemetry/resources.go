// Package telemetry reads container resource information from cgroups and
// procfs. The orchestrator uses it to fail jobs fast when local memory or
// disk headroom is below the configured floor.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Reader resolves resource stats. Paths are overridable so tests can point
// it at fixture trees.
type Reader struct {
	ProcPath   string
	CgroupPath string
}

func NewReader() *Reader {
	return &Reader{
		ProcPath:   "/proc",
		CgroupPath: "/sys/fs/cgroup",
	}
}

// MemoryInfo holds memory stats in bytes. Zero fields mean the source did
// not report that value.
type MemoryInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedBytes      uint64
	LimitBytes     uint64
}

// Memory merges host meminfo with the container's cgroup limit when one is
// set. cgroup v2 is tried first, then v1, then plain /proc/meminfo.
func (r *Reader) Memory() MemoryInfo {
	var info MemoryInfo

	for _, line := range readLines(filepath.Join(r.ProcPath, "meminfo")) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			info.TotalBytes = kb * 1024
		case "MemAvailable:":
			info.AvailableBytes = kb * 1024
		}
	}
	if info.TotalBytes > 0 && info.AvailableBytes > 0 {
		info.UsedBytes = info.TotalBytes - info.AvailableBytes
	}

	// cgroup v2
	if maxRaw := readFile(filepath.Join(r.CgroupPath, "memory.max")); maxRaw != "" && maxRaw != "max" {
		if limit, err := strconv.ParseUint(maxRaw, 10, 64); err == nil {
			info.LimitBytes = limit
		}
		if cur := readFile(filepath.Join(r.CgroupPath, "memory.current")); cur != "" {
			if used, err := strconv.ParseUint(cur, 10, 64); err == nil {
				info.UsedBytes = used
				if info.LimitBytes > used {
					info.AvailableBytes = info.LimitBytes - used
				}
			}
		}
		return info
	}

	// cgroup v1
	if limitRaw := readFile(filepath.Join(r.CgroupPath, "memory", "memory.limit_in_bytes")); limitRaw != "" {
		if limit, err := strconv.ParseUint(limitRaw, 10, 64); err == nil && limit < 1<<62 {
			info.LimitBytes = limit
			if usageRaw := readFile(filepath.Join(r.CgroupPath, "memory", "memory.usage_in_bytes")); usageRaw != "" {
				if used, err := strconv.ParseUint(usageRaw, 10, 64); err == nil {
					info.UsedBytes = used
					if limit > used {
						info.AvailableBytes = limit - used
					}
				}
			}
		}
	}

	return info
}

// DiskInfo holds filesystem stats for one mount point, in bytes.
type DiskInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

func (r *Reader) Disk(path string) (DiskInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskInfo{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	info := DiskInfo{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bavail * uint64(stat.Bsize),
	}
	info.UsedBytes = info.TotalBytes - info.FreeBytes
	return info, nil
}

// CPUInfo reports the effective CPU limit in whole-core units.
type CPUInfo struct {
	Limit float64
}

func (r *Reader) CPU() CPUInfo {
	// cgroup v2: "quota period" or "max period"
	if raw := readFile(filepath.Join(r.CgroupPath, "cpu.max")); raw != "" {
		fields := strings.Fields(raw)
		if len(fields) == 2 && fields[0] != "max" {
			quota, qErr := strconv.ParseFloat(fields[0], 64)
			period, pErr := strconv.ParseFloat(fields[1], 64)
			if qErr == nil && pErr == nil && period > 0 {
				return CPUInfo{Limit: quota / period}
			}
		}
		return CPUInfo{Limit: float64(runtime.NumCPU())}
	}

	// cgroup v1
	if quotaRaw := readFile(filepath.Join(r.CgroupPath, "cpu", "cpu.cfs_quota_us")); quotaRaw != "" {
		quota, err := strconv.ParseFloat(quotaRaw, 64)
		if err == nil && quota > 0 {
			if periodRaw := readFile(filepath.Join(r.CgroupPath, "cpu", "cpu.cfs_period_us")); periodRaw != "" {
				if period, err := strconv.ParseFloat(periodRaw, 64); err == nil && period > 0 {
					return CPUInfo{Limit: quota / period}
				}
			}
		}
	}

	return CPUInfo{Limit: float64(runtime.NumCPU())}
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Split(string(data), "\n")
}
