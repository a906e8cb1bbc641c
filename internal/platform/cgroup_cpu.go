// Package platform provides container-aware CPU pressure sampling. main
// samples it into the CPU usage gauge; the circuit breakers do not read it.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ContainerCPU reads cgroup v1/v2 accounting files to compute CPU usage as
// a percentage of the container's own allocation, not the host's.
type ContainerCPU struct {
	mu               sync.RWMutex
	lastCPUUsec      uint64
	lastSampleTime   time.Time
	cgroupVersion    int
	cgroupPath       string
	numCPUsAllocated float64
}

func newContainerCPU() (*ContainerCPU, error) {
	cc := &ContainerCPU{lastSampleTime: time.Now()}

	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup: %w", err)
	}
	cc.cgroupPath, cc.cgroupVersion = path, version

	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}
	if quota > 0 && period > 0 {
		cc.numCPUsAllocated = float64(quota) / float64(period)
	} else {
		cc.numCPUsAllocated = float64(runtime.NumCPU())
	}

	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, fmt.Errorf("read initial cpu usage: %w", err)
	}
	cc.lastCPUUsec = usage

	return cc, nil
}

// GetPercent returns CPU usage relative to the container's own allocation.
func (cc *ContainerCPU) GetPercent() (float64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	timeDeltaUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if timeDeltaUsec == 0 {
		return 0, fmt.Errorf("time delta too small")
	}

	currentUsec, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, err
	}

	usageDelta := currentUsec - cc.lastCPUUsec
	rawPercent := (float64(usageDelta) / float64(timeDeltaUsec)) * 100.0
	percent := rawPercent / cc.numCPUsAllocated

	cc.lastCPUUsec = currentUsec
	cc.lastSampleTime = now
	return percent, nil
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(cgroupPath string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(cgroupPath + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %s", string(data))
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(cgroupPath + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(cgroupPath + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(cgroupPath string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(cgroupPath + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(cgroupPath + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// Monitor provides unified CPU measurement with automatic container
// detection and a host-CPU fallback via gopsutil.
type Monitor struct {
	mode      string // "container" or "host"
	container *ContainerCPU
	logger    zerolog.Logger
}

// NewMonitor builds a Monitor, falling back to host-wide CPU sampling when
// cgroup files are unreadable (e.g. running outside a container).
func NewMonitor(logger zerolog.Logger) *Monitor {
	container, err := newContainerCPU()
	if err == nil {
		logger.Info().
			Float64("cpus_allocated", container.numCPUsAllocated).
			Msg("using container-aware CPU measurement")
		return &Monitor{mode: "container", container: container, logger: logger}
	}

	logger.Warn().Err(err).Msg("falling back to host CPU measurement")
	return &Monitor{mode: "host", logger: logger}
}

// GetPercent returns CPU usage as a percentage of the relevant allocation
// (container quota, or total host cores in host mode).
func (m *Monitor) GetPercent() (float64, error) {
	if m.mode == "container" {
		return m.container.GetPercent()
	}
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu sample returned")
	}
	return percents[0], nil
}

// Mode reports which measurement strategy is active.
func (m *Monitor) Mode() string {
	return m.mode
}
