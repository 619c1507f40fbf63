package resources

import (
	"bufio"
	"bytes"
	"context"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe reports total memory in binary gigabytes (1<<30). ok is false
// when the strategy does not apply or fails; unknown is never an error.
type MemoryProbe interface {
	Name() string
	AvailableGB(ctx context.Context) (gb float64, ok bool)
}

const bytesPerGiB = 1 << 30

func gib(b uint64) float64 {
	return float64(b) / bytesPerGiB
}

// CgroupProbe reads the cgroup memory limit. An unlimited cgroup is treated
// as not applicable so the host total is used instead.
type CgroupProbe struct{}

func (CgroupProbe) Name() string { return "cgroup" }

func (CgroupProbe) AvailableGB(context.Context) (float64, bool) {
	limit, err := memlimit.FromCgroup()
	if err != nil || limit == 0 || limit == math.MaxUint64 {
		return 0, false
	}
	return gib(limit), true
}

// HostProbe asks the OS through gopsutil.
type HostProbe struct{}

func (HostProbe) Name() string { return "host" }

func (HostProbe) AvailableGB(ctx context.Context) (float64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil || vm.Total == 0 {
		return 0, false
	}
	return gib(vm.Total), true
}

// MeminfoProbe parses MemTotal from a /proc/meminfo style file.
type MeminfoProbe struct {
	// Path defaults to /proc/meminfo.
	Path string
}

func (MeminfoProbe) Name() string { return "meminfo" }

func (p MeminfoProbe) AvailableGB(context.Context) (float64, bool) {
	path := p.Path
	if path == "" {
		path = "/proc/meminfo"
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil || kb == 0 {
			return 0, false
		}
		return gib(kb * 1024), true
	}
	return 0, false
}

// SysctlProbe runs a command that prints total memory in bytes, by default
// `sysctl -n hw.memsize` (macOS, BSD).
type SysctlProbe struct {
	Command []string
}

func (SysctlProbe) Name() string { return "sysctl" }

func (p SysctlProbe) AvailableGB(ctx context.Context) (float64, bool) {
	argv := p.Command
	if len(argv) == 0 {
		argv = []string{"sysctl", "-n", "hw.memsize"}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(string(bytes.TrimSpace(out)), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return gib(n), true
}

// ChainProbe tries each probe in order; the first success wins.
type ChainProbe []MemoryProbe

func (c ChainProbe) Name() string {
	names := make([]string, 0, len(c))
	for _, p := range c {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

func (c ChainProbe) AvailableGB(ctx context.Context) (float64, bool) {
	gb, _, ok := c.Detect(ctx)
	return gb, ok
}

// Detect is AvailableGB that also names the probe that answered.
func (c ChainProbe) Detect(ctx context.Context) (float64, string, bool) {
	for _, p := range c {
		if gb, ok := p.AvailableGB(ctx); ok && gb > 0 {
			return gb, p.Name(), true
		}
	}
	return 0, "", false
}

// DefaultProbe returns the strategy chain for the running OS.
func DefaultProbe() ChainProbe {
	switch runtime.GOOS {
	case "linux":
		return ChainProbe{CgroupProbe{}, MeminfoProbe{}, HostProbe{}}
	case "darwin", "freebsd", "netbsd", "openbsd":
		return ChainProbe{SysctlProbe{}, HostProbe{}}
	default:
		return ChainProbe{HostProbe{}}
	}
}
