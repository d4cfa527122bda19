package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info describes a live OS process as seen by the kernel.
type Info struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name,omitempty"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Alive reports whether pid refers to a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

// Inspect samples resource usage for pid. Fields that cannot be read are left zero.
func Inspect(pid int) (Info, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Info{}, err
	}
	info := Info{PID: pid, StartedAt: startTime(pid)}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	return info, nil
}

// isZombieLinux returns true if /proc/<pid>/status reports state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
