package agent

import (
	"net"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// hostMetrics samples the local host for the status report. CPU usage is
// derived from two /proc/stat samples a short interval apart.
type hostMetrics struct {
	fs procfs.FS
}

func newHostMetrics() (*hostMetrics, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &hostMetrics{fs: fs}, nil
}

// Collect returns a best-effort metrics sample; individual probe
// failures leave the corresponding fields zero.
func (h *hostMetrics) Collect() *types.ServerMetrics {
	m := &types.ServerMetrics{}

	if load, err := h.fs.LoadAvg(); err == nil {
		m.LoadAverage = []float64{load.Load1, load.Load5, load.Load15}
	}

	if mem, err := h.fs.Meminfo(); err == nil && mem.MemTotal != nil {
		m.MemoryTotal = int64(*mem.MemTotal) * 1024
		if mem.MemAvailable != nil {
			m.MemoryUsed = m.MemoryTotal - int64(*mem.MemAvailable)*1024
		}
	}

	if before, err := h.fs.Stat(); err == nil {
		time.Sleep(100 * time.Millisecond)
		if after, err := h.fs.Stat(); err == nil {
			m.CPUPercent = cpuPercent(before.CPUTotal, after.CPUTotal)
		}
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs("/", &fsStat); err == nil {
		m.DiskTotal = int64(fsStat.Blocks) * fsStat.Bsize
		m.DiskUsed = m.DiskTotal - int64(fsStat.Bavail)*fsStat.Bsize
	}

	return m
}

func cpuPercent(before, after procfs.CPUStat) float64 {
	idle := (after.Idle + after.Iowait) - (before.Idle + before.Iowait)
	total := (after.User + after.Nice + after.System + after.Idle + after.Iowait +
		after.IRQ + after.SoftIRQ + after.Steal) -
		(before.User + before.Nice + before.System + before.Idle + before.Iowait +
			before.IRQ + before.SoftIRQ + before.Steal)
	if total <= 0 {
		return 0
	}
	return (total - idle) / total * 100
}

// networkInfo reports the host's non-loopback addresses keyed by
// interface name.
func networkInfo() map[string]string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	info := make(map[string]string)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			info[iface.Name] = ipnet.IP.String()
			break
		}
	}
	return info
}
