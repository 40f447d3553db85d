// Package sysinfo collects the host snapshot agents attach to every
// heartbeat. The server stores it opaque; only the dashboard interprets it.
package sysinfo

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Snapshot struct {
	Hostname    string    `json:"hostname"`
	OSName      string    `json:"os_name"`
	OSVersion   string    `json:"os_version"`
	Arch        string    `json:"architecture"`
	CPUModel    string    `json:"cpu_model,omitempty"`
	CPUCount    int       `json:"cpu_count"`
	RAMTotal    uint64    `json:"ram_total"`
	RAMUsed     uint64    `json:"ram_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskFree    uint64    `json:"disk_free"`
	UptimeS     uint64    `json:"uptime_s"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collect gathers a best-effort snapshot. Individual probe failures leave
// their fields zero rather than failing the heartbeat.
func Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		OSName:      runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCount:    runtime.NumCPU(),
		CollectedAt: time.Now().UTC(),
	}
	snap.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.OSName = info.Platform
		snap.OSVersion = info.PlatformVersion
		snap.UptimeS = info.Uptime
		if snap.Hostname == "" {
			snap.Hostname = info.Hostname
		}
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.RAMTotal = vm.Total
		snap.RAMUsed = vm.Used
	}
	if usage, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		snap.DiskTotal = usage.Total
		snap.DiskFree = usage.Free
	}

	return snap
}

// JSON renders the snapshot as the opaque string the wire format carries.
func (s *Snapshot) JSON() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return "C:\\"
	}
	return "/"
}
