//go:build linux

package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	procStat    = "/proc/stat"
	thermalZone = "/sys/class/thermal/thermal_zone0/temp"
)

// HostProvider reads the local host through syscalls and /proc.
type HostProvider struct {
	BoardType string
	DiskPath  string
	Public    PublicAddrFunc
	Logger    *slog.Logger

	cpu cpuTracker
}

func NewHostProvider(boardType string, public PublicAddrFunc, logger *slog.Logger) *HostProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostProvider{BoardType: boardType, DiskPath: "/", Public: public, Logger: logger.With("component", "metrics")}
}

func (p *HostProvider) Collect(ctx context.Context) (HostInfo, error) {
	info := HostInfo{BoardType: p.BoardType}

	if f, err := os.Open(procStat); err == nil {
		sample, err := parseCPUStat(f)
		f.Close()
		if err == nil {
			info.CPUUsage = formatFloat(p.cpu.usage(sample))
		} else {
			p.Logger.Debug("cpu usage unavailable", "err", err)
		}
	}
	if data, err := os.ReadFile(thermalZone); err == nil {
		if temp, err := parseThermal(string(data)); err == nil {
			info.CPUTemperature = formatFloat(temp)
		}
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		unit := uint64(si.Unit)
		if unit == 0 {
			unit = 1
		}
		total := uint64(si.Totalram) * unit
		free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
		info.RAMTotal = formatFloat(megabytes(total))
		info.RAMUsed = formatFloat(megabytes(total - free))
		info.RAMAvailable = formatFloat(megabytes(free))
	} else {
		p.Logger.Debug("sysinfo failed", "err", err)
	}

	diskPath := p.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err == nil {
		bsize := uint64(fs.Bsize)
		total := fs.Blocks * bsize
		avail := fs.Bavail * bsize
		used := total - fs.Bfree*bsize
		info.HDTotal = formatFloat(gigabytes(total))
		info.HDUsed = formatFloat(gigabytes(used))
		info.HDAvailable = formatFloat(gigabytes(avail))
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.OSType = cstr(uts.Sysname[:])
		info.MachineName = cstr(uts.Nodename[:])
		info.CPUType = cstr(uts.Machine[:])
	}

	info.Network.Interfaces = interfaces()
	if p.Public != nil {
		addr, nat, err := p.Public(ctx)
		if err != nil {
			p.Logger.Debug("public address unavailable", "err", err)
		}
		info.Network.PublicAddr = addr
		info.Network.NATType = nat
	}
	return info, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
