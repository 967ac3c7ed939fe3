// Package metrics collects the host record the master reports in
// get_master_public_info.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// HostInfo is the host record. Values are strings on the wire; sizes are
// in megabytes (RAM) and gigabytes (disk).
type HostInfo struct {
	CPUUsage       string  `json:"cpu_usage"`
	CPUTemperature string  `json:"cpu_temperature"`
	RAMTotal       string  `json:"ram_total"`
	RAMUsed        string  `json:"ram_used"`
	RAMAvailable   string  `json:"ram_available"`
	HDTotal        string  `json:"hd_total"`
	HDUsed         string  `json:"hd_used"`
	HDAvailable    string  `json:"hd_available"`
	OSType         string  `json:"os_type"`
	BoardType      string  `json:"board_type"`
	CPUType        string  `json:"cpu_type"`
	MachineName    string  `json:"machine_name"`
	Network        Network `json:"network"`
}

// Network lists the non-loopback interface addresses and, when a STUN probe
// succeeded, the public address.
type Network struct {
	Interfaces []Interface `json:"interfaces"`
	PublicAddr string      `json:"public_addr,omitempty"`
	NATType    string      `json:"nat_type,omitempty"`
}

type Interface struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
}

// Provider produces a fresh host record.
type Provider interface {
	Collect(ctx context.Context) (HostInfo, error)
}

// Static always returns the same record. Used by tests and by hosts where
// collection is not supported.
type Static HostInfo

func (s Static) Collect(context.Context) (HostInfo, error) { return HostInfo(s), nil }

// PublicAddrFunc resolves the public address and NAT type, typically via STUN.
type PublicAddrFunc func(ctx context.Context) (addr, natType string, err error)

// cpuSample is the aggregate "cpu" line of /proc/stat.
type cpuSample struct {
	idle  uint64
	total uint64
}

// cpuTracker turns successive /proc/stat samples into a usage percentage.
type cpuTracker struct {
	mu   sync.Mutex
	prev cpuSample
	have bool
}

func (t *cpuTracker) usage(cur cpuSample) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, have := t.prev, t.have
	t.prev, t.have = cur, true
	if !have || cur.total <= prev.total {
		if cur.total == 0 {
			return 0
		}
		return 100 * float64(cur.total-cur.idle) / float64(cur.total)
	}
	dt := cur.total - prev.total
	di := cur.idle - prev.idle
	return 100 * float64(dt-di) / float64(dt)
}

// parseCPUStat reads the aggregate cpu line from /proc/stat content.
func parseCPUStat(r io.Reader) (cpuSample, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var s cpuSample
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("parse /proc/stat: %w", err)
			}
			s.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				s.idle += v
			}
		}
		return s, nil
	}
	if err := sc.Err(); err != nil {
		return cpuSample{}, err
	}
	return cpuSample{}, fmt.Errorf("parse /proc/stat: no cpu line")
}

// parseThermal converts a thermal_zone temp file (millidegrees) to degrees.
func parseThermal(data string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(data), 64)
	if err != nil {
		return 0, err
	}
	return v / 1000, nil
}

func interfaces() []Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			out = append(out, Interface{IP: ipnet.IP.String(), Name: iface.Name})
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func megabytes(b uint64) float64 { return float64(b) / (1 << 20) }
func gigabytes(b uint64) float64 { return float64(b) / (1 << 30) }
