//go:build !linux

package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
)

// HostProvider reports what the portable runtime knows about the host.
type HostProvider struct {
	BoardType string
	Public    PublicAddrFunc
	Logger    *slog.Logger
}

func NewHostProvider(boardType string, public PublicAddrFunc, logger *slog.Logger) *HostProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostProvider{BoardType: boardType, Public: public, Logger: logger.With("component", "metrics")}
}

func (p *HostProvider) Collect(ctx context.Context) (HostInfo, error) {
	host, _ := os.Hostname()
	info := HostInfo{
		BoardType:   p.BoardType,
		OSType:      runtime.GOOS,
		CPUType:     runtime.GOARCH,
		MachineName: host,
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
