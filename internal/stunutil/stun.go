// Package stunutil discovers the master's public address for the host info
// record.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

var ErrNoServers = errors.New("no STUN servers configured")

// Result is one probe outcome. PublicAddr is host:port as mapped for the
// probing socket.
type Result struct {
	PublicAddr string
	NATType    string
	ProbedAt   time.Time
}

// PublicIP strips the port from PublicAddr.
func (r Result) PublicIP() string {
	host, _, err := net.SplitHostPort(r.PublicAddr)
	if err != nil {
		return r.PublicAddr
	}
	return host
}

// Probe asks every server for the mapped address and classifies the NAT from
// the answers. It fails only when no server answered.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: NATTypeUnknown}, ErrNoServers
	}

	addrs := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("stun %s: %w", server, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return Result{NATType: NATTypeUnknown}, lastErr
	}
	return Result{PublicAddr: addrs[0], NATType: Classify(addrs), ProbedAt: time.Now().UTC()}, nil
}

// Classify infers the NAT type by comparing mapped addresses from multiple
// servers. One answer is not enough to tell.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// Cache keeps the last probe result for TTL so request handlers do not hit
// the network every time.
type Cache struct {
	servers []string
	timeout time.Duration
	ttl     time.Duration
	probe   func(ctx context.Context, servers []string, timeout time.Duration) (Result, error)

	mu   sync.Mutex
	last Result
	have bool
}

func NewCache(servers []string, timeout, ttl time.Duration) *Cache {
	return &Cache{servers: servers, timeout: timeout, ttl: ttl, probe: Probe}
}

// Get returns the cached result, probing again once it expired. A failed
// probe returns the stale result, if any, with the error.
func (c *Cache) Get(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.have && time.Since(c.last.ProbedAt) < c.ttl {
		return c.last, nil
	}
	res, err := c.probe(ctx, c.servers, c.timeout)
	if err != nil {
		if c.have {
			return c.last, err
		}
		return Result{NATType: NATTypeUnknown}, err
	}
	c.last, c.have = res, true
	return res, nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan string, 1)
	fail := make(chan error, 2)
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr.String()
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case addr := <-result:
		return addr, nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
