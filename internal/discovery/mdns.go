// Package discovery finds Lantern relays on the local network via
// DNS-SD (mDNS) and ranks the discovered endpoints for dialing.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service parameters for relay discovery.
const (
	ServiceType = "_lanternrelay._tcp"
	Domain      = "local."

	// EndpointTTL is how long a discovered endpoint stays usable
	// without a refresh.
	EndpointTTL = 35 * time.Second
)

// Endpoint is one discovered relay.
type Endpoint struct {
	Host        string
	Port        int
	RefreshedAt time.Time
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the websocket URL for the endpoint.
func (e Endpoint) URL() string {
	return fmt.Sprintf("ws://%s/ws", e.Addr())
}

// Host ranking buckets, best first: RFC1918 192.168/16, then 10/8, then
// 172.16/12, then public addresses, then .local hostnames.
func rankHost(host string) int {
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".local.") {
		return 4
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 4
	}
	v4 := ip.To4()
	if v4 == nil {
		return 3
	}
	switch {
	case v4[0] == 192 && v4[1] == 168:
		return 0
	case v4[0] == 10:
		return 1
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return 2
	default:
		return 3
	}
}

// Browser listens for relay announcements and keeps a pruned, ranked
// endpoint set.
type Browser struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint // addr → endpoint
	now       func() time.Time    // test hook
}

// NewBrowser returns an empty browser.
func NewBrowser() *Browser {
	return &Browser{
		endpoints: make(map[string]Endpoint),
		now:       time.Now,
	}
}

// Run browses for relays until ctx is cancelled. Errors setting up the
// resolver are returned; individual bad entries are skipped.
func (b *Browser) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	slog.Info("mdns browse started", "service", ServiceType)

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			b.observe(entry)
		}
	}
}

// observe records one service entry as endpoints.
func (b *Browser) observe(entry *zeroconf.ServiceEntry) {
	port := entry.Port
	// TXT "wsPort" (preferred) or "port" override the SRV port.
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "wsPort="); ok {
			if n, err := strconv.Atoi(v); err == nil {
				port = n
			}
		} else if v, ok := strings.CutPrefix(txt, "port="); ok {
			if n, err := strconv.Atoi(v); err == nil && port == entry.Port {
				port = n
			}
		}
	}
	if port <= 0 || port > 65535 {
		return
	}

	var hosts []string
	for _, ip := range entry.AddrIPv4 {
		hosts = append(hosts, ip.String())
	}
	if len(hosts) == 0 && entry.HostName != "" {
		hosts = append(hosts, strings.TrimSuffix(entry.HostName, "."))
	}

	now := b.now()
	b.mu.Lock()
	for _, host := range hosts {
		ep := Endpoint{Host: host, Port: port, RefreshedAt: now}
		b.endpoints[ep.Addr()] = ep
	}
	b.mu.Unlock()
}

// Endpoints returns the live endpoints ranked best-first: private IPv4
// ranges over public addresses over .local hostnames, fresher entries
// first within a bucket. Entries unrefreshed for EndpointTTL are pruned.
func (b *Browser) Endpoints() []Endpoint {
	now := b.now()
	b.mu.Lock()
	var out []Endpoint
	for addr, ep := range b.endpoints {
		if now.Sub(ep.RefreshedAt) > EndpointTTL {
			delete(b.endpoints, addr)
			continue
		}
		out = append(out, ep)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := rankHost(out[i].Host), rankHost(out[j].Host)
		if ri != rj {
			return ri < rj
		}
		if !out[i].RefreshedAt.Equal(out[j].RefreshedAt) {
			return out[i].RefreshedAt.After(out[j].RefreshedAt)
		}
		return out[i].Addr() < out[j].Addr()
	})
	return out
}

// RegisterRelay announces a relay on mDNS until ctx is cancelled.
func RegisterRelay(ctx context.Context, instanceName string, port int) error {
	server, err := zeroconf.Register(
		instanceName, ServiceType, Domain, port,
		[]string{fmt.Sprintf("port=%d", port), fmt.Sprintf("wsPort=%d", port)},
		nil,
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	slog.Info("mdns registered", "instance", instanceName, "port", port)
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}
