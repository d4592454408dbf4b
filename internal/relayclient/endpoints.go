package relayclient

import (
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/discovery"
)

// FallbackURL is dialed when nothing else is configured or discovered.
const FallbackURL = "ws://127.0.0.1:43190/ws"

// recentHandshakeWindow: a discovered endpoint we completed a handshake
// with this recently is preferred over a better-ranked newcomer.
const recentHandshakeWindow = 14 * time.Second

// EndpointSource yields discovered relay endpoints, best first.
type EndpointSource interface {
	Endpoints() []discovery.Endpoint
}

// endpointPicker resolves the URL to dial next. Order: the
// LANTERN_RELAY_URL environment variable, then a manually configured
// host:port, then mDNS discovery, then FallbackURL.
type endpointPicker struct {
	manualAddr string
	source     EndpointSource

	mu       sync.Mutex
	lastGood map[string]time.Time // url → last successful handshake
	now      func() time.Time
}

func newEndpointPicker(manualAddr string, source EndpointSource) *endpointPicker {
	return &endpointPicker{
		manualAddr: manualAddr,
		source:     source,
		lastGood:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// markGood records a completed handshake against url.
func (p *endpointPicker) markGood(url string) {
	p.mu.Lock()
	p.lastGood[url] = p.now()
	p.mu.Unlock()
}

// normalizeURL accepts ws://host:port, ws://host:port/ws or a bare
// host:port and returns a dialable websocket URL.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		raw = "ws://" + raw
	}
	rest := raw[strings.Index(raw, "://")+3:]
	if !strings.Contains(rest, "/") {
		raw += "/ws"
	}
	return raw
}

// pick returns the URL to dial next.
func (p *endpointPicker) pick() string {
	if env := os.Getenv("LANTERN_RELAY_URL"); strings.TrimSpace(env) != "" {
		return normalizeURL(env)
	}
	if p.manualAddr != "" {
		if _, _, err := net.SplitHostPort(p.manualAddr); err == nil {
			return normalizeURL(p.manualAddr)
		}
	}
	if p.source != nil {
		eps := p.source.Endpoints()
		if len(eps) > 0 {
			now := p.now()
			p.mu.Lock()
			defer p.mu.Unlock()
			// A relay we just spoke to wins over a better-ranked one:
			// flapping between endpoints mid-session is worse than a
			// slightly less preferred address.
			for _, ep := range eps {
				if t, ok := p.lastGood[ep.URL()]; ok && now.Sub(t) <= recentHandshakeWindow {
					return ep.URL()
				}
			}
			return eps[0].URL()
		}
	}
	return FallbackURL
}
