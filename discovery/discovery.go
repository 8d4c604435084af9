// Package discovery announces the gateway over mDNS so editors on the local
// network can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// Service describes the announced gateway.
type Service struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	// Path is the WebSocket endpoint on the announced host.
	Path string
}

// Peer is a gateway found on the network.
type Peer struct {
	Instance string
	Host     string
	Addrs    []string
	Port     int
	Path     string
}

// URL returns the WebSocket URL of the peer.
func (p Peer) URL() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0]
	}
	return fmt.Sprintf("ws://%s:%d%s", strings.TrimSuffix(host, "."), p.Port, p.Path)
}

func (s Service) withDefaults() Service {
	if s.Instance == "" {
		host, _ := os.Hostname()
		s.Instance = "docsync-" + host
	}
	if s.Domain == "" {
		s.Domain = "local."
	}
	if s.Path == "" {
		s.Path = "/ws"
	}
	return s
}

func (s Service) txt() []string {
	return []string{"txtv=1", "path=" + s.Path}
}

// Announce registers the service and keeps it registered until ctx is done.
func Announce(ctx context.Context, svc Service, logger zerolog.Logger) error {
	svc = svc.withDefaults()
	server, err := zeroconf.Register(svc.Instance, svc.Service, svc.Domain, svc.Port, svc.txt(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service %s: %w", svc.Service, err)
	}
	defer server.Shutdown()

	logger.Info().Str("instance", svc.Instance).Str("service", svc.Service).Int("port", svc.Port).Msg("mDNS service registered")
	<-ctx.Done()
	return nil
}

// Browse collects the gateways that answer before ctx is done.
func Browse(ctx context.Context, service, domain string) ([]Peer, error) {
	if domain == "" {
		domain = "local."
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu    sync.Mutex
		peers []Peer
	)
	go func() {
		for e := range entries {
			mu.Lock()
			peers = append(peers, peerFromEntry(e))
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}
	<-ctx.Done()

	mu.Lock()
	out := append([]Peer(nil), peers...)
	mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{Instance: e.Instance, Host: e.HostName, Port: e.Port, Path: "/ws"}
	for _, ip := range e.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok {
			p.Path = v
		}
	}
	return p
}
