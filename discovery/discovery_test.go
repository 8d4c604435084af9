package discovery

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

func TestService_Defaults(t *testing.T) {
	svc := Service{Service: "_docsync._tcp", Port: 8080}.withDefaults()
	if !strings.HasPrefix(svc.Instance, "docsync-") {
		t.Errorf("instance = %q", svc.Instance)
	}
	if svc.Domain != "local." || svc.Path != "/ws" {
		t.Errorf("svc = %+v", svc)
	}
	if txt := svc.txt(); len(txt) != 2 || txt[1] != "path=/ws" {
		t.Errorf("txt = %v", txt)
	}
}

func TestPeerFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("docsync-a", "_docsync._tcp", "local.")
	e.HostName = "a.local."
	e.Port = 9000
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"txtv=1", "path=/collab"}

	p := peerFromEntry(e)
	if p.Instance != "docsync-a" || p.Port != 9000 || p.Path != "/collab" {
		t.Errorf("peer = %+v", p)
	}
	if got := p.URL(); got != "ws://192.168.1.20:9000/collab" {
		t.Errorf("URL = %q", got)
	}

	noAddr := Peer{Host: "b.local.", Port: 80, Path: "/ws"}
	if got := noAddr.URL(); got != "ws://b.local:80/ws" {
		t.Errorf("URL = %q", got)
	}
}

// Needs a network with multicast; opt in with DOCSYNC_MDNS_TEST=1.
func TestAnnounceAndBrowse(t *testing.T) {
	if os.Getenv("DOCSYNC_MDNS_TEST") == "" {
		t.Skip("DOCSYNC_MDNS_TEST not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := Service{Instance: "docsync-test", Service: "_docsynctest._tcp", Port: 18080}
	errc := make(chan error, 1)
	go func() { errc <- Announce(ctx, svc, zerolog.Nop()) }()
	time.Sleep(200 * time.Millisecond)

	bctx, bcancel := context.WithTimeout(ctx, 2*time.Second)
	defer bcancel()
	peers, err := Browse(bctx, svc.Service, "")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range peers {
		found = found || p.Instance == "docsync-test"
	}
	if !found {
		t.Errorf("peers = %+v, want docsync-test", peers)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Announce: %v", err)
	}
}
