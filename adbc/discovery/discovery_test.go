package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestSelectLocalAddressAcceptsLoopback(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.AddrIPv4 = []net.IP{net.ParseIP("127.0.0.1")}
	entry.Port = 5555

	addr, ok := selectLocalAddress(entry)
	if !ok || addr != "127.0.0.1" {
		t.Fatalf("selectLocalAddress = (%q, %v), want (127.0.0.1, true)", addr, ok)
	}
}

func TestSelectLocalAddressRejectsRemote(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	// a documentation-only address, guaranteed not to be a local interface
	// address in any real or test environment.
	entry.AddrIPv4 = []net.IP{net.ParseIP("203.0.113.5")}
	entry.Port = 5555

	if _, ok := selectLocalAddress(entry); ok {
		t.Fatalf("selectLocalAddress accepted a non-local, non-loopback address")
	}
}

func TestSelectLocalAddressNoCandidates(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	if _, ok := selectLocalAddress(entry); ok {
		t.Fatalf("selectLocalAddress accepted an entry with no addresses")
	}
}

func TestWatcherCachesLastSeenEndpoint(t *testing.T) {
	w := NewWatcher()

	entry := &zeroconf.ServiceEntry{}
	entry.AddrIPv4 = []net.IP{net.ParseIP("127.0.0.1")}
	entry.Port = 5555
	w.handleEntry(KindPairing, entry)

	ep, ok := w.Endpoint(KindPairing)
	if !ok {
		t.Fatalf("expected cached pairing endpoint")
	}
	if ep.Host != "127.0.0.1" || ep.Port != 5555 {
		t.Fatalf("Endpoint = %+v, want 127.0.0.1:5555", ep)
	}
	if ep.String() != "127.0.0.1:5555" {
		t.Fatalf("String() = %q", ep.String())
	}

	select {
	case ev := <-w.Events:
		if ev.Endpoint != ep {
			t.Fatalf("event endpoint mismatch: %+v vs %+v", ev.Endpoint, ep)
		}
	default:
		t.Fatalf("expected an event to be published")
	}
}

// TestWatcherKeepsLastSeenAcrossLostService exercises spec.md §4.7's cache
// survival rule directly: a ServiceLost-style entry (no resolvable
// addresses) must never clear a previously cached endpoint.
func TestWatcherKeepsLastSeenAcrossLostService(t *testing.T) {
	w := NewWatcher()

	good := &zeroconf.ServiceEntry{}
	good.AddrIPv4 = []net.IP{net.ParseIP("127.0.0.1")}
	good.Port = 5555
	w.handleEntry(KindConnect, good)

	lost := &zeroconf.ServiceEntry{} // no addresses, as zeroconf reports on ServiceLost
	w.handleEntry(KindConnect, lost)

	ep, ok := w.Endpoint(KindConnect)
	if !ok || ep.Port != 5555 {
		t.Fatalf("Endpoint after lost entry = (%+v, %v), want cached 127.0.0.1:5555", ep, ok)
	}
}

func TestKindString(t *testing.T) {
	if KindPairing.String() != "pairing" {
		t.Fatalf("KindPairing.String() = %q", KindPairing.String())
	}
	if KindConnect.String() != "connect" {
		t.Fatalf("KindConnect.String() = %q", KindConnect.String())
	}
}
