// Package discovery watches for wireless-debugging mDNS advertisements and
// publishes the last-seen pairing/connect endpoint of each kind.
//
// https://source.android.com/docs/core/connect/adb-wireless
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Kind distinguishes the two wireless-debugging service types spec.md §4.7
// subscribes to.
type Kind int

const (
	KindPairing Kind = iota
	KindConnect
)

func (k Kind) String() string {
	if k == KindPairing {
		return "pairing"
	}
	return "connect"
}

const (
	serviceTypePairing = "_adb-tls-pairing._tcp"
	serviceTypeConnect = "_adb-tls-connect._tcp"
)

// Endpoint is a resolved wireless-debugging advertisement whose address
// belongs to this host (loopback or one of its own interfaces).
type Endpoint struct {
	Kind Kind
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Event is published on a Watcher's Events channel whenever the cached
// endpoint for a Kind changes.
type Event struct {
	Endpoint Endpoint
}

// Watcher browses both wireless-debugging service types and caches the
// last-seen endpoint of each kind, even across zeroconf's ServiceLost
// events, since the real advertisements are intentionally short-lived
// (spec.md §4.7). Safe for concurrent use; Events is read-only to callers.
type Watcher struct {
	Events chan Event

	mu    sync.RWMutex
	cache map[Kind]Endpoint
}

// NewWatcher constructs a Watcher with an unstarted Events channel. Call
// Run to begin browsing.
func NewWatcher() *Watcher {
	return &Watcher{
		Events: make(chan Event, 16),
		cache:  make(map[Kind]Endpoint),
	}
}

// Endpoint returns the last-seen endpoint of kind, and whether one has
// ever been observed.
func (w *Watcher) Endpoint(kind Kind) (Endpoint, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ep, ok := w.cache[kind]
	return ep, ok
}

// Run browses both service types until ctx is done. It blocks; callers
// should run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("new mdns resolver: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.browse(ctx, resolver, KindPairing, serviceTypePairing)
	}()
	go func() {
		defer wg.Done()
		w.browse(ctx, resolver, KindConnect, serviceTypeConnect)
	}()
	wg.Wait()
	return nil
}

func (w *Watcher) browse(ctx context.Context, resolver *zeroconf.Resolver, kind Kind, serviceType string) {
	entries := make(chan *zeroconf.ServiceEntry, 8)
	go func() {
		for entry := range entries {
			w.handleEntry(kind, entry)
		}
	}()

	// Browse's channel delivers both new and ServiceLost (empty-address)
	// entries; the cache below only ever advances on a resolvable address,
	// so a ServiceLost entry simply produces no update and the
	// last-seen value survives, per spec.md §4.7.
	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		close(entries)
		return
	}
	<-ctx.Done()
}

func (w *Watcher) handleEntry(kind Kind, entry *zeroconf.ServiceEntry) {
	addr, ok := selectLocalAddress(entry)
	if !ok {
		return
	}
	ep := Endpoint{Kind: kind, Host: addr, Port: entry.Port}

	w.mu.Lock()
	w.cache[kind] = ep
	w.mu.Unlock()

	select {
	case w.Events <- Event{Endpoint: ep}:
	default:
		// Events is a small buffer for the latest state; a slow consumer
		// just misses intermediate updates and can read Endpoint(kind)
		// directly for the current value.
	}
}

// selectLocalAddress implements spec.md §4.7's drop rule: an address is
// only used if it is loopback or present on one of this host's own
// non-loopback interfaces, which prevents accidentally driving another
// device discovered on the same LAN segment.
func selectLocalAddress(entry *zeroconf.ServiceEntry) (string, bool) {
	candidates := append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...)
	if len(candidates) == 0 {
		return "", false
	}

	local, err := localInterfaceAddrs()
	if err != nil {
		local = nil
	}

	for _, ip := range candidates {
		if ip.IsLoopback() {
			return ip.String(), true
		}
		for _, l := range local {
			if l.Equal(ip) {
				return ip.String(), true
			}
		}
	}
	return "", false
}

func localInterfaceAddrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				out = append(out, ipNet.IP)
			}
		}
	}
	return out, nil
}
