package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RelayID:         "self-relay",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-relay", "Self", 7420, "10.0.0.1")
			entries <- testServiceEntry("relay-1", "Bob", 7421, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Carol", 7422, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListRelays()) == 2
	})
}

func TestRelayScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Bob", 7421, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Carol", 7422, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-2"
	})

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
}

func TestFindReturnsFirstRelayURL(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("relay-1", "Bob", 7421, "10.0.0.2")
			entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
			entries <- entry
			<-ctx.Done()
			return ctx.Err()
		},
	}

	start := time.Now()
	relay, err := Find(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Find should return as soon as a relay answers")
	}
	if got := relay.URL(); got != "ws://10.0.0.2:7421/signal" {
		t.Fatalf("unexpected relay url %q", got)
	}
}

func TestFindWithoutRelaysReturnsErrNoRelay(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- &zeroconf.ServiceEntry{Text: []string{"version=1"}, Port: 1}
			<-ctx.Done()
			return nil
		},
	}
	if _, err := Find(context.Background(), cfg); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestFindSurfacesBrowseErrors(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}
	if _, err := Find(context.Background(), cfg); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"version=1",
			"path=/signal",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
