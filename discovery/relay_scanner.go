package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// ErrNoRelay is returned by Find when no relay answered in time.
var ErrNoRelay = errors.New("discovery: no relay found")

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is one relay seen on the LAN.
type DiscoveredRelay struct {
	RelayID   string
	Name      string
	Version   int
	HostName  string
	Port      int
	Path      string
	Addresses []string
	LastSeen  time.Time
}

// URL returns the websocket URL of the relay's signaling endpoint, preferring
// IPv4 addresses.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
		for _, addr := range r.Addresses {
			if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
				host = addr
				break
			}
		}
	}
	return (&url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Port)),
		Path:   r.Path,
	}).String()
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse
// operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the relays seen in the last scan.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRelay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}
	sortRelays(out)
	return out
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	collected, err := collect(scanCtx, s.cfg, s.browse, nil)
	if err != nil {
		return err
	}
	s.applySnapshot(collected)
	return nil
}

// collect browses until ctx is done, or until first reports true for a relay.
func collect(ctx context.Context, cfg Config, browse browseFunc, first func(DiscoveredRelay) bool) (map[string]DiscoveredRelay, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.RelayID)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
				if first != nil && first(relay) {
					cancel()
					return
				}
			}
		}
	}()

	browseErr := browse(ctx, cfg.Service, cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.Canceled) && !errors.Is(browseErr, context.DeadlineExceeded) {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	<-ctx.Done()
	<-collectorDone
	collectedMu.Lock()
	defer collectedMu.Unlock()
	return collected, nil
}

// Find browses once and returns the first relay that answers before ctx or
// the scan timeout ends.
func Find(ctx context.Context, config Config) (DiscoveredRelay, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return DiscoveredRelay{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	collected, err := collect(scanCtx, cfg, browse, func(DiscoveredRelay) bool { return true })
	if err != nil {
		return DiscoveredRelay{}, err
	}
	relays := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	if len(relays) == 0 {
		if err := ctx.Err(); err != nil {
			return DiscoveredRelay{}, err
		}
		return DiscoveredRelay{}, ErrNoRelay
	}
	sortRelays(relays)
	return relays[0], nil
}

func (s *RelayScanner) applySnapshot(next map[string]DiscoveredRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfRelayID string) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || relayID == selfRelayID || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:   relayID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      path,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func sortRelays(relays []DiscoveredRelay) {
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Name == relays[j].Name {
			return relays[i].RelayID < relays[j].RelayID
		}
		return relays[i].Name < relays[j].Name
	})
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.RelayID != b.RelayID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Path != b.Path ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
