package ble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noisemesh/meshchat/identity"
)

// Retry parameters from spec.md 4.5.
const (
	ConnectionRetryDelay   = 2 * time.Second
	MaxConnectionAttempts  = 5
	retryEntryExpireFactor = 2
)

// Errors from spec.md 7.
var (
	ErrConnectionFailed = errors.New("ble: connection failed")
	ErrCapExceeded      = errors.New("ble: connection cap exceeded")
)

// Caps bounds the number of simultaneous connections (spec.md 4.5).
type Caps struct {
	MaxOverall int
	MaxClient  int
	MaxServer  int
}

// connEntry is one row of the connection table (spec.md 3).
type connEntry struct {
	address     Address
	isClient    bool
	connectedAt time.Time
	rssi        int
	mtu         int
}

type retryState struct {
	attempts  int
	lastTry   time.Time
	expiresAt time.Time
}

// Manager is the BLE Connection Manager: it owns the connection table,
// the address→peer_id binding used to derive "is direct", cap
// enforcement, and delivery (broadcast/send_to_peer).
type Manager struct {
	adapter Adapter
	power   *PowerManager
	caps    Caps

	mu          sync.Mutex
	conns       map[Address]*connEntry
	peerByAddr  map[Address]identity.PeerID
	addrsByPeer map[identity.PeerID]map[Address]struct{}
	retries     map[Address]*retryState

	onRSSI func(Address, int)
	onData func(Address, []byte)
}

// NewManager constructs a Manager driving adapter under caps, starting in
// PowerForeground.
func NewManager(adapter Adapter, caps Caps) *Manager {
	return &Manager{
		adapter:     adapter,
		power:       NewPowerManager(nil),
		caps:        caps,
		conns:       make(map[Address]*connEntry),
		peerByAddr:  make(map[Address]identity.PeerID),
		addrsByPeer: make(map[identity.PeerID]map[Address]struct{}),
		retries:     make(map[Address]*retryState),
	}
}

// OnRSSIUpdate registers a callback invoked whenever an RSSI update
// arrives for a connected address (spec.md 4.5: "RSSI updates are
// propagated via a callback").
func (m *Manager) OnRSSIUpdate(fn func(Address, int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRSSI = fn
}

// OnDataReceived registers the callback invoked whenever a data frame
// arrives from addr, so the Packet Processor can decode and dispatch it
// without the Connection Manager importing processor directly.
func (m *Manager) OnDataReceived(fn func(Address, []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onData = fn
}

// Run starts advertising and scanning and processes adapter events until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.adapter.StartAdvertising(ctx); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	duty := m.power.DutyCycle()
	if duty.Enabled {
		if err := m.adapter.StartScanning(ctx, duty.Scan, duty.Scan); err != nil {
			return fmt.Errorf("ble: start scanning: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.adapter.Events():
			if !ok {
				return nil
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.onConnected(ctx, ev)
	case EventDisconnected:
		m.onDisconnected(ev.Address)
	case EventDataReceived:
		m.mu.Lock()
		cb := m.onData
		m.mu.Unlock()
		if cb != nil {
			cb(ev.Address, ev.Data)
		}
	case EventRSSIUpdated:
		m.mu.Lock()
		if c, ok := m.conns[ev.Address]; ok {
			c.rssi = ev.RSSI
		}
		cb := m.onRSSI
		m.mu.Unlock()
		if cb != nil {
			cb(ev.Address, ev.RSSI)
		}
	case EventMTUNegotiated:
		m.mu.Lock()
		if c, ok := m.conns[ev.Address]; ok {
			c.mtu = ev.MTU
		}
		m.mu.Unlock()
	}
}

func (m *Manager) onConnected(ctx context.Context, ev Event) {
	m.mu.Lock()
	m.conns[ev.Address] = &connEntry{
		address:     ev.Address,
		isClient:    ev.IsClient,
		connectedAt: time.Now(),
		mtu:         defaultMTU,
	}
	delete(m.retries, ev.Address)
	m.enforceCapsLocked(ctx)
	m.mu.Unlock()
}

func (m *Manager) onDisconnected(addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, addr)

	peerID, bound := m.peerByAddr[addr]
	if !bound {
		return
	}
	delete(m.peerByAddr, addr)
	if addrs, ok := m.addrsByPeer[peerID]; ok {
		delete(addrs, addr)
		if len(addrs) == 0 {
			delete(m.addrsByPeer, peerID)
		}
	}
}

const defaultMTU = 185 // conservative BLE 4.2 default before negotiation

// BindFirstAnnounce records that peerID was first announced over addr,
// marking that address (and therefore the peer) direct (spec.md 4.5,
// 4.6). It is idempotent.
func (m *Manager) BindFirstAnnounce(addr Address, peerID identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerByAddr[addr] = peerID
	addrs, ok := m.addrsByPeer[peerID]
	if !ok {
		addrs = make(map[Address]struct{})
		m.addrsByPeer[peerID] = addrs
	}
	addrs[addr] = struct{}{}
}

// IsDirect reports whether peerID has at least one live address binding.
func (m *Manager) IsDirect(peerID identity.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs, ok := m.addrsByPeer[peerID]
	return ok && len(addrs) > 0
}

// DirectPeers returns every peer_id currently bound to at least one live
// address, for components that fan work out across direct neighbors (e.g.
// Gossip Sync's periodic filter exchange, spec.md 4.9).
func (m *Manager) DirectPeers() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(m.addrsByPeer))
	for peerID, addrs := range m.addrsByPeer {
		if len(addrs) > 0 {
			peers = append(peers, peerID)
		}
	}
	return peers
}

// enforceCapsLocked disconnects the oldest client connections first until
// the overall and client caps are satisfied (spec.md 4.5). Server
// connections are never disconnected here, so MaxServer is not enforced by
// this loop. Caller holds m.mu.
func (m *Manager) enforceCapsLocked(ctx context.Context) {
	overLimit := func() bool {
		if m.caps.MaxOverall > 0 && len(m.conns) > m.caps.MaxOverall {
			return true
		}
		clientCount := 0
		for _, c := range m.conns {
			if c.isClient {
				clientCount++
			}
		}
		return m.caps.MaxClient > 0 && clientCount > m.caps.MaxClient
	}

	for overLimit() {
		oldest := m.oldestClientLocked()
		if oldest == "" {
			return
		}
		delete(m.conns, oldest)
		go m.adapter.Disconnect(ctx, oldest) //nolint:errcheck
	}
}

func (m *Manager) oldestClientLocked() Address {
	var oldest Address
	var oldestAt time.Time
	for addr, c := range m.conns {
		if !c.isClient {
			continue
		}
		if oldest == "" || c.connectedAt.Before(oldestAt) {
			oldest = addr
			oldestAt = c.connectedAt
		}
	}
	return oldest
}

// Broadcast writes data to every connected GATT client and notifies every
// subscribed server-side central (spec.md 4.5).
func (m *Manager) Broadcast(ctx context.Context, data []byte) error {
	m.mu.Lock()
	addrs := make([]Address, 0, len(m.conns))
	for addr := range m.conns {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if err := m.adapter.Write(ctx, addr, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendToPeer writes data to one address mapped to peerID, preferring a
// direct client link (spec.md 4.5).
func (m *Manager) SendToPeer(ctx context.Context, peerID identity.PeerID, data []byte) error {
	m.mu.Lock()
	addrs, ok := m.addrsByPeer[peerID]
	if !ok || len(addrs) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("ble: %w: no address bound to peer %s", ErrConnectionFailed, peerID)
	}

	var candidates []Address
	for addr := range addrs {
		candidates = append(candidates, addr)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, oki := m.conns[candidates[i]]
		cj, okj := m.conns[candidates[j]]
		if oki != okj {
			return oki // connected entries first
		}
		if oki && okj && ci.isClient != cj.isClient {
			return ci.isClient // client links preferred
		}
		return candidates[i] < candidates[j]
	})
	m.mu.Unlock()

	return m.adapter.Write(ctx, candidates[0], data)
}

// RelayExcept broadcasts data to every connected address except those
// currently bound to excludePeer, the peer a relayed packet was received
// from (spec.md 4.6: relay preserves content/signature to every other
// direct peer).
func (m *Manager) RelayExcept(ctx context.Context, excludePeer identity.PeerID, data []byte) error {
	m.mu.Lock()
	excluded := m.addrsByPeer[excludePeer]
	addrs := make([]Address, 0, len(m.conns))
	for addr := range m.conns {
		if _, skip := excluded[addr]; skip {
			continue
		}
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if err := m.adapter.Write(ctx, addr, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MTUFor returns the negotiated MTU for addr.
func (m *Manager) MTUFor(addr Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[addr]; ok {
		return c.mtu
	}
	return defaultMTU
}

// ConnectWithRetry attempts to connect to addr, applying exponential
// backoff across calls: each call either performs an attempt (if enough
// time has passed since the last one) or reports that the caller should
// wait. The retry entry expires after 2x the retry window, at which point
// its attempt counter resets (spec.md 4.5).
func (m *Manager) ConnectWithRetry(ctx context.Context, addr Address) error {
	m.mu.Lock()
	rs, ok := m.retries[addr]
	now := time.Now()
	if ok && now.After(rs.expiresAt) {
		delete(m.retries, addr)
		ok = false
	}
	if !ok {
		rs = &retryState{}
		m.retries[addr] = rs
	}
	if rs.attempts >= MaxConnectionAttempts {
		m.mu.Unlock()
		return fmt.Errorf("ble: %w: max attempts exhausted for %s", ErrConnectionFailed, addr)
	}
	wait := backoffDelay(rs.attempts)
	if !rs.lastTry.IsZero() && now.Sub(rs.lastTry) < wait {
		m.mu.Unlock()
		return fmt.Errorf("ble: %w: backing off, retry after %s", ErrConnectionFailed, wait)
	}
	rs.attempts++
	rs.lastTry = now
	rs.expiresAt = now.Add(retryEntryExpireFactor * wait)
	m.mu.Unlock()

	if err := m.adapter.Connect(ctx, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func backoffDelay(attempt int) time.Duration {
	d := ConnectionRetryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// SetPowerMode transitions the manager's PowerManager and, if the duty
// cycle actually changed, restarts scanning to match (spec.md 4.5).
func (m *Manager) SetPowerMode(ctx context.Context, mode PowerMode) error {
	if !m.power.Transition(mode) {
		return nil
	}
	if err := m.adapter.StopScanning(ctx); err != nil {
		return fmt.Errorf("ble: stop scanning: %w", err)
	}
	duty := m.power.DutyCycle()
	if !duty.Enabled {
		return nil
	}
	if err := m.adapter.StartScanning(ctx, duty.Scan, duty.Scan); err != nil {
		return fmt.Errorf("ble: start scanning: %w", err)
	}
	return nil
}
