package gossip

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

// Tuning parameters from spec.md 4.9.
const (
	DefaultSeenCapacity = 500
	SyncInterval        = 20 * time.Second
	InitialSyncDelay    = 1 * time.Second
)

// PeerSender is the narrow delivery port Gossip Sync needs: targeted
// delivery of a REQUEST_SYNC filter or a missing packet to one peer.
type PeerSender interface {
	SendToPeer(peerID identity.PeerID, data []byte) error
}

// DirectPeerLister reports the peers currently reachable over a direct
// BLE connection, the sync fan-out target set (spec.md 4.9).
type DirectPeerLister interface {
	DirectPeers() []identity.PeerID
}

// PacketHash is a content hash over a packet's type, sender, timestamp,
// and payload — deliberately excluding TTL, which mutates on every relay
// hop and would otherwise make the "same" logical packet hash differently
// at each node.
func PacketHash(p *packet.Packet) uint64 {
	h := sha256.New()
	h.Write([]byte{byte(p.Type)})
	h.Write(p.SenderID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.TimestampMS)
	h.Write(ts[:])
	h.Write(p.Payload)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// SeenSet is a bounded LRU of recently observed public packets (broadcast
// MESSAGE, ANNOUNCE, FRAGMENT), keyed by PacketHash, retaining each
// packet's encoded bytes so a sync round can replay whatever a peer's
// filter says it is missing.
type SeenSet struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, []byte]
}

// NewSeenSet constructs a SeenSet bounded to capacity entries.
func NewSeenSet(capacity int) *SeenSet {
	cache, _ := lru.New[uint64, []byte](capacity)
	return &SeenSet{cache: cache}
}

// Add records p's encoded bytes under its content hash.
func (s *SeenSet) Add(hash uint64, encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(hash, append([]byte(nil), encoded...))
}

// Hashes returns every hash currently retained, in LRU recency order
// (most recently used last).
func (s *SeenSet) Hashes() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Keys()
}

// Missing returns the encoded bytes of every retained packet whose hash
// does not match filter, up to budget bytes total (spec.md 4.9: "respecting
// per-round budgets").
func (s *SeenSet) Missing(filter *Filter, budget int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	total := 0
	for _, hash := range s.cache.Keys() {
		if filter.Match(hash) {
			continue
		}
		data, ok := s.cache.Get(hash)
		if !ok {
			continue
		}
		if total+len(data) > budget {
			break
		}
		out = append(out, data)
		total += len(data)
	}
	return out
}

// Syncer drives periodic GCS filter exchange with direct neighbors and
// answers incoming REQUEST_SYNC filters (spec.md 4.9).
type Syncer struct {
	self  identity.PeerID
	seen  *SeenSet
	peers DirectPeerLister
	send  PeerSender

	filterParam  uint8
	filterBudget int
	replyBudget  int

	mu        sync.Mutex
	lastSent  map[identity.PeerID]time.Time
	lastRecv  map[identity.PeerID]time.Time
	minPeriod time.Duration
}

// NewSyncer constructs a Syncer bounded to DefaultSeenCapacity observed
// packets, using DefaultFilterParam/DefaultFilterBudget.
func NewSyncer(self identity.PeerID, peers DirectPeerLister, send PeerSender) *Syncer {
	return &Syncer{
		self:         self,
		seen:         NewSeenSet(DefaultSeenCapacity),
		peers:        peers,
		send:         send,
		filterParam:  DefaultFilterParam,
		filterBudget: DefaultFilterBudget,
		replyBudget:  DefaultFilterBudget * 4,
		lastSent:     make(map[identity.PeerID]time.Time),
		lastRecv:     make(map[identity.PeerID]time.Time),
		minPeriod:    SyncInterval,
	}
}

// ObservePublic implements processor.PacketObserver: every broadcast
// packet that survives validation feeds the seen set.
func (sy *Syncer) ObservePublic(p *packet.Packet) {
	switch p.Type {
	case packet.TypeAnnounce, packet.TypeMessage, packet.TypeFragment:
	default:
		return
	}
	data, err := packet.Encode(p)
	if err != nil {
		return
	}
	sy.seen.Add(PacketHash(p), data)
}

// SetTuning overrides the seen-set capacity and filter parameters a
// Syncer was constructed with, so a device's config document
// (spec.md config.gossip) can tune sync behavior without reaching into
// unexported fields.
func (sy *Syncer) SetTuning(seenCapacity int, filterParam uint8, filterBudget int) {
	if seenCapacity > 0 {
		sy.seen = NewSeenSet(seenCapacity)
	}
	if filterParam > 0 {
		sy.filterParam = filterParam
	}
	if filterBudget > 0 {
		sy.filterBudget = filterBudget
		sy.replyBudget = filterBudget * 4
	}
}

// OnFirstAnnounce implements processor.FirstAnnounceObserver: schedule an
// initial sync with a newly direct neighbor after InitialSyncDelay
// (spec.md 4.9).
func (sy *Syncer) OnFirstAnnounce(peerID identity.PeerID) {
	go func() {
		time.Sleep(InitialSyncDelay)
		_ = sy.syncWith(peerID)
	}()
}

// Run periodically builds a filter over the seen set and exchanges it
// with every direct peer, until ctx is cancelled.
func (sy *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(sy.minPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, peerID := range sy.peers.DirectPeers() {
				_ = sy.syncWith(peerID)
			}
		}
	}
}

func (sy *Syncer) syncWith(peerID identity.PeerID) error {
	if !sy.allowSend(peerID) {
		return nil
	}
	filter := BuildFilterBudgeted(sy.seen.Hashes(), sy.filterParam, sy.filterBudget)
	payload, err := filter.MarshalBinary()
	if err != nil {
		return fmt.Errorf("gossip: marshal outgoing filter: %w", err)
	}
	p := &packet.Packet{Version: packet.Version1, Type: packet.TypeRequestSync, SenderID: sy.self, Payload: payload}
	data, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("gossip: encode REQUEST_SYNC: %w", err)
	}
	return sy.send.SendToPeer(peerID, data)
}

// HandleRequestSync implements message.SyncRequestHandler: decode the
// sender's filter, find the packets we hold that it is missing, and send
// each one back directly (spec.md 4.9).
func (sy *Syncer) HandleRequestSync(from identity.PeerID, payload []byte) error {
	if !sy.allowRecv(from) {
		return nil
	}
	filter, err := UnmarshalFilter(payload)
	if err != nil {
		return fmt.Errorf("gossip: decode incoming filter: %w", err)
	}
	for _, data := range sy.seen.Missing(filter, sy.replyBudget) {
		if err := sy.send.SendToPeer(from, data); err != nil {
			return fmt.Errorf("gossip: send missing packet to %s: %w", from, err)
		}
	}
	return nil
}

// allowSend rate-limits REQUEST_SYNC issuance per peer (spec.md 4.9:
// "REQUEST_SYNC is rate-limited per (peer, direction)").
func (sy *Syncer) allowSend(peerID identity.PeerID) bool {
	return sy.allow(sy.lastSent, peerID)
}

func (sy *Syncer) allowRecv(peerID identity.PeerID) bool {
	return sy.allow(sy.lastRecv, peerID)
}

func (sy *Syncer) allow(table map[identity.PeerID]time.Time, peerID identity.PeerID) bool {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	if last, ok := table[peerID]; ok && time.Since(last) < sy.minPeriod {
		return false
	}
	table[peerID] = time.Now()
	return true
}
