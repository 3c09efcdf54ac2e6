package nostr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/noisemesh/meshchat/ble"
	"github.com/noisemesh/meshchat/geo"
	"github.com/noisemesh/meshchat/packet"
)

// DedupCapacity bounds the global event-id deduplicator shared across
// every relay connection (spec.md 4.10: "a global deduplicator ... prevents
// double-delivery across relays").
const DedupCapacity = 2048

// ChannelKind distinguishes the two subscription shapes a geohash channel
// uses (spec.md 4.10).
type ChannelKind int

const (
	// ChannelRealtime subscribes only to the center geohash.
	ChannelRealtime ChannelKind = iota
	// ChannelLocationNotes subscribes to the center geohash and its eight
	// immediate neighbors.
	ChannelLocationNotes
)

// PacketIngress is where a decoded mesh packet re-enters after arriving
// over a Nostr gift-wrapped direct message (spec.md 4.10: "re-enter the
// Message Handler as if received on mesh"). processor.Processor satisfies
// this directly.
type PacketIngress interface {
	Ingress(ctx context.Context, p *packet.Packet, fromAddr ble.Address) error
}

// RelayInfo is a candidate relay's address and approximate location, used
// to pick the N geographically closest relays for a geohash channel
// (spec.md 4.10).
type RelayInfo struct {
	URL      string
	Lat, Lon float64
}

// SelectClosestRelays returns the URLs of the n candidates closest to
// (lat, lon) by great-circle distance, nearest first. No geo-distance
// library appears anywhere in the retrieved pack, so this uses the
// standard haversine formula directly on the standard library, the same
// way the geo package's geohash math is implemented directly.
func SelectClosestRelays(candidates []RelayInfo, lat, lon float64, n int) []string {
	sorted := make([]RelayInfo, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return haversineKM(lat, lon, sorted[i].Lat, sorted[i].Lon) < haversineKM(lat, lon, sorted[j].Lat, sorted[j].Lon)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		urls[i] = sorted[i].URL
	}
	return urls
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// Transport ties together identity selection, relay fan-out,
// gift-wrapped direct messages, geohash channels, and proof-of-work
// enforcement (spec.md 4.10).
type Transport struct {
	masterSecret []byte
	mainIdentity *Identity

	minDifficultyBits int

	mu       sync.Mutex
	relays   []*Relay
	dhKeys   map[string][32]byte // recipient npub hex -> their DH public key
	subs     map[string][]string // geohash -> subscription ids issued across relays
	geoIdent map[string]*Identity

	dedup *lru.Cache[string, struct{}]

	sink         PacketIngress
	onGeohashMsg func(geohash string, ev *Event)
}

// NewTransport derives the device's main Nostr identity from masterSecret
// and wires relays' event/OK callbacks into the transport's dispatch
// logic. sink receives packets unwrapped from direct messages.
func NewTransport(masterSecret []byte, relays []*Relay, sink PacketIngress, minDifficultyBits int) (*Transport, error) {
	main, err := DeriveMainIdentity(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("nostr: derive main identity: %w", err)
	}
	dedup, err := lru.New[string, struct{}](DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("nostr: create dedup cache: %w", err)
	}

	t := &Transport{
		masterSecret:      masterSecret,
		mainIdentity:      main,
		minDifficultyBits: minDifficultyBits,
		relays:            relays,
		dhKeys:            make(map[string][32]byte),
		subs:              make(map[string][]string),
		geoIdent:          make(map[string]*Identity),
		dedup:             dedup,
		sink:              sink,
	}

	for _, r := range relays {
		r.OnEvent(func(subID string, ev *Event) { t.handleIncoming(ev) })
	}
	return t, nil
}

// MainIdentity returns the device's main Nostr identity.
func (t *Transport) MainIdentity() *Identity { return t.mainIdentity }

// OnGeohashMessage registers the callback invoked for every accepted
// geohash channel event.
func (t *Transport) OnGeohashMessage(fn func(geohash string, ev *Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onGeohashMsg = fn
}

// RegisterPeerDHKey records the Diffie-Hellman public key to use when
// addressing future gift-wrapped direct messages to a peer identified by
// their main identity's hex-encoded signing pubkey ("npub" in spec.md
// terms, though this system's keys are Ed25519 — see DESIGN.md's Open
// Questions decision (c)).
func (t *Transport) RegisterPeerDHKey(npubHex string, dhPub [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dhKeys[npubHex] = dhPub
}

// SendDirectMessage gift-wraps packetBytes for npubHex and publishes the
// wrap to every configured relay, mining proof-of-work first if
// targetBits is positive (spec.md 4.10).
func (t *Transport) SendDirectMessage(ctx context.Context, npubHex string, packetBytes []byte, targetBits int) error {
	t.mu.Lock()
	dhPub, ok := t.dhKeys[npubHex]
	relays := append([]*Relay(nil), t.relays...)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("nostr: no known dh key for %s", npubHex)
	}

	wrap, err := WrapDirectMessage(t.mainIdentity, dhPub, packetBytes)
	if err != nil {
		return err
	}
	if err := MineProofOfWork(ctx, wrap, t.mainIdentity, targetBits); err != nil {
		return fmt.Errorf("nostr: mine direct message: %w", err)
	}
	return publishToAll(relays, wrap)
}

// JoinGeohash subscribes to a geohash channel across every configured
// relay: ChannelRealtime subscribes only to the center geohash,
// ChannelLocationNotes additionally subscribes to its eight neighbors
// (spec.md 4.10).
func (t *Transport) JoinGeohash(geohash string, kind ChannelKind) error {
	geohashes := []string{geohash}
	if kind == ChannelLocationNotes {
		neighbors, err := geo.Neighbors(geohash)
		if err != nil {
			return fmt.Errorf("nostr: compute neighbors of %s: %w", geohash, err)
		}
		geohashes = append(geohashes, neighbors[:]...)
	}

	t.mu.Lock()
	relays := append([]*Relay(nil), t.relays...)
	t.mu.Unlock()

	var ids []string
	for _, gh := range geohashes {
		filter := Filter{Kinds: []int{KindGeohashMessage}, Tags: map[string][]string{"g": {gh}}}
		for _, r := range relays {
			subID := "gh-" + gh + "-" + r.URL()
			if err := r.Subscribe(Subscription{ID: subID, Filter: filter}); err != nil {
				return fmt.Errorf("nostr: subscribe %s on %s: %w", gh, r.URL(), err)
			}
			ids = append(ids, subID)
		}
	}

	t.mu.Lock()
	t.subs[geohash] = ids
	t.mu.Unlock()
	return nil
}

// LeaveGeohash unsubscribes from every subscription JoinGeohash issued
// for geohash.
func (t *Transport) LeaveGeohash(geohash string) error {
	t.mu.Lock()
	ids := t.subs[geohash]
	delete(t.subs, geohash)
	relays := append([]*Relay(nil), t.relays...)
	t.mu.Unlock()

	for _, id := range ids {
		for _, r := range relays {
			if strings.HasSuffix(id, r.URL()) {
				if err := r.Unsubscribe(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// PublishGeohashMessage signs content under the geohash's per-channel
// identity and publishes it as a kind-20000 ephemeral event, mining
// proof-of-work first if targetBits is positive (spec.md 4.10).
func (t *Transport) PublishGeohashMessage(ctx context.Context, geohash, nickname, content string, teleport bool, targetBits int) error {
	id, err := t.geohashIdentity(geohash)
	if err != nil {
		return err
	}
	ev := NewGeohashMessage(geohash, nickname, content, teleport)
	if err := MineProofOfWork(ctx, ev, id, targetBits); err != nil {
		return fmt.Errorf("nostr: mine geohash message: %w", err)
	}

	t.mu.Lock()
	relays := append([]*Relay(nil), t.relays...)
	t.mu.Unlock()
	return publishToAll(relays, ev)
}

func (t *Transport) geohashIdentity(geohash string) (*Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.geoIdent[geohash]; ok {
		return id, nil
	}
	id, err := DeriveGeohashIdentity(t.masterSecret, geohash)
	if err != nil {
		return nil, fmt.Errorf("nostr: derive geohash identity: %w", err)
	}
	t.geoIdent[geohash] = id
	return id, nil
}

func (t *Transport) handleIncoming(ev *Event) {
	t.mu.Lock()
	if _, seen := t.dedup.Get(ev.ID); seen {
		t.mu.Unlock()
		return
	}
	t.dedup.Add(ev.ID, struct{}{})
	t.mu.Unlock()

	switch ev.Kind {
	case KindGiftWrap:
		t.handleGiftWrap(ev)
	case KindGeohashMessage:
		t.handleGeohashMessage(ev)
	}
}

func (t *Transport) handleGiftWrap(ev *Event) {
	if t.minDifficultyBits > 0 && !MeetsMinimumDifficulty(ev, t.minDifficultyBits) {
		return
	}
	packetBytes, err := UnwrapDirectMessage(t.mainIdentity, ev)
	if err != nil {
		return
	}
	p, err := packet.Decode(packetBytes)
	if err != nil || p.Type != packet.TypeNoiseEncrypted {
		return
	}
	if t.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.sink.Ingress(ctx, p, ble.Address(""))
}

func (t *Transport) handleGeohashMessage(ev *Event) {
	if t.minDifficultyBits > 0 && !MeetsMinimumDifficulty(ev, t.minDifficultyBits) {
		return
	}
	geohash, ok := FirstTagValue(ev.Tags, "g")
	if !ok {
		return
	}
	t.mu.Lock()
	cb := t.onGeohashMsg
	t.mu.Unlock()
	if cb != nil {
		cb(geohash, ev)
	}
}

func publishToAll(relays []*Relay, ev *Event) error {
	var lastErr error
	published := false
	for _, r := range relays {
		if err := r.Publish(ev); err != nil {
			lastErr = err
			continue
		}
		published = true
	}
	if !published && lastErr != nil {
		return fmt.Errorf("nostr: publish to all relays failed: %w", lastErr)
	}
	return nil
}
