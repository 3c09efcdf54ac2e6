// Package events implements the single outbound event stream the core
// exposes to any UI framework (spec.md 9 design notes): the source's mesh
// delegate, store-and-forward delegate, and security delegate protocols
// collapse here into one closed Kind enum published on a bounded channel,
// the way the teacher's internal/transport/channels.go turns a queue into
// a ref-counted, closeable channel.
package events

import (
	"sync"
)

// Kind enumerates every event the core can publish. UI frameworks
// reconstruct their state from an initial snapshot plus this delta stream.
type Kind int

const (
	PeerDiscovered Kind = iota
	PeerUpdated
	PeerLost
	MessageReceived
	MessageDelivered
	MessageRead
	ChannelJoined
	ChannelLeft
	FavoriteChanged
	SessionEstablished
	SessionFailed
	DegradedMode
)

func (k Kind) String() string {
	switch k {
	case PeerDiscovered:
		return "PeerDiscovered"
	case PeerUpdated:
		return "PeerUpdated"
	case PeerLost:
		return "PeerLost"
	case MessageReceived:
		return "MessageReceived"
	case MessageDelivered:
		return "MessageDelivered"
	case MessageRead:
		return "MessageRead"
	case ChannelJoined:
		return "ChannelJoined"
	case ChannelLeft:
		return "ChannelLeft"
	case FavoriteChanged:
		return "FavoriteChanged"
	case SessionEstablished:
		return "SessionEstablished"
	case SessionFailed:
		return "SessionFailed"
	case DegradedMode:
		return "DegradedMode"
	default:
		return "Unknown"
	}
}

// Event is one entry in the outbound stream. Data carries a kind-specific
// payload (e.g. a *peer.Peer for PeerDiscovered, a *message.ReceivedMessage
// or *message.ReceivedFile for MessageReceived); consumers type-assert on
// Kind.
type Event struct {
	Kind Kind
	Data any
}

// QueueSize is the default bound on the event channel, matching the
// teacher's QueueOutboundSize/QueueInboundSize sizing philosophy: big
// enough to absorb a burst without blocking the publishing executor, small
// enough to bound memory if nobody's draining it.
const QueueSize = 256

// Bus is a bounded, multi-subscriber event stream. Each subscriber has its
// own buffered channel of QueueSize events; Publish sends to each one
// without blocking and drops the event for a subscriber whose channel is
// full, so one slow subscriber can't stall publication to the others.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed when Close is called or
// Unsubscribe is invoked.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, QueueSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber. Delivery is
// best-effort: a subscriber whose channel is full has the event dropped
// rather than blocking the publisher, since publication happens on the
// protocol executor and must make progress (spec.md 7).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
