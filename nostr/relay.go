package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Relay lifecycle tuning (spec.md 4.10).
const (
	RelayReconnectDelay      = 2 * time.Second
	RelayMaxReconnectDelay   = 2 * time.Minute
	ConsistencyCheckInterval = 30 * time.Second
)

// ErrDNSFailure marks a connection failure as terminal: spec.md 4.10 says
// DNS errors do not retry.
var ErrDNSFailure = errors.New("nostr: dns resolution failed")

// RelayState is a relay connection's lifecycle state (spec.md 4.10).
type RelayState int

const (
	StateDisconnected RelayState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s RelayState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// RelayClient is the transport port one relay connection needs. The
// default adapter is nostr/wsrelay, built on gorilla/websocket.
type RelayClient interface {
	Connect(ctx context.Context, url string) error
	Send(raw []byte) error
	Receive() <-chan []byte
	Close() error
}

// Filter is the (deliberately partial) subset of a NIP-01 REQ filter this
// system issues: author/kind/tag/since/limit.
type Filter struct {
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   int64
	Limit   int
}

// MarshalJSON renders a Filter as a NIP-01 filter object, with tag filters
// expanded to their "#<letter>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 4+len(f.Tags))
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for k, v := range f.Tags {
		m["#"+k] = v
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// Subscription is a standing REQ the relay lifecycle restores on
// reconnect and repairs on drift (spec.md 4.10).
type Subscription struct {
	ID     string
	Filter Filter
}

// Relay drives one relay connection's state machine: connect, restore
// subscriptions, read, reconnect with backoff on failure (spec.md 4.10).
type Relay struct {
	url    string
	client RelayClient

	mu      sync.Mutex
	state   RelayState
	subs    map[string]Subscription
	backoff time.Duration

	onEvent func(subID string, ev *Event)
	onOK    func(eventID string, accepted bool, msg string)
}

// NewRelay constructs a Relay for url, driven through client.
func NewRelay(url string, client RelayClient) *Relay {
	return &Relay{
		url:     url,
		client:  client,
		state:   StateDisconnected,
		subs:    make(map[string]Subscription),
		backoff: RelayReconnectDelay,
	}
}

// URL returns the relay's address.
func (r *Relay) URL() string { return r.url }

// State reports the relay's current lifecycle state.
func (r *Relay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnEvent registers the callback invoked for every EVENT message received
// on any subscription.
func (r *Relay) OnEvent(fn func(subID string, ev *Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// OnOK registers the callback invoked for every OK acknowledgment of a
// published event.
func (r *Relay) OnOK(fn func(eventID string, accepted bool, msg string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOK = fn
}

// Subscriptions returns the subscription set this relay is tracking, for
// the periodic consistency check (spec.md 4.10).
func (r *Relay) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Run drives connect/serve/reconnect until ctx is cancelled or a DNS
// failure makes the relay address permanently unreachable.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.connectAndServe(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDNSFailure) {
			return fmt.Errorf("nostr: relay %s permanently unreachable: %w", r.url, err)
		}

		r.mu.Lock()
		r.state = StateDisconnected
		delay := r.backoff
		r.backoff *= 2
		if r.backoff > RelayMaxReconnectDelay {
			r.backoff = RelayMaxReconnectDelay
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Relay) connectAndServe(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateConnecting
	r.mu.Unlock()

	if err := r.client.Connect(ctx, r.url); err != nil {
		if isDNSError(err) {
			return fmt.Errorf("%w: %v", ErrDNSFailure, err)
		}
		return fmt.Errorf("nostr: connect to %s: %w", r.url, err)
	}

	r.mu.Lock()
	r.state = StateConnected
	r.backoff = RelayReconnectDelay
	subs := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if err := r.sendReq(s); err != nil {
			return fmt.Errorf("nostr: restore subscription %s: %w", s.ID, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.state = StateDisconnecting
			r.mu.Unlock()
			_ = r.client.Close()
			return ctx.Err()
		case raw, ok := <-r.client.Receive():
			if !ok {
				return fmt.Errorf("nostr: relay %s: connection closed", r.url)
			}
			r.handleMessage(raw)
		}
	}
}

// Publish sends ev as an EVENT message (spec.md 4.10).
func (r *Relay) Publish(ev *Event) error {
	raw, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("nostr: marshal EVENT: %w", err)
	}
	return r.client.Send(raw)
}

// Subscribe issues a REQ for sub and tracks it for restore-on-reconnect.
func (r *Relay) Subscribe(sub Subscription) error {
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return r.sendReq(sub)
}

func (r *Relay) sendReq(sub Subscription) error {
	filterJSON, err := sub.Filter.MarshalJSON()
	if err != nil {
		return fmt.Errorf("nostr: marshal filter: %w", err)
	}
	var filterRaw json.RawMessage = filterJSON
	raw, err := json.Marshal([]interface{}{"REQ", sub.ID, filterRaw})
	if err != nil {
		return fmt.Errorf("nostr: marshal REQ: %w", err)
	}
	return r.client.Send(raw)
}

// Unsubscribe issues a CLOSE and stops tracking subID.
func (r *Relay) Unsubscribe(subID string) error {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()
	raw, err := json.Marshal([]interface{}{"CLOSE", subID})
	if err != nil {
		return fmt.Errorf("nostr: marshal CLOSE: %w", err)
	}
	return r.client.Send(raw)
}

// CheckConsistency re-issues REQ for every tracked subscription the relay
// claims to have forgotten (spec.md 4.10: "periodic consistency check ...
// auto-repairs drift"). acknowledged lists subscription IDs the relay has
// confirmed (e.g. via a recent EVENT/EOSE); anything tracked but absent
// from it is resubscribed.
func (r *Relay) CheckConsistency(acknowledged map[string]struct{}) {
	for _, sub := range r.Subscriptions() {
		if _, ok := acknowledged[sub.ID]; ok {
			continue
		}
		_ = r.sendReq(sub)
	}
}

func (r *Relay) handleMessage(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			return
		}
		r.mu.Lock()
		cb := r.onEvent
		r.mu.Unlock()
		if cb != nil {
			cb(subID, &ev)
		}
	case "OK":
		if len(frame) < 3 {
			return
		}
		var eventID string
		var accepted bool
		var msg string
		_ = json.Unmarshal(frame[1], &eventID)
		_ = json.Unmarshal(frame[2], &accepted)
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &msg)
		}
		r.mu.Lock()
		cb := r.onOK
		r.mu.Unlock()
		if cb != nil {
			cb(eventID, accepted, msg)
		}
	case "CLOSED":
		if len(frame) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		if sub, ok := r.subscription(subID); ok {
			_ = r.sendReq(sub)
		}
	case "EOSE", "NOTICE":
		// no action needed beyond delivering events as they arrive.
	}
}

func (r *Relay) subscription(subID string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subID]
	return sub, ok
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
