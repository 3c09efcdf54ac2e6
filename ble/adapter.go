// Package ble implements the BLE Connection Manager (spec.md 4.5): a
// dual-role (GATT central + peripheral) connection table with cap
// enforcement, power-mode-driven scanning, and packet delivery. The
// concrete radio is reached through the Adapter port, mirroring the
// teacher's conn.Bind/StdNetBind port-adapter split (internal/conn):
// ble.Adapter plays the Bind role here, and ble/gobluetooth plays
// StdNetBind's role as the one real, OS-backed implementation.
package ble

import "context"

// Address identifies one BLE device address (as exposed by the OS
// Bluetooth stack).
type Address string

// Adapter is the port the Connection Manager drives; a concrete adapter
// wraps a real BLE stack (ble/gobluetooth wraps muka/go-bluetooth's BlueZ
// D-Bus bindings).
type Adapter interface {
	// StartAdvertising begins peripheral-role advertising of the BitChat
	// GATT service.
	StartAdvertising(ctx context.Context) error
	StopAdvertising(ctx context.Context) error

	// StartScanning begins central-role scanning for the BitChat service.
	// Discovered devices are reported via the events channel returned by
	// Events.
	StartScanning(ctx context.Context, window, interval ScanParams) error
	StopScanning(ctx context.Context) error

	// Connect opens a central-role (client) GATT connection to addr.
	Connect(ctx context.Context, addr Address) error
	// Disconnect closes any connection (client or server-side) to addr.
	Disconnect(ctx context.Context, addr Address) error

	// Write sends data to addr's writable characteristic (client write,
	// or a notification if addr is a subscribed central on our
	// peripheral side).
	Write(ctx context.Context, addr Address, data []byte) error

	// MTU returns the negotiated MTU for addr, or the link default if not
	// yet negotiated.
	MTU(addr Address) int

	// Events returns the channel of connection lifecycle and data events.
	// The channel is closed when the adapter is closed.
	Events() <-chan Event

	Close() error
}

// ScanParams is a (window, interval) duty-cycle pair, in milliseconds.
type ScanParams struct {
	WindowMS   int
	IntervalMS int
}

// EventKind enumerates the events an Adapter reports.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDataReceived
	EventRSSIUpdated
	EventMTUNegotiated
)

// Event is one lifecycle or data notification from the adapter.
type Event struct {
	Kind     EventKind
	Address  Address
	IsClient bool // true if we are the GATT client (central role) on this link
	Data     []byte
	RSSI     int
	MTU      int
}
