// Package gobluetooth is the one real, OS-backed implementation of
// ble.Adapter: it drives BlueZ over D-Bus through muka/go-bluetooth,
// playing the role the teacher's StdNetBind plays for a UDP socket
// (internal/conn/bind_std.go) — the single adapter that talks to actual
// hardware, kept thin so ble.Manager's business logic stays testable
// against the fake in ble/manager_test.go.
//
// BlueZ's GATT server registration and discovery-event plumbing carry a
// large, intricate D-Bus surface; this adapter deliberately sticks to
// muka/go-bluetooth's highest-level entry points (api.GetAdapter, the
// api/service application builder, and the generated device.Device1
// profile) and polls for discovered devices rather than subscribing to
// raw property-change signals, to avoid depending on lower-level D-Bus
// plumbing this module never exercises directly.
package gobluetooth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/api/service"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"

	"github.com/noisemesh/meshchat/ble"
)

// ServiceUUID and characteristic UUIDs identify the GATT service this
// node advertises and connects to, mirroring BitChat's own fixed service
// layout so independent implementations can interoperate.
const (
	ServiceUUID        = "f47b5e2d-4a9e-4c5a-9b3f-8e1d2c3a4b5c"
	WriteCharUUID      = "f47b5e2d-4a9e-4c5a-9b3f-8e1d2c3a4b5d"
	NotifyCharUUID     = "f47b5e2d-4a9e-4c5a-9b3f-8e1d2c3a4b5e"
	discoveryPollEvery = 2 * time.Second
)

// Adapter wraps a BlueZ adapter, a registered GATT application (our
// peripheral-role service), and a table of connected central-role
// devices, implementing ble.Adapter.
type Adapter struct {
	adapterID string
	btAdapter *adapter.Adapter1
	app       *service.App
	writeChar *service.Char
	notifyCh  *service.Char

	mu       sync.Mutex
	devices  map[ble.Address]*device.Device1
	notified map[ble.Address]struct{}
	events   chan ble.Event
	cancel   context.CancelFunc
}

var _ ble.Adapter = (*Adapter)(nil)

// New opens the named HCI adapter (e.g. "hci0") and registers the
// BitChat GATT application on it, ready for StartAdvertising/StartScanning.
func New(adapterID string) (*Adapter, error) {
	a, err := api.GetAdapter(adapterID)
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: get adapter %s: %w", adapterID, err)
	}

	app, err := service.NewApp(service.AppOptions{AdapterID: adapterID})
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: new gatt app: %w", err)
	}

	svc, err := app.NewService(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: new gatt service: %w", err)
	}
	if err := app.AddService(svc); err != nil {
		return nil, fmt.Errorf("gobluetooth: add gatt service: %w", err)
	}

	ga := &Adapter{
		adapterID: adapterID,
		btAdapter: a,
		app:       app,
		devices:   make(map[ble.Address]*device.Device1),
		notified:  make(map[ble.Address]struct{}),
		events:    make(chan ble.Event, 128),
	}

	writeChar, err := svc.NewChar(WriteCharUUID)
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: new write characteristic: %w", err)
	}
	writeChar.Properties.Flags = []string{gatt.FlagCharacteristicWrite, gatt.FlagCharacteristicWriteWithoutResponse}
	writeChar.OnWrite(func(c *service.Char, value []byte) ([]byte, error) {
		ga.events <- ble.Event{Kind: ble.EventDataReceived, Data: value}
		return nil, nil
	})
	if err := svc.AddChar(writeChar); err != nil {
		return nil, fmt.Errorf("gobluetooth: add write characteristic: %w", err)
	}
	ga.writeChar = writeChar

	notifyChar, err := svc.NewChar(NotifyCharUUID)
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: new notify characteristic: %w", err)
	}
	notifyChar.Properties.Flags = []string{gatt.FlagCharacteristicNotify}
	if err := svc.AddChar(notifyChar); err != nil {
		return nil, fmt.Errorf("gobluetooth: add notify characteristic: %w", err)
	}
	ga.notifyCh = notifyChar

	return ga, nil
}

func (a *Adapter) StartAdvertising(ctx context.Context) error {
	if err := a.app.Run(); err != nil {
		return fmt.Errorf("gobluetooth: run gatt app: %w", err)
	}
	return a.app.Advertise(0)
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.app.StopAdvertise()
	return nil
}

func (a *Adapter) StartScanning(ctx context.Context, window, interval ble.ScanParams) error {
	if err := a.btAdapter.StartDiscovery(); err != nil {
		return fmt.Errorf("gobluetooth: start discovery: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	go a.pollDiscoveredDevices(pollCtx)
	return nil
}

func (a *Adapter) StopScanning(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
	return a.btAdapter.StopDiscovery()
}

// pollDiscoveredDevices diffs the adapter's known-device list on an
// interval, reporting newly connected devices as EventConnected. BlueZ's
// own connection lifecycle (auto-connect on advertisement match) drives
// which devices actually show up as Connected here.
func (a *Adapter) pollDiscoveredDevices(ctx context.Context) {
	ticker := time.NewTicker(discoveryPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devs, err := a.btAdapter.GetDevices()
			if err != nil {
				continue
			}
			a.mu.Lock()
			for _, d := range devs {
				if d.Properties == nil || !d.Properties.Connected {
					continue
				}
				addr := ble.Address(d.Properties.Address)
				if _, known := a.devices[addr]; known {
					continue
				}
				a.devices[addr] = d
				a.events <- ble.Event{Kind: ble.EventConnected, Address: addr, IsClient: true, RSSI: int(d.Properties.RSSI)}
			}
			a.mu.Unlock()
		}
	}
}

func (a *Adapter) Connect(ctx context.Context, addr ble.Address) error {
	a.mu.Lock()
	d, ok := a.devices[addr]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("gobluetooth: unknown device %s", addr)
	}
	if err := d.Connect(); err != nil {
		return fmt.Errorf("gobluetooth: connect %s: %w", addr, err)
	}
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, addr ble.Address) error {
	a.mu.Lock()
	d, ok := a.devices[addr]
	delete(a.devices, addr)
	delete(a.notified, addr)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := d.Disconnect(); err != nil {
		return fmt.Errorf("gobluetooth: disconnect %s: %w", addr, err)
	}
	a.events <- ble.Event{Kind: ble.EventDisconnected, Address: addr}
	return nil
}

// Write sends to addr's write characteristic if we hold a central-role
// connection to it, otherwise notifies it as a subscribed peripheral
// central.
func (a *Adapter) Write(ctx context.Context, addr ble.Address, data []byte) error {
	a.mu.Lock()
	_, isClient := a.devices[addr]
	a.mu.Unlock()

	if isClient {
		char, err := a.remoteWriteChar(addr)
		if err != nil {
			return err
		}
		return char.WriteValue(data, nil)
	}
	return a.notifyCh.WriteValue(data, nil)
}

func (a *Adapter) remoteWriteChar(addr ble.Address) (*gatt.GattCharacteristic1, error) {
	a.mu.Lock()
	d, ok := a.devices[addr]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gobluetooth: unknown device %s", addr)
	}
	chars, err := d.GetCharacteristics()
	if err != nil {
		return nil, fmt.Errorf("gobluetooth: discover characteristics on %s: %w", addr, err)
	}
	for _, c := range chars {
		if c.Properties != nil && c.Properties.UUID == WriteCharUUID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("gobluetooth: write characteristic not found on %s", addr)
}

// MTU reports the negotiated ATT MTU if BlueZ exposes one for addr, or
// the conservative BLE 4.2 default otherwise.
func (a *Adapter) MTU(addr ble.Address) int {
	a.mu.Lock()
	d, ok := a.devices[addr]
	a.mu.Unlock()
	if !ok || d.Properties == nil || d.Properties.MTU == 0 {
		return 185
	}
	return int(d.Properties.MTU)
}

func (a *Adapter) Events() <-chan ble.Event { return a.events }

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.app.Close()
	close(a.events)
	return nil
}
