// Command meshchatd is the device composition root: it loads a config
// document, derives identity, opens the bbolt store, wires every
// transport and protocol component together, and runs until signaled to
// stop. The flag/logging/signal-handling shape follows the teacher's
// benchmark/reference/main.go (urfave/cli/v2, slog, SIGTERM+interrupt,
// multierror-aggregated shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/noisemesh/meshchat/ble"
	"github.com/noisemesh/meshchat/ble/gobluetooth"
	"github.com/noisemesh/meshchat/config"
	"github.com/noisemesh/meshchat/config/v1alpha1"
	"github.com/noisemesh/meshchat/events"
	"github.com/noisemesh/meshchat/favorites"
	"github.com/noisemesh/meshchat/fragment"
	"github.com/noisemesh/meshchat/gossip"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/message"
	"github.com/noisemesh/meshchat/nostr"
	"github.com/noisemesh/meshchat/nostr/wsrelay"
	"github.com/noisemesh/meshchat/packet"
	"github.com/noisemesh/meshchat/peer"
	"github.com/noisemesh/meshchat/processor"
	"github.com/noisemesh/meshchat/router"
	"github.com/noisemesh/meshchat/security"
	"github.com/noisemesh/meshchat/store/boltstore"
	"github.com/noisemesh/meshchat/storeforward"
)

// Connection caps: spec.md names only the oldest-client-eviction policy,
// not concrete numbers, so these are this binary's own defaults.
const (
	defaultMaxOverall = 20
	defaultMaxClient  = 10
	defaultMaxServer  = 10

	defaultMaxFragmentPayload = 400
	defaultReassemblyInFlight = 64

	defaultNostrMinAcceptedBits = 0
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	app := &cli.App{
		Name:  "meshchatd",
		Usage: "run a meshchat mesh + Nostr bridge node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to a v1alpha1 Config YAML document",
				Required: true,
			},
			&cli.GenericFlag{
				Name:  "log-level",
				Usage: "set the log level",
				Value: fromLogLevel(slog.LevelInfo),
			},
			&cli.StringFlag{
				Name:  "send-peer-id",
				Usage: "if set, send one message to this hex-encoded peer_id at startup",
			},
			&cli.StringFlag{
				Name:  "send-noise-pub",
				Usage: "hex-encoded Noise static public key of --send-peer-id, for Nostr fallback routing",
			},
			&cli.StringFlag{
				Name:  "send-message",
				Usage: "plaintext message body to send to --send-peer-id at startup",
			},
		},
		Before: func(c *cli.Context) error {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: (*slog.Level)(c.Generic("log-level").(*logLevelFlag)),
			}))
			return nil
		},
		Action: func(c *cli.Context) error {
			opts := startupSend{
				peerIDHex: c.String("send-peer-id"),
				noisePub:  c.String("send-noise-pub"),
				message:   c.String("send-message"),
			}
			return run(c.Context, logger, c.String("config"), opts)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("meshchatd exited with error", "error", err)
		os.Exit(1)
	}
}

// startupSend carries an optional one-shot "send a message" request
// supplied on the command line, the CLI equivalent of a UI's compose box.
type startupSend struct {
	peerIDHex string
	noisePub  string
	message   string
}

func run(ctx context.Context, logger *slog.Logger, configPath string, send startupSend) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("meshchatd: read config: %w", err)
	}

	parsed, err := config.FromYAML(raw)
	if err != nil {
		return fmt.Errorf("meshchatd: parse config: %w", err)
	}
	cfg, ok := parsed.(*v1alpha1.Config)
	if !ok {
		return fmt.Errorf("meshchatd: unsupported config kind %s", parsed.GetKind())
	}
	if cfg.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
		}
	}

	self, err := loadOrCreateIdentity(cfg.IdentitySeedPath)
	if err != nil {
		return fmt.Errorf("meshchatd: identity: %w", err)
	}
	logger.Info("loaded identity", "peer_id", self.PeerID().String())

	kv, err := boltstore.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("meshchatd: open store: %w", err)
	}

	bus := events.NewBus()
	registry := peer.NewRegistry()
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	outbox := storeforward.NewQueue(storeforward.DefaultMaxEntries, storeforward.DefaultMaxBytes)

	fav, err := favorites.NewIndex(kv, func(noiseStaticPub []byte) (identity.PeerID, bool) {
		return registry.PeerIDForFingerprint(identity.FingerprintOf(noiseStaticPub))
	})
	if err != nil {
		return fmt.Errorf("meshchatd: favorites index: %w", err)
	}

	adapter, err := gobluetooth.New("hci0")
	if err != nil {
		return fmt.Errorf("meshchatd: open BLE adapter: %w", err)
	}
	caps := ble.Caps{MaxOverall: defaultMaxOverall, MaxClient: defaultMaxClient, MaxServer: defaultMaxServer}
	manager := ble.NewManager(adapter, caps)
	mesh := ble.NewContextSender(ctx, manager)

	maxFragmentPayload := cfg.BLE.MaxFragmentPayload
	if maxFragmentPayload <= 0 {
		maxFragmentPayload = defaultMaxFragmentPayload
	}
	sender := &fragmentingSender{self: self.PeerID(), maxPayload: maxFragmentPayload, inner: mesh}

	handler := message.NewHandler(self, cfg.Nickname, registry, core, fav, outbox, bus, sender)

	reassembler := fragment.NewReassembler(defaultReassemblyInFlight, fragment.DefaultReassemblyTimeout)
	proc := processor.NewProcessor(self.PeerID(), core, manager, handler, reassembler)

	syncer := gossip.NewSyncer(self.PeerID(), manager, sender)
	syncer.SetTuning(cfg.Gossip.SeenCapacity, cfg.Gossip.FilterParam, cfg.Gossip.FilterBudgetBytes)
	proc.SetFirstAnnounceObserver(syncer)
	proc.SetPacketObserver(syncer)
	handler.SetSyncHandler(syncer)

	manager.OnDataReceived(func(addr ble.Address, data []byte) {
		p, err := packet.Decode(data)
		if err != nil {
			logger.Debug("dropping undecodable BLE frame", "addr", addr, "error", err)
			return
		}
		if err := proc.Ingress(ctx, p, addr); err != nil {
			logger.Debug("ingress failed", "addr", addr, "error", err)
		}
	})

	var nostrTx router.NostrSender = noopNostrSender{}
	var transport *nostr.Transport
	var relays []*nostr.Relay
	if cfg.Nostr.Enabled {
		relays = make([]*nostr.Relay, 0, len(cfg.Nostr.Relays))
		for _, url := range cfg.Nostr.Relays {
			relays = append(relays, nostr.NewRelay(url, wsrelay.New()))
		}
		minBits := cfg.Nostr.PoWMinAcceptedBits
		if minBits <= 0 {
			minBits = defaultNostrMinAcceptedBits
		}
		transport, err = nostr.NewTransport(self.MasterSecret(), relays, proc, minBits)
		if err != nil {
			return fmt.Errorf("meshchatd: nostr transport: %w", err)
		}
		nostrTx = transport
	}

	rt := router.New(self, registry, core, fav, sender, nostrTx, cfg.Nostr.PoWTargetBits)

	unsubscribe := subscribeSessionEstablished(bus, rt, logger)
	defer unsubscribe()

	runCtx, cancel := signalContext(ctx)
	defer cancel()

	if err := broadcastOwnAnnouncement(sender, self, cfg.Nickname); err != nil {
		logger.Warn("failed to broadcast startup announcement", "error", err)
	}

	if send.message != "" {
		if err := deliverStartupSend(runCtx, rt, send); err != nil {
			logger.Warn("startup send failed", "error", err)
		}
	}

	var runners []func() error
	runners = append(runners, func() error { return manager.Run(runCtx) })
	runners = append(runners, func() error { return syncer.Run(runCtx) })
	for _, relay := range relays {
		relay := relay
		runners = append(runners, func() error { return relay.Run(runCtx) })
	}

	var wg sync.WaitGroup
	var runErrsMu sync.Mutex
	var runErrs *multierror.Error
	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r(); err != nil && err != context.Canceled {
				runErrsMu.Lock()
				runErrs = multierror.Append(runErrs, err)
				runErrsMu.Unlock()
			}
		}()
	}

	<-runCtx.Done()
	logger.Info("shutting down")

	var shutdownErrs *multierror.Error
	if err := adapter.Close(); err != nil {
		shutdownErrs = multierror.Append(shutdownErrs, fmt.Errorf("close adapter: %w", err))
	}
	if err := kv.Close(); err != nil {
		shutdownErrs = multierror.Append(shutdownErrs, fmt.Errorf("close store: %w", err))
	}
	bus.Close()

	wg.Wait()
	if runErrs != nil {
		shutdownErrs = multierror.Append(shutdownErrs, runErrs)
	}

	return shutdownErrs.ErrorOrNil()
}

// deliverStartupSend parses send's peer addressing and hands the message
// to the router under a freshly minted message ID, the composition
// root's stand-in for an interactive client's compose-and-send action.
func deliverStartupSend(ctx context.Context, rt *router.Router, send startupSend) error {
	peerID, err := identity.ParsePeerID(send.peerIDHex)
	if err != nil {
		return fmt.Errorf("parse --send-peer-id: %w", err)
	}
	return rt.Send(ctx, peerID, send.noisePub, newMessageID(), []byte(send.message))
}

// signalContext derives a cancelable context from parent that also
// cancels on SIGTERM or interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM)
	signal.Notify(term, os.Interrupt)

	go func() {
		select {
		case <-term:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// loadOrCreateIdentity reads a 32-byte master secret from path, creating
// one with a fresh random secret if the file does not exist yet
// (spec.md 3, 4.10: every mesh and Nostr identity derives from one seed).
func loadOrCreateIdentity(path string) (*identity.Local, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var seed [32]byte
		if len(raw) != len(seed) {
			return nil, fmt.Errorf("identity seed at %s must be 32 bytes, got %d", path, len(raw))
		}
		copy(seed[:], raw)
		return identity.FromMasterSecret(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}

	local, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(path, local.MasterSecret(), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity seed: %w", err)
	}
	return local, nil
}

// broadcastOwnAnnouncement sends this device's IdentityAnnouncement to
// the mesh at startup, the receiving-side counterpart of
// message.Handler.HandleAnnounce.
func broadcastOwnAnnouncement(sender message.Sender, self identity.Provider, nickname string) error {
	ann := message.IdentityAnnouncement{
		Nickname:       nickname,
		NoiseStaticPub: self.NoiseStaticPublicKey(),
		SigningPub:     self.SigningPublicKey(),
	}
	p := &packet.Packet{
		Version:     packet.Version1,
		Type:        packet.TypeAnnounce,
		TTL:         packet.MaxTTL,
		TimestampMS: uint64(time.Now().UnixMilli()),
		SenderID:    self.PeerID(),
		Payload:     ann.Encode(),
	}
	data, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	return sender.Broadcast(data)
}

// subscribeSessionEstablished bridges events.Bus's SessionEstablished
// notification (published by message.Handler on handshake completion)
// to the router's outbox flush, without message importing router.
func subscribeSessionEstablished(bus *events.Bus, rt *router.Router, logger *slog.Logger) func() {
	ch, unsubscribe := bus.Subscribe()
	go func() {
		for ev := range ch {
			if ev.Kind != events.SessionEstablished {
				continue
			}
			peerID, ok := ev.Data.(identity.PeerID)
			if !ok {
				continue
			}
			if err := rt.OnSessionEstablished(peerID); err != nil {
				logger.Debug("outbox flush failed", "peer_id", peerID.String(), "error", err)
			}
		}
	}()
	return unsubscribe
}

// fragmentingSender wraps a message.Sender, splitting any payload larger
// than maxPayload into FRAGMENT packets via fragment.Split before
// handing it to the underlying mesh transport. Every other Sender in
// this tree hands packets straight to ble.ContextSender, which never
// calls fragment.Split itself; this is that call's one real caller.
type fragmentingSender struct {
	self       identity.PeerID
	maxPayload int
	inner      message.Sender
}

func (s *fragmentingSender) Broadcast(data []byte) error {
	return s.send(data, func(frag []byte) error { return s.inner.Broadcast(frag) })
}

func (s *fragmentingSender) SendToPeer(peerID identity.PeerID, data []byte) error {
	return s.send(data, func(frag []byte) error { return s.inner.SendToPeer(peerID, frag) })
}

func (s *fragmentingSender) send(data []byte, deliver func([]byte) error) error {
	if len(data) <= s.maxPayload {
		return deliver(data)
	}

	header := packet.Packet{Version: packet.Version1, TTL: packet.MaxTTL, SenderID: s.self}
	frags, err := fragment.Split(data, s.maxPayload, header)
	if err != nil {
		return fmt.Errorf("fragmentingSender: split: %w", err)
	}
	for _, frag := range frags {
		frag.TimestampMS = uint64(time.Now().UnixMilli())
		encoded, err := packet.Encode(frag)
		if err != nil {
			return fmt.Errorf("fragmentingSender: encode fragment: %w", err)
		}
		if err := deliver(encoded); err != nil {
			return fmt.Errorf("fragmentingSender: deliver fragment: %w", err)
		}
	}
	return nil
}

// noopNostrSender is the Nostr fallback used when the bridge is disabled
// (config.nostr.enabled: false): mesh-only devices never attempt it, so
// this only exists to satisfy router.NostrSender's interface.
type noopNostrSender struct{}

func (noopNostrSender) SendDirectMessage(ctx context.Context, npubHex string, packetBytes []byte, targetBits int) error {
	return fmt.Errorf("meshchatd: nostr bridge disabled")
}

// newMessageID mints a fresh message identifier for an outgoing send,
// the way an interactive client would before calling router.Send.
func newMessageID() string {
	return uuid.NewString()
}

type logLevelFlag slog.Level

func fromLogLevel(l slog.Level) *logLevelFlag {
	f := logLevelFlag(l)
	return &f
}

func (f *logLevelFlag) Set(value string) error {
	return (*slog.Level)(f).UnmarshalText([]byte(value))
}

func (f *logLevelFlag) String() string {
	return (*slog.Level)(f).String()
}
