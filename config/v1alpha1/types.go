package v1alpha1

import (
	"fmt"

	"github.com/noisemesh/meshchat/config/types"
)

const ApiVersion = "meshchat.noisemesh.dev/v1alpha1"

// Config is a device's configuration: identity, BLE radio behavior,
// gossip sync tuning, and Nostr bridge settings.
type Config struct {
	types.TypeMeta `yaml:",inline" mapstructure:",squash"`
	// Nickname is the human-readable name announced to other peers
	// (spec.md 4.2).
	Nickname string `yaml:"nickname" mapstructure:"nickname"`
	// IdentitySeedPath is the path to the file holding this device's
	// master secret, from which every mesh and Nostr identity is derived
	// (spec.md 3, 4.10).
	IdentitySeedPath string `yaml:"identitySeedPath" mapstructure:"identitySeedPath"`
	// StorePath is the path to the bbolt database backing the persistent
	// favorites index. The peer registry and the store-and-forward queue
	// are held in memory only.
	StorePath string `yaml:"storePath" mapstructure:"storePath"`
	// BLE configures the Bluetooth LE mesh transport.
	BLE BLEConfig `yaml:"ble,omitempty" mapstructure:"ble,omitempty"`
	// Gossip configures periodic filter-exchange sync tuning.
	Gossip GossipConfig `yaml:"gossip,omitempty" mapstructure:"gossip,omitempty"`
	// Nostr configures the Nostr relay bridge, if enabled.
	Nostr NostrConfig `yaml:"nostr,omitempty" mapstructure:"nostr,omitempty"`
	// LogLevel selects the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"logLevel,omitempty" mapstructure:"logLevel,omitempty"`
}

// BLEConfig tunes the BLE connection manager (spec.md 4.5).
type BLEConfig struct {
	// PowerProfile names a duty cycle: foreground, background, or idle
	// (ble.PowerMode). It is parsed from the config document but not
	// applied: cmd/meshchatd does not read it, and the BLE manager starts
	// in foreground mode.
	PowerProfile string `yaml:"powerProfile,omitempty" mapstructure:"powerProfile,omitempty"`
	// MaxFragmentPayload bounds the payload size fragment.Split carves a
	// large packet into.
	MaxFragmentPayload int `yaml:"maxFragmentPayload,omitempty" mapstructure:"maxFragmentPayload,omitempty"`
}

// GossipConfig tunes the Golomb-coded-set filter exchange (spec.md 4.9).
type GossipConfig struct {
	// SeenCapacity bounds the LRU of recently observed public packets.
	SeenCapacity int `yaml:"seenCapacity,omitempty" mapstructure:"seenCapacity,omitempty"`
	// FilterParam is the GCS Golomb parameter P.
	FilterParam uint8 `yaml:"filterParam,omitempty" mapstructure:"filterParam,omitempty"`
	// FilterBudgetBytes bounds a single REQUEST_SYNC filter's wire size.
	FilterBudgetBytes int `yaml:"filterBudgetBytes,omitempty" mapstructure:"filterBudgetBytes,omitempty"`
}

// NostrConfig configures the Nostr relay bridge (spec.md 4.10).
type NostrConfig struct {
	// Enabled turns the bridge on; when false, this device is mesh-only.
	Enabled bool `yaml:"enabled,omitempty" mapstructure:"enabled,omitempty"`
	// Relays is the main relay set direct messages and the device's own
	// geohash channels are published and subscribed through.
	Relays []string `yaml:"relays,omitempty" mapstructure:"relays,omitempty"`
	// RelaysPerGeohash is the number of geographically closest relays for
	// a geohash channel. It is parsed from the config document but not
	// applied: cmd/meshchatd does not read it, and geohash channels use the
	// main relay set only.
	RelaysPerGeohash int `yaml:"relaysPerGeohash,omitempty" mapstructure:"relaysPerGeohash,omitempty"`
	// PoWTargetBits is the proof-of-work difficulty this device mines
	// into events it publishes. Zero disables mining.
	PoWTargetBits int `yaml:"powTargetBits,omitempty" mapstructure:"powTargetBits,omitempty"`
	// PoWMinAcceptedBits is the minimum proof-of-work difficulty this
	// device requires of events it receives; anything below is dropped.
	PoWMinAcceptedBits int `yaml:"powMinAcceptedBits,omitempty" mapstructure:"powMinAcceptedBits,omitempty"`
}

func (c Config) GetKind() string {
	return "Config"
}

func (c Config) GetAPIVersion() string {
	return ApiVersion
}

func GetConfigByKind(kind string) (types.Config, error) {
	switch kind {
	case "Config":
		return &Config{}, nil
	default:
		return nil, fmt.Errorf("unsupported kind: %s", kind)
	}
}
