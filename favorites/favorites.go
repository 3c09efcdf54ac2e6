// Package favorites implements the Favorites & Identity Index (spec.md
// 4.12): the persisted mapping from a peer's noise static public key to
// its favorite relationship, with a secondary peer_id index that rebinds
// on peer-ID rotation (spec.md 4.4).
package favorites

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/store"
)

// Relationship is one favorite record, keyed by the peer's noise static
// public key (spec.md 3).
type Relationship struct {
	NoiseStaticPubHex string `json:"noise_static_pub_hex"`
	Nickname          string `json:"peer_nickname"`
	IsFavorite        bool   `json:"is_favorite"`
	IsMutual          bool   `json:"is_mutual"`
	NostrNpub         string `json:"nostr_npub,omitempty"`
}

// Index persists favorite relationships in kv and maintains an in-memory
// secondary index from the current peer_id to noise_static_pub_hex.
type Index struct {
	kv store.KV

	mu           sync.RWMutex
	pubHexByPeer map[identity.PeerID]string
}

// NewIndex constructs an Index backed by kv, loading any favorites already
// persisted there. peerIDForPub, if non-nil, resolves a noise static
// public key to its current peer_id (typically peer.Registry.
// PeerIDForFingerprint after hashing) so the secondary index can be
// rebuilt on startup.
func NewIndex(kv store.KV, peerIDForPub func(noiseStaticPub []byte) (identity.PeerID, bool)) (*Index, error) {
	idx := &Index{kv: kv, pubHexByPeer: make(map[identity.PeerID]string)}

	err := kv.IteratePrefix(store.NamespaceFavorite, "", func(key string, value []byte) bool {
		var rel Relationship
		if jsonErr := json.Unmarshal(value, &rel); jsonErr != nil {
			return true
		}
		if peerIDForPub == nil {
			return true
		}
		raw, decodeErr := hex.DecodeString(rel.NoiseStaticPubHex)
		if decodeErr != nil {
			return true
		}
		if pid, ok := peerIDForPub(raw); ok {
			idx.pubHexByPeer[pid] = rel.NoiseStaticPubHex
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("favorites: load index: %w", err)
	}
	return idx, nil
}

func keyFor(noiseStaticPubHex string) string { return noiseStaticPubHex }

// Get returns the relationship for a noise static public key, if any.
func (idx *Index) Get(noiseStaticPubHex string) (Relationship, bool) {
	raw, err := idx.kv.Get(store.NamespaceFavorite, keyFor(noiseStaticPubHex))
	if err != nil {
		return Relationship{}, false
	}
	var rel Relationship
	if err := json.Unmarshal(raw, &rel); err != nil {
		return Relationship{}, false
	}
	return rel, true
}

// GetByPeerID resolves peerID to its current favorite relationship via the
// secondary index, if bound.
func (idx *Index) GetByPeerID(peerID identity.PeerID) (Relationship, bool) {
	idx.mu.RLock()
	pubHex, ok := idx.pubHexByPeer[peerID]
	idx.mu.RUnlock()
	if !ok {
		return Relationship{}, false
	}
	return idx.Get(pubHex)
}

// Put persists rel and binds peerID to it in the secondary index.
func (idx *Index) Put(peerID identity.PeerID, rel Relationship) error {
	raw, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("favorites: marshal relationship: %w", err)
	}
	if err := idx.kv.Put(store.NamespaceFavorite, keyFor(rel.NoiseStaticPubHex), raw); err != nil {
		return fmt.Errorf("favorites: persist relationship: %w", err)
	}

	idx.mu.Lock()
	idx.pubHexByPeer[peerID] = rel.NoiseStaticPubHex
	idx.mu.Unlock()
	return nil
}

// SetFavorite toggles the is_favorite flag for noiseStaticPubHex, creating
// the relationship if it doesn't yet exist.
func (idx *Index) SetFavorite(peerID identity.PeerID, noiseStaticPubHex, nickname string, favorite bool) (Relationship, error) {
	rel, ok := idx.Get(noiseStaticPubHex)
	if !ok {
		rel = Relationship{NoiseStaticPubHex: noiseStaticPubHex, Nickname: nickname}
	}
	rel.IsFavorite = favorite
	if nickname != "" {
		rel.Nickname = nickname
	}
	if err := idx.Put(peerID, rel); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// ApplyRemoteFavorite records the remote side's own favorite/unfavorite
// control message (the in-band "[FAVORITED]:<npub>" /
// "[UNFAVORITED]:<npub>" messages, spec.md 6), deriving is_mutual from our
// own favorite flag plus the remote's.
func (idx *Index) ApplyRemoteFavorite(peerID identity.PeerID, noiseStaticPubHex, npub string, remoteFavorited bool) (Relationship, error) {
	rel, ok := idx.Get(noiseStaticPubHex)
	if !ok {
		rel = Relationship{NoiseStaticPubHex: noiseStaticPubHex}
	}
	rel.NostrNpub = npub
	rel.IsMutual = rel.IsFavorite && remoteFavorited
	if err := idx.Put(peerID, rel); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// Rebind moves the secondary index entry for a noise_static_pub_hex from
// oldPeerID to newPeerID, following a peer_id rotation (spec.md 4.4:
// "external indices (Favorites, Nostr mapping) rebind synchronously").
func (idx *Index) Rebind(oldPeerID, newPeerID identity.PeerID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	pubHex, ok := idx.pubHexByPeer[oldPeerID]
	if !ok {
		return
	}
	delete(idx.pubHexByPeer, oldPeerID)
	idx.pubHexByPeer[newPeerID] = pubHex
}

// Remove deletes the relationship for noiseStaticPubHex entirely.
func (idx *Index) Remove(peerID identity.PeerID, noiseStaticPubHex string) error {
	idx.mu.Lock()
	delete(idx.pubHexByPeer, peerID)
	idx.mu.Unlock()
	return idx.kv.Delete(store.NamespaceFavorite, keyFor(noiseStaticPubHex))
}
