// Package store defines the namespaced key/value persistence port the core
// consumes (spec.md 1, 6): identity keys (id.*), the fingerprint index
// (peer.*), favorites (fav.*), joined/password-protected channels (ch.*),
// and blocked users (block.*). The UI-facing preference store is an
// external collaborator; this package is the boundary the core's own
// components (favorites, channel membership) persist through.
package store

import "errors"

// ErrNotFound is returned by Get when a key doesn't exist in a namespace.
var ErrNotFound = errors.New("store: key not found")

// KV is a namespaced key/value store. A namespace corresponds to a bucket
// in the default bbolt-backed adapter (store/boltstore) but the interface
// makes no assumption about the backing engine.
type KV interface {
	Get(namespace, key string) ([]byte, error)
	Put(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	// IteratePrefix calls fn for every key in namespace with the given
	// prefix, in lexical key order. Iteration stops early if fn returns
	// false.
	IteratePrefix(namespace, prefix string, fn func(key string, value []byte) bool) error
	// ClearNamespace removes every key in namespace. Used by the panic
	// intent (spec.md 8 scenario 6) to wipe all namespaces except the
	// identity one, which is instead regenerated.
	ClearNamespace(namespace string) error
	Close() error
}

// Namespaces used by the core. External preference namespaces (UI theming,
// notification settings, etc.) are out of scope (spec.md 1).
const (
	NamespaceIdentity = "id"
	NamespacePeer     = "peer"
	NamespaceFavorite = "fav"
	NamespaceChannel  = "ch"
	NamespaceBlocked  = "block"
)

// AllNamespaces lists every namespace the core owns, in the order
// ClearAll should wipe them.
var AllNamespaces = []string{
	NamespacePeer,
	NamespaceFavorite,
	NamespaceChannel,
	NamespaceBlocked,
	NamespaceIdentity,
}

// ClearAll wipes every namespace in kv. Identity is cleared along with the
// rest; callers that want the "regenerate identity, keep nothing else"
// panic semantics (spec.md 8 scenario 6) should regenerate and re-persist
// the identity seed themselves immediately after calling ClearAll.
func ClearAll(kv KV) error {
	for _, ns := range AllNamespaces {
		if err := kv.ClearNamespace(ns); err != nil {
			return err
		}
	}
	return nil
}
