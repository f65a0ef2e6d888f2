// Package ticket manages TLS session ticket encryption keys derived from
// opaque seed strings. A Manager holds three generations at once: new
// tickets are encrypted under the first current seed, while tickets issued
// under the new and old generations still decrypt. Old seeds never encrypt.
package ticket

import (
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoCurrentSeeds = errors.New("ticket: no current seeds, can't encrypt new tickets")
)

// Seeds is one key generation: ordered old/current/new seed lists, applied
// as a whole. There is no per-certificate override.
type Seeds struct {
	Old     []string
	Current []string
	New     []string
}

type generation struct {
	seeds Seeds
	keys  [][32]byte
}

// Manager derives and holds the ticket keys for one certificate. The
// generation is swapped atomically, a reader never observes a partially
// rotated key set.
type Manager struct {
	gen atomic.Value // *generation
}

func New() *Manager {
	return &Manager{}
}

// SetSeeds installs a new generation. It fails before touching anything
// when there is no current seed: there must always be a key to encrypt
// new tickets under.
func (m *Manager) SetSeeds(s Seeds) error {
	if len(s.Current) == 0 {
		return ErrNoCurrentSeeds
	}

	g := &generation{seeds: s}
	// Encrypt order: crypto/tls encrypts under the first key and decrypts
	// under any of them, so current goes first, then new (tickets already
	// issued by an upgraded peer), then old (pre-previous-rotation).
	for _, seed := range s.Current {
		g.keys = append(g.keys, deriveKey(seed))
	}
	for _, seed := range s.New {
		g.keys = append(g.keys, deriveKey(seed))
	}
	for _, seed := range s.Old {
		g.keys = append(g.keys, deriveKey(seed))
	}

	m.gen.Store(g)
	return nil
}

// Seeds returns the installed generation, ok is false before the first
// SetSeeds.
func (m *Manager) Seeds() (Seeds, bool) {
	g, _ := m.gen.Load().(*generation)
	if g == nil {
		return Seeds{}, false
	}
	return g.seeds, true
}

// Keys returns a copy of the derived keys in encrypt-first order.
func (m *Manager) Keys() [][32]byte {
	g, _ := m.gen.Load().(*generation)
	if g == nil {
		return nil
	}
	keys := make([][32]byte, len(g.keys))
	copy(keys, g.keys)
	return keys
}

// Apply pushes the current generation into a live tls.Config. Without
// seeds it is a no-op and the config keeps its automatic keys.
func (m *Manager) Apply(conf *tls.Config) {
	keys := m.Keys()
	if len(keys) == 0 {
		return
	}
	conf.SetSessionTicketKeys(keys)
}

func deriveKey(seed string) (key [32]byte) {
	r := hkdf.New(sha256.New, []byte(seed), nil, []byte("tls session ticket key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		// hkdf only errors past its output limit, far beyond 32 bytes
		log.Printf("ERROR ticket/deriveKey: %s", err)
	}
	return key
}
