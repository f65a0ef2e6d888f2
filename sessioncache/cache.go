// Package sessioncache stores TLS session state per certificate: a local
// in-memory TTL cache, optionally backed by a shared external store so a
// pool of servers behind one VIP can resume each other's sessions.
package sessioncache

import (
	"log"
	"strconv"
	"time"

	"github.com/cespare/xxhash"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL = 1 * time.Hour
)

type Options struct {
	TTLString string
	TTL       time.Duration
	// Context prefixes keys in the external store so several VIPs can
	// share one backend.
	Context string
}

// Provider is an external shared store for session state. Load returns
// ErrCacheKeyNotFound on a clean miss.
type Provider interface {
	Store(key string, value []byte) error
	Load(key string) ([]byte, error)
	Delete(key string) error
}

// Manager is the session cache attached 1:1 to a certificate record.
type Manager struct {
	opts     Options
	local    *gocache.Cache
	external Provider
	inflight singleflight.Group
}

func New(opts *Options, external Provider) *Manager {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}

	return &Manager{
		opts:     o,
		local:    gocache.New(o.TTL, 2*o.TTL),
		external: external,
	}
}

// Shared reports whether an external store backs this cache. Without one
// the cache can't serve anything the ticket keys don't already cover.
func (m *Manager) Shared() bool {
	return m.external != nil
}

// Put stores session state under an opaque session key.
func (m *Manager) Put(sessionKey, state []byte) {
	key := m.key(sessionKey)
	m.local.Set(key, state, gocache.DefaultExpiration)

	if m.external == nil {
		return
	}
	if err := m.external.Store(key, state); err != nil {
		log.Printf("ERROR sessioncache/Put external %s: %s", key, err)
	}
}

// Get looks the session up locally first, then in the external store.
// Concurrent misses for the same key trigger a single external load.
func (m *Manager) Get(sessionKey []byte) ([]byte, bool) {
	key := m.key(sessionKey)
	if v, ok := m.local.Get(key); ok {
		return v.([]byte), true
	}

	if m.external == nil {
		return nil, false
	}

	v, err, _ := m.inflight.Do(key, func() (interface{}, error) {
		return m.external.Load(key)
	})
	if err != nil {
		if err != ErrCacheKeyNotFound {
			log.Printf("ERROR sessioncache/Get external %s: %s", key, err)
		}
		return nil, false
	}

	state := v.([]byte)
	m.local.Set(key, state, gocache.DefaultExpiration)
	return state, true
}

// Del drops a session everywhere, local and external.
func (m *Manager) Del(sessionKey []byte) {
	key := m.key(sessionKey)
	m.local.Delete(key)

	if m.external == nil {
		return
	}
	if err := m.external.Delete(key); err != nil {
		log.Printf("ERROR sessioncache/Del external %s: %s", key, err)
	}
}

func (m *Manager) key(sessionKey []byte) string {
	h := strconv.FormatUint(xxhash.Sum64(sessionKey), 16)
	if m.opts.Context == "" {
		return h
	}
	return m.opts.Context + "/" + h
}
