// Package certmgr selects, among several certificates sharing one
// listening endpoint, the one to present for a client-requested hostname,
// and keeps each certificate's session cache and ticket keys consistent
// across reloads and rotations.
//
// The domain index is a best match: full string first, then one level up
// for wildcard names ("*.example.com" is stored as ".example.com").
// Browsers only look one level up when matching a wildcard, so neither
// does the index.
package certmgr

import (
	"crypto/tls"
	"log"
	"net"
	"strings"

	"github.com/HankinHwong/wangle/sessioncache"
	"github.com/HankinHwong/wangle/ticket"
)

// NoMatchFn is the last resolution step, consulted only when neither the
// index nor the default produced a certificate. It must be synchronous
// and side-effect free, it runs inline in the handshake callback.
type NoMatchFn func(serverName string) *tls.Certificate

// Manager owns the certificate records and the domain index for one
// listening endpoint. It is bound to the event loop that serves that
// endpoint: resolution runs inline in handshake callbacks, mutation
// (AddConfig, ReloadTicketKeys) must run on the same loop. On
// reconfiguration the whole Manager is rebuilt and swapped, records are
// never evicted one by one.
type Manager struct {
	vip    string
	strict bool
	loader Loader

	records   []*Record
	dnMap     map[DomainKey]*Record
	def       *Record
	defDomain string
	// set once a config claimed the default slot explicitly; an explicit
	// claim always wins over the implicit first-insert default
	defExplicit bool

	noMatch NoMatchFn
	stats   Stats
}

// New creates an empty manager for one VIP. The name is only used in log
// messages. In strict mode domain collisions reject the insert, otherwise
// they are logged and the earliest mapping wins.
func New(vip string, strict bool) *Manager {
	return &Manager{
		vip:    vip,
		strict: strict,
		loader: PEMLoader{},
		dnMap:  make(map[DomainKey]*Record),
	}
}

// SetLoader replaces the certificate loading collaborator, e.g. with a
// KMS-backed one.
func (m *Manager) SetLoader(l Loader) {
	if l != nil {
		m.loader = l
	}
}

func (m *Manager) SetStats(s Stats) {
	m.stats = s
}

func (m *Manager) SetNoMatchFn(fn NoMatchFn) {
	m.noMatch = fn
}

// AddConfig loads the certificate described by cfg, wraps it with its own
// session cache manager and ticket key manager, and indexes it under
// every name from the config, the subject CN and the SANs. The first
// record becomes the default unless a later config claims the slot
// explicitly.
func (m *Manager) AddConfig(cfg *CertConfig, cacheOpts *sessioncache.Options, seeds *ticket.Seeds, external sessioncache.Provider) error {
	crt, err := m.loader.Load(cfg)
	if err != nil {
		return &ConfigError{Reason: "loading certificate", Err: err}
	}

	names := certNames(cfg, crt.Leaf)
	if len(names) == 0 {
		return &ConfigError{Reason: "certificate covers no domain names"}
	}

	tickets := ticket.New()
	if seeds != nil {
		if err := tickets.SetSeeds(*seeds); err != nil {
			return &ConfigError{Domain: names[0], Reason: "ticket seeds", Err: err}
		}
	}

	rec := newRecord(crt, sessioncache.New(cacheOpts, external), tickets)

	crypto := BestAvailable
	if cfg.Legacy {
		crypto = LegacyCrypto
	}

	var mutations []dnMutation
	for _, name := range names {
		mu, changed, err := m.insertByDomainName(name, crypto, rec, cfg.Overwrite)
		if err != nil {
			// abort this insert only: undo every mutation it made,
			// including overwritten entries, so earlier records keep
			// serving exactly what they served before
			for _, mu := range mutations {
				if mu.had {
					m.dnMap[mu.key] = mu.prev
				} else {
					delete(m.dnMap, mu.key)
				}
			}
			return err
		}
		if changed {
			mutations = append(mutations, mu)
		}
	}

	m.records = append(m.records, rec)
	m.setDefault(cfg, rec, names[0])

	log.Printf("certmgr/AddConfig %s: %s", m.vip, strings.Join(names, ","))
	return nil
}

func (m *Manager) setDefault(cfg *CertConfig, rec *Record, domain string) {
	if cfg.Default {
		if m.defExplicit && m.def != rec {
			log.Printf("certmgr %s: default already set to %s, skipping default flag of %s", m.vip, m.defDomain, domain)
			return
		}
		m.def, m.defDomain, m.defExplicit = rec, domain, true
		return
	}
	if m.def == nil {
		m.def, m.defDomain = rec, domain
	}
}

// dnMutation remembers one index change of an in-flight insert so a
// failing later name can restore the exact previous state.
type dnMutation struct {
	key  DomainKey
	prev *Record
	had  bool
}

// insertByDomainName validates the name and inserts the record under its
// index key. changed reports whether the index was mutated.
func (m *Manager) insertByDomainName(name string, crypto CertCrypto, rec *Record, overwrite bool) (dnMutation, bool, error) {
	key, err := domainKey(name, crypto)
	if err != nil {
		return dnMutation{}, false, err
	}
	prev, had := m.dnMap[key]
	changed, err := m.insertIntoDnMap(key, rec, overwrite)
	return dnMutation{key: key, prev: prev, had: had}, changed, err
}

func (m *Manager) insertIntoDnMap(key DomainKey, rec *Record, overwrite bool) (bool, error) {
	prev, ok := m.dnMap[key]
	if !ok {
		m.dnMap[key] = rec
		return true, nil
	}
	if prev == rec {
		return false, nil
	}
	if overwrite {
		log.Printf("certmgr %s: overwriting %s", m.vip, key.Name)
		m.dnMap[key] = rec
		return true, nil
	}
	if m.strict {
		if !strings.HasPrefix(key.Name, ".") {
			// two certificates claiming the same exact domain can't be
			// disambiguated at handshake time
			return false, &InvariantError{Domain: key.Name, Reason: "domain already claimed by another certificate"}
		}
		return false, &ConfigError{Domain: key.Name, Reason: "wildcard already claimed by another certificate"}
	}
	log.Printf("certmgr %s: %s already claimed, skipping (first certificate wins)", m.vip, key.Name)
	return false, nil
}

// Resolve walks the full policy for a prepared key: exact, one-level
// wildcard, legacy-to-best fallback at both steps, then default, then the
// injected no-match policy. It never fails; absence is an outcome.
func (m *Manager) Resolve(key DomainKey) *Record {
	rec, _ := m.resolve(key)
	return rec
}

func (m *Manager) resolve(key DomainKey) (*Record, MatchInfo) {
	info := MatchInfo{VIP: m.vip, ServerName: key.Name}

	if rec := m.resolveExact(key); rec != nil {
		info.Match, info.Domain = MatchExact, key.Name
		return rec, info
	}
	if sk, ok := suffixKey(key.Name, key.Crypto); ok {
		if rec := m.resolveExact(sk); rec != nil {
			info.Match, info.Domain = MatchWildcard, sk.Name
			return rec, info
		}
	}
	if m.def != nil {
		info.Match, info.Domain = MatchDefault, m.defDomain
		return m.def, info
	}
	if m.noMatch != nil {
		if crt := m.noMatch(key.Name); crt != nil {
			info.Match = MatchFallback
			// transient record, no session state of its own
			return &Record{Cert: crt, conf: &tls.Config{Certificates: []tls.Certificate{*crt}}}, info
		}
	}
	info.Match = MatchNone
	return nil, info
}

// resolveExact tries one key, falling back from the legacy class to the
// best-available entry for the same name.
func (m *Manager) resolveExact(key DomainKey) *Record {
	if rec, ok := m.dnMap[key]; ok {
		return rec
	}
	if key.Crypto != BestAvailable {
		if rec, ok := m.dnMap[DomainKey{Name: key.Name, Crypto: BestAvailable}]; ok {
			return rec
		}
	}
	return nil
}

// ResolveName resolves a lowercase hostname for the best-available class.
func (m *Manager) ResolveName(name string) *Record {
	return m.Resolve(DomainKey{Name: strings.ToLower(name), Crypto: BestAvailable})
}

// Default returns the default record, nil when none was installed.
func (m *Manager) Default() *Record {
	return m.def
}

// GetCertificate plugs into tls.Config.GetCertificate.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	rec, _ := m.lookup(hello)
	if rec == nil {
		return nil, ErrNoCertificate
	}
	return rec.Cert, nil
}

// GetConfigForClient plugs into tls.Config.GetConfigForClient and hands
// the handshake the resolved record's own config, so each certificate
// keeps its own session ticket keys.
func (m *Manager) GetConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	rec, _ := m.lookup(hello)
	if rec == nil {
		return nil, ErrNoCertificate
	}
	return rec.TLSConfig(), nil
}

func (m *Manager) lookup(hello *tls.ClientHelloInfo) (*Record, MatchInfo) {
	name := ""
	if hello != nil {
		name = strings.ToLower(hello.ServerName)
	}

	var rec *Record
	var info MatchInfo
	if name == "" {
		// no SNI extension at all: straight to the default
		info = MatchInfo{VIP: m.vip, Match: MatchNone}
		if m.def != nil {
			rec, info.Match, info.Domain = m.def, MatchDefault, m.defDomain
		}
	} else {
		rec, info = m.resolve(DomainKey{Name: name, Crypto: clientCrypto(hello)})
	}

	if m.stats != nil {
		if hello != nil && hello.Conn != nil {
			info.ClientIP, _, _ = net.SplitHostPort(hello.Conn.RemoteAddr().String())
		}
		m.stats.SNIMatch(info)
	}
	return rec, info
}

// ReloadTicketKeys pushes a new old/current/new seed generation into every
// record. Each record's swap is atomic for concurrent handshakes; the
// rotation across records is not mutually atomic and doesn't need to be.
// An empty current seed list is rejected before any record is touched.
func (m *Manager) ReloadTicketKeys(oldSeeds, currentSeeds, newSeeds []string) error {
	if len(currentSeeds) == 0 {
		return &ConfigError{Reason: "ticket rotation", Err: ticket.ErrNoCurrentSeeds}
	}

	seeds := ticket.Seeds{Old: oldSeeds, Current: currentSeeds, New: newSeeds}
	for _, rec := range m.records {
		if err := rec.rotate(seeds); err != nil {
			return &ConfigError{Reason: "ticket rotation", Err: err}
		}
	}
	log.Printf("certmgr/ReloadTicketKeys %s: %d certificates rotated", m.vip, len(m.records))
	return nil
}

// Len returns the number of installed certificate records.
func (m *Manager) Len() int {
	return len(m.records)
}
