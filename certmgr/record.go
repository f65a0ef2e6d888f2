package certmgr

import (
	"crypto/tls"
	"log"

	"github.com/HankinHwong/wangle/sessioncache"
	"github.com/HankinHwong/wangle/ticket"
)

// Record bundles one certificate with the session state that belongs to
// it: a session cache manager and a ticket key manager, both owned 1:1.
// The certificate itself may be reachable from several index entries (a
// multi-SAN cert is inserted once per name), the managers are never
// duplicated per alias.
//
// A Record is immutable after insert except for ticket key rotation,
// which swaps the whole key set of its tls.Config in one call.
type Record struct {
	Cert    *tls.Certificate
	Cache   *sessioncache.Manager
	Tickets *ticket.Manager

	conf *tls.Config
}

func newRecord(cert *tls.Certificate, cache *sessioncache.Manager, tickets *ticket.Manager) *Record {
	r := &Record{
		Cert:    cert,
		Cache:   cache,
		Tickets: tickets,
	}
	r.conf = &tls.Config{
		Certificates: []tls.Certificate{*cert},
	}
	if cache.Shared() {
		r.conf.WrapSession = r.wrapSession
		r.conf.UnwrapSession = r.unwrapSession
	}
	tickets.Apply(r.conf)
	return r
}

// TLSConfig is the per-certificate config handed to the handshake, it
// carries this record's certificate and its current ticket keys.
func (r *Record) TLSConfig() *tls.Config {
	return r.conf
}

// wrapSession issues the ticket under this record's own keys and mirrors
// the session state into the shared cache, so the other servers behind
// the VIP can resume it even though they encrypt under their own keys.
func (r *Record) wrapSession(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	tkt, err := r.conf.EncryptTicket(cs, ss)
	if err != nil {
		return nil, err
	}
	state, err := ss.Bytes()
	if err != nil {
		log.Printf("ERROR certmgr/wrapSession: %s", err)
		return tkt, nil
	}
	r.Cache.Put(tkt, state)
	return tkt, nil
}

// unwrapSession tries this record's own keys first and falls back to the
// shared cache for tickets issued by a peer. A miss is never an error,
// the handshake just continues without resumption.
func (r *Record) unwrapSession(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
	ss, err := r.conf.DecryptTicket(identity, cs)
	if err != nil {
		log.Printf("ERROR certmgr/unwrapSession: %s", err)
	} else if ss != nil {
		return ss, nil
	}

	state, ok := r.Cache.Get(identity)
	if !ok {
		return nil, nil
	}
	ss, err = tls.ParseSessionState(state)
	if err != nil {
		log.Printf("ERROR certmgr/unwrapSession parse: %s", err)
		return nil, nil
	}
	return ss, nil
}

// rotate installs a new seed generation and pushes the derived keys into
// the live tls.Config. SetSessionTicketKeys is safe against concurrent
// handshakes, so a handshake sees either the old or the new generation,
// never a mix.
func (r *Record) rotate(seeds ticket.Seeds) error {
	if err := r.Tickets.SetSeeds(seeds); err != nil {
		return err
	}
	r.Tickets.Apply(r.conf)
	return nil
}
