package certmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/HankinHwong/wangle/sessioncache"
)

func genCert(t *testing.T, domains ...string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %s", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domains[0]},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     domains,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %s", err)
	}
	kb, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %s", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb})
	return string(certPEM), string(keyPEM)
}

func addCert(t *testing.T, m *Manager, cfg *CertConfig, domains ...string) error {
	t.Helper()
	c, k := genCert(t, domains...)
	if cfg == nil {
		cfg = &CertConfig{}
	}
	cfg.Cert, cfg.Key = c, k
	return m.AddConfig(cfg, nil, nil, nil)
}

func leafDomain(t *testing.T, rec *Record) string {
	t.Helper()
	if rec == nil {
		t.Fatalf("No record")
	}
	if rec.Cert.Leaf == nil {
		t.Fatalf("No leaf")
	}
	return rec.Cert.Leaf.DNSNames[0]
}

func TestResolvePrecedence(t *testing.T) {
	m := New("vip-test", true)

	// A covers example.com and the one-level wildcard, B the shop
	// subdomain exactly
	if err := addCert(t, m, nil, "example.com", "*.example.com"); err != nil {
		t.Fatalf("A: %s", err)
	}
	if err := addCert(t, m, nil, "shop.example.com"); err != nil {
		t.Fatalf("B: %s", err)
	}

	// exact match wins over the wildcard that also covers it
	rec, info := m.resolve(DomainKey{Name: "shop.example.com", Crypto: BestAvailable})
	if leafDomain(t, rec) != "shop.example.com" || info.Match != MatchExact {
		t.Errorf("shop: %s %+v", leafDomain(t, rec), info)
	}

	rec, info = m.resolve(DomainKey{Name: "api.example.com", Crypto: BestAvailable})
	if leafDomain(t, rec) != "example.com" || info.Match != MatchWildcard {
		t.Errorf("api: %s %+v", leafDomain(t, rec), info)
	}

	// wildcard only reaches one level up
	rec, info = m.resolve(DomainKey{Name: "deep.api.example.com", Crypto: BestAvailable})
	if info.Match != MatchDefault {
		t.Errorf("deep: %+v", info)
	}
	if rec != m.Default() {
		t.Errorf("deep should fall back to the default record")
	}
}

func TestResolveAbsence(t *testing.T) {
	m := New("vip-test", false)

	if rec := m.ResolveName("nothing.example.com"); rec != nil {
		t.Errorf("Expected absence, got %s", leafDomain(t, rec))
	}
	if _, info := m.resolve(DomainKey{Name: "nothing.example.com"}); info.Match != MatchNone {
		t.Errorf("Match: %+v", info)
	}

	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "nothing.example.com"}); err != ErrNoCertificate {
		t.Errorf("Err: %v", err)
	}
}

func TestNoMatchFn(t *testing.T) {
	m := New("vip-test", false)

	c, k := genCert(t, "fallback.example.net")
	crt, err := tls.X509KeyPair([]byte(c), []byte(k))
	if err != nil {
		t.Fatalf("X509KeyPair: %s", err)
	}
	crt.Leaf, _ = x509.ParseCertificate(crt.Certificate[0])

	var asked string
	m.SetNoMatchFn(func(serverName string) *tls.Certificate {
		asked = serverName
		return &crt
	})

	rec, info := m.resolve(DomainKey{Name: "unknown.example.org", Crypto: BestAvailable})
	if info.Match != MatchFallback || leafDomain(t, rec) != "fallback.example.net" {
		t.Errorf("Fallback: %+v", info)
	}
	if asked != "unknown.example.org" {
		t.Errorf("Asked: %s", asked)
	}

	m.SetNoMatchFn(func(string) *tls.Certificate { return nil })
	if rec := m.ResolveName("unknown.example.org"); rec != nil {
		t.Errorf("Expected definitive absence")
	}
}

func TestStrictCollision(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "dup.example.com"); err != nil {
		t.Fatalf("First: %s", err)
	}
	first := m.ResolveName("dup.example.com")

	err := addCert(t, m, nil, "dup.example.com")
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("Expected InvariantError, got %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Records: %d", m.Len())
	}
	if m.ResolveName("dup.example.com") != first {
		t.Errorf("Original mapping must stay intact")
	}
}

func TestStrictWildcardCollision(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "a.example.com", "*.example.com"); err != nil {
		t.Fatalf("First: %s", err)
	}

	err := addCert(t, m, nil, "b.example.com", "*.example.com")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	// the failed insert must roll back everything it added
	if leafDomain(t, m.ResolveName("b.example.com")) != "a.example.com" {
		t.Errorf("b.example.com should fall back to the first certificate")
	}
	if m.Len() != 1 {
		t.Errorf("Records: %d", m.Len())
	}
}

func TestNonStrictCollision(t *testing.T) {
	m := New("vip-test", false)

	if err := addCert(t, m, nil, "dup.example.com"); err != nil {
		t.Fatalf("First: %s", err)
	}
	first := m.ResolveName("dup.example.com")

	if err := addCert(t, m, nil, "dup.example.com"); err != nil {
		t.Fatalf("Second should be a logged no-op: %s", err)
	}
	if m.ResolveName("dup.example.com") != first {
		t.Errorf("First certificate wins in non-strict mode")
	}
}

func TestOverwrite(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "dup.example.com"); err != nil {
		t.Fatalf("First: %s", err)
	}
	if err := addCert(t, m, &CertConfig{Overwrite: true, Domains: []string{"dup.example.com"}}, "other.example.com"); err != nil {
		t.Fatalf("Overwrite: %s", err)
	}
	if leafDomain(t, m.ResolveName("dup.example.com")) != "other.example.com" {
		t.Errorf("Overwrite should replace the mapping")
	}
}

func TestExplicitDefaultWins(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "first.example.com"); err != nil {
		t.Fatalf("A: %s", err)
	}
	if m.defDomain != "first.example.com" {
		t.Errorf("Implicit default: %s", m.defDomain)
	}

	if err := addCert(t, m, &CertConfig{Default: true}, "second.example.com"); err != nil {
		t.Fatalf("B: %s", err)
	}
	if m.defDomain != "second.example.com" || !m.defExplicit {
		t.Errorf("Explicit default must win: %s", m.defDomain)
	}

	// a later explicit claim doesn't displace the first explicit one
	if err := addCert(t, m, &CertConfig{Default: true}, "third.example.com"); err != nil {
		t.Fatalf("C: %s", err)
	}
	if m.defDomain != "second.example.com" {
		t.Errorf("Default moved: %s", m.defDomain)
	}
}

func TestLegacyCryptoFallback(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "legacy.example.com"); err != nil {
		t.Fatalf("Err: %s", err)
	}

	// a legacy client finds the best-available entry when no legacy one
	// exists
	rec := m.Resolve(DomainKey{Name: "legacy.example.com", Crypto: LegacyCrypto})
	if leafDomain(t, rec) != "legacy.example.com" {
		t.Errorf("Fallback to best-available failed")
	}
}

func TestReloadTicketKeys(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "one.example.com"); err != nil {
		t.Fatalf("A: %s", err)
	}
	if err := addCert(t, m, nil, "two.example.com"); err != nil {
		t.Fatalf("B: %s", err)
	}

	// fail closed: nothing touched without current seeds
	if err := m.ReloadTicketKeys([]string{"old"}, nil, []string{"new"}); err == nil {
		t.Fatalf("Expected error on empty current seeds")
	}
	for _, rec := range m.records {
		if rec.Tickets.Keys() != nil {
			t.Errorf("Seeds applied despite rejected rotation")
		}
	}

	if err := m.ReloadTicketKeys([]string{"old"}, []string{"cur"}, []string{"new"}); err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	for _, rec := range m.records {
		keys := rec.Tickets.Keys()
		if len(keys) != 3 {
			t.Errorf("Keys: %d", len(keys))
		}
	}
}

func TestOverwriteRollbackRestoresPrevious(t *testing.T) {
	m := New("vip-test", true)

	if err := addCert(t, m, nil, "dup.example.com"); err != nil {
		t.Fatalf("First: %s", err)
	}
	first := m.ResolveName("dup.example.com")

	// the overwrite lands before the invalid wildcard aborts the insert;
	// the abort must hand dup.example.com back to the first certificate
	err := addCert(t, m, &CertConfig{
		Overwrite: true,
		Domains:   []string{"dup.example.com", "inva*lid.example.com"},
	}, "other.example.com")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}

	if m.ResolveName("dup.example.com") != first {
		t.Errorf("Aborted insert left its record in the index: %s now serves %s",
			"dup.example.com", leafDomain(t, m.ResolveName("dup.example.com")))
	}
	if m.Len() != 1 {
		t.Errorf("Records: %d", m.Len())
	}
	// every reachable record must also be owned (and rotated) by the
	// manager
	for key, rec := range m.dnMap {
		owned := false
		for _, r := range m.records {
			if r == rec {
				owned = true
			}
		}
		if !owned {
			t.Errorf("Index entry %s points at an unowned record", key.Name)
		}
	}
}

// serveTLS accepts handshakes for a manager until the listener closes.
func serveTLS(t *testing.T, m *Manager) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				srv := tls.Server(c, &tls.Config{GetConfigForClient: m.GetConfigForClient})
				srv.Handshake()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// dialResume runs one handshake against addr and reports whether the
// session was resumed.
func dialResume(t *testing.T, addr string, conf *tls.Config) bool {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, conf)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Fatalf("Handshake: %s", err)
	}
	return conn.ConnectionState().DidResume
}

func TestTicketRotationAcrossHandshakes(t *testing.T) {
	m := New("vip-test", true)
	if err := addCert(t, m, nil, "resume.example.com"); err != nil {
		t.Fatalf("Err: %s", err)
	}
	if err := m.ReloadTicketKeys(nil, []string{"seed-a"}, nil); err != nil {
		t.Fatalf("Rotate: %s", err)
	}

	addr := serveTLS(t, m)

	// TLS 1.2 delivers the session ticket inside the handshake
	cliConf := &tls.Config{
		ServerName:         "resume.example.com",
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(8),
		MaxVersion:         tls.VersionTLS12,
	}

	if dialResume(t, addr, cliConf) {
		t.Fatalf("First handshake can't resume")
	}
	if !dialResume(t, addr, cliConf) {
		t.Fatalf("Second handshake should resume")
	}

	// previous generation moves to old: issued tickets still decrypt
	if err := m.ReloadTicketKeys([]string{"seed-a"}, []string{"seed-b"}, nil); err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	if !dialResume(t, addr, cliConf) {
		t.Fatalf("Ticket from the old generation should still resume")
	}

	// seed-a dropped entirely: the ticket is gone for good
	if err := m.ReloadTicketKeys(nil, []string{"seed-c"}, nil); err != nil {
		t.Fatalf("Rotate: %s", err)
	}
	if dialResume(t, addr, cliConf) {
		t.Fatalf("Dropped seeds must not decrypt old tickets")
	}
}

type memProvider struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemProvider() *memProvider {
	return &memProvider{data: make(map[string][]byte)}
}

func (p *memProvider) Store(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
	return nil
}

func (p *memProvider) Load(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	if !ok {
		return nil, sessioncache.ErrCacheKeyNotFound
	}
	return v, nil
}

func (p *memProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, key)
	return nil
}

func TestSharedCacheResumesAcrossServers(t *testing.T) {
	shared := newMemProvider()
	c, k := genCert(t, "resume.example.com")

	// two servers behind one VIP, same certificate and shared store but
	// different ticket seeds, so neither can decrypt the other's tickets
	newServer := func(seed string) *Manager {
		m := New("vip-test", true)
		err := m.AddConfig(&CertConfig{Cert: c, Key: k}, &sessioncache.Options{Context: "vip-test"}, nil, shared)
		if err != nil {
			t.Fatalf("AddConfig: %s", err)
		}
		if err := m.ReloadTicketKeys(nil, []string{seed}, nil); err != nil {
			t.Fatalf("Rotate: %s", err)
		}
		return m
	}
	addr1 := serveTLS(t, newServer("seed-one"))
	addr2 := serveTLS(t, newServer("seed-two"))

	cliConf := &tls.Config{
		ServerName:         "resume.example.com",
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(8),
		MaxVersion:         tls.VersionTLS12,
	}

	if dialResume(t, addr1, cliConf) {
		t.Fatalf("First handshake can't resume")
	}
	if !dialResume(t, addr2, cliConf) {
		t.Fatalf("Shared session cache should resume tickets issued by a peer")
	}
	if len(shared.data) == 0 {
		t.Errorf("Session state never reached the shared store")
	}
}
