package certmgr

import (
	"crypto/tls"
	"strings"
)

// CertCrypto is the capability class a certificate is indexed under. Old
// clients that can't verify SHA-2 signatures get the LegacyCrypto entry
// for a name when one exists, everybody else the BestAvailable one.
type CertCrypto int

const (
	BestAvailable CertCrypto = iota
	LegacyCrypto
)

const wildcardPrefix = "*."

// DomainKey is one entry of the domain index. Name is lowercase; for a
// wildcard pattern "*.example.com" the stored form is ".example.com".
type DomainKey struct {
	Name   string
	Crypto CertCrypto
}

// domainKey builds the index key for a configured name. Wildcard markers
// are only accepted as the complete leftmost label.
func domainKey(name string, crypto CertCrypto) (DomainKey, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DomainKey{}, &ConfigError{Domain: name, Reason: "empty domain name"}
	}

	if i := strings.IndexByte(name, '*'); i >= 0 {
		if i != 0 || !strings.HasPrefix(name, wildcardPrefix) || len(name) <= len(wildcardPrefix) {
			return DomainKey{}, &ConfigError{Domain: name, Reason: "wildcard marker only allowed as leftmost label"}
		}
		if strings.IndexByte(name[1:], '*') >= 0 {
			return DomainKey{}, &ConfigError{Domain: name, Reason: "multiple wildcard markers"}
		}
		// "*.example.com" is indexed as ".example.com"
		return DomainKey{Name: name[1:], Crypto: crypto}, nil
	}

	return DomainKey{Name: name, Crypto: crypto}, nil
}

// suffixKey turns a requested hostname into the wildcard key one level up:
// "a.b.example.com" -> ".b.example.com". ok is false when there is no
// level to strip.
func suffixKey(name string, crypto CertCrypto) (DomainKey, bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return DomainKey{}, false
	}
	return DomainKey{Name: name[i:], Crypto: crypto}, true
}

// clientCrypto classifies the client from its advertised signature schemes.
// No schemes at all means a pre-TLS1.2 client, which can't verify SHA-2.
func clientCrypto(hello *tls.ClientHelloInfo) CertCrypto {
	if hello == nil || len(hello.SignatureSchemes) == 0 {
		return LegacyCrypto
	}
	for _, s := range hello.SignatureSchemes {
		switch s {
		case tls.PKCS1WithSHA256, tls.PKCS1WithSHA384, tls.PKCS1WithSHA512,
			tls.PSSWithSHA256, tls.PSSWithSHA384, tls.PSSWithSHA512,
			tls.ECDSAWithP256AndSHA256, tls.ECDSAWithP384AndSHA384, tls.ECDSAWithP521AndSHA512,
			tls.Ed25519:
			return BestAvailable
		}
	}
	return LegacyCrypto
}
