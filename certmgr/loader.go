package certmgr

import (
	"crypto/tls"
	"crypto/x509"
)

// CertConfig describes one certificate to install: either inline PEM or
// file references, plus the names to index it under.
type CertConfig struct {
	Cert     string // PEM, used when non empty
	Key      string
	CertFile string
	KeyFile  string

	// Extra domains to index besides the ones extracted from the
	// certificate subject and SANs.
	Domains []string

	Default   bool // claim the default slot for this VIP
	Legacy    bool // index under the legacy crypto class
	Overwrite bool // replace colliding index entries instead of failing/skipping
}

// Loader turns a CertConfig into a parsed certificate. The manager never
// touches certificate bytes itself; anything implementing Loader (files,
// a KMS, a test helper) can feed it.
type Loader interface {
	Load(cfg *CertConfig) (*tls.Certificate, error)
}

// PEMLoader loads key pairs from inline PEM or from cert/key files.
type PEMLoader struct{}

func (PEMLoader) Load(cfg *CertConfig) (*tls.Certificate, error) {
	var crt tls.Certificate
	var err error

	if cfg.Cert != "" {
		crt, err = tls.X509KeyPair([]byte(cfg.Cert), []byte(cfg.Key))
	} else {
		crt, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	}
	if err != nil {
		return nil, err
	}

	if crt.Leaf == nil {
		crt.Leaf, err = x509.ParseCertificate(crt.Certificate[0])
		if err != nil {
			return nil, err
		}
	}
	return &crt, nil
}

// certNames collects every name a certificate should be indexed under:
// the configured extras, the subject CN and all SANs, deduplicated.
func certNames(cfg *CertConfig, leaf *x509.Certificate) []string {
	seen := make(map[string]struct{})
	var names []string

	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}

	for _, n := range cfg.Domains {
		add(n)
	}
	if leaf != nil {
		add(leaf.Subject.CommonName)
		for _, n := range leaf.DNSNames {
			add(n)
		}
	}
	return names
}
