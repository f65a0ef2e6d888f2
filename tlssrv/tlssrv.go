// Package tlssrv terminates TLS for one VIP: every listener shares one
// certificate manager, the SNI name of each handshake picks the
// certificate and its session state.
package tlssrv

import (
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/mholt/certmagic"
	"github.com/valyala/fasthttp/reuseport"

	"github.com/HankinHwong/wangle/certmgr"
	"github.com/HankinHwong/wangle/sessioncache"
	"github.com/HankinHwong/wangle/snilog"
	"github.com/HankinHwong/wangle/ticket"
)

type ACMEConfig struct {
	CA      string
	Email   string
	Storage string
}

type Config struct {
	Listen    []string
	ListenTLS []string
	Reuse     bool
	Debug     bool

	VIP           string
	Strict        bool
	EtcdEndpoints []string
	Cache         *sessioncache.Options
	Certs         []*certmgr.CertConfig
	TicketSeeds   *ticket.Seeds

	// ACME enables on-demand certificates for names no installed
	// certificate covers.
	ACME *ACMEConfig

	Handler http.Handler
}

type SRV struct {
	sync.Mutex
	cfg         *Config
	done        chan struct{}
	openSockets []net.Listener
	tlsCfg      *tls.Config
	http        *http.Server

	acme *certmagic.Config
	mgr  *certmgr.Manager
}

func New(cfg *Config) (*SRV, error) {
	s := &SRV{
		done: make(chan struct{}, 1),
		cfg:  cfg,
	}

	if cfg.ACME != nil {
		cache := certmagic.NewCache(certmagic.CacheOptions{
			GetConfigForCert: func(certmagic.Certificate) (certmagic.Config, error) {
				return *s.acme, nil
			},
		})
		s.acme = certmagic.New(cache, certmagic.Config{
			CA:                      cfg.ACME.CA,
			Agreed:                  true,
			Email:                   cfg.ACME.Email,
			Storage:                 &certmagic.FileStorage{Path: cfg.ACME.Storage},
			DisableTLSALPNChallenge: true,
			OnDemand: &certmagic.OnDemandConfig{
				DecisionFunc: func(name string) error {
					log.Printf("[D] tlssrv/certmagic OnDemand: %s", name)
					return nil
				},
			},
		})
	}

	mgr, err := buildManager(cfg)
	if err != nil {
		return nil, err
	}
	s.mgr = mgr

	s.tlsCfg = &tls.Config{
		GetConfigForClient: s.getConfigForClient,
	}

	handler := cfg.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if s.acme != nil {
		handler = s.acme.HTTPChallengeHandler(handler)
	}

	s.http = &http.Server{
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		Handler:           handler,
	}

	return s, nil
}

// buildManager builds a fresh certificate manager from the configuration.
// An InvariantError aborts the build, recoverable config errors skip the
// offending certificate and keep going so a rolling reconfiguration with
// overlapping domain lists still comes up.
func buildManager(cfg *Config) (*certmgr.Manager, error) {
	mgr := certmgr.New(cfg.VIP, cfg.Strict)
	mgr.SetStats(&snilog.Sink{})

	var external sessioncache.Provider
	if len(cfg.EtcdEndpoints) > 0 {
		e, err := sessioncache.NewEtcd(cfg.EtcdEndpoints)
		if err != nil {
			log.Printf("ERROR tlssrv etcd %v: %s", cfg.EtcdEndpoints, err)
		} else {
			external = e
		}
	}

	for _, cc := range cfg.Certs {
		if err := mgr.AddConfig(cc, cfg.Cache, cfg.TicketSeeds, external); err != nil {
			var inv *certmgr.InvariantError
			if errors.As(err, &inv) {
				return nil, err
			}
			log.Printf("ERROR tlssrv/AddConfig: %s", err)
		}
	}
	return mgr, nil
}

// Reload swaps in a manager built from the new configuration. Records of
// the previous manager stay alive until their last handshake releases
// them.
func (s *SRV) Reload(cfg *Config) error {
	mgr, err := buildManager(cfg)
	if err != nil {
		return err
	}
	s.Lock()
	s.cfg = cfg
	s.mgr = mgr
	s.Unlock()
	return nil
}

// RotateTicketKeys pushes a new seed generation into every certificate of
// the running manager.
func (s *SRV) RotateTicketKeys(oldSeeds, currentSeeds, newSeeds []string) error {
	return s.manager().ReloadTicketKeys(oldSeeds, currentSeeds, newSeeds)
}

func (s *SRV) manager() *certmgr.Manager {
	s.Lock()
	defer s.Unlock()
	return s.mgr
}

func (s *SRV) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	conf, err := s.manager().GetConfigForClient(hello)
	if err == nil {
		return conf, nil
	}

	s.Lock()
	acme := s.acme
	s.Unlock()
	if acme == nil || hello.ServerName == "" {
		return nil, err
	}

	crt, aerr := acme.GetCertificate(hello)
	if aerr != nil {
		log.Printf("ERROR tlssrv acme (%s): %s", hello.ServerName, aerr)
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{*crt}}, nil
}

func (s *SRV) runListen(p string, reuse bool) {
	var ln net.Listener
	var err error

	if reuse {
		ln, err = reuseport.Listen("tcp4", p)
	} else {
		ln, err = net.Listen("tcp4", p)
	}

	if err != nil {
		log.Printf("Error listen: %s - %s", p, err)
		return
	}
	s.Lock()
	s.openSockets = append(s.openSockets, ln)
	s.Unlock()
	s.http.Serve(ln)
}

func (s *SRV) runListenTLS(p string, reuse bool) {
	var ln net.Listener
	var err error

	if reuse {
		ln, err = reuseport.Listen("tcp4", p)
	} else {
		ln, err = net.Listen("tcp4", p)
	}

	if err != nil {
		log.Printf("Error listenTLS: %s - %s", p, err)
		return
	}
	tlsLn := tls.NewListener(ln, s.tlsCfg)
	s.Lock()
	s.openSockets = append(s.openSockets, tlsLn)
	s.Unlock()
	s.http.Serve(tlsLn)
}

func (s *SRV) Listen() {
	if s.cfg.Reuse {
		for i := 0; i <= runtime.NumCPU(); i++ {
			for _, p := range s.cfg.Listen {
				log.Printf("tlssrv listen: %s", p)
				go s.runListen(p, true)
			}

			for _, p := range s.cfg.ListenTLS {
				log.Printf("tlssrv listenTLS: %s", p)
				go s.runListenTLS(p, true)
			}
		}
	} else {
		for _, p := range s.cfg.Listen {
			log.Printf("tlssrv listen: %s", p)
			go s.runListen(p, false)
		}

		for _, p := range s.cfg.ListenTLS {
			log.Printf("tlssrv listenTLS: %s", p)
			go s.runListenTLS(p, false)
		}
	}

	<-s.done

	for _, l := range s.openSockets {
		l.Close()
	}
}

func (s *SRV) Stop() {
	s.done <- struct{}{}
}
