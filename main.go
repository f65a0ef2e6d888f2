package main

import (
	"flag"
	"log"
	"sync"
	"time"

	"net/http"
	_ "net/http/pprof"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HankinHwong/wangle/tlssrv"
)

const (
	version = "0.1.0"
)

var (
	pprof          bool
	prometheusPort string
	serverConfFile string
	watchConf      bool

	// the config watcher goroutine and main both reach the server
	srvMu  sync.Mutex
	server *tlssrv.SRV
)

func main() {
	flag.StringVar(&serverConfFile, "server", "server.conf", "Config for the server")
	flag.BoolVar(&watchConf, "watch", true, "Reload when the config file changes")
	flag.BoolVar(&pprof, "pprof", false, "Enable pprof in :6060")
	flag.StringVar(&prometheusPort, "prometheusport", ":2112", "Prometheus metrics via HTTP")
	flag.Parse()

	if pprof {
		go func() {
			log.Printf("Starting http/pprof port :6060")
			http.ListenAndServe(":6060", nil)
		}()
	}

	if prometheusPort != "false" {
		go func() {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("Prometheus metrics error: %s", err)
				}
			}()
			http.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(prometheusPort, nil)
		}()
	}

	if watchConf {
		go watchServerConf()
	}

	startOrReload()
}

func startOrReload() {
	log.Printf("Version %s", version)

	srvConf, err := loadServerConf(serverConfFile)
	if err != nil {
		log.Printf("ERROR Server Config: %v", err)
		return
	}

	srvMu.Lock()
	if server != nil {
		srv := server
		srvMu.Unlock()
		if err := srv.Reload(srvConf); err != nil {
			log.Printf("ERROR Reload: %v", err)
		}
		return
	}

	srv, err := tlssrv.New(srvConf)
	if err != nil {
		srvMu.Unlock()
		log.Fatalf("ERROR tlssrv: %v", err)
	}
	server = srv
	srvMu.Unlock()

	srv.Listen()
}

func loadServerConf(file string) (*tlssrv.Config, error) {
	srvConf := &tlssrv.Config{}
	if _, err := toml.DecodeFile(file, srvConf); err != nil {
		return nil, err
	}
	if srvConf.Cache != nil && srvConf.Cache.TTLString != "" {
		var err error
		srvConf.Cache.TTL, err = time.ParseDuration(srvConf.Cache.TTLString)
		if err != nil {
			log.Printf("D: Cache TTL: %s", srvConf.Cache.TTLString)
			return nil, err
		}
	}
	return srvConf, nil
}

func watchServerConf() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("ERROR config watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err = watcher.Add(serverConfFile); err != nil {
		log.Printf("ERROR config watcher %s: %v", serverConfFile, err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				log.Printf("Config modified: %s", event.Name)
				startOrReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR config watcher: %v", err)
		}
	}
}
