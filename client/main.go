package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"

	// register transports
	_ "nanomsg.org/go/mangos/v2/transport/all"
)

var (
	sniSocket string
	rawJSON   bool
	cli       *client
)

func main() {
	flag.StringVar(&sniSocket, "socket", "ipc:///tmp/wangle-sni.sock", "UNIX socket of the SNI event stream")
	flag.BoolVar(&rawJSON, "json", false, "Print the raw JSON events instead of one line per handshake")
	flag.Parse()

	// All logs messages just to ERROR output
	log.SetOutput(os.Stderr)

	cli = newClient(sniSocket, rawJSON)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatal(err)
	}
	defer watcher.Close()

	err = watcher.Add(strings.Replace(sniSocket, "ipc://", "", 1))
	if err != nil {
		log.Fatal(err)
	}

	startWatcher(watcher)
}

func startWatcher(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				log.Println("modified file:", event.Name)
			}
			cli.reconnect()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Println("error:", err)
			cli.reconnect()
		}
	}
}
