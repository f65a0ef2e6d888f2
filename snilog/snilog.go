// Package snilog streams one event per SNI resolution over a pub/sub
// socket and counts match outcomes in prometheus. Subscribers (see
// client/) can tail the handshake stream without touching the server.
package snilog

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"nanomsg.org/go/mangos/v2/protocol/pub"

	// register transports
	_ "nanomsg.org/go/mangos/v2/transport/all"

	"github.com/HankinHwong/wangle/certmgr"
)

var (
	listen = "ipc:///tmp/wangle-sni.sock"
	msgCh  = make(chan HandshakeLog, 2)

	m = newMetrics()
)

func init() {
	os.Remove(strings.TrimPrefix(listen, "ipc://"))
	go server()
}

func server() {
	sock, err := pub.NewSocket()
	if err != nil {
		log.Printf("snilog ERROR new: %s", err)
		return
	}

	if err = sock.Listen(listen); err != nil {
		log.Printf("snilog ERROR Listen: %s", err)
		return
	}
	err = os.Chmod(strings.TrimPrefix(listen, "ipc://"), 0770)
	if err != nil {
		log.Printf("snilog Chmod Listen %s", err)
		return
	}
	log.Printf("snilog pubsub Listen %s", listen)

	for {
		err := sock.Send((<-msgCh).MarshalJSON())
		if err != nil {
			log.Printf("snilog ERROR Send: %s", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
	}
}

// HandshakeLog is one SNI resolution event.
type HandshakeLog struct {
	Time       time.Time
	VIP        string
	ClientIP   string
	ServerName string
	Match      string
	Domain     string
}

func (hl HandshakeLog) MarshalJSON() []byte {
	b, _ := json.Marshal(hl)
	return b
}

// Sink implements certmgr.Stats. A handshake never blocks on a slow
// subscriber, events are dropped when the channel is full.
type Sink struct{}

func (s *Sink) SNIMatch(info certmgr.MatchInfo) {
	hl := HandshakeLog{
		Time:       time.Now().UTC(),
		VIP:        info.VIP,
		ClientIP:   info.ClientIP,
		ServerName: info.ServerName,
		Match:      string(info.Match),
		Domain:     info.Domain,
	}
	m.save(hl)
	select {
	case msgCh <- hl:
	default:
	}
}
