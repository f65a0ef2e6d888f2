package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mangos "nanomsg.org/go/mangos/v2"
	"nanomsg.org/go/mangos/v2/protocol"
	"nanomsg.org/go/mangos/v2/protocol/sub"
)

// handshakeEvent mirrors snilog.HandshakeLog on the wire.
type handshakeEvent struct {
	Time       time.Time
	VIP        string
	ClientIP   string
	ServerName string
	Match      string
	Domain     string
}

// String renders one resolution per line: when and where, what the
// client asked for, and which index entry answered.
func (ev handshakeEvent) String() string {
	return fmt.Sprintf("%s %s %s sni=%s match=%s cert=%s",
		ev.Time.Format(time.RFC3339),
		ev.VIP,
		orDash(ev.ClientIP),
		orDash(ev.ServerName),
		ev.Match,
		orDash(ev.Domain),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type client struct {
	name    string
	rawJSON bool
	sock    protocol.Socket
}

func newClient(name string, rawJSON bool) *client {
	c := &client{
		name:    name,
		rawJSON: rawJSON,
	}
	c.connect()
	return c
}

func (c *client) connect() {
	for {
		err := c.realconnect()
		if err == nil {
			go c.listen()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c *client) realconnect() (err error) {
	c.sock, err = sub.NewSocket()
	if err != nil {
		log.Printf("can't get new sub socket: %s", err)
		return
	}

	if err = c.sock.Dial(c.name); err != nil {
		log.Printf("ERROR Dial %s: %s", c.name, err)
		return
	}

	err = c.sock.SetOption(mangos.OptionSubscribe, []byte{})
	if err != nil {
		log.Printf("cannot subscribe: %v", err)
		c.sock.Close()
		return
	}
	return
}

func (c *client) reconnect() {
	c.sock.Close()
	c.connect()
}

func (c *client) listen() {
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			if err != mangos.ErrClosed {
				log.Printf("Error: %s", err)
			}
			return
		}

		if c.rawJSON {
			fmt.Println(string(msg))
			continue
		}

		var ev handshakeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("ERROR decode: %s", err)
			continue
		}
		fmt.Println(ev.String())
	}
}

func (c *client) Done() {
	c.sock.Close()
}
