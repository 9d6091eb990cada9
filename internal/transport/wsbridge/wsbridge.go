// Package wsbridge relays one scan's event bus over a single websocket
// connection. It is grounded on the teacher's internal/websocket.Hub
// (one active client, register/unregister/broadcast channels driving a
// single select loop), generalized here from "broadcast arbitrary data"
// to "forward typed eventbus.Event values, JSON-encoded, in arrival
// order" per SPEC_FULL.md §6. It demonstrates one outbound subscriber,
// not the Orchestrator's control surface.
package wsbridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BetterCallFirewall/scanorchestrator/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireMessage is the JSON envelope put on the wire for each event.
type wireMessage struct {
	Kind    eventbus.Kind `json:"kind"`
	ScanID  string        `json:"scan_id"`
	At      time.Time     `json:"at"`
	Payload any           `json:"payload"`
}

// Bridge relays Bus events to at most one connected websocket client at a
// time, same shape as the teacher's Hub: a fresh connection displaces
// whatever client was previously attached.
type Bridge struct {
	bus *eventbus.Bus
	log *zap.SugaredLogger

	mu     sync.Mutex
	client *client
}

// New creates a Bridge relaying events published on bus.
func New(bus *eventbus.Bus, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bridge{bus: bus, log: log}
}

type client struct {
	conn *websocket.Conn
	send chan eventbus.Event
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// ServeHTTP upgrades the request to a websocket connection, subscribes it
// to the bus, and relays events until the connection closes. Only one
// client is relayed to at a time; connecting again displaces the current
// client.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnw("wsbridge: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan eventbus.Event, 256)}

	b.mu.Lock()
	if b.client != nil {
		b.client.close()
	}
	b.client = c
	b.mu.Unlock()

	events, unsubscribe := b.bus.Subscribe()

	go b.pump(c, events)
	go b.readLoop(c, unsubscribe)
}

// pump forwards bus events onto the client's send channel until the bus
// subscription or the connection ends, then writes them out as JSON text
// frames. A client too slow to keep up is disconnected rather than
// allowed to stall the bus, matching the bus's own drop-on-full policy.
func (b *Bridge) pump(c *client, events <-chan eventbus.Event) {
	defer c.close()
	for ev := range events {
		select {
		case c.send <- ev:
		default:
			b.log.Warnw("wsbridge: client too slow, dropping connection")
			return
		}
	}
}

// readLoop drains the connection only to detect the client going away,
// same as the teacher's Client.readPump; it never expects inbound
// messages.
func (b *Bridge) readLoop(c *client, unsubscribe func()) {
	defer func() {
		unsubscribe()
		b.mu.Lock()
		if b.client == c {
			b.client = nil
		}
		b.mu.Unlock()
		c.close()
	}()

	go b.writeLoop(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) writeLoop(c *client) {
	for ev := range c.send {
		msg := wireMessage{Kind: ev.Kind, ScanID: string(ev.ScanID), At: ev.At, Payload: ev.Payload}
		data, err := json.Marshal(msg)
		if err != nil {
			b.log.Warnw("wsbridge: marshal event", "kind", ev.Kind, "err", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
