package reaction

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"multiverse-ripple/internal/eventbus"
	"multiverse-ripple/internal/logging"
)

var upgrader = websocket.Upgrader{
	// The feed is read-only operator tooling.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventFeed streams follow-up events to websocket clients. A client may
// pass ?world_id= to receive a single world only.
type EventFeed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string
	log     *zap.Logger
}

func NewEventFeed(log *zap.Logger) *EventFeed {
	return &EventFeed{
		clients: make(map[*websocket.Conn]string),
		log:     logging.OrNop(log).Named("ws"),
	}
}

func (f *EventFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.clients[conn] = r.URL.Query().Get("world_id")
	f.mu.Unlock()

	// Inbound messages are ignored; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.mu.Lock()
			delete(f.clients, conn)
			f.mu.Unlock()
			f.log.Debug("client disconnected", zap.Error(err))
			return
		}
	}
}

// Publish is a bus handler that broadcasts ev.
func (f *EventFeed) Publish(_ context.Context, ev eventbus.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for client, world := range f.clients {
		if world != "" && world != ev.WorldID {
			continue
		}
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.log.Warn("failed to send message to client", zap.Error(err))
			client.Close()
			delete(f.clients, client)
		}
	}
	return nil
}

// Attach subscribes the feed to topics.
func (f *EventFeed) Attach(bus *eventbus.EventBus, topics ...string) func() {
	var detach []func()
	for _, topic := range topics {
		detach = append(detach, bus.Subscribe(topic, "ws-feed", f.Publish))
	}
	return func() {
		for _, d := range detach {
			d()
		}
	}
}

func (f *EventFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
