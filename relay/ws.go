package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vaultsync/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const subscriberSendBuffer = 16

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out CloudMutated notifications to WebSocket subscribers grouped
// by cloud id. One Hub serves every cloud the relay knows about.
type Hub struct {
	mu   sync.Mutex
	subs map[[32]byte]map[*subscriber]struct{}
}

// NewHub constructs an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[[32]byte]map[*subscriber]struct{})}
}

// ServeWS upgrades the request to a WebSocket and registers it as a
// subscriber for the cloud_id query parameter until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseIDHex(r.URL.Query().Get("cloud_id"))
	if err != nil {
		http.Error(w, "bad cloud_id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberSendBuffer)}
	h.register(id, sub)
	defer h.unregister(id, sub)

	go sub.writePump()
	sub.readPump(id)
}

func (h *Hub) register(id [32]byte, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscriber]struct{})
	}
	h.subs[id][sub] = struct{}{}
}

func (h *Hub) unregister(id [32]byte, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[id], sub)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
	close(sub.send)
	_ = sub.conn.Close()
}

// Broadcast announces a mutated cloud to every current subscriber for id,
// always including both the new count and the stored mutation's hash.
func (h *Hub) Broadcast(id [32]byte, count uint64, txHash [32]byte) {
	frame := core.EncodeResponse(core.Response{
		Kind:        core.ResponseCloudMutated,
		LatestIndex: count,
		TxHash:      txHash,
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[id] {
		select {
		case sub.send <- frame:
		default:
			logrus.WithField("cloud", core.IDHex(id)).Warn("subscriber send buffer full, dropping notification")
		}
	}
}

func (s *subscriber) writePump() {
	for frame := range s.send {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// readPump drains inbound frames until the connection closes. Ping is
// answered with Pong; AuthCloud is accepted and immediately no-op'd, since
// the relay performs no per-cloud authentication of its own.
func (s *subscriber) readPump(id [32]byte) {
	_ = s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		action, err := core.DecodeAction(data)
		if err != nil {
			logrus.WithError(err).Debug("malformed websocket action frame")
			continue
		}
		switch action.Kind {
		case core.ActionPing:
			select {
			case s.send <- core.EncodeResponse(core.Response{Kind: core.ResponsePong}):
			default:
			}
		case core.ActionAuthCloud:
			logrus.WithField("cloud", core.IDHex(id)).Debug("AuthCloud received, no-op")
		default:
			logrus.WithField("kind", action.Kind).Debug("unhandled websocket action")
		}
	}
}
