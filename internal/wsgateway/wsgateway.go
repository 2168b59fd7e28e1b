// Package wsgateway exposes the coordinator's event bus over two websocket
// endpoints: one streaming updates for a single job, one streaming
// network-wide change notices. Both send a full snapshot on connect. The job
// stream then forwards each job event as it arrives; the network stream
// answers each network event with a fresh network snapshot.
package wsgateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wisbric/nightowl/internal/eventbus"
	"github.com/wisbric/nightowl/pkg/fabric/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway mounts the job and network websocket routes.
type Gateway struct {
	hub    *eventbus.Hub
	store  *store.Store
	logger *slog.Logger
}

// New builds a Gateway over an already-constructed hub and store.
func New(hub *eventbus.Hub, st *store.Store, logger *slog.Logger) *Gateway {
	return &Gateway{hub: hub, store: st, logger: logger}
}

// Mount registers /ws/jobs/{job_id} and /ws/network on r.
func (g *Gateway) Mount(r chi.Router) {
	r.Get("/ws/jobs/{job_id}", g.handleJobStream)
	r.Get("/ws/network", g.handleNetworkStream)
}

type wireMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (g *Gateway) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := g.store.GetJob(jobID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("wsgateway: upgrading job stream", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := g.hub.SubscribeJob(jobID)
	defer unsubscribe()

	if err := writeJSON(conn, wireMessage{Event: "job_update", Data: job}); err != nil {
		return
	}

	g.pump(conn, events, readJobUpdate)
}

func (g *Gateway) handleNetworkStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("wsgateway: upgrading network stream", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := g.hub.SubscribeNetwork()
	defer unsubscribe()

	if err := writeJSON(conn, wireMessage{Event: "network_update", Data: g.store.NetworkSnapshot()}); err != nil {
		return
	}

	g.pump(conn, events, g.readNetworkUpdate)
}

func readJobUpdate(ev eventbus.Event) wireMessage {
	return wireMessage{Event: string(ev.Kind), Data: ev.Job}
}

func (g *Gateway) readNetworkUpdate(eventbus.Event) wireMessage {
	return wireMessage{Event: "network_update", Data: g.store.NetworkSnapshot()}
}

// pump forwards hub events to the websocket connection until the client
// disconnects, a write fails, or the event channel closes. It also reads
// (and discards) inbound frames so close frames are detected.
func (g *Gateway) pump(conn *websocket.Conn, events <-chan eventbus.Event, render func(eventbus.Event) wireMessage) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, render(ev)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v wireMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
