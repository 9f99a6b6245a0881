package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"collab-drawer/pkg/ot"
	"collab-drawer/pkg/room"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ExerciseState is the in-memory exercise state read by the REST API.
type ExerciseState interface {
	History(exerciseID int) []ot.Operation
	CurrentText(exerciseID int, elementID, partID string) string
	LastSequence(exerciseID int) int
	ClearHistory(exerciseID int)
}

// OperationLister reads back the operation log.
type OperationLister interface {
	ListOperations(ctx context.Context, exerciseID, since int) ([]ot.Operation, error)
}

// Options configures the connection handlers.
type Options struct {
	// AllowedOrigins restricts websocket upgrades. Empty allows all.
	AllowedOrigins []string
	Client         room.ClientOptions
}

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	dispatcher *Dispatcher
	registry   *room.Registry
	state      ExerciseState
	oplog      OperationLister
	upgrader   websocket.Upgrader
	clientOpts room.ClientOptions
}

// NewHandlers creates a new handlers instance. oplog may be nil when
// persistence is disabled.
func NewHandlers(d *Dispatcher, reg *room.Registry, state ExerciseState, oplog OperationLister, opts Options) *Handlers {
	h := &Handlers{
		dispatcher: d,
		registry:   reg,
		state:      state,
		oplog:      oplog,
		clientOpts: opts.Client,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Every inbound message goes through the dispatcher in arrival order.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := room.NewClient(uuid.New().String(), conn, h.clientOpts)
	h.registry.Register(client)

	go client.WritePump()
	go client.ReadPump(
		func(message []byte) {
			if err := h.dispatcher.OnMessage(message, client); err != nil {
				log.Printf("Message from %s not processed: %v", client.ID(), err)
			}
		},
		func() { h.registry.Unregister(client) },
	)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
