package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"s7link/logging"
	"s7link/plcman"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
	eventHealth       = "health"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	PLC   string // set when event is PLC-specific (for filtering)
	Topic string // set when event is topic-specific (for filtering)
	Data  interface{}
}

// apiStatusUpdate is the JSON payload for status-change events.
type apiStatusUpdate struct {
	PLC       string `json:"plc"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// apiHealthUpdate is the JSON payload for health events.
type apiHealthUpdate struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Latency   string `json:"latency"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api", "sse client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues event for every client, dropping it when the hub is
// backed up.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "sse broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// csvSet parses a comma separated query value into a set, nil when empty.
func csvSet(v string) map[string]bool {
	if v == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// accepts reports whether event passes the type, PLC and topic filters.
// PLC and topic filters only apply to events that carry those fields.
func accepts(event sseEvent, types, plcs, topics map[string]bool) bool {
	if types != nil && !types[event.Type] {
		return false
	}
	if plcs != nil && event.PLC != "" && !plcs[event.PLC] {
		return false
	}
	if topics != nil && event.Topic != "" && !topics[event.Topic] {
		return false
	}
	return true
}

// handleSSE serves the /events SSE endpoint. Query parameters types, plc
// and topics take comma separated filters.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	types := csvSet(q.Get("types"))
	plcs := csvSet(q.Get("plc"))
	topics := csvSet(q.Get("topics"))

	client := &apiSSEClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "event stream stopped", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if !accepts(event, types, plcs, topics) {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE starts the hub and feeds it from the manager. Returns a cleanup
// function that removes the listener and stops the hub.
func (h *handlers) setupSSE() func() {
	h.hub = newEventHub()

	var mu sync.Mutex
	connected := make(map[string]bool)

	id := h.manager.AddListener(func(u plcman.Update) {
		for _, ch := range u.Changes {
			h.hub.Broadcast(sseEvent{
				Type:  eventValueChange,
				PLC:   ch.PLCName,
				Topic: ch.Topic,
				Data:  ch,
			})
		}

		mu.Lock()
		was, seen := connected[u.PLC]
		connected[u.PLC] = u.Connected
		mu.Unlock()
		if seen && was == u.Connected {
			return
		}

		status := apiStatusUpdate{PLC: u.PLC, Connected: u.Connected, Status: "disconnected"}
		if u.Connected {
			status.Status = "connected"
		}
		if u.Err != nil {
			status.Error = u.Err.Error()
		}
		h.hub.Broadcast(sseEvent{Type: eventStatusChange, PLC: u.PLC, Data: status})
	})

	go h.pollHealth()

	return func() {
		h.manager.RemoveListener(id)
		h.hub.Stop()
	}
}

// pollHealth broadcasts the last health check of every PLC on a 10s ticker.
func (h *handlers) pollHealth() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			for _, c := range h.manager.List() {
				health := c.LastHealth()
				if health.CheckedAt.IsZero() {
					continue
				}
				h.hub.Broadcast(sseEvent{
					Type: eventHealth,
					PLC:  c.Name(),
					Data: apiHealthUpdate{
						PLC:       c.Name(),
						Online:    health.OK,
						Latency:   health.Latency.String(),
						Error:     health.Error,
						Timestamp: health.CheckedAt.UTC().Format(time.RFC3339),
					},
				})
			}
		}
	}
}
