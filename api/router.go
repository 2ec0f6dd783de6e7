// Package api provides the REST API for cached values, items and writes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"s7link/logging"
	"s7link/plcman"
	"s7link/s7"
)

// PLCResponse is the JSON response for PLC info.
type PLCResponse struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	Items     int    `json:"items"`
	Error     string `json:"error,omitempty"`
}

// ValueResponse is the JSON response for a cached value.
type ValueResponse struct {
	PLC     string      `json:"plc"`
	Topic   string      `json:"topic"`
	Address string      `json:"address"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value"`
}

// HealthResponse is the JSON structure for PLC health status.
type HealthResponse struct {
	PLC       string      `json:"plc"`
	Online    bool        `json:"online"`
	Status    string      `json:"status"`
	Latency   string      `json:"latency"`
	CPU       *s7.CPUInfo `json:"cpu,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ItemRequest registers a topic.
type ItemRequest struct {
	Topic        string `json:"topic"`
	Address      string `json:"address"`
	ScanInterval string `json:"scan_interval,omitempty"` // Go duration, e.g. "500ms"
	Precision    *int   `json:"precision,omitempty"`
}

// WriteRequest is the JSON request for a write. Either a single topic or
// address with a value, or a batch of address/value pairs.
type WriteRequest struct {
	Topic   string                `json:"topic,omitempty"`
	Address string                `json:"address,omitempty"`
	Value   interface{}           `json:"value"`
	Writes  []plcman.WriteRequest `json:"writes,omitempty"`
}

// WriteResponse is the JSON response after a write.
type WriteResponse struct {
	PLC       string          `json:"plc"`
	Topic     string          `json:"topic,omitempty"`
	Address   string          `json:"address,omitempty"`
	Value     interface{}     `json:"value,omitempty"`
	Success   bool            `json:"success"`
	Results   map[string]bool `json:"results,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// ReadRequest is the JSON request for an on-demand read.
type ReadRequest struct {
	Address string `json:"address"`
}

// ReadResponse is the JSON response of an on-demand read.
type ReadResponse struct {
	PLC       string      `json:"plc"`
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// PollResponse is the JSON response of a forced poll.
type PollResponse struct {
	PLC   string           `json:"plc"`
	Stats plcman.PollStats `json:"stats"`
	Error string           `json:"error,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	manager *plcman.Manager
	hub     *eventHub
}

// NewRouter creates the REST API router. metrics, when non-nil, is served
// on /metrics. The returned cleanup stops the event stream.
func NewRouter(manager *plcman.Manager, metrics http.Handler) (chi.Router, func()) {
	h := &handlers{manager: manager}
	cleanup := h.setupSSE()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/", h.handleListPLCs)
	r.Get("/events", h.handleSSE)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/{plc}", func(r chi.Router) {
		r.Get("/", h.handlePLCDetails)
		r.Get("/health", h.handlePLCHealth)
		r.Get("/values", h.handleAllValues)
		r.Get("/values/{topic}", h.handleSingleValue)
		r.Post("/items", h.handleAddItem)
		r.Delete("/items/{topic}", h.handleRemoveItem)
		r.Post("/write", h.handleWrite)
		r.Post("/read", h.handleRead)
		r.Post("/poll", h.handlePoll)
	})

	return r, cleanup
}

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an operation error to an HTTP status: bad input is the
// caller's fault, anything else is the PLC's.
func statusFor(err error) int {
	switch {
	case errors.Is(err, s7.ErrInvalidAddress), errors.Is(err, s7.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, plcman.ErrPLCNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// coordinator resolves the {plc} parameter, writing a 404 when unknown.
func (h *handlers) coordinator(w http.ResponseWriter, r *http.Request) *plcman.Coordinator {
	c := h.manager.Get(urlParam(r, "plc"))
	if c == nil {
		h.writeError(w, http.StatusNotFound, "PLC not found")
	}
	return c
}

// decodeBody decodes a JSON body keeping numbers as json.Number so integer
// writes are not routed through float64 early.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	return dec.Decode(v)
}

func plcResponse(c *plcman.Coordinator) PLCResponse {
	return PLCResponse{
		Name:      c.Name(),
		Status:    c.Status().String(),
		Connected: c.IsConnected(),
		Running:   c.Running(),
		Items:     len(c.Items()),
		Error:     c.Stats().LastError,
	}
}

func (h *handlers) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	coords := h.manager.List()
	response := make([]PLCResponse, 0, len(coords))
	for _, c := range coords {
		response = append(response, plcResponse(c))
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *handlers) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, c.Diagnostics())
}

func (h *handlers) handlePLCHealth(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	health := c.HealthCheck()
	resp := HealthResponse{
		PLC:       c.Name(),
		Online:    health.OK,
		Status:    c.Status().String(),
		Latency:   health.Latency.String(),
		CPU:       health.CPU,
		Error:     health.Error,
		Timestamp: health.CheckedAt.UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func valueResponse(c *plcman.Coordinator, it plcman.Item, snap *plcman.Snapshot) ValueResponse {
	v, _ := snap.Get(it.Topic)
	return ValueResponse{
		PLC:     c.Name(),
		Topic:   it.Topic,
		Address: it.Address,
		Type:    it.TypeName(),
		Value:   v,
	}
}

func (h *handlers) handleAllValues(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	snap := c.Cache()
	response := make(map[string]ValueResponse)
	for _, it := range c.Items() {
		response[it.Topic] = valueResponse(c, it, snap)
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *handlers) handleSingleValue(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	it, ok := c.Item(urlParam(r, "topic"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	h.writeJSON(w, http.StatusOK, valueResponse(c, it, c.Cache()))
}

func (h *handlers) handleAddItem(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	var req ItemRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	var interval time.Duration
	if req.ScanInterval != "" {
		d, err := time.ParseDuration(req.ScanInterval)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid scan_interval: "+err.Error())
			return
		}
		interval = d
	}

	if err := c.RegisterItem(req.Topic, req.Address, interval, req.Precision); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	logging.DebugLog("api", "registered %s/%s -> %s", c.Name(), req.Topic, req.Address)

	it, _ := c.Item(req.Topic)
	h.writeJSON(w, http.StatusCreated, it)
}

func (h *handlers) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}
	if !c.UnregisterItem(urlParam(r, "topic")) {
		h.writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	var req WriteRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{
		PLC:       c.Name(),
		Topic:     req.Topic,
		Address:   req.Address,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if len(req.Writes) > 0 {
		resp.Results = c.WriteMulti(req.Writes)
		resp.Success = true
		for _, ok := range resp.Results {
			resp.Success = resp.Success && ok
		}
		status := http.StatusOK
		if !resp.Success {
			status = http.StatusBadGateway
			resp.Error = "one or more writes failed"
		}
		h.writeJSON(w, status, resp)
		return
	}

	address := req.Address
	if address == "" {
		it, ok := c.Item(req.Topic)
		if !ok {
			resp.Error = "topic or address required"
			if req.Topic != "" {
				resp.Error = "topic not found"
				h.writeJSON(w, http.StatusNotFound, resp)
				return
			}
			h.writeJSON(w, http.StatusBadRequest, resp)
			return
		}
		address = it.Address
		resp.Address = address
	}

	ok, err := c.WriteValue(address, req.Value)
	switch {
	case err != nil:
		resp.Error = err.Error()
		h.writeJSON(w, statusFor(err), resp)
	case !ok:
		resp.Error = "write failed"
		h.writeJSON(w, http.StatusBadGateway, resp)
	default:
		resp.Success = true
		h.writeJSON(w, http.StatusOK, resp)
	}
}

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	var req ReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	v, err := c.Read(req.Address)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ReadResponse{
		PLC:       c.Name(),
		Address:   req.Address,
		Type:      plcman.Item{Address: req.Address}.TypeName(),
		Value:     v,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handlePoll(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w, r)
	if c == nil {
		return
	}

	err := c.Poll(r.Context())
	resp := PollResponse{PLC: c.Name(), Stats: c.Stats()}
	if err != nil {
		resp.Error = err.Error()
		h.writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
