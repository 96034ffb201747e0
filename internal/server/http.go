package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/config"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/pipeline"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
	"github.com/duderayuh/EMSInsights-sub001/internal/stream"
)

// Pipeline is the part of the coordinator the API exposes.
type Pipeline interface {
	HandleTranscript(ctx context.Context, tr conversation.Transcript) (*conversation.Conversation, error)
	HandleTranscripts(ctx context.Context, batch []conversation.Transcript) pipeline.BatchResult
	HandleDispatch(ctx context.Context, ev incident.DispatchEvent) (*incident.Incident, error)
	CompleteConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	MarkAtFacility(ctx context.Context, id int64) (incident.Incident, error)
	CompleteIncident(ctx context.Context, id int64) (incident.Incident, error)
	Conversation(ctx context.Context, id string) (*conversation.Conversation, *signal.Result, error)
	Conversations() []*conversation.Conversation
	Incident(ctx context.Context, id int64) (incident.Incident, error)
	Incidents() []incident.Incident
	GetStats() pipeline.Stats
}

// Streams reports the per-channel workers.
type Streams interface {
	GetActiveSessionCount() int
	GetAllSessions() []stream.SessionInfo
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// HTTPDeps holds what the API reads from. UDP, Hub and Gatherer may be nil.
type HTTPDeps struct {
	Config   *config.Config
	Pipeline Pipeline
	Streams  Streams
	UDP      *UDPServer
	Hub      *Hub
	Gatherer prometheus.Gatherer
	// Stats adds named sections to /stats
	Stats map[string]func() any
}

// HTTPServer provides the REST API, health and monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	deps    HTTPDeps
	logger  zerolog.Logger
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, deps HTTPDeps, logger zerolog.Logger, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		deps:      deps,
		logger:    logger.With().Str("component", "http").Logger(),
		metrics:   m,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     h.Routes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return h
}

// Routes builds the router
func (h *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/streams", h.withMetrics("/streams", h.handleStreams))

	if h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	if h.deps.Hub != nil {
		r.Handle("/ws/events", h.deps.Hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/conversations", h.withMetrics("/api/v1/conversations", h.handleListConversations))
		r.Get("/conversations/{id}", h.withMetrics("/api/v1/conversations/{id}", h.handleGetConversation))
		r.Post("/conversations/{id}/complete", h.withMetrics("/api/v1/conversations/{id}/complete", h.handleCompleteConversation))

		r.Get("/incidents", h.withMetrics("/api/v1/incidents", h.handleListIncidents))
		r.Get("/incidents/{id}", h.withMetrics("/api/v1/incidents/{id}", h.handleGetIncident))
		r.Post("/incidents/{id}/at-facility", h.withMetrics("/api/v1/incidents/{id}/at-facility", h.handleAtFacility))
		r.Post("/incidents/{id}/complete", h.withMetrics("/api/v1/incidents/{id}/complete", h.handleCompleteIncident))

		r.Post("/transcripts", h.withMetrics("/api/v1/transcripts", h.handleTranscripts))
		r.Post("/dispatch", h.withMetrics("/api/v1/dispatch", h.handleDispatch))
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		handler(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())
		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info().Str("address", h.server.Addr).Msg("starting HTTP API server")

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info().Msg("stopping HTTP API server")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, incident.ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrInvalidTranscript):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"pipeline": map[string]any{"status": "running"},
	}
	if h.deps.Streams != nil {
		components["streams"] = map[string]any{
			"status":         "running",
			"active_streams": h.deps.Streams.GetActiveSessionCount(),
		}
	}
	if h.deps.UDP != nil {
		components["udp"] = map[string]any{"status": "running", "sources": len(h.deps.UDP.GetStatistics())}
	}
	if h.deps.Hub != nil {
		components["ws"] = map[string]any{"status": "running", "clients": h.deps.Hub.ClientCount()}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"service":    map[string]any{"name": "ems-radio-service", "version": "1.0.0"},
		"components": components,
	})
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"pipeline":  h.deps.Pipeline.GetStats(),
	}
	if h.deps.Streams != nil {
		stats["streams"] = map[string]any{"active_count": h.deps.Streams.GetActiveSessionCount()}
	}
	if h.deps.UDP != nil {
		stats["udp"] = h.deps.UDP.GetStatistics()
	}
	for name, fn := range h.deps.Stats {
		stats[name] = fn()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Config == nil {
		writeError(w, http.StatusNotFound, "configuration not available")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Config.Sanitized())
}

func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if h.deps.Streams == nil {
		writeJSON(w, http.StatusOK, map[string]any{"total_streams": 0, "streams": []stream.SessionInfo{}})
		return
	}
	sessions := h.deps.Streams.GetAllSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(sessions),
		"timestamp":     time.Now().UTC(),
		"streams":       sessions,
	})
}

func (h *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs := h.deps.Pipeline.Conversations()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := convs[:0]
		for _, c := range convs {
			if string(c.Status) == status {
				filtered = append(filtered, c)
			}
		}
		convs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(convs), "conversations": convs})
}

func (h *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, res, err := h.deps.Pipeline.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "signal": res})
}

func (h *HTTPServer) handleCompleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.deps.Pipeline.CompleteConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *HTTPServer) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs := h.deps.Pipeline.Incidents()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := incs[:0]
		for _, inc := range incs {
			if string(inc.Status) == status {
				filtered = append(filtered, inc)
			}
		}
		incs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(incs), "incidents": incs})
}

func incidentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return 0, false
	}
	return id, true
}

func (h *HTTPServer) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	inc, err := h.deps.Pipeline.Incident(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *HTTPServer) handleAtFacility(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	inc, err := h.deps.Pipeline.MarkAtFacility(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *HTTPServer) handleCompleteIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentID(w, r)
	if !ok {
		return
	}
	inc, err := h.deps.Pipeline.CompleteIncident(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleTranscripts accepts one transcript object or an array of them. Array
// items are decoded one by one so a malformed item only fails itself.
func (h *HTTPServer) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var items []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			writeError(w, http.StatusBadRequest, "invalid transcript batch")
			return
		}
	} else {
		var tr conversation.Transcript
		if err := json.Unmarshal(raw, &tr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid transcript")
			return
		}
		items = []json.RawMessage{raw}
	}

	var decodeErrs []pipeline.ItemError
	batch := make([]conversation.Transcript, 0, len(items))
	positions := make([]int, 0, len(items))
	for i, item := range items {
		var tr conversation.Transcript
		if err := json.Unmarshal(item, &tr); err != nil {
			decodeErrs = append(decodeErrs, pipeline.ItemError{Index: i, SegmentID: segmentIDOf(item), Error: "invalid transcript: " + err.Error()})
			continue
		}
		batch = append(batch, tr)
		positions = append(positions, i)
	}

	result := h.deps.Pipeline.HandleTranscripts(r.Context(), batch)
	for i := range result.Errors {
		result.Errors[i].Index = positions[result.Errors[i].Index]
	}
	if len(decodeErrs) > 0 {
		result.Failed += len(decodeErrs)
		result.Errors = append(result.Errors, decodeErrs...)
		sort.Slice(result.Errors, func(a, b int) bool { return result.Errors[a].Index < result.Errors[b].Index })
	}

	status := http.StatusOK
	switch {
	case result.Applied == 0 && result.Parked == 0 && result.Failed > 0:
		status = http.StatusBadRequest
	case result.Applied == 0 && result.Parked > 0:
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// segmentIDOf recovers the segment id of an item that failed to decode, if it has one.
func segmentIDOf(item json.RawMessage) string {
	var head struct {
		SegmentID any `json:"segmentId"`
	}
	if err := json.Unmarshal(item, &head); err != nil {
		return ""
	}
	if id, ok := head.SegmentID.(string); ok {
		return id
	}
	return ""
}

type dispatchRequest struct {
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

func (h *HTTPServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev := incident.DispatchEvent{Text: req.Text, Time: time.Now().UTC(), Address: req.Address}
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "timestamp must be RFC3339")
			return
		}
		ev.Time = t
	}
	if req.Latitude != nil && req.Longitude != nil {
		ev.Location = &distance.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	inc, err := h.deps.Pipeline.HandleDispatch(r.Context(), ev)
	switch {
	case errors.Is(err, pipeline.ErrNoUnit):
		writeJSON(w, http.StatusAccepted, map[string]any{"created": false, "reason": err.Error()})
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"created": true, "incident": inc})
	}
}
