// Package httpapi serves the Twilio webhooks, the media stream endpoint and
// the operational routes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/callsystem"
	"github.com/agentplexus/callbridge/internal/metrics"
)

// CallSystem answers Twilio's call webhooks.
type CallSystem interface {
	IncomingTwiML() (string, error)
	HandleStatusCallback(ctx context.Context, callSID, status string)
	ActiveCalls() []*callsystem.Call
}

// StreamHandler serves Media Streams websockets.
type StreamHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request) error
	StreamCount() int
}

// Calls lists the calls with registered contexts.
type Calls interface {
	CallIDs() []string
}

// ClaimLister reports tickets the dispatcher has claimed.
type ClaimLister interface {
	Claimed(ctx context.Context) ([]string, error)
}

// Deps are the collaborators the routes serve.
type Deps struct {
	Calls      CallSystem
	Streams    StreamHandler
	Registry   Calls
	Dispatcher ClaimLister // optional
	// Checks are reported by /health, e.g. whether credentials are present.
	Checks map[string]bool
	// Gatherer backs /metrics; nil disables the route.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

// Server is the HTTP surface of the bridge.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates the server.
func New(deps Deps, logger *zap.Logger, collector *metrics.Collector) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Server{
		deps:    deps,
		logger:  logger.With(zap.String("component", "httpapi")),
		metrics: collector,
		now:     time.Now,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /twilio/incoming", s.handleIncoming)
	mux.HandleFunc("POST /twilio/status", s.handleCallStatus)
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)
	if s.deps.Gatherer != nil {
		mux.Handle("GET "+s.deps.MetricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger, s.metrics),
	)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.logger.Warn("unexpected request to root endpoint", zap.String("method", r.Method))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "Method Not Allowed, use /twilio/incoming for POST requests",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "callbridge active",
		"version":      callbridge.Version,
		"timestamp":    s.now().Format(time.RFC3339),
		"active_calls": len(s.deps.Registry.CallIDs()),
		"endpoints": map[string]string{
			"health":          "/health",
			"status":          "/status",
			"twilio_incoming": "/twilio/incoming",
			"twilio_status":   "/twilio/status",
			"media_stream":    "/media-stream",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":       "healthy",
		"timestamp":    s.now().Format(time.RFC3339),
		"active_calls": len(s.deps.Registry.CallIDs()),
	}
	for name, ok := range s.deps.Checks {
		body[name] = ok
	}
	writeJSON(w, http.StatusOK, body)
}

type callStatus struct {
	CallSID  string `json:"call_sid"`
	To       string `json:"to"`
	Status   string `json:"status"`
	TicketID string `json:"ticket_id,omitempty"`
	Started  string `json:"started"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	calls := s.deps.Calls.ActiveCalls()
	placed := make([]callStatus, 0, len(calls))
	for _, c := range calls {
		placed = append(placed, callStatus{
			CallSID:  c.ID(),
			To:       c.To(),
			Status:   c.Status(),
			TicketID: c.TicketID(),
			Started:  c.StartTime().Format(time.RFC3339),
		})
	}

	processed := []string{}
	if s.deps.Dispatcher != nil {
		ids, err := s.deps.Dispatcher.Claimed(r.Context())
		if err != nil {
			s.logger.Warn("failed to list claimed tickets", zap.Error(err))
		} else if ids != nil {
			processed = ids
		}
	}

	ids := s.deps.Registry.CallIDs()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_calls":      len(ids),
		"call_ids":          ids,
		"calls":             placed,
		"media_streams":     s.deps.Streams.StreamCount(),
		"processed_tickets": processed,
		"timestamp":         s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleIncoming(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.deps.Calls.IncomingTwiML()
	if err != nil {
		s.logger.Error("failed to generate TwiML", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate TwiML"})
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form"})
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if callSID == "" || status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "CallSid and CallStatus are required"})
		return
	}

	s.deps.Calls.HandleStatusCallback(r.Context(), callSID, status)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Streams.HandleWebSocket(w, r); err != nil {
		s.logger.Warn("media stream upgrade failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
