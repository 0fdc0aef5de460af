// Package httpapi exposes the capability registry over HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/agentmesh/internal/domain"
	"github.com/agentmesh/agentmesh/internal/domain/registry"
)

// defaultHealthTimeout applies when check_agent_health is called without a
// timeout parameter.
const defaultHealthTimeout = 60 * time.Second

// Metrics receives registry-level events. A nil implementation is allowed.
type Metrics interface {
	AgentRegistered(name string)
	HeartbeatReceived(name string)
}

// Handlers holds the registry HTTP handlers.
type Handlers struct {
	reg     *registry.Registry
	metrics Metrics
}

// NewHandlers creates the handler set. metrics may be nil.
func NewHandlers(reg *registry.Registry, metrics Metrics) *Handlers {
	return &Handlers{reg: reg, metrics: metrics}
}

// NewRouter builds the registry router with middleware applied.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)

	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/unregister", h.Unregister)
	r.Get("/get_capabilities/{agent_name}", h.GetCapabilities)
	r.Get("/list_agents", h.ListAgents)
	r.Get("/check_agent_health", h.CheckAgentHealth)

	return otelhttp.NewHandler(r, "registry")
}

type registerRequest struct {
	AgentName    string   `json:"agent_name"`
	Capabilities []string `json:"capabilities"`
}

type agentNameRequest struct {
	AgentName string `json:"agent_name"`
}

// Register records an agent and its capabilities, replacing any previous
// registration under the same name.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerRequest](w, r)
	if !ok {
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}
	if req.Capabilities == nil {
		writeError(w, http.StatusBadRequest, "capabilities is required")
		return
	}

	h.reg.Register(req.AgentName, req.Capabilities)
	if h.metrics != nil {
		h.metrics.AgentRegistered(req.AgentName)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "registered",
		"agent_name": req.AgentName,
	})
}

// Heartbeat refreshes an agent's liveness timestamp. A heartbeat for an
// unknown agent succeeds without registering it.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agentNameRequest](w, r)
	if !ok {
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	h.reg.Heartbeat(req.AgentName)
	if h.metrics != nil {
		h.metrics.HeartbeatReceived(req.AgentName)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Unregister removes an agent. Unknown names succeed.
func (h *Handlers) Unregister(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agentNameRequest](w, r)
	if !ok {
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	h.reg.Unregister(req.AgentName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

// GetCapabilities returns the capability list of one agent.
func (h *Handlers) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "agent_name")
	caps, err := h.reg.GetCapabilities(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_name": name, "capabilities": caps})
}

// ListAgents returns the raw name-to-capabilities mapping of every
// registered agent.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.ListAgents())
}

// CheckAgentHealth returns the agents whose last heartbeat is older than
// the timeout query parameter, given in seconds.
func (h *Handlers) CheckAgentHealth(w http.ResponseWriter, r *http.Request) {
	timeout := defaultHealthTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive number of seconds")
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	unhealthy := h.reg.CheckHealth(timeout)
	writeJSON(w, http.StatusOK, map[string]any{"unhealthy_agents": unhealthy})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
