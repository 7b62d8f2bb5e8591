package main

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/proxy"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// Caller-facing headers.
const (
	headerAPIKey  = "X-API-Key"
	headerProfile = "X-Client"

	headerOverrideProvider = "X-Reliapi-Provider"
	headerOverrideModel    = "X-Reliapi-Model"
	headerOverrideDecision = "X-Reliapi-Decision"
	headerOverrideRoute    = "X-Reliapi-Route"
	headerOverrideReason   = "X-Reliapi-Reason"
)

type server struct {
	engine *proxy.Engine
	logger *observability.Logger
	health *healthLimiter
}

func newRouter(engine *proxy.Engine, logger *observability.Logger) http.Handler {
	s := &server{
		engine: engine,
		logger: logger,
		health: newHealthLimiter(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /proxy/http", s.handleProxyHTTP)
	mux.HandleFunc("POST /proxy/llm", s.handleProxyLLM)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleHealth)
	mux.HandleFunc("GET /livez", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observability.RequestIDMiddleware(mux)
}

func (s *server) handleProxyHTTP(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req proxy.HTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, reliapierr.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	env := s.engine.ProxyHTTP(r.Context(), caller, req)
	writeMetaHeaders(w, env.Meta)
	s.writeJSON(w, r, env.HTTPStatus(), env)
}

func (s *server) handleProxyLLM(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req proxy.LLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, reliapierr.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	ov := overridesFrom(r)
	echoOverrides(w, ov)

	if req.Stream {
		if err := s.engine.ProxyLLMStream(r.Context(), caller, req, ov, w); err != nil {
			s.writeError(w, r, err)
		}
		return
	}

	env := s.engine.ProxyLLM(r.Context(), caller, req, ov)
	writeMetaHeaders(w, env.Meta)
	s.writeJSON(w, r, env.HTTPStatus(), env)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.health.allow(r.RemoteAddr) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// authenticate resolves the API key; a failure writes the 401 envelope.
func (s *server) authenticate(w http.ResponseWriter, r *http.Request) (*proxy.Caller, bool) {
	caller, err := s.engine.ResolveCaller(r.Header.Get(headerAPIKey), r.Header.Get(headerProfile))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return caller, true
}

func overridesFrom(r *http.Request) proxy.Overrides {
	return proxy.Overrides{
		Provider:   r.Header.Get(headerOverrideProvider),
		Model:      r.Header.Get(headerOverrideModel),
		DecisionID: r.Header.Get(headerOverrideDecision),
		Route:      r.Header.Get(headerOverrideRoute),
		Reason:     r.Header.Get(headerOverrideReason),
	}
}

// echoOverrides reflects the supplied routing overrides so callers can
// correlate responses with their routing decisions.
func echoOverrides(w http.ResponseWriter, ov proxy.Overrides) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set(headerOverrideProvider, ov.Provider)
	set(headerOverrideModel, ov.Model)
	set(headerOverrideDecision, ov.DecisionID)
	set(headerOverrideRoute, ov.Route)
	set(headerOverrideReason, ov.Reason)
}

func writeMetaHeaders(w http.ResponseWriter, meta proxy.Meta) {
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%t", meta.CacheHit))
	w.Header().Set("X-Retries", fmt.Sprintf("%d", meta.Retries))
	w.Header().Set("X-Duration-MS", fmt.Sprintf("%.2f", meta.DurationMS))
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err *reliapierr.Error) {
	env := &proxy.Envelope{
		Error: err,
		Meta:  proxy.Meta{RequestID: observability.RequestIDFromContext(r.Context())},
	}
	s.writeJSON(w, r, env.HTTPStatus(), env)
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithRequestID(r.Context()).Error("write response", "error", err)
	}
}
