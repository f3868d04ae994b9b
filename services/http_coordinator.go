package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cablelabs/safe/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// maxRequestBytes bounds a request body.
const maxRequestBytes = 16 << 20

// CoordinatorHandler serves the coordinator RPCs over HTTP. Every RPC is a
// POST of a JSON body to /<operation>.
type CoordinatorHandler struct {
	coord   *protocol.Coordinator
	auth    *NamespaceAuth
	metrics *Metrics
	log     *slog.Logger
}

// CoordinatorHandlerConfig configures a CoordinatorHandler.
type CoordinatorHandlerConfig struct {
	// Auth enables namespace authentication when set.
	Auth *NamespaceAuth

	// Metrics observes request latencies when set.
	Metrics *Metrics

	Log *slog.Logger
}

// NewCoordinatorHandler creates the HTTP surface of coord.
func NewCoordinatorHandler(coord *protocol.Coordinator, cfg *CoordinatorHandlerConfig) *CoordinatorHandler {
	if cfg == nil {
		cfg = &CoordinatorHandlerConfig{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &CoordinatorHandler{
		coord:   coord,
		auth:    cfg.Auth,
		metrics: cfg.Metrics,
		log:     log,
	}
}

// RegisterRoutes registers the coordinator routes.
func (h *CoordinatorHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		if h.metrics != nil {
			r.Use(h.metrics.Middleware)
		}

		r.Post("/register", handle(h, h.coord.Register))
		r.Post("/registrations", handle(h, h.coord.Registrations))
		r.Post("/post_aggregate", handle(h, ack(h.coord.PostAggregate)))
		r.Post("/check_aggregate", handle(h, h.coord.CheckAggregate))
		r.Post("/get_aggregate", handle(h, h.coord.GetAggregate))
		r.Post("/post_average", handle(h, ack(h.coord.PostAverage)))
		r.Post("/get_average", handle(h, h.coord.GetAverage))
		r.Post("/should_initiate", handle(h, h.coord.ShouldInitiate))
		r.Post("/init_weights", handle(h, ack(h.coord.InitWeights)))
		r.Post("/post_weights", handle(h, h.coord.PostWeights))
		r.Post("/post_secret", handle(h, h.coord.PostSecret))
		r.Post("/post_reveal_secret", handle(h, h.coord.PostRevealSecret))
		r.Post("/get_weights", handle(h, h.coord.GetWeights))
		r.Post("/update_model", handle(h, h.coord.UpdateModel))
		r.Post("/clear_data", handle(h, ack(h.coord.ClearData)))
		r.Get("/check_progress", h.handleCheckProgress)
	})
}

// request is implemented by every coordinator request.
type request interface {
	Validate() error
	NamespaceOrDefault() string
}

// handle decodes, authenticates and dispatches a request to call.
func handle[R any, PR interface {
	*R
	request
}, Resp any](h *CoordinatorHandler, call func(context.Context, PR) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			h.writeError(w, err)
			return
		}

		req := PR(new(R))
		if len(bytes.TrimSpace(body)) > 0 {
			msg, err := protocol.DecodeMessage[R](bytes.NewReader(body))
			if err != nil {
				h.writeError(w, err)
				return
			}
			req = PR(msg)
		}

		if err := req.Validate(); err != nil {
			h.writeError(w, err)
			return
		}
		if err := h.authenticate(r, req.NamespaceOrDefault()); err != nil {
			h.writeError(w, err)
			return
		}

		resp, err := call(r.Context(), req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ack adapts a call without a response body.
func ack[PR any](call func(context.Context, PR) error) func(context.Context, PR) (*protocol.Ack, error) {
	return func(ctx context.Context, req PR) (*protocol.Ack, error) {
		if err := call(ctx, req); err != nil {
			return nil, err
		}
		return &protocol.Ack{Status: protocol.StatusOK}, nil
	}
}

func (h *CoordinatorHandler) authenticate(r *http.Request, namespace string) error {
	if h.auth == nil {
		return nil
	}
	return h.auth.Authenticate(r, namespace)
}

func (h *CoordinatorHandler) handleCheckProgress(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = protocol.DefaultNamespace
	}
	if err := h.authenticate(r, namespace); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.coord.CheckProgress(namespace)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Status protocol.Status `json:"status"`
	Error  string          `json:"error"`
}

func (h *CoordinatorHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrMalformedRequest):
		code = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="safe"`)
	case errors.Is(err, protocol.ErrNotRegistered), errors.Is(err, protocol.ErrProtocolViolation):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}

	if code == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	}
	writeJSON(w, code, &errorResponse{Status: protocol.StatusFailure, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
