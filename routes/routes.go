// Package routes serves the plain (non-upgrade) HTTP requests that share the
// listener with WebSocket traffic: health, a root banner and metrics.
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	gohttp "github.com/panyam/collabws/http"
	"github.com/panyam/collabws/origin"
)

// RootText is the body of GET /.
const RootText = "Sync server is running"

// CORS values sent with every plain response.
const (
	AllowMethods = "GET, POST, OPTIONS"
	AllowHeaders = "*"
	MaxAge       = "86400"
)

// Options wires the router to the rest of the server.
type Options struct {
	// Connections reports the number of live connections.
	Connections func() int

	// Draining reports whether shutdown has started. Optional.
	Draining func() bool

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Now is the clock used for health timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Health is the body of GET /health.
type Health struct {
	Status            string `json:"status"`
	Time              string `json:"time"`
	ActiveConnections int    `json:"activeConnections"`
}

// NewRouter builds the plain-request router.
func NewRouter(opts Options) *mux.Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(opts))
	r.HandleFunc("/", rootHandler)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	r.NotFoundHandler = http.HandlerFunc(notFoundHandler)
	return r
}

func healthHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := Health{
			Status: "ok",
			Time:   opts.Now().UTC().Format(time.RFC3339Nano),
		}
		if opts.Connections != nil {
			h.ActiveConnections = opts.Connections()
		}
		if opts.Draining != nil && opts.Draining() {
			h.Status = "draining"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(h)
			return
		}
		gohttp.SendJsonResponse(w, h, nil)
	}
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(RootText))
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("Not found"))
}

// WithCORS sets the policy-computed CORS headers on every response and
// answers preflight requests with 204 before any routing happens.
func WithCORS(policy *origin.Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := policy.Admit(r.Header.Get("Origin"))
		h := w.Header()
		if d.AllowOrigin != "" {
			h.Set("Access-Control-Allow-Origin", d.AllowOrigin)
		}
		if policy.Vary() {
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", AllowMethods)
		h.Set("Access-Control-Allow-Headers", AllowHeaders)
		h.Set("Access-Control-Max-Age", MaxAge)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
