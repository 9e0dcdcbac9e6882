package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"reticulumd/core"
)

// Server exposes a Daemon over HTTP: POST /rpc for request/response
// dispatch and GET /events for polling the SDK event stream (§6 "Daemon
// RPC transport").
type Server struct {
	daemon     *Daemon
	router     chi.Router
	httpServer *http.Server
	log        *logrus.Logger
}

// ServerConfig controls transport-level listener options, including the
// optional mTLS client-certificate requirement described in §6.
type ServerConfig struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	ClientCAFile string // non-empty requires and verifies client certificates
	Log         *logrus.Logger
}

// NewServer builds the chi router and underlying *http.Server; call
// ListenAndServe to start it.
func NewServer(d *Daemon, cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{daemon: d, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Post("/rpc", s.handleRPC)
	r.Get("/events", s.handleEvents)
	s.router = r
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method": r.Method, "path": r.URL.Path, "took_ms": time.Since(start).Milliseconds(),
		}).Debug("rpc: handled request")
	})
}

// ListenAndServe starts serving, enabling mTLS when a client CA bundle is
// configured.
func (s *Server) ListenAndServe(cfg ServerConfig) error {
	if cfg.TLSCertFile == "" {
		return s.httpServer.ListenAndServe()
	}
	if cfg.ClientCAFile == "" {
		return s.httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	tlsCfg, err := core.NewZeroTrustTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.ClientCAFile, nil)
	if err != nil {
		return err
	}
	s.httpServer.TLSConfig = tlsCfg
	return s.httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
}

// Shutdown drains the daemon and closes the listener.
func (s *Server) Shutdown() error {
	s.daemon.Shutdown()
	return s.httpServer.Close()
}

const (
	contentTypeMsgpack = "application/msgpack"
	contentTypeJSON    = "application/json"
)

// handleRPC accepts either application/msgpack or application/json request
// bodies and replies in the same encoding (§6).
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	useMsgpack := r.Header.Get("Content-Type") == contentTypeMsgpack

	var req RpcRequest
	var decodeErr error
	if useMsgpack {
		decodeErr = msgpack.NewDecoder(r.Body).Decode(&req)
	} else {
		decodeErr = json.NewDecoder(r.Body).Decode(&req)
	}
	if decodeErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := s.daemon.HandleRPC(req)

	if useMsgpack {
		w.Header().Set("Content-Type", contentTypeMsgpack)
		_ = msgpack.NewEncoder(w).Encode(resp)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvents polls the SDK event stream via query parameters
// ?cursor=<seq>&max=<n>, mirroring sdk_poll_events_v2's semantics over a
// plain GET for clients that don't speak the RPC envelope.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	max := 64
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	var cursor *uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cursor = &n
	}
	if cursor != nil && s.daemon.events.CursorIsExpired(*cursor) {
		w.WriteHeader(http.StatusGone)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": CodeRuntimeCursorExpired})
		return
	}
	batch := s.daemon.events.Poll(cursor, max)
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(batch)
}
