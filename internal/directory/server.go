package directory

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// Response is the body returned by every directory route.
type Response struct {
	Address *string `json:"address"`
}

type putRequest struct {
	Address string `json:"address"`
}

// Server exposes a Store over HTTP:
//
//	GET    /           current address, or null
//	PUT    /{address}  replace the address (or PUT / with {"address": "..."})
//	DELETE /           clear the address
type Server struct {
	router chi.Router
	store  Store
	logger *zap.Logger
}

// NewServer builds the directory router.
func NewServer(store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, logger: logger}
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/", s.get)
	r.Put("/", s.put)
	r.Put("/*", s.put)
	r.Delete("/", s.clear)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	addr, err := s.store.Get(r.Context())
	if err != nil {
		s.logger.Error("read address failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "directory unavailable")
		return
	}
	writeAddress(w, addr)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	addr, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if strings.TrimSpace(addr) == "" {
		var req putRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		addr = req.Address
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if err := s.store.Set(r.Context(), addr); err != nil {
		s.logger.Error("store address failed", zap.String("address", addr), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "directory unavailable")
		return
	}
	s.logger.Info("dispatcher address set", zap.String("address", addr))
	writeAddress(w, addr)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.logger.Error("clear address failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "directory unavailable")
		return
	}
	s.logger.Info("dispatcher address cleared")
	writeAddress(w, "")
}

func writeAddress(w http.ResponseWriter, addr string) {
	var resp Response
	if addr != "" {
		resp.Address = &addr
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
