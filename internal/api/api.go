package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/db"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/controller"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

// Relays is the part of the controller the API drives.
type Relays interface {
	Statuses() []model.EndpointStatus
	Status(name string) (model.EndpointStatus, error)
	Set(ctx context.Context, name string, on bool) error
	Refresh(ctx context.Context, name string) (endpoint.State, error)
}

type Server struct {
	relays Relays
	db     *sql.DB
}

type StateRequest struct {
	On *bool `json:"on"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the API. database may be nil when history is disabled.
func NewServer(relays Relays, database *sql.DB) *Server {
	return &Server{relays: relays, db: database}
}

// Handler returns the API routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/endpoints", s.handleEndpoints)
	mux.HandleFunc("/api/endpoints/", s.handleEndpointOperations)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.relays.Statuses())
}

func (s *Server) handleEndpointOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/endpoints/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Endpoint name required")
		return
	}
	name := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.getEndpoint(w, name)

	case len(parts) == 2:
		switch op := parts[1]; {
		case op == "state" && r.Method == http.MethodPut:
			s.setState(w, r, name)
		case op == "refresh" && r.Method == http.MethodPost:
			s.refresh(w, r, name)
		case op == "history" && r.Method == http.MethodGet:
			s.history(w, r, name)
		case op == "state" || op == "refresh" || op == "history":
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		default:
			s.writeError(w, http.StatusNotFound, "Unknown operation")
		}

	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) getEndpoint(w http.ResponseWriter, name string) {
	st, err := s.relays.Status(name)
	if err != nil {
		s.writeFailure(w, name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request, name string) {
	var req StateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeError(w, http.StatusBadRequest, `Invalid JSON payload, expected {"on": true|false}`)
		return
	}

	if err := s.relays.Set(r.Context(), name, *req.On); err != nil {
		s.writeFailure(w, name, err)
		return
	}

	log.Info().Str("endpoint", name).Bool("on", *req.On).Msg("Relay command via API")
	// the acknowledgement updates the state asynchronously
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, name string) {
	if _, err := s.relays.Refresh(r.Context(), name); err != nil {
		s.writeFailure(w, name, err)
		return
	}
	s.getEndpoint(w, name)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, name string) {
	if s.db == nil {
		s.writeError(w, http.StatusNotFound, "History is disabled")
		return
	}
	if _, err := s.relays.Status(name); err != nil {
		s.writeFailure(w, name, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}

	readings, err := db.GetRecentReadings(s.db, name, limit)
	if err != nil {
		log.Error().Err(err).Str("endpoint", name).Msg("Failed to read history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if readings == nil {
		readings = []model.Reading{}
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) writeFailure(w http.ResponseWriter, name string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("endpoint", name).Int("status", status).Msg("API request failed")
	}
	s.writeError(w, status, err.Error())
}

// StatusFor maps controller errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, endpoint.ErrSendFailure), errors.Is(err, canbus.ErrClosed):
		return http.StatusBadGateway
	case errors.Is(err, endpoint.ErrGateTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
