package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/orchestrator"
)

// Server exposes the dispatch operations over HTTP and the realtime channel
// over a websocket upgrade.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *dispatch.WSRegistry
	Auth         *auth.JWTService

	// Ready reports whether backing stores are reachable. Optional.
	Ready func(ctx context.Context) error

	debug  bool
	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *dispatch.WSRegistry
	Auth         *auth.JWTService
	Ready        func(ctx context.Context) error
	Logger       *slog.Logger
	Debug        bool
}

func NewServer(opts Options) *Server {
	s := &Server{
		Orchestrator: opts.Orchestrator,
		Hub:          opts.Hub,
		Auth:         opts.Auth,
		Ready:        opts.Ready,
		debug:        opts.Debug,
		logger:       logging.OrDefault(opts.Logger),
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.rideAction(s.Orchestrator.Accept)).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/start", s.rideAction(s.Orchestrator.Start)).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/complete", s.rideAction(s.Orchestrator.Complete)).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/decline", s.reasonAction(s.Orchestrator.Decline)).Methods(http.MethodPut)
	api.HandleFunc("/rides/{id}/cancel", s.reasonAction(s.Orchestrator.Cancel)).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/location", s.handleLocation).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Orchestrator.CreateRide(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		if ride != nil && errors.Is(err, apperr.ErrTransient) {
			// Stored but not yet offered; the sweeper picks it up.
			writeJSON(w, http.StatusAccepted, ride)
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Orchestrator.History(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Orchestrator.ActiveRide(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride == nil {
		s.writeError(w, r, apperr.NotFound("no active ride"))
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	view, err := s.Orchestrator.Get(r.Context(), identityFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type rideOp func(ctx context.Context, caller models.Identity, rideID string) (*models.RideView, error)

type reasonOp func(ctx context.Context, caller models.Identity, rideID, reason string) (*models.RideView, error)

func (s *Server) rideAction(op rideOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := op(r.Context(), identityFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) reasonAction(op reasonOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		if err := decodeOptionalJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := op(r.Context(), identityFrom(r.Context()), mux.Vars(r)["id"], body.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type availabilityBody struct {
	Available *bool `json:"available"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeError(w, r, apperr.Invalid("available is required"))
		return
	}
	p, err := s.Orchestrator.SetAvailability(r.Context(), identityFrom(r.Context()), *body.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type locationBody struct {
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Available *bool     `json:"available,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// handleLocation is the HTTP fallback for clients without a live socket.
// An optional available flag toggles availability in the same call.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Lat == nil || body.Lng == nil {
		s.writeError(w, r, apperr.Invalid("lat and lng are required"))
		return
	}
	caller := identityFrom(r.Context())
	p := models.Point{Lat: *body.Lat, Lng: *body.Lng}
	if err := s.Orchestrator.UpdateLocation(r.Context(), caller, p, body.At); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available != nil {
		if _, err := s.Orchestrator.SetAvailability(r.Context(), caller, *body.Available); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("malformed JSON body")
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("malformed JSON body")
	}
	return nil
}
