// Package api exposes the engine's operations over a local HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/clock"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/datekey"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/focus"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/lease"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/migrate"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
	"github.com/Ngocphuc1910/make10000hours-sub017/internal/tracker"
)

// Server is the engine's HTTP API.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger

	tracker  *tracker.Tracker
	focus    *focus.Coordinator
	arb      *lease.Arbitrator
	resolver *datekey.Resolver
	migrator *migrate.Runner
	clk      clock.Clock
}

// NewServer creates the API server.
func NewServer(addr string, trk *tracker.Tracker, fc *focus.Coordinator, arb *lease.Arbitrator, resolver *datekey.Resolver, migrator *migrate.Runner, clk clock.Clock, logger zerolog.Logger) *Server {
	s := &Server{
		logger:   logger.With().Str("component", "api").Logger(),
		tracker:  trk,
		focus:    fc,
		arb:      arb,
		resolver: resolver,
		migrator: migrator,
		clk:      clk,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/tracking", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/switch", s.handleSwitch)
		r.Post("/takeover", s.handleTakeover)
	})

	r.Route("/focus", func(r chi.Router) {
		r.Post("/enable", s.handleFocusEnable)
		r.Post("/disable", s.handleFocusDisable)
	})

	r.Route("/totals", func(r chi.Router) {
		r.Get("/today", s.handleTodayTotals)
		r.Get("/range", s.handleRangeTotals)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Put("/timezone", s.handleSetTimezone)
		r.Put("/scheme", s.handleSetScheme)
	})

	r.Post("/migrate", s.handleMigrate)
	r.Get("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

type subjectRequest struct {
	SubjectKey string `json:"subject_key"`
}

type switchRequest struct {
	FromSubjectKey string `json:"from_subject_key"`
	ToSubjectKey   string `json:"to_subject_key"`
}

type timezoneRequest struct {
	Timezone string `json:"timezone"`
}

type schemeRequest struct {
	Scheme string `json:"scheme"`
}

type migrateRequest struct {
	SubjectKey string `json:"subject_key,omitempty"`
	FromScheme string `json:"from_scheme"`
	ToScheme   string `json:"to_scheme"`
	DryRun     bool   `json:"dry_run"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SubjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "subject_key is required")
		return
	}

	session, err := s.tracker.Start(r.Context(), req.SubjectKey)
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SubjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "subject_key is required")
		return
	}

	if err := s.tracker.Stop(r.Context(), req.SubjectKey); err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FromSubjectKey == "" || req.ToSubjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "from_subject_key and to_subject_key are required")
		return
	}

	session, err := s.tracker.SwitchSubject(r.Context(), req.FromSubjectKey, req.ToSubjectKey)
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SubjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "subject_key is required")
		return
	}

	if err := s.arb.TakeOver(r.Context(), req.SubjectKey, s.clk.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := s.tracker.Start(r.Context(), req.SubjectKey)
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleFocusEnable(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.focus.Enable(r.Context())
	if err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "on", "session_id": sessionID})
}

func (s *Server) handleFocusDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.focus.Disable(r.Context()); err != nil {
		s.writeTrackingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": "off"})
}

func (s *Server) handleTodayTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.tracker.TodayTotals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleRangeTotals(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	totals, err := s.tracker.RangeTotals(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleSetTimezone(w http.ResponseWriter, r *http.Request) {
	var req timezoneRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.resolver.SetTimezone(req.Timezone); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"timezone": req.Timezone})
}

func (s *Server) handleSetScheme(w http.ResponseWriter, r *http.Request) {
	var req schemeRequest
	if !s.decode(w, r, &req) {
		return
	}

	scheme, err := datekey.ParseScheme(req.Scheme)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.resolver.SetScheme(scheme); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"scheme": req.Scheme})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if !s.decode(w, r, &req) {
		return
	}

	from, err := datekey.ParseScheme(req.FromScheme)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := datekey.ParseScheme(req.ToScheme)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.migrator.Run(r.Context(), req.SubjectKey, from, to, req.DryRun)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, sessionID := s.focus.State()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":     s.arb.DeviceID(),
		"scheme":        string(s.resolver.CanonicalScheme()),
		"timezone":      s.resolver.Timezone(),
		"sync_degraded": s.tracker.SyncDegraded(),
		"focus_state":   string(state),
		"focus_session": sessionID,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeTrackingError maps a lease conflict to 409 with the current holder so
// clients can offer an explicit takeover.
func (s *Server) writeTrackingError(w http.ResponseWriter, err error) {
	var held *storage.LeaseHeldError
	if errors.As(err, &held) {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "lease held by another device",
			"holder_id":  held.HolderID,
			"expires_at": held.ExpiresAt,
		})
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
