package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"example.com/mafia/internal/httpapi"
	"example.com/mafia/internal/mafia"
	"example.com/mafia/internal/store"
	"github.com/go-chi/chi/v5"
)

// Engine is the part of the mafia service the transport drives.
type Engine interface {
	Start(ctx context.Context, req mafia.StartRequest) (mafia.View, error)
	Submit(ctx context.Context, a mafia.Action) error
	Leave(ctx context.Context, sessionID, userID string) error
	Cancel(ctx context.Context, sessionID, by string) error
	View(ctx context.Context, sessionID string) (mafia.View, error)
}

type Server struct {
	engine   Engine
	gw       *Gateway
	verifier httpapi.TokenVerifier
	log      *slog.Logger

	actionTimeout time.Duration
}

func NewServer(engine Engine, gw *Gateway, verifier httpapi.TokenVerifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:        engine,
		gw:            gw,
		verifier:      verifier,
		log:           log,
		actionTimeout: 5 * time.Second,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{channel}", s.handleWS)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(httpapi.AuthMiddleware(s.verifier))
		r.Post("/", s.handleStart)
		r.Get("/{id}", s.handleView)
		r.Delete("/{id}", s.handleCancel)
		r.Post("/{id}/actions", s.handleAction)
		r.Post("/{id}/leave", s.handleLeave)
	})
}

// handleStart hands a finalized lobby to the engine. The caller is the host.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	host, _ := httpapi.UserIDFromContext(r.Context())

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if !validChannel(req.Channel) {
		httpapi.WriteError(w, http.StatusBadRequest, "bad_request", "invalid channel")
		return
	}

	v, err := s.engine.Start(r.Context(), mafia.StartRequest{
		SessionID: req.SessionID,
		Channel:   req.Channel,
		HostID:    host,
		Players:   req.Players,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, v)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	by, _ := httpapi.UserIDFromContext(r.Context())
	if err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), by); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction is the HTTP twin of the websocket "action" envelope.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpapi.UserIDFromContext(r.Context())

	var a mafia.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	a.SessionID = chi.URLParam(r, "id")
	a.ActorID = actor

	if err := s.engine.Submit(r.Context(), a); err != nil {
		s.writeEngineError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, AckPayload{Kind: a.Kind, Target: a.Target})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	uid, _ := httpapi.UserIDFromContext(r.Context())
	if err := s.engine.Leave(r.Context(), chi.URLParam(r, "id"), uid); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("engine call failed", "err", err)
	}
	httpapi.WriteError(w, status, code, msg)
}

// classify maps engine and ledger errors to an HTTP status and a stable code.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, mafia.ErrInvalidAction):
		return http.StatusBadRequest, "invalid_action", err.Error()
	case errors.Is(err, mafia.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, mafia.ErrSessionEnded):
		return http.StatusConflict, "session_ended", "session already ended"
	case errors.Is(err, mafia.ErrSessionExists):
		return http.StatusConflict, "session_exists", "session already exists"
	case errors.Is(err, mafia.ErrNotHost):
		return http.StatusForbidden, "not_host", "only the host can do this"
	case errors.Is(err, mafia.ErrNoDistribution), errors.Is(err, mafia.ErrBadLobby):
		return http.StatusBadRequest, "bad_lobby", err.Error()
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance", "not enough coins to host"
	case errors.Is(err, mafia.ErrAborted), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable", "try again"
	}
	return http.StatusInternalServerError, "internal", "internal error"
}
