package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/prepai/internal/auth"
	"github.com/ent0n29/prepai/internal/config"
	"github.com/ent0n29/prepai/internal/ledger"
	"github.com/ent0n29/prepai/internal/observability"
	"github.com/ent0n29/prepai/internal/persona"
	"github.com/ent0n29/prepai/internal/protocol"
	"github.com/ent0n29/prepai/internal/session"
	"github.com/ent0n29/prepai/internal/voice"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, c voice.Connection, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error
}

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Auth         auth.Authenticator
	Personas     persona.Store
	Records      session.Store
	Credits      ledger.Ledger
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	// ProviderName and StoreMode are reported by the status endpoint.
	ProviderName string
	StoreMode    string
}

type Server struct {
	cfg          config.Config
	auth         auth.Authenticator
	personas     persona.Store
	records      session.Store
	credits      ledger.Ledger
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *slog.Logger
	providerName string
	storeMode    string
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authenticator := deps.Auth
	if authenticator == nil {
		authenticator = auth.HeaderAuthenticator{Header: cfg.AuthHeader}
	}
	return &Server{
		cfg:          cfg,
		auth:         authenticator,
		personas:     deps.Personas,
		records:      deps.Records,
		credits:      deps.Credits,
		sessions:     deps.Sessions,
		orchestrator: deps.Orchestrator,
		metrics:      deps.Metrics,
		logger:       logger,
		providerName: deps.ProviderName,
		storeMode:    deps.StoreMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may drive a user's microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/voices", s.handleListVoices)
	r.Get("/v1/credits", s.handleCredits)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{session_id}", s.handleGetSession)

	r.Get("/ws/roleplay/{session_id}", s.handleSessionWS(voice.Roleplay))
	r.Get("/ws/interview/{session_id}", s.handleSessionWS(voice.Interview))
	r.Get("/ws/voice-agent", s.handleVoiceAgentWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeModeOrDefault(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil || s.records == nil || s.personas == nil || s.credits == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"realtime_provider": s.providerName,
		"store_mode":        s.storeModeOrDefault(),
	})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	balance, err := s.credits.Balance(r.Context(), principal.UserID)
	if err != nil {
		s.logger.Error("balance lookup failed", "user_id", principal.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "unable to read balance")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": principal.UserID,
		"balance": balance,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.BotID = strings.TrimSpace(req.BotID)
	if req.BotID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "bot_id is required")
		return
	}

	p, flavor, ok := s.resolvePersona(w, r.Context(), req.BotID, principal)
	if !ok {
		return
	}
	if !flavor.Persisted() {
		respondError(w, http.StatusBadRequest, "unsupported_bot", "bot does not support stored sessions")
		return
	}
	if p.CostBearing() {
		balance, err := s.credits.Balance(r.Context(), principal.UserID)
		if err != nil {
			s.logger.Error("balance lookup failed", "user_id", principal.UserID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal_error", "unable to read balance")
			return
		}
		if balance < p.CreditsPerInterval {
			respondError(w, http.StatusPaymentRequired, protocol.CodeInsufficientBal, "insufficient credits to start a session")
			return
		}
	}

	rec, err := s.records.Create(r.Context(), session.Record{
		UserID:    principal.UserID,
		PersonaID: p.ID,
		Flavor:    flavor.Name(),
	})
	if err != nil {
		s.logger.Error("create session record failed", "user_id", principal.UserID, "bot_id", p.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "unable to create session")
		return
	}
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       rec.ID,
		BotID:           rec.PersonaID,
		Flavor:          rec.Flavor,
		Status:          rec.Status,
		WSPath:          "/ws/" + rec.Flavor + "/" + rec.ID,
		StartedAt:       rec.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	rec, ok := s.ownedRecord(w, r.Context(), chi.URLParam(r, "session_id"), principal)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleSessionWS serves a stored session of one flavor. Every failure is
// answered before the upgrade, so no orchestrator is created for it.
func (s *Server) handleSessionWS(flavor voice.Flavor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		rec, ok := s.ownedRecord(w, r.Context(), chi.URLParam(r, "session_id"), principal)
		if !ok {
			return
		}
		if rec.Flavor != flavor.Name() {
			respondError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
		if rec.Status != session.StatusInProgress {
			respondError(w, http.StatusConflict, protocol.CodeSessionEnded, "session already ended")
			return
		}
		if s.sessions != nil {
			if _, err := s.sessions.Get(rec.ID); err == nil {
				respondError(w, http.StatusConflict, protocol.CodeSessionBusy, "session already has a live connection")
				return
			}
		}
		p, _, ok := s.resolvePersona(w, r.Context(), rec.PersonaID, principal)
		if !ok {
			return
		}
		s.serveConn(w, r, voice.Connection{
			SessionID: rec.ID,
			UserID:    principal.UserID,
			Persona:   p,
			Flavor:    flavor,
		})
	}
}

func (s *Server) handleVoiceAgentWS(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	s.serveConn(w, r, voice.Connection{
		UserID:  principal.UserID,
		Persona: persona.DefaultAssistant(s.cfg.DefaultVoice),
		Flavor:  voice.Assistant,
	})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, err := s.auth.Authenticate(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}

// resolvePersona hides personas the principal may not use behind 404.
func (s *Server) resolvePersona(w http.ResponseWriter, ctx context.Context, id string, principal auth.Principal) (persona.Config, voice.Flavor, bool) {
	p, err := s.personas.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, persona.ErrNotFound) {
			s.logger.Error("persona lookup failed", "bot_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "internal_error", "unable to load bot")
			return persona.Config{}, nil, false
		}
		respondError(w, http.StatusNotFound, "bot_not_found", "bot not found")
		return persona.Config{}, nil, false
	}
	if !p.AccessibleBy(principal.UserID) {
		respondError(w, http.StatusNotFound, "bot_not_found", "bot not found")
		return persona.Config{}, nil, false
	}
	flavor, ok := voice.FlavorFor(p.Kind)
	if !ok {
		respondError(w, http.StatusBadRequest, "unsupported_bot", "bot kind is not supported")
		return persona.Config{}, nil, false
	}
	return p, flavor, true
}

func (s *Server) ownedRecord(w http.ResponseWriter, ctx context.Context, id string, principal auth.Principal) (session.Record, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return session.Record{}, false
	}
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Error("session lookup failed", "session_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "internal_error", "unable to load session")
			return session.Record{}, false
		}
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return session.Record{}, false
	}
	if rec.UserID != principal.UserID {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return session.Record{}, false
	}
	return rec, true
}

func (s *Server) storeModeOrDefault() string {
	if strings.TrimSpace(s.storeMode) == "" {
		return "in-memory"
	}
	return s.storeMode
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
