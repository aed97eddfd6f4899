package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"techbot-backend/internal/chat"
	"techbot-backend/internal/completion"
	"techbot-backend/internal/config"
	"techbot-backend/internal/render"
	"techbot-backend/internal/store"
	"techbot-backend/internal/types"
)

type Server struct {
	router       *chi.Mux
	store        *store.MemoryStore
	cfg          config.Config
	log          *zap.Logger
	completer    chat.Completer
	systemPrompt string
}

// NewServer wires the widget backend. Without a usable completion credential
// every session runs in fallback mode on the rule engine.
func NewServer(cfg config.Config, log *zap.Logger) (*Server, error) {
	persona, err := completion.LoadPersona(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load persona: %w", err)
	}
	client, err := completion.New(completion.Options{
		APIKey:      cfg.CompletionAPIKey,
		Endpoint:    cfg.CompletionEndpoint,
		Model:       cfg.CompletionModel,
		Temperature: persona.Style.Temperature,
		MaxTokens:   persona.Style.MaxTokens,
		Timeout:     cfg.CompletionTimeout,
	})
	var completer chat.Completer
	switch {
	case errors.Is(err, completion.ErrNotConfigured):
		log.Warn("[server] completion credential not set; running in fallback mode")
	case err != nil:
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	default:
		log.Info("[server] remote completion enabled",
			zap.String("endpoint", cfg.CompletionEndpoint),
			zap.String("model", client.Model()))
		completer = client
	}
	return newServer(cfg, log, persona.SystemPrompt(cfg.AssistantName), completer), nil
}

func newServer(cfg config.Config, log *zap.Logger, systemPrompt string, completer chat.Completer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-Session-Id"},
		ExposedHeaders:   []string{"X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{router: r, cfg: cfg, log: log, completer: completer, systemPrompt: systemPrompt}
	s.store = store.NewMemoryStore(cfg.SessionTTL, s.newSession, log)
	s.routes()
	return s
}

func (s *Server) newSession(id string, sink chat.Sink) *chat.Session {
	opts := chat.Options{
		AssistantName: s.cfg.AssistantName,
		TypingDelay:   s.cfg.TypingDelay,
		Logger:        s.log,
	}
	if s.completer != nil {
		opts.Completer = s.completer
		opts.SystemPrompt = s.systemPrompt
	}
	return chat.NewSession(id, sink, opts)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Post("/api/session", s.handleSession)
	s.router.Post("/api/session/reset", s.handleReset)
	s.router.Post("/api/session/end", s.handleEnd)
	s.router.Get("/api/history", s.handleHistory)
	s.router.Post("/api/chat", s.handleChat)
	s.router.Post("/api/chat/action", s.handleAction)
	s.router.Post("/api/widget/toggle", s.handleToggle)
	s.router.Get("/api/ws", s.handleWS)
}

func (s *Server) Router() http.Handler { return s.router }

// StartSweeper drops idle sessions until ctx is done.
func (s *Server) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.store.Sweep()
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "fallback"
	if s.completer != nil {
		mode = "remote"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": mode, "sessions": s.store.Len()})
}

// POST /api/session
// Opens (or resumes) the widget session and returns the greeting events.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sid := getOrCreateSessionID(r, w, s.log)
	e, _ := s.store.GetOrCreate(sid)

	rec := render.NewRecorder()
	e.Session.GreetTo(rec)

	w.Header().Set("X-Session-Id", sid)
	s.writeJSON(w, http.StatusOK, types.SessionResponse{
		SessionID:  sid,
		Assistant:  s.cfg.AssistantName,
		RemoteMode: e.Session.RemoteEnabled(),
		Visibility: e.Session.Visibility(),
		Events:     rec.Events(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runTurn(w, r, req.Message, (*chat.Session).HandleUserMessage)
}

// handleAction takes a quick-action label. It is the same pipeline as a typed message.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req types.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runTurn(w, r, req.Action, (*chat.Session).SelectQuickAction)
}

type turnFunc func(*chat.Session, context.Context, string) (chat.Turn, error)

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, text string, submit turnFunc) {
	sid := getOrCreateSessionID(r, w, s.log)
	e, _ := s.store.GetOrCreate(sid)

	turn, err := submit(e.Session, r.Context(), text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, chat.ErrBusy):
		s.writeError(w, http.StatusConflict, "still answering your previous message")
		return
	case errors.Is(err, chat.ErrReset):
		s.writeError(w, http.StatusConflict, "conversation was restarted")
		return
	case err != nil:
		s.log.Error("[chat] turn failed", zap.String("session", sid), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "I'm having trouble right now. Please try again.")
		return
	}
	w.Header().Set("X-Session-Id", sid)
	s.writeJSON(w, http.StatusOK, turnResponse(sid, turn))
}

func turnResponse(sid string, turn chat.Turn) types.ChatResponse {
	actions := turn.Actions
	if actions == nil {
		actions = []string{}
	}
	return types.ChatResponse{
		SessionID: sid,
		Reply:     turn.Reply,
		HTML:      render.HTML(turn.Reply),
		Actions:   actions,
		Source:    string(turn.Source),
		Urgency:   string(turn.Context.Urgency),
		Intent:    string(turn.Context.Intent),
		Critical:  turn.Classification.IsCritical,
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	e, sid, ok := s.lookup(w, r)
	if !ok {
		return
	}
	tctx := e.Session.Context()
	s.writeJSON(w, http.StatusOK, types.HistoryResponse{
		SessionID: sid,
		Messages:  e.Session.History(),
		Urgency:   string(tctx.Urgency),
		Intent:    string(tctx.Intent),
	})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req types.ToggleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	sid := getOrCreateSessionID(r, w, s.log)
	e, _ := s.store.GetOrCreate(sid)
	w.Header().Set("X-Session-Id", sid)
	s.writeJSON(w, http.StatusOK, e.Session.Toggle(req.Open))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	e, sid, ok := s.lookup(w, r)
	if !ok {
		return
	}
	e.Session.Reset()
	s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "reset": true})
}

// POST /api/session/end
// Forgets the session and clears the cookie; the next request starts fresh.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	e, sid, ok := s.lookup(w, r)
	if !ok {
		return
	}
	e.Session.Reset()
	s.store.Delete(sid)
	ClearSessionCookie(w)
	s.log.Info("[session] ended", zap.String("session", sid))
	s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "ended": true})
}

// lookup resolves an existing session and writes 404 when there is none.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*store.Entry, string, bool) {
	sid := getSessionID(r)
	if sid == "" {
		s.writeError(w, http.StatusNotFound, "no active session")
		return nil, "", false
	}
	e, ok := s.store.Get(sid)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no active session")
		return nil, "", false
	}
	return e, sid, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, types.ErrorResponse{Error: msg})
}

func newSessionID() string {
	return "s_" + uuid.NewString()
}

// getSessionID retrieves the session ID from cookie, header or query parameter.
func getSessionID(r *http.Request) string {
	if cookie, err := GetSessionCookie(r); err == nil && cookie != "" {
		return cookie
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	return r.URL.Query().Get("sessionId")
}

// getOrCreateSessionID gets existing session ID or creates a new one, setting the cookie.
func getOrCreateSessionID(r *http.Request, w http.ResponseWriter, log *zap.Logger) string {
	sid := getSessionID(r)
	if sid == "" {
		sid = newSessionID()
		log.Debug("[session] creating new session", zap.String("session", sid), zap.String("path", r.URL.Path))
		SetSessionCookie(w, sid)
	}
	return sid
}
