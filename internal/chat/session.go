package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"techbot-backend/internal/completion"
	"techbot-backend/internal/responder"
	"techbot-backend/internal/triage"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// OfflineMessage replaces the reply whenever the remote completion fails.
const OfflineMessage = "⚠️ **Connection Issue**: I'm operating in offline mode. Please call (929) 789-2786 for immediate assistance."

// urgentPrefix is forced onto remote replies while the session is critical.
const urgentPrefix = responder.UrgentMarker + " **URGENT:** "

var (
	ErrEmptyMessage = errors.New("message is required")
	// ErrBusy is returned while a previous turn is still being answered.
	ErrBusy = errors.New("a reply is already in progress")
	// ErrReset is returned when the session was reset before the reply arrived.
	// The reply is dropped.
	ErrReset = errors.New("session was reset before the reply arrived")
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sink is the presentation layer. Calls are pure output operations.
type Sink interface {
	RenderMessage(role Role, markup string, actions []string)
	RenderTypingIndicator(visible bool)
	ScrollToLatest()
}

// Completer generates a reply from the full history. *completion.Client implements it.
type Completer interface {
	Complete(ctx context.Context, history []completion.Message, systemPrompt string) (string, error)
}

type Source string

const (
	SourceRules   Source = "rules"
	SourceRemote  Source = "remote"
	SourceOffline Source = "offline"
)

// Turn is the outcome of one request/response cycle.
type Turn struct {
	Reply          string
	Actions        []string
	Source         Source
	Rule           string
	Classification triage.Result
	Context        triage.Context
}

// Visibility is the widget's open/closed state and unread badge.
type Visibility struct {
	Open   bool `json:"isOpen"`
	Unread int  `json:"unread"`
}

type Options struct {
	AssistantName string
	SystemPrompt  string
	// Completer is nil in fallback mode.
	Completer Completer
	// TypingDelay is how long the typing indicator shows before a rule-based reply.
	TypingDelay time.Duration
	Logger      *zap.Logger
}

// Session is one widget instance: its history, triage context and visibility.
type Session struct {
	id   string
	opts Options
	sink Sink
	log  *zap.Logger

	inflight *semaphore.Weighted

	mu         sync.RWMutex
	history    []Message
	ctx        triage.Context
	visibility Visibility
	greeted    bool
	// generation is bumped by Reset so a pending turn can tell its history is gone.
	generation uint64
}

func NewSession(id string, sink Sink, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if sink == nil {
		sink = nopSink{}
	}
	if strings.TrimSpace(opts.AssistantName) == "" {
		opts.AssistantName = "TechBot"
	}
	return &Session{
		id:       id,
		opts:     opts,
		sink:     sink,
		log:      opts.Logger.With(zap.String("session", id)),
		inflight: semaphore.NewWeighted(1),
		ctx:      triage.NewContext(),
	}
}

func (s *Session) ID() string { return s.id }

// RemoteEnabled reports whether replies come from the remote model.
func (s *Session) RemoteEnabled() bool { return s.opts.Completer != nil }

// History returns a copy of the transcript.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Context() triage.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Session) Visibility() Visibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibility
}

// Greet renders the welcome message once, while the history is still empty.
// The greeting is not part of the history sent upstream.
func (s *Session) Greet() bool {
	return s.GreetTo(s.sink)
}

// GreetTo is Greet rendered into sink instead of the session's own sink.
func (s *Session) GreetTo(sink Sink) bool {
	if sink == nil {
		sink = nopSink{}
	}
	s.mu.Lock()
	if s.greeted || len(s.history) > 0 {
		s.mu.Unlock()
		return false
	}
	s.greeted = true
	s.mu.Unlock()

	g := responder.Greeting(s.opts.AssistantName)
	s.renderAssistant(sink, g.Body, g.Actions)
	return true
}

// Toggle opens or closes the widget. A nil open flips the current state.
// Opening clears the unread badge.
func (s *Session) Toggle(open *bool) Visibility {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open != nil {
		s.visibility.Open = *open
	} else {
		s.visibility.Open = !s.visibility.Open
	}
	if s.visibility.Open {
		s.visibility.Unread = 0
	}
	return s.visibility
}

// Reset drops history, context and visibility. It is the only way urgency
// goes back to normal.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.ctx = triage.NewContext()
	s.visibility = Visibility{}
	s.greeted = false
	s.generation++
	s.log.Info("[chat] session reset")
}

// SelectQuickAction submits an action label exactly as if the user typed it.
func (s *Session) SelectQuickAction(ctx context.Context, label string) (Turn, error) {
	return s.HandleUserMessage(ctx, label)
}

// HandleUserMessage runs one cycle: record, classify, generate, record, render.
// While a cycle is pending further submissions are rejected with ErrBusy.
// A Reset during the cycle drops the reply and returns ErrReset.
func (s *Session) HandleUserMessage(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}
	if !s.inflight.TryAcquire(1) {
		s.log.Debug("[chat] submission ignored while reply pending")
		return Turn{}, ErrBusy
	}
	defer s.inflight.Release(1)

	cls := triage.Classify(text)
	s.mu.Lock()
	gen := s.generation
	s.history = append(s.history, Message{Role: RoleUser, Content: text})
	s.ctx.Apply(cls)
	tctx := s.ctx
	s.mu.Unlock()

	s.sink.RenderMessage(RoleUser, text, nil)
	s.sink.ScrollToLatest()
	s.log.Debug("[chat] classified",
		zap.Bool("critical", cls.IsCritical),
		zap.String("intent", string(cls.Intent)),
		zap.String("urgency", string(tctx.Urgency)))

	s.sink.RenderTypingIndicator(true)
	turn := Turn{Classification: cls, Context: tctx}
	if s.opts.Completer != nil {
		s.remoteReply(ctx, tctx, &turn)
	} else {
		s.ruleReply(ctx, text, cls, tctx, &turn)
	}
	s.sink.RenderTypingIndicator(false)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Info("[chat] session reset while reply pending; reply dropped", zap.String("source", string(turn.Source)))
		return turn, ErrReset
	}
	if turn.Source != SourceOffline {
		s.history = append(s.history, Message{Role: RoleAssistant, Content: turn.Reply})
	}
	s.mu.Unlock()
	s.renderAssistant(s.sink, turn.Reply, turn.Actions)
	return turn, nil
}

func (s *Session) ruleReply(ctx context.Context, text string, cls triage.Result, tctx triage.Context, turn *Turn) {
	if s.opts.TypingDelay > 0 {
		t := time.NewTimer(s.opts.TypingDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	rule, r := responder.SelectNamed(responder.Input{Text: text, Classification: cls, Context: tctx})
	turn.Reply, turn.Actions, turn.Source, turn.Rule = r.Body, r.Actions, SourceRules, rule
}

func (s *Session) remoteReply(ctx context.Context, tctx triage.Context, turn *Turn) {
	reply, err := s.opts.Completer.Complete(ctx, s.wireHistory(), s.systemPrompt(tctx))
	if err != nil {
		s.log.Warn("[chat] remote completion failed, answering offline", zap.Error(err))
		turn.Reply, turn.Source = OfflineMessage, SourceOffline
		return
	}
	if tctx.Urgency == triage.UrgencyCritical && !strings.HasPrefix(reply, responder.UrgentMarker) {
		reply = urgentPrefix + reply
	}
	turn.Reply, turn.Source = reply, SourceRemote
}

func (s *Session) wireHistory() []completion.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]completion.Message, 0, len(s.history))
	for _, m := range s.history {
		out = append(out, completion.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// systemPrompt appends the current triage state so the model sees what the
// classifier decided.
func (s *Session) systemPrompt(tctx triage.Context) string {
	intent := string(tctx.Intent)
	if intent == "" {
		intent = "unknown"
	}
	note := fmt.Sprintf("SESSION TRIAGE: urgency=%s, intent=%s.", strings.ToUpper(string(tctx.Urgency)), intent)
	if strings.TrimSpace(s.opts.SystemPrompt) == "" {
		return note
	}
	return s.opts.SystemPrompt + "\n\n" + note
}

func (s *Session) renderAssistant(sink Sink, body string, actions []string) {
	s.mu.Lock()
	if !s.visibility.Open {
		s.visibility.Unread++
	}
	s.mu.Unlock()
	sink.RenderMessage(RoleAssistant, body, actions)
	sink.ScrollToLatest()
}

type nopSink struct{}

func (nopSink) RenderMessage(Role, string, []string) {}
func (nopSink) RenderTypingIndicator(bool)           {}
func (nopSink) ScrollToLatest()                      {}
