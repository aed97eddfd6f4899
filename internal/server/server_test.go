package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techbot-backend/internal/chat"
	"techbot-backend/internal/completion"
	"techbot-backend/internal/config"
	"techbot-backend/internal/render"
	"techbot-backend/internal/types"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s stubCompleter) Complete(context.Context, []completion.Message, string) (string, error) {
	return s.reply, s.err
}

func testConfig() config.Config {
	return config.Config{
		Port:              "0",
		AllowedOrigins:    []string{"*"},
		AssistantName:     "TechBot",
		CompletionTimeout: time.Second,
		SessionTTL:        time.Minute,
	}
}

func newTestServer(c chat.Completer) *Server {
	return newServer(testConfig(), nil, "persona", c)
}

func do(t *testing.T, s *Server, method, path, sid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.Header.Set("X-Session-Id", sid)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(nil), http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "fallback", got["mode"])
}

func TestSessionGreetsOnce(t *testing.T) {
	s := newTestServer(nil)
	w := do(t, s, http.MethodPost, "/api/session", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get("X-Session-Id")
	require.NotEmpty(t, sid)
	assert.Contains(t, w.Header().Get("Set-Cookie"), CookieName+"=")

	first := decode[types.SessionResponse](t, w)
	assert.False(t, first.RemoteMode)
	require.NotEmpty(t, first.Events)
	assert.Equal(t, render.EventMessage, first.Events[0].Type)
	assert.Contains(t, first.Events[0].HTML, "<strong>Hi! I&#39;m TechBot.</strong>")
	assert.Equal(t, 1, first.Visibility.Unread)

	again := decode[types.SessionResponse](t, do(t, s, http.MethodPost, "/api/session", sid, nil))
	assert.Equal(t, sid, again.SessionID)
	assert.Empty(t, again.Events)
}

func TestChatScenarios(t *testing.T) {
	s := newTestServer(nil)
	tests := []struct {
		message  string
		actions  []string
		critical bool
	}{
		{"my phone got wet and won't turn on", []string{"Book Priority Slot", "Get Directions"}, true},
		{"how much to sell my iphone 13", []string{"Open Calculator", "View Price List"}, false},
		{"book", []string{"Book 2:00 PM", "Book 4:30 PM", "Book 6:15 PM"}, false},
		{"how much?", []string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/chat", "", types.ChatRequest{Message: tt.message})
			require.Equal(t, http.StatusOK, w.Code)
			got := decode[types.ChatResponse](t, w)
			assert.Equal(t, tt.actions, got.Actions)
			assert.Equal(t, tt.critical, got.Critical)
			assert.Equal(t, "rules", got.Source)
			assert.NotContains(t, got.HTML, "**")
		})
	}
}

func TestQuickActionAndHistory(t *testing.T) {
	s := newTestServer(nil)
	w := do(t, s, http.MethodPost, "/api/chat", "", types.ChatRequest{Message: "My screen is water damaged"})
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get("X-Session-Id")
	first := decode[types.ChatResponse](t, w)
	assert.Equal(t, "critical", first.Urgency)

	w = do(t, s, http.MethodPost, "/api/chat/action", sid, types.ActionRequest{Action: "Book 2:00 PM"})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[types.ChatResponse](t, w)
	assert.Contains(t, second.Reply, "Confirmed")
	assert.Equal(t, "critical", second.Urgency, "urgency is never downgraded")

	hist := decode[types.HistoryResponse](t, do(t, s, http.MethodGet, "/api/history", sid, nil))
	require.Len(t, hist.Messages, 4)
	assert.Equal(t, "Book 2:00 PM", hist.Messages[2].Content)

	w = do(t, s, http.MethodPost, "/api/session/reset", sid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist = decode[types.HistoryResponse](t, do(t, s, http.MethodGet, "/api/history", sid, nil))
	assert.Empty(t, hist.Messages)
	assert.Equal(t, "normal", hist.Urgency)
}

func TestChatRejectsBadInput(t *testing.T) {
	s := newTestServer(nil)
	w := do(t, s, http.MethodPost, "/api/chat", "", types.ChatRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = do(t, s, http.MethodGet, "/api/history", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRemoteFailureReturnsOfflineNotice(t *testing.T) {
	s := newTestServer(stubCompleter{err: &completion.Error{Kind: completion.NetworkError, Err: errors.New("refused")}})
	w := do(t, s, http.MethodPost, "/api/chat", "", types.ChatRequest{Message: "screen price"})
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get("X-Session-Id")
	got := decode[types.ChatResponse](t, w)
	assert.Equal(t, "offline", got.Source)
	assert.Equal(t, chat.OfflineMessage, got.Reply)

	hist := decode[types.HistoryResponse](t, do(t, s, http.MethodGet, "/api/history", sid, nil))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, chat.RoleUser, hist.Messages[0].Role)
}

func TestRemoteReply(t *testing.T) {
	s := newTestServer(stubCompleter{reply: "About **$140**."})
	got := decode[types.ChatResponse](t, do(t, s, http.MethodPost, "/api/chat", "", types.ChatRequest{Message: "iphone 13 screen?"}))
	assert.Equal(t, "remote", got.Source)
	assert.Equal(t, "About <strong>$140</strong>.", got.HTML)
	assert.Empty(t, got.Actions)
}

func TestToggle(t *testing.T) {
	s := newTestServer(nil)
	w := do(t, s, http.MethodPost, "/api/session", "", nil)
	sid := w.Header().Get("X-Session-Id")

	v := decode[chat.Visibility](t, do(t, s, http.MethodPost, "/api/widget/toggle", sid, nil))
	assert.Equal(t, chat.Visibility{Open: true, Unread: 0}, v)

	closed := false
	v = decode[chat.Visibility](t, do(t, s, http.MethodPost, "/api/widget/toggle", sid, types.ToggleRequest{Open: &closed}))
	assert.False(t, v.Open)
}

func TestWebSocketSubmit(t *testing.T) {
	s := newTestServer(nil)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?sessionId=s_ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	readUntil := func(match func(types.WSOutbound) bool) types.WSOutbound {
		for {
			var out types.WSOutbound
			require.NoError(t, wsjson.Read(ctx, conn, &out))
			if match(out) {
				return out
			}
		}
	}

	vis := readUntil(func(o types.WSOutbound) bool { return o.Type == eventVisibility })
	require.NotNil(t, vis.Visibility)
	greeting := readUntil(func(o types.WSOutbound) bool { return o.Type == render.EventMessage })
	assert.Equal(t, chat.RoleAssistant, greeting.Role)

	require.NoError(t, wsjson.Write(ctx, conn, types.WSInbound{Type: "submit", Text: "how much for a battery"}))
	user := readUntil(func(o types.WSOutbound) bool { return o.Type == render.EventMessage })
	assert.Equal(t, chat.RoleUser, user.Role)
	reply := readUntil(func(o types.WSOutbound) bool { return o.Type == render.EventMessage })
	assert.Equal(t, chat.RoleAssistant, reply.Role)
	assert.Equal(t, []string{"Yes, it drains fast", "Book Battery Fix"}, reply.Actions)

	require.NoError(t, wsjson.Write(ctx, conn, types.WSInbound{Type: "toggle"}))
	vis = readUntil(func(o types.WSOutbound) bool { return o.Type == eventVisibility })
	require.NotNil(t, vis.Visibility)
	assert.True(t, vis.Visibility.Open)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"*", "shop.example", "localhost:3000"},
		originPatterns([]string{"*", "https://shop.example", " http://localhost:3000 ", ""}))
}

func TestSessionResponseCarriesOnlyItsOwnGreeting(t *testing.T) {
	s := newTestServer(nil)
	e, _ := s.store.GetOrCreate("s_shared")
	live := render.NewRecorder()
	defer e.Hub.Subscribe(live)()

	got := decode[types.SessionResponse](t, do(t, s, http.MethodPost, "/api/session", "s_shared", nil))
	require.Len(t, got.Events, 2)
	assert.Equal(t, render.EventMessage, got.Events[0].Type)
	assert.Equal(t, render.EventScroll, got.Events[1].Type)
	assert.Empty(t, live.Events())
}

func TestResetWhileReplyPending(t *testing.T) {
	cfg := testConfig()
	cfg.TypingDelay = 300 * time.Millisecond
	s := newServer(cfg, nil, "persona", nil)

	done := make(chan int, 1)
	go func() {
		done <- do(t, s, http.MethodPost, "/api/chat", "s_pending", types.ChatRequest{Message: "book"}).Code
	}()
	require.Eventually(t, func() bool {
		e, ok := s.store.Get("s_pending")
		return ok && len(e.Session.History()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/session/reset", "s_pending", nil).Code)
	assert.Equal(t, http.StatusConflict, <-done)

	hist := decode[types.HistoryResponse](t, do(t, s, http.MethodGet, "/api/history", "s_pending", nil))
	assert.Empty(t, hist.Messages)
}

func TestEndSession(t *testing.T) {
	s := newTestServer(nil)
	w := do(t, s, http.MethodPost, "/api/chat", "s_end", types.ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, s.store.Len())

	w = do(t, s, http.MethodPost, "/api/session/end", "s_end", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")
	assert.Equal(t, 0, s.store.Len())

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/history", "s_end", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/session/end", "s_end", nil).Code)
}
