package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"techbot-backend/internal/chat"
	"techbot-backend/internal/render"
	"techbot-backend/internal/types"
)

const (
	wsWriteTimeout = 5 * time.Second

	eventVisibility render.EventType = "visibility"
	eventBusy       render.EventType = "busy"
	eventError      render.EventType = "error"
)

// wsSink pushes sink calls to the widget as JSON frames.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
	log  *zap.Logger
}

func (s *wsSink) send(out types.WSOutbound) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, out); err != nil && s.ctx.Err() == nil {
		s.log.Debug("[ws] write failed", zap.Error(err))
	}
}

func (s *wsSink) RenderMessage(role chat.Role, markup string, actions []string) {
	s.send(types.WSOutbound{Event: render.MessageEvent(role, markup, actions)})
}

func (s *wsSink) RenderTypingIndicator(visible bool) {
	s.send(types.WSOutbound{Event: render.TypingEvent(visible)})
}

func (s *wsSink) ScrollToLatest() {
	s.send(types.WSOutbound{Event: render.Event{Type: render.EventScroll}})
}

// GET /api/ws
// Streams the session's sink events and accepts submit/toggle frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := getOrCreateSessionID(r, w, s.log)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.log.Debug("[ws] accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	e, _ := s.store.GetOrCreate(sid)
	sink := &wsSink{ctx: ctx, conn: conn, log: s.log.With(zap.String("session", sid))}
	unsub := e.Hub.Subscribe(sink)
	defer unsub()

	v := e.Session.Visibility()
	sink.send(types.WSOutbound{Event: render.Event{Type: eventVisibility}, Visibility: &v})
	e.Session.Greet()

	for {
		var in types.WSInbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.log.Debug("[ws] read ended", zap.String("session", sid), zap.Error(err))
			}
			return
		}
		switch in.Type {
		case "submit":
			go func(text string) {
				_, err := e.Session.HandleUserMessage(ctx, text)
				switch {
				case errors.Is(err, chat.ErrBusy):
					sink.send(types.WSOutbound{Event: render.Event{Type: eventBusy}, Error: err.Error()})
				case err != nil:
					sink.send(types.WSOutbound{Event: render.Event{Type: eventError}, Error: err.Error()})
				}
			}(in.Text)
		case "toggle":
			v := e.Session.Toggle(in.Open)
			sink.send(types.WSOutbound{Event: render.Event{Type: eventVisibility}, Visibility: &v})
		default:
			sink.send(types.WSOutbound{Event: render.Event{Type: eventError}, Error: "unknown frame type"})
		}
	}
}

// originPatterns turns configured origins into host patterns for the handshake check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
