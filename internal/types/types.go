package types

import (
	"techbot-backend/internal/chat"
	"techbot-backend/internal/render"
)

type ChatRequest struct {
	Message string `json:"message"`
}

type ActionRequest struct {
	Action string `json:"action"`
}

type ToggleRequest struct {
	Open *bool `json:"open,omitempty"`
}

type ChatResponse struct {
	SessionID string   `json:"sessionId"`
	Reply     string   `json:"reply"`
	HTML      string   `json:"html"`
	Actions   []string `json:"actions"`
	Source    string   `json:"source"`
	Urgency   string   `json:"urgency"`
	Intent    string   `json:"intent,omitempty"`
	Critical  bool     `json:"critical"`
}

type SessionResponse struct {
	SessionID  string          `json:"sessionId"`
	Assistant  string          `json:"assistant"`
	RemoteMode bool            `json:"remoteMode"`
	Visibility chat.Visibility `json:"visibility"`
	Events     []render.Event  `json:"events"`
}

type HistoryResponse struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
	Urgency   string         `json:"urgency"`
	Intent    string         `json:"intent,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WSInbound is a frame sent by the widget over the WebSocket.
type WSInbound struct {
	Type string `json:"type"` // submit | toggle
	Text string `json:"text,omitempty"`
	Open *bool  `json:"open,omitempty"`
}

// WSOutbound carries sink events plus control frames back to the widget.
type WSOutbound struct {
	render.Event
	Visibility *chat.Visibility `json:"visibility,omitempty"`
	Error      string           `json:"error,omitempty"`
}
