package chat

import (
	"encoding/json"
	"fitchat/internal/content"
	"fitchat/internal/models"
	"fitchat/internal/ws"
	"log/slog"
)

// stream handles the events of one socket. Every event is checked against
// the generation it was opened with, so a socket that was replaced can no
// longer touch the manager state.
type stream struct {
	m              *Manager
	generation     uint64
	conversationID int64
}

func (s *stream) OnOpen() {
	m := s.m
	m.mu.Lock()
	if m.generation != s.generation {
		m.mu.Unlock()
		return
	}
	m.state = ws.StateConnected
	m.history.Clear()
	m.mu.Unlock()

	slog.Info("chat connected", "conversation_id", s.conversationID)
	m.notifyState(s.conversationID, ws.StateConnected)
}

func (s *stream) OnFrame(frame json.RawMessage) {
	var in models.InboundFrame
	if err := json.Unmarshal(frame, &in); err != nil || in.Message == nil {
		slog.Debug("ignoring unrecognized frame", "conversation_id", s.conversationID, "frame", string(frame))
		return
	}

	msg := *in.Message
	msg.Body = content.Sanitize(msg.Body)
	msg.TempID = ""
	msg.Pending = false

	m := s.m
	m.mu.Lock()
	if m.generation != s.generation {
		m.mu.Unlock()
		return
	}
	fromSelf := msg.Sender.Is(m.cfg.Self)
	if !fromSelf || !m.history.Confirm(msg) {
		m.history.Append(msg)
	}
	m.mu.Unlock()

	if m.cfg.OnMessage != nil {
		m.cfg.OnMessage(s.conversationID, msg)
	}

	if !fromSelf {
		m.refreshAsync()
	}
}

func (s *stream) OnClose(err error) {
	m := s.m
	m.mu.Lock()
	if m.generation != s.generation {
		m.mu.Unlock()
		return
	}
	m.state = ws.StateDisconnected
	m.mu.Unlock()

	slog.Warn("chat disconnected", "conversation_id", s.conversationID, "error", err)
	m.notifyState(s.conversationID, ws.StateDisconnected)
}
