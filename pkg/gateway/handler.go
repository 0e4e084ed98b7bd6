package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/store"
)

// HandleConnection drives one WebSocket connection through the protocol
// state machine. Blocks until the connection closes. The connection
// starts Unauthenticated; the only accepted message is hello, after
// which it is Ready.
func (s *Server) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	c := newConn(parentCtx, uuid.New().String(), ws, s.opts.SubscriberBuffer, s.opts.WriteTimeout)
	s.connections.Add(1)
	defer s.connections.Add(-1)
	defer s.teardown(c)

	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			return // connection closed
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			slog.Warn("Invalid WebSocket frame", "connection_id", c.id, "error", err)
			s.sendError(c, protocol.CodeBadMessage, err.Error(), "", false)
			c.Close()
			return
		}

		if !s.handleFrame(c, frame) {
			return
		}
	}
}

// teardown detaches every subscription held by the connection. No
// inbound message survives a disconnect.
func (s *Server) teardown(c *conn) {
	for sessionID := range c.subscriptions {
		if actor := s.manager.Get(sessionID); actor != nil {
			actor.DetachSubscriber(c.clientID)
		}
	}
	c.Close()
}

// handleFrame dispatches one parsed frame. Returns false when the
// connection must close.
func (s *Server) handleFrame(c *conn, f *protocol.ClientFrame) bool {
	if !c.authed {
		if f.Type != protocol.TypeHello {
			s.sendError(c, protocol.CodeNotAuthenticated, "hello required", "", false)
			c.Close()
			return false
		}
		return s.handleHello(c, f)
	}

	switch f.Type {
	case protocol.TypeHello:
		// Re-authentication over a live connection is a protocol error.
		s.sendError(c, protocol.CodeBadMessage, "already authenticated", "", false)
		c.Close()
		return false
	case protocol.TypeSubscribe:
		s.handleSubscribe(c, f)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(c, f)
	case protocol.TypeInput:
		s.handleInput(c, f)
	case protocol.TypeAck:
		if actor := s.manager.Get(f.SessionID); actor != nil {
			actor.UpdateAck(c.clientID, f.Seq)
		}
	case protocol.TypePing:
		s.sendJSON(c, protocol.Pong{Type: protocol.TypePong, TS: f.TS})
	case protocol.TypeCreateSession:
		s.handleCreateSession(c, f)
	case protocol.TypeStopSession:
		s.handleStopSession(c, f)
	default:
		s.sendError(c, protocol.CodeUnsupported, "unsupported message type: "+f.Type, "", true)
	}
	return true
}

func (s *Server) handleHello(c *conn, f *protocol.ClientFrame) bool {
	ctx, cancel := context.WithTimeout(c.ctx, s.opts.WriteTimeout)
	userID, err := s.auth.Authenticate(ctx, f.Token, f.ClientID)
	cancel()
	if err != nil {
		slog.Warn("Authentication failed",
			"connection_id", c.id, "client_id", f.ClientID, "error", err)
		s.sendError(c, protocol.CodeNotAuthenticated, "authentication failed", "", false)
		c.Close()
		return false
	}

	c.authed = true
	c.clientID = f.ClientID
	c.userID = userID

	s.sendJSON(c, protocol.HelloOK{
		Type:                protocol.TypeHelloOK,
		GatewayTime:         time.Now().UTC().Format(time.RFC3339Nano),
		HeartbeatIntervalMs: s.opts.HeartbeatInterval.Milliseconds(),
		UserID:              userID,
	})
	slog.Info("Client connected",
		"connection_id", c.id, "client_id", f.ClientID,
		"user_id", userID, "device_type", f.DeviceType)
	return true
}

func (s *Server) handleSubscribe(c *conn, f *protocol.ClientFrame) {
	actor, ok := s.loadActor(c, f.SessionID)
	if !ok {
		return
	}

	// The subscribed reply goes onto the send queue first; the actor
	// then queues the catch-up tail and any live events behind it, so
	// the client sees subscribed → catch-up → live in order.
	s.sendJSON(c, protocol.Subscribed{
		Type:         protocol.TypeSubscribed,
		SessionID:    actor.ID(),
		CurrentState: actor.Status(),
		LatestSeq:    actor.LatestSeq(),
	})

	catchup := actor.AttachSubscriber(c.clientID, c, *f.LastAckSeq)
	c.subscriptions[actor.ID()] = true

	slog.Debug("Subscriber attached",
		"session_id", actor.ID(), "client_id", c.clientID,
		"last_ack_seq", *f.LastAckSeq, "catchup_events", len(catchup))
}

func (s *Server) handleUnsubscribe(c *conn, f *protocol.ClientFrame) {
	if actor := s.manager.Get(f.SessionID); actor != nil {
		actor.DetachSubscriber(c.clientID)
	}
	delete(c.subscriptions, f.SessionID)
	s.sendJSON(c, protocol.Unsubscribed{
		Type:      protocol.TypeUnsubscribed,
		SessionID: f.SessionID,
	})
}

func (s *Server) handleInput(c *conn, f *protocol.ClientFrame) {
	actor, ok := s.loadActor(c, f.SessionID)
	if !ok {
		return
	}

	seq, err := s.manager.DispatchInput(c.ctx, actor, f.Data, f.ClientInputID)
	if err != nil {
		// The input event is already sequenced; the agent-side failure
		// surfaces in the event log, not as a protocol error.
		slog.Error("Input dispatch failed",
			"session_id", f.SessionID, "client_input_id", f.ClientInputID, "error", err)
	}
	s.sendJSON(c, protocol.InputAck{
		Type:          protocol.TypeInputAck,
		SessionID:     f.SessionID,
		ClientInputID: f.ClientInputID,
		AcceptedSeq:   seq,
	})
}

func (s *Server) handleCreateSession(c *conn, f *protocol.ClientFrame) {
	actor, err := s.manager.Create(c.ctx, f.SessionConfig(c.userID))
	if err != nil {
		slog.Error("Session create failed", "user_id", c.userID, "error", err)
		s.sendError(c, protocol.CodeInternal, "failed to create session", "", true)
		return
	}
	s.sendJSON(c, protocol.SessionCreated{
		Type:      protocol.TypeSessionCreated,
		SessionID: actor.ID(),
		Status:    actor.Status(),
	})
}

func (s *Server) handleStopSession(c *conn, f *protocol.ClientFrame) {
	actor, ok := s.loadActor(c, f.SessionID)
	if !ok {
		return
	}
	if err := s.manager.RequestStop(c.ctx, actor); err != nil {
		slog.Error("Stop request failed", "session_id", f.SessionID, "error", err)
		s.sendError(c, protocol.CodeInternal, "failed to stop session", f.SessionID, true)
		return
	}
	// Request-accepted ack; the agent's exit drives the terminal state.
	s.sendJSON(c, protocol.SessionStopped{
		Type:      protocol.TypeSessionStopped,
		SessionID: f.SessionID,
	})
}

// loadActor resolves a session id through the manager and maps load
// failures onto wire errors. Lease conflicts are transient and never
// named to clients.
func (s *Server) loadActor(c *conn, sessionID string) (*session.Actor, bool) {
	actor, err := s.manager.GetOrLoad(c.ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.sendError(c, protocol.CodeSessionNotFound, "session not found", sessionID, false)
		case errors.Is(err, session.ErrLeaseHeld):
			s.sendError(c, protocol.CodeInternal, "session unavailable, retry", sessionID, true)
		default:
			slog.Error("Session load failed", "session_id", sessionID, "error", err)
			s.sendError(c, protocol.CodeInternal, "session load failed", sessionID, true)
		}
		return nil, false
	}
	return actor, true
}

func (s *Server) sendError(c *conn, code, message, sessionID string, retryable bool) {
	s.sendJSON(c, protocol.ErrorFrame{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Retryable: retryable,
	})
}

func (s *Server) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal server frame", "connection_id", c.id, "error", err)
		return
	}
	c.Send(data)
}
