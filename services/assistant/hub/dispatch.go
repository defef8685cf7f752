// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/marketplace-assistant/services/assistant/analytics"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/datatypes"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/enrich"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/faults"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/gate"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/knowledge"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/observability"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/pipeline"
	"github.com/AleutianAI/marketplace-assistant/services/assistant/session"
)

// Dispatcher routes inbound envelopes through the message path: gate,
// session store, context enrichment, knowledge lookup, and the response
// pipeline. One Dispatcher serves all connections.
type Dispatcher struct {
	Hub       *Hub
	Gate      *gate.Gate
	Sessions  *session.Store
	Enricher  *enrich.Aggregator
	Knowledge *knowledge.Base
	Pipeline  *pipeline.Pipeline
	Analytics *analytics.Emitter
}

// ServeWS returns the gin handler for the chat WebSocket endpoint.
//
// The user id comes from the X-User-ID header (set by the platform's auth
// proxy) or the user_id query parameter; absent both, the visitor is
// anonymous and keyed by connection id. After the upgrade the handler
// binds a session, announces it, and blocks in the read pump until the
// connection dies.
func (d *Dispatcher) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = c.Query("user_id")
		}

		conn, err := d.Hub.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err, "remote", c.ClientIP())
			return
		}

		client := newClient(uuid.New().String(), d.Hub, conn, userID)

		sess, created := d.Sessions.GetOrCreate(client.Identity())
		client.SessionID = sess.ID

		d.Hub.Register(client)
		slog.Info("websocket client connected",
			"connection_id", client.ID,
			"user_id", userID,
			"session_id", sess.ID,
			"resumed", !created,
		)

		client.Enqueue(datatypes.NewOutbound(datatypes.OutboundSessionCreated, sess.ID))
		if created {
			d.Analytics.Emit(analytics.Event{
				Type:      analytics.EventSessionCreated,
				SessionID: sess.ID,
				UserID:    userID,
			})
		}

		go client.WritePump()
		client.ReadPump(d.Handle)
	}
}

// Handle dispatches one raw inbound frame. The switch over envelope kinds
// is exhaustive; Inbound.Validate rejects unknown types before they reach
// the default arm.
func (d *Dispatcher) Handle(c *Client, raw []byte) {
	var in datatypes.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		d.sendFault(c, faults.Validation("Your message could not be understood.", err))
		return
	}

	switch in.Type {
	case datatypes.InboundHeartbeatAck:
		c.resetHeartbeat()

	case datatypes.InboundFeedback:
		d.handleFeedback(c, &in)

	case datatypes.InboundMessage:
		d.handleMessage(c, &in)

	default:
		d.sendFault(c, faults.Validation("Unknown message type.", nil))
	}
}

// handleMessage runs the full path for one chat message. Everything is
// synchronous: a connection gets one reply at a time, in order.
func (d *Dispatcher) handleMessage(c *Client, in *datatypes.Inbound) {
	start := time.Now()

	content, err := d.Gate.CheckMessage(c.Identity(), in)
	if err != nil {
		kind := faults.KindOf(err)
		if m := observability.DefaultMetrics; m != nil {
			m.GateRejectionsTotal.WithLabelValues(kind.String()).Inc()
			m.MessagesTotal.WithLabelValues("user", "rejected").Inc()
		}
		d.sendFault(c, err)
		return
	}

	// History is read before the append so the prompt does not carry the
	// current message twice.
	history := d.Sessions.History(c.SessionID)

	if _, err := d.Sessions.Append(c.SessionID, datatypes.DirectionUser, content, "chat"); err != nil {
		// The sweeper expired the session between connect and now. Bind a
		// fresh one and retry once.
		sess, _ := d.Sessions.GetOrCreate(c.Identity())
		c.SessionID = sess.ID
		c.Enqueue(datatypes.NewOutbound(datatypes.OutboundSessionCreated, sess.ID))
		history = nil
		if _, err := d.Sessions.Append(c.SessionID, datatypes.DirectionUser, content, "chat"); err != nil {
			slog.Error("session append failed after rebind", "session_id", c.SessionID, "error", err)
			d.sendFault(c, faults.New(faults.KindPersistence, err))
			return
		}
	}
	if m := observability.DefaultMetrics; m != nil {
		m.MessagesTotal.WithLabelValues("user", "accepted").Inc()
	}

	c.Enqueue(datatypes.NewOutbound(datatypes.OutboundTyping, c.SessionID))

	snapshot := d.Enricher.Snapshot(c.Context(), c.UserID, in.Page)
	var snippets []knowledge.Snippet
	if d.Knowledge != nil {
		snippets = d.Knowledge.Lookup(content, in.Page, 3)
	}

	result, err := d.Pipeline.Respond(c.Context(), pipeline.PromptInput{
		History:     history,
		Snapshot:    snapshot,
		Snippets:    snippets,
		UserMessage: content,
	})
	if err != nil {
		// Connection gone; nobody is listening for this reply.
		slog.Debug("dropping reply for dead connection", "connection_id", c.ID)
		return
	}

	if _, err := d.Sessions.Append(c.SessionID, datatypes.DirectionAssistant, result.Content, "chat"); err != nil {
		slog.Warn("assistant message append failed", "session_id", c.SessionID, "error", err)
	}

	env := datatypes.NewOutbound(datatypes.OutboundAssistantMessage, c.SessionID)
	env.Content = result.Content
	env.IsFallback = result.IsFallback
	c.Enqueue(env)

	if m := observability.DefaultMetrics; m != nil {
		m.MessagesTotal.WithLabelValues("assistant", "sent").Inc()
	}
	d.Analytics.Emit(analytics.Event{
		Type:      analytics.EventMessageExchanged,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Fields: map[string]int64{
			"latency_ms": time.Since(start).Milliseconds(),
		},
	})
	if result.IsFallback {
		d.Analytics.Emit(analytics.Event{
			Type:      analytics.EventFallback,
			SessionID: c.SessionID,
			UserID:    c.UserID,
		})
	}
}

func (d *Dispatcher) handleFeedback(c *Client, in *datatypes.Inbound) {
	if err := d.Gate.CheckFeedback(c.Identity(), in); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.GateRejectionsTotal.WithLabelValues(faults.KindOf(err).String()).Inc()
		}
		d.sendFault(c, err)
		return
	}
	d.Analytics.Emit(analytics.Event{
		Type:      analytics.EventRating,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Fields:    map[string]int64{"rating": int64(in.Rating)},
	})
	slog.Debug("feedback recorded", "session_id", c.SessionID, "rating", in.Rating)
}

// sendFault maps a classified error to its outbound envelope. Rate limits
// get their own kind with a retry-after hint; everything else is a terminal
// error envelope.
func (d *Dispatcher) sendFault(c *Client, err error) {
	f := faults.AsFault(err)
	if f == nil {
		f = faults.New(faults.KindUnknown, err)
	}

	if f.Kind == faults.KindRateLimit {
		env := datatypes.NewOutbound(datatypes.OutboundRateLimit, c.SessionID)
		env.Content = f.UserMessage
		env.RetryAfter = int(f.RetryAfter.Round(time.Second) / time.Second)
		if env.RetryAfter < 1 {
			env.RetryAfter = 1
		}
		c.Enqueue(env)
		return
	}

	env := datatypes.NewOutbound(datatypes.OutboundError, c.SessionID)
	env.Code = f.Kind.String()
	env.Content = f.UserMessage
	if env.Content == "" {
		env.Content = "Something went wrong. Please try again."
	}
	c.Enqueue(env)
}
