package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seekapa/copilot/internal/audit"
	"github.com/seekapa/copilot/internal/auth"
	"github.com/seekapa/copilot/internal/fabric"
	"github.com/seekapa/copilot/internal/llm"
)

// handleWS upgrades the connection and hands it to the fabric. The token
// rides in the query string because browsers cannot set headers on websocket
// dials. Auth failures close with policy violation after the upgrade so the
// client sees a close code instead of a failed handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	claims, err := s.wsAuthenticate(r)
	if err != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(fabric.ClosePolicy, "authentication failed"), deadline)
		conn.Close()
		return
	}

	compress := r.URL.Query().Get("compression") == "true"
	group := r.URL.Query().Get("group")
	clientID := r.URL.Query().Get("client_id")

	client, err := s.fabric.Accept(conn, clientID, group, compress)
	if err != nil {
		// Accept already closed the socket with the right code.
		return
	}

	s.audit.Log(r.Context(), audit.Entry{
		Type: audit.EventSessionCreated, Action: "ws_connected",
		Actor: &audit.Actor{UserID: claims.Subject, Username: claims.Username, IP: clientIP(r)},
	})

	// The read loop owns the connection lifetime from here.
	client.Run(context.Background(), s.handleClientMessage)
}

func (s *Server) wsAuthenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.auth.Tokens().Decode(r.Context(), token, auth.TokenTypeAccess)
}

// handleClientMessage dispatches one inbound websocket message.
func (s *Server) handleClientMessage(ctx context.Context, c *fabric.Client, msg fabric.ClientMessage) {
	switch msg.Type {
	case fabric.MessageChat:
		s.wsChat(ctx, c, msg)
	case fabric.MessageQueryData:
		s.wsQueryData(ctx, c, msg)
	case fabric.MessageDatasetInfo:
		s.wsDatasetInfo(ctx, c)
	default:
		c.Send(fabric.Frame{
			Type:    fabric.FrameError,
			Message: "unknown message type",
		}.Bypass())
	}
}

func (s *Server) wsChat(ctx context.Context, c *fabric.Client, msg fabric.ClientMessage) {
	if msg.Message == "" {
		c.Send(fabric.Frame{Type: fabric.FrameError, Message: "message is required"}.Bypass())
		return
	}

	c.Send(fabric.Frame{Type: fabric.FrameTyping}.Bypass())

	req := llm.Request{
		Query:   msg.Message,
		History: c.History(),
		Context: msg.Context,
	}

	if msg.Stream {
		chunks, variant := s.llm.ChatStream(ctx, req)
		var full string
		for chunk := range chunks {
			full += chunk
			c.Send(fabric.Frame{Type: fabric.FrameStream, Message: chunk})
		}
		c.Send(fabric.Frame{
			Type: fabric.FrameStreamEnd,
			Data: map[string]any{"model": string(variant)},
		})
		c.AppendTurn(msg.Message, full)
		return
	}

	res := s.llm.Chat(ctx, req)
	c.AppendTurn(msg.Message, res.Reply)
	c.Send(fabric.Frame{
		Type:    fabric.FrameResponse,
		Message: res.Reply,
		Data:    map[string]any{"model": string(res.Variant), "cached": res.Cached},
	})
}

func (s *Server) wsQueryData(ctx context.Context, c *fabric.Client, msg fabric.ClientMessage) {
	if msg.Query == "" {
		c.Send(fabric.Frame{Type: fabric.FrameError, Message: "query is required"}.Bypass())
		return
	}

	res, err := s.powerbi.ExecuteQuery(ctx, msg.Query)
	if err != nil {
		c.Send(fabric.Frame{Type: fabric.FrameError, Message: "query execution failed"}.Bypass())
		return
	}
	c.Send(fabric.Frame{Type: fabric.FrameDataResult, Data: res})
}

func (s *Server) wsDatasetInfo(ctx context.Context, c *fabric.Client) {
	info, err := s.powerbi.Info(ctx)
	if err != nil {
		c.Send(fabric.Frame{Type: fabric.FrameError, Message: "dataset metadata unavailable"}.Bypass())
		return
	}
	c.Send(fabric.Frame{Type: fabric.FrameDatasetInfo, Data: info})
}
