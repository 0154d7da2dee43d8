package game

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"example.com/mafia/internal/auth"
	"example.com/mafia/internal/httpapi"
	"example.com/mafia/internal/mafia"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	pingEvery    = 25 * time.Second
	readTimeout  = 60 * time.Second
	authTimeout  = 10 * time.Second
	maxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // MVP
}

var errAuthRequired = errors.New("first message must be auth")

type ClientConn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte

	mu       sync.Mutex
	closed   bool
	channels []string
}

func newClientConn(ws *websocket.Conn, userID string) *ClientConn {
	return &ClientConn{ws: ws, userID: userID, send: make(chan []byte, 64)}
}

// push queues b without blocking. It reports false when the client is gone
// or its buffer is full.
func (c *ClientConn) push(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *ClientConn) track(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
}

func (c *ClientConn) tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

func (c *ClientConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

func (c *ClientConn) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *ClientConn) sendError(code, msg string) {
	c.push(envelope(typeError, ErrorPayload{Code: code, Message: msg}))
}

// handleWS joins a table channel: /ws/{channel}.
// The token comes from "Authorization: Bearer", a token query parameter, or
// a first {"type":"auth"} message.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !validChannel(channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	var claims *auth.Claims
	token, ok := httpapi.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		c, err := s.verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxFrameSize)

	if claims == nil {
		claims, err = s.awaitAuth(ws)
		if err != nil {
			_ = ws.WriteJSON(Envelope{Type: typeError, Payload: mustJSON(ErrorPayload{Code: "unauthorized", Message: err.Error()})})
			_ = ws.Close()
			return
		}
	}

	cc := newClientConn(ws, claims.UserID)
	go cc.writeLoop()

	cc.push(envelope(typeHello, HelloPayload{UserID: claims.UserID, Channel: channel}))
	s.gw.Subscribe(channel, cc)
	s.gw.Subscribe(mafia.DirectChannel(claims.UserID), cc)
	s.log.Debug("ws connected", "channel", channel, "user", claims.UserID)

	s.readLoop(cc)

	s.gw.Unsubscribe(cc)
	cc.Close()
	s.log.Debug("ws disconnected", "channel", channel, "user", claims.UserID)
}

func (s *Server) awaitAuth(ws *websocket.Conn) (*auth.Claims, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errAuthRequired
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != typeAuth {
		return nil, errAuthRequired
	}
	var p AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token == "" {
		return nil, errAuthRequired
	}
	claims, err := s.verifier.Verify(p.Token)
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Server) readLoop(cc *ClientConn) {
	ws := cc.ws
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cc.sendError("bad_json", "invalid json")
			continue
		}

		switch env.Type {
		case typeAction:
			var a mafia.Action
			if err := json.Unmarshal(env.Payload, &a); err != nil {
				cc.sendError("bad_input", "invalid payload")
				continue
			}
			a.ActorID = cc.userID
			s.withTimeout(func(ctx context.Context) error { return s.engine.Submit(ctx, a) }, cc,
				AckPayload{Kind: a.Kind, Target: a.Target})

		case typeLeave:
			var p LeavePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
				cc.sendError("bad_input", "invalid payload")
				continue
			}
			s.withTimeout(func(ctx context.Context) error { return s.engine.Leave(ctx, p.SessionID, cc.userID) }, cc,
				AckPayload{})

		case typeAuth:
			// already authenticated

		default:
			cc.sendError("unknown_type", "unknown message type")
		}
	}
}

// withTimeout runs one engine call for cc. Errors go back to cc only.
func (s *Server) withTimeout(fn func(ctx context.Context) error, cc *ClientConn, ack AckPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.actionTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		_, code, msg := classify(err)
		if code == "internal" {
			s.log.Error("ws action failed", "user", cc.userID, "err", err)
		}
		cc.sendError(code, msg)
		return
	}
	cc.push(envelope(typeAck, ack))
}

// validChannel accepts 1..64 chars of [a-z0-9_-].
func validChannel(ch string) bool {
	if len(ch) == 0 || len(ch) > 64 {
		return false
	}
	for i := 0; i < len(ch); i++ {
		c := ch[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}
