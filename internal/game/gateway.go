package game

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"example.com/mafia/internal/mafia"
	"github.com/google/uuid"
)

var ErrUnknownMessage = errors.New("unknown message ref")

// Gateway is the websocket side of the engine's Transport: it fans engine
// messages out to every connection subscribed to a channel. Direct channels
// ("dm:<user>") reach only that user's connections.
type Gateway struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*ClientConn]struct{}
	latest map[string]MessagePayload
}

func NewGateway(log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:    log,
		subs:   make(map[string]map[*ClientConn]struct{}),
		latest: make(map[string]MessagePayload),
	}
}

// Subscribe attaches c to channel and replays the channel's latest message,
// so a reconnecting client gets the current controls.
func (g *Gateway) Subscribe(channel string, c *ClientConn) {
	g.mu.Lock()
	set, ok := g.subs[channel]
	if !ok {
		set = make(map[*ClientConn]struct{})
		g.subs[channel] = set
	}
	set[c] = struct{}{}
	last, hasLast := g.latest[channel]
	g.mu.Unlock()

	c.track(channel)
	if hasLast {
		c.push(envelope(typeMessage, last))
	}
}

func (g *Gateway) Unsubscribe(c *ClientConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, channel := range c.tracked() {
		set := g.subs[channel]
		delete(set, c)
		if len(set) == 0 {
			delete(g.subs, channel)
			delete(g.latest, channel)
		}
	}
}

func (g *Gateway) Subscribers(channel string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs[channel])
}

func (g *Gateway) SendMessage(_ context.Context, channel string, msg mafia.Message) (mafia.MessageRef, error) {
	ref := mafia.MessageRef{Channel: channel, ID: uuid.NewString()}
	p := MessagePayload{Ref: ref, Message: msg}

	// Replay state lives only as long as the channel has subscribers.
	if !isDirect(channel) {
		g.mu.Lock()
		if len(g.subs[channel]) > 0 {
			g.latest[channel] = p
		}
		g.mu.Unlock()
	}
	g.broadcast(channel, envelope(typeMessage, p))
	return ref, nil
}

func (g *Gateway) EditMessage(_ context.Context, ref mafia.MessageRef, msg mafia.Message) error {
	if ref.ID == "" || ref.Channel == "" {
		return ErrUnknownMessage
	}
	p := MessagePayload{Ref: ref, Message: msg}

	g.mu.Lock()
	if last, ok := g.latest[ref.Channel]; ok && last.Ref.ID == ref.ID {
		g.latest[ref.Channel] = p
	}
	g.mu.Unlock()

	g.broadcast(ref.Channel, envelope(typeMessageEdit, p))
	return nil
}

func (g *Gateway) broadcast(channel string, b []byte) {
	g.mu.RLock()
	conns := make([]*ClientConn, 0, len(g.subs[channel]))
	for c := range g.subs[channel] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		if !c.push(b) {
			g.log.Warn("dropping message for slow client", "channel", channel, "user", c.userID)
		}
	}
}

func isDirect(channel string) bool {
	return strings.HasPrefix(channel, mafia.DirectChannel(""))
}
