package game

import (
	"encoding/json"

	"example.com/mafia/internal/mafia"
)

// Envelope WS envelope: {"type":"...","payload":{...}}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	typeAuth        = "auth"
	typeAction      = "action"
	typeLeave       = "leave"
	typeHello       = "hello"
	typeMessage     = "message"
	typeMessageEdit = "message_edit"
	typeError       = "error"
	typeAck         = "ack"
)

// inbound

type AuthPayload struct {
	Token string `json:"token"`
}

type LeavePayload struct {
	SessionID string `json:"sessionId"`
}

// outbound

type HelloPayload struct {
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
}

// MessagePayload carries a posted or edited engine message. Edits reuse the
// original ref so clients replace it in place.
type MessagePayload struct {
	Ref     mafia.MessageRef `json:"ref"`
	Message mafia.Message    `json:"message"`
}

type AckPayload struct {
	Kind   mafia.ActionKind `json:"kind,omitempty"`
	Target string           `json:"target,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StartSessionRequest struct {
	SessionID string              `json:"sessionId,omitempty"`
	Channel   string              `json:"channel"`
	Players   []mafia.Participant `json:"players"`
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func envelope(typ string, payload any) []byte {
	b, _ := json.Marshal(Envelope{Type: typ, Payload: mustJSON(payload)})
	return b
}
