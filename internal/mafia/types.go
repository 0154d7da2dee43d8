package mafia

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionEnded    = errors.New("session already ended")
	ErrNotHost         = errors.New("only the host can do this")
	ErrBadLobby        = errors.New("invalid player list")

	// ErrAborted is returned when the session's cancellation signal fires
	// during a delay or while waiting for the lock. It is control flow, not a failure.
	ErrAborted = errors.New("aborted")

	ErrInvalidAction = errors.New("invalid action")
	ErrNotInSession  = fmt.Errorf("%w: not a player in this game", ErrInvalidAction)
	ErrPlayerDead    = fmt.Errorf("%w: dead players cannot act", ErrInvalidAction)
	ErrWrongRole     = fmt.Errorf("%w: your role cannot do this", ErrInvalidAction)
	ErrWrongPhase    = fmt.Errorf("%w: not allowed in this phase", ErrInvalidAction)
	ErrInvalidTarget = fmt.Errorf("%w: invalid target", ErrInvalidAction)
	ErrSelfTarget    = fmt.Errorf("%w: cannot target yourself", ErrInvalidAction)
	ErrRepeatProtect = fmt.Errorf("%w: cannot protect the same player two nights running", ErrInvalidAction)
	ErrStaleControls = fmt.Errorf("%w: these controls are out of date", ErrInvalidAction)
)

type Phase string

const (
	PhaseRoleReveal     Phase = "role_reveal"
	PhaseNightMafia     Phase = "night_mafia"
	PhaseNightDoctor    Phase = "night_doctor"
	PhaseNightDetective Phase = "night_detective"
	PhaseResolveNight   Phase = "resolve_night"
	PhaseDayDiscuss     Phase = "day_discuss"
	PhaseDayVote        Phase = "day_vote"
	PhaseResolveVote    Phase = "resolve_vote"
	PhaseEnded          Phase = "ended"
)

type Lifecycle string

const (
	StatePlaying Lifecycle = "playing"
	StateEnded   Lifecycle = "ended"
)

type EndReason string

const (
	EndWin       EndReason = "win"
	EndForfeit   EndReason = "forfeit"
	EndCancelled EndReason = "cancelled"
)

type PlayerState struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Alive  bool   `json:"alive"`
}

type ActionKind string

const (
	ActionKill        ActionKind = "kill"
	ActionProtect     ActionKind = "protect"
	ActionInvestigate ActionKind = "investigate"
	ActionVote        ActionKind = "vote"
)

// Action is one participant submission routed in by the transport.
type Action struct {
	SessionID string     `json:"sessionId"`
	ActorID   string     `json:"-"`
	Kind      ActionKind `json:"kind"`
	Target    string     `json:"target"`
	// UIVersion is the version the controls were rendered at; 0 skips the check.
	UIVersion int `json:"version,omitempty"`
}

type actionRule struct {
	phase     Phase
	anyRole   bool
	role      Role
	allowSelf bool
}

func ruleFor(kind ActionKind) (actionRule, bool) {
	switch kind {
	case ActionKill:
		return actionRule{phase: PhaseNightMafia, role: RoleMafia}, true
	case ActionProtect:
		return actionRule{phase: PhaseNightDoctor, role: RoleDoctor, allowSelf: true}, true
	case ActionInvestigate:
		return actionRule{phase: PhaseNightDetective, role: RoleDetective}, true
	case ActionVote:
		return actionRule{phase: PhaseDayVote, anyRole: true}, true
	}
	return actionRule{}, false
}

// Control is a declarative button/choice. Controls are rebuilt from session
// state on every phase change.
type Control struct {
	Label   string     `json:"label"`
	Kind    ActionKind `json:"kind"`
	Target  string     `json:"target"`
	Enabled bool       `json:"enabled"`
}

type Message struct {
	Content    string    `json:"content"`
	Controls   []Control `json:"controls,omitempty"`
	UIVersion  int       `json:"version"`
	SessionID  string    `json:"sessionId"`
	DeadlineMs int64     `json:"deadlineMs,omitempty"`
	Image      []byte    `json:"image,omitempty"`
}

type MessageRef struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// DirectChannel addresses one participant privately.
func DirectChannel(userID string) string {
	return "dm:" + userID
}

type Transport interface {
	SendMessage(ctx context.Context, channel string, msg Message) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, msg Message) error
}

// Ledger is the currency ledger. ChargeForPurchase fails with the ledger's
// insufficient-balance error, which callers test with errors.Is.
type Ledger interface {
	AwardWin(ctx context.Context, userID string, amount int64, gameType string, meta map[string]any) (int64, error)
	ChargeForPurchase(ctx context.Context, userID string, amount int64, purchaseType string, meta map[string]any) (int64, error)
}

// ResultRecorder stores per-user outcomes (wins/losses).
type ResultRecorder interface {
	RecordResult(ctx context.Context, userID string, won bool) error
}

// RenderFunc turns public game state into image bytes.
type RenderFunc func(View) ([]byte, error)

type nopTransport struct{}

func (nopTransport) SendMessage(context.Context, string, Message) (MessageRef, error) {
	return MessageRef{}, nil
}

func (nopTransport) EditMessage(context.Context, MessageRef, Message) error { return nil }
