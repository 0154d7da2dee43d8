package mafia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is bumped whenever the persisted layout changes. Older or
// newer versions are rejected on load instead of being guessed at.
const SnapshotVersion = 2

var (
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
	ErrSnapshotInvalid = errors.New("invalid snapshot")
)

// SnapshotStore persists session snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, bool, error)
}

// LiveLister is implemented by stores that can list sessions still playing.
type LiveLister interface {
	ListLive(ctx context.Context) ([]string, error)
}

type Snapshot struct {
	Version   int    `json:"version"`
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	HostID    string `json:"hostId"`

	State     Lifecycle `json:"state"`
	Phase     Phase     `json:"phase"`
	Silent    bool      `json:"silent"`
	Round     int       `json:"round"`
	UIVersion int       `json:"uiVersion"`

	Players      []PlayerState `json:"players"`
	Distribution Distribution  `json:"distribution"`

	KillTarget         string       `json:"killTarget"`
	ProtectTarget      string       `json:"protectTarget"`
	LastProtected      string       `json:"lastProtected"`
	LastNight          NightOutcome `json:"lastNight"`
	LastVote           VoteOutcome  `json:"lastVote"`
	NightResolvedRound int          `json:"nightResolvedRound"`
	VoteResolvedRound  int          `json:"voteResolvedRound"`
	MafiaMisses        int          `json:"mafiaMisses"`
	MissCheckedRound   int          `json:"missCheckedRound"`

	Anchor MessageRef `json:"anchor"`

	Winner    Faction   `json:"winner"`
	EndReason EndReason `json:"endReason"`

	PhaseDeadlineMs int64 `json:"phaseDeadlineMs"`
	StartedAtMs     int64 `json:"startedAtMs"`
	SavedAtMs       int64 `json:"savedAtMs"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	players := make([]PlayerState, 0, len(s.order))
	for _, id := range s.order {
		players = append(players, *s.players[id])
	}
	return Snapshot{
		Version:   SnapshotVersion,
		SessionID: s.id,
		Channel:   s.channel,
		HostID:    s.hostID,

		State:     s.state,
		Phase:     s.phase,
		Silent:    s.silent,
		Round:     s.round,
		UIVersion: s.uiVersion,

		Players:      players,
		Distribution: s.dist,

		KillTarget:         s.killTarget,
		ProtectTarget:      s.protectTarget,
		LastProtected:      s.lastProtected,
		LastNight:          s.lastNight,
		LastVote:           s.lastVote,
		NightResolvedRound: s.nightResolvedRound,
		VoteResolvedRound:  s.voteResolvedRound,
		MafiaMisses:        s.mafiaMisses,
		MissCheckedRound:   s.missCheckedRound,

		Anchor: s.anchor,

		Winner:    s.winner,
		EndReason: s.endReason,

		PhaseDeadlineMs: toMs(s.phaseDeadline),
		StartedAtMs:     toMs(s.startedAt),
		SavedAtMs:       now.UnixMilli(),
	}
}

// Validate applies the load policy: exact version, and every field the
// restore path depends on must be present and consistent.
func (snap Snapshot) Validate() error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d (want %d)", ErrSnapshotVersion, snap.Version, SnapshotVersion)
	}
	if snap.SessionID == "" || snap.Channel == "" {
		return fmt.Errorf("%w: missing session id or channel", ErrSnapshotInvalid)
	}
	if len(snap.Players) == 0 || snap.Distribution.Total() != len(snap.Players) {
		return fmt.Errorf("%w: players do not match distribution", ErrSnapshotInvalid)
	}
	switch snap.State {
	case StatePlaying, StateEnded:
	default:
		return fmt.Errorf("%w: state %q", ErrSnapshotInvalid, snap.State)
	}
	switch snap.Phase {
	case PhaseRoleReveal, PhaseNightMafia, PhaseNightDoctor, PhaseNightDetective,
		PhaseResolveNight, PhaseDayDiscuss, PhaseDayVote, PhaseResolveVote, PhaseEnded:
	default:
		return fmt.Errorf("%w: phase %q", ErrSnapshotInvalid, snap.Phase)
	}
	seen := make(map[string]bool, len(snap.Players))
	for _, p := range snap.Players {
		if p.UserID == "" || seen[p.UserID] {
			return fmt.Errorf("%w: bad player id %q", ErrSnapshotInvalid, p.UserID)
		}
		seen[p.UserID] = true
	}
	return nil
}

// EncodeSnapshot and DecodeSnapshot are the wire form used by stores.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// DecodeSnapshot rejects unknown fields and anything Validate rejects.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotInvalid, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func restoreSession(parent context.Context, snap Snapshot) *Session {
	players := make([]*PlayerState, 0, len(snap.Players))
	for i := range snap.Players {
		p := snap.Players[i]
		players = append(players, &p)
	}
	s := newSession(parent, snap.SessionID, snap.Channel, snap.HostID, players, snap.Distribution)
	s.state = snap.State
	s.phase = snap.Phase
	s.silent = snap.Silent
	s.round = snap.Round
	s.uiVersion = snap.UIVersion
	s.killTarget = snap.KillTarget
	s.killResolved = snap.KillTarget != ""
	s.protectTarget = snap.ProtectTarget
	s.lastProtected = snap.LastProtected
	s.lastNight = snap.LastNight
	s.lastVote = snap.LastVote
	s.nightResolvedRound = snap.NightResolvedRound
	s.voteResolvedRound = snap.VoteResolvedRound
	s.mafiaMisses = snap.MafiaMisses
	s.missCheckedRound = snap.MissCheckedRound
	s.anchor = snap.Anchor
	s.winner = snap.Winner
	s.endReason = snap.EndReason
	s.phaseDeadline = fromMs(snap.PhaseDeadlineMs)
	s.startedAt = fromMs(snap.StartedAtMs)
	return s
}

// segment is where a restored session re-enters the round loop.
type segment int

const (
	segmentReveal segment = iota
	segmentNight
	segmentDay
)

// resumePoint returns the segment to replay and whether it starts a new round.
// Already-applied resolutions are never replayed.
func resumePoint(snap Snapshot) (segment, bool) {
	switch snap.Phase {
	case PhaseRoleReveal:
		return segmentReveal, true
	case PhaseNightMafia, PhaseNightDoctor, PhaseNightDetective:
		return segmentNight, snap.Round == 0
	case PhaseResolveNight:
		if snap.NightResolvedRound == snap.Round {
			return segmentDay, false
		}
		return segmentNight, false
	case PhaseDayDiscuss, PhaseDayVote:
		return segmentDay, false
	case PhaseResolveVote:
		if snap.VoteResolvedRound == snap.Round {
			return segmentNight, true
		}
		return segmentDay, false
	case PhaseEnded:
	}
	return segmentNight, true
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
