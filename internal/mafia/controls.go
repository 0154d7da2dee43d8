package mafia

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// View is the public, read-only picture of a session.
type View struct {
	ID         string       `json:"id"`
	Channel    string       `json:"channel"`
	HostID     string       `json:"hostId"`
	State      Lifecycle    `json:"state"`
	Phase      Phase        `json:"phase"`
	Round      int          `json:"round"`
	UIVersion  int          `json:"version"`
	DeadlineMs int64        `json:"deadlineMs,omitempty"`
	Players    []PlayerView `json:"players"`
	LastNight  NightOutcome `json:"lastNight"`
	LastVote   VoteOutcome  `json:"lastVote"`
	Winner     Faction      `json:"winner,omitempty"`
	EndReason  EndReason    `json:"endReason,omitempty"`
}

type PlayerView struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Alive  bool   `json:"alive"`
	// Role is only revealed once the game is over.
	Role string `json:"role,omitempty"`
}

func (s *Session) view() View {
	v := View{
		ID:         s.id,
		Channel:    s.channel,
		HostID:     s.hostID,
		State:      s.state,
		Phase:      s.phase,
		Round:      s.round,
		UIVersion:  s.uiVersion,
		DeadlineMs: toMs(s.phaseDeadline),
		LastNight:  s.lastNight,
		LastVote:   s.lastVote,
		Winner:     s.winner,
		EndReason:  s.endReason,
	}
	for _, id := range s.order {
		p := s.players[id]
		pv := PlayerView{UserID: p.UserID, Name: p.Name, Alive: p.Alive}
		if s.ended() {
			pv.Role = p.Role.String()
		}
		v.Players = append(v.Players, pv)
	}
	return v
}

// controls derives the public control set for the active phase. Only the
// day vote has one: night controls are filtered by role and would give roles
// away, so they go to the role holders privately (see roleControls).
func (s *Session) controls() []Control {
	if s.phase != PhaseDayVote {
		return nil
	}
	var out []Control
	for _, id := range s.order {
		if p := s.players[id]; p.Alive {
			out = append(out, Control{Label: p.Name, Kind: ActionVote, Target: id, Enabled: true})
		}
	}
	return append(out, Control{Label: "Skip", Kind: ActionVote, Target: SkipTarget, Enabled: true})
}

// roleControls returns the acting role of a night phase and its controls.
func (s *Session) roleControls() (Role, []Control) {
	var (
		role Role
		kind ActionKind
	)
	switch s.phase {
	case PhaseNightMafia:
		role, kind = RoleMafia, ActionKill
	case PhaseNightDoctor:
		role, kind = RoleDoctor, ActionProtect
	case PhaseNightDetective:
		role, kind = RoleDetective, ActionInvestigate
	default:
		return RoleCitizen, nil
	}

	var out []Control
	for _, id := range s.order {
		p := s.players[id]
		if !p.Alive || (kind == ActionKill && p.Role == RoleMafia) {
			continue
		}
		enabled := !(kind == ActionProtect && id == s.lastProtected)
		out = append(out, Control{Label: p.Name, Kind: kind, Target: id, Enabled: enabled})
	}
	return role, out
}

// promptMessage is the private night prompt for the acting role.
func (s *Session) promptMessage(controls []Control) Message {
	msg := Message{
		SessionID:  s.id,
		UIVersion:  s.uiVersion,
		DeadlineMs: toMs(s.phaseDeadline),
		Controls:   controls,
	}
	switch s.phase {
	case PhaseNightMafia:
		msg.Content = fmt.Sprintf("Night %d. Choose who to kill.", s.round)
	case PhaseNightDoctor:
		msg.Content = fmt.Sprintf("Night %d. Choose who to protect.", s.round)
	case PhaseNightDetective:
		msg.Content = fmt.Sprintf("Night %d. Choose who to investigate.", s.round)
	}
	return msg
}

func (s *Session) phaseMessage(now time.Time) Message {
	msg := Message{
		SessionID:  s.id,
		UIVersion:  s.uiVersion,
		DeadlineMs: toMs(s.phaseDeadline),
		Controls:   s.controls(),
	}
	left := ""
	if !s.phaseDeadline.IsZero() {
		left = fmt.Sprintf(" (%ds left)", int(s.phaseDeadline.Sub(now).Round(time.Second).Seconds()))
	}

	switch s.phase {
	case PhaseRoleReveal:
		msg.Content = "Roles have been handed out. Check your private messages." + left
	case PhaseNightMafia:
		msg.Content = fmt.Sprintf("Night %d falls. Mafia, choose your target.%s", s.round, left)
	case PhaseNightDoctor:
		msg.Content = "The doctor is choosing someone to protect." + left
	case PhaseNightDetective:
		msg.Content = "The detective is investigating." + left
	case PhaseResolveNight:
		msg.Content = s.nightSummary()
	case PhaseDayDiscuss:
		msg.Content = fmt.Sprintf("Day %d. Discuss.%s", s.round, left)
	case PhaseDayVote:
		msg.Content = fmt.Sprintf("Day %d vote. Choose who to expel, or skip.%s", s.round, left)
	case PhaseResolveVote:
		msg.Content = s.voteSummary()
	case PhaseEnded:
		msg.Content = s.endSummary()
	}
	return msg
}

func (s *Session) nightSummary() string {
	n := s.lastNight
	switch {
	case n.Killed:
		return fmt.Sprintf("Morning comes. %s was killed during the night.", s.name(n.Target))
	case n.Saved:
		return "Morning comes. The mafia struck, but the doctor saved their target."
	}
	return "Morning comes. Nobody died tonight."
}

func (s *Session) voteSummary() string {
	v := s.lastVote
	switch v.Kind {
	case VoteExpel:
		return fmt.Sprintf("The town expelled %s.", s.name(v.Target))
	case VoteTie:
		return "The vote was tied. Nobody is expelled."
	case VoteSkip, VoteNone:
	}
	return "The town chose not to expel anyone."
}

func (s *Session) tallyLine() string {
	counts := tally(s.dayVotes)
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %d", s.name(id), counts[id]))
	}
	return fmt.Sprintf("Votes %d/%d. %s", len(s.dayVotes), s.aliveCount(), strings.Join(parts, ", "))
}

func (s *Session) endSummary() string {
	var b strings.Builder
	switch s.endReason {
	case EndCancelled:
		b.WriteString("The game was cancelled.")
	case EndForfeit:
		fmt.Fprintf(&b, "The mafia never acted. %s wins by forfeit.", s.winner)
	case EndWin:
		fmt.Fprintf(&b, "Game over. %s wins after %d rounds.", s.winner, s.round)
	}
	for _, id := range s.order {
		p := s.players[id]
		status := "alive"
		if !p.Alive {
			status = "dead"
		}
		fmt.Fprintf(&b, "\n%s: %s (%s)", p.Name, p.Role, status)
	}
	return b.String()
}

func roleIntro(p *PlayerState, s *Session) string {
	switch p.Role {
	case RoleMafia:
		var mates []string
		for _, id := range s.order {
			if q := s.players[id]; q.Role == RoleMafia && q.UserID != p.UserID {
				mates = append(mates, q.Name)
			}
		}
		if len(mates) == 0 {
			return "You are the mafia. Eliminate the town."
		}
		return "You are mafia. Your partners: " + strings.Join(mates, ", ") + "."
	case RoleDoctor:
		return "You are the doctor. Each night, protect one player (not the same one twice in a row)."
	case RoleDetective:
		return "You are the detective. Each night, investigate one player."
	case RoleCitizen:
	}
	return "You are a citizen. Find the mafia."
}
