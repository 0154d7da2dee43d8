package mafia

import (
	"context"
	"sync"
	"time"
)

const slotPhase = "phase"

type Session struct {
	id      string
	channel string
	hostID  string

	state  Lifecycle
	phase  Phase
	silent bool
	round  int

	players map[string]*PlayerState
	order   []string
	dist    Distribution

	// round-scoped
	mafiaVotes      map[string]string
	dayVotes        map[string]string
	protectPick     string
	investigatePick string
	killTarget      string
	killResolved    bool
	protectTarget   string

	lastProtected      string
	lastNight          NightOutcome
	lastVote           VoteOutcome
	nightResolvedRound int
	voteResolvedRound  int
	mafiaMisses        int
	missCheckedRound   int

	uiVersion     int
	phaseStarted  time.Time
	phaseDeadline time.Time
	anchor        MessageRef

	winner    Faction
	endReason EndReason
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	timers  *Scheduler
	pending *phaseWaiter
}

// phaseWaiter is the pending-phase resolver. policy runs at most once and
// done closes at most once, whichever of timer or early completion gets there first.
type phaseWaiter struct {
	phase   Phase
	round   int
	policy  func(*Session)
	settled bool
	done    chan struct{}
	once    sync.Once
}

func newPhaseWaiter(phase Phase, round int, policy func(*Session)) *phaseWaiter {
	return &phaseWaiter{phase: phase, round: round, policy: policy, done: make(chan struct{})}
}

func (w *phaseWaiter) release() {
	w.once.Do(func() { close(w.done) })
}

func newSession(parent context.Context, id, channel, host string, players []*PlayerState, dist Distribution) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:      id,
		channel: channel,
		hostID:  host,
		state:   StatePlaying,
		phase:   PhaseRoleReveal,
		players: make(map[string]*PlayerState, len(players)),
		dist:    dist,
		ctx:     ctx,
		cancel:  cancel,
		timers:  NewScheduler(),
	}
	for _, p := range players {
		s.players[p.UserID] = p
		s.order = append(s.order, p.UserID)
	}
	s.resetRound()
	return s
}

func (s *Session) ended() bool {
	return s.state == StateEnded
}

func (s *Session) resetRound() {
	s.mafiaVotes = make(map[string]string)
	s.dayVotes = make(map[string]string)
	s.protectPick = ""
	s.investigatePick = ""
	s.killTarget = ""
	s.killResolved = false
	s.protectTarget = ""
}

func (s *Session) holder(role Role) *PlayerState {
	for _, id := range s.order {
		if p := s.players[id]; p.Role == role {
			return p
		}
	}
	return nil
}

func (s *Session) roleAlive(role Role) bool {
	return countAlive(s.players, role) > 0
}

func (s *Session) aliveCount() int {
	n := 0
	for _, p := range s.players {
		if p.Alive {
			n++
		}
	}
	return n
}

func (s *Session) name(id string) string {
	if p, ok := s.players[id]; ok {
		return p.Name
	}
	if id == SkipTarget {
		return "skip"
	}
	return id
}

// validate checks a against the current phase, the actor's role and the target.
func (s *Session) validate(a Action) (*PlayerState, error) {
	if s.ended() {
		return nil, ErrSessionEnded
	}
	rule, ok := ruleFor(a.Kind)
	if !ok {
		return nil, ErrInvalidAction
	}
	actor, ok := s.players[a.ActorID]
	if !ok {
		return nil, ErrNotInSession
	}
	if !actor.Alive {
		return nil, ErrPlayerDead
	}
	if !rule.anyRole && actor.Role != rule.role {
		return nil, ErrWrongRole
	}
	if s.phase != rule.phase || s.silent || s.pending == nil {
		return nil, ErrWrongPhase
	}
	if a.UIVersion != 0 && a.UIVersion != s.uiVersion {
		return nil, ErrStaleControls
	}

	if a.Kind == ActionVote && a.Target == SkipTarget {
		return actor, nil
	}
	target, ok := s.players[a.Target]
	if !ok || !target.Alive {
		return nil, ErrInvalidTarget
	}
	if a.Target == a.ActorID && !rule.allowSelf {
		return nil, ErrSelfTarget
	}
	switch a.Kind {
	case ActionKill:
		if target.Role == RoleMafia {
			return nil, ErrInvalidTarget
		}
	case ActionProtect:
		if a.Target == s.lastProtected {
			return nil, ErrRepeatProtect
		}
	case ActionInvestigate, ActionVote:
	}
	return actor, nil
}

// record stores a validated action, overwriting the actor's earlier pick.
func (s *Session) record(a Action) {
	switch a.Kind {
	case ActionKill:
		s.mafiaVotes[a.ActorID] = a.Target
	case ActionProtect:
		s.protectPick = a.Target
	case ActionInvestigate:
		s.investigatePick = a.Target
	case ActionVote:
		s.dayVotes[a.ActorID] = a.Target
	}
}

// phaseComplete is the early-resolution predicate for the active phase.
func (s *Session) phaseComplete() bool {
	if s.silent {
		return false
	}
	switch s.phase {
	case PhaseNightMafia:
		return len(s.mafiaVotes) >= countAlive(s.players, RoleMafia)
	case PhaseNightDoctor:
		return s.protectPick != ""
	case PhaseNightDetective:
		return s.investigatePick != ""
	case PhaseDayVote:
		return len(s.dayVotes) >= s.aliveCount()
	case PhaseRoleReveal, PhaseResolveNight, PhaseDayDiscuss, PhaseResolveVote, PhaseEnded:
	}
	return false
}

// dropVotesBy removes any round-scoped pick made by a player who just left.
func (s *Session) dropVotesBy(id string) {
	delete(s.mafiaVotes, id)
	delete(s.dayVotes, id)
	for voter, target := range s.mafiaVotes {
		if target == id {
			delete(s.mafiaVotes, voter)
		}
	}
	for voter, target := range s.dayVotes {
		if target == id {
			delete(s.dayVotes, voter)
		}
	}
	if s.protectPick == id {
		s.protectPick = ""
	}
	if s.investigatePick == id {
		s.investigatePick = ""
	}
}
