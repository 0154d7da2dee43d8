package mafia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Service) run(sess *Session, seg segment, newRound bool) {
	defer s.wg.Done()

	err := s.play(sess, seg, newRound)
	if err == nil || errors.Is(err, ErrAborted) || errors.Is(err, ErrSessionEnded) {
		return
	}

	s.log.Error("round loop failed", "session", sess.id, "err", err)
	_ = s.locks.Do(s.ctx, sess.id, func() error {
		s.endSession(sess, FactionNone, EndCancelled)
		return nil
	})
}

func (s *Service) play(sess *Session, seg segment, newRound bool) error {
	if seg == segmentReveal {
		if err := s.locked(sess, s.revealRoles); err != nil {
			return err
		}
		if err := s.runPhase(sess, PhaseRoleReveal, s.cfg.RoleReveal, nil, nil); err != nil {
			return err
		}
		seg, newRound = segmentNight, true
	}

	for {
		if seg == segmentNight {
			if err := s.playNight(sess, newRound); err != nil {
				return err
			}
		}
		if err := s.playDay(sess); err != nil {
			return err
		}
		seg, newRound = segmentNight, true
	}
}

func (s *Service) playNight(sess *Session, newRound bool) error {
	err := s.locked(sess, func(sess *Session) error {
		if newRound {
			sess.round++
		}
		sess.resetRound()
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.runPhase(sess, PhaseNightMafia, s.cfg.Night, s.resolveKill, nil); err != nil {
		return err
	}
	if err := s.locked(sess, s.checkForfeit); err != nil {
		return err
	}

	doctorActive := func(sess *Session) bool { return sess.roleAlive(RoleDoctor) }
	if err := s.runPhase(sess, PhaseNightDoctor, s.cfg.Night, s.resolveProtect, doctorActive); err != nil {
		return err
	}

	detectiveActive := func(sess *Session) bool {
		return sess.dist.DetectiveEnabled() && sess.roleAlive(RoleDetective)
	}
	if err := s.runPhase(sess, PhaseNightDetective, s.cfg.Night, s.resolveInvestigate, detectiveActive); err != nil {
		return err
	}

	if err := s.locked(sess, s.resolveNight); err != nil {
		return err
	}
	return s.sleep(sess, s.cfg.ResolveDelay)
}

func (s *Service) playDay(sess *Session) error {
	if err := s.runPhase(sess, PhaseDayDiscuss, s.cfg.Discuss, nil, nil); err != nil {
		return err
	}
	if err := s.runPhase(sess, PhaseDayVote, s.cfg.Vote, nil, nil); err != nil {
		return err
	}
	if err := s.locked(sess, s.resolveVote); err != nil {
		return err
	}
	return s.sleep(sess, s.cfg.ResolveDelay)
}

// locked runs fn under the session lock unless the session already ended.
func (s *Service) locked(sess *Session, fn func(*Session) error) error {
	return s.locks.Do(sess.ctx, sess.id, func() error {
		if sess.ended() {
			return ErrSessionEnded
		}
		return fn(sess)
	})
}

// runPhase enters a timed phase and blocks until it resolves. When active
// reports false the phase is entered silently and only a random delay passes.
func (s *Service) runPhase(sess *Session, phase Phase, d time.Duration, policy func(*Session), active func(*Session) bool) error {
	var w *phaseWaiter
	err := s.locked(sess, func(sess *Session) error {
		if active != nil && !active(sess) {
			s.enterSilent(sess, phase)
			return nil
		}
		w = s.changePhase(sess, phase, d, policy)
		return nil
	})
	if err != nil {
		return err
	}
	if w == nil {
		return s.sleep(sess, s.silentDelay())
	}

	select {
	case <-w.done:
		return nil
	case <-sess.ctx.Done():
		return ErrAborted
	}
}

// changePhase is the only way a session moves to a new visible phase: it
// swaps the phase timer, bumps the UI version, persists and announces.
// d == 0 enters the phase without a timer or pending resolver.
func (s *Service) changePhase(sess *Session, phase Phase, d time.Duration, policy func(*Session)) *phaseWaiter {
	sess.timers.Clear(slotPhase)
	if sess.pending != nil {
		sess.pending.release()
		sess.pending = nil
	}

	now := s.now()
	sess.phase = phase
	sess.silent = false
	sess.uiVersion++
	sess.phaseStarted = now
	sess.phaseDeadline = time.Time{}

	var w *phaseWaiter
	if d > 0 {
		sess.phaseDeadline = now.Add(d)
		w = newPhaseWaiter(phase, sess.round, policy)
		sess.pending = w
	}

	s.persist(sess)
	s.announce(sess)
	s.prompt(sess)

	if w != nil {
		sess.timers.Set(slotPhase, d,
			func() { s.onTimeout(sess, w) },
			WithWarning(s.cfg.Warning, func() { s.onWarning(sess, w) }),
		)
	}
	return w
}

// enterSilent moves to phase without telling anyone, so stale controls stop
// working while round length stays the same whether or not the role is alive.
func (s *Service) enterSilent(sess *Session, phase Phase) {
	sess.timers.Clear(slotPhase)
	if sess.pending != nil {
		sess.pending.release()
		sess.pending = nil
	}
	sess.phase = phase
	sess.silent = true
	sess.uiVersion++
	sess.phaseStarted = s.now()
	sess.phaseDeadline = time.Time{}
	s.persist(sess)
}

func (s *Service) onTimeout(sess *Session, w *phaseWaiter) {
	err := s.locks.Do(sess.ctx, sess.id, func() error {
		defer w.release()
		if sess.pending != w {
			return nil
		}
		s.settle(sess, w)
		return nil
	})
	if err != nil && !errors.Is(err, ErrAborted) {
		s.log.Error("phase timeout failed", "session", sess.id, "phase", w.phase, "round", w.round, "err", err)
	}
}

func (s *Service) onWarning(sess *Session, w *phaseWaiter) {
	_ = s.locks.Do(sess.ctx, sess.id, func() error {
		if sess.pending != w || sess.anchor.ID == "" {
			return nil
		}
		msg := sess.phaseMessage(s.now())
		msg.Content += "\nTime is almost up!"
		s.edit(sess, msg)
		return nil
	})
}

// settle resolves the pending phase exactly once: it stops the timer, runs the
// phase's timeout policy and releases the round loop. Early completion and
// timer expiry both come through here.
func (s *Service) settle(sess *Session, w *phaseWaiter) {
	if w.settled {
		return
	}
	w.settled = true
	defer w.release()

	sess.timers.Clear(slotPhase)
	if sess.pending == w {
		sess.pending = nil
	}
	if w.policy != nil {
		w.policy(sess)
	}
}

func (s *Service) resolveKill(sess *Session) {
	if sess.killResolved {
		return
	}
	sess.killTarget, _ = ResolveKill(sess.mafiaVotes, sess.players, s.rnd)
	sess.killResolved = true
}

func (s *Service) resolveProtect(sess *Session) {
	sess.protectTarget = ResolveProtect(sess.protectPick, sess.players)
}

func (s *Service) resolveInvestigate(sess *Session) {
	det := sess.holder(RoleDetective)
	isMafia, ok := ResolveInvestigate(sess.investigatePick, sess.players)
	if det == nil || !ok {
		return
	}
	verdict := "is not mafia"
	if isMafia {
		verdict = "is mafia"
	}
	s.notify(sess.ctx, DirectChannel(det.UserID), fmt.Sprintf("%s %s.", sess.name(sess.investigatePick), verdict))
}

// checkForfeit counts each round at most once, so a night replayed after
// recovery does not count the same miss twice.
func (s *Service) checkForfeit(sess *Session) error {
	if len(sess.mafiaVotes) > 0 {
		sess.mafiaMisses = 0
		sess.missCheckedRound = sess.round
		return nil
	}
	if sess.missCheckedRound == sess.round {
		return nil
	}
	sess.missCheckedRound = sess.round
	sess.mafiaMisses++
	if s.cfg.ForfeitMisses > 0 && sess.mafiaMisses >= s.cfg.ForfeitMisses {
		s.endSession(sess, FactionTown, EndForfeit)
		return ErrSessionEnded
	}
	return nil
}

func (s *Service) resolveNight(sess *Session) error {
	s.resolveKill(sess)

	sess.lastNight = ApplyNight(sess.killTarget, sess.protectTarget, sess.players)
	sess.lastProtected = sess.protectTarget
	sess.nightResolvedRound = sess.round

	s.changePhase(sess, PhaseResolveNight, 0, nil)
	if s.checkWin(sess) {
		return ErrSessionEnded
	}
	return nil
}

func (s *Service) resolveVote(sess *Session) error {
	out := ResolveDayVote(sess.dayVotes)
	if out.Kind == VoteExpel {
		if p, ok := sess.players[out.Target]; ok && p.Alive {
			p.Alive = false
		} else {
			out = VoteOutcome{Kind: VoteSkip, Tally: out.Tally}
		}
	}
	sess.lastVote = out
	sess.voteResolvedRound = sess.round

	s.changePhase(sess, PhaseResolveVote, 0, nil)
	if s.checkWin(sess) {
		return ErrSessionEnded
	}
	return nil
}

func (s *Service) checkWin(sess *Session) bool {
	winner, done := CheckWinner(sess.players)
	if !done {
		return false
	}
	s.endSession(sess, winner, EndWin)
	return true
}

// endSession is the single terminal event: it stops timers, fires the
// cancellation signal and drops the session from the registry.
func (s *Service) endSession(sess *Session, winner Faction, reason EndReason) {
	if sess.ended() {
		return
	}
	sess.state = StateEnded
	sess.phase = PhaseEnded
	sess.silent = false
	sess.uiVersion++
	sess.winner = winner
	sess.endReason = reason
	sess.phaseDeadline = time.Time{}

	sess.timers.ClearAll()
	if sess.pending != nil {
		sess.pending.release()
		sess.pending = nil
	}

	s.persist(sess)
	s.announce(sess)
	if reason != EndCancelled {
		s.payout(sess)
	}

	sess.cancel()
	s.unregister(sess.id)
	s.log.Info("session ended", "session", sess.id, "winner", winner, "reason", reason, "round", sess.round)
}

func (s *Service) payout(sess *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sess.ctx), 10*time.Second)
	defer cancel()

	amount := s.cfg.Reward.Compute(len(sess.players), sess.round)
	var failed []string
	for _, id := range sess.order {
		p := sess.players[id]
		won := p.Role.Faction() == sess.winner

		if s.results != nil {
			if err := s.results.RecordResult(ctx, id, won); err != nil {
				s.log.Warn("record result failed", "session", sess.id, "user", id, "err", err)
			}
		}
		if !won || s.ledger == nil {
			continue
		}
		pay := s.cfg.Reward.ForWinner(amount, p.Alive)
		if pay <= 0 {
			continue
		}
		meta := map[string]any{"session": sess.id, "rounds": sess.round, "alive": p.Alive}
		balance, err := s.ledger.AwardWin(ctx, id, pay, s.cfg.GameType, meta)
		if err != nil {
			s.log.Warn("award win failed", "session", sess.id, "user", id, "amount", pay, "err", err)
			failed = append(failed, p.Name)
			continue
		}
		s.notify(ctx, DirectChannel(id), fmt.Sprintf("You won %d coins. Balance: %d.", pay, balance))
	}
	if len(failed) > 0 {
		s.notify(ctx, sess.channel, "Rewards could not be paid right now for: "+strings.Join(failed, ", ")+".")
	}
}

func (s *Service) revealRoles(sess *Session) error {
	for _, id := range sess.order {
		p := sess.players[id]
		s.notify(sess.ctx, DirectChannel(id), roleIntro(p, sess))
	}
	return nil
}

// acknowledge applies the UI side effect of a recorded action.
func (s *Service) acknowledge(sess *Session, actor *PlayerState, a Action) {
	ctx := sess.ctx
	switch a.Kind {
	case ActionKill:
		line := fmt.Sprintf("%s votes to kill %s (%d/%d).", actor.Name, sess.name(a.Target),
			len(sess.mafiaVotes), countAlive(sess.players, RoleMafia))
		for _, id := range sess.order {
			if p := sess.players[id]; p.Alive && p.Role == RoleMafia {
				s.notify(ctx, DirectChannel(id), line)
			}
		}
	case ActionProtect:
		s.notify(ctx, DirectChannel(actor.UserID), fmt.Sprintf("You are protecting %s tonight.", sess.name(a.Target)))
	case ActionInvestigate:
		s.notify(ctx, DirectChannel(actor.UserID), fmt.Sprintf("You are investigating %s.", sess.name(a.Target)))
	case ActionVote:
		if sess.anchor.ID == "" {
			return
		}
		msg := sess.phaseMessage(s.now())
		msg.Content += "\n" + sess.tallyLine()
		s.edit(sess, msg)
	}
}

func (s *Service) silentDelay() time.Duration {
	lo, hi := s.cfg.SilentMin, s.cfg.SilentMax
	if hi <= lo {
		return lo
	}
	span := int(hi-lo) / int(time.Millisecond)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(s.rnd.Intn(span+1))*time.Millisecond
}

// sleep waits d unless the session is cancelled first.
func (s *Service) sleep(sess *Session, d time.Duration) error {
	if d <= 0 {
		if sess.ctx.Err() != nil {
			return ErrAborted
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-sess.ctx.Done():
		return ErrAborted
	}
}

func (s *Service) persist(sess *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sess.ctx), s.cfg.SaveTimeout)
	defer cancel()
	if err := s.store.Save(ctx, sess.snapshot(s.now())); err != nil {
		s.log.Warn("snapshot save failed", "session", sess.id, "phase", sess.phase, "err", err)
	}
}

func (s *Service) announce(sess *Session) {
	msg := sess.phaseMessage(s.now())
	if s.render != nil {
		img, err := s.render(sess.view())
		if err != nil {
			s.log.Warn("render failed", "session", sess.id, "phase", sess.phase, "err", err)
		} else {
			msg.Image = img
		}
	}
	ref, err := s.transport.SendMessage(context.WithoutCancel(sess.ctx), sess.channel, msg)
	if err != nil {
		s.log.Warn("send phase message failed", "session", sess.id, "phase", sess.phase, "err", err)
		return
	}
	sess.anchor = ref
}

// prompt sends night controls to each alive holder of the acting role.
func (s *Service) prompt(sess *Session) {
	role, controls := sess.roleControls()
	if controls == nil {
		return
	}
	msg := sess.promptMessage(controls)
	for _, id := range sess.order {
		p := sess.players[id]
		if !p.Alive || p.Role != role {
			continue
		}
		if _, err := s.transport.SendMessage(context.WithoutCancel(sess.ctx), DirectChannel(id), msg); err != nil {
			s.log.Warn("send night prompt failed", "session", sess.id, "phase", sess.phase, "user", id, "err", err)
		}
	}
}

func (s *Service) edit(sess *Session, msg Message) {
	if err := s.transport.EditMessage(context.WithoutCancel(sess.ctx), sess.anchor, msg); err != nil {
		s.log.Warn("edit message failed", "session", sess.id, "phase", sess.phase, "err", err)
	}
}

func (s *Service) notify(ctx context.Context, channel, content string) {
	if _, err := s.transport.SendMessage(context.WithoutCancel(ctx), channel, Message{Content: content}); err != nil {
		s.log.Warn("send message failed", "channel", channel, "err", err)
	}
}
