package mafia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nightWithVotes enters NIGHT_MAFIA with both mafia splitting their votes
// and returns the session and its pending waiter.
func nightWithVotes(t *testing.T, svc *Service) (*Session, *phaseWaiter) {
	t.Helper()
	players, dist, err := AssignRoles(participants(7), DefaultRoleTable(), zeroRand{})
	require.NoError(t, err)
	sess := newSession(context.Background(), "s1", "table-1", "u1", players, dist)
	t.Cleanup(sess.cancel)
	sess.round = 1

	var mafia, town []string
	for _, id := range sess.order {
		if sess.players[id].Role == RoleMafia {
			mafia = append(mafia, id)
		} else {
			town = append(town, id)
		}
	}
	require.Len(t, mafia, 2)

	var w *phaseWaiter
	require.NoError(t, svc.locks.Do(context.Background(), sess.id, func() error {
		w = svc.changePhase(sess, PhaseNightMafia, time.Hour, svc.resolveKill)
		sess.record(Action{ActorID: mafia[0], Kind: ActionKill, Target: town[0]})
		sess.record(Action{ActorID: mafia[1], Kind: ActionKill, Target: town[1]})
		return nil
	}))
	require.NotNil(t, w)
	return sess, w
}

func TestEarlyAndTimeoutResolutionMatch(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	newSvc := func() *Service {
		svc := NewService(testConfig(), Deps{Rand: &fixedRand{pick: 1}})
		svc.now = func() time.Time { return fixed }
		t.Cleanup(svc.Close)
		return svc
	}

	early := newSvc()
	es, ew := nightWithVotes(t, early)
	require.NoError(t, early.locks.Do(context.Background(), es.id, func() error {
		require.True(t, es.phaseComplete())
		early.settle(es, ew)
		return nil
	}))

	late := newSvc()
	ls, lw := nightWithVotes(t, late)
	late.onTimeout(ls, lw)

	for _, w := range []*phaseWaiter{ew, lw} {
		select {
		case <-w.done:
		default:
			t.Fatal("waiter was not released")
		}
	}

	assert.True(t, es.killResolved)
	assert.True(t, ls.killResolved)
	assert.NotEmpty(t, es.killTarget)
	assert.Equal(t, es.killTarget, ls.killTarget)
	assert.Equal(t, es.snapshot(fixed), ls.snapshot(fixed))
	assert.False(t, es.timers.Armed(slotPhase))
	assert.False(t, ls.timers.Armed(slotPhase))
}

func TestLateTimeoutAfterEarlyResolutionIsNoop(t *testing.T) {
	svc := NewService(testConfig(), Deps{Rand: &fixedRand{pick: 0}})
	t.Cleanup(svc.Close)

	sess, w := nightWithVotes(t, svc)
	require.NoError(t, svc.locks.Do(context.Background(), sess.id, func() error {
		svc.settle(sess, w)
		return nil
	}))
	first := sess.killTarget

	// A stale firing must neither rerun the policy nor touch the next phase.
	var next *phaseWaiter
	require.NoError(t, svc.locks.Do(context.Background(), sess.id, func() error {
		sess.killResolved = false
		next = svc.changePhase(sess, PhaseNightDoctor, time.Hour, svc.resolveProtect)
		return nil
	}))
	svc.onTimeout(sess, w)

	assert.Equal(t, first, sess.killTarget)
	assert.False(t, sess.killResolved)
	assert.Same(t, next, sess.pending)
	assert.True(t, sess.timers.Armed(slotPhase))
}

func TestSilentDelayRange(t *testing.T) {
	cfg := testConfig()
	cfg.SilentMin = 8 * time.Second
	cfg.SilentMax = 20 * time.Second

	for _, pick := range []int{0, 6000, 1 << 30} {
		svc := NewService(cfg, Deps{Rand: &fixedRand{pick: pick}})
		d := svc.silentDelay()
		assert.GreaterOrEqual(t, d, cfg.SilentMin)
		assert.LessOrEqual(t, d, cfg.SilentMax)
		svc.Close()
	}
}
