package mafia

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession(t *testing.T) *Session {
	t.Helper()
	players, dist, err := AssignRoles(participants(6), DefaultRoleTable(), zeroRand{})
	require.NoError(t, err)
	s := newSession(context.Background(), "s1", "table-1", "u1", players, dist)
	t.Cleanup(s.cancel)
	return s
}

func TestSnapshot_RestoreKeepsState(t *testing.T) {
	s := sampleSession(t)
	s.phase = PhaseDayVote
	s.round = 2
	s.uiVersion = 9
	s.lastProtected = "u3"
	s.mafiaMisses = 1
	s.missCheckedRound = 2
	s.players["u4"].Alive = false
	s.lastNight = NightOutcome{Target: "u4", Killed: true}
	s.anchor = MessageRef{Channel: "table-1", ID: "m-7"}

	store := NewMemorySnapshotStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, s.snapshot(time.Now())))

	snap, found, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)

	r := restoreSession(ctx, snap)
	defer r.cancel()
	assert.Equal(t, PhaseDayVote, r.phase)
	assert.Equal(t, 2, r.round)
	assert.Equal(t, 9, r.uiVersion)
	assert.Equal(t, "u3", r.lastProtected)
	assert.Equal(t, 1, r.mafiaMisses)
	assert.Equal(t, 2, r.missCheckedRound)
	assert.Equal(t, s.order, r.order)
	assert.False(t, r.players["u4"].Alive)
	assert.Equal(t, s.players["u1"].Role, r.players["u1"].Role)
	assert.Equal(t, s.anchor, r.anchor)

	ids, err := store.ListLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	_, found, err = store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecodeSnapshot_RejectPolicy(t *testing.T) {
	s := sampleSession(t)
	good, err := EncodeSnapshot(s.snapshot(time.Now()))
	require.NoError(t, err)
	_, err = DecodeSnapshot(good)
	require.NoError(t, err)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(good, &m))
		fn(m)
		b, err := json.Marshal(m)
		require.NoError(t, err)
		return b
	}

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "newer version", in: mutate(func(m map[string]any) { m["version"] = SnapshotVersion + 1 }), want: ErrSnapshotVersion},
		{name: "missing version", in: mutate(func(m map[string]any) { delete(m, "version") }), want: ErrSnapshotVersion},
		{name: "unknown field", in: mutate(func(m map[string]any) { m["extra"] = true }), want: ErrSnapshotInvalid},
		{name: "unknown phase", in: mutate(func(m map[string]any) { m["phase"] = "twilight" }), want: ErrSnapshotInvalid},
		{name: "players do not match distribution", in: mutate(func(m map[string]any) { m["players"] = []any{} }), want: ErrSnapshotInvalid},
		{name: "not json", in: []byte("{"), want: ErrSnapshotInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeSnapshot(tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResumePoint(t *testing.T) {
	cases := []struct {
		name     string
		snap     Snapshot
		seg      segment
		newRound bool
	}{
		{name: "reveal", snap: Snapshot{Phase: PhaseRoleReveal}, seg: segmentReveal, newRound: true},
		{name: "mid night replays the same round", snap: Snapshot{Phase: PhaseNightDoctor, Round: 2}, seg: segmentNight},
		{name: "night resolved goes to day", snap: Snapshot{Phase: PhaseResolveNight, Round: 2, NightResolvedRound: 2}, seg: segmentDay},
		{name: "day vote replays day", snap: Snapshot{Phase: PhaseDayVote, Round: 3, NightResolvedRound: 3}, seg: segmentDay},
		{name: "vote resolved starts next night", snap: Snapshot{Phase: PhaseResolveVote, Round: 3, VoteResolvedRound: 3}, seg: segmentNight, newRound: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg, newRound := resumePoint(tc.snap)
			assert.Equal(t, tc.seg, seg)
			assert.Equal(t, tc.newRound, newRound)
		})
	}
}
