package mafia

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroRand always picks index 0.
type zeroRand struct{}

func (zeroRand) Intn(int) int { return 0 }

func participants(n int) []Participant {
	out := make([]Participant, n)
	for i := range out {
		out[i] = Participant{UserID: fmt.Sprintf("u%d", i+1), Name: fmt.Sprintf("Player %d", i+1)}
	}
	return out
}

func TestRoleTable_Lookup(t *testing.T) {
	table := DefaultRoleTable()
	for n := 4; n <= 12; n++ {
		d, err := table.Lookup(n)
		require.NoError(t, err, "players=%d", n)
		assert.Equal(t, n, d.Total())
		assert.Positive(t, d.Mafia)
		assert.Equal(t, 1, d.Doctor)
	}

	_, err := table.Lookup(3)
	require.ErrorIs(t, err, ErrNoDistribution)
	_, err = table.Lookup(13)
	require.ErrorIs(t, err, ErrNoDistribution)

	d, _ := table.Lookup(5)
	assert.False(t, d.DetectiveEnabled())
	d, _ = table.Lookup(6)
	assert.True(t, d.DetectiveEnabled())
}

func TestAssignRoles_MatchesDistribution(t *testing.T) {
	table := DefaultRoleTable()
	for n := 4; n <= 12; n++ {
		players, d, err := AssignRoles(participants(n), table, CryptoRand)
		require.NoError(t, err)
		require.Len(t, players, n)

		counts := map[Role]int{}
		for i, p := range players {
			assert.Equal(t, fmt.Sprintf("u%d", i+1), p.UserID, "order is kept")
			assert.True(t, p.Alive)
			counts[p.Role]++
		}
		assert.Equal(t, d.Mafia, counts[RoleMafia])
		assert.Equal(t, d.Doctor, counts[RoleDoctor])
		assert.Equal(t, d.Detective, counts[RoleDetective])
		assert.Equal(t, d.Citizen, counts[RoleCitizen])
	}
}

func TestAssignRoles_EverySeatCanBeMafia(t *testing.T) {
	seen := map[string]int{}
	for i := 0; i < 400; i++ {
		players, _, err := AssignRoles(participants(4), DefaultRoleTable(), CryptoRand)
		require.NoError(t, err)
		for _, p := range players {
			if p.Role == RoleMafia {
				seen[p.UserID]++
			}
		}
	}
	// 1 mafia in 4 seats: each seat expects ~100 of 400.
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		assert.Greater(t, seen[id], 40, "seat %s", id)
	}
}

func TestAssignRoles_UnsupportedCount(t *testing.T) {
	_, _, err := AssignRoles(participants(2), DefaultRoleTable(), zeroRand{})
	require.ErrorIs(t, err, ErrNoDistribution)
}

func TestRole_TextRoundTrip(t *testing.T) {
	b, err := json.Marshal(map[string]Role{"r": RoleDetective})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":"detective"}`, string(b))

	var got map[string]Role
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, RoleDetective, got["r"])

	require.Error(t, json.Unmarshal([]byte(`{"r":"werewolf"}`), &got))
	_, err = Role(42).MarshalText()
	require.Error(t, err)

	assert.Equal(t, FactionMafia, RoleMafia.Faction())
	assert.Equal(t, FactionTown, RoleDoctor.Faction())
}
