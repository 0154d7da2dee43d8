package mafia

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

var ErrNoDistribution = errors.New("no role distribution for player count")

type Role int

const (
	RoleCitizen Role = iota
	RoleMafia
	RoleDoctor
	RoleDetective
)

func (r Role) String() string {
	switch r {
	case RoleCitizen:
		return "citizen"
	case RoleMafia:
		return "mafia"
	case RoleDoctor:
		return "doctor"
	case RoleDetective:
		return "detective"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "citizen":
		return RoleCitizen, nil
	case "mafia":
		return RoleMafia, nil
	case "doctor":
		return RoleDoctor, nil
	case "detective":
		return RoleDetective, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case RoleCitizen, RoleMafia, RoleDoctor, RoleDetective:
		return []byte(r.String()), nil
	}
	return nil, fmt.Errorf("unknown role %d", int(r))
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (r Role) Faction() Faction {
	switch r {
	case RoleMafia:
		return FactionMafia
	case RoleCitizen, RoleDoctor, RoleDetective:
		return FactionTown
	}
	return FactionTown
}

type Faction string

const (
	FactionNone  Faction = ""
	FactionTown  Faction = "town"
	FactionMafia Faction = "mafia"
)

// Distribution is the role multiset for one player count.
type Distribution struct {
	Mafia     int `json:"mafia"`
	Doctor    int `json:"doctor"`
	Detective int `json:"detective"`
	Citizen   int `json:"citizen"`
}

func (d Distribution) Total() int {
	return d.Mafia + d.Doctor + d.Detective + d.Citizen
}

func (d Distribution) DetectiveEnabled() bool {
	return d.Detective > 0
}

func (d Distribution) tokens() []Role {
	out := make([]Role, 0, d.Total())
	add := func(r Role, n int) {
		for i := 0; i < n; i++ {
			out = append(out, r)
		}
	}
	add(RoleMafia, d.Mafia)
	add(RoleDoctor, d.Doctor)
	add(RoleDetective, d.Detective)
	add(RoleCitizen, d.Citizen)
	return out
}

// RoleTable maps a player count to its distribution.
type RoleTable map[int]Distribution

func DefaultRoleTable() RoleTable {
	return RoleTable{
		4:  {Mafia: 1, Doctor: 1, Detective: 0, Citizen: 2},
		5:  {Mafia: 1, Doctor: 1, Detective: 0, Citizen: 3},
		6:  {Mafia: 2, Doctor: 1, Detective: 1, Citizen: 2},
		7:  {Mafia: 2, Doctor: 1, Detective: 1, Citizen: 3},
		8:  {Mafia: 2, Doctor: 1, Detective: 1, Citizen: 4},
		9:  {Mafia: 3, Doctor: 1, Detective: 1, Citizen: 4},
		10: {Mafia: 3, Doctor: 1, Detective: 1, Citizen: 5},
		11: {Mafia: 3, Doctor: 1, Detective: 1, Citizen: 6},
		12: {Mafia: 4, Doctor: 1, Detective: 1, Citizen: 6},
	}
}

func (t RoleTable) Lookup(players int) (Distribution, error) {
	d, ok := t[players]
	if !ok || d.Total() != players {
		return Distribution{}, fmt.Errorf("%w: %d", ErrNoDistribution, players)
	}
	return d, nil
}

// Randomizer returns a uniform integer in [0, n).
type Randomizer interface {
	Intn(n int) int
}

type cryptoRand struct{}

// CryptoRand is backed by crypto/rand.
var CryptoRand Randomizer = cryptoRand{}

func (cryptoRand) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return int(v.Int64())
}

// Participant is one entry of a finalized lobby.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// AssignRoles shuffles the distribution's roles (Fisher-Yates) and zips them
// onto players in the given order.
func AssignRoles(players []Participant, table RoleTable, rnd Randomizer) ([]*PlayerState, Distribution, error) {
	d, err := table.Lookup(len(players))
	if err != nil {
		return nil, Distribution{}, err
	}
	if rnd == nil {
		rnd = CryptoRand
	}

	roles := d.tokens()
	for i := len(roles) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		roles[i], roles[j] = roles[j], roles[i]
	}

	out := make([]*PlayerState, len(players))
	for i, p := range players {
		out[i] = &PlayerState{
			UserID: p.UserID,
			Name:   p.Name,
			Role:   roles[i],
			Alive:  true,
		}
	}
	return out, d, nil
}
