package mafia

import "sort"

// SkipTarget is the day-vote candidate meaning "expel nobody".
const SkipTarget = "skip"

type VoteKind string

const (
	VoteNone  VoteKind = ""
	VoteSkip  VoteKind = "skip"
	VoteTie   VoteKind = "tie"
	VoteExpel VoteKind = "expel"
)

// VoteOutcome is the result of a day vote.
type VoteOutcome struct {
	Kind   VoteKind       `json:"kind"`
	Target string         `json:"target,omitempty"`
	Tally  map[string]int `json:"tally,omitempty"`
}

// NightOutcome is the result of applying the kill and protect targets.
type NightOutcome struct {
	Target string `json:"target,omitempty"`
	Killed bool   `json:"killed"`
	Saved  bool   `json:"saved"`
}

func tally(votes map[string]string) map[string]int {
	counts := make(map[string]int, len(votes))
	for _, target := range votes {
		counts[target]++
	}
	return counts
}

// leaders returns the candidates sharing the highest count, sorted so that
// random picks over them are reproducible for a given Randomizer.
func leaders(counts map[string]int) ([]string, int) {
	best := 0
	var top []string
	for id, n := range counts {
		switch {
		case n > best:
			best = n
			top = []string{id}
		case n == best:
			top = append(top, id)
		}
	}
	sort.Strings(top)
	return top, best
}

// ResolveKill returns the mafia kill target. Votes for players that are no
// longer valid targets are ignored. Ties among the leaders are broken uniformly
// at random; with no usable votes the target is drawn uniformly from the alive
// non-mafia players. ok is false only when nobody can be targeted.
func ResolveKill(votes map[string]string, players map[string]*PlayerState, rnd Randomizer) (string, bool) {
	if rnd == nil {
		rnd = CryptoRand
	}

	valid := make(map[string]string, len(votes))
	for voter, target := range votes {
		p, ok := players[target]
		if !ok || !p.Alive || p.Role == RoleMafia {
			continue
		}
		valid[voter] = target
	}

	top, _ := leaders(tally(valid))
	if len(top) == 0 {
		top = aliveIDs(players, func(p *PlayerState) bool { return p.Role != RoleMafia })
	}
	if len(top) == 0 {
		return "", false
	}
	return top[rnd.Intn(len(top))], true
}

// ResolveProtect keeps the doctor's pick only while that player is alive.
func ResolveProtect(pick string, players map[string]*PlayerState) string {
	if pick == "" {
		return ""
	}
	p, ok := players[pick]
	if !ok || !p.Alive {
		return ""
	}
	return pick
}

// ResolveInvestigate reports whether the picked player is mafia. Picks on
// players no longer alive are dropped.
func ResolveInvestigate(pick string, players map[string]*PlayerState) (isMafia, ok bool) {
	p, found := players[pick]
	if pick == "" || !found || !p.Alive {
		return false, false
	}
	return p.Role == RoleMafia, true
}

// ResolveDayVote tallies day votes with SkipTarget as a regular candidate.
// Only a unique non-skip leader is expelled.
func ResolveDayVote(votes map[string]string) VoteOutcome {
	counts := tally(votes)
	if len(counts) == 0 {
		return VoteOutcome{Kind: VoteSkip}
	}

	top, _ := leaders(counts)
	switch {
	case len(top) > 1:
		return VoteOutcome{Kind: VoteTie, Tally: counts}
	case top[0] == SkipTarget:
		return VoteOutcome{Kind: VoteSkip, Tally: counts}
	default:
		return VoteOutcome{Kind: VoteExpel, Target: top[0], Tally: counts}
	}
}

// ApplyNight clears the kill target's alive flag unless it was protected.
func ApplyNight(kill, protect string, players map[string]*PlayerState) NightOutcome {
	p, ok := players[kill]
	if kill == "" || !ok || !p.Alive {
		return NightOutcome{}
	}
	if kill == protect {
		return NightOutcome{Target: kill, Saved: true}
	}
	p.Alive = false
	return NightOutcome{Target: kill, Killed: true}
}

// CheckWinner evaluates the win condition over the current alive flags.
func CheckWinner(players map[string]*PlayerState) (Faction, bool) {
	mafia, town := 0, 0
	for _, p := range players {
		if !p.Alive {
			continue
		}
		switch p.Role.Faction() {
		case FactionMafia:
			mafia++
		case FactionTown, FactionNone:
			town++
		}
	}
	switch {
	case mafia == 0:
		return FactionTown, true
	case mafia >= town:
		return FactionMafia, true
	}
	return FactionNone, false
}

func aliveIDs(players map[string]*PlayerState, keep func(*PlayerState) bool) []string {
	var ids []string
	for id, p := range players {
		if p.Alive && (keep == nil || keep(p)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func countAlive(players map[string]*PlayerState, role Role) int {
	n := 0
	for _, p := range players {
		if p.Alive && p.Role == role {
			n++
		}
	}
	return n
}
