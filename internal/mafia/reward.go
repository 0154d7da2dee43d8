package mafia

// RewardPolicy sizes the win reward from player count and rounds played.
type RewardPolicy struct {
	Base      int64
	PerPlayer int64
	PerRound  int64
	// DeadPercent is the share paid to winners who died before the end.
	DeadPercent int64
}

func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{Base: 50, PerPlayer: 10, PerRound: 5, DeadPercent: 50}
}

func (p RewardPolicy) Compute(players, rounds int) int64 {
	if players < 0 {
		players = 0
	}
	if rounds < 0 {
		rounds = 0
	}
	return p.Base + p.PerPlayer*int64(players) + p.PerRound*int64(rounds)
}

func (p RewardPolicy) ForWinner(amount int64, alive bool) int64 {
	if alive {
		return amount
	}
	pct := p.DeadPercent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return amount * pct / 100
}
