package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PlayerStats struct {
	UserID    string    `json:"userId"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StatsStore struct {
	db *pgxpool.Pool
}

func NewStatsStore(db *pgxpool.Pool) *StatsStore {
	return &StatsStore{db: db}
}

func (s *StatsStore) InitForUser(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO player_stats (user_id, wins, losses)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// RecordResult adds one finished game to the user's win or loss count.
func (s *StatsStore) RecordResult(ctx context.Context, userID string, won bool) error {
	wins, losses := 0, 1
	if won {
		wins, losses = 1, 0
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO player_stats (user_id, wins, losses)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET wins = player_stats.wins + EXCLUDED.wins,
		    losses = player_stats.losses + EXCLUDED.losses,
		    updated_at = now()
	`, userID, wins, losses)
	return err
}

func (s *StatsStore) Get(ctx context.Context, userID string) (PlayerStats, error) {
	var st PlayerStats
	err := s.db.QueryRow(ctx, `
		SELECT user_id, wins, losses, updated_at
		FROM player_stats
		WHERE user_id=$1
	`, userID).Scan(&st.UserID, &st.Wins, &st.Losses, &st.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// no games yet
		return PlayerStats{UserID: userID}, nil
	}
	if err != nil {
		return PlayerStats{}, err
	}
	return st, nil
}
