//go:build integration

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/mafia/internal/migrate"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mafia"),
		postgres.WithUsername("mafia"),
		postgres.WithPassword("mafia"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pg)
	require.NoError(t, err)

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrate.Up(dsn, "../../db/migrations", slog.Default()))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestStores_Postgres(t *testing.T) {
	pool := newTestPool(t)

	type scenario struct {
		name string
		run  func(t *testing.T)
	}

	cases := []scenario{
		{
			name: "award creates the wallet and appends an entry",
			run: func(t *testing.T) {
				ctx := context.Background()
				wallets := NewWalletStore(pool)

				bal, err := wallets.AwardWin(ctx, "w1", 120, "mafia", map[string]any{"session": "s1"})
				require.NoError(t, err)
				assert.Equal(t, int64(120), bal)

				bal, err = wallets.AwardWin(ctx, "w1", 30, "mafia", nil)
				require.NoError(t, err)
				assert.Equal(t, int64(150), bal)

				entries, err := wallets.Entries(ctx, "w1", 10)
				require.NoError(t, err)
				require.Len(t, entries, 2)
				assert.Equal(t, int64(150), entries[0].Balance)
				assert.Equal(t, "award", entries[0].Kind)
			},
		},
		{
			name: "charge fails with insufficient balance and leaves the wallet as is",
			run: func(t *testing.T) {
				ctx := context.Background()
				wallets := NewWalletStore(pool)
				require.NoError(t, wallets.Open(ctx, "w2", 40))

				_, err := wallets.ChargeForPurchase(ctx, "w2", 50, "host_fee", nil)
				require.ErrorIs(t, err, ErrInsufficientBalance)

				bal, err := wallets.ChargeForPurchase(ctx, "w2", 25, "host_fee", map[string]any{"session": "s2"})
				require.NoError(t, err)
				assert.Equal(t, int64(15), bal)

				bal, err = wallets.Balance(ctx, "w2")
				require.NoError(t, err)
				assert.Equal(t, int64(15), bal)

				_, err = wallets.ChargeForPurchase(ctx, "nobody", 1, "host_fee", nil)
				require.ErrorIs(t, err, ErrInsufficientBalance)
				_, err = wallets.Balance(ctx, "nobody")
				require.ErrorIs(t, err, ErrWalletNotFound)
				_, err = wallets.AwardWin(ctx, "w2", 0, "mafia", nil)
				require.ErrorIs(t, err, ErrInvalidAmount)
			},
		},
		{
			name: "concurrent charges never overdraw",
			run: func(t *testing.T) {
				ctx := context.Background()
				wallets := NewWalletStore(pool)
				require.NoError(t, wallets.Open(ctx, "w3", 100))

				var wg sync.WaitGroup
				var mu sync.Mutex
				ok, short := 0, 0
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := wallets.ChargeForPurchase(ctx, "w3", 30, "host_fee", nil)
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							ok++
						case errors.Is(err, ErrInsufficientBalance):
							short++
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 3, ok)
				assert.Equal(t, 7, short)

				bal, err := wallets.Balance(ctx, "w3")
				require.NoError(t, err)
				assert.Equal(t, int64(10), bal)
			},
		},
		{
			name: "stats count wins and losses",
			run: func(t *testing.T) {
				ctx := context.Background()
				stats := NewStatsStore(pool)

				require.NoError(t, stats.RecordResult(ctx, "p1", true))
				require.NoError(t, stats.RecordResult(ctx, "p1", false))
				require.NoError(t, stats.RecordResult(ctx, "p1", true))

				st, err := stats.Get(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, 2, st.Wins)
				assert.Equal(t, 1, st.Losses)
				assert.WithinDuration(t, time.Now(), st.UpdatedAt, time.Minute)

				st, err = stats.Get(ctx, "p-none")
				require.NoError(t, err)
				assert.Zero(t, st.Wins)
			},
		},
		{
			name: "users are unique by email",
			run: func(t *testing.T) {
				ctx := context.Background()
				users := NewUserStore(pool)
				u := User{ID: uuid.NewString(), Email: "a@example.com", PasswordHash: "x", DisplayName: "A"}
				require.NoError(t, users.Create(ctx, u))

				dup := u
				dup.ID = uuid.NewString()
				require.ErrorIs(t, users.Create(ctx, dup), ErrEmailTaken)

				got, err := users.GetByEmail(ctx, "a@example.com")
				require.NoError(t, err)
				assert.Equal(t, u.ID, got.ID)

				_, err = users.GetByEmail(ctx, "missing@example.com")
				require.ErrorIs(t, err, ErrUserNotFound)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}
