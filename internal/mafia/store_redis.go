package mafia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const liveSessionsKey = "mafia:sessions:live"

// RedisSnapshotStore keeps one JSON snapshot per session plus a set of
// sessions that are still playing, used for recovery on startup.
type RedisSnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSnapshotStore(rdb *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSnapshotStore) key(sessionID string) string {
	return fmt.Sprintf("mafia:session:%s:snapshot", sessionID)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(snap.SessionID), b, s.ttl)
		if snap.State == StatePlaying {
			p.SAdd(ctx, liveSessionsKey, snap.SessionID)
		} else {
			p.SRem(ctx, liveSessionsKey, snap.SessionID)
		}
		return nil
	})
	return err
}

func (s *RedisSnapshotStore) Load(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap, err := DecodeSnapshot(val)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// ListLive returns ids in the live set, pruning ids whose snapshot expired.
func (s *RedisSnapshotStore) ListLive(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, liveSessionsKey).Result()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.rdb.SRem(ctx, liveSessionsKey, id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
