package mafia

import (
	"context"
	"sync"
)

// MemorySnapshotStore keeps encoded snapshots in process. Used by tests and
// when the server runs without Redis.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]byte)}
}

func (m *MemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SessionID] = b
	return nil
}

func (m *MemorySnapshotStore) Load(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	m.mu.Lock()
	b, ok := m.snaps[sessionID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, err := DecodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (m *MemorySnapshotStore) ListLive(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, b := range m.snaps {
		snap, err := DecodeSnapshot(b)
		if err == nil && snap.State == StatePlaying {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
