package mafia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	RoleReveal   time.Duration
	Night        time.Duration
	Discuss      time.Duration
	Vote         time.Duration
	ResolveDelay time.Duration
	SilentMin    time.Duration
	SilentMax    time.Duration
	// Warning is how long before a timed phase expires the anchor gets a reminder.
	Warning time.Duration
	// ForfeitMisses ends the game for the town after that many consecutive
	// nights without a single mafia vote. 0 disables it.
	ForfeitMisses int
	HostFee       int64
	GameType      string
	SaveTimeout   time.Duration
	Roles         RoleTable
	Reward        RewardPolicy
}

func DefaultConfig() Config {
	return Config{
		RoleReveal:    15 * time.Second,
		Night:         45 * time.Second,
		Discuss:       60 * time.Second,
		Vote:          45 * time.Second,
		ResolveDelay:  5 * time.Second,
		SilentMin:     8 * time.Second,
		SilentMax:     20 * time.Second,
		Warning:       10 * time.Second,
		ForfeitMisses: 2,
		GameType:      "mafia",
		SaveTimeout:   3 * time.Second,
		Roles:         DefaultRoleTable(),
		Reward:        DefaultRewardPolicy(),
	}
}

func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"role reveal": c.RoleReveal,
		"night":       c.Night,
		"discuss":     c.Discuss,
		"vote":        c.Vote,
	} {
		if d <= 0 {
			return fmt.Errorf("%s duration must be positive", name)
		}
	}
	if c.SilentMax < c.SilentMin || c.SilentMin < 0 {
		return errors.New("silent delay range is invalid")
	}
	if len(c.Roles) == 0 {
		return errors.New("role table is empty")
	}
	for n, d := range c.Roles {
		if d.Total() != n {
			return fmt.Errorf("role table entry %d sums to %d", n, d.Total())
		}
		if d.Mafia == 0 {
			return fmt.Errorf("role table entry %d has no mafia", n)
		}
	}
	return nil
}

type Deps struct {
	Store     SnapshotStore
	Transport Transport
	Ledger    Ledger
	Results   ResultRecorder
	Render    RenderFunc
	Rand      Randomizer
	Log       *slog.Logger
}

// Service owns the live-session registry and the per-session lock queues.
type Service struct {
	cfg Config
	log *slog.Logger

	store     SnapshotStore
	transport Transport
	ledger    Ledger
	results   ResultRecorder
	render    RenderFunc
	rnd       Randomizer
	now       func() time.Time

	locks      *KeyedLock
	recovering singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = NewMemorySnapshotStore()
	}
	if deps.Transport == nil {
		deps.Transport = nopTransport{}
	}
	if deps.Rand == nil {
		deps.Rand = CryptoRand
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRoleTable()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 3 * time.Second
	}
	if cfg.GameType == "" {
		cfg.GameType = "mafia"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		log:       deps.Log,
		store:     deps.Store,
		transport: deps.Transport,
		ledger:    deps.Ledger,
		results:   deps.Results,
		render:    deps.Render,
		rnd:       deps.Rand,
		now:       time.Now,
		locks:     NewKeyedLock(),
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

type StartRequest struct {
	SessionID string        `json:"sessionId,omitempty"`
	Channel   string        `json:"channel"`
	HostID    string        `json:"hostId"`
	Players   []Participant `json:"players"`
}

// Start takes over a finalized lobby and begins the game loop.
func (s *Service) Start(ctx context.Context, req StartRequest) (View, error) {
	if s.ctx.Err() != nil {
		return View{}, ErrAborted
	}
	if req.Channel == "" || req.HostID == "" {
		return View{}, fmt.Errorf("%w: channel and host are required", ErrBadLobby)
	}
	seen := make(map[string]bool, len(req.Players))
	for _, p := range req.Players {
		if p.UserID == "" || seen[p.UserID] {
			return View{}, fmt.Errorf("%w: duplicate or empty user id %q", ErrBadLobby, p.UserID)
		}
		seen[p.UserID] = true
	}
	if _, err := s.cfg.Roles.Lookup(len(req.Players)); err != nil {
		return View{}, err
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !s.reserve(id) {
		return View{}, ErrSessionExists
	}

	if s.cfg.HostFee > 0 && s.ledger != nil {
		meta := map[string]any{"session": id, "players": len(req.Players)}
		if _, err := s.ledger.ChargeForPurchase(ctx, req.HostID, s.cfg.HostFee, "host_fee", meta); err != nil {
			s.unregister(id)
			return View{}, fmt.Errorf("charge host fee: %w", err)
		}
	}

	players, dist, err := AssignRoles(req.Players, s.cfg.Roles, s.rnd)
	if err != nil {
		s.unregister(id)
		return View{}, err
	}

	sess := newSession(s.ctx, id, req.Channel, req.HostID, players, dist)
	sess.startedAt = s.now()

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.log.Info("session started", "session", id, "channel", req.Channel, "players", len(players))

	v := sess.view()
	s.wg.Add(1)
	go s.run(sess, segmentReveal, true)
	return v, nil
}

// Submit validates and records a participant action, resolving the phase
// early when its completion predicate becomes true.
func (s *Service) Submit(ctx context.Context, a Action) error {
	sess, err := s.lookup(ctx, a.SessionID)
	if err != nil {
		return err
	}
	return s.locks.Do(ctx, sess.id, func() error {
		actor, err := sess.validate(a)
		if err != nil {
			return err
		}
		sess.record(a)
		s.acknowledge(sess, actor, a)

		if sess.pending != nil && sess.phaseComplete() {
			s.settle(sess, sess.pending)
		}
		return nil
	})
}

// Leave handles a participant leaving mid-game: they count as dead.
func (s *Service) Leave(ctx context.Context, sessionID, userID string) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.locks.Do(ctx, sess.id, func() error {
		if sess.ended() {
			return ErrSessionEnded
		}
		p, ok := sess.players[userID]
		if !ok {
			return ErrNotInSession
		}
		if !p.Alive {
			return nil
		}
		p.Alive = false
		sess.dropVotesBy(userID)

		s.notify(sess.ctx, sess.channel, fmt.Sprintf("%s left the game.", p.Name))
		s.log.Info("player left", "session", sess.id, "user", userID, "phase", sess.phase)

		if s.checkWin(sess) {
			return nil
		}
		s.persist(sess)
		if sess.pending != nil && sess.phaseComplete() {
			s.settle(sess, sess.pending)
		}
		return nil
	})
}

// Cancel ends the game without a winner. Only the host may cancel.
func (s *Service) Cancel(ctx context.Context, sessionID, by string) error {
	sess, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.locks.Do(ctx, sess.id, func() error {
		if sess.ended() {
			return ErrSessionEnded
		}
		if by != sess.hostID {
			return ErrNotHost
		}
		s.endSession(sess, FactionNone, EndCancelled)
		return nil
	})
}

// View returns the public state of a live session, or of a persisted one.
func (s *Service) View(ctx context.Context, sessionID string) (View, error) {
	if sess := s.get(sessionID); sess != nil {
		var v View
		err := s.locks.Do(ctx, sess.id, func() error {
			v = sess.view()
			return nil
		})
		return v, err
	}
	snap, found, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return View{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return View{}, ErrSessionNotFound
	}
	sess := restoreSession(ctx, snap)
	defer sess.cancel()
	return sess.view(), nil
}

// Recover reloads a persisted session and resumes its round loop.
func (s *Service) Recover(ctx context.Context, sessionID string) (View, error) {
	sess, err := s.recover(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	var v View
	err = s.locks.Do(ctx, sess.id, func() error {
		v = sess.view()
		return nil
	})
	return v, err
}

// RecoverAll resumes every session the store still lists as playing.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	lister, ok := s.store.(LiveLister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.ListLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := s.recover(ctx, id); err != nil {
			s.log.Warn("session recovery failed", "session", id, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

// Close stops every round loop and timer. Snapshots are left as they are
// so the sessions can be recovered by the next process.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess != nil {
			sess.timers.ClearAll()
		}
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Live reports how many sessions are registered.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) recover(ctx context.Context, sessionID string) (*Session, error) {
	v, err, _ := s.recovering.Do(sessionID, func() (any, error) {
		if sess := s.get(sessionID); sess != nil {
			return sess, nil
		}
		snap, found, err := s.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if !found {
			return nil, ErrSessionNotFound
		}
		if snap.State == StateEnded {
			return nil, ErrSessionEnded
		}
		if !s.reserve(sessionID) {
			return nil, ErrSessionExists
		}

		sess := restoreSession(s.ctx, snap)
		s.mu.Lock()
		s.sessions[sessionID] = sess
		s.mu.Unlock()

		seg, newRound := resumePoint(snap)
		s.log.Info("session recovered", "session", sessionID, "phase", snap.Phase, "round", snap.Round)
		s.wg.Add(1)
		go s.run(sess, seg, newRound)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Service) lookup(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	switch {
	case ok && sess != nil:
		return sess, nil
	case ok:
		return nil, ErrSessionNotFound
	}
	return s.recover(ctx, sessionID)
}

func (s *Service) get(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// reserve claims an id in the registry with a nil placeholder.
func (s *Service) reserve(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return false
	}
	s.sessions[sessionID] = nil
	return true
}

func (s *Service) unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
