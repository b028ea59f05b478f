// Package followup re-engages users who opened the bot but did not buy.
// Each user has at most one chain of three timed messages; a chain stops as
// soon as the user is entitled.
package followup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botvip/internal/audit"
	"botvip/internal/messenger"
	"botvip/internal/metrics"
)

type State string

const (
	StateIdle      State = "idle"
	StateStep1     State = "step1-armed"
	StateStep2     State = "step2-armed"
	StateStep3     State = "step3-armed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

var armedStates = []State{StateStep1, StateStep2, StateStep3}

type Timer interface {
	Stop() bool
}

// Clock arms timers. Tests swap in a manual one.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type EntitlementChecker interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	FirstDelay  time.Duration
	StepDelay   time.Duration
	BotUsername string
	MessageA    string
	MessageB    string
}

type step struct {
	delay time.Duration
	text  string
}

type chain struct {
	id        uint64
	state     State
	step      int
	sent      int
	startedAt time.Time
	timer     Timer
}

// Pending describes an armed chain.
type Pending struct {
	State     State
	Sent      int
	StartedAt time.Time
	NextStep  int
}

type Scheduler struct {
	mu     sync.Mutex
	chains map[string]*chain
	last   map[string]State
	seq    uint64

	steps       []step
	offsets     string
	deepLink    string
	clock       Clock
	entitlement EntitlementChecker
	messenger   messenger.Messenger
	audit       audit.Auditor
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func NewScheduler(cfg Config, entitlement EntitlementChecker, m messenger.Messenger, a audit.Auditor, opts ...Option) *Scheduler {
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = 5 * time.Minute
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 24 * time.Hour
	}
	if cfg.MessageA == "" {
		cfg.MessageA = DefaultMessageA
	}
	if cfg.MessageB == "" {
		cfg.MessageB = DefaultMessageB
	}
	if a == nil {
		a = audit.Discard{}
	}

	s := &Scheduler{
		chains: make(map[string]*chain),
		last:   make(map[string]State),
		steps: []step{
			{delay: cfg.FirstDelay, text: cfg.MessageA},
			{delay: cfg.StepDelay, text: cfg.MessageB},
			{delay: cfg.StepDelay, text: cfg.MessageA},
		},
		offsets:     fmt.Sprintf("%s, +%s, +%s", shortDuration(cfg.FirstDelay), shortDuration(cfg.StepDelay), shortDuration(2*cfg.StepDelay)),
		clock:       realClock{},
		entitlement: entitlement,
		messenger:   m,
		audit:       a,
	}
	if cfg.BotUsername != "" {
		s.deepLink = fmt.Sprintf("https://t.me/%s?start=planos", cfg.BotUsername)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms a fresh chain for userID, replacing any pending one. It does
// nothing for non-private chats and for users who already have access.
func (s *Scheduler) Start(ctx context.Context, userID string) (bool, error) {
	logger := log.With().Str("user_id", userID).Logger()

	chatType, err := s.messenger.GetChatType(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("Chat type lookup failed, follow-ups not armed")
		return false, fmt.Errorf("chat type of %s: %w", userID, err)
	}
	if chatType != messenger.ChatPrivate {
		return false, nil
	}

	entitled, err := s.entitlement.IsEntitled(ctx, userID)
	if err != nil {
		logger.Warn().Err(err).Msg("Entitlement lookup failed, arming follow-ups anyway")
	} else if entitled {
		return false, nil
	}

	s.mu.Lock()
	if prev, ok := s.chains[userID]; ok {
		prev.timer.Stop()
	}
	s.seq++
	c := &chain{id: s.seq, state: StateStep1, startedAt: s.clock.Now()}
	s.chains[userID] = c
	delete(s.last, userID)
	s.armLocked(userID, c)
	s.mu.Unlock()

	logger.Info().Msg("Follow-ups scheduled")
	s.audit.Notify(ctx, fmt.Sprintf("🕒 Followups agendados para %s (%s)", userID, s.offsets))
	return true, nil
}

// Cancel stops userID's pending chain. It reports whether one was pending.
func (s *Scheduler) Cancel(userID, reason string) bool {
	s.mu.Lock()
	c, ok := s.chains[userID]
	if ok {
		c.timer.Stop()
		s.finishLocked(userID, c, StateCancelled)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	metrics.FollowupsCancelledTotal.WithLabelValues(reason).Inc()
	log.Info().Str("user_id", userID).Str("reason", reason).Msg("Follow-ups cancelled")
	s.audit.Notify(context.Background(), fmt.Sprintf("⛔ Followups cancelados para %s", userID))
	return true
}

func (s *Scheduler) Pending(userID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[userID]
	if !ok {
		return Pending{}, false
	}
	return Pending{State: c.state, Sent: c.sent, StartedAt: c.startedAt, NextStep: c.step + 1}, true
}

func (s *Scheduler) State(userID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[userID]; ok {
		return c.state
	}
	if st, ok := s.last[userID]; ok {
		return st
	}
	return StateIdle
}

// Stop disarms every chain, for shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, c := range s.chains {
		c.timer.Stop()
		delete(s.chains, userID)
	}
}

func (s *Scheduler) armLocked(userID string, c *chain) {
	id := c.id
	c.timer = s.clock.AfterFunc(s.steps[c.step].delay, func() { s.fire(userID, id) })
}

func (s *Scheduler) finishLocked(userID string, c *chain, st State) {
	c.state = st
	delete(s.chains, userID)
	s.last[userID] = st
}

// current reports the step index of chain id for userID, or false when
// that chain was cancelled, finished or replaced.
func (s *Scheduler) current(userID string, id uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[userID]
	if !ok || c.id != id {
		return 0, false
	}
	return c.step, true
}

// fire runs one step. Lookups and sends happen without holding the lock;
// the chain id is checked again before sending and before advancing, so a
// chain cancelled or replaced meanwhile stops there.
func (s *Scheduler) fire(userID string, id uint64) {
	ctx := context.Background()
	logger := log.With().Str("user_id", userID).Logger()

	step, ok := s.current(userID, id)
	if !ok {
		return
	}

	sent := false
	entitled, err := s.entitlement.IsEntitled(ctx, userID)
	switch {
	case err != nil:
		logger.Warn().Err(err).Int("step", step+1).Msg("Entitlement lookup failed, skipping follow-up")
	case entitled:
		s.mu.Lock()
		c, ok := s.chains[userID]
		if !ok || c.id != id {
			s.mu.Unlock()
			return
		}
		c.timer.Stop()
		s.finishLocked(userID, c, StateCancelled)
		s.mu.Unlock()
		metrics.FollowupsCancelledTotal.WithLabelValues("entitled").Inc()
		logger.Info().Msg("User is entitled, follow-ups cancelled")
		s.audit.Notify(ctx, fmt.Sprintf("⛔ Followups cancelados para %s", userID))
		return
	default:
		if _, ok := s.current(userID, id); !ok {
			return
		}
		if err := s.messenger.SendMessage(ctx, userID, s.steps[step].text, s.buttons()); err != nil {
			logger.Warn().Err(err).Int("step", step+1).Msg("Failed to send follow-up")
		} else {
			sent = true
			metrics.FollowupsSentTotal.Inc()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[userID]
	if !ok || c.id != id {
		return
	}
	if sent {
		c.sent++
	}
	c.step = step + 1
	if c.step >= len(s.steps) {
		s.finishLocked(userID, c, StateCompleted)
		logger.Debug().Int("sent", c.sent).Msg("Follow-up chain completed")
		return
	}
	c.state = armedStates[c.step]
	s.armLocked(userID, c)
}

func (s *Scheduler) buttons() messenger.SendOption {
	if s.deepLink != "" {
		return messenger.WithButtons([]messenger.Button{messenger.URLButton("💳 Ver Planos", s.deepLink)})
	}
	return messenger.WithButtons([]messenger.Button{messenger.CallbackButton("💳 Ver Planos", "ver_planos")})
}

func shortDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
