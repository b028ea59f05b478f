package followup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botvip/internal/messenger"
	"botvip/internal/messenger/messengertest"
)

type manualTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// manualClock fires timers only when told to.
type manualClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	timers  []*manualTimer
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(1_700_000_000, 0).Add(c.elapsed)
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.elapsed + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Next fires the earliest live timer and returns its delay from the
// previous fire, or false when none is armed.
func (c *manualClock) Next() (time.Duration, bool) {
	c.mu.Lock()
	var live []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		c.mu.Unlock()
		return 0, false
	}
	sort.Slice(live, func(i, j int) bool { return live[i].at < live[j].at })
	t := live[0]
	t.fired = true
	delta := t.at - c.elapsed
	c.elapsed = t.at
	c.mu.Unlock()

	t.f()
	return delta, true
}

func (c *manualClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type entitlements struct {
	mu  sync.Mutex
	set map[string]bool
	err error
}

func (e *entitlements) IsEntitled(_ context.Context, userID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return false, e.err
	}
	return e.set[userID], nil
}

func (e *entitlements) grant(userID string) {
	e.mu.Lock()
	e.set[userID] = true
	e.mu.Unlock()
}

func newTestScheduler() (*Scheduler, *manualClock, *messengertest.Recorder, *entitlements) {
	clock := &manualClock{}
	rec := messengertest.New()
	ent := &entitlements{set: make(map[string]bool)}
	s := NewScheduler(Config{BotUsername: "botvip_bot"}, ent, rec, nil, WithClock(clock))
	return s, clock, rec, ent
}

func TestChainSendsThreeMessages(t *testing.T) {
	s, clock, rec, _ := newTestScheduler()

	armed, err := s.Start(context.Background(), "555")
	require.NoError(t, err)
	require.True(t, armed)
	assert.Equal(t, StateStep1, s.State("555"))

	wantDelays := []time.Duration{5 * time.Minute, 24 * time.Hour, 24 * time.Hour}
	wantTexts := []string{DefaultMessageA, DefaultMessageB, DefaultMessageA}
	wantStates := []State{StateStep2, StateStep3, StateCompleted}

	for i := range wantDelays {
		d, ok := clock.Next()
		require.True(t, ok)
		assert.Equal(t, wantDelays[i], d)
		assert.Equal(t, wantStates[i], s.State("555"))
	}

	msgs := rec.To("555")
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, wantTexts[i], m.Text)
		assert.Equal(t, "https://t.me/botvip_bot?start=planos", m.Options.Rows[0][0].URL)
	}

	_, ok := clock.Next()
	assert.False(t, ok)
	_, pending := s.Pending("555")
	assert.False(t, pending)
}

func TestEntitledUserGetsNoFollowups(t *testing.T) {
	s, clock, rec, ent := newTestScheduler()

	_, err := s.Start(context.Background(), "555")
	require.NoError(t, err)
	ent.grant("555")

	_, ok := clock.Next()
	require.True(t, ok)
	assert.Zero(t, rec.Count())
	assert.Equal(t, StateCancelled, s.State("555"))
	assert.Zero(t, clock.live())
}

func TestStartSkipsEntitledUser(t *testing.T) {
	s, clock, _, ent := newTestScheduler()
	ent.grant("555")

	armed, err := s.Start(context.Background(), "555")
	require.NoError(t, err)
	assert.False(t, armed)
	assert.Zero(t, clock.live())
	assert.Equal(t, StateIdle, s.State("555"))
}

func TestSecondStartReplacesFirst(t *testing.T) {
	s, clock, rec, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Start(ctx, "555")
	require.NoError(t, err)
	_, err = s.Start(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, 1, clock.live())

	for {
		if _, ok := clock.Next(); !ok {
			break
		}
	}
	assert.Len(t, rec.To("555"), 3)
}

func TestCancelStopsChain(t *testing.T) {
	s, clock, rec, _ := newTestScheduler()

	_, err := s.Start(context.Background(), "555")
	require.NoError(t, err)
	_, _ = clock.Next()

	assert.True(t, s.Cancel("555", "paid"))
	assert.False(t, s.Cancel("555", "paid"))
	assert.Equal(t, StateCancelled, s.State("555"))

	_, ok := clock.Next()
	assert.False(t, ok)
	assert.Len(t, rec.To("555"), 1)
}

func TestStaleTimerNeverSends(t *testing.T) {
	s, clock, rec, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Start(ctx, "555")
	require.NoError(t, err)
	clock.mu.Lock()
	first := clock.timers[0]
	clock.mu.Unlock()

	s.Cancel("555", "paid")
	// a timer that already fired before Stop still runs its callback
	first.f()
	assert.Zero(t, rec.Count())
}

func TestStartOnlyForPrivateChats(t *testing.T) {
	s, clock, rec, _ := newTestScheduler()
	rec.ChatTypes["-100"] = messenger.ChatGroup

	armed, err := s.Start(context.Background(), "-100")
	require.NoError(t, err)
	assert.False(t, armed)
	assert.Zero(t, clock.live())

	rec.ChatErr = errors.New("chat not found")
	armed, err = s.Start(context.Background(), "555")
	assert.Error(t, err)
	assert.False(t, armed)
}

func TestLookupErrorSkipsSend(t *testing.T) {
	s, clock, rec, ent := newTestScheduler()

	_, err := s.Start(context.Background(), "555")
	require.NoError(t, err)

	ent.mu.Lock()
	ent.err = errors.New("ledger unavailable")
	ent.mu.Unlock()

	_, _ = clock.Next()
	assert.Zero(t, rec.Count())
	assert.Equal(t, StateStep2, s.State("555"))

	p, ok := s.Pending("555")
	require.True(t, ok)
	assert.Equal(t, 0, p.Sent)
	assert.Equal(t, 2, p.NextStep)
}

func TestStopDisarmsAll(t *testing.T) {
	s, clock, _, _ := newTestScheduler()
	ctx := context.Background()

	_, _ = s.Start(ctx, "1")
	_, _ = s.Start(ctx, "2")
	s.Stop()
	assert.Zero(t, clock.live())
}

func TestCallbackButtonWithoutUsername(t *testing.T) {
	clock := &manualClock{}
	rec := messengertest.New()
	s := NewScheduler(Config{}, &entitlements{set: map[string]bool{}}, rec, nil, WithClock(clock))

	_, err := s.Start(context.Background(), "9")
	require.NoError(t, err)
	_, _ = clock.Next()

	msgs := rec.To("9")
	require.Len(t, msgs, 1)
	assert.Equal(t, "ver_planos", msgs[0].Options.Rows[0][0].CallbackData)
}

// slowMessenger holds SendMessage open until release is closed.
type slowMessenger struct {
	*messengertest.Recorder
	entered chan struct{}
	release chan struct{}
}

func (m *slowMessenger) SendMessage(ctx context.Context, chatID, text string, opts ...messenger.SendOption) error {
	m.entered <- struct{}{}
	<-m.release
	return m.Recorder.SendMessage(ctx, chatID, text, opts...)
}

func TestSlowSendDoesNotBlockOtherUsers(t *testing.T) {
	clock := &manualClock{}
	slow := &slowMessenger{Recorder: messengertest.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewScheduler(Config{BotUsername: "botvip_bot"}, &entitlements{set: map[string]bool{}}, slow, nil, WithClock(clock))
	ctx := context.Background()

	_, err := s.Start(ctx, "555")
	require.NoError(t, err)
	_, err = s.Start(ctx, "777")
	require.NoError(t, err)

	clock.mu.Lock()
	first := clock.timers[0]
	clock.mu.Unlock()

	fired := make(chan struct{})
	go func() {
		first.f()
		close(fired)
	}()
	<-slow.entered

	done := make(chan struct{})
	go func() {
		_, pending := s.Pending("777")
		assert.True(t, pending)
		assert.True(t, s.Cancel("777", "paid"))
		// cancelling the chain that is mid-send stops it from re-arming
		assert.True(t, s.Cancel("555", "paid"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler lock held during send")
	}

	close(slow.release)
	<-fired

	assert.Len(t, slow.To("555"), 1)
	assert.Equal(t, StateCancelled, s.State("555"))
	assert.Zero(t, clock.live())
}
