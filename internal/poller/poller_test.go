package poller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/fanout"
	"github.com/tsvetkovv/mc-status-bot/internal/minecraft"
	"github.com/tsvetkovv/mc-status-bot/internal/presence"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

var t0 = time.UnixMilli(1_700_000_000_000)

// fakeProber returns a fixed result and counts pings
type fakeProber struct {
	mu       sync.Mutex
	result   minecraft.Result
	panics   int // panic on this many pings before answering
	pings    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeProber) Ping(ctx context.Context, address string) minecraft.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.pings.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics > 0 {
		f.panics--
		panic("prober exploded")
	}
	return f.result
}

func (f *fakeProber) set(result minecraft.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = result
}

// fakeMessenger edits successfully and remembers the last text per chat
type fakeMessenger struct {
	mu    sync.Mutex
	texts map[string]string
}

func (m *fakeMessenger) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[chatID] = text
	return nil
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	return "", errors.New("not expected")
}

func (m *fakeMessenger) PinMessage(ctx context.Context, chatID, messageID string) error { return nil }

func (m *fakeMessenger) DeleteMessage(ctx context.Context, chatID, messageID string) error { return nil }

func (m *fakeMessenger) text(chatID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[chatID]
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo      *storage.Repository
	server    *storage.Server
	prober    *fakeProber
	messenger *fakeMessenger
	clock     *clock
	poller    *Poller
}

func setup(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	srv, err := repo.CreateServer(context.Background(), "mc.example.net", t0)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	f := &fixture{
		repo:      repo,
		server:    srv,
		prober:    &fakeProber{},
		messenger: &fakeMessenger{texts: make(map[string]string)},
		clock:     &clock{now: t0},
	}
	rec := presence.NewReconciler(repo, presence.Config{PollInterval: interval})
	fan := fanout.New(repo, f.messenger, time.Second)
	f.poller = New(repo, f.prober, rec, fan, Config{Interval: interval, Concurrency: 2, Location: time.UTC})
	f.poller.now = f.clock.Now
	t.Cleanup(func() {
		f.poller.Stop()
		f.poller.Wait()
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestCycleFirstObservation(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	if _, err := f.repo.CreateSubscription(ctx, "chat-a", true, f.server.ID, "m1", "admin", t0); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	f.prober.set(minecraft.Result{
		Online:      true,
		Capacity:    20,
		OnlineCount: 1,
		Players:     []minecraft.Player{{Key: "a", Name: "Alice"}},
	})

	reports, err := f.poller.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Err != nil {
		t.Fatalf("Expected one clean report, got %+v", reports)
	}
	if reports[0].Outcome.Opened != 1 {
		t.Errorf("Expected one session opened, got %+v", reports[0].Outcome)
	}

	p, err := f.repo.GetPlayerByUUID(ctx, "a")
	if err != nil {
		t.Fatalf("Failed to get player: %v", err)
	}
	sessions, _ := f.repo.ListSessions(ctx, f.server.ID, p.ID)
	if len(sessions) != 1 || !sessions[0].StartTime.Equal(t0) || !sessions[0].EndTime.Equal(t0) {
		t.Errorf("Expected one session at %v, got %+v", t0, sessions)
	}

	text := f.messenger.text("chat-a")
	lines := strings.Split(text, "\n")
	if lines[0] != "mc.example.net 1/20" {
		t.Errorf("Expected header 'mc.example.net 1/20', got %q", lines[0])
	}
	if !strings.Contains(text, "Alice just joined") {
		t.Errorf("Expected 'Alice just joined' in %q", text)
	}
}

func TestCycleShowsDepartedPlayerOffline(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	f.repo.CreateSubscription(ctx, "chat-a", true, f.server.ID, "m1", "admin", t0)

	f.prober.set(minecraft.Result{Online: true, Capacity: 20, OnlineCount: 1, Players: []minecraft.Player{{Key: "a", Name: "Alice"}}})
	f.poller.RunCycle(ctx)

	f.clock.Advance(10 * time.Minute)
	f.prober.set(minecraft.Result{Online: true, Capacity: 20})
	if _, err := f.poller.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	text := f.messenger.text("chat-a")
	if !strings.HasPrefix(text, "mc.example.net 0/20") {
		t.Errorf("Expected empty server header, got %q", text)
	}
	if !strings.Contains(text, "⚪ Alice ~ 10 minutes ago") {
		t.Errorf("Expected Alice listed offline, got %q", text)
	}
}

func TestStaleServerDisabledOnce(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	f.prober.set(minecraft.Offline(errors.New("connection refused")))

	disabled := 0
	for day := 1; day <= 10; day++ {
		f.clock.Advance(24 * time.Hour)
		reports, err := f.poller.RunCycle(ctx)
		if err != nil {
			t.Fatalf("RunCycle failed: %v", err)
		}
		for _, r := range reports {
			if r.Outcome.Disabled {
				disabled++
				if day != 8 {
					t.Errorf("Expected disable on day 8, got day %d", day)
				}
			}
		}
	}

	if disabled != 1 {
		t.Errorf("Expected polling to be disabled exactly once, got %d", disabled)
	}
	if got := f.prober.pings.Load(); got != 8 {
		t.Errorf("Expected pinging to stop after disable (8 pings), got %d", got)
	}
	srv, _ := f.repo.GetServer(ctx, f.server.ID)
	if srv.PollingEnabled {
		t.Error("Expected polling to be disabled")
	}
}

func TestEnableDisableServer(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()
	f.prober.set(minecraft.Result{Online: true, Capacity: 10})

	if err := f.poller.DisableServer(ctx, f.server.ID); err != nil {
		t.Fatalf("DisableServer failed: %v", err)
	}
	reports, _ := f.poller.RunCycle(ctx)
	if len(reports) != 0 {
		t.Errorf("Expected disabled server to be skipped, got %d reports", len(reports))
	}

	if err := f.poller.EnableServer(ctx, f.server.ID); err != nil {
		t.Fatalf("EnableServer failed: %v", err)
	}
	reports, _ = f.poller.RunCycle(ctx)
	if len(reports) != 1 {
		t.Errorf("Expected enabled server to be polled, got %d reports", len(reports))
	}

	if err := f.poller.EnableServer(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown server, got %v", err)
	}
}

func TestSchedulerRearmsAfterPanic(t *testing.T) {
	f := setup(t, 10*time.Millisecond)
	f.prober.set(minecraft.Result{Online: true, Capacity: 10})
	f.prober.panics = 2

	f.poller.Start()
	waitFor(t, "cycles after panics", func() bool { return f.prober.pings.Load() >= 4 })

	if state := f.poller.State(); state == Stopped {
		t.Errorf("Expected scheduler to keep running, got %v", state)
	}
}

func TestSchedulerStop(t *testing.T) {
	f := setup(t, 10*time.Millisecond)
	f.prober.set(minecraft.Result{Online: true, Capacity: 10})

	if state := f.poller.State(); state != Stopped {
		t.Fatalf("Expected initial state stopped, got %v", state)
	}

	f.poller.Start()
	waitFor(t, "first cycles", func() bool { return f.prober.pings.Load() >= 2 })

	f.poller.Stop()
	f.poller.Wait()
	after := f.prober.pings.Load()

	time.Sleep(50 * time.Millisecond)
	if got := f.prober.pings.Load(); got != after {
		t.Errorf("Expected no cycles after stop, got %d more", got-after)
	}
	if state := f.poller.State(); state != Stopped {
		t.Errorf("Expected stopped, got %v", state)
	}
}

func TestStopDuringCycleLetsItFinish(t *testing.T) {
	f := setup(t, 10*time.Millisecond)
	f.prober.set(minecraft.Result{Online: true, Capacity: 10})
	f.prober.delay = 30 * time.Millisecond

	f.poller.Start()
	waitFor(t, "cycle to start", func() bool { return f.poller.State() == Running })
	f.poller.Stop()
	f.poller.Wait()

	srv, _ := f.repo.GetServer(context.Background(), f.server.ID)
	if !srv.LastPingAt.Equal(t0) {
		t.Errorf("Expected the running cycle to complete, last ping %v", srv.LastPingAt)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.prober.pings.Load(); got != 1 {
		t.Errorf("Expected exactly one cycle, got %d", got)
	}
}

func TestStartIsIdempotentAndCyclesNeverOverlap(t *testing.T) {
	f := setup(t, 5*time.Millisecond)
	f.prober.set(minecraft.Result{Online: true, Capacity: 10})
	f.prober.delay = 10 * time.Millisecond

	for i := 0; i < 5; i++ {
		f.poller.Start()
		time.Sleep(3 * time.Millisecond)
	}
	waitFor(t, "several cycles", func() bool { return f.prober.pings.Load() >= 5 })

	if got := f.prober.maxSeen.Load(); got != 1 {
		t.Errorf("Expected cycles to never overlap, saw %d concurrent pings", got)
	}
}

func TestStateString(t *testing.T) {
	if Running.String() != "running" || State(7).String() != "state(7)" {
		t.Errorf("Unexpected state names %s %s", Running, State(7))
	}
}
