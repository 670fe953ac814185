package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsvetkovv/mc-status-bot/internal/fanout"
	"github.com/tsvetkovv/mc-status-bot/internal/minecraft"
	"github.com/tsvetkovv/mc-status-bot/internal/presence"
	"github.com/tsvetkovv/mc-status-bot/internal/status"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

// Prober pings one server address
type Prober interface {
	Ping(ctx context.Context, address string) minecraft.Result
}

// State is the scheduler lifecycle state
type State int

const (
	Stopped State = iota
	Scheduled
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the poll cycle
type Config struct {
	Interval     time.Duration
	Concurrency  int
	RecentWindow time.Duration
	Location     *time.Location
}

// Report is what one cycle did for one server
type Report struct {
	Server     *storage.Server
	Result     minecraft.Result
	Outcome    presence.Outcome
	Text       string
	Deliveries []fanout.Delivery
	Err        error
}

// Poller periodically pings servers, reconciles sessions and refreshes
// live messages. The next cycle is armed only after the previous one
// finishes, so cycles never overlap.
type Poller struct {
	repo       *storage.Repository
	prober     Prober
	reconciler *presence.Reconciler
	fanout     *fanout.FanOut
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	idle     *sync.Cond
	timer    *time.Timer
	gen      uint64 // bumped by Start/Stop so stale timers do nothing
	active   bool   // Start was called and Stop was not
	running  bool
	runAgain bool // Start arrived during a cycle
}

// New creates a new Poller
func New(repo *storage.Repository, prober Prober, reconciler *presence.Reconciler, fan *fanout.FanOut, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = status.DefaultRecentWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	p := &Poller{
		repo:       repo,
		prober:     prober,
		reconciler: reconciler,
		fanout:     fan,
		cfg:        cfg,
		now:        time.Now,
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start cancels any pending run and arms an immediate one
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen++
	p.stopTimer()
	p.active = true
	if p.running {
		p.runAgain = true
	} else {
		p.schedule(0)
	}
	slog.Info("Server polling started", "interval", p.cfg.Interval)
}

// Stop cancels the pending run. A cycle already running completes, but
// no further cycle is armed.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen++
	p.stopTimer()
	p.active = false
	p.runAgain = false
	slog.Info("Server polling stopped")
}

// Wait blocks until no cycle is running
func (p *Poller) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running {
		p.idle.Wait()
	}
}

// State reports the current lifecycle state
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.running:
		return Running
	case p.active:
		return Scheduled
	default:
		return Stopped
	}
}

// EnableServer includes a server in the next cycle's listing
func (p *Poller) EnableServer(ctx context.Context, serverID string) error {
	if err := p.repo.SetPollingEnabled(ctx, serverID, true); err != nil {
		return fmt.Errorf("enable server %s: %w", serverID, err)
	}
	slog.Info("Server enabled for polling", "server", serverID)
	return nil
}

// DisableServer excludes a server from the next cycle's listing
func (p *Poller) DisableServer(ctx context.Context, serverID string) error {
	if err := p.repo.SetPollingEnabled(ctx, serverID, false); err != nil {
		return fmt.Errorf("disable server %s: %w", serverID, err)
	}
	slog.Info("Server disabled for polling", "server", serverID)
	return nil
}

// schedule arms the timer; callers hold p.mu
func (p *Poller) schedule(delay time.Duration) {
	gen := p.gen
	p.timer = time.AfterFunc(delay, func() { p.fire(gen) })
}

// stopTimer cancels the pending timer; callers hold p.mu
func (p *Poller) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.running || !p.active {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.timer = nil
	p.mu.Unlock()

	p.runGuarded()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.active {
		delay := p.cfg.Interval
		if p.runAgain {
			delay = 0
			p.runAgain = false
		}
		p.schedule(delay)
	}
	p.idle.Broadcast()
}

// runGuarded runs one cycle and absorbs any failure at the cycle boundary
func (p *Poller) runGuarded() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Poll cycle panicked", "panic", r, "duration", time.Since(start))
		}
	}()

	reports, err := p.RunCycle(context.Background())
	if err != nil {
		slog.Error("Poll cycle failed", "error", err, "duration", time.Since(start))
		return
	}
	slog.Info("Completed server polling", "servers", len(reports), "duration", time.Since(start))
}

// RunCycle polls every enabled server once
func (p *Poller) RunCycle(ctx context.Context) ([]Report, error) {
	servers, err := p.repo.ListPollableServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pollable servers: %w", err)
	}

	if len(servers) == 0 {
		slog.Debug("No servers to poll")
		return nil, nil
	}

	slog.Debug("Polling servers", "count", len(servers))

	reports := make([]Report, len(servers))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, srv := range servers {
		i, srv := i, srv
		g.Go(func() error {
			reports[i] = p.checkServer(ctx, srv)
			return nil
		})
	}
	g.Wait()

	return reports, nil
}

// checkServer runs ping → reconcile → render → fan-out for one server
func (p *Poller) checkServer(ctx context.Context, srv *storage.Server) (report Report) {
	report.Server = srv
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("panic: %v", r)
			slog.Error("Server check panicked", "server", srv.Address, "panic", r)
		}
	}()

	report.Result = p.prober.Ping(ctx, srv.Address)
	now := p.now()

	outcome, err := p.reconciler.Reconcile(ctx, srv, report.Result, now)
	report.Outcome = outcome
	if err != nil {
		report.Err = err
		slog.Error("Failed to reconcile server", "server", srv.Address, "error", err)
		return report
	}

	text, err := p.Render(ctx, srv, report.Result, now)
	if err != nil {
		report.Err = err
		slog.Error("Failed to render status", "server", srv.Address, "error", err)
		return report
	}
	report.Text = text

	deliveries, err := p.fanout.Deliver(ctx, srv.ID, text)
	report.Deliveries = deliveries
	if err != nil {
		report.Err = err
		slog.Error("Failed to deliver status", "server", srv.Address, "error", err)
	}
	return report
}

// Render builds the live message text for a server from a ping result
// and its stored session history.
func (p *Poller) Render(ctx context.Context, srv *storage.Server, result minecraft.Result, now time.Time) (string, error) {
	live, err := p.repo.ListLivePlayers(ctx, srv.ID, now.Add(-p.reconciler.Grace()))
	if err != nil {
		return "", fmt.Errorf("list live players: %w", err)
	}
	recent, err := p.repo.ListRecentPlayers(ctx, srv.ID, now.Add(-p.cfg.RecentWindow))
	if err != nil {
		return "", fmt.Errorf("list recent players: %w", err)
	}

	snapshot := status.BuildSnapshot(srv.Address, result, live, recent, now)
	return status.Render(snapshot, now, p.cfg.Location), nil
}
