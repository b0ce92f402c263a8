package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"SignalDesk/internal/domain/models"
	domrepo "SignalDesk/internal/domain/repository"
	domsvc "SignalDesk/internal/domain/service"
	applogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/metrics"
)

// ErrUnknownInstrument is returned for instruments that are not configured.
var ErrUnknownInstrument = errors.New("unknown instrument")

// SnapshotLoader reads a previously published snapshot.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (models.Snapshot, bool, error)
}

// PollLoop drives every instrument through the pipeline once per interval.
// A tick that arrives while a cycle is still running is skipped.
type PollLoop struct {
	pipe        *Pipeline
	instruments []models.Instrument
	interval    time.Duration
	workers     int
	active      *ActiveSet
	history     *History
	pub         domrepo.Publisher
	metrics     domrepo.Metrics
	l           *applogger.Logger
	now         func() time.Time

	running atomic.Bool
	seq     atomic.Uint64
	last    atomic.Pointer[models.Snapshot]
	cycles  sync.WaitGroup

	mu     sync.Mutex
	totals models.Totals
}

// PollOption configures a PollLoop.
type PollOption func(*PollLoop)

func WithInterval(d time.Duration) PollOption {
	return func(p *PollLoop) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithWorkers(n int) PollOption {
	return func(p *PollLoop) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithSnapshotPublisher sets where each cycle's snapshot goes.
func WithSnapshotPublisher(pub domrepo.Publisher) PollOption {
	return func(p *PollLoop) { p.pub = pub }
}

func WithPollLogger(l *applogger.Logger) PollOption {
	return func(p *PollLoop) {
		if l != nil {
			p.l = l
		}
	}
}

func WithPollMetrics(m domrepo.Metrics) PollOption {
	return func(p *PollLoop) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithPollClock(now func() time.Time) PollOption {
	return func(p *PollLoop) { p.now = now }
}

// NewPollLoop creates a loop over instruments. active and history must be
// the ones the pipeline writes to.
func NewPollLoop(pipe *Pipeline, instruments []models.Instrument, active *ActiveSet, history *History, opts ...PollOption) *PollLoop {
	p := &PollLoop{
		pipe:        pipe,
		instruments: instruments,
		interval:    120 * time.Second,
		workers:     4,
		active:      active,
		history:     history,
		metrics:     metrics.Nop{},
		l:           applogger.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.totals = models.Totals{ByDirection: make(map[string]int), StartedAt: p.now()}
	return p
}

// Restore seeds the active set and history from a stored snapshot so a
// restart keeps unexpired signals visible.
func (p *PollLoop) Restore(ctx context.Context, loader SnapshotLoader) (int, error) {
	snap, ok, err := loader.LoadSnapshot(ctx)
	if err != nil || !ok {
		return 0, err
	}
	now := p.now()
	n := 0
	for i := len(snap.Active) - 1; i >= 0; i-- {
		s := snap.Active[i]
		if expired(s, now) {
			continue
		}
		p.active.Upsert(s)
		p.history.Add(s)
		n++
	}
	if n > 0 {
		p.l.Info("restored active signals", applogger.Int("count", n))
	}
	return n, nil
}

// Run ticks until ctx is done, starting with an immediate cycle, and waits
// for the cycle in flight before returning.
func (p *PollLoop) Run(ctx context.Context) error {
	p.l.Info("poll loop started",
		applogger.Duration("interval", p.interval),
		applogger.Int("instruments", len(p.instruments)),
		applogger.Int("workers", p.workers),
		applogger.Bool("auto_trade", p.pipe.AutoTrade()))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.cycles.Wait()
			p.l.Info("poll loop stopped")
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick starts a cycle in the background unless one is running. It reports
// whether a cycle was started.
func (p *PollLoop) Tick(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.RecordSkippedTick()
		p.mu.Lock()
		p.totals.SkippedTicks++
		p.mu.Unlock()
		p.l.Warn("previous cycle still running, tick skipped")
		return false
	}
	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		defer p.running.Store(false)
		p.RunCycle(ctx)
	}()
	return true
}

// Wait blocks until the cycle in flight, if any, has finished.
func (p *PollLoop) Wait() { p.cycles.Wait() }

// RunCycle evaluates every instrument once and publishes the snapshot.
func (p *PollLoop) RunCycle(ctx context.Context) models.CycleStats {
	seq := p.seq.Add(1)
	started := p.now()
	wall := time.Now()
	stats := models.NewCycleStats(seq, started)

	cctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	quotes, err := p.pipe.Quotes(cctx, p.instruments)
	if err != nil {
		p.l.Warn("fetch current quotes", applogger.Uint64("seq", seq), applogger.Error(err))
	}

	jobs := make(chan models.Instrument)
	results := make(chan Outcome, len(p.instruments))
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range jobs {
				q, ok := quotes[inst.ID]
				out := p.pipe.Evaluate(cctx, inst, q, ok, seq)
				p.pipe.Execute(ctx, inst, &out)
				results <- out
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		order := rotate(p.instruments, seq)
		for i, inst := range order {
			if cctx.Err() == nil {
				select {
				case jobs <- inst:
					continue
				case <-cctx.Done():
				}
			}
			for _, rest := range order[i:] {
				results <- p.deferred(rest, seq, cctx.Err())
			}
			return
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for out := range results {
		tally(&stats, out)
	}

	p.active.Prune(p.now())
	stats.Duration = time.Since(wall)
	snap := models.Snapshot{Active: p.active.List(p.now()), Stats: stats, UpdatedAt: p.now()}
	p.last.Store(&snap)
	if p.pub != nil {
		if err := p.pub.PublishSnapshot(ctx, snap); err != nil {
			p.l.Debug("publish snapshot", applogger.Error(err))
		}
	}

	p.metrics.RecordCycle(stats.Duration.Seconds())
	p.addTotals(stats)
	p.l.Info("cycle finished",
		applogger.Uint64("seq", seq),
		applogger.Duration("took", stats.Duration),
		applogger.Int("evaluated", stats.Evaluated),
		applogger.Int("emitted", stats.Emitted),
		applogger.Int("data_unavailable", stats.DataUnavailable),
		applogger.Int("deferred", stats.Deferred),
		applogger.Int("active", len(snap.Active)))
	return stats
}

// rotate starts the feed at a different instrument every cycle so a slow
// instrument never starves the same tail.
func rotate(instruments []models.Instrument, seq uint64) []models.Instrument {
	n := len(instruments)
	if n == 0 {
		return nil
	}
	start := int(seq % uint64(n))
	out := make([]models.Instrument, 0, n)
	out = append(out, instruments[start:]...)
	return append(out, instruments[:start]...)
}

// deferred is the outcome of an instrument the cycle deadline cut off
// before a worker picked it up.
func (p *PollLoop) deferred(inst models.Instrument, seq uint64, cause error) Outcome {
	p.metrics.RecordError(string(models.KindScheduling))
	p.l.Warn("instrument deferred",
		applogger.Uint64("seq", seq),
		applogger.String("instrument", inst.Symbol),
		applogger.Error(cause))
	return Outcome{
		Instrument: inst.Symbol,
		Deferred:   true,
		Err:        models.NewError(models.KindScheduling, "dispatch", inst.Symbol, cause),
	}
}

func tally(stats *models.CycleStats, out Outcome) {
	switch {
	case out.DataUnavailable:
		stats.DataUnavailable++
		return
	case out.Deferred:
		stats.Deferred++
	}
	if out.Evaluated {
		stats.Evaluated++
	}
	if out.Decision.Accepted {
		stats.Emitted++
		stats.ByDirection[out.Signal.Direction.String()]++
	} else if out.Decision.Reason != "" {
		stats.Rejections[string(out.Decision.Reason)]++
	}
	if out.RiskRejected {
		stats.RiskRejected++
	}
	if out.Order != nil {
		switch out.Order.Status {
		case models.ExecFilled:
			stats.OrdersFilled++
		case models.ExecUnprotected:
			stats.OrdersFilled++
			stats.Alerts++
		case models.ExecFailed:
			stats.OrdersFailed++
		}
	}
}

func (p *PollLoop) addTotals(s models.CycleStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totals.Cycles++
	p.totals.Emitted += uint64(s.Emitted)
	for d, n := range s.ByDirection {
		p.totals.ByDirection[d] += n
	}
	p.totals.OrdersFilled += uint64(s.OrdersFilled)
	p.totals.OrdersFailed += uint64(s.OrdersFailed)
	p.totals.Alerts += uint64(s.Alerts)
	p.totals.LastCycleAt = s.StartedAt
}

// Snapshot returns the last published snapshot without signals that have
// expired since.
func (p *PollLoop) Snapshot() models.Snapshot {
	now := p.now()
	last := p.last.Load()
	if last == nil {
		return models.Snapshot{Active: p.active.List(now), UpdatedAt: now}
	}
	snap := *last
	snap.Active = make([]models.Signal, 0, len(last.Active))
	for _, s := range last.Active {
		if !expired(s, now) {
			snap.Active = append(snap.Active, s)
		}
	}
	return snap
}

// Signal returns the live signal for instrument.
func (p *PollLoop) Signal(instrument string) (models.Signal, bool) {
	return p.active.Get(instrument, p.now())
}

// History returns accepted signals newest first.
func (p *PollLoop) History(limit int, since time.Time, instrument string) []models.Signal {
	return p.history.List(limit, since, instrument)
}

// Totals returns counters accumulated since start.
func (p *PollLoop) Totals() models.Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.totals
	t.ByDirection = make(map[string]int, len(p.totals.ByDirection))
	for d, n := range p.totals.ByDirection {
		t.ByDirection[d] = n
	}
	return t
}

// ResetStabilizer clears the stabilizer record of a configured instrument.
func (p *PollLoop) ResetStabilizer(ctx context.Context, instrument string) (bool, error) {
	sym, ok := p.lookup(instrument)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return p.pipe.Reset(ctx, sym)
}

func (p *PollLoop) lookup(instrument string) (string, bool) {
	for _, in := range p.instruments {
		if strings.EqualFold(in.Symbol, instrument) || strings.EqualFold(in.ID, instrument) {
			return in.Symbol, true
		}
	}
	return "", false
}

var _ domsvc.SignalQuery = (*PollLoop)(nil)
