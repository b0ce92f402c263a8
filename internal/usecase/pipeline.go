package usecase

import (
	"context"
	"errors"
	"time"

	"SignalDesk/internal/domain/models"
	domrepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/services/execution"
	"SignalDesk/internal/services/indicators"
	"SignalDesk/internal/services/risk"
	"SignalDesk/internal/services/scoring"
	"SignalDesk/internal/services/stabilizer"
	applogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/metrics"
)

// Outcome is what one instrument contributed to a cycle.
type Outcome struct {
	Instrument      string
	Evaluated       bool
	DataUnavailable bool
	Deferred        bool
	Signal          models.Signal
	Decision        stabilizer.Decision
	RiskRejected    bool
	Order           *models.Order
	Err             error
}

// Pipeline runs one instrument through indicators, scoring and the
// stabilizer and, with auto trading on, through the risk gate and dispatcher.
type Pipeline struct {
	md      domrepo.MarketData
	engine  *indicators.Engine
	scorer  *scoring.Scorer
	stab    *stabilizer.Stabilizer
	active  *ActiveSet
	history *History
	pub     domrepo.Publisher
	metrics domrepo.Metrics
	l       *applogger.Logger

	gate       *risk.Gate
	dispatcher *execution.Dispatcher
	quoteAsset string

	lookback     time.Duration
	fetchTimeout time.Duration
	onPrice      func(symbol string, price float64)
	now          func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAutoTrade sends accepted signals through gate and dispatcher, sizing
// against the balance of quoteAsset.
func WithAutoTrade(gate *risk.Gate, d *execution.Dispatcher, quoteAsset string) PipelineOption {
	return func(p *Pipeline) {
		p.gate = gate
		p.dispatcher = d
		p.quoteAsset = quoteAsset
	}
}

// WithPublisher sets where accepted signals and execution reports go.
func WithPublisher(pub domrepo.Publisher) PipelineOption {
	return func(p *Pipeline) { p.pub = pub }
}

func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.l = l
		}
	}
}

func WithPipelineMetrics(m domrepo.Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLookback sets how much history is fetched per instrument.
func WithLookback(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.lookback = d
		}
	}
}

// WithFetchTimeout bounds each market data call.
func WithFetchTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

// WithPriceHook is called with every observed price, before scoring.
func WithPriceHook(fn func(symbol string, price float64)) PipelineOption {
	return func(p *Pipeline) { p.onPrice = fn }
}

// WithPipelineClock overrides the stabilizer's notion of now.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the stages together.
func NewPipeline(md domrepo.MarketData, engine *indicators.Engine, scorer *scoring.Scorer, stab *stabilizer.Stabilizer, active *ActiveSet, history *History, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		md:           md,
		engine:       engine,
		scorer:       scorer,
		stab:         stab,
		active:       active,
		history:      history,
		metrics:      metrics.Nop{},
		l:            applogger.NewNop(),
		lookback:     24 * time.Hour,
		fetchTimeout: 15 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AutoTrade reports whether accepted signals are executed.
func (p *Pipeline) AutoTrade() bool { return p.gate != nil && p.dispatcher != nil }

// Quotes fetches the current quote of every instrument in one call.
func (p *Pipeline) Quotes(ctx context.Context, instruments []models.Instrument) (map[string]models.Quote, error) {
	ids := make([]string, len(instruments))
	for i, in := range instruments {
		ids[i] = in.ID
	}
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	start := time.Now()
	quotes, err := p.md.FetchCurrent(ctx, ids)
	p.metrics.RecordLatency("fetch_current", time.Since(start).Seconds())
	return quotes, err
}

// Evaluate fetches, scores and stabilizes one instrument for cycle seq.
// Failures are reported in the outcome and never returned.
func (p *Pipeline) Evaluate(ctx context.Context, inst models.Instrument, quote models.Quote, hasQuote bool, seq uint64) Outcome {
	out := Outcome{Instrument: inst.Symbol}
	if !hasQuote {
		out.DataUnavailable = true
		out.Err = models.NewError(models.KindDataUnavailable, "fetch_current", inst.Symbol, errors.New("no quote"))
		p.metrics.RecordError(string(models.KindDataUnavailable))
		p.l.Warn("no current quote", applogger.String("instrument", inst.Symbol))
		return out
	}

	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	start := time.Now()
	series, err := p.md.FetchSeries(fctx, inst.ID, p.lookback)
	cancel()
	p.metrics.RecordLatency("fetch_series", time.Since(start).Seconds())
	if err != nil {
		out.DataUnavailable = true
		out.Err = models.NewError(models.KindDataUnavailable, "fetch_series", inst.Symbol, err)
		p.metrics.RecordError(string(models.KindDataUnavailable))
		p.l.Warn("price history unavailable", applogger.String("instrument", inst.Symbol), applogger.Error(err))
		return out
	}

	ind := p.engine.Compute(series.Normalize())
	if ind.Price <= 0 && quote.Price > 0 {
		ind = indicators.Neutral(quote.Price)
	}
	if p.onPrice != nil && ind.Price > 0 {
		p.onPrice(inst.Symbol, ind.Price)
	}
	p.metrics.RecordLastPrice(inst.Symbol, ind.Price)

	sig := p.scorer.Score(scoring.Input{Instrument: inst, Indicators: ind, Quote: quote})
	out.Evaluated = true
	out.Signal = sig

	d, err := p.stab.Submit(ctx, sig, p.now(), seq, func(s models.Signal) {
		p.active.Upsert(s)
		p.history.Add(s)
	})
	if err != nil {
		out.Deferred = true
		out.Err = models.NewError(models.KindScheduling, "stabilize", inst.Symbol, err)
		p.metrics.RecordError(string(models.KindScheduling))
		p.l.Warn("instrument deferred", applogger.String("instrument", inst.Symbol), applogger.Error(err))
		return out
	}
	out.Decision = d
	if !d.Accepted {
		p.metrics.RecordRejection("stabilizer", string(d.Reason))
		p.l.Debug("signal held back",
			applogger.String("instrument", sig.Instrument),
			applogger.String("direction", sig.Direction.String()),
			applogger.String("reason", string(d.Reason)))
		return out
	}

	p.metrics.RecordSignal(sig.Instrument, sig.Direction.String())
	p.l.Info("signal accepted",
		applogger.String("instrument", sig.Instrument),
		applogger.String("direction", sig.Direction.String()),
		applogger.Float64("confidence", sig.Confidence),
		applogger.Float64("price", sig.Price),
		applogger.Strings("reasons", sig.Reasons),
	)
	if p.pub != nil {
		if err := p.pub.PublishSignal(ctx, sig); err != nil {
			p.l.Debug("publish signal", applogger.Error(err))
		}
	}
	return out
}

// Execute sizes and dispatches an accepted signal. ctx should outlive the
// cycle so a TWAP entry is not cut short.
func (p *Pipeline) Execute(ctx context.Context, inst models.Instrument, out *Outcome) {
	if !p.AutoTrade() || !out.Decision.Accepted {
		return
	}
	sig := out.Signal
	balance, err := p.dispatcher.Balance(ctx, p.quoteAsset)
	if err != nil {
		out.Err = err
		p.l.Warn("fetch balance", applogger.String("asset", p.quoteAsset), applogger.Error(err))
		return
	}
	intent, err := p.gate.Evaluate(sig, inst, balance)
	if err != nil {
		out.RiskRejected = true
		out.Err = err
		p.metrics.RecordRejection("risk", riskReason(err))
		p.l.Info("risk gate rejected signal",
			applogger.String("instrument", sig.Instrument),
			applogger.String("balance", balance.StringFixed(2)),
			applogger.Error(err))
		return
	}

	order, err := p.dispatcher.Dispatch(ctx, intent)
	out.Order = &order
	if err != nil {
		out.Err = err
		p.metrics.RecordError(string(models.KindOf(err)))
	}
	if p.pub != nil {
		if perr := p.pub.PublishExecution(ctx, order); perr != nil {
			p.l.Debug("publish execution", applogger.Error(perr))
		}
	}
}

// Reset clears the stabilizer record of instrument.
func (p *Pipeline) Reset(ctx context.Context, instrument string) (bool, error) {
	return p.stab.Reset(ctx, instrument)
}

func riskReason(err error) string {
	switch {
	case errors.Is(err, models.ErrLowConfidence):
		return "low_confidence"
	case errors.Is(err, models.ErrRiskReward):
		return "risk_reward"
	case errors.Is(err, models.ErrBelowIncrement):
		return "below_increment"
	case errors.Is(err, models.ErrNoBalance):
		return "no_balance"
	case errors.Is(err, models.ErrHoldSignal):
		return "hold"
	default:
		return "invalid"
	}
}
