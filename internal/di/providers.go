package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"SignalDesk/internal/domain/models"
	domrepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/handler/api"
	internalrepo "SignalDesk/internal/repository"
	"SignalDesk/internal/service/exchange"
	"SignalDesk/internal/service/marketdata"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/internal/services/execution"
	"SignalDesk/internal/services/indicators"
	"SignalDesk/internal/services/risk"
	"SignalDesk/internal/services/scoring"
	"SignalDesk/internal/services/stabilizer"
	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/cache"
	pkgch "SignalDesk/pkg/clickhouse"
	"SignalDesk/pkg/config"
	xhttp "SignalDesk/pkg/http"
	pkgkafka "SignalDesk/pkg/kafka"
	applogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/metrics"
	"SignalDesk/pkg/server"
)

// MarketDataSet is the market data chain plus the optional live stream that
// fronts it. The stream has to be run by the app.
type MarketDataSet struct {
	Data   domrepo.MarketData
	Stream *marketdata.QuoteStream
}

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  "stdout",
		Service: "signaldesk",
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the registry every collector is registered on.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) domrepo.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New(reg)
}

// ProvideInstruments converts configured instruments into domain instruments.
func ProvideInstruments(cfg *config.Config) ([]models.Instrument, error) {
	out := make([]models.Instrument, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		inc, err := decimal.NewFromString(in.MinIncrement)
		if err != nil {
			return nil, fmt.Errorf("instrument %s min_increment: %w", in.Symbol, err)
		}
		typ, err := models.ParseOrderType(in.OrderType)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", in.Symbol, err)
		}
		plan := models.OrderPlan{Type: typ}
		if typ == models.OrderTWAP {
			plan = models.TWAPPlan(in.TWAPSlices, in.TWAPInterval)
		}
		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", in.Symbol, err)
		}
		out = append(out, models.Instrument{
			ID:           in.ID,
			Symbol:       strings.ToUpper(in.Symbol),
			Class:        models.InstrumentClass(in.Class),
			QuoteAsset:   cfg.Poll.QuoteAsset,
			MinIncrement: inc,
			Plan:         plan,
		})
	}
	return out, nil
}

// ProvideCache creates the cache backend named by marketdata.cache. The
// snapshot store needs a cache, so "none" still gets a memory cache.
func ProvideCache(cfg *config.Config, l *applogger.Logger) (cache.Service, func(), error) {
	var (
		c   cache.Service
		err error
	)
	switch cfg.MarketData.Cache {
	case "redis", "layered":
		var rc *cache.RedisCache
		rc, err = cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisPassword(cfg.Redis.Password),
			cache.WithRedisDB(cfg.Redis.DB),
			cache.WithRedisPool(10, 2, 4*time.Second),
			cache.WithRedisPrefix("signaldesk"),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		c = rc
		if cfg.MarketData.Cache == "layered" {
			c = cache.NewLayeredCache(rc,
				cache.WithLayeredMemorySize(1000),
				cache.WithLayeredL1TTL(cfg.MarketData.QuoteTTL),
			)
		}
	default:
		c = cache.NewMemoryCache(cache.WithMemoryMaxSize(1000), cache.WithMemoryCleanup(time.Minute))
	}
	l.Info("cache ready", applogger.String("backend", cfg.MarketData.Cache))
	cleanup := func() {
		if err := c.Close(); err != nil {
			l.Warn("cache close", applogger.Error(err))
		}
	}
	return c, cleanup, nil
}

// ProvideClickHouseClient connects to ClickHouse when it is the market data
// source and returns nil otherwise.
func ProvideClickHouseClient(cfg *config.Config, l *applogger.Logger) (*pkgch.Client, func(), error) {
	if cfg.MarketData.Source != "clickhouse" {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClickHouse.DialTimeout)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	l.Info("clickhouse connected", applogger.String("database", cfg.ClickHouse.Database))

	return client, func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close", applogger.Error(err))
		}
	}, nil
}

// exchangeSymbols maps instrument ids to exchange pair symbols (BTCUSDT).
func exchangeSymbols(instruments []models.Instrument) map[string]string {
	m := make(map[string]string, len(instruments))
	for _, in := range instruments {
		m[in.ID] = in.Symbol + strings.ToUpper(in.QuoteAsset)
	}
	return m
}

// ProvideMarketData builds source -> cache -> live stream.
func ProvideMarketData(cfg *config.Config, instruments []models.Instrument, ch *pkgch.Client, c cache.Service, l *applogger.Logger) (*MarketDataSet, error) {
	var src domrepo.MarketData
	switch cfg.MarketData.Source {
	case "clickhouse":
		store, err := internalrepo.NewCHSeriesStore(ch, cfg.ClickHouse.Table, l)
		if err != nil {
			return nil, fmt.Errorf("series store: %w", err)
		}
		src = marketdata.NewClickHouseSupplier(store, domrepo.NormalizeTimeframe(cfg.ClickHouse.Timeframe), exchangeSymbols(instruments))
	default:
		client := xhttp.NewClient(
			xhttp.WithTimeout(cfg.Poll.FetchTimeout),
			xhttp.WithHeader("Accept", "application/json"),
		)
		src = marketdata.NewHTTPSupplier(client,
			marketdata.WithBaseURL(cfg.MarketData.BaseURL),
			marketdata.WithVsCurrency(cfg.MarketData.VsCurrency),
			marketdata.WithAPIKey(cfg.MarketData.APIKey),
		)
	}

	if cfg.MarketData.Cache != "none" {
		limiter := ratelimit.New(cfg.MarketData.RatePerSec, cfg.MarketData.Burst)
		src = marketdata.NewCachedSupplier(src, c, limiter, cfg.MarketData.SeriesTTL, cfg.MarketData.QuoteTTL, l)
	}

	set := &MarketDataSet{Data: src}
	if cfg.MarketData.Stream.Enabled {
		set.Stream = marketdata.NewQuoteStream(
			cfg.MarketData.Stream.URL,
			exchangeSymbols(instruments),
			src,
			cfg.MarketData.Stream.MaxStaleness,
			cfg.MarketData.Stream.PingInterval,
			l,
		)
		set.Data = set.Stream
	}
	return set, nil
}

// ProvidePaperExchange creates the simulated exchange.
func ProvidePaperExchange(cfg *config.Config, l *applogger.Logger) *exchange.Paper {
	return exchange.NewPaper(cfg.Poll.QuoteAsset, decimal.NewFromFloat(cfg.Execution.PaperBalance), l)
}

// ProvideConnector guards the paper exchange with a circuit breaker.
func ProvideConnector(cfg *config.Config, paper *exchange.Paper, l *applogger.Logger) domrepo.ExchangeConnector {
	return exchange.NewBreaker(paper, exchange.BreakerConfig{
		FailureThreshold: cfg.Execution.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Execution.Breaker.SuccessThreshold,
		Timeout:          cfg.Execution.Breaker.Timeout,
	}, l)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideSnapshotStore keeps the latest snapshot in the cache.
func ProvideSnapshotStore(cfg *config.Config, c cache.Service) *internalrepo.CacheSnapshotStore {
	return internalrepo.NewCacheSnapshotStore(c, cfg.Signals.SnapshotKey, cfg.Signals.SnapshotTTL)
}

// ProvidePublisher fans pipeline output out to the snapshot store and Kafka.
func ProvidePublisher(cfg *config.Config, producer *pkgkafka.Producer, snaps *internalrepo.CacheSnapshotStore, m domrepo.Metrics, l *applogger.Logger) domrepo.Publisher {
	sinks := []domrepo.Publisher{snaps}
	if producer != nil {
		sinks = append(sinks, internalrepo.NewKafkaPublisher(producer, internalrepo.KafkaTopics{
			Signals:    cfg.Kafka.Topics.Signals,
			Alerts:     cfg.Kafka.Topics.Alerts,
			Executions: cfg.Kafka.Topics.Executions,
		}))
	}
	return internalrepo.NewMultiPublisher(l, m, sinks...)
}

// ProvideDispatcher creates the execution dispatcher. Alerts are logged by
// the dispatcher and forwarded to the publisher here.
func ProvideDispatcher(cfg *config.Config, conn domrepo.ExchangeConnector, pub domrepo.Publisher, m domrepo.Metrics, l *applogger.Logger) *execution.Dispatcher {
	policy := execution.RetryPolicy{
		MaxAttempts: cfg.Execution.MaxAttempts,
		BackoffBase: cfg.Execution.BackoffBase,
		BackoffMax:  cfg.Execution.BackoffMax,
		Timeout:     cfg.Execution.SubmitTimeout,
	}
	return execution.NewDispatcher(conn, policy,
		execution.WithLogger(l),
		execution.WithMetrics(m),
		execution.WithAlertFunc(func(ctx context.Context, a models.Alert) {
			if err := pub.PublishAlert(ctx, a); err != nil {
				l.Warn("publish alert", applogger.String("instrument", a.Instrument), applogger.Error(err))
			}
		}),
	)
}

// ProvideStabilizer creates the stabilizer with its in-memory record store.
func ProvideStabilizer(cfg *config.Config, l *applogger.Logger) *stabilizer.Stabilizer {
	policy := stabilizer.NewPolicy(stabilizer.Config{
		Cooldown:                   cfg.Stabilizer.Cooldown,
		MinReemitInterval:          cfg.Stabilizer.MinReemitInterval,
		MinDirectionChangeInterval: cfg.Stabilizer.MinDirectionChangeInterval,
		MinConfidenceDelta:         cfg.Stabilizer.MinConfidenceDelta,
	})
	return stabilizer.New(policy, stabilizer.NewStore(), cfg.Poll.LockWait, l)
}

// ProvideEngine creates the indicator engine.
func ProvideEngine(cfg *config.Config) *indicators.Engine {
	return indicators.NewEngine(indicators.Params{
		RSIPeriod:        cfg.Indicators.RSIPeriod,
		MACDFast:         cfg.Indicators.MACDFast,
		MACDSlow:         cfg.Indicators.MACDSlow,
		MACDSignal:       cfg.Indicators.MACDSignal,
		BollingerPeriod:  cfg.Indicators.BollingerPeriod,
		BollingerMult:    cfg.Indicators.BollingerMult,
		VolatilityWindow: cfg.Indicators.VolatilityWindow,
		VolumeWindow:     cfg.Indicators.VolumeWindow,
	})
}

// ProvideScorer creates the scorer with configured overrides applied.
func ProvideScorer(cfg *config.Config) *scoring.Scorer {
	sc := scoring.DefaultConfig()
	sc.TrendWeight = cfg.Scoring.TrendWeight
	sc.HighVolatilityPct = cfg.Scoring.HighVolatilityPct
	sc.LowVolatilityPct = cfg.Scoring.LowVolatilityPct
	sc.MajorMultiplier = cfg.Scoring.MajorMultiplier
	sc.HighVarianceMultiplier = cfg.Scoring.HighVarianceMultiplier
	sc.MaxReasons = cfg.Scoring.MaxReasons
	sc.RiskReward = cfg.Risk.RiskReward
	sc.Validity = cfg.Signals.Validity
	return scoring.NewScorer(sc)
}

// ProvideGate creates the risk gate.
func ProvideGate(cfg *config.Config) *risk.Gate {
	return risk.NewGate(risk.Config{
		MinConfidence:   cfg.Risk.MinConfidence,
		RiskFraction:    cfg.Risk.RiskFraction,
		MaxLossFraction: cfg.Risk.MaxLossFraction,
		RiskReward:      cfg.Risk.RiskReward,
	})
}

// ProvideActiveSet creates the active signal set.
func ProvideActiveSet() *usecase.ActiveSet {
	return usecase.NewActiveSet()
}

// ProvideHistory creates the bounded signal history.
func ProvideHistory(cfg *config.Config) *usecase.History {
	return usecase.NewHistory(cfg.Signals.HistorySize)
}

// ProvidePipeline wires the per-instrument stages. Observed prices mark the
// paper exchange so simulated fills happen at the last seen price.
func ProvidePipeline(
	cfg *config.Config,
	md *MarketDataSet,
	engine *indicators.Engine,
	scorer *scoring.Scorer,
	stab *stabilizer.Stabilizer,
	active *usecase.ActiveSet,
	history *usecase.History,
	gate *risk.Gate,
	dispatcher *execution.Dispatcher,
	paper *exchange.Paper,
	pub domrepo.Publisher,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.Pipeline {
	opts := []usecase.PipelineOption{
		usecase.WithPublisher(pub),
		usecase.WithPipelineLogger(l),
		usecase.WithPipelineMetrics(m),
		usecase.WithLookback(cfg.Poll.Lookback),
		usecase.WithFetchTimeout(cfg.Poll.FetchTimeout),
		usecase.WithPriceHook(func(symbol string, price float64) {
			paper.UpdatePrice(symbol, decimal.NewFromFloat(price))
		}),
	}
	if cfg.Signals.AutoTrade {
		opts = append(opts, usecase.WithAutoTrade(gate, dispatcher, cfg.Poll.QuoteAsset))
	}
	return usecase.NewPipeline(md.Data, engine, scorer, stab, active, history, opts...)
}

// ProvidePollLoop creates the poll loop.
func ProvidePollLoop(
	cfg *config.Config,
	pipe *usecase.Pipeline,
	instruments []models.Instrument,
	active *usecase.ActiveSet,
	history *usecase.History,
	pub domrepo.Publisher,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.PollLoop {
	return usecase.NewPollLoop(pipe, instruments, active, history,
		usecase.WithInterval(cfg.Poll.Interval),
		usecase.WithWorkers(cfg.Poll.Workers),
		usecase.WithSnapshotPublisher(pub),
		usecase.WithPollLogger(l),
		usecase.WithPollMetrics(m),
	)
}

// ProvideControlConsumer subscribes the admin command handler to the control
// topic, or returns nil when Kafka is off.
func ProvideControlConsumer(cfg *config.Config, loop *usecase.PollLoop, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || cfg.Kafka.Topics.Control == "" {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := consumer.RegisterHandler(usecase.NewAdminCommandHandler(cfg.Kafka.Topics.Control, loop, l)); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideHTTPServer creates the API server.
func ProvideHTTPServer(cfg *config.Config, loop *usecase.PollLoop, reg *prometheus.Registry, l *applogger.Logger) *xhttp.Server {
	handler := api.NewSignalsEchoHandler(l, loop, ratelimit.New(0.2, 3))
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(l),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path, reg))
	} else {
		opts = append(opts, xhttp.WithMetrics("", nil))
	}
	return xhttp.NewServer(handler, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	httpServer *xhttp.Server,
	loop *usecase.PollLoop,
	snaps *internalrepo.CacheSnapshotStore,
	md *MarketDataSet,
	consumer *pkgkafka.Consumer,
	pub domrepo.Publisher,
) *server.App {
	app := server.New(cfg, l, httpServer, loop,
		server.WithSnapshotLoader(snaps),
		server.WithCloser("publisher", pub),
	)
	if md.Stream != nil {
		app.AddBackground("quote_stream", md.Stream.Run)
	}
	if consumer != nil {
		app.SetConsumer(consumer)
	}
	return app
}
