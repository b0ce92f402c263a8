package server

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/config"
	xhttp "SignalDesk/pkg/http"
	pkgkafka "SignalDesk/pkg/kafka"
	applogger "SignalDesk/pkg/logger"
)

type namedCloser struct {
	name string
	c    io.Closer
}

type backgroundTask struct {
	name string
	run  func(ctx context.Context) error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	httpServer *xhttp.Server
	loop       *usecase.PollLoop
	loader     usecase.SnapshotLoader
	consumer   *pkgkafka.Consumer
	background []backgroundTask
	closers    []namedCloser
}

// Option configures an App.
type Option func(*App)

// WithSnapshotLoader restores the active set from the last stored snapshot
// before the first cycle.
func WithSnapshotLoader(loader usecase.SnapshotLoader) Option {
	return func(a *App) { a.loader = loader }
}

// WithCloser registers a resource closed on shutdown, after everything
// that may still write to it has stopped.
func WithCloser(name string, c io.Closer) Option {
	return func(a *App) {
		if c != nil {
			a.closers = append(a.closers, namedCloser{name: name, c: c})
		}
	}
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *applogger.Logger, httpServer *xhttp.Server, loop *usecase.PollLoop, opts ...Option) *App {
	if l == nil {
		l = applogger.NewNop()
	}
	a := &App{cfg: cfg, l: l, httpServer: httpServer, loop: loop}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddBackground registers a task that runs until shutdown.
func (a *App) AddBackground(name string, run func(ctx context.Context) error) {
	a.background = append(a.background, backgroundTask{name: name, run: run})
}

// SetConsumer attaches the control topic consumer.
func (a *App) SetConsumer(c *pkgkafka.Consumer) { a.consumer = c }

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts the application and blocks until ctx is done or the
// HTTP server fails.
func (a *App) RunContext(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.loader != nil {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := a.loop.Restore(rctx, a.loader); err != nil {
			a.l.Warn("restore snapshot", applogger.Error(err))
		}
		rcancel()
	}

	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return err
	}

	var wg sync.WaitGroup
	for _, t := range a.background {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.l.Error("background task stopped", applogger.String("task", t.name), applogger.Error(err))
			}
		}()
		a.l.Info("background task started", applogger.String("task", t.name))
	}

	if a.consumer != nil {
		if err := a.consumer.Start(runCtx); err != nil {
			a.l.Error("kafka consumer start error", applogger.Error(err))
		}
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := a.loop.Run(runCtx); err != nil {
			a.l.Error("poll loop error", applogger.Error(err))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.l.Info("shutdown signal received")
	case err := <-a.httpServer.Errors():
		a.l.Error("http server error", applogger.Error(err))
		runErr = err
	}

	cancel()
	a.shutdown(loopDone, &wg)
	return runErr
}

// shutdown stops producers of work first, then the HTTP server, then
// closes sinks.
func (a *App) shutdown(loopDone <-chan struct{}, wg *sync.WaitGroup) {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-loopDone:
	case <-ctx.Done():
		a.l.Warn("poll loop did not stop in time")
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}

	bgDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(bgDone)
	}()
	select {
	case <-bgDone:
	case <-ctx.Done():
		a.l.Warn("background tasks did not stop in time")
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.c.Close(); err != nil {
			a.l.Warn("close error", applogger.String("resource", c.name), applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
}
