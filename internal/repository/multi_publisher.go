package repository

import (
	"context"
	"errors"

	"SignalDesk/internal/domain/models"
	domrepo "SignalDesk/internal/domain/repository"
	applogger "SignalDesk/pkg/logger"
)

// MultiPublisher fans every call out to all sinks. A failing sink is logged
// and counted and never stops the others; the joined error is returned.
type MultiPublisher struct {
	sinks   []domrepo.Publisher
	l       *applogger.Logger
	metrics domrepo.Metrics
}

// NewMultiPublisher creates a fan-out over sinks. Nil sinks are skipped.
func NewMultiPublisher(l *applogger.Logger, m domrepo.Metrics, sinks ...domrepo.Publisher) *MultiPublisher {
	if l == nil {
		l = applogger.NewNop()
	}
	out := make([]domrepo.Publisher, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiPublisher{sinks: out, l: l, metrics: m}
}

func (p *MultiPublisher) each(op string, fn func(domrepo.Publisher) error) error {
	var errs []error
	for _, s := range p.sinks {
		if err := fn(s); err != nil {
			p.l.Warn("publish failed", applogger.String("op", op), applogger.Error(err))
			if p.metrics != nil {
				p.metrics.RecordError("publish_" + op)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *MultiPublisher) PublishSnapshot(ctx context.Context, s models.Snapshot) error {
	return p.each("snapshot", func(pub domrepo.Publisher) error { return pub.PublishSnapshot(ctx, s) })
}

func (p *MultiPublisher) PublishSignal(ctx context.Context, s models.Signal) error {
	return p.each("signal", func(pub domrepo.Publisher) error { return pub.PublishSignal(ctx, s) })
}

func (p *MultiPublisher) PublishAlert(ctx context.Context, a models.Alert) error {
	return p.each("alert", func(pub domrepo.Publisher) error { return pub.PublishAlert(ctx, a) })
}

func (p *MultiPublisher) PublishExecution(ctx context.Context, o models.Order) error {
	return p.each("execution", func(pub domrepo.Publisher) error { return pub.PublishExecution(ctx, o) })
}

func (p *MultiPublisher) Close() error {
	return p.each("close", func(pub domrepo.Publisher) error { return pub.Close() })
}
