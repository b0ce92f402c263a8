package service

import (
	"context"
	"time"

	"SignalDesk/internal/domain/models"
)

// SignalQuery is the read side of the pipeline exposed to the API layer.
// ResetStabilizer is the only mutation allowed through it.
type SignalQuery interface {
	Snapshot() models.Snapshot
	Signal(instrument string) (models.Signal, bool)
	History(limit int, since time.Time, instrument string) []models.Signal
	Totals() models.Totals
	ResetStabilizer(ctx context.Context, instrument string) (bool, error)
}
