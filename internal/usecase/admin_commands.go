package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	domsvc "SignalDesk/internal/domain/service"
	pkgkafka "SignalDesk/pkg/kafka"
	applogger "SignalDesk/pkg/logger"
)

// AdminCommand is the payload of the control topic.
type AdminCommand struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument"`
}

const ActionResetStabilizer = "reset_stabilizer"

// AdminCommandHandler applies operator commands read from Kafka.
type AdminCommandHandler struct {
	topic string
	query domsvc.SignalQuery
	l     *applogger.Logger
}

func NewAdminCommandHandler(topic string, query domsvc.SignalQuery, l *applogger.Logger) *AdminCommandHandler {
	if l == nil {
		l = applogger.NewNop()
	}
	return &AdminCommandHandler{topic: topic, query: query, l: l}
}

func (h *AdminCommandHandler) Topic() string { return h.topic }

// Handle returns an error only for failures worth retrying. Malformed or
// unknown commands are logged and dropped.
func (h *AdminCommandHandler) Handle(ctx context.Context, b []byte) error {
	var cmd AdminCommand
	if err := json.Unmarshal(b, &cmd); err != nil {
		h.l.Warn("malformed admin command", applogger.Error(err))
		return nil
	}
	switch strings.ToLower(cmd.Action) {
	case ActionResetStabilizer:
		existed, err := h.query.ResetStabilizer(ctx, cmd.Instrument)
		if errors.Is(err, ErrUnknownInstrument) {
			h.l.Warn("admin reset for unknown instrument", applogger.String("instrument", cmd.Instrument))
			return nil
		}
		if err != nil {
			return err
		}
		h.l.Info("stabilizer reset from control topic",
			applogger.String("instrument", cmd.Instrument),
			applogger.Bool("existed", existed))
		return nil
	default:
		h.l.Warn("unknown admin action", applogger.String("action", cmd.Action))
		return nil
	}
}

var _ pkgkafka.MessageHandler = (*AdminCommandHandler)(nil)
