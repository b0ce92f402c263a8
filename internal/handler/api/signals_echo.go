package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	models "SignalDesk/internal/domain/models"
	domsvc "SignalDesk/internal/domain/service"
	"SignalDesk/internal/service/ratelimit"
	"SignalDesk/internal/usecase"
	xhttp "SignalDesk/pkg/http"
	xlogger "SignalDesk/pkg/logger"
	"SignalDesk/pkg/util"
)

// SignalsEchoHandler serves the active signal set, history and counters.
type SignalsEchoHandler struct {
	logger  *xlogger.Logger
	query   domsvc.SignalQuery
	limiter *ratelimit.Limiter
	now     func() time.Time
}

func NewSignalsEchoHandler(logger *xlogger.Logger, query domsvc.SignalQuery, limiter *ratelimit.Limiter) *SignalsEchoHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	return &SignalsEchoHandler{logger: logger, query: query, limiter: limiter, now: time.Now}
}

func (h *SignalsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/health", h.Health)
	g.GET("/signals", h.Signals)
	g.GET("/signals/:instrument", h.Signal)
	g.GET("/history", h.History)
	g.GET("/stats", h.Stats)
	g.POST("/admin/stabilizer/reset", h.ResetStabilizer)
}

type healthResponse struct {
	Status      string    `json:"status"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	Cycles      uint64    `json:"cycles"`
}

func (h *SignalsEchoHandler) Health(c echo.Context) error {
	t := h.query.Totals()
	return xhttp.SuccessResponse(c, healthResponse{Status: "ok", LastCycleAt: t.LastCycleAt, Cycles: t.Cycles})
}

// Signals returns the active set as of the last completed cycle.
func (h *SignalsEchoHandler) Signals(c echo.Context) error {
	snap := h.query.Snapshot()
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, snap)
}

func (h *SignalsEchoHandler) Signal(c echo.Context) error {
	req := &models.SignalRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sig, ok := h.query.Signal(req.Instrument)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no active signal for %s", strings.ToUpper(req.Instrument)))
	}
	return xhttp.SuccessResponse(c, sig)
}

func (h *SignalsEchoHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var since time.Time
	if req.Since != "" {
		t, ok := util.ParseSince(req.Since, h.now())
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid since %q", req.Since))
		}
		since = t
	}
	rows := h.query.History(req.Limit, since, req.Instrument)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

type statsResponse struct {
	Totals    models.Totals     `json:"totals"`
	LastCycle models.CycleStats `json:"last_cycle"`
	Active    int               `json:"active"`
}

func (h *SignalsEchoHandler) Stats(c echo.Context) error {
	snap := h.query.Snapshot()
	return xhttp.SuccessResponse(c, statsResponse{
		Totals:    h.query.Totals(),
		LastCycle: snap.Stats,
		Active:    len(snap.Active),
	})
}

type resetResponse struct {
	Instrument string `json:"instrument"`
	Cleared    bool   `json:"cleared"`
}

// ResetStabilizer clears the stabilizer record of one instrument so its
// next signal is judged without history.
func (h *SignalsEchoHandler) ResetStabilizer(c echo.Context) error {
	if h.limiter != nil && !h.limiter.Allow(c.RealIP()+":reset") {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_RATE_LIMITED", "", "rate limited", http.StatusTooManyRequests))
	}
	req := &models.ResetStabilizerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	cleared, err := h.query.ResetStabilizer(c.Request().Context(), req.Instrument)
	switch {
	case errors.Is(err, usecase.ErrUnknownInstrument):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown instrument %s", req.Instrument).WithError(err))
	case errors.Is(err, models.ErrLockTimeout):
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("instrument busy, retry later").WithError(err))
	case err != nil:
		h.logger.Error("reset stabilizer", xlogger.String("instrument", req.Instrument), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	h.logger.Info("stabilizer reset", xlogger.String("instrument", req.Instrument), xlogger.Bool("cleared", cleared))
	return xhttp.SuccessResponse(c, resetResponse{Instrument: strings.ToUpper(req.Instrument), Cleared: cleared})
}
