package models

// Requests for the signals HTTP endpoints. Defined in domain for consistency and reuse.

type SignalRequest struct {
	Instrument string `param:"instrument" json:"instrument" validate:"required,max=32"`
}

type HistoryRequest struct {
	Limit      int    `query:"limit" json:"limit" default:"50" validate:"gte=1,lte=100"`
	Since      string `query:"since" json:"since"`
	Instrument string `query:"instrument" json:"instrument" validate:"omitempty,max=32"`
}

type ResetStabilizerRequest struct {
	Instrument string `json:"instrument" validate:"required,max=32"`
}
