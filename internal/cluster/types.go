package cluster

import (
	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/session"
)

// Admin API paths.
const (
	PathCalculations = "/calculations"
	PathSessions     = "/sessions"
	PathState        = "/state"
	PathHealth       = "/health"
	PathShutdown     = "/shutdown"
	PathStatus       = "/status"
)

// SubmitResponse is returned by POST /calculations.
type SubmitResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of every non-2xx admin API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListResponse is returned by GET /calculations.
type ListResponse struct {
	Calculations []calculation.Snapshot `json:"calculations"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}
