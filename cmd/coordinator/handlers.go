package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/cluster"
	"github.com/dreamware/gridcalc/internal/coordinator"
	"github.com/dreamware/gridcalc/internal/session"
	"github.com/dreamware/gridcalc/internal/storage"
)

// maxRequestBody bounds a submitted calculation envelope.
const maxRequestBody = 1 << 20

// dispatcher is the part of *coordinator.Dispatcher the admin API uses.
type dispatcher interface {
	Submit(ctx context.Context, calc *calculation.Calculation) error
	Get(ctx context.Context, id uuid.UUID) (calculation.Snapshot, error)
	List(ctx context.Context) ([]calculation.Snapshot, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Consume(ctx context.Context, id uuid.UUID) (storage.Outcome, error)
	Sessions(ctx context.Context) ([]session.Info, error)
	Report(ctx context.Context) (coordinator.Report, error)
}

type server struct {
	d        dispatcher
	shutdown func()
	log      zerolog.Logger
}

func newServer(d dispatcher, shutdown func(), logger zerolog.Logger) *server {
	return &server{d: d, shutdown: shutdown, log: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cluster.PathCalculations, s.handleSubmit)
	mux.HandleFunc("GET "+cluster.PathCalculations, s.handleList)
	mux.HandleFunc("GET "+cluster.PathCalculations+"/{id}", s.handleStatus)
	mux.HandleFunc("DELETE "+cluster.PathCalculations+"/{id}", s.handleCancel)
	mux.HandleFunc("POST "+cluster.PathCalculations+"/{id}/consume", s.handleConsume)
	mux.HandleFunc("GET "+cluster.PathSessions, s.handleSessions)
	mux.HandleFunc("GET "+cluster.PathState, s.handleState)
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST "+cluster.PathShutdown, s.handleShutdown)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps dispatcher errors to status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, calculation.ErrParse):
		code = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFinished),
		errors.Is(err, coordinator.ErrDuplicate),
		errors.Is(err, calculation.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, coordinator.ErrStopped), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("admin request failed")
	}
	writeJSON(w, code, cluster.ErrorResponse{Error: err.Error()})
}

func (s *server) calculationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "invalid calculation id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	calc, err := calculation.FromJSON(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.d.Submit(r.Context(), calc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cluster.SubmitResponse{ID: calc.ID.String()})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []calculation.Snapshot{}
	}
	writeJSON(w, http.StatusOK, cluster.ListResponse{Calculations: list})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.calculationID(w, r)
	if !ok {
		return
	}
	snap, err := s.d.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.calculationID(w, r)
	if !ok {
		return
	}
	if err := s.d.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.calculationID(w, r)
	if !ok {
		return
	}
	out, err := s.d.Consume(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.d.Sessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, cluster.SessionsResponse{Sessions: infos})
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	report, err := s.d.Report(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.log.Info().Msg("shutdown requested over the admin API")
	w.WriteHeader(http.StatusAccepted)
	go s.shutdown()
}
