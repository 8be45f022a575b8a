package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/session"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", NewClient("127.0.0.1:8080").base)
	assert.Equal(t, "https://grid.example", NewClient("https://grid.example/").base)
}

func TestSubmitSendsEnvelopeUnchanged(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathCalculations, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		writeJSON(w, http.StatusAccepted, SubmitResponse{ID: "c1"})
	}))
	defer srv.Close()

	body := json.RawMessage(`{"bin":"sum","params":{"a":1}}`)
	id, err := NewClient(srv.URL).Submit(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, string(body), string(got))
}

func TestErrorBodyBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "calculation not found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Status(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "calculation not found", se.Message)
	assert.Contains(t, se.Error(), "404")
}

func TestStatusErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), srv.URL, &struct{}{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Empty(t, se.Message)
	assert.False(t, IsNotFound(err))
}

func TestClientRoutes(t *testing.T) {
	type call struct{ method, path string }
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.Path})
		switch r.URL.Path {
		case PathCalculations:
			writeJSON(w, http.StatusOK, ListResponse{Calculations: []calculation.Snapshot{{ID: "c1", State: calculation.StateReady}}})
		case PathSessions:
			writeJSON(w, http.StatusOK, SessionsResponse{Sessions: []session.Info{{ID: "s1", State: session.StateWorking}}})
		case PathState:
			writeJSON(w, http.StatusOK, map[string]any{"idle": 2, "in_flight": 1})
		case PathCalculations + "/c1/consume":
			writeJSON(w, http.StatusOK, map[string]any{"id": "c1", "state": "computed", "result": 3})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, calculation.StateReady, list[0].State)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StateWorking, sessions[0].State)

	report, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Idle)
	assert.Equal(t, 1, report.InFlight)

	out, err := c.Consume(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "computed", out.State)
	assert.JSONEq(t, `3`, string(out.Result))

	require.NoError(t, c.Cancel(ctx, "c1"))
	require.NoError(t, c.Shutdown(ctx))

	assert.Equal(t, []call{
		{http.MethodGet, PathCalculations},
		{http.MethodGet, PathSessions},
		{http.MethodGet, PathState},
		{http.MethodPost, PathCalculations + "/c1/consume"},
		{http.MethodDelete, PathCalculations + "/c1"},
		{http.MethodPost, PathShutdown},
	}, calls)
}
