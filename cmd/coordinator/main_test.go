package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/config"
	"github.com/dreamware/gridcalc/internal/coordinator"
	"github.com/dreamware/gridcalc/internal/session"
	"github.com/dreamware/gridcalc/internal/storage"
)

// run executes the root command against a test admin API.
func run(t *testing.T, admin string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--admin", admin}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitFromFlags(t *testing.T) {
	d, ts, _ := newTestServer(t)
	var submitted *calculation.Calculation
	d.On("Submit", mock.Anything).Run(func(args mock.Arguments) {
		submitted = args.Get(0).(*calculation.Calculation)
	}).Return(nil)

	out, err := run(t, ts.URL, "", "submit", "--bin", "sum", "--params", `{"a":1,"b":2}`)
	require.NoError(t, err)
	require.NotNil(t, submitted)

	var resp map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, submitted.ID.String(), resp["id"])
	assert.Len(t, submitted.Params, 2)
}

func TestSubmitFromStdinAndWait(t *testing.T) {
	d, ts, _ := newTestServer(t)
	id := uuid.New()
	d.On("Submit", mock.Anything).Return(nil)
	d.On("Get", id).Return(calculation.Snapshot{ID: id.String(), State: calculation.StateReady}, nil).Once()
	d.On("Get", id).Return(calculation.Snapshot{ID: id.String(), State: calculation.StateComputed}, nil)
	d.On("Consume", id).Return(storage.Outcome{ID: id.String(), State: "computed", Result: json.RawMessage(`3`)}, nil)

	calc := `{"bin":"sum","params":{"a":1,"b":2},"fragment_id":"` + id.String() + `"}`
	out, err := run(t, ts.URL, calc, "submit", "-f", "-", "--wait", "--poll", "5ms")
	require.NoError(t, err)

	var o storage.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, "computed", o.State)
	assert.JSONEq(t, `3`, string(o.Result))
	d.AssertExpectations(t)
}

func TestSubmitRequiresInput(t *testing.T) {
	_, ts, _ := newTestServer(t)
	_, err := run(t, ts.URL, "", "submit")
	assert.Error(t, err)

	_, err = run(t, ts.URL, "", "submit", "--bin", "sum", "--params", "[1]")
	assert.Error(t, err)
}

func TestSubmitFromFile(t *testing.T) {
	d, ts, _ := newTestServer(t)
	d.On("Submit", mock.Anything).Return(nil)

	path := filepath.Join(t.TempDir(), "calc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bin":"sum","params":{}}`), 0o644))
	_, err := run(t, ts.URL, "", "submit", "--file", path)
	require.NoError(t, err)
	d.AssertNumberOfCalls(t, "Submit", 1)
}

func TestStatusCommands(t *testing.T) {
	d, ts, _ := newTestServer(t)
	id := uuid.New()
	d.On("List").Return([]calculation.Snapshot{{ID: id.String(), State: calculation.StateReady}}, nil)
	d.On("Get", id).Return(calculation.Snapshot{ID: id.String(), State: calculation.StateCrashed, Reason: "split failed"}, nil)
	d.On("Sessions").Return([]session.Info{{ID: "s1", Worker: "w1", State: session.StateReady}}, nil)
	d.On("Report").Return(coordinator.Report{Idle: 1}, nil)

	out, err := run(t, ts.URL, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, id.String())

	out, err = run(t, ts.URL, "", "status", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "split failed")

	out, err = run(t, ts.URL, "", "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, `"worker": "w1"`)

	out, err = run(t, ts.URL, "", "state")
	require.NoError(t, err)
	assert.Contains(t, out, `"idle": 1`)
}

func TestCancelAndConsumeCommands(t *testing.T) {
	d, ts, stopped := newTestServer(t)
	id := uuid.New()
	d.On("Cancel", id).Return(nil).Once()
	d.On("Cancel", mock.Anything).Return(errors.Wrap(coordinator.ErrNotFound, "x"))
	d.On("Consume", id).Return(storage.Outcome{ID: id.String(), State: "being_canceled"}, nil)

	_, err := run(t, ts.URL, "", "cancel", id.String())
	require.NoError(t, err)

	_, err = run(t, ts.URL, "", "cancel", uuid.NewString())
	assert.ErrorContains(t, err, "calculation not found")

	out, err := run(t, ts.URL, "", "consume", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "being_canceled")

	_, err = run(t, ts.URL, "", "shutdown")
	require.NoError(t, err)
	<-stopped
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), config.StorageConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &storage.MemoryStore{}, store)

	_, _, err = openStore(context.Background(), config.StorageConfig{Backend: config.BackendRedis})
	assert.Error(t, err, "redis needs an address")
}
