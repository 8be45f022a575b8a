package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcalc/internal/worker"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPluginsInstallListCheck(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(t.TempDir(), "sum")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho 3\n"), 0o644))

	out, err := run(t, "--plugins", dir, "plugins", "install", "sum", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sum"), strings.TrimSpace(out))

	out, err = run(t, "--plugins", dir, "plugins", "list")
	require.NoError(t, err)
	assert.Equal(t, "sum\n", out)

	out, err = run(t, "--plugins", dir, "plugins", "check")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"), []byte("x"), 0o644))
	_, err = run(t, "--plugins", dir, "plugins", "check")
	assert.Error(t, err)
}

func TestPluginsInstallRejectsBadNames(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sum")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o644))

	_, err := run(t, "--plugins", t.TempDir(), "plugins", "install", "../sum", src)
	assert.Error(t, err)

	_, err = run(t, "--plugins", t.TempDir(), "plugins", "install", "sum", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type fixedStatus worker.Status

func (s fixedStatus) Status() worker.Status { return worker.Status(s) }

func TestStatusRoutesAndCommand(t *testing.T) {
	st := fixedStatus{Name: "w1", Coordinator: "127.0.0.1:4000", Plugins: []string{"sum"}, Connected: true, Completed: 4, Since: time.Unix(1700000000, 0).UTC()}
	ts := httptest.NewServer(statusRoutes(st))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := run(t, "status", ts.URL)
	require.NoError(t, err)

	var got worker.Status
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, worker.Status(st), got)
}
