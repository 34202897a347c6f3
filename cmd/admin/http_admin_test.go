package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStateAndPrint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/v1/state" {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(`{"world_id":"w1","frame":420,"sessions":3,"active_clients":2,"commands_total":17,"desyncs_total":1,"divergences_total":0}`))
	}))
	defer ts.Close()

	st, err := fetchState(ts.Client(), ts.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, serverState{WorldID: "w1", Frame: 420, Sessions: 3, Active: 2, Commands: 17, Desyncs: 1}, st)

	var buf bytes.Buffer
	printState(&buf, st)
	out := buf.String()
	assert.Contains(t, out, "world        w1\n")
	assert.Contains(t, out, "sessions     3 (2 active)\n")
	assert.Contains(t, out, "desyncs      1\n")
}

func TestFetchStateForbidden(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := fetchState(ts.Client(), ts.URL)
	assert.ErrorContains(t, err, "403")
	assert.ErrorContains(t, err, "forbidden")
}
