package ctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	old := rpcAddr
	rpcAddr = strings.TrimPrefix(srv.URL, "http://")
	t.Cleanup(func() { rpcAddr = old })
}

func TestClientCall(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rpc/forceSync", r.URL.Path)
		body := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["isFull"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	})

	cl := &realClient{}
	out, err := cl.call("/rpc/forceSync", map[string]interface{}{"isFull": true})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
}

func TestClientCallError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "error",
			"errorMessage": "Sync is stopping, request ignored",
		})
	})

	cl := &realClient{}
	_, err := cl.call("/rpc/forceSync", nil)
	require.EqualError(t, err, "Sync is stopping, request ignored")
}

func TestClientStream(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]interface{}{"sampleResult": map[string]interface{}{"cn": "qliq-users"}})
		_ = enc.Encode(map[string]interface{}{"sampleResult": map[string]interface{}{"cn": "ward-a"}})
		_ = enc.Encode(map[string]interface{}{"status": "ok"})
	})

	var seen []string
	cl := &realClient{}
	err := cl.stream("/rpc/testMainGroup", nil, func(line map[string]interface{}) {
		sample := line["sampleResult"].(map[string]interface{})
		seen = append(seen, sample["cn"].(string))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"qliq-users", "ward-a"}, seen)
}

func TestClientStreamError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]interface{}{"status": "error", "errorMessage": "Main group is empty"})
	})

	cl := &realClient{}
	err := cl.stream("/rpc/testMainGroup", nil, func(map[string]interface{}) {
		t.Fatal("no samples expected")
	})
	require.EqualError(t, err, "Main group is empty")
}

func TestForestFromConfig(t *testing.T) {
	cfg := map[string]interface{}{
		"forests": []interface{}{
			map[string]interface{}{"objectGuid": "forest-1"},
			map[string]interface{}{"objectGuid": "forest-2"},
		},
	}
	assert.Equal(t, "forest-1", forestFromConfig(cfg, "")["objectGuid"])
	assert.Equal(t, "forest-2", forestFromConfig(cfg, "forest-2")["objectGuid"])
}
