package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArrEssJay/chimera-sub003/internal/config"
	"github.com/ArrEssJay/chimera-sub003/internal/sim"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(config.Default(), "")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Handlers().stopSweep()
		ts.Close()
	})
	return s, ts
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestSimulate(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/api/simulate", `{"message":"HI","seed":42}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rep sim.Report
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, "HI", rep.RecoveredMessage)
	assert.Equal(t, sim.DecodeConverged, rep.DecodeStatus)
	assert.True(t, rep.MessageIntact)

	_, metrics := get(t, ts.URL+"/metrics")
	assert.Contains(t, string(metrics), `chimera_runs_total{decode_status="converged"} 1`)
	assert.Contains(t, string(metrics), `chimera_http_requests_total{code="200",route="/api/simulate"} 1`)
}

func TestSimulate_Rejected(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"even column weight", `{"ldpc":{"dv":2,"dc":4}}`},
		{"unknown field", `{"snr":3}`},
		{"malformed", `{"message":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+"/api/simulate", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var e map[string]string
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, "error", e["status"])
			assert.NotEmpty(t, e["message"])
		})
	}

	_, metrics := get(t, ts.URL+"/metrics")
	assert.Contains(t, string(metrics), "chimera_run_errors_total 2")
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/api/simulate", "/api/sweep/cancel"} {
		resp, _ := get(t, ts.URL+path)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sweep", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDefaultConfig(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/config/default")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got config.Config
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, config.Default(), got)
}

func TestStatus_Idle(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := get(t, ts.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "idle", st["status"])
	assert.Equal(t, 0.0, st["clients"])

	resp, _ = get(t, ts.URL+"/api/sweep")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/sweep/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSweep_CompletesAndStreams(t *testing.T) {
	s, ts := newTestServer(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.Handlers().Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, body := post(t, ts.URL+"/api/sweep",
		`{"simulation":{"seed":8},"sweep":{"from_db":10,"to_db":12,"step_db":2,"trials":3}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var started map[string]any
	require.NoError(t, json.Unmarshal(body, &started))
	id, _ := started["sweep_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, 2.0, started["points"])

	var points, progress int
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(30*time.Second)))
	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == "progress" {
			progress++
		}
		if msg.Type == "point" {
			var pp PointPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &pp))
			assert.Equal(t, id, pp.SweepID)
			assert.Equal(t, 3, pp.Point.Trials)
			points++
		}
		if msg.Type == "status" && strings.Contains(string(msg.Payload), "completed") {
			break
		}
	}
	assert.Equal(t, 2, points)
	assert.Equal(t, 6, progress)

	require.Eventually(t, func() bool {
		r, _ := get(t, ts.URL+"/api/sweep")
		return r.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	_, body = get(t, ts.URL+"/api/sweep")
	var res sim.SweepResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, id, res.SweepID)
	assert.Equal(t, int64(8), res.BaseSeed)
	require.Len(t, res.Points, 2)
	assert.Equal(t, 10.0, res.Points[0].SNRdB)
	assert.Equal(t, 12.0, res.Points[1].SNRdB)
}

func TestSweep_ConflictAndCancel(t *testing.T) {
	_, ts := newTestServer(t)

	long := `{"sweep":{"from_db":0,"to_db":10,"step_db":1,"trials":500,"workers":1}}`
	resp, body := post(t, ts.URL+"/api/sweep", long)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, _ = post(t, ts.URL+"/api/sweep", long)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, body = get(t, ts.URL+"/api/status")
	assert.Contains(t, string(body), `"status":"sweeping"`)

	resp, _ = post(t, ts.URL+"/api/sweep/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, b := get(t, ts.URL+"/api/status")
		return strings.Contains(string(b), `"status":"idle"`)
	}, 10*time.Second, 20*time.Millisecond)

	_, metrics := get(t, ts.URL+"/metrics")
	assert.Contains(t, string(metrics), `chimera_sweeps_total{outcome="cancelled"} 1`)
	assert.Contains(t, string(metrics), "chimera_active_sweeps 0")
}

func TestSweep_Rejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := post(t, ts.URL+"/api/sweep", `{"sweep":{"from_db":5,"to_db":0,"step_db":1,"trials":1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/sweep", `{"simulation":{"message":""}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
