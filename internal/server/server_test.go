package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcilibrelab/streamrec/internal/config"
	"github.com/bcilibrelab/streamrec/internal/publisher"
	"github.com/bcilibrelab/streamrec/internal/service"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func testConfig(triggerType string) *config.Config {
	cfg := config.Default()
	cfg.Recorder.Directory = "/records"
	cfg.Trigger.Type = triggerType
	cfg.Trigger.DelayMs = 200
	cfg.Publisher.Type = "hub"
	cfg.Server.TriggerRate = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, service.Service) {
	t.Helper()
	svc := service.New(cfg, "", afero.NewMemMapFs())
	ts := httptest.NewServer(NewWithService(svc, "", "0").Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return ts, svc
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestStatusIdle(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("none"))

	code, body := doJSON(t, http.MethodGet, ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IDLE", body["status"])
	assert.Equal(t, "Ready to record", body["message"])
	resolved := body["resolved_config"].(map[string]interface{})
	assert.Equal(t, "/records", resolved["record_dir"])
	assert.Equal(t, []interface{}{"EEG8"}, resolved["amplifiers"])
}

func TestStartTriggerStop(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("software"))

	code, body := doJSON(t, http.MethodPost, ts.URL+"/start", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["session_id"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/start", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 3}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["accepted"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 4}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = doJSON(t, http.MethodGet, ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "RUNNING", body["status"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/stop", "")
	require.Equal(t, http.StatusOK, code, body)
	artifacts := body["artifacts"].([]interface{})
	require.Len(t, artifacts, 1)
	assert.Equal(t, "EEG8", artifacts[0].(map[string]interface{})["amp"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/stop", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = doJSON(t, http.MethodGet, ts.URL+"/recordings", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total_count"])
}

func TestTriggerValidation(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("none"))

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/trigger", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/trigger", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/trigger", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTriggerRateLimit(t *testing.T) {
	cfg := testConfig("mock")
	cfg.Trigger.DelayMs = 0
	cfg.Server.TriggerRate = 0.5
	cfg.Server.TriggerBurst = 1
	ts, _ := newTestServer(t, cfg)

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 1}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 2}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestStartFailsWithoutAmplifier(t *testing.T) {
	cfg := testConfig("none")
	cfg.Amplifier.AmpName = "EEG64"
	ts, _ := newTestServer(t, cfg)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/start", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "no amplifier matches")
}

func TestStreams(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("none"))
	code, body := doJSON(t, http.MethodGet, ts.URL+"/streams", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total_count"])
}

func TestMarkersWebsocket(t *testing.T) {
	ts, svc := newTestServer(t, testConfig("software"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/markers", nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return svc.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/start", "")
	require.Equal(t, http.StatusOK, code, body)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 42}`)
	require.Equal(t, http.StatusOK, code)

	var m publisher.Marker
	require.NoError(t, wsjson.Read(ctx, c, &m))
	assert.Equal(t, 42, m.Value)
	assert.Equal(t, body["event_file"], m.SourceID)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/stop", "")
	require.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("mock"))
	doJSON(t, http.MethodPost, ts.URL+"/trigger", `{"value": 1}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "streamrec_trigger_signals_total")
}

func TestSelectProfileRequiresName(t *testing.T) {
	ts, _ := newTestServer(t, testConfig("none"))
	code, _ := doJSON(t, http.MethodPost, ts.URL+"/config/select", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}
