package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	netutil "github.com/annotext/annotext/internal/net"
	"github.com/annotext/annotext/worker"
)

const echoWorkerBody = `IFS= read -r line
printf '{"type":"ready","modelInfo":{"lang":"en"}}\n'
while IFS= read -r line; do
	case "$line" in
	*'"type":"ping"'*)
		printf '{"type":"pong"}\n'
		;;
	*'"analyze_text"'*)
		id=$(printf '%s' "$line" | sed -n 's/.*"requestId":\([0-9][0-9]*\).*/\1/p')
		txt=$(printf '%s' "$line" | sed -n 's/.*"text":"\([^"]*\)".*/\1/p')
		printf '{"type":"analyze_result","requestId":%s,"entities":[{"text":"%s","label":"ECHO","start":0,"end":0}]}\n' "$id" "$txt"
		;;
	esac
done
`

// startTestAgent brings up an agent on an ephemeral port in front of an
// echo worker and returns its base URL.
func startTestAgent(t *testing.T) string {
	t.Helper()

	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+echoWorkerBody), 0o755))

	m, err := worker.New(
		worker.Config{Command: "/bin/sh", ScriptPath: script},
		worker.WithLogger(zaptest.NewLogger(t)),
		worker.WithMaxRestartAttempts(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})

	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	a, err := New(m,
		WithListenAddr(addr),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	go func() {
		if err := a.Run(); err != nil {
			t.Errorf("agent exited: %s", err)
		}
	}()
	t.Cleanup(func() { _ = a.Stop() })

	baseURL := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "agent never started listening")

	return baseURL
}

func getStatus(t *testing.T, baseURL string) statusResponse {
	t.Helper()
	resp, err := http.Get(baseURL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func TestAgentEndToEnd(t *testing.T) {
	baseURL := startTestAgent(t)

	// not ready yet
	resp, err := http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "stopped", getStatus(t, baseURL).State)

	resp = postJSON(t, baseURL+"/initialize", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := getStatus(t, baseURL)
	assert.Equal(t, "ready", status.State)
	assert.NotEmpty(t, status.InstanceID)
	assert.JSONEq(t, `{"lang":"en"}`, string(status.ModelInfo))

	resp, err = http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, baseURL+"/analyze", analyzeHTTPRequest{Text: "Acme Corp is in Paris"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var analyzed analyzeHTTPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&analyzed))
	require.Len(t, analyzed.Entities, 1)
	assert.Equal(t, "Acme Corp is in Paris", analyzed.Entities[0].Text)

	resp = postJSON(t, baseURL+"/stop", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", getStatus(t, baseURL).State)
}

func TestAnalyzeEmptyTextDoesNotSpawnWorker(t *testing.T) {
	baseURL := startTestAgent(t)

	resp := postJSON(t, baseURL+"/analyze", analyzeHTTPRequest{Text: "   "})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var analyzed analyzeHTTPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&analyzed))
	assert.Empty(t, analyzed.Entities)
	assert.Equal(t, "stopped", getStatus(t, baseURL).State)
}

func TestAnalyzeRejectsMalformedBody(t *testing.T) {
	baseURL := startTestAgent(t)

	resp, err := http.Post(baseURL+"/analyze", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopBeforeRunPreventsServing(t *testing.T) {
	m, err := worker.New(
		worker.Config{Command: "/bin/sh"},
		worker.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)

	a, err := New(m,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	require.NoError(t, a.Stop())

	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept serving after an earlier Stop")
	}

	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	assert.Error(t, err)
}

func TestStatusStreamSeesTransitions(t *testing.T) {
	baseURL := startTestAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + baseURL[len("http"):] + "/status/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the snapshot arrives before any transition
	var snapshot statusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, "stopped", snapshot.State)

	resp := postJSON(t, baseURL+"/initialize", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []string
	for len(states) < 2 {
		var update statusResponse
		require.NoError(t, wsjson.Read(ctx, conn, &update))
		states = append(states, update.State)
	}
	assert.Equal(t, []string{"starting", "ready"}, states)

	resp = postJSON(t, baseURL+"/stop", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var update statusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &update))
	assert.Equal(t, "stopped", update.State)
}
