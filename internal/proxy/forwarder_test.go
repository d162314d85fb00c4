package proxy

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapgate/swapgate/internal/backend"
	"github.com/swapgate/swapgate/internal/config"
	"github.com/swapgate/swapgate/internal/thinking"
)

func testTimeouts() TimeoutConfig {
	return TimeoutConfig{
		Connect: 2 * time.Second,
		Request: 5 * time.Second,
		Idle:    2 * time.Second,
	}
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		PoolIdleTimeout:    30 * time.Second,
		PoolMaxIdlePerHost: 2,
		MaxRetries:         2,
		RetryBackoffBase:   2 * time.Millisecond,
	}
}

func newTestForwarder(t *testing.T, backends []config.Backend, mode string) (*Forwarder, *backend.Registry, *Metrics) {
	t.Helper()
	cfg := &config.Config{Backends: backends}
	reg, err := backend.NewRegistry(cfg, nil)
	require.NoError(t, err)

	metrics := noopMetrics()
	pool := NewClientPool(testTimeouts(), testPoolConfig())
	f := NewForwarder(reg, pool, testTimeouts(), testPoolConfig(), mode, metrics, nil)
	return f, reg, metrics
}

func passthroughBackend(name, baseURL string) config.Backend {
	return config.Backend{Name: name, BaseURL: baseURL, Auth: config.AuthPassthrough, SupportsAdaptiveThinking: true}
}

func TestForwardPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "beta=true", r.URL.RawQuery)
		assert.Equal(t, "Bearer client-token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"claude-opus-4-6","max_tokens":100}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-opus-4-6"}`)
	}))
	defer upstream.Close()

	f, _, _ := newTestForwarder(t, []config.Backend{passthroughBackend("anthropic", upstream.URL)}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages?beta=true",
		strings.NewReader(`{"model":"claude-opus-4-6","max_tokens":100}`))
	req.Header.Set("Authorization", "Bearer client-token")
	rec := httptest.NewRecorder()

	f.Forward(rec, req, ForwardOptions{Pipeline: PipelinePrimary})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"msg_1","model":"claude-opus-4-6"}`, rec.Body.String())
}

func TestForwardAuthSchemes(t *testing.T) {
	var gotAuth, gotAPIKey atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotAPIKey.Store(r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tests := []struct {
		name       string
		backend    config.Backend
		wantAuth   string
		wantAPIKey string
	}{
		{
			name:       "api_key injects and strips client auth",
			backend:    config.Backend{Name: "b", BaseURL: upstream.URL, Auth: config.AuthAPIKey, APIKey: "proxy-key"},
			wantAuth:   "",
			wantAPIKey: "proxy-key",
		},
		{
			name:       "bearer injects and strips client auth",
			backend:    config.Backend{Name: "b", BaseURL: upstream.URL, Auth: config.AuthBearer, APIKey: "proxy-key"},
			wantAuth:   "Bearer proxy-key",
			wantAPIKey: "",
		},
		{
			name:       "passthrough forwards client auth",
			backend:    config.Backend{Name: "b", BaseURL: upstream.URL, Auth: config.AuthPassthrough},
			wantAuth:   "Bearer client-token",
			wantAPIKey: "client-key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, _ := newTestForwarder(t, []config.Backend{tt.backend}, config.ThinkingModeNative)

			req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", nil)
			req.Header.Set("Authorization", "Bearer client-token")
			req.Header.Set("X-Api-Key", "client-key")
			rec := httptest.NewRecorder()
			f.Forward(rec, req, ForwardOptions{})

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantAuth, gotAuth.Load())
			assert.Equal(t, tt.wantAPIKey, gotAPIKey.Load())
		})
	}
}

func TestForwardMissingCredential(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	b := config.Backend{Name: "b", BaseURL: upstream.URL, Auth: config.AuthAPIKey, APIKeyEnv: "SWAPGATE_TEST_NO_SUCH_KEY"}
	f, _, _ := newTestForwarder(t, []config.Backend{b}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", nil)
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, called, "upstream must not be contacted without a credential")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeBackendNoCred, resp.Code)
	assert.NotContains(t, rec.Body.String(), "client-token")
}

func TestForwardBackendNotFound(t *testing.T) {
	f, _, _ := newTestForwarder(t, []config.Backend{passthroughBackend("a", "http://localhost:1")}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", nil)
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{BackendOverride: "ghost"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeBackendNotFound, resp.Code)
}

func TestForwardModelMappingRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "glm-5", body["model"], "upstream must see the backend model id")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","model":"glm-5","content":[]}`)
	}))
	defer upstream.Close()

	b := config.Backend{
		Name: "zai", BaseURL: upstream.URL, Auth: config.AuthPassthrough,
		SupportsAdaptiveThinking: true,
		Models:                   config.ModelMap{Opus: "glm-5"},
	}
	f, _, _ := newTestForwarder(t, []config.Backend{b}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages",
		strings.NewReader(`{"model":"claude-opus-4-6"}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-opus-4-6", resp["model"], "client must never see the backend model id")
}

func TestForwardAdaptiveThinkingConversion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beta := r.Header.Get("Anthropic-Beta")
		assert.NotContains(t, beta, "adaptive-thinking")
		assert.Contains(t, beta, "interleaved-thinking-2025-05-14")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		th := body["thinking"].(map[string]any)
		assert.Equal(t, "enabled", th["type"])
		assert.Equal(t, float64(16000), th["budget_tokens"])
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b := config.Backend{
		Name: "zai", BaseURL: upstream.URL, Auth: config.AuthPassthrough,
		SupportsAdaptiveThinking: false,
		ThinkingBudgetTokens:     16000,
	}
	f, _, _ := newTestForwarder(t, []config.Backend{b}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages",
		strings.NewReader(`{"model":"m","thinking":{"type":"adaptive"},"max_tokens":4096}`))
	req.Header.Set("Anthropic-Beta", "adaptive-thinking-2025-11-19")
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForwardPrimaryFiltersStaleThinking(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, _, metrics := newTestForwarder(t, []config.Backend{passthroughBackend("anthropic", upstream.URL)}, config.ThinkingModeNative)

	reg := thinking.NewRegistry(nil)
	session := reg.BeginRequest("anthropic")
	session.RegisterFromResponse(map[string]any{
		"content": []any{map[string]any{"type": "thinking", "thinking": "known reasoning"}},
	})

	body := `{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"known reasoning"},
			{"type":"thinking","thinking":"stale reasoning"},
			{"type":"text","text":"answer"}
		]}
	]}`
	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{Pipeline: PipelinePrimary, Session: session})

	require.Equal(t, http.StatusOK, rec.Code)
	sent := upstreamBody.Load().(string)
	assert.Contains(t, sent, "known reasoning")
	assert.NotContains(t, sent, "stale reasoning")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FilteredBlocks))
}

func TestForwardStripMode(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f, _, _ := newTestForwarder(t, []config.Backend{passthroughBackend("anthropic", upstream.URL)}, config.ThinkingModeStrip)

	reg := thinking.NewRegistry(nil)
	session := reg.BeginRequest("anthropic")
	session.RegisterFromResponse(map[string]any{
		"content": []any{map[string]any{"type": "thinking", "thinking": "registered"}},
	})

	body := `{"model":"m","messages":[
		{"role":"assistant","content":[{"type":"thinking","thinking":"registered"}]}
	]}`
	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{Pipeline: PipelinePrimary, Session: session})

	// Strip mode removes everything, registered or not.
	assert.NotContains(t, upstreamBody.Load().(string), "registered")
}

func TestForwardDropSignatureMode(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	backends := []config.Backend{
		passthroughBackend("anthropic", upstream.URL),
		passthroughBackend("zai", upstream.URL),
	}
	f, _, metrics := newTestForwarder(t, backends, config.ThinkingModeDropSignature)

	reg := thinking.NewRegistry(nil)
	body := `{"model":"m","messages":[
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"ponder","signature":"sig-1"}
		]}
	]}`

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{
		Pipeline: PipelinePrimary,
		Session:  reg.BeginRequest("anthropic"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, upstreamBody.Load().(string), "sig-1", "signing backend keeps the signature")

	req = httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec = httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{
		BackendOverride: "zai",
		Pipeline:        PipelinePrimary,
		Session:         reg.BeginRequest("zai"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sent := upstreamBody.Load().(string)
	assert.NotContains(t, sent, "sig-1", "foreign backend never sees the signature")
	assert.Contains(t, sent, "ponder", "thinking text survives the drop")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConvertedBlocks))
}

func TestForwardConvertToTagsMode(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	backends := []config.Backend{
		passthroughBackend("anthropic", upstream.URL),
		passthroughBackend("zai", upstream.URL),
	}
	f, _, _ := newTestForwarder(t, backends, config.ThinkingModeConvertToTags)

	reg := thinking.NewRegistry(nil)
	body := `{"model":"m","messages":[
		{"role":"assistant","content":[
			{"type":"thinking","thinking":"ponder","signature":"sig-1"}
		]}
	]}`

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{
		Pipeline: PipelinePrimary,
		Session:  reg.BeginRequest("anthropic"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(body))
	rec = httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{
		BackendOverride: "zai",
		Pipeline:        PipelinePrimary,
		Session:         reg.BeginRequest("zai"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sent := upstreamBody.Load().(string)
	assert.Contains(t, sent, "<think>ponder</think>")
	assert.NotContains(t, sent, `"thinking"`)
}

func TestForwardStripModeSkipsRegistration(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","content":[{"type":"thinking","thinking":"fresh reasoning"}]}`)
	}))
	defer upstream.Close()

	f, _, metrics := newTestForwarder(t, []config.Backend{passthroughBackend("anthropic", upstream.URL)}, config.ThinkingModeStrip)

	reg := thinking.NewRegistry(nil)
	session := reg.BeginRequest("anthropic")

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{Pipeline: PipelinePrimary, Session: session})

	require.Equal(t, http.StatusOK, rec.Code)
	// Strip mode never reads the registry back, so feeding it would
	// only grow the cache until orphan eviction.
	assert.Zero(t, reg.BlockCount())
	assert.Zero(t, testutil.ToFloat64(metrics.RegisteredBlocks))
}

func TestForwardRetriesConnectionRefused(t *testing.T) {
	// Grab a port with no listener behind it.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	f, _, metrics := newTestForwarder(t, []config.Backend{passthroughBackend("b", deadURL)}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeBadGateway, resp.Code)

	assert.Equal(t, float64(testPoolConfig().MaxRetries), testutil.ToFloat64(metrics.Retries))
}

func TestForwardRetryBackoffSchedule(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	f, _, _ := newTestForwarder(t, []config.Backend{passthroughBackend("b", deadURL)}, config.ThinkingModeNative)
	f.poolCfg.MaxRetries = 3
	f.poolCfg.RetryBackoffBase = 100 * time.Millisecond

	var waits []time.Duration
	f.sleep = func(d time.Duration) { waits = append(waits, d) }

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, waits, 3)
	for k, wait := range waits {
		base := f.poolCfg.RetryBackoffBase << k
		assert.GreaterOrEqual(t, wait, base, "attempt %d waits at least the doubled base", k+1)
		assert.LessOrEqual(t, wait, base+base/2, "attempt %d jitter is bounded by half the backoff", k+1)
	}
}

func TestForwardNoRetryOnHTTPError(t *testing.T) {
	var attempts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer upstream.Close()

	f, _, metrics := newTestForwarder(t, []config.Backend{passthroughBackend("b", upstream.URL)}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	// Provider errors pass through verbatim, exactly once.
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":{"type":"rate_limit_error"}}`, rec.Body.String())
	assert.Equal(t, int64(1), attempts.Load())
	assert.Zero(t, testutil.ToFloat64(metrics.Retries))
}

func TestForwardUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer upstream.Close()

	f, _, _ := newTestForwarder(t, []config.Backend{passthroughBackend("b", upstream.URL)}, config.ThinkingModeNative)
	f.timeouts.Request = 100 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeUpstreamTimeout, resp.Code)
}

func TestForwardStreaming(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"message_start","message":{"id":"msg_1","model":"glm-5"}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"streamed reasoning"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range strings.SplitAfter(stream, "\n") {
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	b := config.Backend{
		Name: "zai", BaseURL: upstream.URL, Auth: config.AuthPassthrough,
		SupportsAdaptiveThinking: true,
		Models:                   config.ModelMap{Opus: "glm-5"},
	}
	f, _, metrics := newTestForwarder(t, []config.Backend{b}, config.ThinkingModeNative)

	reg := thinking.NewRegistry(nil)
	session := reg.BeginRequest("zai")

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages",
		strings.NewReader(`{"model":"claude-opus-4-6","stream":true}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{Pipeline: PipelinePrimary, Session: session})

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `"model":"claude-opus-4-6"`, "message_start model is mapped back")
	assert.NotContains(t, out, `"glm-5"`)
	assert.Contains(t, out, "streamed reasoning")

	// The assembled block is registered once the stream finishes cleanly.
	assert.Equal(t, 1, reg.BlockCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RegisteredBlocks))

	echo := map[string]any{
		"messages": []any{
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "thinking", "thinking": "streamed reasoning"},
			}},
		},
	}
	assert.Zero(t, session.FilterRequest(echo))
}

func TestForwardGzipResponseDecoded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`{"id":"msg_1","model":"glm-5","content":[]}`))
		_ = zw.Close()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	b := config.Backend{
		Name: "zai", BaseURL: upstream.URL, Auth: config.AuthPassthrough,
		SupportsAdaptiveThinking: true,
		Models:                   config.ModelMap{Opus: "glm-5"},
	}
	f, _, _ := newTestForwarder(t, []config.Backend{b}, config.ThinkingModeNative)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/messages",
		strings.NewReader(`{"model":"claude-opus-4-6"}`))
	rec := httptest.NewRecorder()
	f.Forward(rec, req, ForwardOptions{})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-opus-4-6", resp["model"])
}
