package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
	delay   time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return prompt + " and the olives", nil
}

func (m *mockGenerator) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

func newTestServer(t *testing.T, gen Generator, opts ...Option) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(gen, opts...)
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndexServesEmbeddedPage(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	var first string
	for i := 0; i < 2; i++ {
		resp := get(s, "/")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, resp.Body.String(), "/generate")
		if i == 0 {
			first = resp.Body.String()
		} else {
			assert.Equal(t, first, resp.Body.String())
		}
	}
	assert.NotEmpty(t, get(s, "/").Header().Get(requestIDHeader))
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	r := httptest.NewRecorder()
	s.Handler().ServeHTTP(r, httptest.NewRequest(http.MethodGet, path, nil))
	return r
}

func TestGenerateReturnsResponse(t *testing.T) {
	gen := &mockGenerator{}
	s := newTestServer(t, gen)

	resp := post(t, s.Handler(), `{"prompt": "tell me about mains"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"response": "tell me about mains and the olives"}, body)
	assert.Equal(t, "tell me about mains", gen.lastPrompt())
}

func TestGenerateLenientPrompt(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"malformed json", `{"prompt": `},
		{"array body", `["hello"]`},
		{"non-string prompt", `{"prompt": 42}`},
		{"empty body", ``},
		{"null", `null`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &mockGenerator{}
			s := newTestServer(t, gen)
			resp := post(t, s.Handler(), tc.body)
			require.Equal(t, http.StatusOK, resp.Code)
			assert.Equal(t, "", gen.lastPrompt())
			assert.JSONEq(t, `{"response": " and the olives"}`, resp.Body.String())
		})
	}
}

func TestGenerateRejectsOversizedBody(t *testing.T) {
	gen := &mockGenerator{}
	s := newTestServer(t, gen)
	body := `{"prompt": "` + strings.Repeat("a", maxBodyBytes) + `"}`
	resp := post(t, s.Handler(), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Empty(t, gen.prompts)

	resp = post(t, s.Handler(), `{"prompt": "`+strings.Repeat("a", 1000)+`"}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestGenerateFailureReturns500(t *testing.T) {
	s := newTestServer(t, &mockGenerator{err: errors.New("boom")})
	resp := post(t, s.Handler(), `{"prompt": "x"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.JSONEq(t, `{"error": "generation failed"}`, resp.Body.String())
}

func TestGenerateIsSerializedByDefault(t *testing.T) {
	gen := &mockGenerator{delay: 20 * time.Millisecond}
	s := newTestServer(t, gen)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := post(t, s.Handler(), `{"prompt": "p"}`)
			assert.Equal(t, http.StatusOK, resp.Code)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), gen.maxActive.Load())
}

func TestGenerateParallelSlots(t *testing.T) {
	gen := &mockGenerator{delay: 50 * time.Millisecond}
	s := newTestServer(t, gen, WithParallel(4))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(t, s.Handler(), `{"prompt": "p"}`)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, gen.maxActive.Load(), int32(4))
	assert.Len(t, gen.prompts, 4)
}

func TestGenerateCancelledWhileWaiting(t *testing.T) {
	gen := &mockGenerator{}
	s := newTestServer(t, gen)
	require.True(t, s.sem.TryAcquire(1))
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{"prompt":"p"}`)).WithContext(ctx)
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Empty(t, gen.prompts)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockGenerator{}, WithModelInfo(map[string]any{"n_layer": 12}), WithParallel(2))
	resp := get(s, "/health")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","parallel":2,"model":{"n_layer":12}}`, resp.Body.String())
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	assert.Equal(t, "abc-123", resp.Header().Get(requestIDHeader))
}

func TestGzipWhenAccepted(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	assert.Equal(t, "gzip", resp.Header().Get("Content-Encoding"))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&mockGenerator{}, WithParallel(0))
	assert.Error(t, err)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &mockGenerator{}, WithAddr("127.0.0.1:0"), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
