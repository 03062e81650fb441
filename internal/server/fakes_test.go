package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/quota"
	"github.com/howard-nolan/llmgateway/internal/session"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// testNow is the 15th, so daily and monthly windows start on different days.
var testNow = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// fakeStore
// ---------------------------------------------------------------------------

// fakeStore is an in-memory store.Store that counts calls.
type fakeStore struct {
	mu sync.Mutex

	plan         string // "" means no profile row
	dailyCalls   int
	monthlyCalls int
	monthly      store.MonthlyUsage
	spendingCap  *store.SpendingCap
	readErr      error
	writeErr     error

	calls      int
	inserted   []store.UsageRecord
	increments []int64
}

func (f *fakeStore) call() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeStore) Plan(context.Context, string) (string, error) {
	f.call()
	if f.readErr != nil {
		return "", f.readErr
	}
	if f.plan == "" {
		return "", store.ErrNotFound
	}
	return f.plan, nil
}

func (f *fakeStore) CountUsage(_ context.Context, _, _ string, since time.Time) (int, error) {
	f.call()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if since.Day() == testNow.Day() {
		return f.dailyCalls, nil
	}
	return f.monthlyCalls, nil
}

func (f *fakeStore) InsertUsage(_ context.Context, rec store.UsageRecord) error {
	f.call()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeStore) MonthlyUsage(_ context.Context, userID, ym string) (store.MonthlyUsage, error) {
	f.call()
	if f.readErr != nil {
		return store.MonthlyUsage{}, f.readErr
	}
	return f.monthly, nil
}

func (f *fakeStore) IncrementMonthlyUsage(_ context.Context, _, _ string, amount, _ int64) error {
	f.call()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, amount)
	return nil
}

func (f *fakeStore) SpendingCap(context.Context, string, string) (store.SpendingCap, error) {
	f.call()
	if f.spendingCap == nil {
		return store.SpendingCap{}, store.ErrNotFound
	}
	return *f.spendingCap, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) snapshot() (calls int, inserted []store.UsageRecord, increments []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]store.UsageRecord(nil), f.inserted...), append([]int64(nil), f.increments...)
}

// ---------------------------------------------------------------------------
// fakeUpstream
// ---------------------------------------------------------------------------

// fakeUpstream is an http.RoundTripper standing in for every provider. It
// records each request and answers with a canned status and body.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []capturedRequest

	status int
	body   string
	err    error
}

type capturedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

func (u *fakeUpstream) RoundTrip(r *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, capturedRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
		Body:   string(b),
	})
	u.mu.Unlock()

	if u.err != nil {
		return nil, u.err
	}
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(u.body)),
		Request:    r,
	}, nil
}

func (u *fakeUpstream) captured() []capturedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]capturedRequest(nil), u.requests...)
}

// openaiStream is an OpenAI-style SSE body with one event per token.
func openaiStream(tokens ...string) string {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(`data: {"choices":[{"delta":{"content":"` + tok + `"}}]}` + "\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

// ---------------------------------------------------------------------------
// fakeResolver
// ---------------------------------------------------------------------------

// fakeResolver signs everyone in as userID; empty means nobody is.
type fakeResolver struct{ userID string }

func (f fakeResolver) Resolve(*http.Request) (session.Identity, error) {
	if f.userID == "" {
		return session.Identity{}, session.ErrNoSession
	}
	return session.Identity{UserID: f.userID}, nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	srv      *Server
	store    *fakeStore
	upstream *fakeUpstream
	metrics  *metrics.Metrics
}

// newHarness builds a Server whose providers all have keys, whose store
// and upstreams are fakes, and whose clock is testNow.
func newHarness(t *testing.T, resolver session.Resolver, st *fakeStore, up *fakeUpstream) *harness {
	t.Helper()
	m := metrics.New()
	srv := newTestServer(t, resolver, st, &http.Client{Transport: up}, m, nil)
	return &harness{srv: srv, store: st, upstream: up, metrics: m}
}

// newTestServer is newHarness without the fake transport. tweak, when set,
// edits the config before the registry is built.
func newTestServer(t *testing.T, resolver session.Resolver, st store.Store, client *http.Client, m *metrics.Metrics, tweak func(*config.Config)) *Server {
	t.Helper()

	cfg := testConfig(t)
	for name, p := range cfg.Providers {
		p.APIKey = "test-" + name + "-key"
		cfg.Providers[name] = p
	}
	if tweak != nil {
		tweak(cfg)
	}

	engine := quota.NewEngine(st, cfg.Quota, time.UTC, quota.WithClock(func() time.Time { return testNow }))
	return New(cfg, Deps{
		Sessions:  resolver,
		Quota:     engine,
		Cost:      cost.New(cfg.Cost, cost.HeuristicCounter{}),
		Providers: provider.NewRegistry(cfg.Providers),
		Client:    client,
		Metrics:   m,
		Log:       zerolog.Nop(),
	})
}

// testConfig loads the defaults through the real loader.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: test\nquota:\n  time_zone: UTC\n"), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func (h *harness) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/ai/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

var errStoreDown = errors.New("connection refused")
