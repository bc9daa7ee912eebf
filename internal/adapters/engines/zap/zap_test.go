package zap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

// fakeZAP reports spider and active scan progress from counters that the
// test advances.
type fakeZAP struct {
	mu        sync.Mutex
	spiderPct int
	ascanPct  int
	stopped   []string
	calls     []string
}

func (f *fakeZAP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("X-ZAP-API-Key") != "k" {
		http.Error(w, `{"code":"bad_api_key"}`, http.StatusForbidden)
		return
	}
	f.calls = append(f.calls, r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/JSON/spider/action/scan/":
		_, _ = w.Write([]byte(`{"scan":"1"}`))
	case "/JSON/spider/view/status/":
		_, _ = w.Write([]byte(`{"status":"` + strconv.Itoa(f.spiderPct) + `"}`))
	case "/JSON/ascan/action/scan/":
		if r.URL.Query().Get("recurse") != "true" {
			http.Error(w, "recurse expected", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"scan":"7"}`))
	case "/JSON/ascan/view/status/":
		_, _ = w.Write([]byte(`{"status":"` + strconv.Itoa(f.ascanPct) + `"}`))
	case "/JSON/spider/action/stop/", "/JSON/ascan/action/stop/":
		f.stopped = append(f.stopped, r.URL.Path+"?"+r.URL.Query().Get("scanId"))
		_, _ = w.Write([]byte(`{"Result":"OK"}`))
	case "/JSON/core/view/alerts/":
		_, _ = w.Write([]byte(`{"alerts":[
			{"name":"Cross Site Scripting (Reflected)","risk":"High","url":"http://example.com/q","description":"xss","cweid":"79"},
			{"alert":"Server Leaks Version","risk":"Low","url":"http://example.com/","cweid":"-1"}
		]}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeZAP) set(spider, ascan int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spiderPct, f.ascanPct = spider, ascan
}

func newEngine(t *testing.T, h http.Handler) *Engine {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, err := New(Config{URL: srv.URL, APIKey: "k", PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return e
}

func waitStatus(t *testing.T, e *Engine, ref ports.Ref, want ports.EngineStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.Status(context.Background(), ref)
		return err == nil && st == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSpiderThenActiveScan(t *testing.T) {
	fake := &fakeZAP{}
	e := newEngine(t, fake)
	ctx := context.Background()

	ref, err := e.Start(ctx, "http://example.com", ports.Sink{})
	require.NoError(t, err)

	st, err := e.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ports.EngineRunning, st)

	fs, err := e.Results(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, fs, "no results while running")

	fake.set(100, 50)
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		for _, c := range fake.calls {
			if c == "/JSON/ascan/action/scan/" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	fake.set(100, 100)
	waitStatus(t, e, ref, ports.EngineCompleted)

	fs, err = e.Results(ctx, ref)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, "zap", fs[0].Scanner)
	assert.Equal(t, domain.SeverityHigh, fs[0].Severity)
	assert.Equal(t, "CWE-79", fs[0].CWE)
	assert.Equal(t, "Server Leaks Version", fs[1].Name)
	assert.Equal(t, domain.SeverityLow, fs[1].Severity)
	assert.Empty(t, fs[1].CWE)

	stopped, err := e.Stop(ctx, ref)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStopDuringSpider(t *testing.T) {
	fake := &fakeZAP{}
	e := newEngine(t, fake)
	ctx := context.Background()

	ref, err := e.Start(ctx, "http://example.com", ports.Sink{})
	require.NoError(t, err)

	stopped, err := e.Stop(ctx, ref)
	require.NoError(t, err)
	assert.True(t, stopped)
	waitStatus(t, e, ref, ports.EngineStopped)

	fake.mu.Lock()
	assert.Equal(t, []string{"/JSON/spider/action/stop/?1"}, fake.stopped)
	fake.mu.Unlock()

	fake.set(100, 100)
	time.Sleep(30 * time.Millisecond)
	st, _ := e.Status(ctx, ref)
	assert.Equal(t, ports.EngineStopped, st, "a stopped run never completes")
}

func TestStartFailsOnRejectedKey(t *testing.T) {
	srv := httptest.NewServer(&fakeZAP{})
	defer srv.Close()
	e, err := New(Config{URL: srv.URL, APIKey: "wrong"})
	require.NoError(t, err)

	_, err = e.Start(context.Background(), "http://example.com", ports.Sink{})
	assert.Error(t, err)
}

func TestUnknownRef(t *testing.T) {
	e := newEngine(t, &fakeZAP{})
	st, err := e.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, ports.EngineUnknown, st)

	_, err = e.Results(context.Background(), "missing")
	assert.Error(t, err)
}
