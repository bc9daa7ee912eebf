package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	e := New(Options{Name: "fake", Findings: []domain.Finding{
		domain.NewFinding("", "SQL Injection", domain.SeverityCritical, ""),
	}})

	ref, err := e.Start(ctx, "http://example.com", ports.Sink{})
	require.NoError(t, err)

	st, err := e.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ports.EngineRunning, st)

	fs, err := e.Results(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, fs, "no results before completion")

	e.Finish(ref)
	fs, err = e.Results(ctx, ref)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "fake", fs[0].Scanner)
	assert.Equal(t, "http://example.com", fs[0].URL)

	stopped, err := e.Stop(ctx, ref)
	require.NoError(t, err)
	assert.False(t, stopped, "completed runs cannot be stopped")
}

func TestResumable(t *testing.T) {
	ctx := context.Background()
	e := NewResumable(Options{})
	assert.True(t, ports.SupportsResume(e))
	assert.False(t, ports.SupportsResume(e.Engine))

	ref, err := e.Start(ctx, "http://example.com", ports.Sink{})
	require.NoError(t, err)

	ok, err := e.Resume(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok, "running runs are not resumed")

	stopped, err := e.Stop(ctx, ref)
	require.NoError(t, err)
	require.True(t, stopped)

	ok, err = e.Resume(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ports.EngineRunning, e.RunStatus(ref))
}

func TestUnknownRun(t *testing.T) {
	e := New(Options{})
	st, err := e.Status(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, ports.EngineUnknown, st)
}

func TestRealtimeEvents(t *testing.T) {
	events := make(chan ports.Event, 8)
	done := make(chan struct{})
	e := New(Options{Realtime: []domain.Finding{
		domain.NewFinding("", "XSS", domain.SeverityHigh, ""),
	}})
	_, err := e.Start(context.Background(), "http://example.com", ports.NewSink(events, done))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, ports.EventLog, (<-events).Kind)
	ev := <-events
	assert.Equal(t, ports.EventFinding, ev.Kind)
	assert.Equal(t, "XSS", ev.Finding.Name)
}

func TestStartGate(t *testing.T) {
	gate := make(chan struct{})
	e := New(Options{StartGate: gate})

	started := make(chan ports.Ref, 1)
	go func() {
		ref, _ := e.Start(context.Background(), "http://example.com", ports.Sink{})
		started <- ref
	}()
	select {
	case <-started:
		t.Fatal("start returned before the gate opened")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	ref := <-started
	assert.Equal(t, ports.EngineRunning, e.RunStatus(ref))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{StartGate: make(chan struct{})}).Start(ctx, "http://example.com", ports.Sink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHoldResults(t *testing.T) {
	e := New(Options{HoldResults: true, AutoComplete: time.Millisecond})
	ref, err := e.Start(context.Background(), "http://example.com", ports.Sink{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Results(ctx, ref)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.Fetches())
}
