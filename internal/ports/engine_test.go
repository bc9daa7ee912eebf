package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
)

type plainEngine struct{}

func (plainEngine) Name() string { return "plain" }
func (plainEngine) Start(context.Context, string, Sink) (Ref, error) {
	return "r", nil
}
func (plainEngine) Status(context.Context, Ref) (EngineStatus, error) {
	return EngineRunning, nil
}
func (plainEngine) Results(context.Context, Ref) ([]domain.Finding, error) { return nil, nil }
func (plainEngine) Stop(context.Context, Ref) (bool, error)                { return true, nil }

type resumableEngine struct {
	plainEngine
	resumed []Ref
}

func (e *resumableEngine) Resume(_ context.Context, ref Ref) (bool, error) {
	e.resumed = append(e.resumed, ref)
	return true, nil
}

func TestResume_Capability(t *testing.T) {
	ctx := context.Background()

	ok, err := Resume(ctx, plainEngine{}, "r")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, SupportsResume(plainEngine{}))

	re := &resumableEngine{}
	ok, err = Resume(ctx, re, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, SupportsResume(re))
	assert.Equal(t, []Ref{"r1"}, re.resumed)
}

func TestEngineStatus_Terminal(t *testing.T) {
	assert.True(t, EngineCompleted.Terminal())
	assert.True(t, EngineFailed.Terminal())
	assert.True(t, EngineStopped.Terminal())
	assert.False(t, EngineRunning.Terminal())
	assert.False(t, EngineUnknown.Terminal())
}

func TestSink_DeliversInOrder(t *testing.T) {
	ch := make(chan Event, 4)
	done := make(chan struct{})
	s := NewSink(ch, done)

	s.Logf("step %d", 1)
	s.Emit(domain.NewFinding("x", "n", domain.SeverityLow, "/"))

	ev := <-ch
	assert.Equal(t, EventLog, ev.Kind)
	assert.Equal(t, "step 1", ev.Message)
	ev = <-ch
	assert.Equal(t, EventFinding, ev.Kind)
	assert.Equal(t, "n", ev.Finding.Name)
}

func TestSink_DropsAfterDone(t *testing.T) {
	ch := make(chan Event)
	done := make(chan struct{})
	s := NewSink(ch, done)
	close(done)

	finished := make(chan struct{})
	go func() {
		s.Logf("nobody listens")
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("send blocked after done was closed")
	}
}

func TestSink_ZeroValueDiscards(t *testing.T) {
	var s Sink
	s.Logf("ignored")
	s.Emit(domain.Finding{})
}
