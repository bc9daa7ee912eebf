package nuclei

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

// fakeBinary writes a shell script standing in for nuclei. The target is
// its second argument.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "nuclei")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func waitStatus(t *testing.T, e *Engine, ref ports.Ref, want ports.EngineStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.Status(context.Background(), ref)
		return err == nil && st == want
	}, 5*time.Second, 10*time.Millisecond)
}

const twoFindings = `echo 'starting templates'
echo '{"info":{"name":"Exposed Admin Panel","severity":"medium","description":"panel reachable","classification":{"cwe-id":["cwe-200"],"cvss-score":5.3}},"matched-at":"'"$2"'/admin"}'
echo ''
echo '{"info":{"name":"Missing HSTS","severity":"INFO"},"host":"'"$2"'"}'
exit 0`

func TestParsesJSONLinesAndStreams(t *testing.T) {
	e := New(Config{Path: fakeBinary(t, twoFindings)})
	events := make(chan ports.Event, 16)
	done := make(chan struct{})
	defer close(done)

	ref, err := e.Start(context.Background(), "http://example.com", ports.NewSink(events, done))
	require.NoError(t, err)
	waitStatus(t, e, ref, ports.EngineCompleted)

	fs, err := e.Results(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, fs, 2)

	assert.Equal(t, "nuclei", fs[0].Scanner)
	assert.Equal(t, "Exposed Admin Panel", fs[0].Name)
	assert.Equal(t, domain.SeverityMedium, fs[0].Severity)
	assert.Equal(t, "http://example.com/admin", fs[0].URL)
	assert.Equal(t, "CWE-200", fs[0].CWE)
	require.NotNil(t, fs[0].CVSS)
	assert.InDelta(t, 5.3, *fs[0].CVSS, 0.001)

	assert.Equal(t, domain.SeverityInfo, fs[1].Severity)
	assert.Equal(t, "http://example.com", fs[1].URL)

	var emitted int
	for len(events) > 0 {
		if ev := <-events; ev.Kind == ports.EventFinding {
			emitted++
		}
	}
	assert.Equal(t, 2, emitted)
}

func TestOversizedLineDoesNotStallProcess(t *testing.T) {
	body := `head -c 5000000 /dev/zero | tr '\0' a
echo
head -c 1000000 /dev/zero | tr '\0' b
echo
exit 0`
	e := New(Config{Path: fakeBinary(t, body)})
	ref, err := e.Start(context.Background(), "http://example.com", ports.Sink{})
	require.NoError(t, err)
	waitStatus(t, e, ref, ports.EngineCompleted)
}

func TestNonZeroExitFails(t *testing.T) {
	e := New(Config{Path: fakeBinary(t, "echo 'templates missing' >&2\nexit 2")})
	ref, err := e.Start(context.Background(), "http://example.com", ports.Sink{})
	require.NoError(t, err)
	waitStatus(t, e, ref, ports.EngineFailed)

	fs, err := e.Results(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestStopKillsProcess(t *testing.T) {
	e := New(Config{Path: fakeBinary(t, "exec sleep 30")})
	ctx := context.Background()
	ref, err := e.Start(ctx, "http://example.com", ports.Sink{})
	require.NoError(t, err)

	stopped, err := e.Stop(ctx, ref)
	require.NoError(t, err)
	assert.True(t, stopped)
	waitStatus(t, e, ref, ports.EngineStopped)

	stopped, err = e.Stop(ctx, ref)
	require.NoError(t, err)
	assert.False(t, stopped, "second stop is a no-op")
}

func TestMissingBinaryIsStartError(t *testing.T) {
	e := New(Config{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	_, err := e.Start(context.Background(), "http://example.com", ports.Sink{})
	assert.Error(t, err)
}
