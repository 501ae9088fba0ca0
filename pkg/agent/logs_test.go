package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

func TestLogStreamFollowsAppends(t *testing.T) {
	e, _, paths := testExecutor(t)

	logDir := paths.LogDir("demo")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	logFile := filepath.Join(logDir, "demo.log")
	require.NoError(t, os.WriteFile(logFile, []byte("old line\n"), 0o644))

	lines := make(chan string, 16)
	states := make(chan types.StreamState, 4)

	err := e.StartLogStream(context.Background(), "demo", "cmd-1",
		func(_, line string) { lines <- line },
		func(_ string, state types.StreamState, _ string) { states <- state })
	require.NoError(t, err)

	require.Equal(t, types.StreamStarted, <-states)

	// A duplicate stream for the same id is rejected.
	err = e.StartLogStream(context.Background(), "demo", "cmd-1", nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConflict))

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("fresh line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-lines:
		assert.Equal(t, "fresh line", line, "only appended lines are streamed")
	case <-time.After(3 * time.Second):
		t.Fatal("no line received")
	}

	e.StopLogStream("cmd-1")
	select {
	case state := <-states:
		assert.Equal(t, types.StreamStopped, state)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal status received")
	}
}

func TestLogStreamPrefersJournald(t *testing.T) {
	e, _, _ := testExecutor(t)
	e.run = func(_ context.Context, name string, _ ...string) (string, error) {
		if name == "journalctl" {
			return "", nil
		}
		return "", fmt.Errorf("unexpected command %s", name)
	}

	pr, pw := io.Pipe()
	var gotService string
	e.journal = func(_ context.Context, service string) (io.ReadCloser, error) {
		gotService = service
		return pr, nil
	}

	lines := make(chan string, 16)
	states := make(chan types.StreamState, 4)
	err := e.StartLogStream(context.Background(), "demo", "cmd-1",
		func(_, line string) { lines <- line },
		func(_ string, state types.StreamState, _ string) { states <- state })
	require.NoError(t, err)
	require.Equal(t, types.StreamStarted, <-states)
	assert.Equal(t, "demo", gotService)

	_, err = pw.Write([]byte("journal line\n"))
	require.NoError(t, err)
	select {
	case line := <-lines:
		assert.Equal(t, "journal line", line)
	case <-time.After(3 * time.Second):
		t.Fatal("no line received")
	}

	require.NoError(t, pw.Close())
	select {
	case state := <-states:
		assert.Equal(t, types.StreamStopped, state)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal status received")
	}
}

func TestLogStreamNoSource(t *testing.T) {
	e, _, _ := testExecutor(t)

	err := e.StartLogStream(context.Background(), "demo", "cmd-1", nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestStopAllLogStreams(t *testing.T) {
	e, _, paths := testExecutor(t)

	for _, app := range []string{"one", "two"} {
		dir := paths.LogDir(app)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, app+".log"), nil, 0o644))
	}

	states := make(chan types.StreamState, 8)
	for i, app := range []string{"one", "two"} {
		err := e.StartLogStream(context.Background(), app, string(rune('a'+i)),
			func(_, _ string) {},
			func(_ string, state types.StreamState, _ string) { states <- state })
		require.NoError(t, err)
		require.Equal(t, types.StreamStarted, <-states)
	}

	e.StopAllLogStreams()
	for i := 0; i < 2; i++ {
		select {
		case state := <-states:
			assert.Equal(t, types.StreamStopped, state)
		case <-time.After(3 * time.Second):
			t.Fatal("stream did not terminate")
		}
	}
}
