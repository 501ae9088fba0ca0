package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/PKell33/ownprem-sub002/pkg/wire"
)

func sessionPair(t *testing.T) (*Session, *wire.Codec, *wire.Codec) {
	t.Helper()
	e, _, _ := testExecutor(t)
	s := NewSession(SessionConfig{ServerID: "nodeA"}, e)

	a, b := net.Pipe()
	agentSide := wire.NewCodec(a)
	orchSide := wire.NewCodec(b)
	t.Cleanup(func() {
		agentSide.Close()
		orchSide.Close()
	})
	return s, agentSide, orchSide
}

func TestExecuteSendsCommandResult(t *testing.T) {
	s, agentSide, orchSide := sessionPair(t)

	go s.execute(context.Background(), agentSide, &types.Command{
		ID: "cmd-start", Action: types.ActionStart, AppName: "demo",
	})

	frame, err := orchSide.Read()
	require.NoError(t, err)
	require.Equal(t, wire.FrameCommandResult, frame.Type)
	assert.Equal(t, "cmd-start", frame.Result.CommandID)
	assert.Equal(t, types.ResultSuccess, frame.Result.Status)
}

func TestStreamStartFailureAnswersWithStreamStatus(t *testing.T) {
	s, agentSide, orchSide := sessionPair(t)

	// No journald unit and no log file exists for the app, so the stream
	// cannot start. The failure arrives as a stream status frame and no
	// command result follows.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.execute(context.Background(), agentSide, &types.Command{
			ID: "cmd-stream", Action: types.ActionStreamLogs, AppName: "demo",
		})
	}()

	frame, err := orchSide.Read()
	require.NoError(t, err)
	require.Equal(t, wire.FrameLogStatus, frame.Type)
	assert.Equal(t, "cmd-stream", frame.LogStatus.StreamID)
	assert.Equal(t, types.StreamError, frame.LogStatus.State)
	<-done

	orchSide.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = orchSide.Read()
	require.Error(t, err, "no frame follows the stream status")
}

func TestStopStreamCommandSendsNoResult(t *testing.T) {
	s, agentSide, orchSide := sessionPair(t)

	s.execute(context.Background(), agentSide, &types.Command{
		ID: "cmd-stop", Action: types.ActionStopStreamLogs, AppName: "demo",
	})

	orchSide.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := orchSide.Read()
	require.Error(t, err, "stopping a stream produces no frames")
}
