package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/PKell33/ownprem-sub002/pkg/wire"
)

const testToken = "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"

func startHub(t *testing.T) (*Hub, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateServer(&types.Server{
		ID:            "nodeA",
		Name:          "nodeA",
		Host:          "10.0.0.5",
		AuthTokenHash: security.HashToken(testToken),
	}))

	hub := NewHub(store, nil, Config{Address: "127.0.0.1:0", ResultTimeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return hub.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return hub, store
}

// fakeAgent speaks the wire protocol directly.
type fakeAgent struct {
	codec *wire.Codec
}

func dialAgent(t *testing.T, hub *Hub, serverID, token string) (*fakeAgent, error) {
	t.Helper()
	conn, err := net.Dial("tcp", hub.Addr().String())
	require.NoError(t, err)
	codec := wire.NewCodec(conn)
	t.Cleanup(func() { codec.Close() })

	require.NoError(t, codec.Write(&wire.Frame{
		Type: wire.FrameAuth,
		Auth: &wire.Auth{ServerID: serverID, Token: token},
	}))
	frame, err := codec.Read()
	if err != nil {
		return nil, err
	}
	if !frame.Hello.Accepted {
		return nil, assert.AnError
	}
	return &fakeAgent{codec: codec}, nil
}

func TestAuthAcceptAndReject(t *testing.T) {
	hub, _ := startHub(t)

	_, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	_, err = dialAgent(t, hub, "nodeA", "wrong-token")
	require.Error(t, err)

	_, err = dialAgent(t, hub, "ghost", testToken)
	require.Error(t, err)
}

func TestAuthTokenBoundToServer(t *testing.T) {
	hub, store := startHub(t)

	// "core" has no per-server hash; the issued-token path must still
	// refuse a token minted for another server.
	require.NoError(t, store.CreateServer(&types.Server{ID: "core", Name: "core", IsCore: true}))
	require.NoError(t, store.CreateServer(&types.Server{ID: "nodeB", Name: "nodeB"}))

	token, err := security.GenerateAgentToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateAgentToken(&types.AgentToken{
		ID:        "tok-1",
		ServerID:  "nodeB",
		TokenHash: security.HashToken(token),
		CreatedAt: time.Now().UTC(),
	}))

	_, err = dialAgent(t, hub, "core", token)
	require.Error(t, err, "nodeB's token must not authenticate a session claiming core")
	assert.False(t, hub.Connected("core"))

	_, err = dialAgent(t, hub, "nodeB", token)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return hub.Connected("nodeB") }, 2*time.Second, 10*time.Millisecond)
}

func TestSendCommandRoundTrip(t *testing.T) {
	hub, _ := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	go func() {
		for {
			frame, err := agent.codec.Read()
			if err != nil {
				return
			}
			if frame.Type != wire.FrameCommand {
				continue
			}
			agent.codec.Write(&wire.Frame{Type: wire.FrameCommandAck, Ack: &types.CommandAck{
				CommandID: frame.Command.ID, ReceivedAt: time.Now(),
			}})
			agent.codec.Write(&wire.Frame{Type: wire.FrameCommandResult, Result: &types.CommandResult{
				CommandID: frame.Command.ID, Status: types.ResultSuccess, Message: "done",
			}})
		}
	}()

	result, err := hub.SendCommand(context.Background(), "nodeA", &types.Command{
		ID: "cmd-1", Action: types.ActionStart, AppName: "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, result.Status)
	assert.Equal(t, "done", result.Message)
}

func TestSendCommandAgentMissing(t *testing.T) {
	hub, _ := startHub(t)

	_, err := hub.SendCommand(context.Background(), "nodeA", &types.Command{ID: "cmd-1", Action: types.ActionStart})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAgentDisconnected))
}

func TestStatusIngestUpdatesServer(t *testing.T) {
	hub, store := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)

	require.NoError(t, agent.codec.Write(&wire.Frame{Type: wire.FrameStatus, Status: &types.StatusReport{
		ServerID:  "nodeA",
		Timestamp: time.Now(),
		Metrics:   &types.ServerMetrics{MemoryTotal: 1024},
	}}))

	assert.Eventually(t, func() bool {
		server, err := store.GetServer("nodeA")
		return err == nil && server.AgentStatus == types.AgentOnline &&
			server.Metrics != nil && server.Metrics.MemoryTotal == 1024
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectMarksOffline(t *testing.T) {
	hub, store := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	agent.codec.Close()
	assert.Eventually(t, func() bool {
		if hub.Connected("nodeA") {
			return false
		}
		server, err := store.GetServer("nodeA")
		return err == nil && server.AgentStatus == types.AgentOffline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEvictClosesSession(t *testing.T) {
	hub, _ := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	hub.Evict("nodeA")
	assert.Eventually(t, func() bool { return !hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	// The agent observes a shutdown frame, then EOF.
	frame, err := agent.codec.Read()
	if err == nil {
		assert.Equal(t, wire.FrameServerShutdown, frame.Type)
	}
}

func TestDeletedServerEvictedOnStatus(t *testing.T) {
	hub, store := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.DeleteServer("nodeA"))
	require.NoError(t, agent.codec.Write(&wire.Frame{Type: wire.FrameStatus, Status: &types.StatusReport{
		ServerID:  "nodeA",
		Timestamp: time.Now(),
	}}))

	assert.Eventually(t, func() bool { return !hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)
}

func TestFetchLogsRoundTrip(t *testing.T) {
	hub, _ := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	go func() {
		for {
			frame, err := agent.codec.Read()
			if err != nil {
				return
			}
			if frame.Type != wire.FrameCommand {
				continue
			}
			agent.codec.Write(&wire.Frame{Type: wire.FrameLogsResult, Logs: &wire.LogsResult{
				CommandID: frame.Command.ID,
				Lines:     []string{"line one", "line two"},
				Source:    "journald",
			}})
			agent.codec.Write(&wire.Frame{Type: wire.FrameCommandResult, Result: &types.CommandResult{
				CommandID: frame.Command.ID, Status: types.ResultSuccess,
			}})
		}
	}()

	logs, err := hub.FetchLogs(context.Background(), "nodeA", &types.Command{
		ID: "cmd-logs", Action: types.ActionGetLogs, AppName: "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, logs.Lines)
	assert.Equal(t, "journald", logs.Source)
}

func TestLogStreamFanout(t *testing.T) {
	hub, _ := startHub(t)
	agent, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	lines := make(chan wire.LogLine, 4)
	states := make(chan wire.LogStreamStatus, 4)
	hub.SubscribeLogStream("stream-1", func(l wire.LogLine) { lines <- l },
		func(s wire.LogStreamStatus) { states <- s })
	defer hub.UnsubscribeLogStream("stream-1")

	require.NoError(t, agent.codec.Write(&wire.Frame{Type: wire.FrameLogStatus, LogStatus: &wire.LogStreamStatus{
		StreamID: "stream-1", State: types.StreamStarted,
	}}))
	require.NoError(t, agent.codec.Write(&wire.Frame{Type: wire.FrameLogLine, LogLine: &wire.LogLine{
		StreamID: "stream-1", Line: "hello",
	}}))

	select {
	case s := <-states:
		assert.Equal(t, types.StreamStarted, s.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream status delivered")
	}
	select {
	case l := <-lines:
		assert.Equal(t, "hello", l.Line)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream line delivered")
	}
}

func TestSecondSessionReplacesFirst(t *testing.T) {
	hub, _ := startHub(t)
	first, err := dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("nodeA") }, 2*time.Second, 10*time.Millisecond)

	_, err = dialAgent(t, hub, "nodeA", testToken)
	require.NoError(t, err)

	// The first connection is torn down; reads fail once the hub closes it.
	first.codec.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := first.codec.Read(); err != nil {
			break
		}
	}
	assert.True(t, hub.Connected("nodeA"), "replacement session stays live")
}
