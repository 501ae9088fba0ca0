package session

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/metrics"
	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/PKell33/ownprem-sub002/pkg/wire"
)

const (
	defaultResultTimeout = 5 * time.Minute
	defaultReadTimeout   = 45 * time.Second
	handshakeTimeout     = 10 * time.Second
	pingInterval         = 30 * time.Second
)

// Config holds hub settings.
type Config struct {
	Address string
	// TLS serves the session endpoint over TLS when set.
	TLS *tls.Config
	// ResultTimeout bounds how long SendCommand waits for a result.
	ResultTimeout time.Duration
	// ReadTimeout drops a session that stays silent longer than this;
	// status reports every 10s keep healthy sessions well inside it.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = defaultResultTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// agentConn is one live authenticated session.
type agentConn struct {
	serverID string
	codec    *wire.Codec
	done     chan struct{}
	once     sync.Once
}

func (a *agentConn) close() {
	a.once.Do(func() {
		a.codec.Close()
		close(a.done)
	})
}

// LineSink receives streamed log lines for one stream id.
type LineSink func(line wire.LogLine)

// StatusSink receives stream lifecycle frames for one stream id.
type StatusSink func(status wire.LogStreamStatus)

// Hub is the orchestrator side of every agent session: it authenticates
// connecting agents, enforces one session per server, routes commands to
// agents and results back to waiting callers, and ingests status reports.
type Hub struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	log    zerolog.Logger

	mu         sync.Mutex
	sessions   map[string]*agentConn
	waiters    map[string]chan *types.CommandResult
	logWaiters map[string]chan *wire.LogsResult
	lineSinks  map[string]LineSink
	statSinks  map[string]StatusSink

	listener net.Listener
}

// NewHub creates a session hub.
func NewHub(store storage.Store, broker *events.Broker, cfg Config) *Hub {
	return &Hub{
		store:      store,
		broker:     broker,
		cfg:        cfg.withDefaults(),
		log:        log.WithComponent("session-hub"),
		sessions:   make(map[string]*agentConn),
		waiters:    make(map[string]chan *types.CommandResult),
		logWaiters: make(map[string]chan *wire.LogsResult),
		lineSinks:  make(map[string]LineSink),
		statSinks:  make(map[string]StatusSink),
	}
}

// Run listens for agent connections until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)
	if h.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", h.cfg.Address, h.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", h.cfg.Address)
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	h.log.Info().Str("address", ln.Addr().String()).Bool("tls", h.cfg.TLS != nil).Msg("Session hub listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go h.handleConn(ctx, conn)
	}
}

// Addr returns the bound listen address, for tests and logs.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Shutdown announces shutdown to every connected agent and closes the
// sessions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*agentConn, 0, len(h.sessions))
	for _, c := range h.sessions {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.codec.Write(&wire.Frame{Type: wire.FrameServerShutdown})
		c.close()
	}
}

// Connected reports whether a live session exists for the server.
func (h *Hub) Connected(serverID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[serverID]
	return ok
}

// SessionCount returns the number of live agent sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Evict closes the server's session, if any. Used when a server is
// deleted while its agent is still connected.
func (h *Hub) Evict(serverID string) {
	h.mu.Lock()
	conn := h.sessions[serverID]
	h.mu.Unlock()
	if conn != nil {
		conn.codec.Write(&wire.Frame{Type: wire.FrameServerShutdown})
		conn.close()
	}
}

// SendCommand dispatches a command to the server's agent and waits for
// its result. Disconnection and timeout both fail the wait.
func (h *Hub) SendCommand(ctx context.Context, serverID string, cmd *types.Command) (*types.CommandResult, error) {
	timer := metrics.NewTimer()
	result, err := h.sendCommand(ctx, serverID, cmd)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case result.Status != types.ResultSuccess:
		outcome = "failed"
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Action), outcome).Inc()
	timer.ObserveDuration(metrics.CommandDuration.WithLabelValues(string(cmd.Action)))
	return result, err
}

func (h *Hub) sendCommand(ctx context.Context, serverID string, cmd *types.Command) (*types.CommandResult, error) {
	h.mu.Lock()
	conn, ok := h.sessions[serverID]
	if !ok {
		h.mu.Unlock()
		return nil, types.E(types.KindAgentDisconnected, "agent for server %s is not connected", serverID)
	}
	ch := make(chan *types.CommandResult, 1)
	h.waiters[cmd.ID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.waiters, cmd.ID)
		h.mu.Unlock()
	}()

	if err := conn.codec.Write(&wire.Frame{Type: wire.FrameCommand, Command: cmd, Sent: time.Now().UTC()}); err != nil {
		return nil, types.Wrap(types.KindAgentDisconnected, err, "send command to %s", serverID)
	}

	timer := time.NewTimer(h.cfg.ResultTimeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-conn.done:
		return nil, types.E(types.KindAgentDisconnected, "agent for server %s disconnected awaiting result", serverID)
	case <-timer.C:
		return nil, types.E(types.KindAgentDisconnected, "timed out awaiting result of command %s", cmd.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchLogs dispatches a getLogs command and returns the log payload.
func (h *Hub) FetchLogs(ctx context.Context, serverID string, cmd *types.Command) (*wire.LogsResult, error) {
	ch := make(chan *wire.LogsResult, 1)
	h.mu.Lock()
	h.logWaiters[cmd.ID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.logWaiters, cmd.ID)
		h.mu.Unlock()
	}()

	result, err := h.SendCommand(ctx, serverID, cmd)
	if err != nil {
		return nil, err
	}
	if result.Status != types.ResultSuccess {
		return nil, types.E(types.KindCommandFailed, "%s", result.Message)
	}

	// The logs frame precedes the result frame, so the payload is
	// normally already buffered by the time the result arrives.
	select {
	case logs := <-ch:
		return logs, nil
	case <-time.After(5 * time.Second):
		return nil, types.E(types.KindInternal, "log payload missing for command %s", cmd.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeLogStream routes stream frames for the id to the sinks until
// unsubscribed.
func (h *Hub) SubscribeLogStream(streamID string, line LineSink, status StatusSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lineSinks[streamID] = line
	h.statSinks[streamID] = status
}

// UnsubscribeLogStream removes the stream routing.
func (h *Hub) UnsubscribeLogStream(streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lineSinks, streamID)
	delete(h.statSinks, streamID)
}

func (h *Hub) handleConn(ctx context.Context, netConn net.Conn) {
	codec := wire.NewCodec(netConn)

	codec.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := codec.Read()
	if err != nil || frame.Type != wire.FrameAuth {
		codec.Close()
		return
	}
	codec.SetReadDeadline(time.Time{})

	serverID := frame.Auth.ServerID
	if err := h.authenticate(frame.Auth); err != nil {
		h.log.Warn().Str("server_id", serverID).Str("remote", netConn.RemoteAddr().String()).
			Msg("Agent authentication rejected")
		codec.Write(&wire.Frame{Type: wire.FrameHello, Hello: &wire.Hello{Accepted: false, Message: "authentication failed"}})
		codec.Close()
		return
	}

	if err := codec.Write(&wire.Frame{Type: wire.FrameHello, Hello: &wire.Hello{Accepted: true}}); err != nil {
		codec.Close()
		return
	}

	conn := &agentConn{serverID: serverID, codec: codec, done: make(chan struct{})}

	// One session per server: a reconnect replaces the previous,
	// possibly half-dead, connection.
	h.mu.Lock()
	if old := h.sessions[serverID]; old != nil {
		old.close()
	}
	h.sessions[serverID] = conn
	h.mu.Unlock()

	h.setAgentStatus(serverID, types.AgentOnline)
	h.publish(events.EventAgentConnected, serverID)
	h.log.Info().Str("server_id", serverID).Msg("Agent connected")

	go h.pingLoop(conn)
	h.readLoop(ctx, conn)

	h.mu.Lock()
	current := h.sessions[serverID] == conn
	if current {
		delete(h.sessions, serverID)
	}
	h.mu.Unlock()
	conn.close()

	// A replaced session must not mark the live replacement offline.
	if current {
		h.setAgentStatus(serverID, types.AgentOffline)
		h.publish(events.EventAgentDisconnected, serverID)
		h.log.Warn().Str("server_id", serverID).Msg("Agent disconnected")
	}
}

func (h *Hub) authenticate(auth *wire.Auth) error {
	if auth.ServerID == "" || auth.Token == "" {
		return types.E(types.KindValidation, "missing credentials")
	}

	server, err := h.store.GetServer(auth.ServerID)
	if err != nil {
		return err
	}
	if server.AuthTokenHash != "" && security.VerifyToken(auth.Token, server.AuthTokenHash) {
		return nil
	}

	tokens, err := h.store.ListAgentTokens()
	if err != nil {
		return err
	}
	// Tokens are bound to one server; a match for a different serverId
	// must not authenticate this session.
	for _, t := range tokens {
		if t.ServerID == auth.ServerID && !t.Revoked() && security.VerifyToken(auth.Token, t.TokenHash) {
			return nil
		}
	}
	return types.E(types.KindValidation, "token rejected")
}

func (h *Hub) pingLoop(conn *agentConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.codec.Write(&wire.Frame{Type: wire.FramePing}); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *agentConn) {
	for {
		conn.codec.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		frame, err := conn.codec.Read()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch frame.Type {
		case wire.FrameStatus:
			h.ingestStatus(conn.serverID, frame.Status)
		case wire.FrameCommandAck:
			h.log.Debug().Str("command_id", frame.Ack.CommandID).Str("server_id", conn.serverID).Msg("Command acked")
		case wire.FrameCommandResult:
			h.deliverResult(frame.Result)
		case wire.FrameLogsResult:
			h.deliverLogs(frame.Logs)
		case wire.FrameLogLine:
			h.mu.Lock()
			sink := h.lineSinks[frame.LogLine.StreamID]
			h.mu.Unlock()
			if sink != nil {
				sink(*frame.LogLine)
			}
		case wire.FrameLogStatus:
			h.mu.Lock()
			sink := h.statSinks[frame.LogStatus.StreamID]
			h.mu.Unlock()
			if sink != nil {
				sink(*frame.LogStatus)
			}
		case wire.FramePong:
			h.touchLastSeen(conn.serverID)
		default:
			h.log.Warn().Str("type", string(frame.Type)).Str("server_id", conn.serverID).Msg("Unexpected frame from agent")
		}
	}
}

func (h *Hub) deliverResult(result *types.CommandResult) {
	h.mu.Lock()
	ch := h.waiters[result.CommandID]
	h.mu.Unlock()
	if ch != nil {
		select {
		case ch <- result:
		default:
		}
		return
	}
	h.log.Warn().Str("command_id", result.CommandID).Msg("Result with no waiter")
}

func (h *Hub) deliverLogs(logs *wire.LogsResult) {
	h.mu.Lock()
	ch := h.logWaiters[logs.CommandID]
	h.mu.Unlock()
	if ch != nil {
		select {
		case ch <- logs:
		default:
		}
	}
}

// ingestStatus updates the server row from a heartbeat and reconciles
// observed app states onto settled deployments.
func (h *Hub) ingestStatus(serverID string, report *types.StatusReport) {
	server, err := h.store.GetServer(serverID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			// The row was removed while the agent stayed connected.
			h.log.Warn().Str("server_id", serverID).Msg("Evicting session of deleted server")
			h.Evict(serverID)
			h.publish(events.EventServerDeleted, serverID)
			return
		}
		h.log.Error().Err(err).Str("server_id", serverID).Msg("Status for unknown server")
		return
	}
	server.AgentStatus = types.AgentOnline
	server.LastSeen = time.Now().UTC()
	server.Metrics = report.Metrics
	if len(report.NetworkInfo) > 0 {
		server.NetworkInfo = report.NetworkInfo
	}
	if err := h.store.UpdateServer(server); err != nil {
		h.log.Error().Err(err).Str("server_id", serverID).Msg("Failed to persist status")
		return
	}

	for _, app := range report.Apps {
		h.reconcileDeployment(serverID, app)
	}
}

// reconcileDeployment maps an observed service state onto the stored
// deployment status, but only across the settled states; transitional
// deployer states are never overwritten by a heartbeat.
func (h *Hub) reconcileDeployment(serverID string, app types.AppStatus) {
	d, err := h.store.GetDeploymentByServerApp(serverID, app.Name)
	if err != nil {
		return
	}

	var observed types.DeploymentStatus
	switch app.Status {
	case types.AppRunning:
		observed = types.StatusRunning
	case types.AppStopped:
		observed = types.StatusStopped
	case types.AppError:
		observed = types.StatusError
	default:
		return
	}

	settled := d.Status == types.StatusRunning ||
		d.Status == types.StatusStopped ||
		d.Status == types.StatusError
	if !settled || d.Status == observed {
		return
	}

	d.Status = observed
	if err := h.store.UpdateDeployment(d); err != nil {
		h.log.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to reconcile deployment status")
	}
}

func (h *Hub) setAgentStatus(serverID string, status types.AgentStatus) {
	server, err := h.store.GetServer(serverID)
	if err != nil {
		return
	}
	server.AgentStatus = status
	server.LastSeen = time.Now().UTC()
	if err := h.store.UpdateServer(server); err != nil {
		h.log.Error().Err(err).Str("server_id", serverID).Msg("Failed to update agent status")
	}
}

func (h *Hub) touchLastSeen(serverID string) {
	server, err := h.store.GetServer(serverID)
	if err != nil {
		return
	}
	server.LastSeen = time.Now().UTC()
	h.store.UpdateServer(server)
}

func (h *Hub) publish(typ events.EventType, serverID string) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(&events.Event{Type: typ, Metadata: map[string]string{"serverId": serverID}})
}
