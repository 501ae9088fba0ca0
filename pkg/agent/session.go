package agent

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/PKell33/ownprem-sub002/pkg/wire"
)

const (
	reconnectInitial      = 5 * time.Second
	reconnectCap          = 30 * time.Second
	defaultStatusInterval = 10 * time.Second
	defaultDrainGrace     = 30 * time.Second
	dialTimeout           = 10 * time.Second
)

// SessionConfig configures the agent's orchestrator session.
type SessionConfig struct {
	Address  string
	ServerID string
	Token    string
	// TLS enables a TLS session when set; nil dials plaintext TCP
	// (development only).
	TLS *tls.Config

	StatusInterval time.Duration
	DrainGrace     time.Duration
}

// Session is the single persistent connection to the orchestrator. It
// reconnects forever with bounded backoff, acks every command before
// executing it, reports status on a fixed interval, and drains in-flight
// commands on shutdown.
type Session struct {
	cfg  SessionConfig
	exec *Executor
	host *hostMetrics
	log  zerolog.Logger

	mu       sync.Mutex
	codec    *wire.Codec
	draining bool

	inflight sync.WaitGroup
}

// NewSession creates a session client over the executor.
func NewSession(cfg SessionConfig, exec *Executor) *Session {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	host, err := newHostMetrics()
	if err != nil {
		logger := log.WithComponent("agent-session")
		logger.Warn().Err(err).Msg("Host metrics unavailable")
	}
	return &Session{
		cfg:  cfg,
		exec: exec,
		host: host,
		log:  log.WithComponent("agent-session").With().Str("server_id", cfg.ServerID).Logger(),
	}
}

// Run connects and serves until the context is canceled. Connection loss
// triggers reconnection with exponential backoff (5s initial, 30s cap,
// unlimited attempts).
func (s *Session) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitial
	policy.MaxInterval = reconnectCap
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		codec, err := s.connect(ctx)
		if err != nil {
			wait := policy.NextBackOff()
			s.log.Warn().Err(err).Dur("retry_in", wait).Msg("Connection failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		policy.Reset()
		s.log.Info().Str("address", s.cfg.Address).Msg("Connected to orchestrator")
		s.serve(ctx, codec)
		s.exec.StopAllLogStreams()
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Msg("Session lost, reconnecting")
	}
}

// Shutdown drains the session: new commands are rejected, in-flight ones
// get a bounded grace period, then the connection closes.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.draining = true
	codec := s.codec
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainGrace):
		s.log.Warn().Msg("Drain grace elapsed with commands still in flight")
	}

	s.exec.StopAllLogStreams()
	if codec != nil {
		codec.Close()
	}
}

func (s *Session) connect(ctx context.Context) (*wire.Codec, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.cfg.TLS}).DialContext(ctx, "tcp", s.cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Address)
	}
	if err != nil {
		return nil, err
	}

	codec := wire.NewCodec(conn)
	if err := codec.Write(&wire.Frame{
		Type: wire.FrameAuth,
		Auth: &wire.Auth{ServerID: s.cfg.ServerID, Token: s.cfg.Token},
	}); err != nil {
		codec.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	frame, err := codec.Read()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		codec.Close()
		return nil, err
	}
	if frame.Type != wire.FrameHello || !frame.Hello.Accepted {
		codec.Close()
		msg := "handshake rejected"
		if frame.Hello != nil && frame.Hello.Message != "" {
			msg = frame.Hello.Message
		}
		return nil, types.E(types.KindAgentDisconnected, "%s", msg)
	}
	return codec, nil
}

func (s *Session) serve(ctx context.Context, codec *wire.Codec) {
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.codec = nil
		s.mu.Unlock()
		codec.Close()
	}()

	s.sendStatus(ctx, codec)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(s.cfg.StatusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sendStatus(ctx, codec)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		frame, err := codec.Read()
		if err != nil {
			return
		}
		s.handleFrame(ctx, codec, frame)
	}
}

func (s *Session) handleFrame(ctx context.Context, codec *wire.Codec, frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameCommand:
		s.handleCommand(ctx, codec, frame.Command)
	case wire.FramePing:
		s.send(codec, &wire.Frame{Type: wire.FramePong})
	case wire.FrameRequestStatus:
		s.sendStatus(ctx, codec)
	case wire.FrameServerShutdown:
		s.log.Info().Msg("Orchestrator announced shutdown")
		codec.Close()
	default:
		s.log.Warn().Str("type", string(frame.Type)).Msg("Unexpected frame from orchestrator")
	}
}

// handleCommand acks before executing; execution never blocks the read
// loop. While draining every command is rejected outright.
func (s *Session) handleCommand(ctx context.Context, codec *wire.Codec, cmd *types.Command) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		s.send(codec, &wire.Frame{Type: wire.FrameCommandResult, Result: &types.CommandResult{
			CommandID: cmd.ID,
			Status:    types.ResultError,
			Message:   "Agent is shutting down",
		}})
		return
	}

	s.send(codec, &wire.Frame{Type: wire.FrameCommandAck, Ack: &types.CommandAck{
		CommandID:  cmd.ID,
		ReceivedAt: time.Now().UTC(),
	}})

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("command_id", cmd.ID).Interface("panic", r).Msg("Command handler panicked")
				s.send(codec, &wire.Frame{Type: wire.FrameCommandResult, Result: &types.CommandResult{
					CommandID: cmd.ID,
					Status:    types.ResultError,
					Message:   "internal error executing command",
				}})
			}
		}()
		s.execute(ctx, codec, cmd)
	}()
}

func (s *Session) execute(ctx context.Context, codec *wire.Codec, cmd *types.Command) {
	started := time.Now()
	result := &types.CommandResult{CommandID: cmd.ID, Status: types.ResultSuccess}

	var (
		output string
		data   map[string]string
		err    error
	)

	switch cmd.Action {
	case types.ActionInstall:
		data, err = s.exec.Install(ctx, cmd.AppName, cmd.Payload)
	case types.ActionConfigure:
		var files []types.ConfigFile
		if cmd.Payload != nil {
			files = cmd.Payload.Files
		}
		output, err = s.exec.Configure(ctx, cmd.AppName, files)
	case types.ActionStart, types.ActionStop, types.ActionRestart:
		output, err = s.exec.Systemctl(ctx, string(cmd.Action), s.serviceFor(cmd))
	case types.ActionUninstall:
		err = s.exec.Uninstall(ctx, cmd.AppName, s.serviceFor(cmd))
	case types.ActionGetLogs:
		var (
			lines  []string
			source string
		)
		var opts *types.LogOptions
		if cmd.Payload != nil {
			opts = cmd.Payload.LogOptions
		}
		lines, source, err = s.exec.GetLogs(ctx, cmd.AppName, opts)
		if err == nil {
			s.send(codec, &wire.Frame{Type: wire.FrameLogsResult, Logs: &wire.LogsResult{
				CommandID: cmd.ID,
				Lines:     lines,
				Source:    source,
			}})
		}
	case types.ActionStreamLogs, types.ActionStopStreamLogs:
		// Stream lifecycle is reported through stream-status frames, not
		// command results.
		s.executeStream(ctx, codec, cmd)
		return
	case types.ActionMountStorage:
		if cmd.Payload == nil || cmd.Payload.Mount == nil {
			err = types.E(types.KindValidation, "mount command without mount options")
		} else {
			output, err = s.exec.MountStorage(ctx, cmd.Payload.Mount)
		}
	case types.ActionUnmountStorage:
		if cmd.Payload == nil || cmd.Payload.Mount == nil {
			err = types.E(types.KindValidation, "unmount command without mount options")
		} else {
			output, err = s.exec.UnmountStorage(ctx, cmd.Payload.Mount.MountPoint)
		}
	case types.ActionCheckMount:
		if cmd.Payload == nil || cmd.Payload.Mount == nil {
			err = types.E(types.KindValidation, "checkMount command without mount options")
		} else {
			data, err = s.exec.CheckMount(ctx, cmd.Payload.Mount.MountPoint)
		}
	case types.ActionConfigureKeepalive:
		var files []types.ConfigFile
		if cmd.Payload != nil {
			files = cmd.Payload.Files
		}
		output, err = s.exec.ConfigureKeepalived(ctx, files)
	case types.ActionCheckKeepalive:
		data, err = s.exec.CheckKeepalived(ctx)
	default:
		err = types.E(types.KindValidation, "unsupported action %q", cmd.Action)
	}

	result.Duration = time.Since(started)
	result.Data = data
	result.Message = output
	if err != nil {
		result.Status = types.ResultError
		result.Message = err.Error()
		s.log.Error().Err(err).Str("command_id", cmd.ID).Str("action", string(cmd.Action)).Msg("Command failed")
	}
	s.send(codec, &wire.Frame{Type: wire.FrameCommandResult, Result: result})
}

func (s *Session) executeStream(ctx context.Context, codec *wire.Codec, cmd *types.Command) {
	if cmd.Action == types.ActionStopStreamLogs {
		s.exec.StopLogStream(s.streamIDFor(cmd))
		return
	}

	err := s.exec.StartLogStream(ctx, cmd.AppName, cmd.ID,
		func(streamID, line string) {
			s.send(codec, &wire.Frame{Type: wire.FrameLogLine, LogLine: &wire.LogLine{
				StreamID: streamID, Line: line,
			}})
		},
		func(streamID string, state types.StreamState, message string) {
			s.send(codec, &wire.Frame{Type: wire.FrameLogStatus, LogStatus: &wire.LogStreamStatus{
				StreamID: streamID, State: state, Message: message,
			}})
		})
	if err != nil {
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("Log stream failed to start")
		s.send(codec, &wire.Frame{Type: wire.FrameLogStatus, LogStatus: &wire.LogStreamStatus{
			StreamID: cmd.ID,
			State:    types.StreamError,
			Message:  err.Error(),
		}})
	}
}

func (s *Session) serviceFor(cmd *types.Command) string {
	if cmd.Payload != nil && cmd.Payload.Service != "" {
		return cmd.Payload.Service
	}
	return cmd.AppName
}

func (s *Session) streamIDFor(cmd *types.Command) string {
	if cmd.Payload != nil && cmd.Payload.Meta["streamId"] != "" {
		return cmd.Payload.Meta["streamId"]
	}
	return cmd.ID
}

func (s *Session) sendStatus(ctx context.Context, codec *wire.Codec) {
	report := &types.StatusReport{
		ServerID:    s.cfg.ServerID,
		Timestamp:   time.Now().UTC(),
		NetworkInfo: networkInfo(),
		Apps:        s.exec.Apps(ctx),
	}
	if s.host != nil {
		report.Metrics = s.host.Collect()
	}
	s.send(codec, &wire.Frame{Type: wire.FrameStatus, Status: report})
}

func (s *Session) send(codec *wire.Codec, frame *wire.Frame) {
	if err := codec.Write(frame); err != nil {
		s.log.Debug().Err(err).Str("type", string(frame.Type)).Msg("Frame write failed")
	}
}
