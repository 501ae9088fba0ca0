package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// FrameType tags a frame on the agent session. Unknown tags are rejected
// when a frame is decoded; payloads are parsed exactly once at the edge.
type FrameType string

// Server to agent.
const (
	FrameHello          FrameType = "hello"
	FrameCommand        FrameType = "command"
	FrameServerShutdown FrameType = "server:shutdown"
	FrameRequestStatus  FrameType = "request_status"
	FramePing           FrameType = "ping"
)

// Agent to server.
const (
	FrameAuth          FrameType = "auth"
	FrameStatus        FrameType = "status"
	FrameCommandAck    FrameType = "command:ack"
	FrameCommandResult FrameType = "command:result"
	FrameLogsResult    FrameType = "logs:result"
	FrameLogLine       FrameType = "logs:stream:line"
	FrameLogStatus     FrameType = "logs:stream:status"
	FramePong          FrameType = "pong"
)

// Auth is presented by the agent at handshake.
type Auth struct {
	ServerID string `json:"serverId"`
	Token    string `json:"token"`
}

// Hello is the orchestrator's handshake reply.
type Hello struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// LogsResult carries a one-shot log read back to the orchestrator.
type LogsResult struct {
	CommandID string   `json:"commandId"`
	Lines     []string `json:"lines"`
	Source    string   `json:"source"` // journald or file
}

// LogLine is a single streamed log line.
type LogLine struct {
	StreamID string `json:"streamId"`
	Line     string `json:"line"`
}

// LogStreamStatus is the terminal (or opening) frame of a log stream.
type LogStreamStatus struct {
	StreamID string            `json:"streamId"`
	State    types.StreamState `json:"state"`
	Message  string            `json:"message,omitempty"`
}

// Frame is the envelope for every message on the session. Exactly one of
// the payload fields is set, matching Type.
type Frame struct {
	Type      FrameType            `json:"type"`
	Auth      *Auth                `json:"auth,omitempty"`
	Hello     *Hello               `json:"hello,omitempty"`
	Command   *types.Command       `json:"command,omitempty"`
	Ack       *types.CommandAck    `json:"ack,omitempty"`
	Result    *types.CommandResult `json:"result,omitempty"`
	Status    *types.StatusReport  `json:"status,omitempty"`
	Logs      *LogsResult          `json:"logs,omitempty"`
	LogLine   *LogLine             `json:"logLine,omitempty"`
	LogStatus *LogStreamStatus     `json:"logStatus,omitempty"`
	Sent      time.Time            `json:"sent,omitempty"`
}

// Validate rejects frames with an unknown tag or a payload that does not
// match the tag.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameAuth:
		if f.Auth == nil {
			return fmt.Errorf("auth frame without auth payload")
		}
	case FrameHello:
		if f.Hello == nil {
			return fmt.Errorf("hello frame without hello payload")
		}
	case FrameCommand:
		if f.Command == nil {
			return fmt.Errorf("command frame without command payload")
		}
		if !types.ValidAction(f.Command.Action) {
			return fmt.Errorf("unknown command action %q", f.Command.Action)
		}
	case FrameCommandAck:
		if f.Ack == nil {
			return fmt.Errorf("ack frame without ack payload")
		}
	case FrameCommandResult:
		if f.Result == nil {
			return fmt.Errorf("result frame without result payload")
		}
	case FrameStatus:
		if f.Status == nil {
			return fmt.Errorf("status frame without status payload")
		}
	case FrameLogsResult:
		if f.Logs == nil {
			return fmt.Errorf("logs frame without logs payload")
		}
	case FrameLogLine:
		if f.LogLine == nil {
			return fmt.Errorf("log line frame without payload")
		}
	case FrameLogStatus:
		if f.LogStatus == nil {
			return fmt.Errorf("log status frame without payload")
		}
	case FramePing, FramePong, FrameServerShutdown, FrameRequestStatus:
		// No payload.
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Marshal serializes a frame for the wire after validating it.
func Marshal(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Unmarshal parses and validates a frame from the wire.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
