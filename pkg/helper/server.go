package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const (
	// SocketPath is the default helper socket location.
	SocketPath = "/run/ownprem/helper.sock"

	maxRequestBytes = 1 << 20
	actionTimeout   = 2 * time.Minute
)

// runner executes one external command and returns its combined output.
// Tests substitute it to avoid touching the host.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Server is the privileged helper daemon. It owns the Unix socket, applies
// the allow-lists to every request, and executes validated actions.
type Server struct {
	rules *Rules
	run   runner
	log   zerolog.Logger

	socketPath string
	listener   net.Listener
}

// NewServer creates a helper daemon for the given socket path. Request
// logging goes to stdout as structured JSON.
func NewServer(socketPath string, rules *Rules) *Server {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Server{
		rules:      rules,
		run:        execRunner,
		log:        zerolog.New(os.Stdout).With().Timestamp().Str("component", "helper").Logger(),
		socketPath: socketPath,
	}
}

// Listen binds the Unix socket: directory 0755, socket 0600, no network
// listener ever.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the context is canceled or the listener
// closes. Each connection carries newline-delimited request/response pairs.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.log.Info().Str("socket", s.socketPath).Msg("Helper listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		resp := Response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = "Validation failed: malformed request"
		} else {
			resp = s.handle(ctx, &req)
		}
		if err := enc.Encode(&resp); err != nil {
			return
		}
	}
}

// handle validates and executes one request. Secrets (file contents,
// mount credentials) never reach the request log.
func (s *Server) handle(ctx context.Context, req *Request) Response {
	logEvt := s.log.Info().
		Str("action", string(req.Action)).
		Str("path", req.Path).
		Str("service", req.Service).
		Str("username", req.Username)

	if err := s.rules.Validate(req); err != nil {
		logEvt.Str("result", "denied").Str("reason", err.Error()).Msg("Request rejected")
		return Response{Success: false, Error: "Validation failed: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	out, err := s.execute(ctx, req)
	if err != nil {
		logEvt.Str("result", "error").Msg("Request failed")
		msg := err.Error()
		if out != "" {
			msg = msg + ": " + out
		}
		return Response{Success: false, Error: msg}
	}
	logEvt.Str("result", "ok").Msg("Request executed")
	return Response{Success: true, Output: out}
}

func (s *Server) execute(ctx context.Context, req *Request) (string, error) {
	switch req.Action {
	case ActionCreateServiceUser:
		return s.createServiceUser(ctx, req.Username)
	case ActionCreateDirectory:
		return s.createDirectory(ctx, req)
	case ActionSetOwnership:
		return s.run(ctx, "chown", "-R", req.Owner, req.Path)
	case ActionSetPermissions:
		return s.run(ctx, "chmod", req.Mode, req.Path)
	case ActionWriteFile:
		return "", s.writeFile(ctx, req)
	case ActionCopyFile:
		return s.run(ctx, "cp", "--preserve=mode", req.Source, req.Path)
	case ActionSystemctl:
		if req.Command == "daemon-reload" {
			return s.run(ctx, "systemctl", "daemon-reload")
		}
		return s.run(ctx, "systemctl", req.Command, unitName(req.Service))
	case ActionSetCapability:
		return s.run(ctx, "setcap", req.Capability, req.Path)
	case ActionRunAsUser:
		args := append([]string{"-u", req.Username, "--", req.Command}, req.Args...)
		return s.run(ctx, "runuser", args...)
	case ActionMount:
		return s.mount(ctx, req.Mount)
	case ActionUmount:
		return s.run(ctx, "umount", req.MountPoint)
	case ActionAptInstall:
		args := append([]string{"install", "-y", "--no-install-recommends"}, req.Packages...)
		return s.run(ctx, "apt-get", args...)
	case ActionRegisterService:
		return "", s.registerService(req.Service)
	case ActionUnregisterService:
		return "", s.unregisterService(req.Service)
	}
	return "", fmt.Errorf("unhandled action %s", req.Action)
}

// createServiceUser is idempotent: an already existing user is success.
func (s *Server) createServiceUser(ctx context.Context, username string) (string, error) {
	if _, err := s.run(ctx, "id", "-u", username); err == nil {
		return "exists", nil
	}
	return s.run(ctx, "useradd", "--system", "--no-create-home",
		"--shell", "/usr/sbin/nologin", username)
}

func (s *Server) createDirectory(ctx context.Context, req *Request) (string, error) {
	mode := os.FileMode(0o755)
	if req.Mode != "" {
		m, err := strconv.ParseUint(strings.TrimPrefix(req.Mode, "0"), 8, 32)
		if err != nil {
			return "", fmt.Errorf("parse mode: %w", err)
		}
		mode = os.FileMode(m)
	}
	if err := os.MkdirAll(req.Path, mode); err != nil {
		return "", err
	}
	if err := os.Chmod(req.Path, mode); err != nil {
		return "", err
	}
	if req.Owner != "" {
		return s.run(ctx, "chown", req.Owner, req.Path)
	}
	return "", nil
}

func (s *Server) writeFile(ctx context.Context, req *Request) error {
	mode := os.FileMode(0o644)
	if req.Mode != "" {
		m, err := strconv.ParseUint(strings.TrimPrefix(req.Mode, "0"), 8, 32)
		if err != nil {
			return fmt.Errorf("parse mode: %w", err)
		}
		mode = os.FileMode(m)
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), mode); err != nil {
		return err
	}
	if err := os.Chmod(req.Path, mode); err != nil {
		return err
	}
	if req.Owner != "" {
		if _, err := s.run(ctx, "chown", req.Owner, req.Path); err != nil {
			return err
		}
	}
	return nil
}

// mount builds the -o string only after validation. CIFS credentials go
// through a 0600 temp file that is removed on every exit path; passwords
// never appear in process arguments.
func (s *Server) mount(ctx context.Context, m *types.MountOptions) (string, error) {
	if err := os.MkdirAll(m.MountPoint, 0o755); err != nil {
		return "", err
	}

	opts := append([]string(nil), m.OptionSet...)

	var credFile string
	if m.Type == "cifs" && m.Credentials != nil {
		f, err := os.CreateTemp("", "ownprem-cred-*")
		if err != nil {
			return "", err
		}
		credFile = f.Name()
		defer os.Remove(credFile)

		content := fmt.Sprintf("username=%s\npassword=%s\n", m.Credentials.Username, m.Credentials.Password)
		if _, err := f.WriteString(content); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Chmod(0o600); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		opts = append(opts, "credentials="+credFile)
	}

	args := []string{"-t", m.Type}
	if len(opts) > 0 {
		args = append(args, "-o", strings.Join(opts, ","))
	}
	args = append(args, m.Source, m.MountPoint)
	return s.run(ctx, "mount", args...)
}

func (s *Server) registerService(service string) error {
	if err := os.MkdirAll(s.rules.RegistryDir, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(s.rules.RegistryDir, strings.TrimSuffix(service, ".service"))
	return os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func (s *Server) unregisterService(service string) error {
	marker := filepath.Join(s.rules.RegistryDir, strings.TrimSuffix(service, ".service"))
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func unitName(service string) string {
	if strings.Contains(service, ".") {
		return service
	}
	return service + ".service"
}
