package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const (
	// logTailCap bounds how much of a log file is read for a tail.
	logTailCap = 5 << 20

	defaultLogLines = 200
	followPollEvery = 500 * time.Millisecond
)

// LineFunc receives one log line of a stream.
type LineFunc func(streamID, line string)

// StatusFunc receives stream lifecycle transitions.
type StatusFunc func(streamID string, state types.StreamState, message string)

// GetLogs reads recent logs for an app: journald first, then a bounded
// tail of the app's log files.
func (e *Executor) GetLogs(ctx context.Context, appName string, opts *types.LogOptions) ([]string, string, error) {
	if !appNameRE.MatchString(appName) {
		return nil, "", types.E(types.KindValidation, "invalid app name %q", appName)
	}
	lines := defaultLogLines
	if opts != nil && opts.Lines > 0 {
		lines = opts.Lines
	}

	service := appName
	if meta, err := e.readMetadata(appName); err == nil && meta.Service != "" {
		service = meta.Service
	}

	if out, err := e.run(ctx, "journalctl", "-u", service, "-n", fmt.Sprint(lines), "--no-pager", "-o", "cat"); err == nil && out != "" {
		return strings.Split(out, "\n"), "journald", nil
	}

	for _, path := range e.logFileCandidates(appName) {
		if _, err := e.paths.ValidatePath(path); err != nil {
			continue
		}
		tail, err := tailFile(path, lines)
		if err == nil {
			return tail, path, nil
		}
	}
	return nil, "", types.E(types.KindNotFound, "no logs found for %s", appName)
}

func (e *Executor) logFileCandidates(appName string) []string {
	return []string{
		filepath.Join(e.paths.LogDir(appName), appName+".log"),
		filepath.Join(e.paths.LogRoot, appName+".log"),
		filepath.Join(e.paths.AppDir(appName), "logs", appName+".log"),
	}
}

// tailFile returns the last n lines of a file, reading at most logTailCap
// bytes by seeking to the tail.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := int64(0)
	if fi.Size() > logTailCap {
		offset = fi.Size() - logTailCap
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	first := true
	for scanner.Scan() {
		// The first line after a mid-file seek is almost always partial.
		if first && offset > 0 {
			first = false
			continue
		}
		first = false
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// streamTable tracks active log streams, keyed by the originating
// command id. At most one stream per id.
type streamTable struct {
	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[string]context.CancelFunc)}
}

func (t *streamTable) add(id string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.streams[id]; exists {
		return false
	}
	t.streams[id] = cancel
	return true
}

func (t *streamTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

func (t *streamTable) stop(id string) bool {
	t.mu.Lock()
	cancel, ok := t.streams[id]
	delete(t.streams, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *streamTable) stopAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.streams))
	for id, cancel := range t.streams {
		cancels = append(cancels, cancel)
		delete(t.streams, id)
	}
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// StartLogStream follows an app's log, emitting each new line until the
// stream is stopped. Like GetLogs it prefers journald and falls back to
// the app's log file. streamID equals the originating command id; a
// second stream for the same id is rejected.
func (e *Executor) StartLogStream(ctx context.Context, appName, streamID string, emit LineFunc, status StatusFunc) error {
	if !appNameRE.MatchString(appName) {
		return types.E(types.KindValidation, "invalid app name %q", appName)
	}

	service := appName
	if meta, err := e.readMetadata(appName); err == nil && meta.Service != "" {
		service = meta.Service
	}

	// A unit that journald knows about answers this probe even with an
	// empty journal.
	journald := false
	if _, err := e.run(ctx, "journalctl", "-u", service, "-n", "1", "--no-pager", "-o", "cat"); err == nil {
		journald = true
	}

	var path string
	if !journald {
		for _, candidate := range e.logFileCandidates(appName) {
			if _, err := e.paths.ValidatePath(candidate); err != nil {
				continue
			}
			if fileExists(candidate) {
				path = candidate
				break
			}
		}
		if path == "" {
			return types.E(types.KindNotFound, "no journald unit or log file to stream for %s", appName)
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if !e.streams.add(streamID, cancel) {
		cancel()
		return types.E(types.KindConflict, "stream %s already active", streamID)
	}

	go func() {
		defer e.streams.remove(streamID)
		status(streamID, types.StreamStarted, "")
		var err error
		if journald {
			err = e.followJournal(streamCtx, service, streamID, emit)
		} else {
			err = followFile(streamCtx, path, streamID, emit)
		}
		if err != nil && streamCtx.Err() == nil {
			status(streamID, types.StreamError, err.Error())
			return
		}
		status(streamID, types.StreamStopped, "")
	}()
	return nil
}

// followJournal reads a live journald feed line by line.
func (e *Executor) followJournal(ctx context.Context, service, streamID string, emit LineFunc) error {
	feed, err := e.journal(ctx, service)
	if err != nil {
		return err
	}
	defer feed.Close()

	scanner := bufio.NewScanner(feed)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		emit(streamID, scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// journalFollow runs journalctl -f for a unit, starting at the journal
// tail. Context cancellation kills the process.
func journalFollow(ctx context.Context, service string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "journalctl", "-u", service, "-f", "-n", "0", "--no-pager", "-o", "cat")
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &journalFeed{ReadCloser: pipe, cmd: cmd}, nil
}

type journalFeed struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (f *journalFeed) Close() error {
	err := f.ReadCloser.Close()
	f.cmd.Wait()
	return err
}

// StopLogStream cancels one stream; unknown ids are a no-op.
func (e *Executor) StopLogStream(streamID string) {
	e.streams.stop(streamID)
}

// StopAllLogStreams cancels every active stream. Called on shutdown and
// on session loss.
func (e *Executor) StopAllLogStreams() {
	e.streams.stopAll()
}

// followFile polls a file from its current end, emitting appended lines.
// Truncation (rotation) resets to the new end.
func followFile(ctx context.Context, path, streamID string, emit LineFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(followPollEvery)
	defer ticker.Stop()

	var partial strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if fi.Size() < offset {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
			reader.Reset(f)
			partial.Reset()
		}

		for {
			chunk, err := reader.ReadString('\n')
			offset += int64(len(chunk))
			if err == nil {
				emit(streamID, partial.String()+strings.TrimRight(chunk, "\n"))
				partial.Reset()
				continue
			}
			partial.WriteString(chunk)
			break
		}
	}
}
