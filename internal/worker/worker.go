// Package worker runs the external face-encoding engine as a child process
// and speaks its length-prefixed pipe protocol. The engine receives encoded
// image bytes on stdin and answers on a dedicated pipe (FD 3) so that stray
// prints from the engine cannot corrupt the data stream.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"facefind/internal/face"
)

// maxResponseSize caps a single engine response. A frame full of faces is a
// few hundred KB of JSON; anything larger means a corrupted stream.
const maxResponseSize = 32 << 20

// SafeCommand wraps exec.Cmd with a buffer capturing stderr so crash logs
// from the engine survive the process and can be attached to errors.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares a command with stderr capture. It does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// CrashLog returns the captured stderr, or an empty string.
func (s *SafeCommand) CrashLog() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// Config controls how the engine process is launched.
type Config struct {
	// Command is the engine invocation, e.g. ["python3", "-u", "python/worker.py"].
	Command []string
	// ReadTimeout bounds the wait for a single response. Zero disables it.
	ReadTimeout time.Duration
}

// Worker is one engine process. It is not safe for concurrent use; each
// pipeline invocation owns its own Worker. Stdin and DataPipe are exported
// so protocol tests can substitute in-memory pipes.
type Worker struct {
	Cmd      *SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
}

// deadlineReader is implemented by *os.File for pipes on platforms that
// support read deadlines.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// New launches the engine process. The returned Worker must be Closed.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker: empty engine command")
	}
	cmd := NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Side-channel pipe for responses; appears as FD 3 in the child.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker: create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker: start engine: %w", err)
	}

	// Only the child may hold the write end; otherwise reads never see EOF.
	w.Close()

	return &Worker{
		Cmd:         cmd,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Detect sends one encoded image to the engine and decodes the response.
// It satisfies face.Detector.
func (w *Worker) Detect(ctx context.Context, imageData []byte) ([]face.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Request: [uint32 length][image bytes]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(imageData))); err != nil {
		return nil, fmt.Errorf("worker: write header: %w", err)
	}
	if _, err := w.Stdin.Write(imageData); err != nil {
		return nil, fmt.Errorf("worker: write frame: %w", err)
	}

	resp, err := w.readResponse()
	if err != nil {
		return nil, err
	}

	var results []face.Result
	if err := json.Unmarshal(resp, &results); err == nil {
		return results, nil
	}

	// Not a result list; the engine reports failures as {"error": "..."}.
	var engineErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp, &engineErr) == nil && engineErr.Error != "" {
		return nil, fmt.Errorf("worker: engine error: %s", engineErr.Error)
	}
	return nil, fmt.Errorf("worker: malformed engine response (%d bytes)", len(resp))
}

func (w *Worker) readResponse() ([]byte, error) {
	if dr, ok := w.DataPipe.(deadlineReader); ok && w.readTimeout > 0 {
		dr.SetReadDeadline(time.Now().Add(w.readTimeout))
		defer dr.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("worker: read header (engine dead?): %w", err)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("worker: response of %d bytes exceeds limit", respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("worker: read body: %w", err)
	}
	return body, nil
}

// Close shuts the engine down: closing stdin signals EOF, then we reap the
// process. Safe to call after a failed Detect.
func (w *Worker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
