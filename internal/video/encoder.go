package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrEncodingFailed indicates the output video could not be produced with
// any of the configured codecs. Fatal for the invocation.
var ErrEncodingFailed = errors.New("output encoding failed")

// Codec is one encoder configuration. Candidates are tried strictly in
// order rather than as failure-driven retries.
type Codec struct {
	Name string
	Args []string
}

// DefaultCodecs is the ordered fallback list: H.264 for browser playback,
// then the near-universally available mpeg4.
var DefaultCodecs = []Codec{
	{
		Name: "libx264",
		Args: []string{
			"-c:v", "libx264",
			"-preset", "superfast",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			// Fast-start so the result can play in a browser before the
			// download completes.
			"-movflags", "+faststart",
		},
	},
	{
		Name: "mpeg4",
		Args: []string{
			"-c:v", "mpeg4",
			"-q:v", "5",
			"-pix_fmt", "yuv420p",
		},
	},
}

// SelectCodec returns the first codec from candidates that the local ffmpeg
// can actually encode with, verified by a one-frame encode to a null sink.
// The probe runs before any real frame is written because the raw input
// stream cannot be replayed after a mid-stream codec failure.
func SelectCodec(ctx context.Context, candidates []Codec) (Codec, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return Codec{}, fmt.Errorf("%w: ffmpeg not found in PATH", ErrEncodingFailed)
	}
	for _, c := range candidates {
		args := []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "lavfi", "-i", "color=c=black:s=64x64:r=1",
			"-frames:v", "1",
		}
		args = append(args, c.Args...)
		args = append(args, "-f", "null", "-")
		if err := exec.CommandContext(ctx, "ffmpeg", args...).Run(); err != nil {
			log.Warnf("Codec %s unavailable, trying next: %v", c.Name, err)
			continue
		}
		return c, nil
	}
	return Codec{}, fmt.Errorf("%w: no usable codec among %d candidates", ErrEncodingFailed, len(candidates))
}

// OutputName generates a collision-free output filename so concurrent scans
// can share one output directory.
func OutputName(now time.Time) string {
	return fmt.Sprintf("output_%s_%s.mp4", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// encodeArgs builds the full ffmpeg argument list for a raw-RGBA stdin
// encode at the source's frame rate and resolution.
func encodeArgs(path string, props Properties, codec Codec) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", props.Width, props.Height),
		"-framerate", fmt.Sprintf("%g", props.FPS),
		"-i", "-",
	}
	args = append(args, codec.Args...)
	args = append(args, "-y", path)
	return args
}

// Writer encodes raw RGBA frames into one output video file via an ffmpeg
// child process.
type Writer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	path   string
	closed bool
}

// NewWriter starts the encoder for the given path with an already selected
// codec. The caller must Close the writer on every exit path.
func NewWriter(ctx context.Context, path string, props Properties, codec Codec) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %v", ErrEncodingFailed, err)
	}

	w := &Writer{path: path}
	w.cmd = exec.CommandContext(ctx, "ffmpeg", encodeArgs(path, props, codec)...)
	w.cmd.Stderr = &w.stderr

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create encode pipe: %v", ErrEncodingFailed, err)
	}
	w.stdin = stdin

	if err := w.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start encoder (%s): %v", ErrEncodingFailed, codec.Name, err)
	}
	log.Debugf("Encoder started: %s -> %s", codec.Name, path)
	return w, nil
}

// Path returns the output file path.
func (w *Writer) Path() string { return w.path }

// Write appends one raw RGBA frame, in input order.
func (w *Writer) Write(frame []byte) error {
	if _, err := w.stdin.Write(frame); err != nil {
		return fmt.Errorf("%w: write frame: %v (%s)", ErrEncodingFailed, err, tail(w.stderr.String()))
	}
	return nil
}

// Close flushes the stream and waits for the encoder to finalize the file.
// Idempotent, so it can sit in a defer and still be called explicitly to
// check the final error.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: encoder exit: %v (%s)", ErrEncodingFailed, err, tail(w.stderr.String()))
	}
	return nil
}

// Discard closes the writer and removes the (incomplete) output file. Used
// when the scan fails partway so no truncated file is left looking valid.
func (w *Writer) Discard() {
	w.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove incomplete output %s: %v", w.path, err)
	}
}
