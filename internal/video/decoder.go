package video

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Decoder streams raw RGBA frames from an ffmpeg child process, one frame
// per Next call. Forward-only; restart by constructing a new Decoder.
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	frameSize int
	done      bool
}

// NewDecoder opens the video and starts the decode pipe.
func NewDecoder(ctx context.Context, path string, props Properties) (*Decoder, error) {
	d := &Decoder{frameSize: props.FrameSize()}

	d.cmd = exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	d.cmd.Stderr = &d.stderr

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create decode pipe: %v", ErrVideoOpen, err)
	}
	d.stdout = stdout

	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start decoder: %v", ErrVideoOpen, err)
	}
	return d, nil
}

// Next fills buf (len == Properties.FrameSize()) with the next frame.
// Returns io.EOF once the stream is exhausted.
func (d *Decoder) Next(buf []byte) error {
	if d.done {
		return io.EOF
	}
	if len(buf) != d.frameSize {
		return fmt.Errorf("video: frame buffer is %d bytes, want %d", len(buf), d.frameSize)
	}
	_, err := io.ReadFull(d.stdout, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		d.done = true
		return io.EOF
	}
	return err
}

// Close reaps the decoder process. Must be called on every exit path; a
// leaked decoder holds a pipe descriptor and a zombie ffmpeg.
func (d *Decoder) Close() error {
	d.stdout.Close()
	if err := d.cmd.Wait(); err != nil {
		// A non-zero exit after we already read EOF usually means we closed
		// the pipe early; keep the stderr tail for diagnosis.
		return fmt.Errorf("video: decoder exit: %v (%s)", err, tail(d.stderr.String()))
	}
	return nil
}

// tail trims ffmpeg stderr to its last few hundred bytes for error messages.
func tail(s string) string {
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
