// Package video is the frame plumbing around ffmpeg/ffprobe: container
// probing, lazy raw-frame decode, and encode with codec fallback.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrVideoOpen indicates the source video cannot be opened, parsed, or has
// no frames. Surfaced to the caller as an input error, never retried.
var ErrVideoOpen = errors.New("cannot open video")

// Properties describe the source video, read once and reused to size the
// output writer.
type Properties struct {
	FPS         float64 `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	TotalFrames int     `json:"total_frames"`
}

// FrameSize is the byte length of one raw RGBA frame.
func (p Properties) FrameSize() int {
	return p.Width * p.Height * 4
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe reads the video's properties with ffprobe. Containers without a
// frame count in their metadata fall back to counting packets, which is
// slower but exact.
func Probe(ctx context.Context, path string) (Properties, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return Properties{}, fmt.Errorf("%w: ffprobe not found in PATH", ErrVideoOpen)
	}

	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return Properties{}, fmt.Errorf("%w: %s: %v", ErrVideoOpen, path, err)
	}

	props, needCount, err := parseProbeOutput(out)
	if err != nil {
		return Properties{}, fmt.Errorf("%w: %s: %v", ErrVideoOpen, path, err)
	}

	if needCount {
		log.Debugf("No frame count in metadata for %s, counting packets", path)
		props.TotalFrames, err = countPackets(ctx, path)
		if err != nil {
			return Properties{}, fmt.Errorf("%w: %s: %v", ErrVideoOpen, path, err)
		}
	}
	if props.TotalFrames <= 0 {
		return Properties{}, fmt.Errorf("%w: %s: video has no frames", ErrVideoOpen, path)
	}
	return props, nil
}

// parseProbeOutput extracts properties from ffprobe JSON. The second return
// reports whether the frame count is missing and must be counted.
func parseProbeOutput(out []byte) (Properties, bool, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Properties{}, false, fmt.Errorf("ffprobe JSON parse error: %v", err)
	}
	if len(res.Streams) == 0 {
		return Properties{}, false, fmt.Errorf("no video stream found")
	}
	s := res.Streams[0]

	fps, err := parseRate(s.RFrameRate)
	if err != nil {
		return Properties{}, false, err
	}
	if s.Width <= 0 || s.Height <= 0 {
		return Properties{}, false, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	p := Properties{FPS: fps, Width: s.Width, Height: s.Height}
	if count, err := strconv.Atoi(s.NbFrames); err == nil && count > 0 {
		p.TotalFrames = count
		return p, false, nil
	}
	return p, true, nil
}

// parseRate parses an ffprobe rational like "30000/1001" or "25/1".
func parseRate(r string) (float64, error) {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		// Plain decimal rate.
		f, err := strconv.ParseFloat(r, 64)
		if err != nil || f <= 0 {
			return 0, fmt.Errorf("invalid frame rate %q", r)
		}
		return f, nil
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", r)
	}
	return n / d, nil
}

// countPackets is the slow frame-count path for containers that omit
// nb_frames in their metadata.
func countPackets(ctx context.Context, path string) (int, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("packet count failed: %v", err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %v", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream found")
	}
	return strconv.Atoi(res.Streams[0].NbReadPackets)
}
