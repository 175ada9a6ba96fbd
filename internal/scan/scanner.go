// Package scan is the frame-scanning pipeline: it strides through a video,
// matches detected faces against one reference encoding, annotates matching
// frames, and aggregates a summary of when the person was seen.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	log "github.com/sirupsen/logrus"

	"facefind/internal/face"
	"facefind/internal/video"
)

// ErrInvalidParameter indicates tolerance or frame skip outside their
// documented ranges. Rejected before any frame work starts.
var ErrInvalidParameter = errors.New("invalid parameter")

// Parameter ranges and defaults.
const (
	DefaultTolerance = 0.6
	DefaultFrameSkip = 5
	MinFrameSkip     = 1
	MaxFrameSkip     = 20
)

// Params are the per-scan knobs.
type Params struct {
	// Tolerance is the maximum encoding distance for a match, in [0, 1].
	// Lower is stricter. A distance exactly equal to the tolerance counts
	// as a match.
	Tolerance float64
	// FrameSkip runs detection on every Nth frame, in [1, 20]. Skipped
	// frames pass through untouched; higher values trade recall for speed.
	FrameSkip int
}

// Validate fails fast on out-of-range parameters.
func (p Params) Validate() error {
	if p.Tolerance < 0.0 || p.Tolerance > 1.0 {
		return fmt.Errorf("%w: tolerance must be between 0.0 and 1.0, got %g", ErrInvalidParameter, p.Tolerance)
	}
	if p.FrameSkip < MinFrameSkip || p.FrameSkip > MaxFrameSkip {
		return fmt.Errorf("%w: frame skip must be between %d and %d, got %d", ErrInvalidParameter, MinFrameSkip, MaxFrameSkip, p.FrameSkip)
	}
	return nil
}

// Detection is one face found in a sampled frame, with its match decision
// against the reference encoding.
type Detection struct {
	Loc   []int
	Vec   []float64
	Match bool
}

// classify turns raw detector results into detections, marking each whose
// distance to the reference is within the tolerance. Boundary distances
// count as matches.
func classify(results []face.Result, ref *face.Reference, tolerance float64) []Detection {
	dets := make([]Detection, 0, len(results))
	for _, r := range results {
		dets = append(dets, Detection{
			Loc:   r.Loc,
			Vec:   r.Vec,
			Match: face.Distance(r.Vec, ref.Encoding) <= tolerance,
		})
	}
	return dets
}

// FrameSource produces raw RGBA frames, one per call, io.EOF at the end.
type FrameSource interface {
	Next(buf []byte) error
}

// FrameSink consumes frames in input order. The sink must receive every
// frame the source produced, annotated or not.
type FrameSink interface {
	Write(frame []byte) error
}

// Summary is the aggregated result of one scan. Timestamps are
// non-decreasing and hold exactly one entry per detected frame, no matter
// how many faces matched within that frame.
type Summary struct {
	TotalFrames    int       `json:"total_frames"`
	DetectedFrames int       `json:"detected_frames"`
	Timestamps     []float64 `json:"detection_timestamps"`
	OutputPath     string    `json:"output_video_path"`

	// Reference is the encoding the scan matched against. Kept out of the
	// JSON summary; persistence uses it.
	Reference []float64 `json:"-"`
}

// Scanner drives one scan: sampling, matching, annotation and aggregation.
// Frames flow through strictly in order on the calling goroutine.
type Scanner struct {
	Detector face.Detector
	// Progress, when set, is called once per frame with its index.
	Progress func(frame int)
}

// Run processes every frame from src into sink and returns the summary.
// The summary's OutputPath is left empty; callers that write to a file fill
// it in. Any error aborts the scan immediately.
func (s *Scanner) Run(ctx context.Context, ref *face.Reference, src FrameSource, sink FrameSink, props video.Properties, p Params) (*Summary, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	summary := &Summary{Timestamps: []float64{}}
	buf := make([]byte, props.FrameSize())
	var jpegBuf bytes.Buffer

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := src.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan: frame %d: %w", idx, err)
		}

		ts := float64(idx) / props.FPS

		if idx%p.FrameSkip == 0 {
			img := wrapRGBA(buf, props.Width, props.Height)

			jpegBuf.Reset()
			if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: 90}); err != nil {
				return nil, fmt.Errorf("scan: encode frame %d for detection: %w", idx, err)
			}

			results, err := s.Detector.Detect(ctx, jpegBuf.Bytes())
			if err != nil {
				return nil, fmt.Errorf("scan: detect frame %d: %w", idx, err)
			}

			matched := false
			for _, d := range classify(results, ref, p.Tolerance) {
				if d.Match {
					matched = true
					annotateMatch(img, d.Loc, ts)
					log.Debugf("Match in frame %d at %.2fs", idx, ts)
				}
			}
			// A frame counts once however many faces matched in it.
			if matched {
				summary.DetectedFrames++
				summary.Timestamps = append(summary.Timestamps, ts)
				log.Infof("Person detected in frame %d at %.2fs", idx, ts)
			}
		}

		summary.TotalFrames++
		if err := sink.Write(buf); err != nil {
			return nil, fmt.Errorf("scan: frame %d: %w", idx, err)
		}

		if s.Progress != nil {
			s.Progress(idx)
		}
		if idx > 0 && idx%500 == 0 && props.TotalFrames > 0 {
			log.Debugf("Progress: %.1f%% (%d/%d frames)", float64(idx)/float64(props.TotalFrames)*100, idx, props.TotalFrames)
		}
	}

	return summary, nil
}

// wrapRGBA views a raw frame buffer as an image without copying; pixel
// edits by the annotator land directly in the bytes the sink will encode.
func wrapRGBA(buf []byte, width, height int) *image.RGBA {
	return &image.RGBA{
		Pix:    buf,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
}
