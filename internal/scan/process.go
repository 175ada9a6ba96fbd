package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"facefind/internal/face"
	"facefind/internal/video"
)

// Options configure one end-to-end detection run.
type Options struct {
	// PersonImagePath is the reference photo of the person to find.
	PersonImagePath string
	// VideoPath is the video to search through.
	VideoPath string
	// OutputDir receives the annotated output video.
	OutputDir string

	Params   Params
	Detector face.Detector

	// OnProps is called once after probing, before the first frame.
	OnProps func(video.Properties)
	// Progress is called once per processed frame.
	Progress func(frame int)
}

// Process runs the whole pipeline: probe the video, build the reference
// encoding, pick a codec, then stream frames decoder to encoder through the
// scanner. On any failure the partial output file is removed.
func Process(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}

	imgData, err := os.ReadFile(opts.PersonImagePath)
	if err != nil {
		return nil, fmt.Errorf("read person image: %w", err)
	}
	ref, err := face.NewReference(ctx, opts.Detector, imgData)
	if err != nil {
		return nil, err
	}
	log.Debugf("Reference encoding built from %s", opts.PersonImagePath)

	props, err := video.Probe(ctx, opts.VideoPath)
	if err != nil {
		return nil, err
	}
	log.Infof("Scanning %s: %dx%d, %.2f fps, %d frames",
		opts.VideoPath, props.Width, props.Height, props.FPS, props.TotalFrames)
	if opts.OnProps != nil {
		opts.OnProps(props)
	}

	codec, err := video.SelectCodec(ctx, video.DefaultCodecs)
	if err != nil {
		return nil, err
	}

	dec, err := video.NewDecoder(ctx, opts.VideoPath, props)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	outPath := filepath.Join(opts.OutputDir, video.OutputName(time.Now()))
	w, err := video.NewWriter(ctx, outPath, props, codec)
	if err != nil {
		return nil, err
	}

	s := &Scanner{Detector: opts.Detector, Progress: opts.Progress}
	summary, err := s.Run(ctx, ref, dec, w, props, opts.Params)
	if err != nil {
		w.Discard()
		return nil, err
	}
	if err := w.Close(); err != nil {
		w.Discard()
		return nil, err
	}

	summary.OutputPath = outPath
	summary.Reference = ref.Encoding
	log.Infof("Scan complete: person found in %d of %d frames, output %s",
		summary.DetectedFrames, summary.TotalFrames, outPath)
	return summary, nil
}
