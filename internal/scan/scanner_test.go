package scan

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"facefind/internal/face"
	"facefind/internal/video"
)

var testProps = video.Properties{FPS: 25, Width: 32, Height: 32, TotalFrames: 0}

// stubDetector returns a scripted result per detection call, in order.
// Call n corresponds to frame index n*FrameSkip.
type stubDetector struct {
	byCall map[int][]face.Result
	calls  int
	err    error
}

func (d *stubDetector) Detect(ctx context.Context, imageData []byte) ([]face.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	res := d.byCall[d.calls]
	d.calls++
	return res, nil
}

type memSource struct {
	frames int
	served int
	fill   byte
	err    error
	errAt  int
}

func (s *memSource) Next(buf []byte) error {
	if s.err != nil && s.served == s.errAt {
		return s.err
	}
	if s.served >= s.frames {
		return io.EOF
	}
	for i := range buf {
		buf[i] = s.fill
	}
	// Raw frames are RGBA, keep alpha opaque.
	for i := 3; i < len(buf); i += 4 {
		buf[i] = 0xff
	}
	s.served++
	return nil
}

type memSink struct {
	frames [][]byte
	err    error
}

func (s *memSink) Write(frame []byte) error {
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	return nil
}

func refAt(vec []float64) *face.Reference {
	return &face.Reference{Encoding: vec}
}

// result produces a face at a fixed in-frame location with the given vector.
func result(vec []float64) face.Result {
	return face.Result{Loc: []int{4, 28, 28, 4}, Vec: vec}
}

func run(t *testing.T, det *stubDetector, src *memSource, p Params) (*Summary, *memSink, error) {
	t.Helper()
	sink := &memSink{}
	s := &Scanner{Detector: det}
	sum, err := s.Run(context.Background(), refAt([]float64{0, 0}), src, sink, testProps, p)
	return sum, sink, err
}

func TestRunCountsAndPassthrough(t *testing.T) {
	det := &stubDetector{byCall: map[int][]face.Result{}}
	src := &memSource{frames: 12, fill: 0x40}
	sum, sink, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.TotalFrames != 12 {
		t.Errorf("TotalFrames = %d, want 12", sum.TotalFrames)
	}
	if sum.DetectedFrames != 0 || len(sum.Timestamps) != 0 {
		t.Errorf("Expected no detections, got %d (%v)", sum.DetectedFrames, sum.Timestamps)
	}
	if len(sink.frames) != 12 {
		t.Errorf("Sink received %d frames, want all 12", len(sink.frames))
	}
	// Frames 0, 5, 10 sampled.
	if det.calls != 3 {
		t.Errorf("Detector called %d times, want 3", det.calls)
	}
}

func TestRunStride(t *testing.T) {
	// 150 frames at skip 5: detection on indices 0, 5, ..., 145. A match
	// scripted for call 8 lands on frame 40, at 40/25 = 1.6s.
	det := &stubDetector{byCall: map[int][]face.Result{
		8: {result([]float64{0.1, 0})},
	}}
	src := &memSource{frames: 150, fill: 0x80}
	sum, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if det.calls != 30 {
		t.Errorf("Detector called %d times, want 30", det.calls)
	}
	if sum.DetectedFrames != 1 {
		t.Fatalf("DetectedFrames = %d, want 1", sum.DetectedFrames)
	}
	if math.Abs(sum.Timestamps[0]-1.6) > 1e-9 {
		t.Errorf("Timestamp = %v, want 1.6", sum.Timestamps[0])
	}
}

func TestClassify(t *testing.T) {
	ref := refAt([]float64{0, 0})
	dets := classify([]face.Result{
		{Loc: []int{1, 2, 3, 4}, Vec: []float64{0.3, 0}},
		{Loc: []int{5, 6, 7, 8}, Vec: []float64{0.6, 0}},
		{Loc: []int{9, 10, 11, 12}, Vec: []float64{0.9, 0}},
	}, ref, 0.6)

	if len(dets) != 3 {
		t.Fatalf("Expected 3 detections, got %d", len(dets))
	}
	want := []bool{true, true, false}
	for i, d := range dets {
		if d.Match != want[i] {
			t.Errorf("Detection %d: Match = %v, want %v", i, d.Match, want[i])
		}
	}
	if dets[0].Loc[3] != 4 {
		t.Error("Detection location not carried through")
	}
}

func TestRunBoundaryDistanceMatches(t *testing.T) {
	// Distance exactly equal to the tolerance counts as a match.
	det := &stubDetector{byCall: map[int][]face.Result{
		0: {result([]float64{0.6, 0})},
	}}
	src := &memSource{frames: 1, fill: 0x80}
	sum, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.DetectedFrames != 1 {
		t.Errorf("DetectedFrames = %d, want 1 at boundary distance", sum.DetectedFrames)
	}
}

func TestRunMultipleFacesCountOnce(t *testing.T) {
	det := &stubDetector{byCall: map[int][]face.Result{
		0: {result([]float64{0.1, 0}), result([]float64{0.2, 0})},
	}}
	src := &memSource{frames: 3, fill: 0x80}
	sum, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.DetectedFrames != 1 {
		t.Errorf("DetectedFrames = %d, want 1 for two matches in one frame", sum.DetectedFrames)
	}
	if len(sum.Timestamps) != 1 {
		t.Errorf("Got %d timestamps, want 1", len(sum.Timestamps))
	}
}

func TestRunSmallerSkipFindsNoFewer(t *testing.T) {
	// Matches live on frames 3 and 40. Skip 5 only samples 40; skip 1
	// samples both.
	schedule := func(skip int) map[int][]face.Result {
		m := map[int][]face.Result{}
		for _, frame := range []int{3, 40} {
			if frame%skip == 0 {
				m[frame/skip] = []face.Result{result([]float64{0.1, 0})}
			}
		}
		return m
	}

	sumFine, _, err := run(t, &stubDetector{byCall: schedule(1)}, &memSource{frames: 60, fill: 0x80}, Params{Tolerance: 0.6, FrameSkip: 1})
	if err != nil {
		t.Fatalf("Run(skip=1) failed: %v", err)
	}
	sumCoarse, _, err := run(t, &stubDetector{byCall: schedule(5)}, &memSource{frames: 60, fill: 0x80}, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("Run(skip=5) failed: %v", err)
	}

	if sumFine.DetectedFrames != 2 || sumCoarse.DetectedFrames != 1 {
		t.Errorf("DetectedFrames: skip 1 = %d (want 2), skip 5 = %d (want 1)",
			sumFine.DetectedFrames, sumCoarse.DetectedFrames)
	}
}

func TestRunZeroTolerance(t *testing.T) {
	// At tolerance 0 only an identical encoding matches.
	det := &stubDetector{byCall: map[int][]face.Result{
		0: {result([]float64{0, 0})},
		1: {result([]float64{0.001, 0})},
	}}
	src := &memSource{frames: 2, fill: 0x80}
	sum, _, err := run(t, det, src, Params{Tolerance: 0, FrameSkip: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.DetectedFrames != 1 {
		t.Errorf("DetectedFrames = %d, want exactly the identical encoding to match", sum.DetectedFrames)
	}
}

func TestRunTimestampsOrdered(t *testing.T) {
	det := &stubDetector{byCall: map[int][]face.Result{
		1: {result([]float64{0.1, 0})},
		4: {result([]float64{0.1, 0})},
		7: {result([]float64{0.1, 0})},
	}}
	src := &memSource{frames: 40, fill: 0x80}
	sum, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sum.Timestamps) != sum.DetectedFrames {
		t.Errorf("len(Timestamps) = %d, DetectedFrames = %d", len(sum.Timestamps), sum.DetectedFrames)
	}
	for i := 1; i < len(sum.Timestamps); i++ {
		if sum.Timestamps[i] < sum.Timestamps[i-1] {
			t.Errorf("Timestamps out of order: %v", sum.Timestamps)
		}
	}
}

func TestRunAnnotatesMatchedFrames(t *testing.T) {
	det := &stubDetector{byCall: map[int][]face.Result{
		0: {result([]float64{0.1, 0})},
	}}
	src := &memSource{frames: 2, fill: 0x80}
	_, sink, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Box corner (4, 4) in the matched frame is painted green.
	off := (4*testProps.Width + 4) * 4
	matched := sink.frames[0]
	if matched[off] != 0 || matched[off+1] != 255 || matched[off+2] != 0 {
		t.Errorf("Matched frame not annotated at box corner: RGB = %d,%d,%d",
			matched[off], matched[off+1], matched[off+2])
	}
	clean := sink.frames[1]
	if clean[off] != 0x80 || clean[off+1] != 0x80 {
		t.Error("Unmatched frame was modified")
	}
}

func TestRunInvalidParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"negative tolerance", Params{Tolerance: -0.1, FrameSkip: 5}},
		{"tolerance above one", Params{Tolerance: 1.5, FrameSkip: 5}},
		{"zero skip", Params{Tolerance: 0.6, FrameSkip: 0}},
		{"skip too large", Params{Tolerance: 0.6, FrameSkip: 21}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stubDetector{}
			src := &memSource{frames: 5, fill: 0x80}
			_, _, err := run(t, det, src, tt.p)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Expected ErrInvalidParameter, got %v", err)
			}
			if src.served != 0 {
				t.Error("Validation must fail before any frame is read")
			}
		})
	}
}

func TestRunSourceError(t *testing.T) {
	srcErr := errors.New("pipe broke")
	det := &stubDetector{byCall: map[int][]face.Result{}}
	src := &memSource{frames: 10, fill: 0x80, err: srcErr, errAt: 4}
	_, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 5})
	if !errors.Is(err, srcErr) {
		t.Fatalf("Expected source error to propagate, got %v", err)
	}
}

func TestRunDetectorError(t *testing.T) {
	detErr := errors.New("engine crashed")
	det := &stubDetector{err: detErr}
	src := &memSource{frames: 10, fill: 0x80}
	_, _, err := run(t, det, src, Params{Tolerance: 0.6, FrameSkip: 1})
	if !errors.Is(err, detErr) {
		t.Fatalf("Expected detector error to propagate, got %v", err)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	det := &stubDetector{byCall: map[int][]face.Result{}}
	src := &memSource{frames: 10, fill: 0x80}
	s := &Scanner{Detector: det}
	_, err := s.Run(ctx, refAt([]float64{0, 0}), src, &memSink{}, testProps, Params{Tolerance: 0.6, FrameSkip: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestRunDeterministic(t *testing.T) {
	mk := func() (*stubDetector, *memSource) {
		return &stubDetector{byCall: map[int][]face.Result{
			2: {result([]float64{0.1, 0})},
			6: {result([]float64{0.2, 0})},
		}}, &memSource{frames: 50, fill: 0x80}
	}

	d1, s1 := mk()
	sum1, _, err := run(t, d1, s1, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	d2, s2 := mk()
	sum2, _, err := run(t, d2, s2, Params{Tolerance: 0.6, FrameSkip: 5})
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if sum1.TotalFrames != sum2.TotalFrames || sum1.DetectedFrames != sum2.DetectedFrames {
		t.Errorf("Runs disagree: %+v vs %+v", sum1, sum2)
	}
	for i := range sum1.Timestamps {
		if sum1.Timestamps[i] != sum2.Timestamps[i] {
			t.Errorf("Timestamp %d differs: %v vs %v", i, sum1.Timestamps[i], sum2.Timestamps[i])
		}
	}
}
