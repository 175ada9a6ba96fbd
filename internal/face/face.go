package face

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// EncodingDim is the length of the face encoding vectors produced by the
// detection engine (dlib-style 128-d embeddings).
const EncodingDim = 128

// ErrNoFaceFound indicates that a reference image contained no detectable
// face. It is a user-correctable input error, never retried.
var ErrNoFaceFound = errors.New("no face found in image")

// Result is a single face returned by the detection engine.
type Result struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left] in pixel coordinates
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// Detector is the opaque face-encoding capability: given encoded image
// bytes (JPEG, PNG, ...), return every face with its location and encoding.
// Implementations must be deterministic for identical input bytes.
type Detector interface {
	Detect(ctx context.Context, imageData []byte) ([]Result, error)
}

// Reference holds the single encoding a scan matches frames against.
// Immutable for the lifetime of one scan.
type Reference struct {
	Encoding []float64
}

// NewReference builds the reference encoding from one still image.
// Zero faces is an error (ErrNoFaceFound). When the detector reports more
// than one face, the first encoding is used; this mirrors the behavior of
// the upstream encoder libraries and is intentionally not an error.
func NewReference(ctx context.Context, det Detector, imageData []byte) (*Reference, error) {
	results, err := det.Detect(ctx, imageData)
	if err != nil {
		return nil, fmt.Errorf("encoding reference image: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoFaceFound
	}

	enc := make([]float64, len(results[0].Vec))
	copy(enc, results[0].Vec)
	return &Reference{Encoding: enc}, nil
}

// Distance returns the Euclidean distance between two encodings. Vectors of
// mismatched length compare over the shorter prefix; an empty vector is
// maximally distant so it can never satisfy a tolerance in [0, 1].
func Distance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
