package recognition

import (
	"context"
	"errors"
)

var (
	// ErrNoFaceDetected is returned when an image contains no detectable face.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrExtractionFault is returned when an image cannot be turned into an embedding,
	// for example a corrupt or unsupported file, or an unreachable embedding server.
	ErrExtractionFault = errors.New("embedding extraction failed")
)

// Face is one face found in an image.
type Face struct {
	Embedding []float32
	Box       []float64 // [x1, y1, x2, y2] relative to the image size, nil when unknown
	Score     float64   // detector confidence
}

// Extractor turns an image into face embeddings, in detection order.
// Implementations return ErrNoFaceDetected when the image holds no face and wrap
// other failures in ErrExtractionFault.
type Extractor interface {
	ExtractFaces(ctx context.Context, image []byte) ([]Face, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, image []byte) ([]Face, error)

// ExtractFaces calls f.
func (f ExtractorFunc) ExtractFaces(ctx context.Context, image []byte) ([]Face, error) {
	return f(ctx, image)
}
