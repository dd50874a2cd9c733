// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Recognition sentinels returned in place of an identity label.
const (
	IdentityUnknown        = "unknown_person"
	IdentityNoPersonsFound = "no_persons_found"
	IdentityEncodingError  = "encoding_error"
	IdentityCorruptedStore = "corrupted_store"
	IdentityInternalError  = "internal_error"
)

// Face matching constants
const (
	// DefaultTolerance is the default maximum Euclidean distance between two face
	// embeddings for them to count as the same person. Lower values = stricter matching.
	DefaultTolerance = 0.6

	// ConfidenceDecimals is the number of decimal digits kept in a reported confidence
	ConfidenceDecimals = 4

	// IndexCandidates is the number of nearest labels taken from the HNSW index
	// for exact rescoring
	IndexCandidates = 16

	// DuplicateFaceIoU is the overlap above which two detected faces count as one
	DuplicateFaceIoU = 0.8
)

// Processing constants
const (
	// WorkerPoolSize is the default number of parallel recognition workers
	WorkerPoolSize = 4

	// MaxImageSize is the maximum dimension (width or height) sent to the embedding server
	MaxImageSize = 1920

	// BatchConcurrency is the number of images registered in parallel by batch registration
	BatchConcurrency = 4

	// DuplicateImageDistance is the largest dHash Hamming distance at which two batch
	// images are reported as the same photo
	DuplicateImageDistance = 4
)
