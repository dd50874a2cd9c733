package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Serialized record layout, little endian:
//
//	magic "FEMB" | version uint8 | count uint32 | dim uint32 | count*dim float32
const (
	recordMagic   = "FEMB"
	recordVersion = 1
	headerSize    = len(recordMagic) + 1 + 4 + 4
)

var errMalformedRecord = errors.New("malformed embedding record")

// EncodeVectors serializes a vector set. All vectors must share one dimension.
func EncodeVectors(vectors [][]float32) ([]byte, error) {
	if len(vectors) == 0 {
		return nil, ErrNoVectors
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", ErrNoVectors)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	if uint64(len(vectors)) > math.MaxUint32 || uint64(dim) > math.MaxUint32 {
		return nil, errors.New("vector set too large")
	}

	buf := make([]byte, headerSize+len(vectors)*dim*4)
	copy(buf, recordMagic)
	buf[len(recordMagic)] = recordVersion
	binary.LittleEndian.PutUint32(buf[len(recordMagic)+1:], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[len(recordMagic)+5:], uint32(dim))

	off := headerSize
	for _, v := range vectors {
		for _, f := range v {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	return buf, nil
}

// DecodeVectors parses a serialized vector set.
func DecodeVectors(data []byte) ([][]float32, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", errMalformedRecord, len(data))
	}
	if string(data[:len(recordMagic)]) != recordMagic {
		return nil, fmt.Errorf("%w: bad magic", errMalformedRecord)
	}
	if v := data[len(recordMagic)]; v != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errMalformedRecord, v)
	}
	count := binary.LittleEndian.Uint32(data[len(recordMagic)+1:])
	dim := binary.LittleEndian.Uint32(data[len(recordMagic)+5:])

	// The header is checked against the payload before anything is allocated.
	payload := uint64(len(data) - headerSize)
	if count > 0 && (dim == 0 || uint64(count) > payload/(4*uint64(dim))) ||
		uint64(count)*uint64(dim)*4 != payload {
		return nil, fmt.Errorf("%w: header says %d vectors of %d floats, payload is %d bytes",
			errMalformedRecord, count, dim, payload)
	}

	vectors := make([][]float32, count)
	off := headerSize
	for i := range vectors {
		v := make([]float32, int(dim))
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = v
	}
	return vectors, nil
}

// ClassifyBlob decodes raw record bytes and reports their status. Zero-length data
// is empty, undecodable data is corrupt, a decodable record without vectors is empty.
func ClassifyBlob(data []byte) ([][]float32, RecordStatus, error) {
	if len(data) == 0 {
		return nil, StatusEmpty, nil
	}
	vectors, err := DecodeVectors(data)
	if err != nil {
		return nil, StatusCorrupt, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, StatusEmpty, nil
	}
	return vectors, StatusOK, nil
}
