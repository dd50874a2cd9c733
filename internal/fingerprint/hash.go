package fingerprint

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// DHash computes a 64-bit difference hash of an image. Visually identical photos,
// including re-encoded or rescaled copies, have hashes a few bits apart.
func DHash(data []byte) (uint64, error) {
	img, _, err := DecodeImage(data)
	if err != nil {
		return 0, err
	}

	// 9 columns give 8 horizontal differences per row.
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash, nil
}

// HammingDistance counts the differing bits of two hashes.
func HammingDistance(hash1, hash2 uint64) int {
	return bits.OnesCount64(hash1 ^ hash2)
}

// Similar returns true if two hashes are within the given threshold.
func Similar(hash1, hash2 uint64, threshold int) bool {
	return HammingDistance(hash1, hash2) <= threshold
}
