package imaging

import (
	"bytes"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// DHash computes a 64-bit difference hash of the image bytes, returned
// as 16 hex characters. Visually identical pages (including re-encodes
// and mild resizes) hash to the same or near-same value, which is how
// duplicate page uploads are caught.
func DHash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return DHashImage(img), nil
}

// DHashImage computes the hash for an already-decoded image.
func DHashImage(img image.Image) string {
	// 9x8 grayscale downscale; each bit compares a pixel with its
	// right neighbor.
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	xdraw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.GrayAt(x, y).Y
			right := small.GrayAt(x+1, y).Y
			hash <<= 1
			if left > right {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash)
}

// HammingDistance counts differing bits between two hex hashes. An
// error or malformed hash counts as maximally distant.
func HammingDistance(a, b string) int {
	var ha, hb uint64
	if _, err := fmt.Sscanf(a, "%016x", &ha); err != nil {
		return 64
	}
	if _, err := fmt.Sscanf(b, "%016x", &hb); err != nil {
		return 64
	}
	diff := ha ^ hb
	count := 0
	for diff != 0 {
		diff &= diff - 1
		count++
	}
	return count
}
