package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// gradientImage draws a horizontal gradient; its dhash has a stable,
// non-trivial bit pattern.
func gradientImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(255 * x / w)})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDHashDeterministic(t *testing.T) {
	data := encodePNG(t, gradientImage(200, 160))

	h1, err := DHash(data)
	if err != nil {
		t.Fatalf("DHash: %v", err)
	}
	h2, err := DHash(data)
	if err != nil {
		t.Fatalf("DHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same bytes hashed differently: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(h1))
	}
}

func TestDHashSurvivesResize(t *testing.T) {
	big := DHashImage(gradientImage(400, 320))
	small := DHashImage(gradientImage(100, 80))

	if d := HammingDistance(big, small); d > 5 {
		t.Errorf("resized image drifted %d bits, want <= 5", d)
	}
}

func TestDHashDistinguishesContent(t *testing.T) {
	gradient := DHashImage(gradientImage(200, 160))

	flat := image.NewGray(image.Rect(0, 0, 200, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 200; x++ {
			flat.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	flatHash := DHashImage(flat)

	if gradient == flatHash {
		t.Error("different content produced identical hashes")
	}
}

func TestDHashRejectsGarbage(t *testing.T) {
	if _, err := DHash([]byte("not an image")); err == nil {
		t.Error("expected decode error for non-image bytes")
	}
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0000000000000000", "0000000000000000", 0},
		{"0000000000000000", "0000000000000001", 1},
		{"0000000000000000", "ffffffffffffffff", 64},
		{"00000000000000ff", "0000000000000000", 8},
		{"garbage", "0000000000000000", 64},
	}
	for _, tt := range tests {
		if got := HammingDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("HammingDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
