package faceengine

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestIsUsableImage(t *testing.T) {
	tests := []struct {
		name     string
		img      image.Image
		expected bool
	}{
		{"nil", nil, false},
		{"zero area", image.NewNRGBA(image.Rect(0, 0, 0, 0)), false},
		{"grayscale", image.NewGray(image.Rect(0, 0, 10, 10)), false},
		{"gray16", image.NewGray16(image.Rect(0, 0, 10, 10)), false},
		{"alpha only", image.NewAlpha(image.Rect(0, 0, 10, 10)), false},
		{"rgba", image.NewRGBA(image.Rect(0, 0, 10, 10)), true},
		{"nrgba", image.NewNRGBA(image.Rect(0, 0, 10, 10)), true},
		{"ycbcr", image.NewYCbCr(image.Rect(0, 0, 10, 10), image.YCbCrSubsampleRatio420), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUsableImage(tt.img); got != tt.expected {
				t.Errorf("IsUsableImage() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecodeImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	img, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage() error: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Errorf("Expected 8x6 image, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestDecodeImage_Invalid(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("definitely not an image")} {
		_, err := DecodeImage(data)
		if !errors.Is(err, ErrInvalidImage) {
			t.Errorf("Expected ErrInvalidImage for %q, got %v", data, err)
		}
	}
}

func TestEqualizeLuminance_StretchesLowContrast(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			v := uint8(100 + x) // narrow band 100..119
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}

	out := EqualizeLuminance(img)

	if out.Bounds() != img.Bounds() {
		t.Fatalf("Expected bounds %v, got %v", img.Bounds(), out.Bounds())
	}

	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(out.Pix); i += 4 {
		r, g, b, a := out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3]
		lo = min(lo, r)
		hi = max(hi, r)
		if absDiff(r, g) > 2 || absDiff(r, b) > 2 {
			t.Fatalf("Expected neutral gray to stay neutral, got (%d,%d,%d)", r, g, b)
		}
		if a != 255 {
			t.Fatalf("Expected alpha preserved, got %d", a)
		}
	}
	if lo > 40 || hi < 220 {
		t.Errorf("Expected stretched range, got [%d, %d]", lo, hi)
	}
}

func TestEqualizeLuminance_UniformImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 120, 80, 60, 255
	}

	out := EqualizeLuminance(img)

	if !bytes.Equal(out.Pix, img.Pix) {
		t.Error("Expected uniform image to be returned unchanged")
	}
}

func TestLabRoundTrip(t *testing.T) {
	colors := [][3]uint8{{0, 0, 0}, {255, 255, 255}, {200, 150, 120}, {30, 90, 200}}
	for _, c := range colors {
		l, a, b := rgbToLab(c[0], c[1], c[2])
		r, g, bl := labToRGB(l, a, b)
		if absDiff(r, c[0]) > 1 || absDiff(g, c[1]) > 1 || absDiff(bl, c[2]) > 1 {
			t.Errorf("Round trip of %v gave (%d,%d,%d)", c, r, g, bl)
		}
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
