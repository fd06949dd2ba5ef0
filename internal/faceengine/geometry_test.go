package faceengine

import (
	"math"
	"testing"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a        BBox
		b        BBox
		expected float64
	}{
		{
			name:     "identical boxes",
			a:        BBox{0, 0, 10, 10},
			b:        BBox{0, 0, 10, 10},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			a:        BBox{0, 0, 10, 10},
			b:        BBox{20, 20, 30, 30},
			expected: 0.0,
		},
		{
			name:     "touching edges",
			a:        BBox{0, 0, 10, 10},
			b:        BBox{10, 0, 20, 10},
			expected: 0.0,
		},
		{
			name:     "half overlap",
			a:        BBox{0, 0, 10, 10},
			b:        BBox{5, 0, 15, 10},
			expected: 50.0 / 150.0,
		},
		{
			name:     "contained box",
			a:        BBox{0, 0, 10, 10},
			b:        BBox{2, 2, 7, 7},
			expected: 25.0 / 100.0,
		},
		{
			name:     "degenerate boxes",
			a:        BBox{5, 5, 5, 5},
			b:        BBox{5, 5, 5, 5},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IoU(tt.a, tt.b)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("IoU() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestBBox_Area(t *testing.T) {
	tests := []struct {
		name     string
		box      BBox
		expected float64
	}{
		{"regular", BBox{10, 20, 30, 60}, 800},
		{"empty", BBox{10, 10, 10, 10}, 0},
		{"inverted", BBox{30, 60, 10, 20}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.Area(); got != tt.expected {
				t.Errorf("Area() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLargestFace(t *testing.T) {
	tests := []struct {
		name     string
		faces    []FaceDetection
		expected int
		ok       bool
	}{
		{
			name: "empty",
			ok:   false,
		},
		{
			name:     "single",
			faces:    []FaceDetection{{BBox: BBox{0, 0, 5, 5}}},
			expected: 0,
			ok:       true,
		},
		{
			name: "largest wins regardless of score",
			faces: []FaceDetection{
				{BBox: BBox{0, 0, 10, 10}, DetScore: 0.99},
				{BBox: BBox{0, 0, 40, 40}, DetScore: 0.6},
				{BBox: BBox{0, 0, 20, 20}, DetScore: 0.9},
			},
			expected: 1,
			ok:       true,
		},
		{
			name: "tie keeps first",
			faces: []FaceDetection{
				{BBox: BBox{0, 0, 10, 10}},
				{BBox: BBox{50, 50, 60, 60}},
			},
			expected: 0,
			ok:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := LargestFace(tt.faces)
			if ok != tt.ok {
				t.Fatalf("LargestFace() ok = %v, want %v", ok, tt.ok)
			}
			if ok && idx != tt.expected {
				t.Errorf("LargestFace() = %d, want %d", idx, tt.expected)
			}
		})
	}
}

func TestSuppressOverlaps(t *testing.T) {
	faces := []FaceDetection{
		{BBox: BBox{0, 0, 10, 10}, DetScore: 0.7},
		{BBox: BBox{1, 1, 11, 11}, DetScore: 0.9},
		{BBox: BBox{100, 100, 110, 110}, DetScore: 0.8},
	}

	kept := SuppressOverlaps(faces, 0.45)

	if len(kept) != 2 {
		t.Fatalf("Expected 2 detections after suppression, got %d", len(kept))
	}
	if kept[0].DetScore != 0.9 {
		t.Errorf("Expected strongest overlapping box to survive, got score %v", kept[0].DetScore)
	}
	if kept[1].DetScore != 0.8 {
		t.Errorf("Expected disjoint box to survive, got score %v", kept[1].DetScore)
	}
	if faces[0].DetScore != 0.7 {
		t.Error("Expected input slice to be left untouched")
	}
}
