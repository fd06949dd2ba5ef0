package onnx

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/kozaktomas/recall/internal/faceengine"
)

const (
	// DetectorInputSize is the square input side of the YOLO face detector.
	DetectorInputSize = 640
	// DetectorAnchors is the number of candidate boxes the detector emits.
	DetectorAnchors = 8400
	// EmbedderInputSize is the square face crop side expected by ArcFace.
	EmbedderInputSize = 112

	candidateScore = 0.25
	nmsIoU         = 0.45
	cropMargin     = 0.1
)

// fillCHW writes img into dst in planar RGB order, mapping each 0-255 sample
// to (v - offset) / scale. dst must hold 3*w*h values.
func fillCHW(dst []float32, img *image.NRGBA, offset, scale float32) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4 : x*4+3 : x*4+3]
			dst[i] = (float32(p[0]) - offset) / scale
			dst[plane+i] = (float32(p[1]) - offset) / scale
			dst[2*plane+i] = (float32(p[2]) - offset) / scale
		}
	}
}

// decodeDetections converts a [1, 5, anchors] YOLO output (cx, cy, w, h in
// detector input pixels, then confidence) into boxes in the original frame.
func decodeDetections(preds []float32, anchors, origW, origH int, minScore float64) []faceengine.FaceDetection {
	if len(preds) < 5*anchors {
		return nil
	}
	scaleX := float64(origW) / DetectorInputSize
	scaleY := float64(origH) / DetectorInputSize

	var dets []faceengine.FaceDetection
	for i := 0; i < anchors; i++ {
		score := float64(preds[4*anchors+i])
		if score < minScore {
			continue
		}
		cx := float64(preds[i])
		cy := float64(preds[anchors+i])
		w := float64(preds[2*anchors+i])
		h := float64(preds[3*anchors+i])

		box := faceengine.BBox{
			max(0, (cx-w/2)*scaleX),
			max(0, (cy-h/2)*scaleY),
			min(float64(origW), (cx+w/2)*scaleX),
			min(float64(origH), (cy+h/2)*scaleY),
		}
		if box.Area() <= 0 {
			continue
		}
		dets = append(dets, faceengine.FaceDetection{BBox: box, DetScore: score})
	}
	return dets
}

// cropRect expands box by cropMargin on every side and clamps it to bounds.
func cropRect(box faceengine.BBox, bounds image.Rectangle) image.Rectangle {
	mx := box.Width() * cropMargin
	my := box.Height() * cropMargin
	r := image.Rect(
		int(math.Floor(box[0]-mx)),
		int(math.Floor(box[1]-my)),
		int(math.Ceil(box[2]+mx)),
		int(math.Ceil(box[3]+my)),
	)
	return r.Intersect(bounds)
}

// faceCrop cuts the face out of img and resizes it to the embedder input.
func faceCrop(img image.Image, box faceengine.BBox) *image.NRGBA {
	r := cropRect(box, img.Bounds())
	return imaging.Resize(imaging.Crop(img, r), EmbedderInputSize, EmbedderInputSize, imaging.Linear)
}

// l2Normalize scales v in place to unit length. Zero vectors are left as is.
func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
