package faceengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/disintegration/imaging"
)

const defaultEmbeddingURL = "http://localhost:8000"

// HTTPAdapter detects and embeds faces through an InsightFace-style embedding
// server exposing POST /embed/face.
type HTTPAdapter struct {
	baseURL      string
	profile      Profile
	maxImageSide int
	client       *http.Client
}

// NewHTTPAdapter creates an adapter for the embedding server at baseURL.
// Frames whose longest side exceeds maxImageSide are downscaled before upload;
// zero disables downscaling.
func NewHTTPAdapter(baseURL string, profile Profile, maxImageSide int) *HTTPAdapter {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &HTTPAdapter{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		profile:      profile,
		maxImageSide: maxImageSide,
		client:       &http.Client{},
	}
}

// Profile returns the model profile this adapter was configured with.
func (c *HTTPAdapter) Profile() Profile {
	return c.profile
}

// faceDetection represents a single detected face as returned by the server
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// faceResponse represents the response from the face embedding endpoint
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Detect uploads the frame and converts the server's detections back into
// the frame's coordinate space.
func (c *HTTPAdapter) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	if !IsUsableImage(img) {
		return []FaceDetection{}, nil
	}

	bounds := img.Bounds()
	frame := img
	scale := 1.0
	if longest := max(bounds.Dx(), bounds.Dy()); c.maxImageSide > 0 && longest > c.maxImageSide {
		frame = imaging.Fit(img, c.maxImageSide, c.maxImageSide, imaging.Linear)
		scale = float64(bounds.Dx()) / float64(frame.Bounds().Dx())
	}

	data, err := encodeJPEG(frame)
	if err != nil {
		return nil, err
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrModelUnavailable, err)
	}

	faces := make([]FaceDetection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.Embedding) != c.profile.Dim {
			return nil, &DimensionMismatchError{
				Source: "model " + c.profile.Name,
				Want:   c.profile.Dim,
				Got:    len(f.Embedding),
			}
		}
		if len(f.BBox) != 4 {
			continue
		}
		box := BBox{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]}
		faces = append(faces, FaceDetection{
			BBox:      box.Scale(scale).Translate(float64(bounds.Min.X), float64(bounds.Min.Y)),
			DetScore:  f.DetScore,
			Embedding: f.Embedding,
		})
	}
	return faces, nil
}

// postMultipartImage constructs a multipart form with the image data and posts it to the given endpoint.
func (c *HTTPAdapter) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
