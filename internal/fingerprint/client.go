// Package fingerprint talks to the face-embedding server and prepares images for it.
package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

const defaultEmbeddingURL = "http://localhost:8000"

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels
	DetScore  float64   `json:"det_score"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// FaceClient computes face embeddings using the embedding server.
// It implements recognition.Extractor.
type FaceClient struct {
	baseURL      string
	dim          int
	maxImageSize int
	client       *http.Client
}

// NewFaceClient creates a new face client. dim is the expected embedding length (0
// accepts any), maxImageSize bounds the longest image side sent to the server.
func NewFaceClient(baseURL string, dim, maxImageSize int) *FaceClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	if maxImageSize <= 0 {
		maxImageSize = constants.MaxImageSize
	}
	return &FaceClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		dim:          dim,
		maxImageSize: maxImageSize,
		client:       &http.Client{},
	}
}

// postMultipartImage posts the image as the "file" part of a multipart form.
func (c *FaceClient) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
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
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// ComputeFaceEmbeddings detects faces and computes their embeddings. imageData is sent as is.
func (c *FaceClient) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &faceResp, nil
}

// ExtractFaces prepares the image, asks the server for face embeddings and returns them
// in detection order with boxes relative to the image size.
func (c *FaceClient) ExtractFaces(ctx context.Context, image []byte) ([]recognition.Face, error) {
	prepared, err := PrepareImage(image, c.maxImageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recognition.ErrExtractionFault, err)
	}

	resp, err := c.ComputeFaceEmbeddings(ctx, prepared.Data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", recognition.ErrExtractionFault, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", recognition.ErrExtractionFault, err)
	}
	if len(resp.Faces) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}

	faces := make([]recognition.Face, 0, len(resp.Faces))
	for i, det := range resp.Faces {
		if len(det.Embedding) == 0 {
			return nil, fmt.Errorf("%w: face %d has an empty embedding", recognition.ErrExtractionFault, i)
		}
		if c.dim > 0 && len(det.Embedding) != c.dim {
			return nil, fmt.Errorf("%w: face %d has dimension %d, expected %d",
				recognition.ErrExtractionFault, i, len(det.Embedding), c.dim)
		}
		var box []float64
		if len(det.BBox) == 4 {
			box = facematch.RelativeBox(det.BBox, prepared.Width, prepared.Height)
		}
		faces = append(faces, recognition.Face{Embedding: det.Embedding, Box: box, Score: det.DetScore})
	}
	return faces, nil
}

// Health checks that the embedding server answers.
func (c *FaceClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
