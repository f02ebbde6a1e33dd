package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andresmejia3/facefind/internal/imageio"
	"github.com/andresmejia3/facefind/internal/types"
)

// CompreFace implements Detector and Embedder on top of a CompreFace detection service.
// POST /api/v1/detection/detect returns boxes; with face_plugins=calculator it also
// returns an embedding per face.
type CompreFace struct {
	BaseURL      string
	DetectionKey string
	MinProb      float64
	Size         int
	httpClient   *http.Client
}

// NewCompreFace creates a new CompreFace client
func NewCompreFace(baseURL, detectionKey string, minProb float64, inputSize int) *CompreFace {
	return &CompreFace{
		BaseURL:      baseURL,
		DetectionKey: detectionKey,
		MinProb:      minProb,
		Size:         inputSize,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type cfBox struct {
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
	Probability float64 `json:"probability"`
}

type cfFace struct {
	Box       cfBox     `json:"box"`
	Embedding []float64 `json:"embedding"`
}

type cfDetectionResponse struct {
	Result []cfFace `json:"result"`
}

type cfErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Detect returns the faces CompreFace finds in img.
func (c *CompreFace) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	faces, err := c.detect(ctx, img, false)
	if err != nil {
		return nil, err
	}
	boxes := make([]image.Rectangle, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, image.Rect(f.Box.XMin, f.Box.YMin, f.Box.XMax, f.Box.YMax))
	}
	return boxes, nil
}

// InputSize is the edge of the square crops handed to Embed.
func (c *CompreFace) InputSize() int {
	return c.Size
}

// Embed returns the calculator embedding of the most prominent face in the crop.
func (c *CompreFace) Embed(ctx context.Context, face image.Image) (types.Embedding, error) {
	faces, err := c.detect(ctx, face, true)
	if err != nil {
		return nil, err
	}

	best := -1
	bestArea := -1
	for i, f := range faces {
		if len(f.Embedding) == 0 {
			continue
		}
		area := (f.Box.XMax - f.Box.XMin) * (f.Box.YMax - f.Box.YMin)
		if area > bestArea {
			best, bestArea = i, area
		}
	}
	if best == -1 {
		return nil, fmt.Errorf("no embedding returned for face crop")
	}
	return types.Embedding(faces[best].Embedding), nil
}

func (c *CompreFace) detect(ctx context.Context, img image.Image, withEmbedding bool) ([]cfFace, error) {
	data, err := imageio.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("det_prob_threshold", strconv.FormatFloat(c.MinProb, 'f', -1, 64))
	if withEmbedding {
		q.Set("face_plugins", "calculator")
	}
	endpoint := fmt.Sprintf("%s/api/v1/detection/detect?%s", c.BaseURL, q.Encode())

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.DetectionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// CompreFace answers "no face" with a 400 and code 28 rather than an empty list
	if resp.StatusCode == http.StatusBadRequest {
		var cfErr cfErrorResponse
		if json.Unmarshal(respBody, &cfErr) == nil && cfErr.Code == 28 {
			return nil, nil
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var detection cfDetectionResponse
	if err := json.Unmarshal(respBody, &detection); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return detection.Result, nil
}
