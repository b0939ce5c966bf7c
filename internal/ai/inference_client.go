package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

// InferenceClient talks to a model-serving sidecar over HTTP. One client
// implements every analyzer capability.
type InferenceClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewInferenceClient(baseURL string) *InferenceClient {
	return &InferenceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type imagePayload struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Faces []models.BoundingBox `json:"faces"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

type vadRequest struct {
	Samples    string `json:"samples"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *InferenceClient) DetectFaces(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
	payload, err := encodeImage(img)
	if err != nil {
		return nil, err
	}
	var resp detectResponse
	if err := c.post(ctx, "/v1/faces/detect", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

func (c *InferenceClient) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	payload, err := encodeImage(face)
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := c.post(ctx, "/v1/faces/embed", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: embedding has %d values, want %d", ErrMalformedOutput, len(resp.Embedding), EmbeddingDim)
	}
	return resp.Embedding, nil
}

func (c *InferenceClient) ExtractText(ctx context.Context, img image.Image) (string, error) {
	payload, err := encodeImage(img)
	if err != nil {
		return "", err
	}
	var resp ocrResponse
	if err := c.post(ctx, "/v1/ocr", payload, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *InferenceClient) DetectVoice(ctx context.Context, chunk *models.AudioChunk) (VoiceActivity, error) {
	buf := make([]byte, 4*len(chunk.Samples))
	for i, s := range chunk.Samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	req := vadRequest{
		Samples:    base64.StdEncoding.EncodeToString(buf),
		Encoding:   "f32le",
		SampleRate: chunk.SampleRate,
	}
	var resp VoiceActivity
	if err := c.post(ctx, "/v1/vad", req, &resp); err != nil {
		return VoiceActivity{}, err
	}
	return resp, nil
}

func (c *InferenceClient) EstimateGaze(ctx context.Context, img image.Image) (Gaze, error) {
	payload, err := encodeImage(img)
	if err != nil {
		return Gaze{}, err
	}
	var resp Gaze
	if err := c.post(ctx, "/v1/gaze", payload, &resp); err != nil {
		return Gaze{}, err
	}
	if resp.Direction == "" {
		return Gaze{}, fmt.Errorf("%w: gaze direction missing", ErrMalformedOutput)
	}
	return resp, nil
}

// Warmup checks the sidecar health endpoint.
func (c *InferenceClient) Warmup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *InferenceClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("inference %s: %s", path, e.Error)
		}
		return fmt.Errorf("inference %s: status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedOutput, path, err)
	}
	return nil
}

func encodeImage(img image.Image) (imagePayload, error) {
	if img == nil || img.Bounds().Empty() {
		return imagePayload{}, ErrUnsupportedImage
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return imagePayload{}, fmt.Errorf("failed to encode image: %w", err)
	}
	return imagePayload{Image: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}
