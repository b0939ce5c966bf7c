package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

const googleVisionAPIURL = "https://vision.googleapis.com/v1/images:annotate"

// GoogleVisionClient serves face detection and screen OCR from the Google
// Vision REST API.
type GoogleVisionClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewGoogleVisionClient(apiKey string) *GoogleVisionClient {
	return &GoogleVisionClient{
		apiKey:   apiKey,
		endpoint: googleVisionAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type googleVisionRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image    imageContent  `json:"image"`
	Features []featureType `json:"features"`
}

type imageContent struct {
	Content string `json:"content"`
}

type featureType struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type googleVisionResponse struct {
	Responses []annotateResponse `json:"responses"`
	Error     *googleError       `json:"error"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type annotateResponse struct {
	TextAnnotations []textAnnotation `json:"textAnnotations"`
	FaceAnnotations []faceAnnotation `json:"faceAnnotations"`
	Error           *googleError     `json:"error"`
}

type textAnnotation struct {
	Description string `json:"description"`
	Locale      string `json:"locale"`
}

type faceAnnotation struct {
	BoundingPoly        boundingPoly `json:"boundingPoly"`
	DetectionConfidence float64      `json:"detectionConfidence"`
	PanAngle            float64      `json:"panAngle"`
	TiltAngle           float64      `json:"tiltAngle"`
}

type boundingPoly struct {
	Vertices []vertex `json:"vertices"`
}

type vertex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c *GoogleVisionClient) DetectFaces(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
	resp, err := c.annotate(ctx, img, featureType{Type: "FACE_DETECTION", MaxResults: 10})
	if err != nil {
		return nil, err
	}

	faces := make([]models.BoundingBox, 0, len(resp.FaceAnnotations))
	for _, face := range resp.FaceAnnotations {
		if len(face.BoundingPoly.Vertices) < 4 {
			continue
		}
		minX, minY := face.BoundingPoly.Vertices[0].X, face.BoundingPoly.Vertices[0].Y
		maxX, maxY := minX, minY
		for _, v := range face.BoundingPoly.Vertices {
			minX = min(minX, v.X)
			maxX = max(maxX, v.X)
			minY = min(minY, v.Y)
			maxY = max(maxY, v.Y)
		}
		faces = append(faces, models.BoundingBox{
			X:          minX,
			Y:          minY,
			Width:      maxX - minX,
			Height:     maxY - minY,
			Confidence: face.DetectionConfidence,
		})
	}
	return faces, nil
}

// ExtractText returns the full-page OCR text. Vision puts the whole text in
// the first annotation and individual words after it.
func (c *GoogleVisionClient) ExtractText(ctx context.Context, img image.Image) (string, error) {
	resp, err := c.annotate(ctx, img, featureType{Type: "TEXT_DETECTION"})
	if err != nil {
		return "", err
	}
	if len(resp.TextAnnotations) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.TextAnnotations[0].Description), nil
}

func (c *GoogleVisionClient) annotate(ctx context.Context, img image.Image, features ...featureType) (*annotateResponse, error) {
	payload, err := encodeImage(img)
	if err != nil {
		return nil, err
	}

	reqBody := googleVisionRequest{
		Requests: []imageRequest{{
			Image:    imageContent{Content: payload.Image},
			Features: features,
		}},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s?key=%s", c.endpoint, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var visionResp googleVisionResponse
	if err := json.Unmarshal(body, &visionResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if visionResp.Error != nil {
		return nil, fmt.Errorf("google vision API error: %s", visionResp.Error.Message)
	}
	if len(visionResp.Responses) == 0 {
		return nil, fmt.Errorf("%w: no response from google vision", ErrMalformedOutput)
	}

	response := visionResp.Responses[0]
	if response.Error != nil {
		return nil, fmt.Errorf("google vision API error: %s", response.Error.Message)
	}
	return &response, nil
}
