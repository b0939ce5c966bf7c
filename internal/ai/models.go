package ai

import (
	"context"
	"errors"
	"image"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

// EmbeddingDim is the length of every face embedding.
const EmbeddingDim = 512

var (
	ErrPoolNotLoaded    = errors.New("analyzer pool not loaded")
	ErrMalformedOutput  = errors.New("malformed model output")
	ErrUnsupportedImage = errors.New("unsupported image")
)

type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]models.BoundingBox, error)
}

// FaceEmbedder maps a face crop to an EmbeddingDim vector.
type FaceEmbedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

type ScreenTextScanner interface {
	ExtractText(ctx context.Context, img image.Image) (string, error)
}

type VoiceActivityDetector interface {
	DetectVoice(ctx context.Context, chunk *models.AudioChunk) (VoiceActivity, error)
}

type GazeEstimator interface {
	EstimateGaze(ctx context.Context, img image.Image) (Gaze, error)
}

type VoiceActivity struct {
	Speaking   bool    `json:"speaking"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

const GazeCenter = "center"

type Gaze struct {
	Direction string  `json:"direction"`
	Yaw       float64 `json:"yaw"`
	Pitch     float64 `json:"pitch"`
}

// Models is the full analyzer set used by one process.
type Models struct {
	Detector FaceDetector
	Embedder FaceEmbedder
	Scanner  ScreenTextScanner
	VAD      VoiceActivityDetector
	Gaze     GazeEstimator
}

func (m *Models) validate() error {
	switch {
	case m == nil:
		return errors.New("no analyzer models")
	case m.Detector == nil:
		return errors.New("face detector missing")
	case m.Embedder == nil:
		return errors.New("face embedder missing")
	case m.Scanner == nil:
		return errors.New("screen text scanner missing")
	case m.VAD == nil:
		return errors.New("voice activity detector missing")
	case m.Gaze == nil:
		return errors.New("gaze estimator missing")
	}
	return nil
}

type Config struct {
	Backend         string
	InferenceURL    string
	GoogleVisionKey string
}
