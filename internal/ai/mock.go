package ai

import (
	"context"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

// NewMockModels returns the local development analyzers. They need no
// external service and are deterministic for a given input.
func NewMockModels() *Models {
	return &Models{
		Detector: &MockFaceDetector{},
		Embedder: &ThumbnailEmbedder{},
		Scanner:  &MockScreenScanner{},
		VAD:      &EnergyVAD{},
		Gaze:     &MockGazeEstimator{},
	}
}

// MockFaceDetector returns Faces when set, otherwise one box covering the
// central half of the frame.
type MockFaceDetector struct {
	Faces []models.BoundingBox
	Err   error
}

func (m *MockFaceDetector) DetectFaces(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Faces != nil {
		return m.Faces, nil
	}
	b := img.Bounds()
	return []models.BoundingBox{{
		X:          b.Min.X + b.Dx()/4,
		Y:          b.Min.Y + b.Dy()/4,
		Width:      b.Dx() / 2,
		Height:     b.Dy() / 2,
		Confidence: 0.9,
	}}, nil
}

const thumbSide = 16

// ThumbnailEmbedder derives a 512-d vector from a 16x16 thumbnail (luma and
// red-blue chroma per cell). Visually similar crops map to nearby vectors.
type ThumbnailEmbedder struct{}

func (ThumbnailEmbedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	if face == nil || face.Bounds().Empty() {
		return nil, ErrUnsupportedImage
	}
	thumb := image.NewRGBA(image.Rect(0, 0, thumbSide, thumbSide))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), face, face.Bounds(), draw.Src, nil)

	vec := make([]float64, 0, EmbeddingDim)
	for y := 0; y < thumbSide; y++ {
		for x := 0; x < thumbSide; x++ {
			c := thumb.RGBAAt(x, y)
			r, g, b := float64(c.R), float64(c.G), float64(c.B)
			vec = append(vec, 0.299*r+0.587*g+0.114*b, r-b)
		}
	}

	var mean float64
	for _, v := range vec {
		mean += v
	}
	mean /= float64(len(vec))

	var norm float64
	for i := range vec {
		vec[i] -= mean
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(vec))
	if norm == 0 {
		// Flat image: fall back to a constant unit vector.
		for i := range out {
			out[i] = float32(1 / math.Sqrt(float64(len(out))))
		}
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

type MockScreenScanner struct {
	Text string
	Err  error
}

func (m *MockScreenScanner) ExtractText(ctx context.Context, img image.Image) (string, error) {
	return m.Text, m.Err
}

// EnergyVAD marks 30 ms windows whose RMS exceeds Threshold as speech.
type EnergyVAD struct {
	Threshold float64
}

const vadWindow = 0.03

func (v *EnergyVAD) DetectVoice(ctx context.Context, chunk *models.AudioChunk) (VoiceActivity, error) {
	threshold := v.Threshold
	if threshold == 0 {
		threshold = 0.02
	}
	if chunk == nil || chunk.SampleRate <= 0 || len(chunk.Samples) == 0 {
		return VoiceActivity{Confidence: 1}, nil
	}

	window := int(float64(chunk.SampleRate) * vadWindow)
	if window < 1 {
		window = 1
	}

	var total, voiced int
	for start := 0; start < len(chunk.Samples); start += window {
		end := min(start+window, len(chunk.Samples))
		var sum float64
		for _, s := range chunk.Samples[start:end] {
			sum += float64(s) * float64(s)
		}
		rms := math.Sqrt(sum / float64(end-start))
		total++
		if rms > threshold {
			voiced++
		}
	}

	ratio := float64(voiced) / float64(total)
	return VoiceActivity{
		Speaking:   voiced > 0 && ratio >= 0.1,
		Duration:   float64(voiced) * float64(window) / float64(chunk.SampleRate),
		Confidence: math.Abs(ratio-0.5) * 2,
	}, nil
}

type MockGazeEstimator struct {
	Direction string
	Err       error
}

func (m *MockGazeEstimator) EstimateGaze(ctx context.Context, img image.Image) (Gaze, error) {
	if m.Err != nil {
		return Gaze{}, m.Err
	}
	dir := m.Direction
	if dir == "" {
		dir = GazeCenter
	}
	return Gaze{Direction: dir}, nil
}
