package monitor

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/rules"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func fullBundle() *models.FrameBundle {
	now := time.Now()
	return &models.FrameBundle{
		Camera: &models.CameraFrame{Image: testImage(64, 48), Timestamp: now},
		Screen: &models.ScreenFrame{Image: testImage(64, 48), Timestamp: now},
		Audio:  &models.AudioChunk{Samples: make([]float32, 1600), SampleRate: 16000, Timestamp: now},
	}
}

// countingModels wraps the mock analyzers and counts calls per analyzer.
type countingModels struct {
	detect, embed, scan, vad, gaze atomic.Int32

	faces     []models.BoundingBox
	detectErr error
	panicOn   models.Kind
	text      string
	gazeDir   string
	block     chan struct{}
	delay     time.Duration
}

func (c *countingModels) Models() *ai.Models {
	return &ai.Models{
		Detector: detectorFunc(func(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
			c.detect.Add(1)
			if c.delay > 0 {
				time.Sleep(c.delay)
			}
			if c.block != nil {
				c.maybeBlock(ctx)
				return nil, ctx.Err()
			}
			if c.panicOn == models.KindFaceDetection {
				panic("detector exploded")
			}
			if c.detectErr != nil {
				return nil, c.detectErr
			}
			return (&ai.MockFaceDetector{Faces: c.faces}).DetectFaces(ctx, img)
		}),
		Embedder: embedderFunc(func(ctx context.Context, face image.Image) ([]float32, error) {
			c.embed.Add(1)
			return ai.ThumbnailEmbedder{}.Embed(ctx, face)
		}),
		Scanner: scannerFunc(func(ctx context.Context, img image.Image) (string, error) {
			c.scan.Add(1)
			return c.text, nil
		}),
		VAD: vadFunc(func(ctx context.Context, chunk *models.AudioChunk) (ai.VoiceActivity, error) {
			c.vad.Add(1)
			return (&ai.EnergyVAD{}).DetectVoice(ctx, chunk)
		}),
		Gaze: gazeFunc(func(ctx context.Context, img image.Image) (ai.Gaze, error) {
			c.gaze.Add(1)
			return (&ai.MockGazeEstimator{Direction: c.gazeDir}).EstimateGaze(ctx, img)
		}),
	}
}

func (c *countingModels) maybeBlock(ctx context.Context) {
	if c.block == nil {
		return
	}
	select {
	case <-c.block:
	case <-ctx.Done():
	}
}

type detectorFunc func(ctx context.Context, img image.Image) ([]models.BoundingBox, error)

func (f detectorFunc) DetectFaces(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
	return f(ctx, img)
}

type embedderFunc func(ctx context.Context, face image.Image) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	return f(ctx, face)
}

type scannerFunc func(ctx context.Context, img image.Image) (string, error)

func (f scannerFunc) ExtractText(ctx context.Context, img image.Image) (string, error) {
	return f(ctx, img)
}

type vadFunc func(ctx context.Context, chunk *models.AudioChunk) (ai.VoiceActivity, error)

func (f vadFunc) DetectVoice(ctx context.Context, chunk *models.AudioChunk) (ai.VoiceActivity, error) {
	return f(ctx, chunk)
}

type gazeFunc func(ctx context.Context, img image.Image) (ai.Gaze, error)

func (f gazeFunc) EstimateGaze(ctx context.Context, img image.Image) (ai.Gaze, error) {
	return f(ctx, img)
}

func byKind(results []models.ModalityResult) map[models.Kind]models.ModalityResult {
	out := make(map[models.Kind]models.ModalityResult, len(results))
	for _, r := range results {
		out[r.Kind] = r
	}
	return out
}

type embeddingStore struct {
	mu    sync.Mutex
	refs  map[string][]float32
	calls int
	err   error
}

func (s *embeddingStore) GetEmbedding(ctx context.Context, candidateID string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, false, s.err
	}
	emb, ok := s.refs[candidateID]
	return emb, ok, nil
}

// fakeSource hands out the same bundle on every capture.
type fakeSource struct {
	mu       sync.Mutex
	bundle   *models.FrameBundle
	captures int
}

func (f *fakeSource) CaptureAll(ctx context.Context, timeout time.Duration) (*models.FrameBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.bundle, nil
}

func (f *fakeSource) set(b *models.FrameBundle) {
	f.mu.Lock()
	f.bundle = b
	f.mu.Unlock()
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, roomID string, message any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := message.(map[string]any); ok {
		b.messages = append(b.messages, m)
	}
	return nil
}

func (b *recordingBroadcaster) ofType(t string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, m := range b.messages {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingLogs struct {
	mu   sync.Mutex
	logs []models.CheatingLog
	err  error
}

func (l *recordingLogs) SaveLog(ctx context.Context, log *models.CheatingLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.logs = append(l.logs, *log)
	return nil
}

func (l *recordingLogs) all() []models.CheatingLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.CheatingLog(nil), l.logs...)
}

type recordingEvidence struct {
	mu   sync.Mutex
	tags []models.IncidentCode
}

func (e *recordingEvidence) SaveEvidence(ctx context.Context, bundle *models.FrameBundle, tag models.IncidentCode, roomID, candidateID string, ts time.Time) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, tag)
	return roomID + "/" + candidateID + "/" + string(tag) + ".jpg", nil
}

type incidentList struct {
	mu        sync.Mutex
	incidents []models.Incident
}

func (l *incidentList) AddIncident(roomID string, inc models.Incident) {
	l.mu.Lock()
	l.incidents = append(l.incidents, inc)
	l.mu.Unlock()
}

type heartbeats struct {
	last time.Time
	ok   bool
}

func (h heartbeats) LastHeartbeat(ctx context.Context, roomID, candidateID string) (time.Time, bool, error) {
	return h.last, h.ok, nil
}

// fixedClock is a manually advanced clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newPolicy() *rules.Engine {
	return rules.NewEngine(rules.DefaultConfig())
}

func fastOptions() Options {
	return Options{
		FrameSkip:      1,
		TickInterval:   time.Millisecond,
		CaptureTimeout: 10 * time.Millisecond,
		RetrySleep:     5 * time.Millisecond,
		SourceBackoff:  5 * time.Millisecond,
		FaultBackoff:   5 * time.Millisecond,
		TargetCycle:    10 * time.Millisecond,
		MinSleep:       time.Millisecond,
		StopTimeout:    time.Second,
	}
}
