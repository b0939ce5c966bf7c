package monitor

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

func newTestExecutor(c *countingModels, store EmbeddingStore, opts ExecutorOptions) *Executor {
	return NewExecutor(ai.NewLoadedPool(c.Models()), NewFaceVerifier(store, 0), opts)
}

func TestRunAnalyses_AllModalities(t *testing.T) {
	c := &countingModels{}
	e := newTestExecutor(c, nil, ExecutorOptions{})

	results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
	require.NoError(t, err)
	require.Len(t, results, len(models.AllKinds))

	got := byKind(results)
	assert.Equal(t, models.StatusNormal, got[models.KindFaceDetection].Status)
	assert.Equal(t, models.StatusVerified, got[models.KindFaceRecognition].Status, "no KYC reference verifies by convention")
	assert.Equal(t, models.StatusClean, got[models.KindScreenAnalysis].Status)
	assert.Equal(t, models.StatusSilent, got[models.KindAudioAnalysis].Status)
	assert.Equal(t, models.StatusNormal, got[models.KindBehavior].Status)

	assert.EqualValues(t, 1, c.detect.Load())
	assert.EqualValues(t, 0, c.embed.Load(), "embedding skipped without a reference")

	st := e.Stats()
	assert.EqualValues(t, 1, st.FramesAnalyzed)
	assert.Zero(t, st.Errors)
}

func TestRunAnalyses_MissingCameraSkipsCameraModels(t *testing.T) {
	c := &countingModels{}
	e := newTestExecutor(c, nil, ExecutorOptions{})

	bundle := fullBundle()
	bundle.Camera = nil
	results, err := e.RunAnalyses(context.Background(), bundle, "cand-1")
	require.NoError(t, err)

	got := byKind(results)
	for _, kind := range []models.Kind{models.KindFaceDetection, models.KindFaceRecognition, models.KindBehavior} {
		assert.Equal(t, models.StatusNoCamera, got[kind].Status, kind)
		assert.Nil(t, got[kind].Alert, kind)
	}
	assert.EqualValues(t, 0, c.detect.Load())
	assert.EqualValues(t, 0, c.embed.Load())
	assert.EqualValues(t, 0, c.gaze.Load())
	assert.EqualValues(t, 1, c.scan.Load())
	assert.EqualValues(t, 1, c.vad.Load())
}

func TestRunAnalyses_Placeholders(t *testing.T) {
	c := &countingModels{}
	e := newTestExecutor(c, nil, ExecutorOptions{})

	results, err := e.RunAnalyses(context.Background(), &models.FrameBundle{}, "cand-1")
	require.NoError(t, err)
	got := byKind(results)
	assert.Equal(t, models.StatusNoScreen, got[models.KindScreenAnalysis].Status)
	assert.Equal(t, models.StatusNoAudio, got[models.KindAudioAnalysis].Status)
	assert.Equal(t, int32(0), c.scan.Load()+c.vad.Load())
}

func TestRunAnalyses_FailingDetectorIsIsolated(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *countingModels)
	}{
		{"error", func(c *countingModels) { c.detectErr = errors.New("model crashed") }},
		{"panic", func(c *countingModels) { c.panicOn = models.KindFaceDetection }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &countingModels{}
			tt.setup(c)
			e := newTestExecutor(c, nil, ExecutorOptions{})

			results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
			require.NoError(t, err)
			got := byKind(results)

			assert.Equal(t, models.StatusError, got[models.KindFaceDetection].Status)
			assert.Nil(t, got[models.KindFaceDetection].Alert)
			assert.NotEmpty(t, got[models.KindFaceDetection].Error)
			assert.Equal(t, models.StatusError, got[models.KindFaceRecognition].Status)
			for _, kind := range []models.Kind{models.KindScreenAnalysis, models.KindAudioAnalysis, models.KindBehavior} {
				assert.NotEqual(t, models.StatusError, got[kind].Status, kind)
			}
			assert.EqualValues(t, 0, c.embed.Load())
		})
	}
}

func TestRunAnalyses_FaceCounts(t *testing.T) {
	box := func(x int, conf float64) models.BoundingBox {
		return models.BoundingBox{X: x, Y: 4, Width: 16, Height: 16, Confidence: conf}
	}
	tests := []struct {
		name      string
		faces     []models.BoundingBox
		status    models.Status
		alert     models.IncidentCode
		recStatus models.Status
	}{
		{"none", []models.BoundingBox{}, models.StatusNoFace, models.IncidentNoFace, models.StatusNoFace},
		{"one", []models.BoundingBox{box(4, 0.8)}, models.StatusNormal, "", models.StatusVerified},
		{"three", []models.BoundingBox{box(0, 0.5), box(20, 0.9), box(40, 0.7)}, models.StatusMultipleFaces, models.IncidentMultipleFaces, models.StatusVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &countingModels{faces: tt.faces}
			e := newTestExecutor(c, nil, ExecutorOptions{})

			results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
			require.NoError(t, err)
			got := byKind(results)

			det := got[models.KindFaceDetection]
			assert.Equal(t, tt.status, det.Status)
			if tt.alert == "" {
				assert.Nil(t, det.Alert)
			} else {
				require.NotNil(t, det.Alert)
				assert.Equal(t, tt.alert, det.Alert.Type)
			}
			assert.Equal(t, tt.recStatus, got[models.KindFaceRecognition].Status)
		})
	}

	c := &countingModels{faces: []models.BoundingBox{box(0, 0.5), box(20, 0.9), box(40, 0.7)}}
	results, err := newTestExecutor(c, nil, ExecutorOptions{}).RunAnalyses(context.Background(), fullBundle(), "c")
	require.NoError(t, err)
	det := byKind(results)[models.KindFaceDetection]
	assert.True(t, strings.HasPrefix(det.Alert.Message, "3 faces"))
	assert.InDelta(t, 0.9, det.Detail.(*models.FaceDetectionDetail).Confidence, 1e-9)
}

func TestRunAnalyses_FaceMismatch(t *testing.T) {
	c := &countingModels{}
	ref := make([]float32, ai.EmbeddingDim)
	for i := range ref {
		ref[i] = -1
	}
	store := &embeddingStore{refs: map[string][]float32{"cand-1": ref}}
	e := newTestExecutor(c, store, ExecutorOptions{})

	results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
	require.NoError(t, err)
	rec := byKind(results)[models.KindFaceRecognition]
	require.Equal(t, models.StatusNotVerified, rec.Status, rec.Error)
	require.NotNil(t, rec.Alert)
	assert.Equal(t, models.IncidentFaceMismatch, rec.Alert.Type)
	assert.EqualValues(t, 1, c.embed.Load())
}

func TestRunAnalyses_ScreenAudioBehaviorAlerts(t *testing.T) {
	c := &countingModels{
		text:    "google search chatgpt bing messenger zalo telegram whatsapp discord",
		gazeDir: "left",
	}
	e := newTestExecutor(c, nil, ExecutorOptions{})

	bundle := fullBundle()
	loud := make([]float32, 32000)
	for i := range loud {
		loud[i] = 0.5
	}
	bundle.Audio = &models.AudioChunk{Samples: loud, SampleRate: 16000}

	results, err := e.RunAnalyses(context.Background(), bundle, "cand-1")
	require.NoError(t, err)
	got := byKind(results)

	screen := got[models.KindScreenAnalysis]
	assert.Equal(t, models.StatusViolation, screen.Status)
	require.NotNil(t, screen.Alert)
	assert.Equal(t, models.IncidentSearchEngine, screen.Alert.Type)

	audio := got[models.KindAudioAnalysis]
	assert.Equal(t, models.StatusSpeaking, audio.Status)
	require.NotNil(t, audio.Alert)
	assert.Equal(t, models.IncidentVoiceDetected, audio.Alert.Type)

	behavior := got[models.KindBehavior]
	assert.Equal(t, models.StatusLookingAway, behavior.Status)
	require.NotNil(t, behavior.Alert)
	assert.Equal(t, models.IncidentLookingAway, behavior.Alert.Type)
}

func TestAnalyzeScreen_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		status models.Status
		alert  models.IncidentCode
	}{
		{"clean", "chapter 3 exercises", models.StatusClean, ""},
		{"few keywords", "google search", models.StatusClean, ""},
		{"suspicious", "google search bing telegram", models.StatusSuspicious, ""},
		{"violation prefers search engine", "messenger zalo telegram whatsapp discord google search bing", models.StatusViolation, models.IncidentSearchEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := analyzeScreen(context.Background(), &ai.MockScreenScanner{Text: tt.text}, testImage(4, 4))
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.Status)
			if tt.alert == "" {
				assert.Nil(t, r.Alert)
			} else {
				require.NotNil(t, r.Alert)
				assert.Equal(t, tt.alert, r.Alert.Type)
			}
		})
	}

	long := strings.Repeat("x", 900)
	r, err := analyzeScreen(context.Background(), &ai.MockScreenScanner{Text: long}, testImage(4, 4))
	require.NoError(t, err)
	assert.Len(t, r.Detail.(*models.ScreenDetail).OCRText, maxOCRText)
}

func TestRunAnalyses_DeadlineTurnsLateAnalyzersIntoErrors(t *testing.T) {
	c := &countingModels{block: make(chan struct{})}
	defer close(c.block)
	e := newTestExecutor(c, nil, ExecutorOptions{Deadline: 30 * time.Millisecond})

	start := time.Now()
	results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	got := byKind(results)
	assert.Equal(t, models.StatusError, got[models.KindFaceDetection].Status)
	assert.Equal(t, models.StatusError, got[models.KindFaceRecognition].Status)
	assert.Equal(t, models.StatusClean, got[models.KindScreenAnalysis].Status)
}

func TestRunAnalyses_CancelledReturnsNoResults(t *testing.T) {
	c := &countingModels{block: make(chan struct{})}
	defer close(c.block)
	e := newTestExecutor(c, nil, ExecutorOptions{Deadline: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	results, err := e.RunAnalyses(ctx, fullBundle(), "cand-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestRunAnalyses_PoolNotLoaded(t *testing.T) {
	e := NewExecutor(ai.NewPool(nil), nil, ExecutorOptions{})
	_, err := e.RunAnalyses(context.Background(), fullBundle(), "c")
	assert.ErrorIs(t, err, ai.ErrPoolNotLoaded)
}

func TestRunAnalyses_WorkerPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func() func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return func() { inFlight.Add(-1) }
	}

	m := &ai.Models{
		Detector: detectorFunc(func(ctx context.Context, img image.Image) ([]models.BoundingBox, error) {
			defer track()()
			return []models.BoundingBox{{X: 0, Y: 0, Width: 8, Height: 8, Confidence: 1}}, nil
		}),
		Embedder: ai.ThumbnailEmbedder{},
		Scanner: scannerFunc(func(ctx context.Context, img image.Image) (string, error) {
			defer track()()
			return "", nil
		}),
		VAD: vadFunc(func(ctx context.Context, chunk *models.AudioChunk) (ai.VoiceActivity, error) {
			defer track()()
			return ai.VoiceActivity{}, nil
		}),
		Gaze: gazeFunc(func(ctx context.Context, img image.Image) (ai.Gaze, error) {
			defer track()()
			return ai.Gaze{Direction: ai.GazeCenter}, nil
		}),
	}
	e := NewExecutor(ai.NewLoadedPool(m), nil, ExecutorOptions{WorkerPoolSize: 1})

	results, err := e.RunAnalyses(context.Background(), fullBundle(), "cand-1")
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, models.StatusError, r.Status, r.Kind)
	}
	assert.EqualValues(t, 1, peak.Load())
}
