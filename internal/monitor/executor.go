package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

const (
	DefaultWorkerPoolSize = 4
	DefaultDeadline       = 3 * time.Second
)

var errDeadline = errors.New("analysis deadline exceeded")

type ExecutorOptions struct {
	// WorkerPoolSize bounds concurrent analyzer invocations across all
	// sessions sharing the executor.
	WorkerPoolSize int
	// Deadline bounds one fan-out.
	Deadline time.Duration
}

// Executor fans a bundle out to the five analyzers over a bounded worker
// pool. One Executor is shared by every session.
type Executor struct {
	pool     *ai.Pool
	verifier *FaceVerifier
	sem      *semaphore.Weighted
	deadline time.Duration
	stats    analyzerStats
}

func NewExecutor(pool *ai.Pool, verifier *FaceVerifier, opts ExecutorOptions) *Executor {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if verifier == nil {
		verifier = NewFaceVerifier(nil, DefaultKYCThreshold)
	}
	return &Executor{
		pool:     pool,
		verifier: verifier,
		sem:      semaphore.NewWeighted(int64(opts.WorkerPoolSize)),
		deadline: opts.Deadline,
	}
}

func (e *Executor) Verifier() *FaceVerifier {
	return e.verifier
}

// Stats returns the analyzer counters accumulated since start.
func (e *Executor) Stats() AnalyzerStats {
	return e.stats.snapshot()
}

type analyzerFunc func(ctx context.Context) (models.ModalityResult, error)

// RunAnalyses invokes all five analyzers concurrently and returns one result
// per kind. Kinds whose modality is missing get a placeholder. A failing or
// late analyzer yields an error result without affecting the others. If ctx
// is cancelled before all results are in, RunAnalyses returns ctx.Err() and
// no results.
func (e *Executor) RunAnalyses(ctx context.Context, bundle *models.FrameBundle, candidateID string) ([]models.ModalityResult, error) {
	m, err := e.pool.Models()
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		bundle = &models.FrameBundle{}
	}

	start := time.Now()
	fanCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results := make(chan models.ModalityResult, len(models.AllKinds))
	launch := func(kind models.Kind, fn analyzerFunc) {
		go func() { results <- e.invoke(fanCtx, kind, fn) }()
	}

	if bundle.HasCamera() {
		img := bundle.Camera.Image
		detected := make(chan models.ModalityResult, 1)

		go func() {
			r := e.invoke(fanCtx, models.KindFaceDetection, func(ctx context.Context) (models.ModalityResult, error) {
				return analyzeFaces(ctx, m.Detector, img)
			})
			detected <- r
			results <- r
		}()
		// recognition waits for detection without holding a worker slot
		go func() {
			results <- e.recognize(fanCtx, m.Embedder, img, candidateID, detected)
		}()
		launch(models.KindBehavior, func(ctx context.Context) (models.ModalityResult, error) {
			return analyzeBehavior(ctx, m.Gaze, img)
		})
	} else {
		results <- models.PlaceholderResult(models.KindFaceDetection)
		results <- models.PlaceholderResult(models.KindFaceRecognition)
		results <- models.PlaceholderResult(models.KindBehavior)
	}

	if bundle.HasScreen() {
		img := bundle.Screen.Image
		launch(models.KindScreenAnalysis, func(ctx context.Context) (models.ModalityResult, error) {
			return analyzeScreen(ctx, m.Scanner, img)
		})
	} else {
		results <- models.PlaceholderResult(models.KindScreenAnalysis)
	}

	if bundle.HasAudio() {
		chunk := bundle.Audio
		launch(models.KindAudioAnalysis, func(ctx context.Context) (models.ModalityResult, error) {
			return analyzeAudio(ctx, m.VAD, chunk)
		})
	} else {
		results <- models.PlaceholderResult(models.KindAudioAnalysis)
	}

	got := make(map[models.Kind]models.ModalityResult, len(models.AllKinds))
collect:
	for len(got) < len(models.AllKinds) {
		select {
		case r := <-results:
			got[r.Kind] = r
		case <-fanCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			break collect
		}
	}

	out := make([]models.ModalityResult, 0, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		r, ok := got[kind]
		if !ok {
			r = models.ErrorResult(kind, errDeadline)
			e.stats.record(r.Status)
			logger.Warn("Analyzer missed the deadline", "kind", kind, "candidate_id", candidateID)
		}
		out = append(out, r)
	}

	elapsed := time.Since(start)
	e.stats.frame(elapsed)
	metrics.RecordFanout(elapsed)
	return out, nil
}

func (e *Executor) recognize(ctx context.Context, embedder ai.FaceEmbedder, img image.Image, candidateID string, detected <-chan models.ModalityResult) models.ModalityResult {
	var det models.ModalityResult
	select {
	case det = <-detected:
	case <-ctx.Done():
		return models.ErrorResult(models.KindFaceRecognition, ctx.Err())
	}

	switch det.Status {
	case models.StatusError:
		return models.ErrorResult(models.KindFaceRecognition, fmt.Errorf("face detection failed: %s", det.Error))
	case models.StatusNoFace:
		return models.ModalityResult{Kind: models.KindFaceRecognition, Status: models.StatusNoFace}
	}

	fd, _ := det.Detail.(*models.FaceDetectionDetail)
	box, ok := fd.Best()
	if !ok {
		return models.ModalityResult{Kind: models.KindFaceRecognition, Status: models.StatusNoFace}
	}
	return e.invoke(ctx, models.KindFaceRecognition, func(ctx context.Context) (models.ModalityResult, error) {
		return e.verifier.Verify(ctx, embedder, img, box, candidateID)
	})
}

// invoke runs fn in a worker slot and converts every failure, including a
// panic, into an error result for kind.
func (e *Executor) invoke(ctx context.Context, kind models.Kind, fn analyzerFunc) (res models.ModalityResult) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return models.ErrorResult(kind, err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Analyzer panicked", "kind", kind, "panic", p)
			res = models.ErrorResult(kind, fmt.Errorf("analyzer panic: %v", p))
		}
		d := time.Since(start)
		e.stats.record(res.Status)
		metrics.RecordAnalyzer(string(kind), string(res.Status), d)
	}()

	r, err := fn(ctx)
	if err != nil {
		logger.Debug("Analyzer failed", "kind", kind, "error", err)
		return models.ErrorResult(kind, err)
	}
	if r.Kind != kind {
		return models.ErrorResult(kind, fmt.Errorf("%s result from %s analyzer: %w", r.Kind, kind, ai.ErrMalformedOutput))
	}
	return r
}

// AnalyzerStats are process-wide analyzer counters.
type AnalyzerStats struct {
	FramesAnalyzed       int64   `json:"frames_analyzed"`
	TotalInferenceTimeMs int64   `json:"total_inference_time_ms"`
	Errors               int64   `json:"errors"`
	AvgInferenceTimeMs   float64 `json:"avg_inference_time_ms"`
	AnalyzerInvocations  int64   `json:"analyzer_invocations"`
}

type analyzerStats struct {
	mu          sync.Mutex
	frames      int64
	totalMs     int64
	errors      int64
	invocations int64
}

func (s *analyzerStats) record(status models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations++
	if status == models.StatusError {
		s.errors++
	}
}

func (s *analyzerStats) frame(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.totalMs += d.Milliseconds()
}

func (s *analyzerStats) snapshot() AnalyzerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := AnalyzerStats{
		FramesAnalyzed:       s.frames,
		TotalInferenceTimeMs: s.totalMs,
		Errors:               s.errors,
		AnalyzerInvocations:  s.invocations,
	}
	if s.frames > 0 {
		out.AvgInferenceTimeMs = float64(s.totalMs) / float64(s.frames)
	}
	return out
}
