package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/kdimtricp/proctorwatch/internal/logger"
)

// Loader builds the analyzer set. It is called at most once successfully
// per Pool.
type Loader func(ctx context.Context) (*Models, error)

// Warmer is implemented by backends that must be reachable before use.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Pool owns the process-wide analyzer set. Load is idempotent once it has
// succeeded; a failed load is retried by the next caller.
type Pool struct {
	loader Loader

	mu     sync.Mutex
	models *Models
}

func NewPool(loader Loader) *Pool {
	return &Pool{loader: loader}
}

// NewLoadedPool wraps an already constructed analyzer set.
func NewLoadedPool(m *Models) *Pool {
	return &Pool{models: m}
}

func (p *Pool) Load(ctx context.Context) (*Models, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.models != nil {
		return p.models, nil
	}
	if p.loader == nil {
		return nil, ErrPoolNotLoaded
	}

	m, err := p.loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("load analyzers: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("load analyzers: %w", err)
	}

	seen := map[Warmer]bool{}
	for _, c := range []any{m.Detector, m.Embedder, m.Scanner, m.VAD, m.Gaze} {
		w, ok := c.(Warmer)
		if !ok || seen[w] {
			continue
		}
		seen[w] = true
		if err := w.Warmup(ctx); err != nil {
			return nil, fmt.Errorf("warm up analyzers: %w", err)
		}
	}

	p.models = m
	logger.Info("Analyzer pool loaded")
	return m, nil
}

// Models returns the loaded set or ErrPoolNotLoaded.
func (p *Pool) Models() (*Models, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.models == nil {
		return nil, ErrPoolNotLoaded
	}
	return p.models, nil
}

func (p *Pool) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.models != nil
}

// NewLoader returns the Loader for the configured backend.
func NewLoader(cfg Config) (Loader, error) {
	switch cfg.Backend {
	case "", "mock":
		return func(context.Context) (*Models, error) {
			return NewMockModels(), nil
		}, nil
	case "remote":
		if cfg.InferenceURL == "" {
			return nil, fmt.Errorf("remote backend requires INFERENCE_URL")
		}
		return func(context.Context) (*Models, error) {
			c := NewInferenceClient(cfg.InferenceURL)
			return &Models{Detector: c, Embedder: c, Scanner: c, VAD: c, Gaze: c}, nil
		}, nil
	case "google":
		if cfg.GoogleVisionKey == "" {
			return nil, fmt.Errorf("google backend requires GOOGLE_VISION_API_KEY")
		}
		return func(context.Context) (*Models, error) {
			g := NewGoogleVisionClient(cfg.GoogleVisionKey)
			local := NewMockModels()
			m := &Models{Detector: g, Scanner: g, Embedder: local.Embedder, VAD: local.VAD, Gaze: local.Gaze}
			if cfg.InferenceURL != "" {
				c := NewInferenceClient(cfg.InferenceURL)
				m.Embedder, m.VAD, m.Gaze = c, c, c
			}
			return m, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown analyzer backend %q", cfg.Backend)
	}
}
