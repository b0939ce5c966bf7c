// Package media holds the per-candidate frame feeds that the monitoring loop
// captures from. Frames are pushed by the transport and overwritten in
// place; a capture takes a snapshot of whatever is fresh.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

var (
	ErrFeedClosed  = errors.New("media feed closed")
	ErrRateLimited = errors.New("media feed rate limit exceeded")
)

const (
	defaultMaxAge      = 3 * time.Second
	defaultAudioWindow = 3 * time.Second
	defaultIngestRate  = 60
)

type FeedOptions struct {
	// MaxAge is how old a camera or screen frame may be and still count as present.
	MaxAge time.Duration
	// AudioWindow caps buffered audio between two captures.
	AudioWindow time.Duration
	// IngestRate is the number of frame messages accepted per second.
	IngestRate int
	Now        func() time.Time
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.AudioWindow <= 0 {
		o.AudioWindow = defaultAudioWindow
	}
	if o.IngestRate <= 0 {
		o.IngestRate = defaultIngestRate
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Feed is a single-slot mailbox per modality.
type Feed struct {
	opts    FeedOptions
	limiter *rate.Limiter

	mu       sync.Mutex
	camera   *models.CameraFrame
	cameraAt time.Time
	screen   *models.ScreenFrame
	screenAt time.Time
	audio    []float32
	audioSR  int
	audioTS  time.Time
	seq      uint64
	captured uint64
	notify   chan struct{}
	closed   bool
	drops    uint64
}

func NewFeed(opts FeedOptions) *Feed {
	opts = opts.withDefaults()
	return &Feed{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.IngestRate), opts.IngestRate),
		notify:  make(chan struct{}),
	}
}

// publish must be called with mu held.
func (f *Feed) publish() {
	f.seq++
	close(f.notify)
	f.notify = make(chan struct{})
}

func (f *Feed) PushCamera(frame models.CameraFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.camera != nil && f.seq > f.captured {
		f.drops++
	}
	f.camera = &frame
	f.cameraAt = f.opts.Now()
	f.publish()
	return nil
}

func (f *Feed) PushScreen(frame models.ScreenFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	f.screen = &frame
	f.screenAt = f.opts.Now()
	f.publish()
	return nil
}

// PushAudio appends mono samples. A change of sample rate discards what was
// buffered at the old rate.
func (f *Feed) PushAudio(chunk models.AudioChunk) error {
	if chunk.SampleRate <= 0 {
		return errors.New("audio chunk without sample rate")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.audioSR != chunk.SampleRate {
		f.audio = f.audio[:0]
		f.audioSR = chunk.SampleRate
	}
	f.audio = append(f.audio, chunk.Samples...)
	if limit := int(f.opts.AudioWindow.Seconds() * float64(chunk.SampleRate)); len(f.audio) > limit {
		f.audio = append(f.audio[:0], f.audio[len(f.audio)-limit:]...)
	}
	f.audioTS = chunk.Timestamp
	f.publish()
	return nil
}

// CaptureAll waits up to timeout for data newer than the previous capture
// and returns a snapshot. It returns (nil, nil) when nothing fresh arrived.
func (f *Feed) CaptureAll(ctx context.Context, timeout time.Duration) (*models.FrameBundle, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, ErrFeedClosed
		}
		if f.seq > f.captured {
			bundle := f.snapshotLocked()
			f.mu.Unlock()
			if bundle.Empty() {
				return nil, nil
			}
			return bundle, nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

// snapshotLocked judges freshness by server receive time. Frame timestamps
// come from the client clock and are kept as metadata only.
func (f *Feed) snapshotLocked() *models.FrameBundle {
	f.captured = f.seq
	now := f.opts.Now()
	bundle := &models.FrameBundle{}

	if f.camera != nil && now.Sub(f.cameraAt) <= f.opts.MaxAge {
		cam := *f.camera
		bundle.Camera = &cam
	}
	if f.screen != nil && now.Sub(f.screenAt) <= f.opts.MaxAge {
		scr := *f.screen
		bundle.Screen = &scr
	}
	if len(f.audio) > 0 {
		samples := make([]float32, len(f.audio))
		copy(samples, f.audio)
		bundle.Audio = &models.AudioChunk{
			Samples:    samples,
			SampleRate: f.audioSR,
			Timestamp:  f.audioTS,
		}
		f.audio = f.audio[:0]
	}
	return bundle
}

// Allow reports whether another inbound frame message may be processed now.
func (f *Feed) Allow() bool {
	return f.limiter.Allow()
}

// Drops is the number of camera frames overwritten before any capture saw them.
func (f *Feed) Drops() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.notify)
}
