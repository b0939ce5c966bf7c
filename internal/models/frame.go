package models

import (
	"image"
	"time"
)

// CameraFrame and ScreenFrame carry a decoded image together with the
// encoded bytes it came from, so evidence can be written without re-encoding
// when the source was already JPEG.
type CameraFrame struct {
	Image     image.Image
	Encoded   []byte
	Timestamp time.Time
}

type ScreenFrame struct {
	Image     image.Image
	Encoded   []byte
	Timestamp time.Time
}

// AudioChunk holds mono samples normalised to [-1, 1].
type AudioChunk struct {
	Samples    []float32
	SampleRate int
	Timestamp  time.Time
}

func (a *AudioChunk) Duration() time.Duration {
	if a == nil || a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(a.Samples)) / float64(a.SampleRate) * float64(time.Second))
}

// FrameBundle is the input to one analysis cycle. Any part may be nil.
// A bundle is never modified after capture.
type FrameBundle struct {
	Camera *CameraFrame
	Screen *ScreenFrame
	Audio  *AudioChunk
}

func (b *FrameBundle) HasCamera() bool { return b != nil && b.Camera != nil }
func (b *FrameBundle) HasScreen() bool { return b != nil && b.Screen != nil }
func (b *FrameBundle) HasAudio() bool  { return b != nil && b.Audio != nil }

// Empty reports whether the bundle has no usable modality at all.
func (b *FrameBundle) Empty() bool {
	return !b.HasCamera() && !b.HasScreen() && !b.HasAudio()
}
