package media

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

// FrameMessage is the payload of an inbound "frame" message.
type FrameMessage struct {
	Kind       string `json:"kind"`
	Data       string `json:"data"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

const (
	FrameCamera = "camera"
	FrameScreen = "screen"
	FrameAudio  = "audio"
)

// Ingest decodes msg and pushes it into the feed.
func (f *Feed) Ingest(msg FrameMessage) error {
	if !f.Allow() {
		return ErrRateLimited
	}

	raw, err := decodeBase64(msg.Data)
	if err != nil {
		return err
	}
	ts := f.opts.Now()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS)
	}

	switch msg.Kind {
	case FrameCamera:
		img, err := DecodeImage(raw)
		if err != nil {
			return err
		}
		return f.PushCamera(models.CameraFrame{Image: img, Encoded: raw, Timestamp: ts})
	case FrameScreen:
		img, err := DecodeImage(raw)
		if err != nil {
			return err
		}
		return f.PushScreen(models.ScreenFrame{Image: img, Encoded: raw, Timestamp: ts})
	case FrameAudio:
		samples, err := DecodePCM(raw, msg.Format, msg.Channels)
		if err != nil {
			return err
		}
		return f.PushAudio(models.AudioChunk{Samples: samples, SampleRate: msg.SampleRate, Timestamp: ts})
	default:
		return fmt.Errorf("unknown frame kind %q", msg.Kind)
	}
}

// decodeBase64 accepts plain base64 or a data: URL.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("empty frame payload")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}

// DecodeImage decodes JPEG, PNG or WebP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode image: empty %s image", format)
	}
	return img, nil
}

// DecodePCM converts interleaved s16le or f32le samples into mono float32 in
// [-1, 1]. Multi-channel input is averaged.
func DecodePCM(data []byte, format string, channels int) ([]float32, error) {
	if channels <= 0 {
		channels = 1
	}

	var interleaved []float32
	switch strings.ToLower(format) {
	case "", "s16le":
		if len(data)%2 != 0 {
			return nil, errors.New("s16le payload has odd length")
		}
		interleaved = make([]float32, len(data)/2)
		for i := range interleaved {
			v := int16(binary.LittleEndian.Uint16(data[2*i:]))
			interleaved[i] = float32(v) / 32768
		}
	case "f32le":
		if len(data)%4 != 0 {
			return nil, errors.New("f32le payload length is not a multiple of 4")
		}
		interleaved = make([]float32, len(data)/4)
		for i := range interleaved {
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
			interleaved[i] = max(-1, min(1, v))
		}
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}

	if channels == 1 {
		return interleaved, nil
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, nil
}
