package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"path"
	"time"

	"golang.org/x/image/draw"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

const (
	evidenceQuality  = 85
	evidenceMaxWidth = 1280
)

// EvidenceStore writes incident snapshots as
// {base}/{room}/{candidate}/{tag}_{unix_ms}.jpg.
type EvidenceStore struct {
	files    *LocalStorage
	maxWidth int
}

func NewEvidenceStore(files *LocalStorage) *EvidenceStore {
	return &EvidenceStore{files: files, maxWidth: evidenceMaxWidth}
}

// SaveEvidence returns the relative path of the written snapshot, or ""
// when the bundle carries no image.
func (es *EvidenceStore) SaveEvidence(ctx context.Context, bundle *models.FrameBundle, tag models.IncidentCode, roomID, candidateID string, ts time.Time) (string, error) {
	img, encoded := pickImage(bundle, tag)
	if img == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel := path.Join(
		SanitizeSegment(roomID),
		SanitizeSegment(candidateID),
		fmt.Sprintf("%s_%d.jpg", SanitizeSegment(string(tag)), ts.UnixMilli()),
	)

	err := es.files.WriteFile(rel, func(w io.Writer) error {
		if isJPEG(encoded) && img.Bounds().Dx() <= es.maxWidth {
			_, err := w.Write(encoded)
			return err
		}
		return jpeg.Encode(w, es.fit(img), &jpeg.Options{Quality: evidenceQuality})
	})
	if err != nil {
		return "", fmt.Errorf("failed to save evidence: %w", err)
	}
	return rel, nil
}

func (es *EvidenceStore) Open(rel string) (io.ReadSeekCloser, error) {
	return es.files.OpenFile(rel)
}

// fit scales img down to maxWidth keeping the aspect ratio.
func (es *EvidenceStore) fit(img image.Image) image.Image {
	b := img.Bounds()
	if es.maxWidth <= 0 || b.Dx() <= es.maxWidth {
		return img
	}
	h := b.Dy() * es.maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, es.maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// pickImage prefers the screen for screen incidents and the camera for the
// rest, falling back to whichever is present.
func pickImage(b *models.FrameBundle, tag models.IncidentCode) (image.Image, []byte) {
	if b == nil {
		return nil, nil
	}
	camera := func() (image.Image, []byte) {
		if b.Camera == nil || b.Camera.Image == nil {
			return nil, nil
		}
		return b.Camera.Image, b.Camera.Encoded
	}
	screen := func() (image.Image, []byte) {
		if b.Screen == nil || b.Screen.Image == nil {
			return nil, nil
		}
		return b.Screen.Image, b.Screen.Encoded
	}

	first, second := camera, screen
	if tag.IsScreen() {
		first, second = screen, camera
	}
	if img, enc := first(); img != nil {
		return img, enc
	}
	return second()
}

func isJPEG(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
}
