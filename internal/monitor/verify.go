package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

const (
	DefaultKYCThreshold = 0.45
	// how long a "not enrolled" answer stays cached
	missingReferenceTTL = time.Minute
)

// ErrNoFace is returned when an enrollment photo contains no detectable face.
var ErrNoFace = errors.New("no face detected")

type reference struct {
	embedding []float32
	found     bool
	fetchedAt time.Time
}

// FaceVerifier compares a live face crop with the candidate's KYC embedding.
// References are cached per candidate and fetched at most once concurrently.
type FaceVerifier struct {
	store     EmbeddingStore
	threshold float64
	now       func() time.Time

	mu     sync.RWMutex
	cache  map[string]reference
	group  singleflight.Group
	warned sync.Map
}

func NewFaceVerifier(store EmbeddingStore, threshold float64) *FaceVerifier {
	if threshold <= 0 {
		threshold = DefaultKYCThreshold
	}
	return &FaceVerifier{
		store:     store,
		threshold: threshold,
		now:       time.Now,
		cache:     make(map[string]reference),
	}
}

func (v *FaceVerifier) Threshold() float64 {
	return v.threshold
}

// Invalidate drops the cached reference, e.g. after a KYC upload or delete.
func (v *FaceVerifier) Invalidate(candidateID string) {
	v.mu.Lock()
	delete(v.cache, candidateID)
	v.mu.Unlock()
	v.warned.Delete(candidateID)
}

func (v *FaceVerifier) reference(ctx context.Context, candidateID string) (reference, error) {
	v.mu.RLock()
	ref, ok := v.cache[candidateID]
	v.mu.RUnlock()
	if ok && (ref.found || v.now().Sub(ref.fetchedAt) < missingReferenceTTL) {
		return ref, nil
	}
	if v.store == nil {
		return reference{}, nil
	}

	res, err, _ := v.group.Do(candidateID, func() (any, error) {
		v.mu.RLock()
		cur, ok := v.cache[candidateID]
		v.mu.RUnlock()
		if ok && cur.fetchedAt.After(ref.fetchedAt) && (cur.found || v.now().Sub(cur.fetchedAt) < missingReferenceTTL) {
			return cur, nil
		}

		emb, found, err := v.store.GetEmbedding(ctx, candidateID)
		if err != nil {
			return nil, err
		}
		if found && len(emb) != ai.EmbeddingDim {
			return nil, fmt.Errorf("KYC embedding for %s has %d dims: %w", candidateID, len(emb), ai.ErrMalformedOutput)
		}
		ref := reference{embedding: emb, found: found, fetchedAt: v.now()}
		v.mu.Lock()
		v.cache[candidateID] = ref
		v.mu.Unlock()
		return ref, nil
	})
	if err != nil {
		return reference{}, fmt.Errorf("load KYC reference: %w", err)
	}
	return res.(reference), nil
}

// Verify crops box out of img, embeds it and compares it with the reference.
func (v *FaceVerifier) Verify(ctx context.Context, embedder ai.FaceEmbedder, img image.Image, box models.BoundingBox, candidateID string) (models.ModalityResult, error) {
	detail := &models.FaceRecognitionDetail{Threshold: v.threshold}

	crop := CropFace(img, box)
	if crop == nil {
		return models.NewResult(models.KindFaceRecognition, models.StatusEmbeddingFailed, nil, detail)
	}

	ref, err := v.reference(ctx, candidateID)
	if err != nil {
		return models.ModalityResult{}, err
	}
	if !ref.found {
		if _, seen := v.warned.LoadOrStore(candidateID, struct{}{}); !seen {
			logger.Warn("No KYC reference, skipping face verification", "candidate_id", candidateID)
		}
		detail.IsVerified = true
		detail.SimilarityScore = 1
		return models.NewResult(models.KindFaceRecognition, models.StatusVerified, nil, detail)
	}

	emb, err := embedder.Embed(ctx, crop)
	if err != nil {
		return models.ModalityResult{}, fmt.Errorf("embed face: %w", err)
	}
	if len(emb) != ai.EmbeddingDim {
		return models.ModalityResult{}, fmt.Errorf("embedding has %d dims: %w", len(emb), ai.ErrMalformedOutput)
	}

	detail.SimilarityScore = CosineSimilarity(emb, ref.embedding)
	detail.IsVerified = detail.SimilarityScore >= v.threshold
	detail.KYCImageID = "kyc_" + candidateID
	if !detail.IsVerified {
		return models.NewResult(models.KindFaceRecognition, models.StatusNotVerified, models.NewAlert(models.IncidentFaceMismatch), detail)
	}
	return models.NewResult(models.KindFaceRecognition, models.StatusVerified, nil, detail)
}

// CropFace copies box, clamped to the image bounds, into a new image. It
// returns nil when the clamped region is empty.
func CropFace(img image.Image, box models.BoundingBox) image.Image {
	if img == nil {
		return nil
	}
	r := image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height).Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst
}

// CosineSimilarity of a and b, clamped to [0,1]. Vectors of different length
// or zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}

// EnrollmentEmbedding embeds the most confident face in a reference photo.
func EnrollmentEmbedding(ctx context.Context, detector ai.FaceDetector, embedder ai.FaceEmbedder, img image.Image) ([]float32, error) {
	boxes, err := detector.DetectFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(boxes) == 0 {
		return nil, ErrNoFace
	}
	best := boxes[0]
	for _, b := range boxes[1:] {
		if b.Confidence > best.Confidence {
			best = b
		}
	}

	crop := CropFace(img, best)
	if crop == nil {
		return nil, ErrNoFace
	}
	emb, err := embedder.Embed(ctx, crop)
	if err != nil {
		return nil, fmt.Errorf("embed face: %w", err)
	}
	if len(emb) != ai.EmbeddingDim {
		return nil, fmt.Errorf("embedding has %d dims: %w", len(emb), ai.ErrMalformedOutput)
	}
	return emb, nil
}
