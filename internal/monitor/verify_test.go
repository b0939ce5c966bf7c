package monitor

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

func unitVector(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	var norm float64
	for i := range v {
		v[i] = float32(r.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func TestCosineSimilarity_SymmetricAndBounded(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		u := unitVector(r, ai.EmbeddingDim)
		v := unitVector(r, ai.EmbeddingDim)
		uv, vu := CosineSimilarity(u, v), CosineSimilarity(v, u)
		assert.Equal(t, uv, vu)
		assert.GreaterOrEqual(t, uv, 0.0)
		assert.LessOrEqual(t, uv, 1.0)
	}

	u := unitVector(r, ai.EmbeddingDim)
	assert.InDelta(t, 1.0, CosineSimilarity(u, u), 1e-6)

	neg := make([]float32, len(u))
	for i := range u {
		neg[i] = -u[i]
	}
	assert.Equal(t, 0.0, CosineSimilarity(u, neg), "opposite vectors clamp to 0")
	assert.Equal(t, 0.0, CosineSimilarity(u, u[:10]))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity(make([]float32, 4), []float32{1, 0, 0, 0}))
}

func TestCropFace(t *testing.T) {
	img := testImage(40, 30)

	tests := []struct {
		name  string
		box   models.BoundingBox
		w, h  int
		empty bool
	}{
		{"inside", models.BoundingBox{X: 5, Y: 5, Width: 10, Height: 8}, 10, 8, false},
		{"clamped right bottom", models.BoundingBox{X: 30, Y: 20, Width: 50, Height: 50}, 10, 10, false},
		{"clamped negative origin", models.BoundingBox{X: -5, Y: -5, Width: 10, Height: 10}, 5, 5, false},
		{"outside", models.BoundingBox{X: 100, Y: 100, Width: 10, Height: 10}, 0, 0, true},
		{"zero size", models.BoundingBox{X: 5, Y: 5}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop := CropFace(img, tt.box)
			if tt.empty {
				assert.Nil(t, crop)
				return
			}
			require.NotNil(t, crop)
			assert.Equal(t, tt.w, crop.Bounds().Dx())
			assert.Equal(t, tt.h, crop.Bounds().Dy())
		})
	}

	crop := CropFace(img, models.BoundingBox{X: 3, Y: 2, Width: 4, Height: 4})
	assert.Equal(t, img.At(3, 2), crop.At(0, 0))
}

func TestVerify(t *testing.T) {
	img := testImage(64, 48)
	box := models.BoundingBox{X: 16, Y: 12, Width: 32, Height: 24, Confidence: 0.9}
	emb, err := ai.ThumbnailEmbedder{}.Embed(context.Background(), CropFace(img, box))
	require.NoError(t, err)

	store := &embeddingStore{refs: map[string][]float32{"match": emb}}
	v := NewFaceVerifier(store, 0.45)

	r, err := v.Verify(context.Background(), ai.ThumbnailEmbedder{}, img, box, "match")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, r.Status)
	d := r.Detail.(*models.FaceRecognitionDetail)
	assert.True(t, d.IsVerified)
	assert.InDelta(t, 1.0, d.SimilarityScore, 1e-6)
	assert.Equal(t, 0.45, d.Threshold)
	assert.Equal(t, "kyc_match", d.KYCImageID)

	r, err = v.Verify(context.Background(), ai.ThumbnailEmbedder{}, img, models.BoundingBox{X: 200, Y: 200, Width: 5, Height: 5}, "match")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmbeddingFailed, r.Status)

	r, err = v.Verify(context.Background(), ai.ThumbnailEmbedder{}, img, box, "unenrolled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, r.Status)
	assert.Equal(t, 1.0, r.Detail.(*models.FaceRecognitionDetail).SimilarityScore)

	short := embedderFunc(func(ctx context.Context, _ image.Image) ([]float32, error) { return []float32{1, 2}, nil })
	_, err = v.Verify(context.Background(), short, img, box, "match")
	assert.ErrorIs(t, err, ai.ErrMalformedOutput)
}

func TestFaceVerifier_ReferenceCache(t *testing.T) {
	ref := make([]float32, ai.EmbeddingDim)
	ref[0] = 1
	store := &embeddingStore{refs: map[string][]float32{"c1": ref}}
	v := NewFaceVerifier(store, 0)
	clock := &fixedClock{now: t0}
	v.now = clock.Now

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := v.reference(context.Background(), "c1")
			assert.NoError(t, err)
			assert.True(t, got.found)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.calls, "concurrent misses share one fetch")
	calls := store.calls

	_, err := v.reference(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, calls, store.calls, "found references stay cached")

	// not enrolled answers expire
	_, err = v.reference(context.Background(), "late")
	require.NoError(t, err)
	store.mu.Lock()
	store.refs["late"] = ref
	store.mu.Unlock()
	got, err := v.reference(context.Background(), "late")
	require.NoError(t, err)
	assert.False(t, got.found)
	clock.Set(t0.Add(missingReferenceTTL + time.Second))
	got, err = v.reference(context.Background(), "late")
	require.NoError(t, err)
	assert.True(t, got.found)

	v.Invalidate("c1")
	before := store.calls
	_, err = v.reference(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, before+1, store.calls)
}

func TestFaceVerifier_StoreErrors(t *testing.T) {
	store := &embeddingStore{err: errors.New("db down")}
	v := NewFaceVerifier(store, 0)
	_, err := v.Verify(context.Background(), ai.ThumbnailEmbedder{}, testImage(32, 32), models.BoundingBox{Width: 16, Height: 16}, "c1")
	assert.Error(t, err)

	bad := &embeddingStore{refs: map[string][]float32{"c1": {1, 2, 3}}}
	v = NewFaceVerifier(bad, 0)
	_, err = v.reference(context.Background(), "c1")
	assert.ErrorIs(t, err, ai.ErrMalformedOutput)
}
