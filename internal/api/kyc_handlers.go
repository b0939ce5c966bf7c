package api

import (
	"bytes"
	"errors"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/monitor"
	"github.com/kdimtricp/proctorwatch/internal/storage"
)

// KYCUploadHandler enrolls a candidate's reference face from a multipart
// form with fields candidateId and image.
func (app *App) KYCUploadHandler(w http.ResponseWriter, r *http.Request) {
	if app.KYC == nil || app.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "kyc enrollment not configured")
		return
	}
	maxSize := app.MaxUploadSize
	if maxSize <= 0 {
		maxSize = defaultMaxUploadSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "File too large or malformed form")
		return
	}

	candidateID := r.FormValue("candidateId")
	if candidateID == "" {
		writeError(w, http.StatusBadRequest, "candidateId is required")
		return
	}

	data, header, img, reason := readImage(r, "image")
	if reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	m, err := app.Pool.Load(r.Context())
	if err != nil {
		logger.Error("Analyzer pool unavailable for KYC", "error", err)
		writeError(w, http.StatusServiceUnavailable, "face models unavailable")
		return
	}

	embedding, err := monitor.EnrollmentEmbedding(r.Context(), m.Detector, m.Embedder, img)
	if errors.Is(err, monitor.ErrNoFace) {
		writeError(w, http.StatusUnprocessableEntity, "no face detected in image")
		return
	}
	if err != nil {
		logger.Error("Failed to extract embedding", "candidate_id", candidateID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to extract embedding")
		return
	}

	if err := app.enroll(r, candidateID, embedding, data, header); err != nil {
		logger.Error("Failed to save KYC profile", "candidate_id", candidateID, "error", err)
		writeError(w, http.StatusInternalServerError, "DB error saving KYC")
		return
	}

	logger.Info("KYC profile enrolled", "candidate_id", candidateID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "candidateId": candidateID})
}

// KYCVerifyHandler compares a selfie against a reference face and enrolls
// the selfie when they match. The reference is the id_image field when
// present, otherwise the candidate's stored profile.
func (app *App) KYCVerifyHandler(w http.ResponseWriter, r *http.Request) {
	if app.KYC == nil || app.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "kyc verification not configured")
		return
	}
	maxSize := app.MaxUploadSize
	if maxSize <= 0 {
		maxSize = defaultMaxUploadSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxSize)

	if err := r.ParseMultipartForm(2 * maxSize); err != nil {
		writeError(w, http.StatusBadRequest, "File too large or malformed form")
		return
	}

	candidateID := r.FormValue("candidateId")
	if candidateID == "" {
		writeError(w, http.StatusBadRequest, "candidateId is required")
		return
	}

	selfieData, selfieHeader, selfie, reason := readImage(r, "selfie")
	if reason != "" {
		writeError(w, http.StatusBadRequest, "selfie: "+reason)
		return
	}

	m, err := app.Pool.Load(r.Context())
	if err != nil {
		logger.Error("Analyzer pool unavailable for KYC", "error", err)
		writeError(w, http.StatusServiceUnavailable, "face models unavailable")
		return
	}

	selfieEmb, err := monitor.EnrollmentEmbedding(r.Context(), m.Detector, m.Embedder, selfie)
	if errors.Is(err, monitor.ErrNoFace) {
		writeError(w, http.StatusUnprocessableEntity, "no face detected in selfie")
		return
	}
	if err != nil {
		logger.Error("Failed to extract selfie embedding", "candidate_id", candidateID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to extract embedding")
		return
	}

	var (
		reference []float32
		method    string
	)
	if len(r.MultipartForm.File["id_image"]) > 0 {
		_, _, idImg, reason := readImage(r, "id_image")
		if reason != "" {
			writeError(w, http.StatusBadRequest, "id_image: "+reason)
			return
		}
		reference, err = monitor.EnrollmentEmbedding(r.Context(), m.Detector, m.Embedder, idImg)
		if errors.Is(err, monitor.ErrNoFace) {
			writeError(w, http.StatusUnprocessableEntity, "no face detected in id_image")
			return
		}
		if err != nil {
			logger.Error("Failed to extract ID embedding", "candidate_id", candidateID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to extract embedding")
			return
		}
		method = "id_image"
	} else {
		var found bool
		reference, found, err = app.KYC.GetEmbedding(r.Context(), candidateID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load kyc profile")
			return
		}
		if !found {
			writeError(w, http.StatusBadRequest, "id_image required (no enrolled profile)")
			return
		}
		method = "profile"
	}

	threshold := monitor.DefaultKYCThreshold
	if app.Verifier != nil {
		threshold = app.Verifier.Threshold()
	}
	similarity := monitor.CosineSimilarity(reference, selfieEmb)
	passed := similarity >= threshold

	saved := false
	if passed {
		if err := app.enroll(r, candidateID, selfieEmb, selfieData, selfieHeader); err != nil {
			logger.Error("Failed to save KYC profile", "candidate_id", candidateID, "error", err)
		} else {
			saved = true
		}
	}

	logger.Info("KYC verification", "candidate_id", candidateID, "method", method,
		"similarity", similarity, "passed", passed)
	writeJSON(w, http.StatusOK, map[string]any{
		"passed":     passed,
		"similarity": similarity,
		"threshold":  threshold,
		"saved":      saved,
		"method":     method,
	})
}

// readImage reads and decodes one multipart image field. A non-empty reason
// means the field was missing or unusable.
func readImage(r *http.Request, field string) ([]byte, *multipart.FileHeader, image.Image, string) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, nil, "Failed to get image"
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, nil, "Failed to read image"
	}
	img, err := media.DecodeImage(data)
	if err != nil {
		return nil, nil, nil, "Invalid image"
	}
	return data, header, img, ""
}

// enroll stores embedding as the candidate's reference, replacing any
// previous profile and its image.
func (app *App) enroll(r *http.Request, candidateID string, embedding []float32, data []byte, header *multipart.FileHeader) error {
	ctx := r.Context()
	profile := &models.KYCProfile{CandidateID: candidateID, Embedding: embedding}
	if app.Files != nil {
		path, err := app.Files.SaveFile(bytes.NewReader(data), storage.FileInfo{
			Dir:         "kyc",
			Filename:    candidateID + filepath.Ext(header.Filename),
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
		})
		if err != nil {
			logger.Warn("Failed to store KYC image", "candidate_id", candidateID, "error", err)
		} else {
			profile.ImagePath = path
		}
	}

	previous, _ := app.KYC.Get(ctx, candidateID)
	if err := app.KYC.Save(ctx, profile); err != nil {
		if profile.ImagePath != "" {
			app.Files.DeleteFile(profile.ImagePath)
		}
		return err
	}
	if previous != nil && previous.ImagePath != "" && previous.ImagePath != profile.ImagePath && app.Files != nil {
		app.Files.DeleteFile(previous.ImagePath)
	}
	if app.Verifier != nil {
		app.Verifier.Invalidate(candidateID)
	}
	return nil
}

func (app *App) KYCGetHandler(w http.ResponseWriter, r *http.Request) {
	if app.KYC == nil {
		writeError(w, http.StatusServiceUnavailable, "kyc store not configured")
		return
	}
	candidateID := chi.URLParam(r, "candidateID")

	profile, err := app.KYC.Get(r.Context(), candidateID)
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load kyc profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exists":        true,
		"embedding_dim": len(profile.Embedding),
		"image_path":    profile.ImagePath,
		"updated_at":    profile.UpdatedAt,
	})
}

func (app *App) KYCDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if app.KYC == nil {
		writeError(w, http.StatusServiceUnavailable, "kyc store not configured")
		return
	}
	candidateID := chi.URLParam(r, "candidateID")

	profile, _ := app.KYC.Get(r.Context(), candidateID)
	err := app.KYC.Delete(r.Context(), candidateID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to delete kyc profile")
		return
	}
	deleted := err == nil
	if deleted && profile != nil && profile.ImagePath != "" && app.Files != nil {
		app.Files.DeleteFile(profile.ImagePath)
	}
	if app.Verifier != nil {
		app.Verifier.Invalidate(candidateID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
