package monitor

import (
	"context"
	"fmt"
	"image"
	"math"
	"unicode/utf8"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

const (
	maxOCRText           = 500
	keywordScoreDivisor  = 10.0
	violationScore       = 0.7
	suspiciousScore      = 0.3
	speechAlertDurationS = 1.0
)

func analyzeFaces(ctx context.Context, det ai.FaceDetector, img image.Image) (models.ModalityResult, error) {
	boxes, err := det.DetectFaces(ctx, img)
	if err != nil {
		return models.ModalityResult{}, fmt.Errorf("detect faces: %w", err)
	}
	if boxes == nil {
		boxes = []models.BoundingBox{}
	}

	detail := &models.FaceDetectionDetail{FacesDetected: len(boxes), BoundingBoxes: boxes}
	if best, ok := detail.Best(); ok {
		detail.Confidence = best.Confidence
	}

	switch n := len(boxes); {
	case n == 0:
		return models.NewResult(models.KindFaceDetection, models.StatusNoFace, models.NewAlert(models.IncidentNoFace), detail)
	case n > 1:
		alert := models.NewAlert(models.IncidentMultipleFaces)
		alert.Message = fmt.Sprintf("%d faces detected", n)
		return models.NewResult(models.KindFaceDetection, models.StatusMultipleFaces, alert, detail)
	default:
		return models.NewResult(models.KindFaceDetection, models.StatusNormal, nil, detail)
	}
}

func analyzeScreen(ctx context.Context, scanner ai.ScreenTextScanner, img image.Image) (models.ModalityResult, error) {
	text, err := scanner.ExtractText(ctx, img)
	if err != nil {
		return models.ModalityResult{}, fmt.Errorf("extract screen text: %w", err)
	}

	keywords := ai.MatchKeywords(text)
	score := math.Min(float64(len(keywords))/keywordScoreDivisor, 1)
	detail := &models.ScreenDetail{
		OCRText:            truncateRunes(text, maxOCRText),
		SuspiciousKeywords: keywords,
		SuspiciousScore:    score,
	}

	switch {
	case score > violationScore:
		code := models.IncidentChatApp
		for _, kw := range keywords {
			if ai.IsSearchKeyword(kw) {
				code = models.IncidentSearchEngine
				break
			}
		}
		return models.NewResult(models.KindScreenAnalysis, models.StatusViolation, models.NewAlert(code), detail)
	case score > suspiciousScore:
		return models.NewResult(models.KindScreenAnalysis, models.StatusSuspicious, nil, detail)
	default:
		return models.NewResult(models.KindScreenAnalysis, models.StatusClean, nil, detail)
	}
}

func analyzeAudio(ctx context.Context, vad ai.VoiceActivityDetector, chunk *models.AudioChunk) (models.ModalityResult, error) {
	va, err := vad.DetectVoice(ctx, chunk)
	if err != nil {
		return models.ModalityResult{}, fmt.Errorf("detect voice: %w", err)
	}

	detail := &models.AudioDetail{
		VoiceDetected:    va.Speaking,
		SpeakingDuration: va.Duration,
		Confidence:       va.Confidence,
	}
	if !va.Speaking {
		return models.NewResult(models.KindAudioAnalysis, models.StatusSilent, nil, detail)
	}

	detail.NumSpeakers = 1
	var alert *models.Alert
	if va.Duration > speechAlertDurationS {
		alert = models.NewAlert(models.IncidentVoiceDetected)
	}
	return models.NewResult(models.KindAudioAnalysis, models.StatusSpeaking, alert, detail)
}

func analyzeBehavior(ctx context.Context, est ai.GazeEstimator, img image.Image) (models.ModalityResult, error) {
	gaze, err := est.EstimateGaze(ctx, img)
	if err != nil {
		return models.ModalityResult{}, fmt.Errorf("estimate gaze: %w", err)
	}

	detail := &models.BehaviorDetail{GazeDirection: gaze.Direction, Yaw: gaze.Yaw, Pitch: gaze.Pitch}
	if gaze.Direction != ai.GazeCenter {
		return models.NewResult(models.KindBehavior, models.StatusLookingAway, models.NewAlert(models.IncidentLookingAway), detail)
	}
	return models.NewResult(models.KindBehavior, models.StatusNormal, nil, detail)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
