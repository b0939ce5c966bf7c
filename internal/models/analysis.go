package models

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the five analyzers.
type Kind string

const (
	KindFaceDetection   Kind = "face_detection"
	KindFaceRecognition Kind = "face_recognition"
	KindScreenAnalysis  Kind = "screen_analysis"
	KindAudioAnalysis   Kind = "audio_analysis"
	KindBehavior        Kind = "behavior_analysis"
)

// AllKinds lists every analyzer kind in fan-out order.
var AllKinds = []Kind{
	KindFaceDetection,
	KindFaceRecognition,
	KindScreenAnalysis,
	KindAudioAnalysis,
	KindBehavior,
}

type Status string

const (
	StatusNormal          Status = "normal"
	StatusError           Status = "error"
	StatusNoCamera        Status = "no_camera"
	StatusNoScreen        Status = "no_screen"
	StatusNoAudio         Status = "no_audio"
	StatusNoFace          Status = "no_face"
	StatusMultipleFaces   Status = "multiple_faces"
	StatusVerified        Status = "verified"
	StatusNotVerified     Status = "not_verified"
	StatusEmbeddingFailed Status = "embedding_failed"
	StatusClean           Status = "clean"
	StatusSuspicious      Status = "suspicious"
	StatusViolation       Status = "violation"
	StatusSpeaking        Status = "speaking"
	StatusSilent          Status = "silent"
	StatusLookingAway     Status = "looking_away"
)

// Placeholder reports whether the status marks a skipped analyzer.
func (s Status) Placeholder() bool {
	return s == StatusNoCamera || s == StatusNoScreen || s == StatusNoAudio
}

type Scenario string

const (
	ScenarioNormal        Scenario = "normal"
	ScenarioMultipleFaces Scenario = "multiple_faces"
	ScenarioFaceMismatch  Scenario = "face_mismatch"
	ScenarioNoFace        Scenario = "no_face"
	ScenarioSearchEngine  Scenario = "search_engine"
	ScenarioChatApp       Scenario = "chat_app"
	ScenarioVoice         Scenario = "voice_detected"
	ScenarioLookingAway   Scenario = "looking_away"
	ScenarioSuspicious    Scenario = "suspicious"
)

// Detail is the kind-specific payload of a ModalityResult. The set of
// implementations is closed to this package.
type Detail interface {
	Kind() Kind
}

type BoundingBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

type FaceDetectionDetail struct {
	FacesDetected int           `json:"faces_detected"`
	Confidence    float64       `json:"confidence"`
	BoundingBoxes []BoundingBox `json:"bounding_boxes"`
}

// Best returns the highest-confidence box, or false when there is none.
func (d *FaceDetectionDetail) Best() (BoundingBox, bool) {
	if d == nil || len(d.BoundingBoxes) == 0 {
		return BoundingBox{}, false
	}
	best := d.BoundingBoxes[0]
	for _, b := range d.BoundingBoxes[1:] {
		if b.Confidence > best.Confidence {
			best = b
		}
	}
	return best, true
}

type FaceRecognitionDetail struct {
	IsVerified      bool    `json:"is_verified"`
	SimilarityScore float64 `json:"similarity_score"`
	Threshold       float64 `json:"threshold"`
	KYCImageID      string  `json:"kyc_image_id,omitempty"`
}

type ScreenDetail struct {
	OCRText            string   `json:"ocr_text"`
	SuspiciousKeywords []string `json:"suspicious_keywords"`
	SuspiciousScore    float64  `json:"suspicious_score"`
}

type AudioDetail struct {
	VoiceDetected    bool    `json:"voice_detected"`
	SpeakingDuration float64 `json:"speaking_duration"`
	NumSpeakers      int     `json:"num_speakers"`
	Confidence       float64 `json:"confidence"`
}

type BehaviorDetail struct {
	GazeDirection string  `json:"gaze_direction"`
	Yaw           float64 `json:"yaw"`
	Pitch         float64 `json:"pitch"`
}

func (*FaceDetectionDetail) Kind() Kind   { return KindFaceDetection }
func (*FaceRecognitionDetail) Kind() Kind { return KindFaceRecognition }
func (*ScreenDetail) Kind() Kind          { return KindScreenAnalysis }
func (*AudioDetail) Kind() Kind           { return KindAudioAnalysis }
func (*BehaviorDetail) Kind() Kind        { return KindBehavior }

// ModalityResult is one analyzer's output for one cycle. Values are built
// once and never modified afterwards.
type ModalityResult struct {
	Kind   Kind
	Status Status
	Alert  *Alert
	Error  string
	Detail Detail
}

// NewResult checks that detail matches kind.
func NewResult(kind Kind, status Status, alert *Alert, detail Detail) (ModalityResult, error) {
	if detail != nil && detail.Kind() != kind {
		return ModalityResult{}, fmt.Errorf("detail for %s attached to %s result", detail.Kind(), kind)
	}
	return ModalityResult{Kind: kind, Status: status, Alert: alert, Detail: detail}, nil
}

// ErrorResult is the isolated outcome of a failed analyzer.
func ErrorResult(kind Kind, err error) ModalityResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ModalityResult{Kind: kind, Status: StatusError, Error: msg}
}

// PlaceholderResult is returned for a kind whose modality is absent.
func PlaceholderResult(kind Kind) ModalityResult {
	switch kind {
	case KindScreenAnalysis:
		return ModalityResult{
			Kind:   kind,
			Status: StatusNoScreen,
			Detail: &ScreenDetail{SuspiciousKeywords: []string{}},
		}
	case KindAudioAnalysis:
		return ModalityResult{
			Kind:   kind,
			Status: StatusNoAudio,
			Detail: &AudioDetail{Confidence: 1.0},
		}
	default:
		return ModalityResult{Kind: kind, Status: StatusNoCamera}
	}
}

// MarshalJSON renders {"type": kind, "result": {status, alert, error?, ...detail}}.
func (r ModalityResult) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	if r.Detail != nil {
		raw, err := json.Marshal(r.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal %s detail: %w", r.Kind, err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("flatten %s detail: %w", r.Kind, err)
		}
	}
	body["status"] = r.Status
	body["alert"] = r.Alert
	if r.Error != "" {
		body["error"] = r.Error
	}

	return json.Marshal(struct {
		Type   Kind           `json:"type"`
		Result map[string]any `json:"result"`
	}{r.Kind, body})
}

// AnalysisReport aggregates one cycle for one candidate.
type AnalysisReport struct {
	Timestamp        int64            `json:"timestamp"`
	CandidateID      string           `json:"candidateId"`
	RoomID           string           `json:"roomId"`
	Analyses         []ModalityResult `json:"analyses"`
	Scenario         Scenario         `json:"scenario"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
}

// Alerts returns the non-nil alerts of the report in analysis order.
func (r *AnalysisReport) Alerts() []Alert {
	var alerts []Alert
	for _, a := range r.Analyses {
		if a.Alert != nil {
			alerts = append(alerts, *a.Alert)
		}
	}
	return alerts
}
