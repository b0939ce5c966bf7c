package models

import (
	"regexp"
	"time"
)

const maxLogDescription = 500

// CheatingLog is a persisted incident row.
type CheatingLog struct {
	ID            string    `json:"id"`
	ExamSessionID string    `json:"exam_session_id"`
	CandidateID   string    `json:"candidate_id"`
	IncidentType  string    `json:"incident_type"`
	Severity      string    `json:"severity"`
	Description   string    `json:"description"`
	EvidencePath  string    `json:"evidence_path,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// LogFilter narrows a cheating-log listing. Zero values mean "no filter".
type LogFilter struct {
	From     time.Time
	To       time.Time
	Severity string
	Type     string
	Limit    int
}

var tagPrefix = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)

// CleanDescription strips a leading "[TAG]" marker and truncates to 500
// characters, ending with "..." when cut.
func CleanDescription(s string) string {
	s = tagPrefix.ReplaceAllString(s, "")
	r := []rune(s)
	if len(r) > maxLogDescription {
		return string(r[:maxLogDescription-3]) + "..."
	}
	return s
}

// KYCProfile is a candidate's enrolled face reference.
type KYCProfile struct {
	CandidateID string    `json:"candidate_id"`
	Embedding   []float32 `json:"-"`
	ImagePath   string    `json:"image_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
