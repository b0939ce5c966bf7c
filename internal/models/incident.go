package models

import (
	"fmt"
	"strings"
	"time"
)

type IncidentCode string

const (
	IncidentNoFace        IncidentCode = "A1"
	IncidentMultipleFaces IncidentCode = "A2"
	IncidentFaceMismatch  IncidentCode = "A3"
	IncidentScreenMissing IncidentCode = "A4"
	IncidentIdle          IncidentCode = "A11"
	IncidentSearchEngine  IncidentCode = "B1"
	IncidentChatApp       IncidentCode = "B2"
	IncidentVoiceDetected IncidentCode = "C1"
	IncidentLookingAway   IncidentCode = "D1"
)

// IsScreen reports whether the code belongs to the screen group (B*).
func (c IncidentCode) IsScreen() bool {
	return strings.HasPrefix(string(c), "B")
}

// Severity is ordered: S1 < S2 < S3 < S4.
type Severity int

const (
	SeverityS1 Severity = iota + 1
	SeverityS2
	SeverityS3
	SeverityS4
)

func (s Severity) String() string {
	return fmt.Sprintf("S%d", int(s))
}

func (s Severity) Valid() bool {
	return s >= SeverityS1 && s <= SeverityS4
}

// Escalate returns the next level, saturating at S4.
func (s Severity) Escalate() Severity {
	if s >= SeverityS4 {
		return SeverityS4
	}
	return s + 1
}

// LogSeverity maps a level onto the cheating-log vocabulary.
func (s Severity) LogSeverity() string {
	switch s {
	case SeverityS1:
		return "INFO"
	case SeverityS2:
		return "WARNING"
	case SeverityS3:
		return "SERIOUS"
	case SeverityS4:
		return "CRITICAL"
	default:
		return "WARNING"
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S1":
		return SeverityS1, nil
	case "S2":
		return SeverityS2, nil
	case "S3":
		return SeverityS3, nil
	case "S4":
		return SeverityS4, nil
	}
	return 0, fmt.Errorf("invalid severity level %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type incidentInfo struct {
	level   Severity
	message string
}

var incidentCatalog = map[IncidentCode]incidentInfo{
	IncidentNoFace:        {SeverityS2, "No face detected in camera frame"},
	IncidentMultipleFaces: {SeverityS3, "Multiple faces detected"},
	IncidentFaceMismatch:  {SeverityS4, "Face does not match KYC reference"},
	IncidentScreenMissing: {SeverityS2, "Screen share missing"},
	IncidentIdle:          {SeverityS1, "Candidate idle"},
	IncidentSearchEngine:  {SeverityS3, "Search engine detected on screen"},
	IncidentChatApp:       {SeverityS3, "Chat application detected on screen"},
	IncidentVoiceDetected: {SeverityS2, "Voice activity detected"},
	IncidentLookingAway:   {SeverityS1, "Candidate looking away from screen"},
}

// DefaultLevel is the level an incident code carries before policy.
// Unknown codes default to S2.
func DefaultLevel(code IncidentCode) Severity {
	if info, ok := incidentCatalog[code]; ok {
		return info.level
	}
	return SeverityS2
}

func DefaultMessage(code IncidentCode) string {
	if info, ok := incidentCatalog[code]; ok {
		return info.message
	}
	return "Suspicious activity"
}

// NewAlert builds an alert with the catalog level and message for code.
func NewAlert(code IncidentCode) *Alert {
	return &Alert{
		Type:    code,
		Level:   DefaultLevel(code),
		Message: DefaultMessage(code),
	}
}

type Alert struct {
	Type    IncidentCode `json:"type"`
	Level   Severity     `json:"level"`
	Message string       `json:"message"`
}

// Incident is a timestamped suspected violation. Level is final only after
// it has been through the incident policy.
type Incident struct {
	ID     string       `json:"id,omitempty"`
	RoomID string       `json:"roomId"`
	By     string       `json:"by"`
	Tag    IncidentCode `json:"tag"`
	Level  Severity     `json:"level"`
	Note   string       `json:"note"`
	TS     int64        `json:"ts"`
}

func (i Incident) Time() time.Time {
	return time.UnixMilli(i.TS)
}
