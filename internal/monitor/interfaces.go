// Package monitor runs one analysis loop per candidate: it captures frame
// bundles, fans them out to the analyzers, resolves a scenario, tracks the
// screen-missing and idle timers, and hands reports and incidents to the
// broadcast and persistence collaborators.
package monitor

import (
	"context"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/rules"
)

// FrameSource yields the next bundle for one candidate. A nil bundle with a
// nil error means nothing usable arrived within timeout.
type FrameSource interface {
	CaptureAll(ctx context.Context, timeout time.Duration) (*models.FrameBundle, error)
}

// SourceLocator finds the frame source of a connected candidate.
type SourceLocator interface {
	Locate(candidateID string) (FrameSource, bool)
}

// LocatorFunc adapts a plain function to SourceLocator.
type LocatorFunc func(candidateID string) (FrameSource, bool)

func (f LocatorFunc) Locate(candidateID string) (FrameSource, bool) {
	return f(candidateID)
}

// HeartbeatStore reports the last client heartbeat, or false when none was recorded.
type HeartbeatStore interface {
	LastHeartbeat(ctx context.Context, roomID, candidateID string) (time.Time, bool, error)
}

// IncidentPolicy finalizes incidents and supplies timer thresholds.
type IncidentPolicy interface {
	ProcessIncident(ctx context.Context, roomID, candidateID string, inc models.Incident) (models.Incident, error)
	Threshold(tag models.IncidentCode, key string) (float64, bool)
}

// HistoryProvider summarizes the incidents already processed for a candidate.
type HistoryProvider interface {
	Summary(roomID, candidateID string, f rules.Filter) rules.Summary
}

type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, message any) error
}

// EvidenceStore writes a snapshot for an incident. An empty path with a nil
// error means there was no usable frame.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, bundle *models.FrameBundle, tag models.IncidentCode, roomID, candidateID string, ts time.Time) (string, error)
}

type LogStore interface {
	SaveLog(ctx context.Context, log *models.CheatingLog) error
}

// EmbeddingStore returns a candidate's KYC reference embedding; found is
// false when the candidate never enrolled.
type EmbeddingStore interface {
	GetEmbedding(ctx context.Context, candidateID string) (embedding []float32, found bool, err error)
}

// IncidentSink receives every synthetic incident after policy, e.g. to keep
// the room's incident list.
type IncidentSink interface {
	AddIncident(roomID string, inc models.Incident)
}
