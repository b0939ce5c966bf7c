package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

// Phase is the lifecycle state of a session.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

const persistTimeout = 5 * time.Second

// Cycle outcomes recorded in the analysis_cycles_total metric.
const (
	outcomeAnalyzed     = "analyzed"
	outcomeNoCamera     = "no_camera"
	outcomeNoFrames     = "no_frames"
	outcomeNoSource     = "no_source"
	outcomeCaptureError = "capture_error"
	outcomeFault        = "fault"
)

// session is the per-candidate loop. Its state is owned by the goroutine
// running it and never shared; only phase and cycles are read by Stats.
type session struct {
	roomID      string
	candidateID string
	startedAt   time.Time

	deps Deps
	opts Options
	th   Thresholds
	log  *slog.Logger

	frameCounter int
	timers       TimerState

	phase  atomic.Int32
	cycles atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) setPhase(p Phase) { s.phase.Store(int32(p)) }
func (s *session) Phase() Phase     { return Phase(s.phase.Load()) }

// run loops until ctx is cancelled. A faulting cycle is logged and retried
// after a backoff.
func (s *session) run(ctx context.Context) {
	s.setPhase(PhaseRunning)
	s.log.Info("Monitoring session running", "screen_timeout", s.th.ScreenTimeout, "idle_after", s.th.IdleAfter)

	for ctx.Err() == nil {
		wait, outcome, err := s.safeCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error("Monitoring cycle failed", "error", err)
			outcome, wait = outcomeFault, s.opts.FaultBackoff
		}
		if outcome != "" {
			metrics.RecordCycle(outcome)
		}
		if !sleep(ctx, wait) {
			break
		}
	}

	s.setPhase(PhaseStopping)
	s.log.Info("Monitoring session stopping")
}

func (s *session) safeCycle(ctx context.Context) (wait time.Duration, outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle panic: %v", p)
		}
	}()
	return s.cycle(ctx)
}

// cycle performs one tick of the loop. It returns how long to sleep before
// the next one and the outcome to record; skipped ticks have no outcome.
func (s *session) cycle(ctx context.Context) (time.Duration, string, error) {
	src, ok := s.deps.Locator.Locate(s.candidateID)
	if !ok || src == nil {
		return s.opts.SourceBackoff, outcomeNoSource, nil
	}

	s.frameCounter++
	if s.frameCounter%s.opts.FrameSkip != 0 {
		return s.opts.TickInterval, "", nil
	}

	bundle, err := src.CaptureAll(ctx, s.opts.CaptureTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		s.log.Debug("Frame capture failed", "error", err)
		return s.opts.SourceBackoff, outcomeCaptureError, nil
	}
	if bundle.Empty() {
		return s.opts.RetrySleep, outcomeNoFrames, nil
	}

	s.checkTimers(ctx, bundle)

	if !bundle.HasCamera() {
		return s.opts.RetrySleep, outcomeNoCamera, nil
	}

	start := time.Now()
	results, err := s.deps.Executor.RunAnalyses(ctx, bundle, s.candidateID)
	if err != nil {
		return 0, "", fmt.Errorf("run analyses: %w", err)
	}
	alerts, scenario := Resolve(results)
	processing := time.Since(start)

	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}

	now := s.deps.Now()
	report := models.AnalysisReport{
		Timestamp:        now.UnixMilli(),
		CandidateID:      s.candidateID,
		RoomID:           s.roomID,
		Analyses:         results,
		Scenario:         scenario,
		ProcessingTimeMs: processing.Milliseconds(),
	}
	s.broadcast(ctx, map[string]any{"type": "ai_analysis", "data": report})

	for _, a := range alerts {
		inc := models.Incident{Tag: a.Type, Level: a.Level, Note: a.Message, TS: now.UnixMilli()}
		inc = s.applyPolicy(ctx, inc)
		s.persist(ctx, bundle, inc, a.Message)
	}

	s.cycles.Add(1)
	if scenario != models.ScenarioNormal {
		s.log.Info("Suspicious activity", "scenario", scenario, "alerts", len(alerts))
	}

	return max(s.opts.MinSleep, s.opts.TargetCycle-processing), outcomeAnalyzed, nil
}

// checkTimers runs the screen-missing and idle timers for this cycle.
func (s *session) checkTimers(ctx context.Context, bundle *models.FrameBundle) {
	now := s.deps.Now()

	if ev, fire := s.timers.CheckScreen(now, bundle.HasScreen(), s.th); fire {
		s.emitTimerEvent(ctx, bundle, ev)
	}

	if s.deps.Heartbeats == nil {
		return
	}
	last, ok, err := s.deps.Heartbeats.LastHeartbeat(ctx, s.roomID, s.candidateID)
	if err != nil {
		s.log.Warn("Heartbeat lookup failed", "error", err)
		return
	}
	if ev, fire := s.timers.CheckIdle(now, last, ok, s.th); fire {
		s.emitTimerEvent(ctx, bundle, ev)
	}
}

func (s *session) emitTimerEvent(ctx context.Context, bundle *models.FrameBundle, ev TimerEvent) {
	inc := s.applyPolicy(ctx, ev.Incident)
	s.log.Warn("Timer incident", "tag", inc.Tag, "level", inc.Level, "note", inc.Note)

	s.broadcast(ctx, incidentMessage(inc))
	if s.deps.Incidents != nil {
		s.deps.Incidents.AddIncident(s.roomID, inc)
	}
	s.persist(ctx, bundle, inc, ev.Description())
}

// applyPolicy hands inc to the incident policy. On failure the incident keeps
// its declared level.
func (s *session) applyPolicy(ctx context.Context, inc models.Incident) models.Incident {
	inc.RoomID = s.roomID
	inc.By = s.candidateID
	if s.deps.Policy != nil {
		final, err := s.deps.Policy.ProcessIncident(ctx, s.roomID, s.candidateID, inc)
		if err == nil {
			inc = final
		} else if !errors.Is(err, context.Canceled) {
			s.log.Warn("Incident policy failed, keeping declared level", "tag", inc.Tag, "error", err)
		}
	}
	metrics.RecordIncident(string(inc.Tag), inc.Level.String())
	return inc
}

func (s *session) broadcast(ctx context.Context, message any) {
	if s.deps.Broadcaster == nil {
		return
	}
	if err := s.deps.Broadcaster.Broadcast(ctx, s.roomID, message); err != nil {
		s.log.Warn("Broadcast failed", "error", err)
	}
}

// persist stores the evidence snapshot and the cheating log entry. Failures
// are logged and never propagate.
func (s *session) persist(ctx context.Context, bundle *models.FrameBundle, inc models.Incident, description string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var evidencePath string
	if s.deps.Evidence != nil {
		path, err := s.deps.Evidence.SaveEvidence(pctx, bundle, inc.Tag, s.roomID, s.candidateID, inc.Time())
		if err != nil {
			metrics.RecordPersistenceFailure("evidence")
			s.log.Warn("Saving evidence failed", "tag", inc.Tag, "error", err)
		}
		evidencePath = path
	}

	if s.deps.Logs == nil {
		return
	}
	entry := &models.CheatingLog{
		ExamSessionID: s.roomID,
		CandidateID:   s.candidateID,
		IncidentType:  string(inc.Tag),
		Severity:      inc.Level.LogSeverity(),
		Description:   description,
		EvidencePath:  evidencePath,
		DetectedAt:    inc.Time(),
	}
	if err := s.deps.Logs.SaveLog(pctx, entry); err != nil {
		metrics.RecordPersistenceFailure("cheating_log")
		s.log.Warn("Saving cheating log failed", "tag", inc.Tag, "error", err)
	}
}

func incidentMessage(inc models.Incident) map[string]any {
	return map[string]any{
		"type":   "incident",
		"id":     inc.ID,
		"roomId": inc.RoomID,
		"by":     inc.By,
		"tag":    inc.Tag,
		"level":  inc.Level,
		"note":   inc.Note,
		"ts":     inc.TS,
	}
}

// sleep waits for d or until ctx is done and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
