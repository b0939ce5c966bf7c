package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/rules"
)

var (
	ErrNotConfigured     = errors.New("analyzer pool or frame locator not configured")
	ErrStoppedDuringLoad = errors.New("session stopped while starting")
)

type StartResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already_running"
)

type StopResult string

const (
	Stopped    StopResult = "stopped"
	NotRunning StopResult = "not_running"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Pool        *ai.Pool
	Executor    *Executor
	Locator     SourceLocator
	Heartbeats  HeartbeatStore
	Policy      IncidentPolicy
	History     HistoryProvider
	Broadcaster Broadcaster
	Evidence    EvidenceStore
	Logs        LogStore
	Incidents   IncidentSink
	Now         func() time.Time
}

// Options tune the session loop.
type Options struct {
	FrameSkip      int
	TickInterval   time.Duration
	CaptureTimeout time.Duration
	RetrySleep     time.Duration
	SourceBackoff  time.Duration
	FaultBackoff   time.Duration
	TargetCycle    time.Duration
	MinSleep       time.Duration
	StopTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		FrameSkip:      15,
		TickInterval:   33 * time.Millisecond,
		CaptureTimeout: 2 * time.Second,
		RetrySleep:     500 * time.Millisecond,
		SourceBackoff:  time.Second,
		FaultBackoff:   time.Second,
		TargetCycle:    500 * time.Millisecond,
		MinSleep:       100 * time.Millisecond,
		StopTimeout:    time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FrameSkip <= 0 {
		o.FrameSkip = d.FrameSkip
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = d.CaptureTimeout
	}
	if o.RetrySleep <= 0 {
		o.RetrySleep = d.RetrySleep
	}
	if o.SourceBackoff <= 0 {
		o.SourceBackoff = d.SourceBackoff
	}
	if o.FaultBackoff <= 0 {
		o.FaultBackoff = d.FaultBackoff
	}
	if o.TargetCycle <= 0 {
		o.TargetCycle = d.TargetCycle
	}
	if o.MinSleep <= 0 {
		o.MinSleep = d.MinSleep
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

// Registry runs at most one monitoring session per candidate.
type Registry struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Executor == nil && deps.Pool != nil {
		deps.Executor = NewExecutor(deps.Pool, nil, ExecutorOptions{})
	}
	return &Registry{
		deps:     deps,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*session),
	}
}

// Start launches a session for candidateID in roomID. It blocks until the
// analyzer pool is loaded; a load failure is returned and leaves no entry.
func (r *Registry) Start(ctx context.Context, roomID, candidateID string) (StartResult, error) {
	if r.deps.Pool == nil || r.deps.Locator == nil {
		return "", ErrNotConfigured
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		roomID:      roomID,
		candidateID: candidateID,
		startedAt:   r.deps.Now(),
		deps:        r.deps,
		opts:        r.opts,
		log:         logger.Candidate(roomID, candidateID),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.setPhase(PhaseStarting)

	r.mu.Lock()
	if _, exists := r.sessions[candidateID]; exists {
		r.mu.Unlock()
		cancel()
		return AlreadyRunning, nil
	}
	r.sessions[candidateID] = s
	r.mu.Unlock()

	if _, err := r.deps.Pool.Load(ctx); err != nil {
		r.remove(s)
		cancel()
		s.setPhase(PhaseStopped)
		close(s.done)
		logger.Error("Analyzer pool failed to load", "candidate_id", candidateID, "error", err)
		return "", fmt.Errorf("start session for %s: %w", candidateID, err)
	}
	if loopCtx.Err() != nil {
		r.remove(s)
		s.setPhase(PhaseStopped)
		close(s.done)
		return "", ErrStoppedDuringLoad
	}

	s.th = LoadThresholds(r.deps.Policy)
	metrics.SessionStarted()
	go func() {
		defer func() {
			r.remove(s)
			s.setPhase(PhaseStopped)
			metrics.SessionStopped()
			close(s.done)
			s.log.Info("Monitoring session stopped")
		}()
		s.run(loopCtx)
	}()

	logger.Info("Monitoring started", "room_id", roomID, "candidate_id", candidateID)
	return Started, nil
}

// remove deletes the entry only if it still belongs to s.
func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.candidateID]; ok && cur == s {
		delete(r.sessions, s.candidateID)
	}
}

// Stop cancels the candidate's session and waits for it up to the stop
// timeout. The entry is cleared either way.
func (r *Registry) Stop(candidateID string) StopResult {
	r.mu.Lock()
	s, ok := r.sessions[candidateID]
	r.mu.Unlock()
	if !ok {
		return NotRunning
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(r.opts.StopTimeout):
		s.log.Warn("Session did not stop in time, clearing entry", "timeout", r.opts.StopTimeout)
	}
	r.remove(s)
	return Stopped
}

// StopAll stops every session, waiting for each at most the stop timeout.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Stop(id)
		}(id)
	}
	wg.Wait()
}

func (r *Registry) Running(candidateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[candidateID]
	return ok
}

type SessionInfo struct {
	CandidateID string    `json:"candidateId"`
	RoomID      string    `json:"roomId"`
	Phase       Phase     `json:"phase"`
	StartedAt   time.Time `json:"startedAt"`
	Cycles      int64     `json:"cycles"`
}

type Stats struct {
	ActiveSessions []SessionInfo `json:"active_sessions"`
	TotalSessions  int           `json:"total_sessions"`
	Analyzer       AnalyzerStats `json:"analyzer_stats"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			CandidateID: s.candidateID,
			RoomID:      s.roomID,
			Phase:       s.Phase(),
			StartedAt:   s.startedAt,
			Cycles:      s.cycles.Load(),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CandidateID < infos[j].CandidateID })
	st := Stats{ActiveSessions: infos, TotalSessions: len(infos)}
	if r.deps.Executor != nil {
		st.Analyzer = r.deps.Executor.Stats()
	}
	return st
}

// History returns the policy ledger for one candidate.
func (r *Registry) History(roomID, candidateID string, f rules.Filter) rules.Summary {
	if r.deps.History == nil {
		return rules.Summary{RoomID: roomID, CandidateID: candidateID}
	}
	return r.deps.History.Summary(roomID, candidateID, f)
}
