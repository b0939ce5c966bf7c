// Package rules is the incident policy: it finalizes incident levels,
// supplies timer thresholds and keeps a per-candidate incident ledger.
package rules

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

type ledgerKey struct {
	room      string
	candidate string
}

type ledger struct {
	counts    map[models.IncidentCode]int
	incidents []models.Incident
}

type Engine struct {
	cfg Config

	mu      sync.Mutex
	ledgers map[ledgerKey]*ledger
}

func NewEngine(cfg Config) *Engine {
	if cfg.LedgerLimit <= 0 {
		cfg.LedgerLimit = DefaultConfig().LedgerLimit
	}
	if cfg.Tags == nil {
		cfg.Tags = map[models.IncidentCode]TagRule{}
	}
	return &Engine{
		cfg:     cfg,
		ledgers: make(map[ledgerKey]*ledger),
	}
}

// Threshold returns the configured value for tag/key.
func (e *Engine) Threshold(tag models.IncidentCode, key string) (float64, bool) {
	rule, ok := e.cfg.Tags[tag]
	if !ok {
		return 0, false
	}
	v, ok := rule.Thresholds[key]
	return v, ok
}

// ProcessIncident finalizes inc for the candidate and records it. The
// returned incident carries the authoritative level.
func (e *Engine) ProcessIncident(ctx context.Context, roomID, candidateID string, inc models.Incident) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return inc, err
	}

	rule := e.cfg.Tags[inc.Tag]
	if rule.Level != "" {
		if lvl, err := models.ParseSeverity(rule.Level); err == nil {
			inc.Level = lvl
		}
	}
	if !inc.Level.Valid() {
		inc.Level = models.DefaultLevel(inc.Tag)
	}
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	inc.RoomID = roomID
	if inc.By == "" {
		inc.By = candidateID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	k := ledgerKey{roomID, candidateID}
	l, ok := e.ledgers[k]
	if !ok {
		l = &ledger{counts: make(map[models.IncidentCode]int)}
		e.ledgers[k] = l
	}
	l.counts[inc.Tag]++
	if rule.EscalateAfter > 0 && l.counts[inc.Tag] >= rule.EscalateAfter {
		inc.Level = inc.Level.Escalate()
	}

	l.incidents = append(l.incidents, inc)
	if over := len(l.incidents) - e.cfg.LedgerLimit; over > 0 {
		l.incidents = append([]models.Incident(nil), l.incidents[over:]...)
	}

	return inc, nil
}

// Filter narrows Summary output. Zero fields are ignored.
type Filter struct {
	FromTS int64
	ToTS   int64
	Level  models.Severity
	Type   models.IncidentCode
}

func (f Filter) match(inc models.Incident) bool {
	if f.FromTS > 0 && inc.TS < f.FromTS {
		return false
	}
	if f.ToTS > 0 && inc.TS > f.ToTS {
		return false
	}
	if f.Level != 0 && inc.Level != f.Level {
		return false
	}
	if f.Type != "" && inc.Tag != f.Type {
		return false
	}
	return true
}

type Summary struct {
	RoomID      string            `json:"roomId"`
	CandidateID string            `json:"candidateId"`
	Total       int               `json:"total"`
	ByLevel     map[string]int    `json:"summary"`
	Incidents   []models.Incident `json:"incidents"`
}

// Summary returns the candidate's recorded incidents, oldest first.
func (e *Engine) Summary(roomID, candidateID string, f Filter) Summary {
	s := Summary{
		RoomID:      roomID,
		CandidateID: candidateID,
		ByLevel:     map[string]int{"S1": 0, "S2": 0, "S3": 0, "S4": 0},
		Incidents:   []models.Incident{},
	}

	e.mu.Lock()
	l := e.ledgers[ledgerKey{roomID, candidateID}]
	if l != nil {
		for _, inc := range l.incidents {
			if f.match(inc) {
				s.Incidents = append(s.Incidents, inc)
			}
		}
	}
	e.mu.Unlock()

	sort.SliceStable(s.Incidents, func(i, j int) bool {
		return s.Incidents[i].TS < s.Incidents[j].TS
	})
	for _, inc := range s.Incidents {
		s.ByLevel[inc.Level.String()]++
	}
	s.Total = len(s.Incidents)
	return s
}

// Reset forgets the ledger of one candidate.
func (e *Engine) Reset(roomID, candidateID string) {
	e.mu.Lock()
	delete(e.ledgers, ledgerKey{roomID, candidateID})
	e.mu.Unlock()
}
