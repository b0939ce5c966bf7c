// Package rooms tracks exam rooms, their connected participants and the
// incidents raised in them, and fans messages out to every participant.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

const (
	RoleCandidate = "candidate"
	RoleProctor   = "proctor"
	RoleObserver  = "observer"
)

const (
	defaultSendBuffer   = 64
	defaultMaxIncidents = 1000
)

// Participant is one connected client. Outbound messages are queued on a
// buffered channel; a full queue drops the message.
type Participant struct {
	ID       string
	UserID   string
	Role     string
	JoinedAt time.Time

	// stream participants (SSE) receive broadcasts but are not on the roster.
	stream bool
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Messages is the outbound queue. It is closed when the participant leaves.
func (p *Participant) Messages() <-chan []byte {
	return p.send
}

// Done is closed when the participant has been removed from its room.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

func (p *Participant) enqueue(msg []byte) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *Participant) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		close(p.send)
	})
}

type Room struct {
	ID string

	mu           sync.RWMutex
	participants map[string]*Participant
	incidents    []models.Incident
}

type Options struct {
	SendBuffer   int
	MaxIncidents int
}

type Manager struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxIncidents <= 0 {
		opts.MaxIncidents = defaultMaxIncidents
	}
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

func (m *Manager) room(roomID string, create bool) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok && create {
		r = &Room{ID: roomID, participants: make(map[string]*Participant)}
		m.rooms[roomID] = r
	}
	return r
}

// Join adds a participant and announces it to everyone already present.
func (m *Manager) Join(roomID, userID, role string) *Participant {
	p := m.newParticipant(userID, role, false)
	r := m.room(roomID, true)

	r.mu.Lock()
	r.participants[p.ID] = p
	r.mu.Unlock()

	logger.Info("Participant joined", "room_id", roomID, "user_id", userID, "role", role)
	m.broadcastExcept(roomID, p.ID, map[string]any{
		"type":   "participant_joined",
		"userId": userID,
		"role":   role,
	})
	return p
}

// Subscribe registers an event-stream listener for the room.
func (m *Manager) Subscribe(roomID string) *Participant {
	p := m.newParticipant("", RoleObserver, true)
	r := m.room(roomID, true)
	r.mu.Lock()
	r.participants[p.ID] = p
	r.mu.Unlock()
	return p
}

func (m *Manager) newParticipant(userID, role string, stream bool) *Participant {
	return &Participant{
		ID:       uuid.New().String(),
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now(),
		stream:   stream,
		send:     make(chan []byte, m.opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Leave removes the participant and, for roster members, announces it.
func (m *Manager) Leave(roomID string, p *Participant) {
	r := m.room(roomID, false)
	if r == nil || p == nil {
		return
	}

	r.mu.Lock()
	_, ok := r.participants[p.ID]
	delete(r.participants, p.ID)
	r.mu.Unlock()

	if !ok {
		return
	}
	p.close()

	if !p.stream {
		logger.Info("Participant left", "room_id", roomID, "user_id", p.UserID)
		m.broadcastExcept(roomID, "", map[string]any{
			"type":   "participant_left",
			"userId": p.UserID,
		})
	}
}

// Member is the roster view of a participant.
type Member struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Roster lists the room's non-stream participants ordered by join time.
func (m *Manager) Roster(roomID string) []Member {
	out := []Member{}
	r := m.room(roomID, false)
	if r == nil {
		return out
	}
	r.mu.RLock()
	for _, p := range r.participants {
		if !p.stream {
			out = append(out, Member{ID: p.ID, UserID: p.UserID, Role: p.Role, JoinedAt: p.JoinedAt})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// SendRoster queues the current roster for one participant.
func (m *Manager) SendRoster(roomID string, p *Participant) error {
	return m.Send(p, map[string]any{
		"type":         "roster",
		"participants": m.Roster(roomID),
	})
}

// Send queues message for a single participant.
func (m *Manager) Send(p *Participant, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if !p.enqueue(data) {
		metrics.RecordBroadcastDrop()
	}
	return nil
}

// Relay broadcasts message to everyone in the room except the sender.
func (m *Manager) Relay(roomID string, from *Participant, message any) error {
	return m.broadcastExcept(roomID, from.ID, message)
}

// Broadcast encodes message once and queues it for every participant in the
// room, including stream subscribers. It never blocks on a slow receiver.
func (m *Manager) Broadcast(ctx context.Context, roomID string, message any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.broadcastExcept(roomID, "", message)
}

func (m *Manager) broadcastExcept(roomID, skipID string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	r := m.room(roomID, false)
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.participants {
		if id == skipID {
			continue
		}
		if !p.enqueue(data) {
			metrics.RecordBroadcastDrop()
			logger.Debug("Dropped message for slow participant", "room_id", roomID, "participant_id", id)
		}
	}
	return nil
}

// AddIncident appends to the room's incident list, keeping the newest entries.
func (m *Manager) AddIncident(roomID string, inc models.Incident) {
	r := m.room(roomID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.incidents = append(r.incidents, inc)
	if over := len(r.incidents) - m.opts.MaxIncidents; over > 0 {
		r.incidents = append([]models.Incident(nil), r.incidents[over:]...)
	}
}

func (m *Manager) Incidents(roomID string) []models.Incident {
	r := m.room(roomID, false)
	if r == nil {
		return []models.Incident{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Incident, len(r.incidents))
	copy(out, r.incidents)
	return out
}

// UserIncidents filters the room's incidents raised by or about userID.
func (m *Manager) UserIncidents(roomID, userID string) []models.Incident {
	out := []models.Incident{}
	for _, inc := range m.Incidents(roomID) {
		if inc.By == userID {
			out = append(out, inc)
		}
	}
	return out
}
