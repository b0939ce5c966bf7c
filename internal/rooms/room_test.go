package rooms

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

func drain(p *Participant) []map[string]any {
	var out []map[string]any
	for {
		select {
		case msg, ok := <-p.Messages():
			if !ok {
				return out
			}
			var m map[string]any
			_ = json.Unmarshal(msg, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestJoinAnnouncesAndRoster(t *testing.T) {
	m := NewManager(Options{})
	proctor := m.Join("room-1", "p1", RoleProctor)
	cand := m.Join("room-1", "c1", RoleCandidate)

	msgs := drain(proctor)
	require.Len(t, msgs, 1)
	assert.Equal(t, "participant_joined", msgs[0]["type"])
	assert.Equal(t, "c1", msgs[0]["userId"])
	assert.Empty(t, drain(cand), "joiner does not see its own join")

	roster := m.Roster("room-1")
	require.Len(t, roster, 2)
	assert.Equal(t, "p1", roster[0].UserID)

	require.NoError(t, m.SendRoster("room-1", cand))
	msgs = drain(cand)
	require.Len(t, msgs, 1)
	assert.Equal(t, "roster", msgs[0]["type"])
	assert.Len(t, msgs[0]["participants"], 2)
}

func TestBroadcastReachesEveryoneIncludingStreams(t *testing.T) {
	m := NewManager(Options{})
	a := m.Join("r", "a", RoleProctor)
	b := m.Join("r", "b", RoleCandidate)
	sse := m.Subscribe("r")
	other := m.Join("other", "x", RoleProctor)
	drain(a)

	require.NoError(t, m.Broadcast(context.Background(), "r", map[string]any{"type": "ai_analysis"}))

	for _, p := range []*Participant{a, b, sse} {
		msgs := drain(p)
		require.Len(t, msgs, 1)
		assert.Equal(t, "ai_analysis", msgs[0]["type"])
	}
	assert.Empty(t, drain(other))
	assert.Len(t, m.Roster("r"), 2, "stream subscribers are not on the roster")
}

func TestBroadcastDropsForSlowParticipant(t *testing.T) {
	m := NewManager(Options{SendBuffer: 2})
	p := m.Join("r", "slow", RoleProctor)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Broadcast(context.Background(), "r", map[string]int{"n": i}))
	}
	assert.Len(t, drain(p), 2)
}

func TestBroadcastErrors(t *testing.T) {
	m := NewManager(Options{})
	assert.NoError(t, m.Broadcast(context.Background(), "empty", map[string]string{}))
	assert.Error(t, m.Broadcast(context.Background(), "r", make(chan int)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Broadcast(ctx, "r", 1), context.Canceled)
}

func TestLeave(t *testing.T) {
	m := NewManager(Options{})
	a := m.Join("r", "a", RoleProctor)
	b := m.Join("r", "b", RoleCandidate)
	drain(a)

	m.Leave("r", b)
	select {
	case <-b.Done():
	default:
		t.Fatal("participant not closed")
	}
	_, open := <-b.Messages()
	assert.False(t, open)

	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, "participant_left", msgs[0]["type"])

	// leaving twice or from an unknown room is harmless
	m.Leave("r", b)
	m.Leave("nowhere", a)
	assert.Len(t, m.Roster("r"), 1)
}

func TestIncidents(t *testing.T) {
	m := NewManager(Options{MaxIncidents: 2})
	assert.Empty(t, m.Incidents("r"))

	m.AddIncident("r", models.Incident{By: "c1", Tag: models.IncidentIdle, TS: 1})
	m.AddIncident("r", models.Incident{By: "c2", Tag: models.IncidentNoFace, TS: 2})
	m.AddIncident("r", models.Incident{By: "c1", Tag: models.IncidentScreenMissing, TS: 3})

	all := m.Incidents("r")
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[0].TS)

	mine := m.UserIncidents("r", "c1")
	require.Len(t, mine, 1)
	assert.Equal(t, models.IncidentScreenMissing, mine[0].Tag)
}
