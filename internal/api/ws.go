package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/rooms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundTypes are accepted after the join.
var inboundTypes = map[string]bool{
	msgHeartbeat: true,
	msgFrame:     true,
	msgIncident:  true,
	msgLeave:     true,
}

type joinMessage struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type heartbeatMessage struct {
	TS int64 `json:"ts"`
}

type incidentMessage struct {
	Tag   models.IncidentCode `json:"tag"`
	Level *models.Severity    `json:"level"`
	Note  string              `json:"note"`
	TS    int64               `json:"ts"`
	By    string              `json:"by"`
}

type incidentEvent struct {
	Type string `json:"type"`
	models.Incident
}

func errorMessage(reason string, detail error) map[string]any {
	msg := map[string]any{"type": "error", "reason": reason}
	if detail != nil {
		msg["detail"] = detail.Error()
	}
	return msg
}

// WebSocketHandler serves /ws/{roomID}. The first message must be a join;
// after that the client may send heartbeat, frame, incident and leave.
func (app *App) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "room_id", roomID, "error", err)
		return
	}
	conn.SetReadLimit(rooms.MaxMessageSize)

	join, reason, err := readJoin(conn)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(rooms.WriteWait))
		_ = conn.WriteJSON(errorMessage(reason, err))
		_ = conn.Close()
		return
	}

	p := app.Rooms.Join(roomID, join.UserID, join.Role)
	go rooms.WritePump(conn, p)
	if err := app.Rooms.SendRoster(roomID, p); err != nil {
		logger.Warn("Failed to send roster", "room_id", roomID, "error", err)
	}

	candidate := join.Role == rooms.RoleCandidate
	startCtx, cancelStart := context.WithCancel(r.Context())
	started := make(chan struct{})
	if candidate {
		app.Hub.Open(join.UserID)
		go func() {
			defer close(started)
			if app.AutoStart && app.Registry != nil {
				app.startMonitoring(startCtx, roomID, join.UserID)
			}
		}()
	} else {
		close(started)
	}
	defer func() {
		cancelStart()
		<-started
		app.disconnect(roomID, p, candidate)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(rooms.PongWait))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(rooms.PongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read failed", "room_id", roomID, "user_id", p.UserID, "error", err)
			}
			return
		}
		if !app.handleMessage(r.Context(), roomID, p, data) {
			return
		}
	}
}

func readJoin(conn *websocket.Conn) (joinMessage, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(rooms.PongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return joinMessage{}, "read_failed", err
	}

	typ, err := messageType(data)
	if err != nil {
		return joinMessage{}, "expected_join", err
	}
	if typ != msgJoin {
		return joinMessage{}, "expected_join", errors.New("first message must be join")
	}

	var join joinMessage
	_ = json.Unmarshal(data, &join)
	if join.UserID == "" {
		return joinMessage{}, "missing_userId", errors.New("userId is required")
	}
	if err := validate(msgJoin, data); err != nil {
		return joinMessage{}, "invalid_message", err
	}
	if join.Role == "" {
		join.Role = rooms.RoleCandidate
	}
	return join, "", nil
}

// handleMessage processes one inbound message. It returns false when the
// participant asked to leave.
func (app *App) handleMessage(ctx context.Context, roomID string, p *rooms.Participant, data []byte) bool {
	typ, err := messageType(data)
	if err != nil {
		app.Rooms.Send(p, errorMessage("invalid_json", err))
		return true
	}
	if !inboundTypes[typ] {
		app.Rooms.Send(p, errorMessage("unknown_type", nil))
		return true
	}
	if err := validate(typ, data); err != nil {
		app.Rooms.Send(p, errorMessage("invalid_message", err))
		return true
	}

	switch typ {
	case msgLeave:
		return false
	case msgHeartbeat:
		app.recordHeartbeat(ctx, roomID, p, data)
	case msgFrame:
		app.ingestFrame(p, data)
	case msgIncident:
		app.relayIncident(ctx, roomID, p, data)
	}
	return true
}

func (app *App) recordHeartbeat(ctx context.Context, roomID string, p *rooms.Participant, data []byte) {
	if app.Heartbeats == nil {
		return
	}
	var hb heartbeatMessage
	_ = json.Unmarshal(data, &hb)

	ts := app.now()
	if hb.TS > 0 {
		ts = time.UnixMilli(hb.TS)
	}
	if err := app.Heartbeats.RecordHeartbeat(ctx, roomID, p.UserID, ts); err != nil {
		logger.Warn("Heartbeat record failed", "room_id", roomID, "user_id", p.UserID, "error", err)
	}
}

func (app *App) ingestFrame(p *rooms.Participant, data []byte) {
	if p.Role != rooms.RoleCandidate {
		app.Rooms.Send(p, errorMessage("forbidden", errors.New("only candidates publish frames")))
		return
	}
	var msg media.FrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		app.Rooms.Send(p, errorMessage("bad_frame", err))
		return
	}

	feed := app.Hub.Open(p.UserID)
	err := feed.Ingest(msg)
	switch {
	case err == nil:
	case errors.Is(err, media.ErrRateLimited), errors.Is(err, media.ErrFeedClosed):
		logger.Debug("Frame dropped", "user_id", p.UserID, "error", err)
	default:
		app.Rooms.Send(p, errorMessage("bad_frame", err))
	}
}

func (app *App) relayIncident(ctx context.Context, roomID string, p *rooms.Participant, data []byte) {
	var msg incidentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		app.Rooms.Send(p, errorMessage("invalid_message", err))
		return
	}

	inc := models.Incident{
		RoomID: roomID,
		By:     msg.By,
		Tag:    msg.Tag,
		Note:   msg.Note,
		TS:     msg.TS,
	}
	if inc.By == "" {
		inc.By = p.UserID
	}
	if inc.TS == 0 {
		inc.TS = app.now().UnixMilli()
	}
	if msg.Level != nil {
		inc.Level = *msg.Level
	} else {
		inc.Level = models.DefaultLevel(inc.Tag)
	}

	if app.Policy != nil {
		processed, err := app.Policy.ProcessIncident(ctx, roomID, p.UserID, inc)
		if err != nil {
			logger.Warn("Incident policy failed", "room_id", roomID, "tag", inc.Tag, "error", err)
		} else {
			inc = processed
		}
	}
	metrics.RecordIncident(string(inc.Tag), inc.Level.String())

	app.Rooms.AddIncident(roomID, inc)
	if err := app.Rooms.Relay(roomID, p, incidentEvent{Type: "incident", Incident: inc}); err != nil {
		logger.Warn("Incident relay failed", "room_id", roomID, "error", err)
	}
}

func (app *App) startMonitoring(ctx context.Context, roomID, candidateID string) {
	res, err := app.Registry.Start(ctx, roomID, candidateID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Auto-start failed", "room_id", roomID, "candidate_id", candidateID, "error", err)
		}
		return
	}
	logger.Info("Auto-start", "room_id", roomID, "candidate_id", candidateID, "status", res)
}

// disconnect removes the participant. A candidate's session and feed are
// torn down once no other connection for the same user remains.
func (app *App) disconnect(roomID string, p *rooms.Participant, candidate bool) {
	app.Rooms.Leave(roomID, p)
	if !candidate || app.inRoom(roomID, p.UserID) {
		return
	}
	if app.Registry != nil {
		app.Registry.Stop(p.UserID)
	}
	app.Hub.Close(p.UserID)
}
