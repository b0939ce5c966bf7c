package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/heartbeat"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/monitor"
	"github.com/kdimtricp/proctorwatch/internal/rooms"
	"github.com/kdimtricp/proctorwatch/internal/rules"
	"github.com/kdimtricp/proctorwatch/internal/storage"
)

const defaultMaxUploadSize = 10 << 20

type App struct {
	Registry   *monitor.Registry
	Verifier   *monitor.FaceVerifier
	Pool       *ai.Pool
	Rooms      *rooms.Manager
	Hub        *media.Hub
	Heartbeats heartbeat.Store
	Policy     *rules.Engine

	DB       *database.DB
	Logs     *database.CheatingLogRepository
	KYC      *database.KYCRepository
	Files    storage.Storage
	Evidence *storage.EvidenceStore

	MaxUploadSize int64
	// AutoStart starts monitoring when a candidate joins over the websocket.
	AutoStart bool
	Now       func() time.Time
}

func (app *App) now() time.Time {
	if app.Now != nil {
		return app.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":               true,
		"analyzers_loaded": app.Pool != nil && app.Pool.Loaded(),
		"active_feeds":     0,
	}
	if app.Hub != nil {
		resp["active_feeds"] = app.Hub.Len()
	}
	if app.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.DB.PingContext(ctx); err != nil {
			resp["ok"] = false
			resp["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = app.DB.Type()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *App) StartAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	candidateID := chi.URLParam(r, "candidateID")

	if !app.inRoom(roomID, candidateID) {
		writeError(w, http.StatusNotFound, "candidate not found in room")
		return
	}

	res, err := app.Registry.Start(r.Context(), roomID, candidateID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       res,
		"candidate_id": candidateID,
		"room_id":      roomID,
	})
}

func (app *App) StopAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	candidateID := chi.URLParam(r, "candidateID")
	res := app.Registry.Stop(candidateID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       res,
		"candidate_id": candidateID,
	})
}

func (app *App) AnalysisStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"stats": app.Registry.Stats(),
	})
}

func (app *App) AnalysisHistoryHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	candidateID := chi.URLParam(r, "candidateID")

	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary := app.Registry.History(roomID, candidateID, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"candidate_id":    candidateID,
		"room_id":         roomID,
		"total_incidents": summary.Total,
		"summary":         summary.ByLevel,
		"incidents":       summary.Incidents,
	})
}

func parseHistoryFilter(r *http.Request) (rules.Filter, error) {
	q := r.URL.Query()
	var f rules.Filter
	var err error

	if f.FromTS, err = parseMillis(q.Get("from_ts")); err != nil {
		return f, errors.New("from_ts must be a unix millisecond timestamp")
	}
	if f.ToTS, err = parseMillis(q.Get("to_ts")); err != nil {
		return f, errors.New("to_ts must be a unix millisecond timestamp")
	}
	if lvl := q.Get("level"); lvl != "" {
		if f.Level, err = models.ParseSeverity(lvl); err != nil {
			return f, err
		}
	}
	f.Type = models.IncidentCode(q.Get("type"))
	return f, nil
}

func parseMillis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid timestamp")
	}
	return v, nil
}

func (app *App) CheatingLogsHandler(w http.ResponseWriter, r *http.Request) {
	if app.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "cheating log store not configured")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	candidateID := chi.URLParam(r, "candidateID")
	q := r.URL.Query()

	filter := models.LogFilter{
		Severity: q.Get("severity"),
		Type:     q.Get("type"),
	}
	from, err := parseMillis(q.Get("from_ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from_ts must be a unix millisecond timestamp")
		return
	}
	to, err := parseMillis(q.Get("to_ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to_ts must be a unix millisecond timestamp")
		return
	}
	if from > 0 {
		filter.From = time.UnixMilli(from)
	}
	if to > 0 {
		filter.To = time.UnixMilli(to)
	}
	if l := q.Get("limit"); l != "" {
		if filter.Limit, err = strconv.Atoi(l); err != nil || filter.Limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	logs, err := app.Logs.ListByCandidate(r.Context(), roomID, candidateID, filter)
	if err != nil {
		logger.Error("Listing cheating logs failed", "room_id", roomID, "candidate_id", candidateID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load cheating logs")
		return
	}
	counts, err := app.Logs.CountBySeverity(r.Context(), roomID, candidateID)
	if err != nil {
		logger.Error("Counting cheating logs failed", "room_id", roomID, "candidate_id", candidateID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load cheating logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"candidate_id": candidateID,
		"counts":       counts,
		"logs":         logs,
	})
}

func (app *App) ListRoomIncidentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Rooms.Incidents(chi.URLParam(r, "roomID")))
}

func (app *App) PostRoomIncidentHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := validate(roomIncidentSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var inc models.Incident
	if err := json.Unmarshal(body, &inc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inc.RoomID = roomID
	app.Rooms.AddIncident(roomID, inc)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (app *App) SessionSummaryHandler(w http.ResponseWriter, r *http.Request) {
	summary := app.Policy.Summary(chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"), rules.Filter{})
	writeJSON(w, http.StatusOK, summary)
}

func (app *App) EvidenceHandler(w http.ResponseWriter, r *http.Request) {
	if app.Evidence == nil {
		http.NotFound(w, r)
		return
	}
	rel := chi.URLParam(r, "*")

	file, err := app.Evidence.Open(rel)
	switch {
	case errors.Is(err, storage.ErrInvalidPath):
		http.Error(w, "Invalid evidence path", http.StatusBadRequest)
		return
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "Evidence not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "Error opening evidence", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	modTime := time.Time{}
	if st, ok := file.(interface{ Stat() (os.FileInfo, error) }); ok {
		if info, err := st.Stat(); err == nil {
			modTime = info.ModTime()
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, rel, modTime, file)
}

// inRoom reports whether userID is connected to roomID.
func (app *App) inRoom(roomID, userID string) bool {
	for _, m := range app.Rooms.Roster(roomID) {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
