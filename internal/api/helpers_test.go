package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/heartbeat"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/monitor"
	"github.com/kdimtricp/proctorwatch/internal/rooms"
	"github.com/kdimtricp/proctorwatch/internal/rules"
	"github.com/kdimtricp/proctorwatch/internal/storage"
)

type testEnv struct {
	app     *App
	handler http.Handler
}

func newTestEnv(t *testing.T, models *ai.Models) *testEnv {
	t.Helper()
	if models == nil {
		models = ai.NewMockModels()
	}

	db, err := database.NewDB(database.Config{
		Type:       database.TypeSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	files, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	pool := ai.NewLoadedPool(models)
	kyc := database.NewKYCRepository(db)
	logs := database.NewCheatingLogRepository(db)
	verifier := monitor.NewFaceVerifier(kyc, monitor.DefaultKYCThreshold)
	roomManager := rooms.NewManager(rooms.Options{})
	hub := media.NewHub(media.FeedOptions{})
	heartbeats := heartbeat.NewMemoryStore()
	policy := rules.NewEngine(rules.DefaultConfig())
	evidence := storage.NewEvidenceStore(files)

	registry := monitor.NewRegistry(monitor.Deps{
		Pool:     pool,
		Executor: monitor.NewExecutor(pool, verifier, monitor.ExecutorOptions{}),
		Locator: monitor.LocatorFunc(func(candidateID string) (monitor.FrameSource, bool) {
			feed, ok := hub.Feed(candidateID)
			if !ok {
				return nil, false
			}
			return feed, true
		}),
		Heartbeats:  heartbeats,
		Policy:      policy,
		History:     policy,
		Broadcaster: roomManager,
		Evidence:    evidence,
		Logs:        logs,
		Incidents:   roomManager,
	}, monitor.Options{
		FrameSkip:      1,
		TickInterval:   time.Millisecond,
		CaptureTimeout: 50 * time.Millisecond,
		RetrySleep:     5 * time.Millisecond,
		SourceBackoff:  5 * time.Millisecond,
		FaultBackoff:   5 * time.Millisecond,
		TargetCycle:    10 * time.Millisecond,
		MinSleep:       time.Millisecond,
		StopTimeout:    time.Second,
	})
	t.Cleanup(registry.StopAll)

	app := &App{
		Registry:   registry,
		Verifier:   verifier,
		Pool:       pool,
		Rooms:      roomManager,
		Hub:        hub,
		Heartbeats: heartbeats,
		Policy:     policy,
		DB:         db,
		Logs:       logs,
		KYC:        kyc,
		Files:      files,
		Evidence:   evidence,
		AutoStart:  true,
	}
	return &testEnv{app: app, handler: NewRouter(app, nil)}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testPNGBase64(t *testing.T, w, h int) string {
	return base64.StdEncoding.EncodeToString(testPNG(t, w, h))
}
