package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/api"
	"github.com/kdimtricp/proctorwatch/internal/config"
	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/heartbeat"
	"github.com/kdimtricp/proctorwatch/internal/logger"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/metrics"
	"github.com/kdimtricp/proctorwatch/internal/monitor"
	"github.com/kdimtricp/proctorwatch/internal/rooms"
	"github.com/kdimtricp/proctorwatch/internal/rules"
	"github.com/kdimtricp/proctorwatch/internal/storage"
	"github.com/kdimtricp/proctorwatch/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(database.Config{
		Type:       cfg.DB.Type,
		Host:       cfg.DB.Host,
		Port:       cfg.DB.Port,
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Name:       cfg.DB.Name,
		SQLitePath: cfg.DB.SQLitePath,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := database.NewMigrator(db, migrationSource(cfg.MigrationsPath)).Run(ctx)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("Applied migrations", "count", applied)
	}

	files, err := storage.NewLocalStorage(cfg.EvidenceDir)
	if err != nil {
		return err
	}

	policyCfg := rules.DefaultConfig()
	if cfg.RulesFile != "" {
		if policyCfg, err = rules.LoadFile(cfg.RulesFile); err != nil {
			return err
		}
		logger.Info("Loaded incident rules", "path", cfg.RulesFile)
	}
	policy := rules.NewEngine(policyCfg)

	heartbeats, closeHeartbeats, err := newHeartbeatStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHeartbeats()

	loader, err := ai.NewLoader(ai.Config{
		Backend:         cfg.Analyzer.Backend,
		InferenceURL:    cfg.Analyzer.InferenceURL,
		GoogleVisionKey: cfg.Analyzer.GoogleVisionKey,
	})
	if err != nil {
		return err
	}
	pool := ai.NewPool(loader)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	kyc := database.NewKYCRepository(db)
	logs := database.NewCheatingLogRepository(db)
	verifier := monitor.NewFaceVerifier(kyc, cfg.Analyzer.KYCThreshold)
	roomManager := rooms.NewManager(rooms.Options{})
	hub := media.NewHub(media.FeedOptions{MaxAge: cfg.Loop.FrameMaxAge})
	evidence := storage.NewEvidenceStore(files)

	registry := monitor.NewRegistry(monitor.Deps{
		Pool: pool,
		Executor: monitor.NewExecutor(pool, verifier, monitor.ExecutorOptions{
			WorkerPoolSize: cfg.Analyzer.WorkerPoolSize,
			Deadline:       cfg.Analyzer.Deadline,
		}),
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
		FrameSkip:      cfg.Loop.FrameSkip,
		CaptureTimeout: cfg.Loop.CaptureTimeout,
		TargetCycle:    cfg.Loop.TargetCycle,
		MinSleep:       cfg.Loop.MinSleep,
		StopTimeout:    cfg.Loop.StopTimeout,
	})

	app := &api.App{
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

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(app, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			"port", cfg.Port,
			"database", db.Type(),
			"analyzer_backend", cfg.Analyzer.Backend,
			"heartbeats", cfg.HeartbeatBackend,
			"evidence_dir", files.BasePath(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	registry.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// migrationSource prefers an on-disk migrations directory and falls back to
// the copy embedded in the binary.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func newHeartbeatStore(ctx context.Context, cfg *config.Config) (heartbeat.Store, func(), error) {
	switch cfg.HeartbeatBackend {
	case "", "memory":
		return heartbeat.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store := heartbeat.NewRedisStore(client, heartbeat.WithTTL(cfg.HeartbeatTTL))
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown HEARTBEAT_BACKEND %q", cfg.HeartbeatBackend)
	}
}
