// Command replay runs the analyzer fan-out and scenario resolution over a
// recorded camera video, one sampled frame at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/ai"
	"github.com/kdimtricp/proctorwatch/internal/config"
	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/media"
	"github.com/kdimtricp/proctorwatch/internal/models"
	"github.com/kdimtricp/proctorwatch/internal/monitor"
	"github.com/kdimtricp/proctorwatch/internal/rules"
	"github.com/kdimtricp/proctorwatch/internal/storage"
)

func main() {
	var (
		videoPath   = flag.String("video", "", "Path to a recorded camera video")
		roomID      = flag.String("room", "replay", "Room ID used for incidents")
		candidateID = flag.String("candidate", "", "Candidate ID (used for KYC verification)")
		interval    = flag.Duration("interval", 2*time.Second, "Sampling interval")
		frameSize   = flag.Int("size", 640, "Maximum frame dimension")
		persist     = flag.Bool("persist", false, "Save incidents as cheating logs with evidence")
	)
	flag.Parse()

	if *videoPath == "" || *candidateID == "" {
		log.Fatal("Please provide -video and -candidate")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
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
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	loader, err := ai.NewLoader(ai.Config{
		Backend:         cfg.Analyzer.Backend,
		InferenceURL:    cfg.Analyzer.InferenceURL,
		GoogleVisionKey: cfg.Analyzer.GoogleVisionKey,
	})
	if err != nil {
		log.Fatal("Failed to configure analyzers:", err)
	}
	pool := ai.NewPool(loader)
	if _, err := pool.Load(ctx); err != nil {
		log.Fatal("Failed to load analyzers:", err)
	}

	verifier := monitor.NewFaceVerifier(database.NewKYCRepository(db), cfg.Analyzer.KYCThreshold)
	executor := monitor.NewExecutor(pool, verifier, monitor.ExecutorOptions{
		WorkerPoolSize: cfg.Analyzer.WorkerPoolSize,
		Deadline:       cfg.Analyzer.Deadline,
	})

	policyCfg := rules.DefaultConfig()
	if cfg.RulesFile != "" {
		if policyCfg, err = rules.LoadFile(cfg.RulesFile); err != nil {
			log.Fatal("Failed to load rules:", err)
		}
	}
	policy := rules.NewEngine(policyCfg)

	var (
		logs     *database.CheatingLogRepository
		evidence *storage.EvidenceStore
	)
	if *persist {
		files, err := storage.NewLocalStorage(cfg.EvidenceDir)
		if err != nil {
			log.Fatal("Failed to initialize storage:", err)
		}
		logs = database.NewCheatingLogRepository(db)
		evidence = storage.NewEvidenceStore(files)
	}

	extractor, err := media.NewFrameExtractor()
	if err != nil {
		log.Fatal("Failed to initialize frame extractor:", err)
	}
	defer extractor.Cleanup()

	start := time.Now()
	frames, err := extractor.ExtractFrames(ctx, *videoPath, *interval, *frameSize, start)
	if err != nil {
		log.Fatal("Failed to extract frames:", err)
	}
	fmt.Printf("Extracted %d frames from %s\n", len(frames), *videoPath)

	scenarios := map[models.Scenario]int{}
	for i := range frames {
		bundle := &models.FrameBundle{Camera: &frames[i]}
		offset := frames[i].Timestamp.Sub(start).Round(time.Millisecond)

		results, err := executor.RunAnalyses(ctx, bundle, *candidateID)
		if err != nil {
			log.Fatalf("Analysis of frame %d failed: %v", i, err)
		}
		alerts, scenario := monitor.Resolve(results)
		scenarios[scenario]++

		fmt.Printf("[%s] scenario=%s\n", offset, scenario)
		for _, r := range results {
			if r.Status == models.StatusError {
				fmt.Printf("    %s error: %s\n", r.Kind, r.Error)
			}
		}

		for _, a := range alerts {
			inc, err := policy.ProcessIncident(ctx, *roomID, *candidateID, models.Incident{
				Tag:   a.Type,
				Level: a.Level,
				Note:  a.Message,
				TS:    frames[i].Timestamp.UnixMilli(),
			})
			if err != nil {
				log.Fatal("Incident policy failed:", err)
			}
			fmt.Printf("    %s %s %s\n", inc.Tag, inc.Level, inc.Note)

			if logs != nil {
				saveIncident(ctx, logs, evidence, bundle, inc, *candidateID)
			}
		}
	}

	summary := policy.Summary(*roomID, *candidateID, rules.Filter{})
	fmt.Println()
	fmt.Println("Summary")
	fmt.Println("=======")
	names := make([]string, 0, len(scenarios))
	for sc := range scenarios {
		names = append(names, string(sc))
	}
	sort.Strings(names)
	for _, sc := range names {
		fmt.Printf("%-16s %d\n", sc, scenarios[models.Scenario(sc)])
	}
	fmt.Printf("Incidents: %d %v\n", summary.Total, summary.ByLevel)

	stats := executor.Stats()
	fmt.Printf("Analyzer stats: %+v\n", stats)
}

func saveIncident(ctx context.Context, logs *database.CheatingLogRepository, evidence *storage.EvidenceStore, bundle *models.FrameBundle, inc models.Incident, candidateID string) {
	path, err := evidence.SaveEvidence(ctx, bundle, inc.Tag, inc.RoomID, candidateID, inc.Time())
	if err != nil {
		log.Printf("Failed to save evidence for %s: %v", inc.Tag, err)
	}
	err = logs.SaveLog(ctx, &models.CheatingLog{
		ExamSessionID: inc.RoomID,
		CandidateID:   candidateID,
		IncidentType:  string(inc.Tag),
		Severity:      inc.Level.LogSeverity(),
		Description:   inc.Note,
		EvidencePath:  path,
		DetectedAt:    inc.Time(),
	})
	if err != nil {
		log.Printf("Failed to save cheating log for %s: %v", inc.Tag, err)
	}
}
