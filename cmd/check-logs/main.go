package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/kdimtricp/proctorwatch/internal/config"
	"github.com/kdimtricp/proctorwatch/internal/database"
	"github.com/kdimtricp/proctorwatch/internal/models"
)

func main() {
	var (
		limit       = flag.Int("limit", 10, "Number of recent cheating logs to show")
		roomID      = flag.String("room", "", "Only show logs for this room (requires -candidate)")
		candidateID = flag.String("candidate", "", "Only show logs for this candidate")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

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
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	fmt.Println("Proctoring configuration")
	fmt.Println("========================")
	fmt.Printf("Database:         %s\n", db.Type())
	fmt.Printf("Analyzer backend: %s\n", cfg.Analyzer.Backend)
	if cfg.Analyzer.Backend != "mock" {
		fmt.Printf("Inference URL:    %s\n", cfg.Analyzer.InferenceURL)
	}
	if cfg.Analyzer.Backend == "google" && cfg.Analyzer.GoogleVisionKey == "" {
		fmt.Println("WARNING: google backend selected but GOOGLE_VISION_API_KEY is not set")
	}
	fmt.Printf("KYC threshold:    %.2f\n", cfg.Analyzer.KYCThreshold)
	fmt.Printf("Worker pool:      %d (deadline %s)\n", cfg.Analyzer.WorkerPoolSize, cfg.Analyzer.Deadline)
	fmt.Printf("Heartbeats:       %s\n", cfg.HeartbeatBackend)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := database.NewCheatingLogRepository(db)

	var logs []models.CheatingLog
	if *candidateID != "" {
		logs, err = repo.ListByCandidate(ctx, *roomID, *candidateID, models.LogFilter{Limit: *limit})
		if err == nil {
			var counts map[string]int
			if counts, err = repo.CountBySeverity(ctx, *roomID, *candidateID); err == nil {
				fmt.Printf("Severity counts for %s/%s: %v\n\n", *roomID, *candidateID, counts)
			}
		}
	} else {
		logs, err = repo.ListRecent(ctx, *limit)
	}
	if err != nil {
		log.Fatal("Failed to query cheating logs:", err)
	}

	fmt.Println("Recent cheating logs")
	fmt.Println("--------------------")
	if len(logs) == 0 {
		fmt.Println("No cheating logs recorded yet.")
		return
	}
	for _, l := range logs {
		fmt.Printf("%s  %-8s %-4s %s/%s\n",
			l.DetectedAt.Local().Format("2006-01-02 15:04:05"),
			l.Severity, l.IncidentType, l.ExamSessionID, l.CandidateID)
		fmt.Printf("    %.100s\n", l.Description)
		if l.EvidencePath != "" {
			fmt.Printf("    evidence: %s\n", l.EvidencePath)
		}
	}
}
