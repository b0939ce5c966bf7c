package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port           string
	EvidenceDir    string
	MigrationsPath string
	RulesFile      string
	LogLevel       string

	DB       DBConfig
	Analyzer AnalyzerConfig
	Loop     LoopConfig

	HeartbeatBackend string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	HeartbeatTTL     time.Duration
}

type DBConfig struct {
	Type       string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SQLitePath string
}

type AnalyzerConfig struct {
	Backend         string
	InferenceURL    string
	GoogleVisionKey string
	KYCThreshold    float64
	WorkerPoolSize  int
	Deadline        time.Duration
}

type LoopConfig struct {
	FrameSkip      int
	CaptureTimeout time.Duration
	TargetCycle    time.Duration
	MinSleep       time.Duration
	StopTimeout    time.Duration
	FrameMaxAge    time.Duration
}

// Load reads the configuration from the environment, applying defaults for
// anything unset. Malformed numeric values are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8000"),
		EvidenceDir:      getEnv("EVIDENCE_DIR", "./evidence_images"),
		MigrationsPath:   getEnv("MIGRATIONS_PATH", "./migrations"),
		RulesFile:        os.Getenv("RULES_FILE"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HeartbeatBackend: getEnv("HEARTBEAT_BACKEND", "memory"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTTL, err = getDuration("HEARTBEAT_TTL", 6*time.Hour); err != nil {
		return nil, err
	}

	cfg.DB = DBConfig{
		Type:       getEnv("DB_TYPE", "sqlite"),
		SQLitePath: getEnv("DB_PATH", "./proctorwatch.db"),
	}
	if cfg.DB.Type == "postgres" {
		cfg.DB.Host = getEnv("DB_HOST", "localhost")
		if cfg.DB.Port, err = getInt("DB_PORT", 5432); err != nil {
			return nil, err
		}
		cfg.DB.User = getEnv("DB_USER", "proctorwatch")
		cfg.DB.Password = getEnv("DB_PASSWORD", "proctorwatch_dev")
		cfg.DB.Name = getEnv("DB_NAME", "proctorwatch")
	}

	cfg.Analyzer = AnalyzerConfig{
		Backend:         getEnv("ANALYZER_BACKEND", "mock"),
		InferenceURL:    getEnv("INFERENCE_URL", "http://localhost:9000"),
		GoogleVisionKey: os.Getenv("GOOGLE_VISION_API_KEY"),
	}
	if cfg.Analyzer.KYCThreshold, err = getFloat("KYC_THRESHOLD", 0.45); err != nil {
		return nil, err
	}
	if cfg.Analyzer.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", 4); err != nil {
		return nil, err
	}
	if cfg.Analyzer.Deadline, err = getDuration("ANALYSIS_DEADLINE", 3*time.Second); err != nil {
		return nil, err
	}

	if cfg.Loop.FrameSkip, err = getInt("FRAME_SKIP", 15); err != nil {
		return nil, err
	}
	if cfg.Loop.CaptureTimeout, err = getDuration("CAPTURE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Loop.TargetCycle, err = getDuration("TARGET_CYCLE", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Loop.MinSleep, err = getDuration("MIN_SLEEP", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Loop.StopTimeout, err = getDuration("STOP_TIMEOUT", time.Second); err != nil {
		return nil, err
	}
	if cfg.Loop.FrameMaxAge, err = getDuration("FRAME_MAX_AGE", 3*time.Second); err != nil {
		return nil, err
	}

	if cfg.Analyzer.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", cfg.Analyzer.WorkerPoolSize)
	}
	if cfg.Loop.FrameSkip <= 0 {
		return nil, fmt.Errorf("FRAME_SKIP must be positive, got %d", cfg.Loop.FrameSkip)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// getDuration accepts Go duration strings ("500ms") or a bare number of seconds.
func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
