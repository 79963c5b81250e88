package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"

	"medication_dose_tracker/internal/domain/schedule"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	StoreDriver             string
	DatabaseURL             string
	LogLevel                string
	Environment             string
	OverflowPolicy          schedule.OverflowPolicy
	MissedDoseGrace         time.Duration
	CronSpecMissedDoseSweep string
	PostponeStep            time.Duration
	MaxPostpones            int
	ListenForChanges        bool // Bridge Postgres NOTIFY into live queries
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	cfg.StoreDriver = strings.ToLower(os.Getenv("STORE_DRIVER"))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}
	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: want %s or %s", cfg.StoreDriver, StoreDriverPostgres, StoreDriverMemory)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreDriver == StoreDriverPostgres {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	cfg.OverflowPolicy, err = schedule.ParseOverflowPolicy(os.Getenv("DOSE_OVERFLOW_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("invalid DOSE_OVERFLOW_POLICY: %w", err)
	}

	cfg.MissedDoseGrace, err = durationEnv("MISSED_DOSE_GRACE", 2*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.CronSpecMissedDoseSweep = os.Getenv("CRON_SPEC_MISSED_DOSE_SWEEP")
	if cfg.CronSpecMissedDoseSweep == "" {
		cfg.CronSpecMissedDoseSweep = "*/15 * * * *" // Default: every 15 minutes
	}

	cfg.PostponeStep, err = durationEnv("POSTPONE_STEP", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	if cfg.PostponeStep <= 0 {
		return nil, fmt.Errorf("POSTPONE_STEP must be positive")
	}

	maxPostpones := os.Getenv("MAX_POSTPONES")
	if maxPostpones == "" {
		cfg.MaxPostpones = 2
	} else {
		cfg.MaxPostpones, err = strconv.Atoi(maxPostpones)
		if err != nil || cfg.MaxPostpones < 1 {
			return nil, fmt.Errorf("invalid MAX_POSTPONES %q: want a positive integer", maxPostpones)
		}
	}

	listen := os.Getenv("LISTEN_FOR_CHANGES")
	if listen != "" {
		cfg.ListenForChanges, err = strconv.ParseBool(listen)
		if err != nil {
			return nil, fmt.Errorf("invalid LISTEN_FOR_CHANGES: %w", err)
		}
	}
	if cfg.ListenForChanges && cfg.StoreDriver != StoreDriverPostgres {
		return nil, fmt.Errorf("LISTEN_FOR_CHANGES requires STORE_DRIVER=%s", StoreDriverPostgres)
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
