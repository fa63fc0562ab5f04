package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAddr         = "127.0.0.1:8090"
	defaultDBDriver     = "sqlite"
	defaultRunTTL       = 30 * time.Minute
	defaultReapInterval = 1 * time.Minute
	defaultLeaseTTL     = 15 * time.Minute
)

type Config struct {
	Addr         string
	DBDriver     string
	DBPath       string
	DBDSN        string
	StagesPath   string
	RedisAddr    string
	RunTTL       time.Duration
	ReapInterval time.Duration
	LeaseTTL     time.Duration
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "aptsim.db")

	addr := addrFromEnv(defaultAddr)
	dbDriver := envOrDefault("APTSIM_DB_DRIVER", defaultDBDriver)
	dbPath := envOrDefault("APTSIM_DB_PATH", defaultDBPath)
	dbDSN := os.Getenv("APTSIM_DB_DSN")
	stagesPath := os.Getenv("APTSIM_STAGES_PATH")
	redisAddr := os.Getenv("APTSIM_REDIS_ADDR")

	runTTL := defaultRunTTL
	if v := os.Getenv("APTSIM_RUN_TTL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid APTSIM_RUN_TTL: %w", err)
		}
		runTTL = parsed
	}
	reapInterval := defaultReapInterval
	if v := os.Getenv("APTSIM_REAP_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid APTSIM_REAP_INTERVAL: %w", err)
		}
		reapInterval = parsed
	}
	leaseTTL := defaultLeaseTTL
	if v := os.Getenv("APTSIM_LEASE_TTL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid APTSIM_LEASE_TTL: %w", err)
		}
		leaseTTL = parsed
	}

	flagSet := flag.NewFlagSet("aptsimd", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagDriver := flagSet.String("db-driver", dbDriver, "database driver: sqlite|postgres")
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagDSN := flagSet.String("dsn", dbDSN, "Postgres connection string when db-driver=postgres")
	flagStages := flagSet.String("stages", stagesPath, "path to a YAML stage table override")
	flagRedis := flagSet.String("redis", redisAddr, "Redis address for distributed run leases")
	flagRunTTL := flagSet.String("run-ttl", runTTL.String(), "max run age before it is timed out (0 disables)")
	flagReap := flagSet.String("reap-interval", reapInterval.String(), "stale run sweep interval")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	runTTLParsed, err := time.ParseDuration(*flagRunTTL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid run ttl: %w", err)
	}
	reapParsed, err := time.ParseDuration(*flagReap)
	if err != nil {
		return Config{}, fmt.Errorf("invalid reap interval: %w", err)
	}

	config := Config{
		Addr:         strings.TrimSpace(*flagAddr),
		DBDriver:     strings.ToLower(strings.TrimSpace(*flagDriver)),
		DBPath:       resolvePath(*flagDB, cwd),
		DBDSN:        strings.TrimSpace(*flagDSN),
		StagesPath:   resolvePath(*flagStages, cwd),
		RedisAddr:    strings.TrimSpace(*flagRedis),
		RunTTL:       runTTLParsed,
		ReapInterval: reapParsed,
		LeaseTTL:     leaseTTL,
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}

	switch config.DBDriver {
	case "sqlite":
		if config.DBPath == "" {
			return Config{}, errors.New("db-driver=sqlite requires db")
		}
	case "postgres":
		if config.DBDSN == "" {
			return Config{}, errors.New("db-driver=postgres requires dsn")
		}
	default:
		return Config{}, fmt.Errorf("unsupported db driver: %s", config.DBDriver)
	}

	if config.ReapInterval <= 0 {
		return Config{}, errors.New("reap-interval must be positive")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("APTSIM_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("APTSIM_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
