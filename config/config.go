/*
Package config resolves server settings from flags, environment and a
YAML program file.

PRECEDENCE (highest first):
  1. Command-line flags that were explicitly set
  2. Environment variables (process env, then .env file)
  3. YAML file given by -config / POINTS_CONFIG
  4. Defaults

EXAMPLE FILE:
  port: 8080
  store: sqlite
  db_path: ./data/points.db
  log:
    format: json
    level: info
  program:
    validity_days: 365
    lock_days: 14
  scheduler:
    enabled: true
    interval: 1m
    rate: 50

ENVIRONMENT:
  PORT, POINTS_STORE, POINTS_DB_PATH, DATABASE_URL, LOG_FORMAT, LOG_LEVEL,
  POINTS_VALIDITY_DAYS, POINTS_LOCK_DAYS, SWEEP_ENABLED, SWEEP_INTERVAL,
  SWEEP_RATE, POINTS_CONFIG

SEE ALSO:
  - cmd/server/main.go: Consumer
  - command/commands.go: Issuing (program defaults)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Port        int    `yaml:"port"`
	Store       string `yaml:"store"`
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"`

	Log       Log       `yaml:"log"`
	Program   Program   `yaml:"program"`
	Scheduler Scheduler `yaml:"scheduler"`
}

type Log struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Program holds the loyalty program defaults for new grants. Nil means
// grants never expire / are never locked unless the command says so.
type Program struct {
	ValidityDays *int `yaml:"validity_days"`
	LockDays     *int `yaml:"lock_days"`
}

type Scheduler struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Rate is the max sweep actions per second; 0 means unlimited.
	Rate float64 `yaml:"rate"`
}

func Default() Config {
	return Config{
		Port:   8080,
		Store:  StoreSQLite,
		DBPath: "points.db",
		Log:    Log{Format: "json", Level: "info"},
		Scheduler: Scheduler{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// Load resolves the configuration for args (without the program name).
// lookup reads the environment; nil means the process environment plus
// a .env file in the working directory.
func Load(args []string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = processEnv(".env")
	}

	fs := flag.NewFlagSet("points-ledger", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configPath   = fs.String("config", "", "YAML config file")
		port         = fs.Int("port", 0, "HTTP ops server port")
		storeKind    = fs.String("store", "", "Event store: memory, sqlite or postgres")
		dbPath       = fs.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
		databaseURL  = fs.String("database-url", "", "PostgreSQL DSN")
		logFormat    = fs.String("log-format", "", "Log format: json or text")
		logLevel     = fs.String("log-level", "", "Log level: debug, info, warn, error")
		validityDays = fs.Int("validity-days", 0, "Default grant validity in days")
		lockDays     = fs.Int("lock-days", 0, "Default grant lock in days")
		sweepEnabled = fs.Bool("sweep", true, "Run lock/expiry sweeps")
		sweepEvery   = fs.Duration("sweep-interval", 0, "Sweep interval")
		sweepRate    = fs.Float64("sweep-rate", 0, "Max sweep actions per second (0 = unlimited)")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	// YAML
	path := *configPath
	if path == "" {
		path, _ = lookup("POINTS_CONFIG")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	// Environment
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	// Flags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "store":
			cfg.Store = *storeKind
		case "db":
			cfg.DBPath = *dbPath
		case "database-url":
			cfg.DatabaseURL = *databaseURL
		case "log-format":
			cfg.Log.Format = *logFormat
		case "log-level":
			cfg.Log.Level = *logLevel
		case "validity-days":
			cfg.Program.ValidityDays = intPtr(*validityDays)
		case "lock-days":
			cfg.Program.LockDays = intPtr(*lockDays)
		case "sweep":
			cfg.Scheduler.Enabled = *sweepEnabled
		case "sweep-interval":
			cfg.Scheduler.Interval = *sweepEvery
		case "sweep-rate":
			cfg.Scheduler.Rate = *sweepRate
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("POINTS_STORE", &c.Store)
	str("POINTS_DB_PATH", &c.DBPath)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_LEVEL", &c.Log.Level)

	var errs []error
	parse := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	parse("PORT", func(v string) (err error) {
		c.Port, err = strconv.Atoi(v)
		return err
	})
	parse("POINTS_VALIDITY_DAYS", func(v string) error {
		n, err := strconv.Atoi(v)
		c.Program.ValidityDays = intPtr(n)
		return err
	})
	parse("POINTS_LOCK_DAYS", func(v string) error {
		n, err := strconv.Atoi(v)
		c.Program.LockDays = intPtr(n)
		return err
	})
	parse("SWEEP_ENABLED", func(v string) (err error) {
		c.Scheduler.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("SWEEP_INTERVAL", func(v string) (err error) {
		c.Scheduler.Interval, err = time.ParseDuration(v)
		return err
	})
	parse("SWEEP_RATE", func(v string) (err error) {
		c.Scheduler.Rate, err = strconv.ParseFloat(v, 64)
		return err
	})

	return errors.Join(errs...)
}

// Validate checks the resolved settings.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("sqlite store needs a db path"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.Program.ValidityDays != nil && *c.Program.ValidityDays < 0 {
		errs = append(errs, errors.New("validity_days must not be negative"))
	}
	if c.Program.LockDays != nil && *c.Program.LockDays < 0 {
		errs = append(errs, errors.New("lock_days must not be negative"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler interval must be positive"))
	}
	if c.Scheduler.Rate < 0 {
		errs = append(errs, errors.New("scheduler rate must not be negative"))
	}
	return errors.Join(errs...)
}

// processEnv reads the process environment, falling back to envFile.
// Missing files are ignored.
func processEnv(envFile string) func(string) (string, bool) {
	fileEnv, err := godotenv.Read(envFile)
	if err != nil {
		fileEnv = map[string]string{}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
}

func intPtr(n int) *int { return &n }
