package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Forecast  ForecastConfig  `yaml:"forecast"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Retrain   RetrainConfig   `yaml:"retrain"`
	CrossVal  CrossValConfig  `yaml:"crossval"`
	Data      DataConfig      `yaml:"data"`
	Models    ModelConfig     `yaml:"models"`
	Paths     PathConfig      `yaml:"paths"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ForecastConfig struct {
	HorizonDays int   `yaml:"horizon_days"`
	Seed        int64 `yaml:"seed"`
}

// AlertConfig holds alert thresholds in working hours.
type AlertConfig struct {
	CriticalHours    float64 `yaml:"critical_hours"`
	HighHours        float64 `yaml:"high_hours"`
	LowHours         float64 `yaml:"low_hours"`
	UncertaintyHours float64 `yaml:"uncertainty_hours"`
	WeeklyMeanHours  float64 `yaml:"weekly_mean_hours"`
}

type RetrainConfig struct {
	StaleAfterDays  int  `yaml:"stale_after_days"`
	RetrainOnMonday bool `yaml:"retrain_on_monday"`
}

type CrossValConfig struct {
	InitialDays int           `yaml:"initial_days"`
	PeriodDays  int           `yaml:"period_days"`
	HorizonDays int           `yaml:"horizon_days"`
	Timeout     time.Duration `yaml:"timeout"`
	Parallelism int           `yaml:"parallelism"`
}

type DataConfig struct {
	MinDays         int     `yaml:"min_days"`
	MinTransactions int     `yaml:"min_transactions"`
	MinTarget       float64 `yaml:"min_target"`
	MaxTarget       float64 `yaml:"max_target"`
}

type ModelConfig struct {
	SeasonalPeriod int `yaml:"seasonal_period"`
	ForestTrees    int `yaml:"forest_trees"`
	BoostingStages int `yaml:"boosting_stages"`
}

type PathConfig struct {
	Input       string `yaml:"input"`
	DataDir     string `yaml:"data_dir"`
	OutputDir   string `yaml:"output_dir"`
	RegistryDir string `yaml:"registry_dir"`
	AuditDir    string `yaml:"audit_dir"`
}

// StoreConfig selects the training store backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // memory, redis, postgres, sqlite, mysql
	SnapshotPath string `yaml:"snapshot_path"`
	RedisAddr    string `yaml:"redis_addr"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	SQLDSN       string `yaml:"sql_dsn"`
}

type ServerConfig struct {
	Port      string        `yaml:"port"`
	TokenRate float64       `yaml:"token_rate"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type ScheduleConfig struct {
	PipelineCron string `yaml:"pipeline_cron"`
	Timezone     string `yaml:"timezone"`
}

type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Forecast: ForecastConfig{HorizonDays: 28, Seed: 42},
		Alerts: AlertConfig{
			CriticalHours:    60,
			HighHours:        50,
			LowHours:         25,
			UncertaintyHours: 15,
			WeeklyMeanHours:  45,
		},
		Retrain: RetrainConfig{StaleAfterDays: 30, RetrainOnMonday: true},
		CrossVal: CrossValConfig{
			InitialDays: 60,
			PeriodDays:  7,
			HorizonDays: 14,
			Timeout:     5 * time.Minute,
			Parallelism: 4,
		},
		Data:   DataConfig{MinDays: 30, MinTransactions: 10, MinTarget: 10, MaxTarget: 300},
		Models: ModelConfig{SeasonalPeriod: 7, ForestTrees: 100, BoostingStages: 150},
		Paths: PathConfig{
			OutputDir:   "./results",
			RegistryDir: "./models",
			AuditDir:    "./audit",
		},
		Store:    StoreConfig{Backend: "memory", SnapshotPath: "./state/training.json"},
		Server:   ServerConfig{Port: "8080", TokenRate: 5, CacheSize: 64, CacheTTL: time.Hour},
		Schedule: ScheduleConfig{PipelineCron: "0 6 * * *", Timezone: "America/Santiago"},
		Telemetry: TelemetryConfig{
			ServiceName: "staffcast",
		},
	}
}

// Load reads the YAML file at path (or STAFFCAST_CONFIG, or config.yaml when
// path is empty), applies STAFFCAST_* environment overrides and validates.
// A missing file is not an error: defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "config.yaml"
		if env := os.Getenv("STAFFCAST_CONFIG"); env != "" {
			path = env
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envOverrideInt(&cfg.Forecast.HorizonDays, "STAFFCAST_HORIZON_DAYS"))
	collect(envOverrideInt64(&cfg.Forecast.Seed, "STAFFCAST_SEED"))
	collect(envOverrideFloat(&cfg.Alerts.CriticalHours, "STAFFCAST_CRITICAL_HOURS"))
	collect(envOverrideFloat(&cfg.Alerts.HighHours, "STAFFCAST_HIGH_HOURS"))
	collect(envOverrideFloat(&cfg.Alerts.LowHours, "STAFFCAST_LOW_HOURS"))
	collect(envOverrideInt(&cfg.Retrain.StaleAfterDays, "STAFFCAST_STALE_AFTER_DAYS"))
	collect(envOverrideBool(&cfg.Retrain.RetrainOnMonday, "STAFFCAST_RETRAIN_ON_MONDAY"))
	collect(envOverrideInt(&cfg.CrossVal.Parallelism, "STAFFCAST_CV_PARALLELISM"))
	collect(envOverrideDuration(&cfg.CrossVal.Timeout, "STAFFCAST_CV_TIMEOUT"))
	envOverride(&cfg.Paths.Input, "STAFFCAST_INPUT")
	envOverride(&cfg.Paths.DataDir, "STAFFCAST_DATA_DIR")
	envOverride(&cfg.Paths.OutputDir, "STAFFCAST_OUTPUT_DIR")
	envOverride(&cfg.Paths.RegistryDir, "STAFFCAST_REGISTRY_DIR")
	envOverride(&cfg.Paths.AuditDir, "STAFFCAST_AUDIT_DIR")
	envOverride(&cfg.Store.Backend, "STAFFCAST_STORE_BACKEND")
	envOverride(&cfg.Store.SnapshotPath, "STAFFCAST_STORE_SNAPSHOT")
	envOverride(&cfg.Store.RedisAddr, "STAFFCAST_REDIS_ADDR")
	envOverride(&cfg.Store.PostgresDSN, "STAFFCAST_POSTGRES_DSN")
	envOverride(&cfg.Store.SQLDSN, "STAFFCAST_SQL_DSN")
	envOverride(&cfg.Server.Port, "PORT")
	collect(envOverrideFloat(&cfg.Server.TokenRate, "STAFFCAST_TOKEN_RATE"))
	envOverride(&cfg.Schedule.PipelineCron, "STAFFCAST_PIPELINE_CRON")
	envOverride(&cfg.Schedule.Timezone, "STAFFCAST_TIMEZONE")
	envOverride(&cfg.Notify.SlackToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.Notify.SlackChannel, "STAFFCAST_SLACK_CHANNEL")
	envOverride(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	return errors.Join(errs...)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Forecast.HorizonDays <= 0 {
		return fmt.Errorf("forecast.horizon_days must be positive, got %d", c.Forecast.HorizonDays)
	}
	if c.Alerts.CriticalHours <= c.Alerts.HighHours {
		return fmt.Errorf("alerts.critical_hours (%.1f) must exceed alerts.high_hours (%.1f)",
			c.Alerts.CriticalHours, c.Alerts.HighHours)
	}
	if c.Alerts.HighHours <= c.Alerts.LowHours {
		return fmt.Errorf("alerts.high_hours (%.1f) must exceed alerts.low_hours (%.1f)",
			c.Alerts.HighHours, c.Alerts.LowHours)
	}
	if c.CrossVal.InitialDays <= 0 || c.CrossVal.PeriodDays <= 0 || c.CrossVal.HorizonDays <= 0 {
		return fmt.Errorf("crossval windows must be positive: initial=%d period=%d horizon=%d",
			c.CrossVal.InitialDays, c.CrossVal.PeriodDays, c.CrossVal.HorizonDays)
	}
	if c.Data.MinTarget >= c.Data.MaxTarget {
		return fmt.Errorf("data.min_target (%.1f) must be below data.max_target (%.1f)",
			c.Data.MinTarget, c.Data.MaxTarget)
	}
	if c.Data.MinDays <= 0 {
		return fmt.Errorf("data.min_days must be positive, got %d", c.Data.MinDays)
	}
	if c.Models.SeasonalPeriod < 2 {
		return fmt.Errorf("models.seasonal_period must be at least 2, got %d", c.Models.SeasonalPeriod)
	}
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "redis", "postgres", "sqlite", "mysql":
	default:
		return fmt.Errorf("store.backend must be memory, redis, postgres, sqlite or mysql, got %q", c.Store.Backend)
	}
	return nil
}

// Location resolves the schedule timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" || strings.EqualFold(c.Schedule.Timezone, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

func envOverride(field *string, key string) {
	if val := os.Getenv(key); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envOverrideInt64(field *int64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envOverrideFloat(field *float64, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envOverrideBool(field *bool, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
	*field = parsed
	return nil
}

func envOverrideDuration(field *time.Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
	*field = parsed
	return nil
}
