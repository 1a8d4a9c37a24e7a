package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Centralized configuration values
const (
	// HTTP
	DefaultListenAddr   = ":8000"
	DefaultReadTimeout  = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	ShutdownGracePeriod = 10 * time.Second

	// Temp files
	TempDirPrefix        = "spotify_converter_"
	DefaultRemovalDelay  = 120 * time.Second
	DefaultSweepInterval = 600 * time.Second
	DefaultStaleAfter    = 10 * time.Minute

	// Acquisition
	DefaultAudioFormat      = "mp3"
	DefaultAudioQuality     = "192K"
	DefaultAcquireTimeout   = 10 * time.Minute
	DefaultProgressInterval = 500 * time.Millisecond

	// Redis progress store
	DefaultRedisDB           = 0
	DefaultProgressTTL       = 1 * time.Hour
	DefaultProgressWriteRate = 2.0

	// Logging
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// ProgressConfig holds the percentages reported at each conversion stage.
type ProgressConfig struct {
	Start           int `yaml:"start"`
	Resolving       int `yaml:"resolving"`
	Searching       int `yaml:"searching"`
	DownloadFloor   int `yaml:"download_floor"`
	DownloadCeiling int `yaml:"download_ceiling"`
	Verifying       int `yaml:"verifying"`
	Complete        int `yaml:"complete"`
}

// DefaultProgress returns the stage percentages the web client expects.
func DefaultProgress() ProgressConfig {
	return ProgressConfig{
		Start:           0,
		Resolving:       10,
		Searching:       20,
		DownloadFloor:   20,
		DownloadCeiling: 80,
		Verifying:       90,
		Complete:        100,
	}
}

// Config is the full service configuration. Durations are expressed in seconds
// in the YAML file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	TempDir    string `yaml:"temp_dir"`

	SpotifyClientID     string `yaml:"-"`
	SpotifyClientSecret string `yaml:"-"`
	SpotifyTokenURL     string `yaml:"spotify_token_url"`
	SpotifyAPIBaseURL   string `yaml:"spotify_api_base_url"`

	FFmpegPath   string `yaml:"ffmpeg_path"`
	AudioQuality string `yaml:"audio_quality"`

	RemovalDelaySeconds   int `yaml:"removal_delay_seconds"`
	SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
	StaleAfterSeconds     int `yaml:"stale_after_seconds"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`

	RedisAddr         string  `yaml:"redis_addr"`
	RedisPassword     string  `yaml:"-"`
	RedisDB           int     `yaml:"redis_db"`
	ProgressTTLSecs   int     `yaml:"progress_ttl_seconds"`
	ProgressWriteRate float64 `yaml:"progress_write_rate"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Progress ProgressConfig `yaml:"progress"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            DefaultListenAddr,
		AudioQuality:          DefaultAudioQuality,
		RemovalDelaySeconds:   int(DefaultRemovalDelay / time.Second),
		SweepIntervalSeconds:  int(DefaultSweepInterval / time.Second),
		StaleAfterSeconds:     int(DefaultStaleAfter / time.Second),
		AcquireTimeoutSeconds: int(DefaultAcquireTimeout / time.Second),
		RedisDB:               DefaultRedisDB,
		ProgressTTLSecs:       int(DefaultProgressTTL / time.Second),
		ProgressWriteRate:     DefaultProgressWriteRate,
		LogLevel:              DefaultLogLevel,
		LogFormat:             DefaultLogFormat,
		Progress:              DefaultProgress(),
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file, an
// optional .env file and finally the process environment. Missing files are
// not an error.
func LoadConfig(path, envFile string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("SPOTIFY_CLIENT_ID", &c.SpotifyClientID)
	str("SPOTIFY_CLIENT_SECRET", &c.SpotifyClientSecret)
	str("FFMPEG_PATH", &c.FFmpegPath)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("TEMP_DIR", &c.TempDir)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.RedisDB = db
	}
	return nil
}

// Validate reports configuration that makes the service unable to start.
func (c Config) Validate() error {
	if c.SpotifyClientID == "" || c.SpotifyClientSecret == "" {
		return errors.New("spotify credentials are not configured (SPOTIFY_CLIENT_ID, SPOTIFY_CLIENT_SECRET)")
	}
	p := c.Progress
	if p.DownloadFloor > p.DownloadCeiling {
		return fmt.Errorf("progress.download_floor (%d) is above progress.download_ceiling (%d)", p.DownloadFloor, p.DownloadCeiling)
	}
	for name, v := range map[string]int{
		"start": p.Start, "resolving": p.Resolving, "searching": p.Searching,
		"download_floor": p.DownloadFloor, "download_ceiling": p.DownloadCeiling,
		"verifying": p.Verifying, "complete": p.Complete,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("progress.%s must be within 0-100, got %d", name, v)
		}
	}
	return nil
}

func (c Config) RemovalDelay() time.Duration {
	return secondsOr(c.RemovalDelaySeconds, DefaultRemovalDelay)
}

func (c Config) SweepInterval() time.Duration {
	return secondsOr(c.SweepIntervalSeconds, DefaultSweepInterval)
}

func (c Config) StaleAfter() time.Duration {
	return secondsOr(c.StaleAfterSeconds, DefaultStaleAfter)
}

func (c Config) AcquireTimeout() time.Duration {
	return secondsOr(c.AcquireTimeoutSeconds, DefaultAcquireTimeout)
}

func (c Config) ProgressTTL() time.Duration {
	return secondsOr(c.ProgressTTLSecs, DefaultProgressTTL)
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
