// Package config loads frontier settings from a .env file and FRONTIER_*
// environment variables on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/FranksOps/frontier/internal/storage"
)

const envPrefix = "FRONTIER_"

// Scheduler kinds.
const (
	SchedulerBF   = "bf"
	SchedulerFreq = "freq"
)

// Scorer kinds.
const (
	ScorerPageRank = "pagerank"
	ScorerHITS     = "hits"
)

// Settings holds every tunable of a frontier instance.
type Settings struct {
	Dir       string // FRONTIER_DIR, empty = temporary directory
	Persist   bool   // FRONTIER_PERSIST
	Scheduler string // FRONTIER_SCHEDULER: bf | freq
	Scorer    string // FRONTIER_SCORER: pagerank | hits

	UseContentScores bool    // FRONTIER_USE_CONTENT_SCORES
	Damping          float64 // FRONTIER_DAMPING

	SoftRate       float64       // FRONTIER_SOFT_RATE, requests/s per domain
	HardRate       float64       // FRONTIER_HARD_RATE
	MaxCrawlDepth  int           // FRONTIER_MAX_CRAWL_DEPTH, negative = unlimited
	UpdateInterval time.Duration // FRONTIER_UPDATE_INTERVAL, 0 = no background updates
	MinNewPages    int           // FRONTIER_MIN_NEW_PAGES
	// GroupSites rate-limits by registrable domain instead of host.
	GroupSites bool // FRONTIER_GROUP_SITES

	FreqDefault float64 // FRONTIER_FREQ_DEFAULT, crawls/s
	FreqScale   float64 // FRONTIER_FREQ_SCALE, negative = ignore change rates
	FreqMargin  float64 // FRONTIER_FREQ_MARGIN, negative = disabled
	MaxNCrawls  int     // FRONTIER_MAX_N_CRAWLS, 0 = unlimited
	FreqRules   string  // FRONTIER_FREQ_RULES, path to a rules file

	MetricsPort int    // FRONTIER_METRICS_PORT, 0 = disabled
	LogLevel    string // FRONTIER_LOG_LEVEL
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Scheduler:      SchedulerBF,
		Scorer:         ScorerPageRank,
		Damping:        0.85,
		SoftRate:       0.25,
		HardRate:       100,
		MaxCrawlDepth:  -1,
		UpdateInterval: time.Minute,
		MinNewPages:    1,
		FreqDefault:    0.1,
		FreqScale:      -1,
		FreqMargin:     -1,
		LogLevel:       "info",
	}
}

// Load reads envFiles (".env" when none are given) into the process
// environment and overlays FRONTIER_* variables on Default. Missing env
// files are ignored.
func Load(envFiles ...string) (Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	s := Default()
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.ToLower(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			errs = append(errs, invalid(name, v, err))
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			errs = append(errs, invalid(name, v, err))
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			errs = append(errs, invalid(name, v, err))
			*dst = n
		}
	}

	if v, ok := lookup("DIR"); ok {
		s.Dir = v
	}
	boolean("PERSIST", &s.Persist)
	str("SCHEDULER", &s.Scheduler)
	str("SCORER", &s.Scorer)
	boolean("USE_CONTENT_SCORES", &s.UseContentScores)
	float("DAMPING", &s.Damping)
	float("SOFT_RATE", &s.SoftRate)
	float("HARD_RATE", &s.HardRate)
	integer("MAX_CRAWL_DEPTH", &s.MaxCrawlDepth)
	if v, ok := lookup("UPDATE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, invalid("UPDATE_INTERVAL", v, err))
		s.UpdateInterval = d
	}
	integer("MIN_NEW_PAGES", &s.MinNewPages)
	boolean("GROUP_SITES", &s.GroupSites)
	float("FREQ_DEFAULT", &s.FreqDefault)
	float("FREQ_SCALE", &s.FreqScale)
	float("FREQ_MARGIN", &s.FreqMargin)
	integer("MAX_N_CRAWLS", &s.MaxNCrawls)
	if v, ok := lookup("FREQ_RULES"); ok {
		s.FreqRules = v
	}
	integer("METRICS_PORT", &s.MetricsPort)
	str("LOG_LEVEL", &s.LogLevel)

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func invalid(name, value string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s%s=%q: %w", envPrefix, name, value, storage.ErrInvalidArgument)
}

// Validate checks that the settings describe a usable frontier.
func (s Settings) Validate() error {
	switch s.Scheduler {
	case SchedulerBF, SchedulerFreq:
	default:
		return fmt.Errorf("unknown scheduler %q: %w", s.Scheduler, storage.ErrInvalidArgument)
	}
	switch s.Scorer {
	case ScorerPageRank, ScorerHITS:
	default:
		return fmt.Errorf("unknown scorer %q: %w", s.Scorer, storage.ErrInvalidArgument)
	}
	if s.Damping <= 0 || s.Damping >= 1 {
		return fmt.Errorf("damping %v outside (0,1): %w", s.Damping, storage.ErrInvalidArgument)
	}
	if s.UpdateInterval < 0 {
		return fmt.Errorf("negative update interval: %w", storage.ErrInvalidArgument)
	}
	if s.MaxNCrawls < 0 {
		return fmt.Errorf("negative max crawls: %w", storage.ErrInvalidArgument)
	}
	if s.MetricsPort < 0 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d: %w", s.MetricsPort, storage.ErrInvalidArgument)
	}
	if _, err := s.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (s Settings) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s.LogLevel, storage.ErrInvalidArgument)
	}
	return l, nil
}
