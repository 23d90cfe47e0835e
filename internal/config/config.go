// Package config defines the chaos agent configuration model and its
// validation rules. Configuration is loaded once at startup (and optionally
// re-loaded on file change); a Config that passed Validate is treated as
// immutable by the rest of the agent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the chaos agent.
type Config struct {
	// Settings holds the global switches.
	Settings Settings `yaml:"settings"`
	// Safety holds the blast-radius and scheduling limits.
	Safety SafetyConfig `yaml:"safety"`
	// Experiments is the ordered list of fault experiments. Order matters:
	// when several experiments pass sampling for the same request, the first
	// one in this list wins.
	Experiments []Experiment `yaml:"experiments"`
}

// Settings holds the global agent switches.
type Settings struct {
	// Enabled is the global kill switch. When false every request passes
	// through unmodified.
	Enabled bool `yaml:"enabled"`
	// DryRun computes and logs decisions without surfacing them on the wire.
	DryRun bool `yaml:"dry_run"`
	// LogInjections emits a structured log line for every injected fault.
	LogInjections bool `yaml:"log_injections"`
	// DeterministicSampling derives percentage draws from a hash of the
	// request correlation id instead of a random source, so repeated runs
	// with the same ids reproduce the same decisions.
	DeterministicSampling bool `yaml:"deterministic_sampling"`
}

// UnmarshalYAML applies defaults before decoding.
func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw Settings
	out := raw{Enabled: true, LogInjections: true}
	if err := unmarshal(&out); err != nil {
		return err
	}
	*s = Settings(out)
	return nil
}

// DefaultSettings returns the settings used when the section is absent.
func DefaultSettings() Settings {
	return Settings{Enabled: true, DryRun: false, LogInjections: true}
}

// SafetyConfig bounds how much damage the agent is allowed to do.
type SafetyConfig struct {
	// MaxAffectedPercent caps the fraction of total traffic that may be
	// affected by all experiments combined (0-100).
	MaxAffectedPercent int `yaml:"max_affected_percent"`
	// Schedule lists the windows during which chaos is active. Empty means
	// always active.
	Schedule []ScheduleWindow `yaml:"schedule"`
	// ExcludedPaths are never affected by any fault. A path is excluded if
	// it equals an entry or is a sub-path of it.
	ExcludedPaths []string `yaml:"excluded_paths"`
}

// UnmarshalYAML applies defaults before decoding.
func (s *SafetyConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw SafetyConfig
	out := raw(DefaultSafety())
	if err := unmarshal(&out); err != nil {
		return err
	}
	*s = SafetyConfig(out)
	return nil
}

// DefaultSafety returns the safety limits used when the section is absent.
func DefaultSafety() SafetyConfig {
	return SafetyConfig{
		MaxAffectedPercent: 50,
		ExcludedPaths:      []string{"/health", "/ready", "/metrics"},
	}
}

// ScheduleWindow describes one recurring weekly window during which chaos is
// active. Start is inclusive, End is exclusive.
type ScheduleWindow struct {
	// Days of the week, e.g. [mon, tue] or [monday, tuesday].
	Days []string `yaml:"days"`
	// Start time of day in HH:MM format.
	Start string `yaml:"start"`
	// End time of day in HH:MM format.
	End string `yaml:"end"`
	// Timezone is an IANA timezone name, e.g. "UTC" or "America/New_York".
	Timezone string `yaml:"timezone"`
}

// UnmarshalYAML applies defaults before decoding.
func (w *ScheduleWindow) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw ScheduleWindow
	out := raw{Timezone: "UTC"}
	if err := unmarshal(&out); err != nil {
		return err
	}
	*w = ScheduleWindow(out)
	return nil
}

// Experiment pairs a targeting predicate with a fault to inject.
type Experiment struct {
	// ID uniquely identifies the experiment. Surfaced in logs, metrics and
	// the x-chaos-experiment response header.
	ID string `yaml:"id"`
	// Enabled toggles the experiment without removing it from the config.
	Enabled bool `yaml:"enabled"`
	// Description is free-form operator documentation.
	Description string `yaml:"description"`
	// Targeting selects which requests are eligible.
	Targeting Targeting `yaml:"targeting"`
	// Fault is the disruption to inject.
	Fault Fault `yaml:"fault"`
}

// UnmarshalYAML applies defaults before decoding.
func (e *Experiment) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw Experiment
	out := raw{Enabled: true}
	if err := unmarshal(&out); err != nil {
		return err
	}
	*e = Experiment(out)
	return nil
}

// Targeting holds the predicates that make a request eligible for an
// experiment. Paths are OR'd, everything else is AND'd.
type Targeting struct {
	// Paths is a list of path matchers; a request matches if any one does.
	// Empty matches all paths.
	Paths []PathMatcher `yaml:"paths"`
	// Methods restricts matching to the listed HTTP methods
	// (case-insensitive). Empty matches all methods.
	Methods []string `yaml:"methods"`
	// Headers must all be present with the exact value (header names
	// case-insensitive, values case-sensitive).
	Headers map[string]string `yaml:"headers"`
	// Percentage of matching requests to affect (0-100).
	Percentage int `yaml:"percentage"`
}

// UnmarshalYAML applies defaults before decoding.
func (t *Targeting) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw Targeting
	out := raw{Percentage: 100}
	if err := unmarshal(&out); err != nil {
		return err
	}
	*t = Targeting(out)
	return nil
}

// PathMatcher matches a request path. Exactly one of the three fields must be
// set.
type PathMatcher struct {
	// Exact requires byte-wise path equality.
	Exact string `yaml:"exact"`
	// Prefix requires the path to start with the given string.
	Prefix string `yaml:"prefix"`
	// Regex is matched anywhere in the path unless the pattern anchors
	// itself.
	Regex string `yaml:"regex"`
}

// Validate checks that exactly one matcher form is set and that a regex
// compiles.
func (p PathMatcher) Validate() error {
	set := 0
	for _, v := range []string{p.Exact, p.Prefix, p.Regex} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("path matcher must set exactly one of exact, prefix or regex, got %d", set)
	}
	if p.Regex != "" {
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", p.Regex, err)
		}
	}
	return nil
}

// FaultType discriminates the fault union.
type FaultType string

const (
	// FaultLatency delays the request before it is proxied.
	FaultLatency FaultType = "latency"
	// FaultError returns an HTTP error immediately.
	FaultError FaultType = "error"
	// FaultTimeout simulates an unresponsive upstream, surfaced as a 504.
	FaultTimeout FaultType = "timeout"
	// FaultThrottle limits response delivery bandwidth.
	FaultThrottle FaultType = "throttle"
	// FaultCorrupt replaces the response with garbage.
	FaultCorrupt FaultType = "corrupt"
	// FaultReset simulates a connection reset, surfaced as a 502.
	FaultReset FaultType = "reset"
)

// Fault is a closed union of fault kinds. Type selects the variant; only the
// fields belonging to the selected variant are consulted.
type Fault struct {
	Type FaultType `yaml:"type"`

	// Latency parameters. FixedMs wins when set; otherwise a uniform draw
	// in [MinMs, MaxMs].
	FixedMs uint64 `yaml:"fixed_ms"`
	MinMs   uint64 `yaml:"min_ms"`
	MaxMs   uint64 `yaml:"max_ms"`

	// Error parameters.
	Status  int               `yaml:"status"`
	Message string            `yaml:"message"`
	Headers map[string]string `yaml:"headers"`

	// Timeout parameters.
	DurationMs uint64 `yaml:"duration_ms"`

	// Throttle parameters.
	BytesPerSecond uint64 `yaml:"bytes_per_second"`

	// Corrupt parameters.
	Probability float64 `yaml:"probability"`
}

// Validate checks the fault variant parameters.
func (f Fault) Validate() error {
	switch f.Type {
	case FaultLatency:
		if f.FixedMs == 0 && f.MinMs == 0 && f.MaxMs == 0 {
			return fmt.Errorf("latency fault must specify either fixed_ms or min_ms/max_ms")
		}
		if f.FixedMs == 0 && f.MaxMs < f.MinMs {
			return fmt.Errorf("latency max_ms (%d) must be >= min_ms (%d)", f.MaxMs, f.MinMs)
		}
	case FaultError:
		if f.Status < 100 || f.Status > 599 {
			return fmt.Errorf("invalid HTTP status code: %d", f.Status)
		}
	case FaultTimeout:
		if f.DurationMs == 0 {
			return fmt.Errorf("timeout duration_ms must be > 0")
		}
	case FaultThrottle:
		if f.BytesPerSecond == 0 {
			return fmt.Errorf("throttle bytes_per_second must be > 0")
		}
	case FaultCorrupt:
		if f.Probability < 0.0 || f.Probability > 1.0 {
			return fmt.Errorf("corrupt probability must be between 0.0 and 1.0, got %g", f.Probability)
		}
	case FaultReset:
	case "":
		return fmt.Errorf("fault type is required")
	default:
		return fmt.Errorf("unknown fault type: %q", f.Type)
	}
	return nil
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Settings: DefaultSettings(),
		Safety:   DefaultSafety(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the whole configuration for consistency. Any error here is
// fatal at startup and rejected on reload.
func (c *Config) Validate() error {
	if c.Safety.MaxAffectedPercent < 0 || c.Safety.MaxAffectedPercent > 100 {
		return fmt.Errorf("max_affected_percent must be between 0 and 100, got %d", c.Safety.MaxAffectedPercent)
	}

	for i, w := range c.Safety.Schedule {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("schedule window %d: %w", i, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Experiments))
	for _, exp := range c.Experiments {
		if _, dup := seen[exp.ID]; dup {
			return fmt.Errorf("duplicate experiment id: %q", exp.ID)
		}
		seen[exp.ID] = struct{}{}
		if err := exp.Validate(); err != nil {
			return fmt.Errorf("experiment %q: %w", exp.ID, err)
		}
	}
	return nil
}

// Validate checks a single experiment.
func (e Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("experiment id cannot be empty")
	}
	if err := e.Targeting.Validate(); err != nil {
		return err
	}
	return e.Fault.Validate()
}

// Validate checks the targeting rules.
func (t Targeting) Validate() error {
	if t.Percentage < 0 || t.Percentage > 100 {
		return fmt.Errorf("targeting percentage must be between 0 and 100, got %d", t.Percentage)
	}
	for i, p := range t.Paths {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("path matcher %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks one schedule window.
func (w ScheduleWindow) Validate() error {
	if len(w.Days) == 0 {
		return fmt.Errorf("schedule window must list at least one day")
	}
	for _, d := range w.Days {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("invalid weekday: %q", d)
		}
	}
	start, err := ParseTimeOfDay(w.Start)
	if err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	end, err := ParseTimeOfDay(w.End)
	if err != nil {
		return fmt.Errorf("invalid end time: %w", err)
	}
	if start >= end {
		return fmt.Errorf("schedule start time (%s) must be before end time (%s)", w.Start, w.End)
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
	}
	return nil
}

// ParseWeekday parses a weekday name, accepting both short ("mon") and long
// ("monday") forms.
func ParseWeekday(s string) (time.Weekday, bool) {
	switch strings.ToLower(s) {
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tuesday":
		return time.Tuesday, true
	case "wed", "wednesday":
		return time.Wednesday, true
	case "thu", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	case "sun", "sunday":
		return time.Sunday, true
	}
	return time.Sunday, false
}

// ParseTimeOfDay parses an HH:MM string into minutes since midnight.
func ParseTimeOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
