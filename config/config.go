package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents a lumenflow.yaml configuration file. All values are
// optional and act as defaults; CLI flags always override config values.
type Config struct {
	StateRoot  string       `yaml:"state_root"`
	DocsPath   string       `yaml:"docs_path"`
	Tunables   Tunables     `yaml:"tunables"`
	Sink       SinkConfig   `yaml:"sink"`
}

// Tunables holds the thresholds and retry counts of spec §4.L.
type Tunables struct {
	StaleLockThreshold   Duration `yaml:"stale_lock_threshold"`
	NoCheckpointThreshold Duration `yaml:"no_checkpoint_threshold"`
	IDGenMaxRetries      *int     `yaml:"id_gen_max_retries,omitempty"`
	MergeRetries         *int     `yaml:"merge_retries,omitempty"`
	BackoffBase          Duration `yaml:"backoff_base"`
}

// SinkConfig selects and configures the lane-signal sink backend (spec
// SPEC_FULL.md Sink Port section).
type SinkConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	Archive ArchiveConfig     `yaml:"archive,omitempty"`
}

// ArchiveConfig configures the optional S3-backed archival sink.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "2h", "200ms").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "2h" or "200ms".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default tunable values (spec §4.L).
const (
	DefaultStaleLockThreshold    = 2 * time.Hour
	DefaultNoCheckpointThreshold = 1 * time.Hour
	DefaultIDGenMaxRetries       = 3
	DefaultMergeRetries          = 3
	DefaultBackoffBase           = 200 * time.Millisecond
	DefaultStateRoot             = ".lumenflow"
	DefaultDocsPath              = "docs/04-operations/tasks"
)

// Paths resolves the fixed filesystem layout under a state root (spec §4.L,
// §6 persisted state layout). Every path the coordinator touches is derived
// from one of these.
type Paths struct {
	Root string
}

// NewPaths returns a Paths rooted at root. An empty root uses DefaultStateRoot.
func NewPaths(root string) Paths {
	if root == "" {
		root = DefaultStateRoot
	}
	return Paths{Root: root}
}

func (p Paths) EventLog() string        { return filepath.Join(p.Root, "state", "wu-events.jsonl") }
func (p Paths) EventLogLock() string    { return p.EventLog() + ".lock" }
func (p Paths) LaneLock(lane string) string {
	return filepath.Join(p.Root, "locks", kebab(lane)+".lock")
}
func (p Paths) Stamp(wuID string) string {
	return filepath.Join(p.Root, "stamps", wuID+".done")
}
func (p Paths) StampsDir() string { return filepath.Join(p.Root, "stamps") }
func (p Paths) SpawnRegistry() string {
	return filepath.Join(p.Root, "state", "spawns.jsonl")
}
func (p Paths) TelemetryDir() string { return filepath.Join(p.Root, "telemetry") }
func (p Paths) RecoveryDir() string  { return filepath.Join(p.Root, "recovery") }
func (p Paths) WavesDir() string     { return filepath.Join(p.Root, "artifacts", "waves") }
func (p Paths) WaveManifest(initiative string, wave int) string {
	return filepath.Join(p.WavesDir(), fmt.Sprintf("%s-wave-%d.json", kebab(initiative), wave))
}
func (p Paths) ForceBypassLog() string { return filepath.Join(p.Root, "force-bypasses.log") }

// Dirs returns every directory that must exist before the coordinator can
// run, in creation order.
func (p Paths) Dirs() []string {
	return []string{
		filepath.Join(p.Root, "state"),
		filepath.Join(p.Root, "locks"),
		filepath.Join(p.Root, "stamps"),
		p.TelemetryDir(),
		p.RecoveryDir(),
		p.WavesDir(),
	}
}

// Resolved merges a loaded Config with defaults into concrete values used at
// construction time.
type Resolved struct {
	Paths                 Paths
	DocsPath              string
	StaleLockThreshold    time.Duration
	NoCheckpointThreshold time.Duration
	IDGenMaxRetries       int
	MergeRetries          int
	BackoffBase           time.Duration
	Sink                  SinkConfig
}

// Resolve applies defaults to an optionally-empty Config.
func Resolve(cfg Config) Resolved {
	r := Resolved{
		Paths:                 NewPaths(cfg.StateRoot),
		DocsPath:              cfg.DocsPath,
		StaleLockThreshold:    DefaultStaleLockThreshold,
		NoCheckpointThreshold: DefaultNoCheckpointThreshold,
		IDGenMaxRetries:       DefaultIDGenMaxRetries,
		MergeRetries:          DefaultMergeRetries,
		BackoffBase:           DefaultBackoffBase,
		Sink:                  cfg.Sink,
	}
	if r.DocsPath == "" {
		r.DocsPath = DefaultDocsPath
	}
	if cfg.Tunables.StaleLockThreshold.Duration > 0 {
		r.StaleLockThreshold = cfg.Tunables.StaleLockThreshold.Duration
	}
	if v := os.Getenv("LUMENFLOW_STALE_LOCK_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			r.StaleLockThreshold = d
		}
	}
	if cfg.Tunables.NoCheckpointThreshold.Duration > 0 {
		r.NoCheckpointThreshold = cfg.Tunables.NoCheckpointThreshold.Duration
	}
	if cfg.Tunables.IDGenMaxRetries != nil {
		r.IDGenMaxRetries = *cfg.Tunables.IDGenMaxRetries
	}
	if cfg.Tunables.MergeRetries != nil {
		r.MergeRetries = *cfg.Tunables.MergeRetries
	}
	if cfg.Tunables.BackoffBase.Duration > 0 {
		r.BackoffBase = cfg.Tunables.BackoffBase.Duration
	}
	return r
}

// kebab lowercases and replaces runs of non-alphanumerics with a hyphen,
// matching the lane-to-lockfile-name rule of spec §6 (`locks/<kebab(lane)>.lock`).
func kebab(s string) string {
	out := make([]rune, 0, len(s))
	prevHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			prevHyphen = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
			prevHyphen = false
		default:
			if !prevHyphen && len(out) > 0 {
				out = append(out, '-')
				prevHyphen = true
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
