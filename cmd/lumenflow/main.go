// Command lumenflow is a thin CLI harness wiring flags to the coordinator
// core. The CLI/TUI front-end itself is an explicit spec Non-goal (spec.md
// §1): this entrypoint does no human formatting, help text design, or
// YAML/Markdown parsing beyond what config.Load already does. It exists so
// the core is reachable from a shell, in the same minimal spirit as the
// teacher's cmd/quarry/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lumenflow/lumenflow/clock"
	"github.com/lumenflow/lumenflow/config"
	"github.com/lumenflow/lumenflow/errs"
	"github.com/lumenflow/lumenflow/eventlog"
	"github.com/lumenflow/lumenflow/lanelock"
	"github.com/lumenflow/lumenflow/log"
	"github.com/lumenflow/lumenflow/runtime"
	"github.com/lumenflow/lumenflow/sink"
	"github.com/lumenflow/lumenflow/spawn"
	"github.com/lumenflow/lumenflow/types"
	"github.com/lumenflow/lumenflow/vcs"
	"github.com/lumenflow/lumenflow/wave"
)

// env bundles the coordinator and its satellite components, constructed
// once per invocation from the resolved config.
type env struct {
	resolved config.Resolved
	store    *eventlog.Store
	locks    *lanelock.Manager
	coord    *runtime.Coordinator
	logger   *log.Logger
}

func main() {
	app := &cli.App{
		Name:           "lumenflow",
		Usage:          "WU lifecycle and concurrency coordinator",
		Version:        types.SchemaVersion,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "lumenflow.yaml", Usage: "path to lumenflow.yaml"},
			&cli.StringFlag{Name: "state-root", Usage: "override the resolved state root"},
		},
		Commands: []*cli.Command{
			claimCommand(),
			doneCommand(),
			blockCommand(),
			unblockCommand(),
			waitCommand(),
			releaseCommand(),
			checkpointCommand(),
			delegateCommand(),
			lockCheckCommand(),
			lockReleaseCommand(),
			waveBuildCommand(),
			spawnRecoverCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// exitErrHandler already exited for every error reaching here; this
		// branch only runs if cli itself failed before dispatch (bad flags).
		os.Exit(1)
	}
}

// exitCodeFor maps a coordinator error to the spec §6 exit code table.
func exitCodeFor(err error) int {
	var ce *errs.CoordinatorError
	if errors.As(err, &ce) {
		switch {
		case errors.Is(ce.Kind, errs.ErrValidation), errors.Is(ce.Kind, errs.ErrIllegalTransition):
			return 2
		case errors.Is(ce.Kind, errs.ErrLaneBusy):
			return 3
		case errors.Is(ce.Kind, errs.ErrCorruptionRepaired):
			return 4
		}
	}
	return 1
}

// exitErrHandler prints the error and exits with the code exitCodeFor
// derives, the same shape as the teacher's ExitCoder-unwrapping handler but
// keyed off our own coordinator error taxonomy instead of cli.ExitCoder.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCodeFor(err))
}

// newEnv resolves config and constructs the coordinator graph. Every
// command calls this first.
func newEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if root := c.String("state-root"); root != "" {
		cfg.StateRoot = root
	}
	resolved := config.Resolve(*cfg)

	for _, dir := range resolved.Paths.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lumenflow: ensure %s: %w", dir, err)
		}
	}

	logger := log.NewLogger(log.Meta{Component: "cli"})

	emitSink, err := buildSink(resolved.Sink, resolved.Paths.TelemetryDir())
	if err != nil {
		return nil, err
	}

	store := eventlog.NewStore(resolved.Paths.EventLog(), logger)
	store.Sink = emitSink
	if _, repair, err := store.Load(); err != nil {
		return nil, err
	} else if repair != nil {
		logger.Warn("event log corruption repaired", map[string]any{
			"lines_kept": repair.LinesKept, "lines_removed": repair.LinesRemoved,
		})
	}

	locks := lanelock.NewManager(resolved.Paths.Root, resolved.StaleLockThreshold)
	locks.Auditor = lanelock.NewAuditWriter(resolved.Paths.ForceBypassLog())

	trunk := vcs.NewGitVCS(".")
	coord := &runtime.Coordinator{
		Store: store,
		Locks: locks,
		Merge: &runtime.MergeExecutor{
			Trunk:          trunk,
			ScratchRoot:    os.TempDir(),
			WithDir:        func(dir string) vcs.VCS { return trunk.WithDir(dir) },
			TrunkBranch:    "main",
			Remote:         "origin",
			MaxPushRetries: resolved.MergeRetries,
		},
		Sink:  emitSink,
		Paths: resolved.Paths,
		Clock: clock.System{},
		Log:   logger,
	}

	return &env{resolved: resolved, store: store, locks: locks, coord: coord, logger: logger}, nil
}

func buildSink(cfg config.SinkConfig, telemetryDir string) (sink.Sink, error) {
	switch cfg.Type {
	case "", "none":
		return sink.NopSink{}, nil
	case "file":
		return sink.NewFileSink(telemetryDir), nil
	case "redis":
		retries := sink.DefaultRedisRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return sink.NewRedisSink(sink.RedisConfig{
			URL: cfg.URL, Channel: cfg.Channel, Timeout: cfg.Timeout.Duration, Retries: retries,
		})
	case "webhook":
		retries := sink.DefaultWebhookRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return sink.NewWebhookSink(sink.WebhookConfig{
			URL: cfg.URL, Headers: cfg.Headers, Timeout: cfg.Timeout.Duration, Retries: retries,
		})
	default:
		return nil, fmt.Errorf("lumenflow: unknown sink type %q", cfg.Type)
	}
}

func claimCommand() *cli.Command {
	return &cli.Command{
		Name:  "claim",
		Usage: "claim a ready WU onto its lane",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "session"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			res, err := e.coord.Claim(context.Background(), c.String("wu"), c.String("lane"), c.String("session"))
			if err != nil {
				return err
			}
			fmt.Printf("claimed %s on branch %s\n", res.WUID, res.BranchName)
			return nil
		},
	}
}

func doneCommand() *cli.Command {
	return &cli.Command{
		Name:  "done",
		Usage: "complete a WU per its created_mode",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "lane-branch"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			opts := runtime.DoneOptions{
				LaneBranch: c.String("lane-branch"),
				Trunk:      vcs.NewGitVCS("."),
				WriteStamp: func(path string) error {
					return os.WriteFile(path, []byte(c.String("wu")+" completed\n"), 0o644)
				},
				// UpdateMeta is left nil: writing the WU YAML/backlog/status
				// documents is the external parser's job (spec §1 Non-goal);
				// a CLI wired to that parser supplies this closure instead.
				CompletedAt: time.Now().UTC(),
			}
			res, err := e.coord.Done(context.Background(), c.String("wu"), c.String("lane"), opts)
			if err != nil {
				return err
			}
			fmt.Printf("done %s: stamped=%v metadata_updated=%v\n", res.WUID, res.StampWritten, res.MetadataUpdated)
			return nil
		},
	}
}

func blockCommand() *cli.Command {
	return &cli.Command{
		Name:  "block",
		Usage: "transition an in-progress WU to blocked",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "reason", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Block(context.Background(), c.String("wu"), c.String("lane"), c.String("reason"))
		},
	}
}

func unblockCommand() *cli.Command {
	return &cli.Command{
		Name:  "unblock",
		Usage: "transition a blocked or waiting WU back to in_progress",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "session"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Unblock(context.Background(), c.String("wu"), c.String("lane"), c.String("session"))
		},
	}
}

func waitCommand() *cli.Command {
	return &cli.Command{
		Name:  "wait",
		Usage: "transition an in-progress WU to waiting on an external event",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "reason", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Wait(context.Background(), c.String("wu"), c.String("lane"), c.String("reason"))
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "abandon an in-progress WU back to ready",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "reason", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Release(context.Background(), c.String("wu"), c.String("lane"), c.String("reason"))
		},
	}
}

func checkpointCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "record a liveness signal without changing status",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wu", Required: true},
			&cli.StringFlag{Name: "note"},
			&cli.StringFlag{Name: "session"},
			&cli.StringFlag{Name: "progress"},
			&cli.StringFlag{Name: "next-steps"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Checkpoint(context.Background(), c.String("wu"), c.String("note"),
				c.String("session"), c.String("progress"), c.String("next-steps"))
		},
	}
}

func delegateCommand() *cli.Command {
	return &cli.Command{
		Name:  "delegate",
		Usage: "record a parent->child spawn relationship",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "child", Required: true},
			&cli.StringFlag{Name: "parent", Required: true},
			&cli.StringFlag{Name: "delegation-id", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.coord.Delegate(context.Background(), c.String("parent"), c.String("child"), c.String("delegation-id"))
		},
	}
}

func lockCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock-check",
		Usage: "report a lane's lock state read-only",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "lane", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			res, err := e.locks.Check(c.String("lane"))
			if err != nil {
				return err
			}
			if !res.Locked {
				fmt.Println("unlocked")
				return nil
			}
			fmt.Printf("locked by %s (stale=%v)\n", res.Metadata.WUID, res.IsStale)
			return nil
		},
	}
}

func lockReleaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock-release",
		Usage: "audited force-release of a lane lock",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "lane", Required: true},
			&cli.StringFlag{Name: "reason", Required: true},
			&cli.BoolFlag{Name: "force"},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return e.locks.AuditedUnlock(c.String("lane"), c.String("reason"), c.Bool("force"))
		},
	}
}

func waveBuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "wave-build",
		Usage: "select the next wave of ready WUs for an initiative",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "initiative", Required: true},
			&cli.BoolFlag{Name: "dry-run"},
			&cli.BoolFlag{Name: "checkpoint-per-wave"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("checkpoint-per-wave") && c.Bool("dry-run") {
				return errs.New(errs.ErrValidation, "wave-build", nil,
					fmt.Errorf("--checkpoint-per-wave cannot be combined with --dry-run"))
			}
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			builder := &wave.Builder{
				WavesDir:  e.resolved.Paths.WavesDir(),
				StampsDir: e.resolved.Paths.StampsDir(),
				Clock:     clock.System{},
			}
			result, err := builder.BuildWave(c.String("initiative"), e.store.Index(), wave.BuildOptions{DryRun: c.Bool("dry-run")})
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("nothing to spawn")
				return nil
			}
			fmt.Printf("wave %d: %d WUs selected (manifest=%s)\n", result.Wave, len(result.WUs), result.ManifestPath)
			return nil
		},
	}
}

func spawnRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "spawn-recover",
		Usage: "apply the recovery priority ladder to a spawn record",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "spawn-id", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			registry := spawn.NewRegistry(e.resolved.Paths.SpawnRegistry())
			if err := registry.Load(); err != nil {
				return err
			}
			recoverer := &spawn.Recoverer{
				Registry:              registry,
				Locks:                 e.locks,
				Clock:                 clock.System{},
				Probe:                 clock.SystemProbe{},
				RecoveryDir:           e.resolved.Paths.RecoveryDir(),
				StaleThreshold:        e.resolved.StaleLockThreshold,
				NoCheckpointThreshold: e.resolved.NoCheckpointThreshold,
			}
			res, err := recoverer.Recover(c.String("spawn-id"), e.store.Index())
			if err != nil {
				return err
			}
			fmt.Printf("action=%s reason=%q\n", res.Action, res.Reason)
			return nil
		},
	}
}
