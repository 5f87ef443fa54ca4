// tuner — adaptive workload-tuning agent for Linux.
//
// Watches one process (and optionally its descendants) via native
// eBPF probes, procfs, and sysfs, and nudges cgroup cpu.weight,
// cpuset placement, nice, and readahead using a LinUCB contextual
// bandit. Single Go binary, no external BCC/bpftrace dependency.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workload-tuner/tuner/internal/capabilities"
	diffpkg "github.com/workload-tuner/tuner/internal/diff"
	"github.com/workload-tuner/tuner/internal/mcp"
	"github.com/workload-tuner/tuner/internal/orchestrator"
	"github.com/workload-tuner/tuner/internal/output"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tuner",
		Short: "Adaptive eBPF-driven workload tuning agent",
		Long: `tuner — single Go binary that watches one Linux process via native
eBPF probes and procfs/sysfs, and adapts cgroup cpu.weight, cpuset
placement, nice, and readahead using a LinUCB contextual bandit.

Requires a kernel with BTF and CO-RE support; run "tuner capabilities"
first to check readiness.`,
		Version: version,
	}

	rootCmd.AddCommand(newRunCmd(), newCapabilitiesCmd(), newLogdiffCmd(), newMCPCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newRunCmd builds the `run` subcommand: the tick loop, and
// optionally the mcp introspection server alongside it in the same
// process.
func newRunCmd() *cobra.Command {
	cfg := orchestrator.DefaultConfig()
	var (
		strategy string
		serveMCP bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch a target process and tune it",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(cmd, &cfg)

			if cfg.TargetPID <= 0 {
				return fmt.Errorf("--pid (or TUNER_PID) is required and must be positive")
			}
			if strategy != "" && strategy != "learned" {
				return fmt.Errorf("unknown --strategy %q: only \"learned\" is implemented", strategy)
			}

			o, err := orchestrator.New(cfg)
			if err != nil {
				return fmt.Errorf("start orchestrator: %w", err)
			}
			defer o.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if serveMCP {
				srv := mcp.NewServer(version, o.Status(), cfg.LogJSONPath)
				go func() {
					if err := srv.Start(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "[agent] mcp server: %v\n", err)
					}
				}()
			}

			return o.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&cfg.TargetPID, "pid", 0, "target process id (required)")
	cmd.Flags().Uint64Var(&cfg.IntervalMs, "interval-ms", cfg.IntervalMs, "tick interval in milliseconds")
	cmd.Flags().BoolVar(&cfg.WithDescendants, "with-descendants", cfg.WithDescendants, "include the target's descendant threads/processes")
	cmd.Flags().BoolVar(&cfg.FollowNew, "follow-new", cfg.FollowNew, "track new children as they fork")
	cmd.Flags().BoolVar(&cfg.AttachSockops, "attach-sockops", cfg.AttachSockops, "attach the sockops probe (unified cgroup root)")
	cmd.Flags().BoolVar(&cfg.NoCpuset, "no-cpuset", cfg.NoCpuset, "never write cpuset.cpus/cpuset.mems; cpuset actions are skipped")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "log actions without applying them")
	cmd.Flags().StringVar(&cfg.LogJSONPath, "log-json", cfg.LogJSONPath, "append one NDJSON record per tick to this path")
	cmd.Flags().StringVar(&strategy, "strategy", "learned", "policy strategy (only \"learned\" is implemented)")
	cmd.Flags().BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, "suppress progress output")
	cmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve the mcp introspection server over stdio alongside the tick loop")

	return cmd
}

// applyEnvOverrides mirrors spec.md 6: TUNER_PID, AGENT_LOG_JSON,
// AGENT_NO_CPUSET, AGENT_DRY_RUN, AGENT_POLL_MS override CLI defaults,
// but only when the corresponding flag was not explicitly set.
func applyEnvOverrides(cmd *cobra.Command, cfg *orchestrator.Config) {
	if !cmd.Flags().Changed("pid") {
		if v := os.Getenv("TUNER_PID"); v != "" {
			if pid, err := strconv.Atoi(v); err == nil {
				cfg.TargetPID = pid
			}
		}
	}
	if !cmd.Flags().Changed("log-json") {
		if v := os.Getenv("AGENT_LOG_JSON"); v != "" {
			cfg.LogJSONPath = v
		}
	}
	if !cmd.Flags().Changed("no-cpuset") {
		if v := os.Getenv("AGENT_NO_CPUSET"); v != "" {
			cfg.NoCpuset = envBool(v)
		}
	}
	if !cmd.Flags().Changed("dry-run") {
		if v := os.Getenv("AGENT_DRY_RUN"); v != "" {
			cfg.DryRun = envBool(v)
		}
	}
	if !cmd.Flags().Changed("interval-ms") {
		if v := os.Getenv("AGENT_POLL_MS"); v != "" {
			if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
				cfg.IntervalMs = ms
			}
		}
	}
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// newCapabilitiesCmd builds the `capabilities` subcommand: inspect,
// never install.
func newCapabilitiesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Report BTF/CO-RE/bpffs readiness for running the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := capabilities.Detect()
			if asJSON {
				return output.WriteJSON(report, "-")
			}
			fmt.Print(capabilities.Format(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON instead of the checklist")
	return cmd
}

// newLogdiffCmd builds the `logdiff` subcommand: compare two NDJSON
// tick-log files emitted by `run --log-json`.
func newLogdiffCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "logdiff <baseline.ndjson> <current.ndjson>",
		Short: "Compare two tick-log windows",
		Long:  "Summarize action-kind and gate-reason histograms and health-metric deltas between two tick-log files produced by `tuner run --log-json`.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := diffpkg.LoadTickLog(args[0])
			if err != nil {
				return fmt.Errorf("load baseline: %w", err)
			}
			current, err := diffpkg.LoadTickLog(args[1])
			if err != nil {
				return fmt.Errorf("load current: %w", err)
			}

			result := diffpkg.Compare(baseline, current)

			if outputPath == "-" || outputPath == "" {
				fmt.Print(diffpkg.FormatDiff(result))
				return nil
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(outputPath, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output path; \"-\" prints the human-readable diff")
	return cmd
}

// newMCPCmd builds the `mcp` subcommand: a standalone introspection
// server reading a tick-log file left behind by a separate `run`
// process, for when the agent and the MCP client are not the same
// process.
func newMCPCmd() *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start a standalone Model Context Protocol introspection server",
		Long: `Starts a JSON-RPC server implementing the Model Context Protocol (MCP)
over stdio, so an AI agent (e.g. Claude Desktop, Cursor) can inspect a
tuner run in progress.

This server has no live StatusStore, so get_status always reports the
zero-value status; --log-json only feeds tail_actions. Prefer
"tuner run --mcp" to serve introspection from the same process that
owns the live StatusStore.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mcp.NewServer(version, &orchestrator.StatusStore{}, logPath)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&logPath, "log-json", "", "path to a running tuner's NDJSON tick log, for tail_actions")
	return cmd
}
