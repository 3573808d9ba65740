// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package build implements the `build` subcommand: the CLI entry point
// to the hybrid local+remote build coordinator.
package build

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/system/signals"

	"github.com/buckbuild/distbuild/authcred"
	"github.com/buckbuild/distbuild/buildcfg"
	"github.com/buckbuild/distbuild/buildversion"
	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/clientstats"
	"github.com/buckbuild/distbuild/errkind"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/graph/graphtest"
	"github.com/buckbuild/distbuild/hashrecord"
	"github.com/buckbuild/distbuild/hybrid"
	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/o11y/clog"
	"github.com/buckbuild/distbuild/postbuild"
	"github.com/buckbuild/distbuild/remotebuild"
	"github.com/buckbuild/distbuild/rulekey"
	"github.com/buckbuild/distbuild/ui"

	"google.golang.org/grpc"
)

const buildUsage = `build the requested targets, locally and/or distributed.

 $ buck build [options] <targets...>

`

// outputMode selects what --show-output et al. print once the build
// finishes; the four flags are mutually exclusive.
type outputMode int

const (
	showNothing outputMode = iota
	showOutput
	showFullOutput
	showJSONOutput
	showFullJSONOutput
)

// Cmd returns the Command for the `build` subcommand.
func Cmd(authOpts authcred.Options, version string) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "build <targets...>",
		ShortDesc: "build the requested targets, locally and/or distributed",
		LongDesc:  buildUsage,
		CommandRun: func() subcommands.CommandRun {
			r := buildCmdRun{authOpts: authOpts, version: version}
			r.init()
			return &r
		},
	}
}

type buildCmdRun struct {
	subcommands.CommandRunBase
	authOpts authcred.Options
	version  string
	started  time.Time

	dir       string
	logDir    string
	configDir string

	keepGoing           bool
	buildReport         string
	justBuild           string
	deep                bool
	shallow             bool
	populateCache       bool
	out                 string
	reportAbsolutePaths bool
	showOutputFlag      bool
	showFullOutputFlag  bool
	showJSONOutputFlag  bool
	showFullJSONFlag    bool
	showRuleKey         bool
	distributed         bool
	fallback            bool
	buckBinary          string
	buildStateFile      string
	rulekeysLogPath     string
	remoteAddr          string
}

func (c *buildCmdRun) init() {
	c.Flags.StringVar(&c.dir, "C", ".", "build running directory")
	c.Flags.StringVar(&c.logDir, "log_dir", ".", "log directory (relative to -C)")
	c.Flags.StringVar(&c.configDir, "config_dir", "build/config/buck", "cell config-override directory (relative to -C)")

	c.Flags.BoolVar(&c.keepGoing, "keep-going", false, "keep building unrelated targets after a failure")
	c.Flags.StringVar(&c.buildReport, "build-report", "", "write a machine-readable build report to PATH")
	c.Flags.StringVar(&c.justBuild, "just-build", "", "restrict the build to the transitive deps of TARGET")

	c.Flags.BoolVar(&c.deep, "deep", false, "materialize every output locally")
	c.Flags.BoolVar(&c.shallow, "shallow", false, "materialize only top-level outputs locally")
	c.Flags.BoolVar(&c.populateCache, "populate-cache", false, "build for cache population only, materialize nothing")

	c.Flags.StringVar(&c.out, "out", "", "copy the single target's output to PATH")
	c.Flags.BoolVar(&c.reportAbsolutePaths, "report-absolute-paths", false, "report output paths as absolute")

	c.Flags.BoolVar(&c.showOutputFlag, "show-output", false, "print each target's output path")
	c.Flags.BoolVar(&c.showFullOutputFlag, "show-full-output", false, "print each target's output path, resolved to an absolute path")
	c.Flags.BoolVar(&c.showJSONOutputFlag, "show-json-output", false, "print each target's output path as JSON")
	c.Flags.BoolVar(&c.showFullJSONFlag, "show-full-json-output", false, "print each target's absolute output path as JSON")
	c.Flags.BoolVar(&c.showRuleKey, "show-rulekey", false, "print each target's rule key")

	c.Flags.BoolVar(&c.distributed, "distributed", false, "also run the build on the remote service")
	c.Flags.BoolVar(&c.fallback, "distributed-fallback", true, "fall back to the local result when the remote build fails")
	c.Flags.StringVar(&c.buckBinary, "buck-binary", "", "binary whose content hash becomes the build's version tag, instead of the running binary's git commit")
	c.Flags.StringVar(&c.buildStateFile, "build-state-file", "", "dump the prepared JobState to PATH and exit, without building or contacting the remote service")
	c.Flags.StringVar(&c.rulekeysLogPath, "rulekeys-log-path", "", "write every computed rule key to PATH")
	c.Flags.StringVar(&c.remoteAddr, "remote-address", os.Getenv("BUCK_REMOTE_ADDRESS"), "remote build coordinator address. can be set by $BUCK_REMOTE_ADDRESS")
}

// Run runs the `build` subcommand.
func (c *buildCmdRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	c.started = time.Now()
	ctx := cli.GetContext(a, c, env)
	if err := parseFlagsFully(&c.Flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(errkind.ExitCommandLine)
	}

	exit, err := c.run(ctx)
	if err == nil {
		c.printSuccess(exit)
		return exit
	}
	c.printFailure(err)
	return exit
}

func (c *buildCmdRun) run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer signals.HandleInterrupt(func() {
		cancel(errors.New("interrupt by signal"))
	})()

	cfg, err := buildcfg.Load(filepath.Join(c.dir, c.configDir, "overrides.yaml"))
	if err != nil {
		return int(errkind.ExitCommandLine), errkind.CommandLineError{Err: err}
	}

	targets := c.Flags.Args()
	if err := c.validateFlags(targets, cfg); err != nil {
		return int(errkind.ExitCommandLine), err
	}
	if c.justBuild != "" && !slices.Contains(targets, c.justBuild) {
		targets = append(targets, c.justBuild)
	}

	if err := os.Chdir(c.dir); err != nil {
		return int(errkind.ExitCommandLine), errkind.CommandLineError{Err: fmt.Errorf("chdir %s: %w", c.dir, err)}
	}
	root, err := os.Getwd()
	if err != nil {
		return int(errkind.ExitCommandLine), errkind.CommandLineError{Err: err}
	}

	stats := clientstats.New()
	stats.Start(clientstats.LocalPreparation)
	version, err := buildversion.Resolve(ctx, c.buckBinary)
	stats.Stop(clientstats.LocalPreparation)
	if err != nil {
		stats.SetError(err)
		return int(errkind.ExitParse), errkind.ParseError{Err: err}
	}

	cells := cellindex.New(root, cfg.OverridesFor(root))
	underlying := hashrecord.NewLocalFileCache()
	hashes := hashrecord.New(underlying, cells)

	prepare := func(ctx context.Context) (*jobstate.JobState, graph.ActionGraph, error) {
		nodes := make(map[string][]byte, len(targets))
		rules := make([]graph.BuildRule, 0, len(targets))
		for _, t := range targets {
			nodes[t] = []byte(t)
			idx, err := cells.IndexOf(root)
			if err != nil {
				return nil, nil, fmt.Errorf("resolving cell for %s: %w", t, err)
			}
			rules = append(rules, graph.BuildRule{
				ID:        graph.RuleID(t),
				Cell:      idx,
				Outputs:   []string{outputPathFor(t)},
				Cacheable: !c.populateCache,
			})
		}
		ag := graphtest.NewActionGraph(rules)

		keys, err := rulekey.Compute(ctx, ag, hashes, rulekeySeed(version))
		if err != nil {
			return nil, nil, err
		}
		if c.showRuleKey || c.rulekeysLogPath != "" {
			c.reportRuleKeys(keys)
		}

		byCell, outside := hashes.Entries()
		job, err := jobstate.Build(cells.Enumerate(), nodes, targets, byCell, outside, version, nil)
		if err != nil {
			return nil, nil, err
		}
		return job, ag, nil
	}

	executor := graphtest.NewExecutor(nil)

	var svc remotebuild.Service
	if c.distributed {
		cred, err := authcred.New(ctx, c.authOpts)
		if err != nil {
			return int(errkind.ExitCommandLine), errkind.CommandLineError{Err: err}
		}
		cc, err := dialRemote(ctx, c.remoteAddr, cred)
		if err != nil {
			return int(errkind.ExitRemoteStepFailed), errkind.RemoteFailedError{ExitCodeValue: int(errkind.ExitRemoteStepFailed), Err: err}
		}
		defer cc.Close()
		svc = remotebuild.NewGRPCService(cc)
	}

	var outcome remotebuild.Outcome
	opts := hybridOptions(c, stats)
	opts.OnRemoteOutcome = func(o remotebuild.Outcome) { outcome = o }
	opts.Analyze = func(ctx context.Context, stats *clientstats.Stats) {
		path := filepath.Join(c.logDir, "buck-build-summary.txt")
		if err := postbuild.Summary(path, stats.Snapshot(), time.Now()); err != nil {
			clog.Warningf(ctx, "buck: failed to write %s: %v", path, err)
		}
	}

	spinner := ui.Default.NewSpinner()
	spinner.Start("building %s", strings.Join(targets, " "))
	code, err := hybrid.Run(ctx, prepare, executor, svc, stats, opts)
	spinner.Stop(err)

	if svc != nil && len(outcome.CacheMissKeys) > 0 && (c.fallback || outcome.ExitCode == 0) {
		c.reportCacheMissRuleKeys(ctx, svc, outcome)
	}

	ioStats := underlying.Stats()
	clog.Infof(ctx, "hashrecord: read %d files, %d bytes locally", ioStats.ROps, ioStats.RBytes)

	snap := stats.Snapshot()
	if c.out != "" && err == nil {
		if errs := postbuild.LinkLast(filepath.Join(root, "buck-out"), []string{outputPathFor(targets[0])}); len(errs) > 0 {
			return int(errkind.ExitBuild), errkind.OutputIncompatibleError{Target: targets[0], Err: errs[0]}
		}
	}
	if c.buildReport != "" {
		if werr := writeBuildReport(c.buildReport, targets, snap, code); werr != nil {
			fmt.Fprintf(os.Stderr, "buck: failed to write build report: %v\n", werr)
		}
	}
	c.showResults(targets)
	return code, err
}

// writeBuildReport writes the --build-report file: one line per target
// plus the invocation's terminal exit code, machine-parseable the way
// postbuild.Summary's human-readable file is not.
func writeBuildReport(path string, targets []string, snap clientstats.Snapshot, exitCode int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code=%d\n", exitCode)
	fmt.Fprintf(&b, "remote_exit_code=%d\n", snap.RemoteExitCode)
	fmt.Fprintf(&b, "local_exit_code=%d\n", snap.LocalExitCode)
	for _, t := range targets {
		fmt.Fprintf(&b, "target=%s output=%s\n", t, outputPathFor(t))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func dialRemote(ctx context.Context, addr string, cred authcred.Cred) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, errors.New("--remote-address (or $BUCK_REMOTE_ADDRESS) is required with --distributed")
	}
	opts := cred.GRPCDialOptions()
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype("gob")))
	return grpc.NewClient(addr, opts...)
}

func hybridOptions(c *buildCmdRun, stats *clientstats.Stats) hybrid.Options {
	return hybrid.Options{
		Distributed:   c.distributed,
		Fallback:      c.fallback,
		StateDumpPath: c.buildStateFile,
		Remote: remotebuild.Options{
			Stats: stats,
		},
	}
}

// rulekeySeed derives the per-build seed fed to rulekey.Compute from the
// version tag, so a rule key is stable across reruns of the same binary
// but changes whenever the version tag does.
func rulekeySeed(v jobstate.Version) uint64 {
	h := uint64(14695981039346656037) // FNV-1a offset basis
	for _, b := range []byte(v.Payload) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func outputPathFor(target string) string {
	return filepath.Join("buck-out", "gen", strings.ReplaceAll(strings.TrimPrefix(target, "//"), ":", "/"))
}

func (c *buildCmdRun) reportRuleKeys(keys map[graph.RuleID]rulekey.RuleKey) {
	var b strings.Builder
	for id, key := range keys {
		fmt.Fprintf(&b, "%s %s\n", id, key)
	}
	if c.rulekeysLogPath != "" {
		if err := os.WriteFile(c.rulekeysLogPath, []byte(b.String()), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "buck: failed to write %s: %v\n", c.rulekeysLogPath, err)
		}
	}
	if c.showRuleKey {
		ui.Default.Infof("%s", strings.TrimSuffix(b.String(), "\n"))
	}
}

// reportCacheMissRuleKeys fetches and logs the rule-key log entries for
// every key the remote build signalled NotBuilt, the diagnostic surface
// that lets an operator see why a default rule key missed the remote
// cache. Errors are logged and non-fatal: this runs after the build has
// already produced its exit code.
func (c *buildCmdRun) reportCacheMissRuleKeys(ctx context.Context, svc remotebuild.Service, outcome remotebuild.Outcome) {
	entries, err := svc.FetchRuleKeyLogs(ctx, outcome.StampedeID, outcome.CacheMissKeys)
	if err != nil {
		clog.Warningf(ctx, "buck: failed to fetch rule key logs for %d cache misses: %v", len(outcome.CacheMissKeys), err)
		return
	}
	for _, e := range entries {
		clog.Infof(ctx, "cache miss rule key %s: %s", e.Key, e.Message)
	}
}

func (c *buildCmdRun) showResults(targets []string) {
	mode := c.outputMode()
	if mode == showNothing {
		return
	}
	for _, t := range targets {
		out := outputPathFor(t)
		if c.reportAbsolutePaths || mode == showFullOutput || mode == showFullJSONOutput {
			if abs, err := filepath.Abs(out); err == nil {
				out = abs
			}
		}
		switch mode {
		case showJSONOutput, showFullJSONOutput:
			ui.Default.Infof("{%q: %q}", t, out)
		default:
			ui.Default.Infof("%s %s", t, out)
		}
	}
}

func (c *buildCmdRun) outputMode() outputMode {
	switch {
	case c.showFullJSONFlag:
		return showFullJSONOutput
	case c.showJSONOutputFlag:
		return showJSONOutput
	case c.showFullOutputFlag:
		return showFullOutput
	case c.showOutputFlag:
		return showOutput
	default:
		return showNothing
	}
}

func (c *buildCmdRun) validateFlags(targets []string, cfg *buildcfg.Config) error {
	if len(targets) == 0 {
		return errkind.CommandLineError{
			Err:      errors.New("at least one target is required"),
			Suggests: cfg.AliasNames(10),
		}
	}
	exclusive := 0
	for _, b := range []bool{c.deep, c.shallow, c.populateCache} {
		if b {
			exclusive++
		}
	}
	if exclusive > 1 {
		return errkind.CommandLineError{
			Err:      errors.New("--deep, --shallow and --populate-cache are mutually exclusive"),
			Suggests: []string{"--deep", "--shallow", "--populate-cache"},
		}
	}
	showExclusive := 0
	for _, b := range []bool{c.showOutputFlag, c.showFullOutputFlag, c.showJSONOutputFlag, c.showFullJSONFlag} {
		if b {
			showExclusive++
		}
	}
	if showExclusive > 1 {
		return errkind.CommandLineError{Err: errors.New("--show-output, --show-full-output, --show-json-output and --show-full-json-output are mutually exclusive")}
	}
	if c.out != "" && len(targets) != 1 {
		return errkind.CommandLineError{Err: errors.New("--out requires exactly one target")}
	}
	if c.buckBinary != "" {
		fi, err := os.Stat(c.buckBinary)
		if err != nil {
			return errkind.CommandLineError{Err: fmt.Errorf("--buck-binary: %w", err)}
		}
		if !fi.Mode().IsRegular() {
			return errkind.CommandLineError{Err: fmt.Errorf("--buck-binary: %s is not a regular file", c.buckBinary)}
		}
	}
	return nil
}

func (c *buildCmdRun) printSuccess(exit int) {
	dur := ui.FormatDuration(time.Since(c.started))
	ui.Default.Infof("%6s %s (exit %d)", ui.SGR(ui.Bold, dur), ui.SGR(ui.Green, "Build Succeeded"), exit)
}

func (c *buildCmdRun) printFailure(err error) {
	dur := ui.FormatDuration(time.Since(c.started))
	var cmdErr errkind.CommandLineError
	var parseErr errkind.ParseError
	var remoteErr errkind.RemoteFailedError
	var localErr errkind.LocalFailedError
	var outErr errkind.OutputIncompatibleError

	switch {
	case errors.As(err, &cmdErr):
		ui.Default.Errorf("%v", cmdErr)
		if len(cmdErr.Suggests) > 0 {
			ui.Default.Infof("try one of: %s", strings.Join(cmdErr.Suggests, ", "))
		}
	case errors.As(err, &outErr):
		ui.Default.Errorf("%6s %v", dur, outErr)
	case errors.As(err, &parseErr):
		ui.Default.Errorf("%6s %v", dur, parseErr)
	case errors.As(err, &remoteErr):
		ui.Default.Errorf("%6s %v", dur, remoteErr)
	case errors.As(err, &localErr):
		ui.Default.Errorf("%6s %v", dur, localErr)
	default:
		ui.Default.Errorf("%6s %v", dur, err)
	}
}

// parseFlagsFully parses flagSet without stopping at the first
// non-flag argument, the way ninja's command line treats target names
// interspersed with flags.
func parseFlagsFully(flagSet *flag.FlagSet) error {
	var targets []string
	for {
		args := flagSet.Args()
		if len(args) == 0 {
			break
		}
		remaining := len(args)
		for i, arg := range args {
			if !strings.HasPrefix(arg, "-") {
				targets = append(targets, arg)
				remaining--
				continue
			}
			if err := flagSet.Parse(args[i:]); err != nil {
				return err
			}
			break
		}
		if remaining == 0 {
			break
		}
	}
	return flagSet.Parse(targets)
}
