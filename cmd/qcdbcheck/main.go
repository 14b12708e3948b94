package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"filippo.io/age"
	"github.com/prometheus/common/expfmt"

	"github.com/therronjordan/Qcodes/internal/buildinfo"
	"github.com/therronjordan/Qcodes/internal/config"
	"github.com/therronjordan/Qcodes/internal/dataset"
	"github.com/therronjordan/Qcodes/internal/db"
	"github.com/therronjordan/Qcodes/internal/logging"
	"github.com/therronjordan/Qcodes/internal/tempdb"
)

const usageText = `qcdbcheck inspects fixture databases through a throwaway copy.

Usage:
  qcdbcheck --version
  qcdbcheck [--config PATH] [--identity PATH] [--upgrade] [--json] [--metrics] FILE...

Files ending in .age are decrypted with the identity file. The inputs are
never opened for writing.
`

type options struct {
	configPath   string
	identityPath string
	upgrade      bool
	jsonOutput   bool
	metrics      bool
	showVersion  bool
	files        []string
}

// report describes one inspected file.
type report struct {
	File          string `json:"file"`
	SchemaVersion int    `json:"schema_version"`
	Experiments   int    `json:"experiments"`
	Runs          int    `json:"runs"`
	Error         string `json:"error,omitempty"`
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stdout, usageText)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, opts, os.Stdout, os.Stderr))
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("qcdbcheck", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.StringVar(&opts.identityPath, "identity", "", "age identity file for .age fixtures")
	fs.BoolVar(&opts.upgrade, "upgrade", false, "apply schema migrations to the copy before inspecting")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output one JSON object per file")
	fs.BoolVar(&opts.metrics, "metrics", false, "print teardown metrics after inspecting")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.files = fs.Args()
	if !opts.showVersion && len(opts.files) == 0 {
		return opts, errors.New("at least one database file is required")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := logging.New(stderr, cfg.DBDebug)
	ctx = logging.ContextWithLogger(ctx, logger)

	identityPath := cfg.IdentityFile
	if opts.identityPath != "" {
		identityPath = opts.identityPath
	}
	var identities []age.Identity
	if identityPath != "" {
		identities, err = tempdb.LoadIdentities(identityPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	suite := tempdb.NewSuite(logger)
	env := tempdb.EnvFromConfig(cfg)
	env.Logger = logger
	env.Suite = suite
	copyOpts := tempdb.CopyOptions{Identities: identities, Upgrade: opts.upgrade}

	failed := false
	for _, file := range opts.files {
		rep := inspect(ctx, env, file, copyOpts)
		if rep.Error != "" {
			failed = true
		}
		if err := writeReport(stdout, rep, opts.jsonOutput); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	if opts.metrics {
		if err := writeMetrics(stdout, suite); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	if err := suite.Check(cfg.FailOnLeak); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

func inspect(ctx context.Context, env tempdb.Env, file string, opts tempdb.CopyOptions) report {
	rep := report{File: file}
	err := tempdb.WithCopiedDB(ctx, env, file, opts, func(conn *db.Conn) error {
		version, err := db.SchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		rep.SchemaVersion = version
		for _, table := range []string{"experiments", "runs"} {
			ok, err := tableExists(ctx, conn, table)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		experiments, err := dataset.LoadExperiments(ctx, conn)
		if err != nil {
			return err
		}
		rep.Experiments = len(experiments)
		rep.Runs, err = dataset.CountRuns(ctx, conn)
		return err
	})
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

func tableExists(ctx context.Context, conn *db.Conn, name string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", name, err)
	}
	return n > 0, nil
}

func writeReport(w io.Writer, rep report, jsonOutput bool) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(rep)
	}
	if rep.Error != "" {
		_, err := fmt.Fprintf(w, "%s: error: %s\n", rep.File, rep.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "%s: schema=%d experiments=%d runs=%d\n",
		rep.File, rep.SchemaVersion, rep.Experiments, rep.Runs)
	return err
}

func writeMetrics(w io.Writer, suite *tempdb.Suite) error {
	families, err := suite.Gather().Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
