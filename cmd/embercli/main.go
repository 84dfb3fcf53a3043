// Command embercli is an interactive shell and one-shot command runner for
// poking at an ember database file: listing buckets, reading and writing
// keys, exporting buckets, and printing the statistics counters of the
// read-only transaction the stats command runs in.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"

	"github.com/emberdb/ember"
)

var (
	flagPageSize = flag.Int("page-size", 0, "page size in bytes (default: OS page size)")
	flagReadOnly = flag.Bool("read-only", false, "open the database read-only")
	flagNoSync   = flag.Bool("no-sync", false, "disable fsync after writes (unsafe, for scratch databases)")
	flagVerbose  = flag.Bool("verbose", false, "log at debug level")
	flagConfig   = flag.String("config", defaultConfigPath(), "path to a JWCC (jsonc) config file of flag defaults")
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.embercli.jsonc"
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <database-file> [command args...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "With no command, starts an interactive shell.")
		fmt.Fprintln(os.Stderr, "Commands: get, put, delete, buckets, create-bucket, delete-bucket, stats, export")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *flagConfig != "" {
		cfg, err := loadConfig(*flagConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "embercli: config %s: %v\n", *flagConfig, err)
			os.Exit(1)
		}
		applyConfigDefaults(cfg)
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	out := colorable.NewColorableStdout()
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	level := hclog.Info
	if *flagVerbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "embercli",
		Level:  level,
		Output: os.Stderr,
	})

	path := flag.Arg(0)
	db, err := ember.Open(path, ember.Options{
		PageSize: *flagPageSize,
		ReadOnly: *flagReadOnly,
		NoSync:   *flagNoSync,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "embercli: open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	app := &cli{db: db, out: out, logger: logger}

	args := flag.Args()[1:]
	if len(args) == 0 {
		app.repl()
		return
	}
	if err := app.dispatch(args); err != nil {
		fmt.Fprintf(os.Stderr, "embercli: %v\n", err)
		os.Exit(1)
	}
}
