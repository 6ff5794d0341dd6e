package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/georgepadayatti/tstamp/internal/orchestrator"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/tsaconfig"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tstamp", "config.yaml")
}

// hookCommand implements the post-commit hook entry point (spec.md §6):
// no positional arguments, side effect is appending a timestamp commit
// onto HEAD. Flags exist for running it outside a real git hook (a cron
// job catching up a branch, or manual invocation during testing).
func hookCommand(args []string) {
	fs := flag.NewFlagSet("tstamp", flag.ExitOnError)
	gitDir := fs.String("C", "", "path to the repository working tree (default: current directory)")
	configPath := fs.String("config", defaultConfigPath(), "path to the TSA defaults file")
	authorName := fs.String("author-name", "tstamp", "commit author name for the timestamp commit")
	authorEmail := fs.String("author-email", "tstamp@localhost", "commit author email for the timestamp commit")

	fs.Usage = func() {
		fmt.Printf("Usage: %s [-C dir] [-config file]\n\n", os.Args[0])
		fmt.Println("Seal HEAD with a timestamp commit. Intended to run as a post-commit hook.")
		fmt.Println("")
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	// args includes the program name and, possibly, the unrecognized
	// subcommand word that sent us here (run() falls through default
	// cases into hookCommand with the original argv), so only parse
	// flags when they look like flags.
	parseArgs := args[1:]
	if len(parseArgs) > 0 && parseArgs[0][0] != '-' {
		parseArgs = nil
	}
	if err := fs.Parse(parseArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
		return
	}

	repo, store, trust, err := openComponents(*gitDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	defaults, err := tsaconfig.LoadDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	tsas, err := tsaconfig.LoadTSAs(repo, defaults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if err := tsaconfig.RequireAtLeastOneMandatory(tsas); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	alg, err := primitives.HashAlgByName(defaults.HashAlgorithm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	head, err := repo.HeadCommit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	o := orchestrator.New(repo, store, trust, alg, defaults.HashAlgorithm, *authorName, *authorEmail)
	o.Warnf = func(format string, a ...any) { fmt.Fprintf(os.Stderr, format+"\n", a...) }

	sealed, err := o.Seal(context.Background(), head, tsas)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	fmt.Printf("Sealed %s\n", sealed.Hash.String())
}
