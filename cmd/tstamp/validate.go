package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/georgepadayatti/tstamp/internal/walker"
)

// ValidateOptions contains options for the validate command.
type ValidateOptions struct {
	JSON    bool
	Verbose bool
	GitDir  string
}

// validateCommand implements the `validate [<ref>]` command (spec.md §6):
// walks ref's ancestry (default HEAD), printing results on stdout and
// warnings on stderr, exiting 0 only if every timestamp commit reached is
// still valid. With -json every commit gets one JSON object on its own
// line; the text form prints a line per timestamp commit (every commit
// with -verbose), token detail lines, and a closing "Overall:" line.
func validateCommand(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)

	var opts ValidateOptions
	fs.BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Show every token's detail, not just failures")
	fs.StringVar(&opts.GitDir, "C", "", "path to the repository working tree (default: current directory)")

	fs.Usage = func() {
		fmt.Printf("Usage: %s validate [options] [ref]\n\n", os.Args[0])
		fmt.Println("Walk ref's ancestry (default HEAD) and report timestamp validity.")
		fmt.Println("")
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
		return
	}

	ref := "HEAD"
	if fs.NArg() > 0 {
		ref = fs.Arg(0)
	}

	repo, store, trust, err := openComponents(opts.GitDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	commit, err := repo.ResolveCommit(ref)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	w := walker.New(repo, store, trust)
	w.Warnf = func(format string, a ...any) { fmt.Fprintf(os.Stderr, format+"\n", a...) }

	result, err := w.Validate(context.Background(), commit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if opts.JSON {
		outputValidateJSON(result)
	} else {
		outputValidateText(result, opts.Verbose)
	}

	if !result.OK {
		osExit(1)
	}
}

// commitLine is the machine-readable, one-line-per-commit stdout record
// spec.md §6 calls for.
type commitLine struct {
	Hash               string `json:"hash"`
	Timestamp          bool   `json:"timestamp"`
	OK                 bool   `json:"ok"`
	EffectiveTimestamp string `json:"effective_timestamp,omitempty"`
	Tokens             []struct {
		TSAURL string `json:"tsa_url"`
		Valid  bool   `json:"valid"`
		Error  string `json:"error,omitempty"`
	} `json:"tokens,omitempty"`
}

func outputValidateJSON(result *walker.Result) {
	encoder := json.NewEncoder(os.Stdout)
	for _, c := range result.Commits {
		line := commitLine{Hash: c.Hash, Timestamp: c.IsTimestamp, OK: c.OK}
		if !c.EffectiveTimestamp.IsZero() {
			line.EffectiveTimestamp = c.EffectiveTimestamp.Format(time.RFC3339)
		}
		for _, t := range c.Tokens {
			entry := struct {
				TSAURL string `json:"tsa_url"`
				Valid  bool   `json:"valid"`
				Error  string `json:"error,omitempty"`
			}{TSAURL: t.TSAURL, Valid: t.Valid}
			if t.Err != nil {
				entry.Error = t.Err.Error()
			}
			line.Tokens = append(line.Tokens, entry)
		}
		if err := encoder.Encode(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			osExit(1)
			return
		}
	}
}

func outputValidateText(result *walker.Result, verbose bool) {
	for _, c := range result.Commits {
		if !c.IsTimestamp {
			if verbose {
				fmt.Printf("%s  %s\n", c.Hash, "[--]  not a timestamp commit")
			}
			continue
		}
		fmt.Printf("%s  %s", c.Hash, getStatusIcon(c.OK))
		if !c.EffectiveTimestamp.IsZero() {
			fmt.Printf("  %s", c.EffectiveTimestamp.Format(time.RFC3339))
		}
		fmt.Println()
		if verbose || !c.OK {
			for _, t := range c.Tokens {
				if t.Valid {
					fmt.Printf("    %s  %s\n", getStatusIcon(true), t.TSAURL)
				} else {
					fmt.Printf("    %s  %s: %v\n", getStatusIcon(false), t.TSAURL, t.Err)
				}
			}
		}
	}
	fmt.Println()
	fmt.Printf("Overall: %s\n", getStatusIcon(result.OK))
}

func getStatusIcon(ok bool) string {
	if ok {
		return "[OK]"
	}
	return "[FAIL]"
}
