package main

import (
	"bufio"
	"context"
	"crypto"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/tsaclient"
)

// trustCommand implements `trust <tsa_url>` (spec.md §6): requests a
// throwaway certReq=true token from the TSA to learn its signer's
// certificate set, locates the self-signed root among them, and installs
// it into the trust store after the operator confirms its fingerprint.
func trustCommand(args []string) {
	fs := flag.NewFlagSet("trust", flag.ExitOnError)
	gitDir := fs.String("C", "", "path to the repository working tree (default: current directory)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")

	fs.Usage = func() {
		fmt.Printf("Usage: %s trust [options] <tsa_url>\n\n", os.Args[0])
		fmt.Println("Install a timestamp authority's root certificate into the trust store.")
		fmt.Println("")
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
		return
	}
	if fs.NArg() < 1 {
		fs.Usage()
		osExit(1)
		return
	}
	tsaURL := fs.Arg(0)

	repo, err := openRepo(*gitDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	client := tsaclient.New(tsaURL)
	probe := primitives.Hash(crypto.SHA256, []byte("tstamp trust probe "+tsaURL))
	tok, err := client.RequestToken(context.Background(), crypto.SHA256, probe, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error requesting token from %s: %v\n", tsaURL, err)
		osExit(1)
		return
	}

	root := findSelfSignedRoot(tok.Certificates)
	if root == nil {
		fmt.Fprintf(os.Stderr, "Error: %s did not return a self-signed root certificate in its response; install it manually\n", tsaURL)
		osExit(1)
		return
	}

	fmt.Printf("TSA root certificate for %s:\n", tsaURL)
	fmt.Printf("  Subject:     %s\n", root.Subject)
	fmt.Printf("  Serial:      %s\n", root.SerialNumber)
	fmt.Printf("  Fingerprint: %s\n", primitives.SubjectHashOpenSSL(root))
	fmt.Printf("  Valid:       %s to %s\n", root.NotBefore, root.NotAfter)

	if !*yes && !confirm("Install this root into the trust store? [y/N] ") {
		fmt.Println("Aborted.")
		return
	}

	dir := trustStoreDir(repo)
	trust, err := chainbuilder.LoadTrustStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if err := trust.Install(root); err != nil {
		fmt.Fprintf(os.Stderr, "Error installing root: %v\n", err)
		osExit(1)
		return
	}

	fmt.Printf("Installed into %s\n", dir)
}

func findSelfSignedRoot(certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		if c.Subject.String() == c.Issuer.String() {
			return c
		}
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
