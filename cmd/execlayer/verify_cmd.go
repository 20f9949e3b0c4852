package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/execlayer/kernel/pkg/audit"
	"github.com/execlayer/kernel/pkg/config"
	"github.com/execlayer/kernel/pkg/policy"
	"github.com/execlayer/kernel/pkg/receipts"
)

// runVerifyLogCmd implements `execlayer verify-log`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken or truncated
//	2 = runtime error
func runVerifyLogCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-log", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var path, dialect, dsn, checkpoint string
	cmd.StringVar(&path, "path", "", "Path to a JSONL audit log")
	cmd.StringVar(&dialect, "dialect", "", "SQL sink dialect (sqlite|postgres), used with --dsn")
	cmd.StringVar(&dsn, "dsn", "", "SQL sink data source name")
	cmd.StringVar(&checkpoint, "checkpoint", "", "Last known entry hash; verification fails if it is missing")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	entries, err := readEntries(context.Background(), path, audit.Dialect(dialect), dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := audit.VerifyAgainstCheckpoint(entries, checkpoint); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL: %v\n", err)
		return 1
	}
	head := "(empty)"
	if len(entries) > 0 {
		head = entries[len(entries)-1].EntryHash
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d entries, head %s\n", len(entries), head)
	return 0
}

func readEntries(ctx context.Context, path string, dialect audit.Dialect, dsn string) ([]audit.Entry, error) {
	switch {
	case path != "" && dsn != "":
		return nil, errors.New("--path and --dsn are mutually exclusive")
	case path != "":
		return audit.ReadFile(path)
	case dsn != "":
		sink, err := audit.OpenSQLSink(ctx, dialect, dsn)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
		return sink.Entries(ctx)
	}
	return nil, errors.New("--path or --dsn is required")
}

// runVerifyReceiptCmd implements `execlayer verify-receipt`. The key is
// taken from SIGNING_SECRET and SIGNING_KEY_ID.
func runVerifyReceiptCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-receipt", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	file := cmd.String("file", "", "Path to a receipt JSON document (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := newSigner(config.Load())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	r, err := receipts.VerifyJSON(data, signer)
	if r == nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse receipt: %v\n", err)
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL: %s: %v\n", r.ReceiptID, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %s (%s)\n", r.ReceiptID, r.Verdict.Status)
	return 0
}

// runBundleCmd prints the effective bundle as YAML.
func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("path", os.Getenv("POLICY_BUNDLE_PATH"), "Path to a YAML bundle (default: built-in bundle)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	b, err := loadBundle(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(policy.Describe(b)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_ = enc.Close()
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "http://localhost:"+config.Load().Port+"/health", "Health endpoint URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
