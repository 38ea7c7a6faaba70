// Package main runs the referential-integrity validator against the
// document store's materialized views and prints a summary report,
// exiting non-zero if any check failed (SPEC_FULL §4.11).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/integrity"
)

const (
	version = "1.0.0-dev"
	name    = "validator"

	defaultRunTimeout = 2 * time.Minute
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	helpFlag := flag.Bool("help", false, "show help information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *helpFlag {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("validator: DATABASE_URL cannot be empty")
	}

	pool, err := docstore.Open(docstore.NewConfig(databaseURL, 0, 0), logger)
	if err != nil {
		log.Fatalf("validator: failed to connect to document store: %v", err)
	}
	defer func() {
		_ = pool.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	validator := integrity.NewValidator(pool, logger)

	report := validator.ValidateAll(ctx)

	printReport(report)

	if !report.OverallPassed {
		os.Exit(1)
	}
}

func printReport(report integrity.IntegrityReport) {
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("REFERENTIAL INTEGRITY VALIDATION REPORT")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Schema: %s\n", report.SchemaName)
	fmt.Printf("Timestamp: %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))

	status := "FAILED"
	if report.OverallPassed {
		status = "PASSED"
	}

	fmt.Printf("Overall Status: %s\n", status)
	fmt.Println(strings.Repeat("=", 70))

	for _, r := range report.Results {
		resultStatus := "FAIL"
		if r.Passed {
			resultStatus = "PASS"
		}

		fmt.Printf("\n[%s] %s\n", resultStatus, r.TestName)
		fmt.Printf("  Total: %d\n", r.TotalCount)
		fmt.Printf("  Valid: %d (%.2f%%)\n", r.ValidCount, r.SuccessRate())

		if r.InvalidCount > 0 {
			fmt.Printf("  Invalid: %d\n", r.InvalidCount)
		}

		if r.OrphanedCount > 0 {
			fmt.Printf("  Orphaned: %d\n", r.OrphanedCount)
		}

		if r.ExecutionTime > 0 {
			fmt.Printf("  Time: %s\n", r.ExecutionTime)
		}

		for _, e := range r.Errors {
			fmt.Printf("  Error: %s\n", e)
		}

		for _, w := range r.Warnings {
			fmt.Printf("  Warning: %s\n", w)
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("SUMMARY: %d/%d tests passed\n", report.PassedCount(), len(report.Results))
	fmt.Println(strings.Repeat("=", 70))
}

func printUsage() {
	fmt.Printf(`%s v%s - Referential Integrity Validator

USAGE:
    %s [OPTIONS]

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL  Document store connection string (REQUIRED)

Runs the six-check referential integrity suite against the managed
materialized views and exits 1 if any check failed.
`, name, version, name)
}
