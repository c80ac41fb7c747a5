// Replay tool for measuring Kestrel against labelled transaction data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv -url http://localhost:8080
//
// The CSV needs account_id, amount and is_fraud columns. currency, type,
// merchant_category, latitude, longitude, country and timestamp (RFC 3339)
// are optional. Each transaction is submitted to POST /transactions and
// the isFraudulent verdict is compared with the label to report precision,
// recall and F1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"
)

func main() {
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	openAccounts := flag.Bool("open-accounts", true, "Create every account before replaying")
	accountAge := flag.Duration("account-age", 365*24*time.Hour, "Age of accounts created by -open-accounts")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	client := NewClient(*baseURL, *timeout)
	if err := client.Health(ctx); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	records, skipped, err := ReadRecords(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions (%d malformed rows skipped)\n", len(records), skipped)
	if len(records) == 0 {
		os.Exit(1)
	}

	fraud := 0
	for _, rec := range records {
		if rec.IsFraud {
			fraud++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraud, 100*float64(fraud)/float64(len(records)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(records)-fraud, 100*float64(len(records)-fraud)/float64(len(records)))

	if *openAccounts {
		n, err := openAll(ctx, client, records, time.Now().Add(-*accountAge))
		if err != nil {
			fmt.Printf("ERROR: Failed to open accounts: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Opened %d accounts\n", n)
	}

	var latencies []time.Duration
	onResult := func(res Result) {
		latencies = append(latencies, res.Latency)
		if !*verbose {
			return
		}
		if res.Err != nil {
			fmt.Printf("ERROR: %s -> %v\n", res.Record.AccountID, res.Err)
			return
		}
		mark := "ok "
		if res.Response.IsFraudulent != res.Record.IsFraud {
			mark = "MISS"
		}
		fmt.Printf("%s %-12s | %-10s | %12s %s | fraud: %-5v | score: %6.2f %s\n",
			mark,
			res.Record.AccountID,
			res.Record.Type,
			res.Record.Amount.StringFixed(2),
			res.Record.Currency,
			res.Record.IsFraud,
			res.Response.Analysis.FraudScore,
			res.Response.Analysis.RiskLevel,
		)
	}

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	confusion, err := Replay(ctx, client, records, *workers, onResult)
	duration := time.Since(start)
	if err != nil {
		fmt.Printf("ERROR: replay interrupted: %v\n", err)
	}

	printResults(confusion, latencies, duration)
}

func openAll(ctx context.Context, c *Client, records []Record, registered time.Time) (int, error) {
	seen := make(map[string]bool)
	for _, rec := range records {
		if seen[rec.AccountID] {
			continue
		}
		seen[rec.AccountID] = true
		if err := c.OpenAccount(ctx, rec.AccountID, registered); err != nil {
			return len(seen) - 1, err
		}
	}
	return len(seen), nil
}

func printResults(c *Confusion, latencies []time.Duration, duration time.Duration) {
	fmt.Println("\nRESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Scored:     %d\n", c.Total())
	fmt.Printf("   Errors:     %d\n", c.Errors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                   Predicted")
	fmt.Println("                 Fraud    Clean")
	fmt.Printf("   Actual Fraud %8d %8d   (TP, FN)\n", c.TruePositives, c.FalseNegatives)
	fmt.Printf("          Clean %8d %8d   (FP, TN)\n", c.FalsePositives, c.TrueNegatives)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", c.Precision())
	fmt.Printf("   Recall:     %.4f\n", c.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", c.F1())
	fmt.Printf("   Accuracy:   %.4f\n", c.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		fmt.Printf("   p50:        %v\n", latencies[len(latencies)/2].Round(time.Microsecond))
		fmt.Printf("   p99:        %v\n", latencies[len(latencies)*99/100].Round(time.Microsecond))
		fmt.Printf("   Throughput: %.2f tx/sec\n", float64(len(latencies))/duration.Seconds())
	}
	fmt.Println()
}
