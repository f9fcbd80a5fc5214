// Command loadtest drives concurrent traffic at a running gciqs server and
// prints throughput, latency percentiles, cache hit rate and status codes.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8000 -mode search -concurrency 20
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

var genomicQueries = []string{
	"KRAS G12C inhibitor",
	"BRCA1 homologous recombination",
	"TP53 tumor suppressor",
	"EGFR exon 19 deletion",
	"CRISPR Cas9 off-target",
	"APOE4 Alzheimer risk",
	"CFTR F508del",
	"BRAF V600E melanoma",
	"pharmacogenomics CYP2D6",
	"HER2 amplification breast cancer",
	"PARP inhibitor synthetic lethality",
	"variant of uncertain significance",
	"polygenic risk score",
	"DNA mismatch repair",
	"gene therapy AAV vector",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "base URL of the gciqs server")
	mode := flag.String("mode", ModeSearch, "endpoint to exercise: search or query")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	topK := flag.Int("k", 5, "documents per request")
	flag.Parse()

	if *mode != ModeSearch && *mode != ModeQuery {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	cfg := Config{
		BaseURL:     *baseURL,
		Mode:        *mode,
		Concurrency: *concurrency,
		Duration:    *duration,
		TopK:        *topK,
		Queries:     genomicQueries,
	}

	fmt.Println("=== GCIQS Load Test ===")
	fmt.Printf("Target:      %s (%s)\n", cfg.BaseURL, cfg.Mode)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Queries:     %d unique\n", len(cfg.Queries))
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()
	report := Run(ctx, cfg).Report(cfg.Duration)
	report.Print(os.Stdout)

	if report.Total == 0 {
		fmt.Println("\nWARNING: No requests completed. Is the server running?")
		os.Exit(1)
	}
}
