package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	ModeSearch = "search"
	ModeQuery  = "query"
)

// Config describes one load test run.
type Config struct {
	BaseURL     string
	Mode        string
	Concurrency int
	Duration    time.Duration
	TopK        int
	Queries     []string
}

// Stats accumulates per-request outcomes from all workers.
type Stats struct {
	total     atomic.Int64
	success   atomic.Int64
	errors    atomic.Int64
	cacheHits atomic.Int64

	mu          sync.Mutex
	latencies   []time.Duration
	firstEvents []time.Duration
	statusCodes map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]int64),
	}
}

// Record adds one request. firstEvent is the time to the first SSE frame and
// is ignored when zero.
func (s *Stats) Record(latency, firstEvent time.Duration, status int, cacheHit bool, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	if status >= 200 && status < 300 {
		s.success.Add(1)
	} else {
		s.errors.Add(1)
	}
	if cacheHit {
		s.cacheHits.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, latency)
	if firstEvent > 0 {
		s.firstEvents = append(s.firstEvents, firstEvent)
	}
	s.statusCodes[status]++
}

// Run spreads requests over cfg.Concurrency workers until ctx is done.
func Run(ctx context.Context, cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var wg sync.WaitGroup
	for worker := range cfg.Concurrency {
		wg.Go(func() {
			next := worker
			for ctx.Err() == nil {
				query := cfg.Queries[next%len(cfg.Queries)]
				next++
				if cfg.Mode == ModeQuery {
					streamQuery(ctx, client, cfg, query, stats)
				} else {
					search(ctx, client, cfg, query, stats)
				}
			}
		})
	}
	wg.Wait()
	return stats
}

func search(ctx context.Context, client *http.Client, cfg Config, query string, stats *Stats) {
	target := fmt.Sprintf("%s/api/v1/search?q=%s&limit=%d", cfg.BaseURL, url.QueryEscape(query), cfg.TopK)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		stats.Record(0, 0, 0, false, err)
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			stats.Record(time.Since(start), 0, 0, false, err)
		}
		return
	}
	defer resp.Body.Close()

	var body struct {
		CacheHit bool `json:"cache_hit"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	stats.Record(time.Since(start), 0, resp.StatusCode, body.CacheHit, nil)
}

func streamQuery(ctx context.Context, client *http.Client, cfg Config, query string, stats *Stats) {
	payload, _ := json.Marshal(map[string]any{"query": query, "top_k": cfg.TopK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		stats.Record(0, 0, 0, false, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			stats.Record(time.Since(start), 0, 0, false, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		stats.Record(time.Since(start), 0, resp.StatusCode, false, nil)
		return
	}

	var firstEvent time.Duration
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if firstEvent == 0 {
			firstEvent = time.Since(start)
		}
		if strings.Contains(line, `"type":"done"`) {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() != nil {
		return
	}
	stats.Record(time.Since(start), firstEvent, resp.StatusCode, false, scanner.Err())
}

// Report is a summary of a finished run.
type Report struct {
	Total       int64
	Success     int64
	Errors      int64
	CacheHits   int64
	RPS         float64
	Latency     Distribution
	FirstEvent  Distribution
	StatusCodes map[int]int64
}

// Distribution summarizes a latency sample.
type Distribution struct {
	Count  int
	Min    time.Duration
	Avg    time.Duration
	P50    time.Duration
	P90    time.Duration
	P95    time.Duration
	P99    time.Duration
	Max    time.Duration
	StdDev time.Duration
}

func (s *Stats) Report(elapsed time.Duration) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		Total:       s.total.Load(),
		Success:     s.success.Load(),
		Errors:      s.errors.Load(),
		CacheHits:   s.cacheHits.Load(),
		Latency:     distribution(s.latencies),
		FirstEvent:  distribution(s.firstEvents),
		StatusCodes: make(map[int]int64, len(s.statusCodes)),
	}
	for code, n := range s.statusCodes {
		r.StatusCodes[code] = n
	}
	if elapsed > 0 {
		r.RPS = float64(r.Total) / elapsed.Seconds()
	}
	return r
}

func distribution(sample []time.Duration) Distribution {
	if len(sample) == 0 {
		return Distribution{}
	}
	sorted := make([]time.Duration, len(sample))
	copy(sorted, sample)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	avg := sum / time.Duration(len(sorted))
	var sumSquared float64
	for _, l := range sorted {
		diff := float64(l - avg)
		sumSquared += diff * diff
	}
	return Distribution{
		Count:  len(sorted),
		Min:    sorted[0],
		Avg:    avg,
		P50:    percentile(sorted, 50),
		P90:    percentile(sorted, 90),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Max:    sorted[len(sorted)-1],
		StdDev: time.Duration(math.Sqrt(sumSquared / float64(len(sorted)))),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

// Print writes the report in a human-readable layout.
func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Total Requests:  %d\n", r.Total)
	fmt.Fprintf(w, "Successful:      %d\n", r.Success)
	fmt.Fprintf(w, "Errors:          %d\n", r.Errors)
	if r.Total > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(r.Errors)/float64(r.Total)*100)
		fmt.Fprintf(w, "Cache Hit Rate:  %.2f%%\n", float64(r.CacheHits)/float64(r.Total)*100)
		fmt.Fprintf(w, "Requests/sec:    %.2f\n", r.RPS)
	}
	printDistribution(w, "Latency", r.Latency)
	printDistribution(w, "Time to First Event", r.FirstEvent)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Status Codes ===")
	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, r.StatusCodes[code])
	}
}

func printDistribution(w io.Writer, title string, d Distribution) {
	if d.Count == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== %s ===\n", title)
	fmt.Fprintf(w, "Min:    %s\n", d.Min)
	fmt.Fprintf(w, "Avg:    %s\n", d.Avg)
	fmt.Fprintf(w, "P50:    %s\n", d.P50)
	fmt.Fprintf(w, "P90:    %s\n", d.P90)
	fmt.Fprintf(w, "P95:    %s\n", d.P95)
	fmt.Fprintf(w, "P99:    %s\n", d.P99)
	fmt.Fprintf(w, "Max:    %s\n", d.Max)
	fmt.Fprintf(w, "StdDev: %s\n", d.StdDev)
}
