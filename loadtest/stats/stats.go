// Package stats provides a goroutine-safe metrics collector that aggregates
// classification round-trip data from multiple load test workers and prints a
// summary report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from multiple load test workers. All
// methods are goroutine-safe and can be called concurrently.
type Collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	toxic     int
	clean     int
	errors    int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When
// set, Report() will also print server-side metrics collected by the scraper.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddVerdict records one completed classification round trip.
func (c *Collector) AddVerdict(d time.Duration, toxic bool) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	if toxic {
		c.toxic++
	} else {
		c.clean++
	}
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// RequestCount returns the number of recorded round trips.
func (c *Collector) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies)
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary of the collected metrics to stdout,
// including throughput, verdict split and percentile distributions for the
// classification round-trip latency.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	requests := len(c.latencies)

	fmt.Println("\n=== Moderation Load Test Results ===")
	fmt.Printf("Duration:   %s\n", elapsed.Round(time.Second))
	fmt.Printf("Requests:   %d\n", requests)
	fmt.Printf("Errors:     %d\n", c.errors)
	if elapsed > 0 {
		fmt.Printf("Throughput: %.1f req/s\n", float64(requests)/elapsed.Seconds())
	}
	if requests > 0 {
		fmt.Printf("Verdicts:   %d toxic / %d clean (%.1f%% flagged)\n",
			c.toxic, c.clean, float64(c.toxic)/float64(requests)*100)
	}

	if requests > 0 {
		fmt.Println("\n--- Round-Trip Latency ---")
		printPercentiles(c.latencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the given durations and prints avg, p50, p95, p99,
// and max values along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
