// Package main is the moderation pipeline load tester. It fires classification
// requests over NATS at the moderator service the same way the bot does, and
// reports round-trip latency percentiles plus (optionally) bot-side Prometheus
// metrics.
//
// Usage:
//
//	loadtest -workers 16 -duration 60s -nats nats://localhost:4222
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duetchat/duetbot/loadtest/stats"
)

// subjectClassify must match the subject the moderator service listens on.
const subjectClassify = "moderation.classify"

// classifyRequest mirrors the bot's wire format for classification requests.
type classifyRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// classifyResponse mirrors the moderator's verdict envelope.
type classifyResponse struct {
	Toxic bool   `json:"toxic"`
	Error string `json:"error,omitempty"`
}

// corpus is a mix of plain chat lines and lines the model should flag, so a
// load test exercises both verdict paths.
var corpus = []string{
	"halo apa kabar",
	"lagi ngapain sekarang",
	"aku suka musik indie, kamu?",
	"udah makan belum",
	"dari kota mana?",
	"dasar bodoh tolol goblok",
	"aku benci banget sama kamu anjing",
	"filmnya bagus banget semalam",
	"besok ada rencana apa",
	"mati aja sana dasar sampah",
}

func main() {
	var (
		natsURL    = flag.String("nats", nats.DefaultURL, "NATS server URL")
		workers    = flag.Int("workers", 8, "concurrent request workers")
		duration   = flag.Duration("duration", 30*time.Second, "test duration")
		timeout    = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		metricsURL = flag.String("metrics", "", "bot /metrics URL to scrape during the test (optional)")
	)
	flag.Parse()

	conn, err := nats.Connect(*natsURL, nats.Name("duetbot-loadtest"))
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer conn.Close()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 5*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(context.Background())
		defer scraper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log.Printf("firing at %s with %d workers for %s", subjectClassify, *workers, *duration)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runWorker(ctx, conn, collector, *timeout, rand.New(rand.NewSource(seed)))
		}(int64(i))
	}
	wg.Wait()

	collector.Report()
	if collector.ErrorCount() > 0 && collector.RequestCount() == 0 {
		os.Exit(1)
	}
}

// runWorker sends classification requests back to back until the context is
// cancelled. Each worker has its own RNG so corpus picks do not contend.
func runWorker(ctx context.Context, conn *nats.Conn, collector *stats.Collector, timeout time.Duration, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := classifyRequest{Kind: "text", Text: corpus[rng.Intn(len(corpus))]}
		data, err := json.Marshal(req)
		if err != nil {
			collector.AddError()
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		msg, err := conn.RequestWithContext(reqCtx, subjectClassify, data)
		elapsed := time.Since(start)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			collector.AddError()
			continue
		}

		var resp classifyResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.Error != "" {
			collector.AddError()
			continue
		}
		collector.AddVerdict(elapsed, resp.Toxic)
	}
}
