package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vireo-systems/kbshim/loadtest/client"
	"github.com/vireo-systems/kbshim/loadtest/stats"
)

// runEcho implements the sustained echo throughput test. Each simulated
// connection repeatedly sends a fixed-size payload and waits for the
// shimserver to echo it back, recording round-trip latency. This test
// measures the steady-state read/write/epoll_wait loop throughput of the
// bypass engine under concurrent connections, rather than connection
// saturation alone.
func runEcho(args []string) {
	fs := flag.NewFlagSet("echo", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9000", "shimserver listen address")
	connections := fs.Int("connections", 200, "Number of concurrent connections")
	duration := fs.Duration("duration", 30*time.Second, "How long to drive echo traffic")
	payloadSize := fs.Int("payload", 256, "Echo payload size in bytes")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9001/metrics", "shimserver metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Echo test: %d connections to %s for %s (payload=%dB, ramp=%s)\n",
		*connections, *addr, *duration, *payloadSize, *rampUp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	scraper.Start(ctx)
	collector.SetScraper(scraper)

	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var wg sync.WaitGroup
	rampTicker := time.NewTicker(interval)
	defer rampTicker.Stop()

	launched := 0
rampLoop:
	for launched < *connections {
		select {
		case <-ctx.Done():
			break rampLoop
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			go driveEchoConn(ctx, *addr, payload, *duration, collector, &wg)
		}
	}

	wg.Wait()
	scraper.Stop()
	collector.Report()
}

// driveEchoConn opens one connection and sends payload in a tight loop,
// recording round-trip latency for each echo, until ctx is cancelled or
// duration elapses.
func driveEchoConn(ctx context.Context, addr string, payload []byte, duration time.Duration, collector *stats.Collector, wg *sync.WaitGroup) {
	defer wg.Done()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.New(connCtx, addr)
	cancel()
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()

	m := c.GetMetrics()
	collector.AddConnect(m.ConnectLatency)

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		if err := c.Echo(payload); err != nil {
			collector.AddError()
			return
		}
		collector.AddMsgLatency(time.Since(start))
	}
}
