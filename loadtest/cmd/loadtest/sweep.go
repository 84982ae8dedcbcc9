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

// runSweep implements the bursty readiness load test. All connections sit
// idle, then fire a payload in the same instant on every tick, so the
// shimserver's epoll set has to sweep a large batch of simultaneously-ready
// sockets each time instead of draining a steady trickle. This is the
// pattern that stresses the readiness engine's ready-list depth rather than
// its steady-state per-event overhead.
func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9000", "shimserver listen address")
	connections := fs.Int("connections", 500, "Number of concurrent connections")
	bursts := fs.Int("bursts", 20, "Number of synchronized bursts to drive")
	burstInterval := fs.Duration("burst-interval", 500*time.Millisecond, "Time between bursts")
	payloadSize := fs.Int("payload", 64, "Burst payload size in bytes")
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9001/metrics", "shimserver metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 1*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Sweep test: %d connections to %s, %d bursts every %s (payload=%dB)\n",
		*connections, *addr, *bursts, *burstInterval, *payloadSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	scraper.Start(ctx)
	collector.SetScraper(scraper)

	payload := make([]byte, *payloadSize)

	clients := make([]*client.Client, 0, *connections)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			c, err := client.New(connCtx, *addr)
			cancel()
			if err != nil {
				collector.AddError()
				return
			}
			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Printf("Connected %d/%d clients\n", len(clients), *connections)

	burstTicker := time.NewTicker(*burstInterval)
	defer burstTicker.Stop()

burstLoop:
	for b := 0; b < *bursts; b++ {
		select {
		case <-ctx.Done():
			break burstLoop
		case <-burstTicker.C:
			var burstWg sync.WaitGroup
			for _, c := range clients {
				burstWg.Add(1)
				go func(c *client.Client) {
					defer burstWg.Done()
					start := time.Now()
					if err := c.Echo(payload); err != nil {
						collector.AddError()
						return
					}
					collector.AddMsgLatency(time.Since(start))
				}(c)
			}
			burstWg.Wait()
			fmt.Printf("  [burst %d/%d] done\n", b+1, *bursts)
		}
	}

	for _, c := range clients {
		c.Close()
	}
	scraper.Stop()
	collector.Report()
}
