// Package main implements a standalone end-to-end integration test for the
// bypass shim's echo server. It validates the full journey against a
// running shimserver instance: metrics endpoint health, a single
// connect/echo/close round trip, and a batch of concurrent connections
// echoing simultaneously.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-addr 127.0.0.1:9000] [-metrics-url http://127.0.0.1:9001/metrics] [-timeout 30s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vireo-systems/kbshim/loadtest/client"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	if r.kind == resultPass {
		return "PASS"
	}
	return "FAIL"
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "shimserver listen address")
	metricsURL := flag.String("metrics-url", "http://127.0.0.1:9001/metrics", "shimserver metrics endpoint URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Shim E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *addr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult
	results = append(results, scenario1MetricsHealth(ctx, *metricsURL))
	results = append(results, scenario2SingleEcho(ctx, *addr))
	results = append(results, scenario3ConcurrentEcho(ctx, *addr, 50))

	fmt.Println()
	passed, failed := 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
		if r.kind == resultPass {
			passed++
		} else {
			failed++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed ===\n", passed, passed+failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// scenario1MetricsHealth checks that the metrics endpoint is up and exposes
// at least one kbshim_ series.
func scenario1MetricsHealth(ctx context.Context, metricsURL string) scenarioResult {
	name := "Scenario 1: Metrics Health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if !strings.Contains(string(body), "kbshim_") {
		return scenarioResult{name, resultFail, "no kbshim_ series found"}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenario2SingleEcho connects once, sends a payload, and verifies it comes
// back unchanged before closing cleanly.
func scenario2SingleEcho(ctx context.Context, addr string) scenarioResult {
	name := "Scenario 2: Single Connect/Echo/Close"

	c, err := client.New(ctx, addr)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer c.Close()

	if err := c.Echo([]byte("end-to-end smoke test payload")); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("echo: %v", err)}
	}
	return scenarioResult{name, resultPass, ""}
}

// scenario3ConcurrentEcho opens n connections simultaneously and has each
// echo one payload, verifying the shim's accept/read/write path holds up
// under concurrent load without errors.
func scenario3ConcurrentEcho(ctx context.Context, addr string, n int) scenarioResult {
	name := fmt.Sprintf("Scenario 3: %d Concurrent Echoes", n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.New(ctx, addr)
			if err != nil {
				errs <- fmt.Errorf("conn %d dial: %w", i, err)
				return
			}
			defer c.Close()
			if err := c.Echo([]byte(fmt.Sprintf("payload-%d", i))); err != nil {
				errs <- fmt.Errorf("conn %d echo: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	var failures []string
	for err := range errs {
		failures = append(failures, err.Error())
	}
	if len(failures) > 0 {
		return scenarioResult{name, resultFail, fmt.Sprintf("%d/%d failed: %s", len(failures), n, failures[0])}
	}
	return scenarioResult{name, resultPass, ""}
}
