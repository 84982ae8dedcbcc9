// Package main is the entry point for the shim load test binary. It drives
// a running shimserver instance (cmd/shimserver) over plain TCP and
// provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - echo:     Sustained echo throughput test
//   - sweep:    Bursty readiness test (synchronized traffic bursts)
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "echo":
		runEcho(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle connections")
	fmt.Println("  echo        Sustained echo throughput test — N connections loop send/recv")
	fmt.Println("  sweep       Bursty readiness test — N connections fire synchronized bursts")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
