// Package main provides the threadmon-mockserver binary: a fake Jolokia agent
// with simulated connector load, for running the monitor without a servlet
// container.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/threadmon/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":8778", "HTTP server address")
	period := flag.Duration("load-period", 2*time.Minute, "Period of the simulated load wave (0 = idle)")
	load := flag.Float64("load", -1, "Pin the load to a fraction in [0,1] instead of the wave")
	latency := flag.Int("latency-ms", 0, "Delay added to every agent reply")
	failureRate := flag.Float64("failure-rate", 0, "Fraction of requests answered with HTTP 503")
	username := flag.String("username", "", "Require basic auth with this user")
	password := flag.String("password", "", "Basic auth password")
	flag.Parse()

	config := mockserver.DefaultConfig()
	config.Addr = *addr
	config.SetBehavior(&mockserver.BehaviorProfile{
		Pools:         mockserver.DefaultPools(),
		DaemonThreads: 20,
		OtherThreads:  15,
		LoadPeriod:    *period,
		LatencyMs:     *latency,
		FailureRate:   *failureRate,
		Username:      *username,
		Password:      *password,
	})

	server := mockserver.New(config)
	if *load >= 0 {
		server.SetLoad(*load)
	}

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock Jolokia agent listening on %s\n", server.Addr())
	fmt.Printf("Agent endpoint: %s\n", server.JolokiaURL())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	fmt.Println("Mock server stopped")
}
