package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexiqai/transcript-relay/internal/observability"
	"github.com/lexiqai/transcript-relay/internal/sink"
)

func main() {
	url := flag.String("url", sink.DefaultURL, "relay WebSocket URL")
	backoff := flag.Duration("retry", sink.DefaultBackoff, "delay before reconnecting")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	// Transcripts go to stdout, logs to stderr
	observability.InitLoggerWithOutput(os.Stderr, *logLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tail := sink.New(*url, os.Stdout)
	tail.Backoff = *backoff
	tail.Run(ctx)
}
