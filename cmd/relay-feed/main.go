package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexiqai/transcript-relay/internal/feeder"
	"github.com/lexiqai/transcript-relay/internal/observability"
	"github.com/lexiqai/transcript-relay/internal/sink"
)

func main() {
	url := flag.String("url", sink.DefaultURL, "relay WebSocket URL")
	file := flag.String("file", "-", "audio file to stream, - for stdin")
	chunk := flag.Int("chunk", feeder.DefaultChunkSize, "bytes per frame")
	interval := flag.Duration("interval", 0, "pause between frames, e.g. 250ms to pace a recording")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	observability.InitLoggerWithOutput(os.Stderr, *logLevel, true)
	logger := observability.GetLogger()

	var src io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatal().Err(err).Str("file", *file).Msg("Failed to open audio file")
		}
		defer f.Close()
		src = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := feeder.New(*url)
	f.ChunkSize = *chunk
	f.Interval = *interval

	if err := f.Run(ctx, src, func(text string) { fmt.Println(text) }); err != nil {
		logger.Error().Err(err).Msg("Feed failed")
		stop()
		os.Exit(1)
	}
}
