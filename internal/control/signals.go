package control

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// NotifySignals stops recording on SIGINT or SIGTERM until ctx ends.
func NotifySignals(ctx context.Context, flags *Flags, log zerolog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Recording interrupted by user")
			flags.Stop()
		case <-ctx.Done():
		}
	}()
}
