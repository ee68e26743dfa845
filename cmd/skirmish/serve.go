package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/skirmish-gg/skirmish/pkg/config"
	"github.com/skirmish-gg/skirmish/pkg/relay"

	"github.com/rs/zerolog/log"
)

func serveCommand(configs []string) error {
	cfg, err := config.Process(configs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := relay.NewRelay()

	errs := make(chan error, 1)
	go func() {
		errs <- r.Serve(ctx, cfg.Relay.Port)
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx := context.Background()
		r.Shutdown(shutdownCtx)
		return nil
	}
}
