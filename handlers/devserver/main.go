// Command devserver runs every HTTP function behind one local server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"newsletter/internal/app"
	"newsletter/internal/devhttp"
	"newsletter/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	envFile := flag.String("env", ".env", "dotenv file to load before reading configuration")
	origin := flag.String("origin", "http://localhost:3000", "browser origin of the local site")
	flag.Parse()

	log := logging.Default("devserver")
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("file", *envFile).Msg("could not load env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Load(ctx, "devserver", os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	unsubscribe := a.Unsubscribe()
	sesEvents := a.SESEvents()
	router := devhttp.NewRouter(devhttp.Routes{
		Subscribe:      a.Subscribe().Subscribe,
		Confirm:        a.Confirm().Confirm,
		UnsubscribeGET: unsubscribe.Link,
		Unsubscribe:    unsubscribe.API,
		Resubscribe:    a.Resubscribe().Resubscribe,
		Publish:        a.Publish().Publish,
		SESEvents:      sesEvents.Webhook,
		Stats:          a.Stats().Stats,
	}, a.Log, *origin)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	log.Info().Str("addr", *addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
