// SatOP platform server.
//
// Single binary hosting:
//   - the authorization core (tokens, entities, roles, providers)
//   - the groundstation connector (control channel + terminals)
//   - the plugin engine (compiled-in plugins, lifecycle targets)
//   - the system log (artifact store + event log)
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/pkg/server"

	// Bundled plugins register their factories on import.
	_ "github.com/discosat/satop-platform/plugins/scheduling"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("SatOP platform starting")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize platform")
		os.Exit(1)
	}
	defer srv.Close()
	defer srv.ShutdownFunc(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
