package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/toolrun/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a service with a Prometheus metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, eng, m, err := setup()
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Pick up config edits while running; only the log level is
		// reloadable, engine options are fixed at startup.
		watcher, err := config.NewWatcher(config.NewLoader(cfgFile).GetConfigPath(), applyReload)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		} else {
			defer watcher.Stop()
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: serveAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		fmt.Fprintf(cmd.ErrOrStderr(), "serving metrics on %s/metrics\n", serveAddr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// applyReload applies the reloadable subset of a freshly loaded config
func applyReload(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		return
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("level", level.String()).Msg("Log level updated")
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "metrics listen address")
	rootCmd.AddCommand(serveCmd)
}
