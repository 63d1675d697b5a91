package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-works/trellis/internal/access"
	"github.com/trellis-works/trellis/internal/config"
	"github.com/trellis-works/trellis/internal/handler"
	"github.com/trellis-works/trellis/internal/hydrate"
	"github.com/trellis-works/trellis/internal/resource"
	"github.com/trellis-works/trellis/internal/scheme"
	"github.com/trellis-works/trellis/internal/storage"
)

var serveAddr string

// serveCmd binds the handler facade to an HTTP listener.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the resource API",
	Long:  `Loads the configuration and scheme registry, opens the store, and serves the resource API over HTTP until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		return serve(cfg, reg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
}

func serve(cfg *config.Config, reg *scheme.Registry) error {
	st, err := storage.Open(cfg, reg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	deps := &resource.Deps{
		Store:    st,
		Registry: reg,
		Access: &access.Controller{
			AdminEnabled: cfg.Access.AdminEnabled,
			CrossSecret:  cfg.Access.CrossSecret,
		},
		Hydrator: hydrate.New(st, reg),
		Config:   cfg,
	}

	srv := &http.Server{
		Addr:    serveAddr,
		Handler: handler.New(deps),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("trellis serving on %s (database %s)", serveAddr, cfg.Database.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
