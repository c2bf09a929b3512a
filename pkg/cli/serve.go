package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/handlers"
	"github.com/ekaya-inc/query-sandbox/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query definition HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply pending migrations before serving")

	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Migrate {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	endpoints := map[string]handlers.Pinger{"primary": a.primary}
	if a.replica != nil {
		endpoints["replica"] = a.replica
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, endpoints, a.logger).RegisterRoutes(mux)
	handlers.NewQueryDefinitionsHandler(a.definitions, a.executor, a.estimator, a.logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           middleware.RequestLogger(a.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting query sandbox",
			zap.String("addr", server.Addr),
			zap.String("version", a.cfg.Version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
