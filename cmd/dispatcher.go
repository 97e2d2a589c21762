package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

func newDispatcherCmd() *cobra.Command {
	var noRegister bool

	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Runs the job dispatcher",
		Long: `Restores the done-set, seeds the queue, serves the dispatcher API and
publishes its address to the directory. The address is withdrawn on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatcher(cmd, !noRegister)
		},
	}
	cmd.Flags().BoolVar(&noRegister, "no-register", false, "do not publish the address to the directory")
	return cmd
}

func runDispatcher(cmd *cobra.Command, register bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.Config()
	logger := a.Logger()

	d, err := a.Dispatcher(ctx)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	if err := d.Restore(ctx); err != nil {
		return err
	}
	d.Seed(a.Seeds())

	ln, err := listen(cfg.Server.Port)
	if err != nil {
		return err
	}
	var announce registerFunc
	if register {
		addr := cfg.AdvertiseAddress()
		client := a.DirectoryClient()
		announce = func(ctx context.Context) (func(context.Context) error, error) {
			release, err := client.Register(ctx, addr)
			if err == nil {
				logger.Info("registered dispatcher address", zap.String("address", addr))
			}
			return release, err
		}
	}
	return announceAndServe(ctx, ln, a.APIServer(d).Handler(), announce, logger)
}

// registerFunc publishes the dispatcher address and returns the func that withdraws it.
type registerFunc func(ctx context.Context) (func(context.Context) error, error)

// announceAndServe registers the address only once ln is accepting connections, serves until
// ctx ends and releases the address on every return path. A nil announce skips registration.
func announceAndServe(
	ctx context.Context,
	ln net.Listener,
	handler http.Handler,
	announce registerFunc,
	logger *zap.Logger,
) error {
	if announce != nil {
		release, err := announce(ctx)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("register dispatcher address: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logger.Warn("failed to release dispatcher address", zap.Error(err))
			}
		}()
	}
	return serveHTTP(ctx, ln, handler, logger)
}
