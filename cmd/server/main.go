package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lookup/internal/platform/httpserver"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "lookup",
		Short:         "Federated identity lookup directory",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newServerCmd(),
		newVerifyCmd(),
		newReplicateCmd(),
		newInstancesCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// withApp builds the app for one command run and releases it afterwards.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args, a)
	}
}

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Serve the directory over HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			srv := httpserver.New(a.cfg.Addr, a.router())

			errCh := make(chan error, 1)
			go func() {
				a.logger.InfoContext(ctx, "starting lookup server",
					"addr", a.cfg.Addr,
					"global_scale", a.cfg.GlobalScale,
					"version", version,
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			a.logger.Info("server stopped")
			return nil
		}),
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run one pass over pending proof checks",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			result, err := a.verification(ctx).RunPass(ctx)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "verification pass complete",
				"processed", result.Processed,
				"verified", result.Verified,
				"retried", result.Retried,
				"abandoned", result.Abandoned,
			)
			return nil
		}),
	}
}

func newReplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Import identities from the configured peers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			ctx := cmd.Context()
			if len(a.cfg.Replication.Hosts) == 0 {
				a.logger.InfoContext(ctx, "no replication hosts configured")
				return nil
			}
			_, err := a.importer().Import(ctx)
			return err
		}),
	}
}

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Manage the instance directory",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the known instances",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			list, err := a.instances.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, instance := range list {
				fmt.Fprintln(cmd.OutOrStdout(), instance)
			}
			return nil
		}),
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the instance list from stored identities",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			return a.instances.SyncFromIdentities(cmd.Context())
		}),
	}

	var removeUsers bool
	remove := &cobra.Command{
		Use:   "remove <instance>",
		Short: "Forget an instance",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			n, err := a.instances.Remove(cmd.Context(), args[0], removeUsers)
			if err != nil {
				return err
			}
			if removeUsers {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d identities\n", n)
			}
			return nil
		}),
	}
	remove.Flags().BoolVar(&removeUsers, "users", false, "also delete every identity hosted on the instance")

	cmd.AddCommand(list, sync, remove)
	return cmd
}
