package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	envFile string

	cfg    config
	logger *log.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "goals-sync",
		Short:         "Sync goals, milestones and tasks with the remote backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.envFile)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			opts.cfg, opts.logger, opts.closer = cfg, logger, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closer != nil {
				return opts.closer.Close()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newInitRemoteCmd(opts))
	return cmd
}

// withApp builds the app, runs fn and tears everything down.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp(opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sync scheduling, timeline refreshes and the completion poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				return a.serve(ctx)
			})
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and rebuild the projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if !a.cfg.RemoteEnabled() {
					return fmt.Errorf("STORAGE_CONNECTION_STRING is not set")
				}
				if err := a.sync.Sync(ctx, force); err != nil {
					return err
				}
				a.timeline.ForceRefresh(ctx, "sync")
				if at, ok := a.sync.LastSyncTime(ctx); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "last sync: %s\n", at.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the cooldown")
	return cmd
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Drain pending widget completions and repair projection drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if _, err := a.poller.SyncWidgetChangesToDatabase(ctx); err != nil {
					return err
				}
				out, err := sonic.ConfigStd.MarshalIndent(a.resolver.DetectDataInconsistencies(ctx), "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			})
		},
	}
}

func newInitRemoteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-remote",
		Short: "Create the remote tables and notice queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if a.remote == nil {
					return fmt.Errorf("STORAGE_CONNECTION_STRING is not set")
				}
				if err := a.remote.EnsureResources(ctx); err != nil {
					return err
				}
				a.logger.Info("remote resources ready")
				return nil
			})
		},
	}
}
