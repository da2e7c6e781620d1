package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petrijr/inboxflow/internal/app"
	"github.com/petrijr/inboxflow/internal/config"
	"github.com/petrijr/inboxflow/internal/logging"
	"github.com/petrijr/inboxflow/pkg/api"
)

type cli struct {
	configPath string
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	root := &cobra.Command{
		Use:           "inboxflow",
		Short:         "Inbound mail triage, drafting and approval agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ./inboxflow.yaml)")

	root.AddCommand(
		c.serveCmd(),
		c.submitCmd(),
		c.statusCmd(),
		c.retryCmd(),
		c.cancelCmd(),
		c.errorsCmd(),
		c.stalledCmd(),
		c.recoverCmd(),
	)
	return root
}

// open loads the configuration and wires the application.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}

// withApp runs fn on a freshly opened application and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func (c *cli) submitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit [item.json]",
		Short: "Submit an item read from a JSON file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var item api.Item
			if err := json.NewDecoder(r).Decode(&item); err != nil {
				return fmt.Errorf("decode item: %w", err)
			}
			if item.ReceivedAt.IsZero() {
				item.ReceivedAt = time.Now().UTC()
			}

			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !wait {
					if err := a.Worker.EnqueueSubmit(ctx, item); err != nil {
						return err
					}
					_, err := fmt.Fprintf(c.out, "queued %s\n", item.ID)
					return err
				}
				inst, err := a.Engine.Submit(ctx, item)
				if err != nil {
					return err
				}
				return c.print(inst.Summary())
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "run the item in this process instead of queueing it")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if err := c.print(inst.Summary()); err != nil {
					return err
				}
				if !events {
					return nil
				}
				history, err := a.Engine.ListEvents(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(history)
			})
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "also print the instance history")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	var (
		force bool
		actor string
	)
	cmd := &cobra.Command{
		Use:   "retry <instance-id>",
		Short: "Resume an error instance at its failed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.Resume(ctx, args[0], api.ExternalEvent{
					ID:    uuid.NewString(),
					Kind:  api.EventKindManualRetry,
					Force: force,
					Actor: actor,
					At:    time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				return c.print(inst.Summary())
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "revive a dead_letter instance from the first stage")
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "operator recorded in the history")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return c.print(inst.Summary())
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")
	return cmd
}

func (c *cli) errorsCmd() *cobra.Command {
	var (
		filter api.ErrorFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List error and dead_letter instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListErrors(ctx, filter)
				if err != nil {
					return err
				}
				if list == nil {
					list = []api.InstanceSummary{}
				}
				return c.print(list)
			})
		},
	}
	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "only this owner")
	cmd.Flags().StringVar(&filter.ErrorType, "type", "", "only this error type (retries_exhausted, permanent, authorization)")
	cmd.Flags().DurationVar(&since, "since", 0, "only errors newer than this")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of results")
	return cmd
}

func (c *cli) stalledCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List active instances with no recent checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("older-than") {
					olderThan = a.Config.Engine.StalledAfter
				}
				list, err := a.Engine.ListStalled(ctx, olderThan)
				if err != nil {
					return err
				}
				if list == nil {
					list = []api.InstanceSummary{}
				}
				return c.print(list)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "checkpoint age (default engine.stalled_after)")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-run stalled instances whose lease is free",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("older-than") {
					olderThan = a.Config.Engine.StalledAfter
				}
				recovered, err := a.Engine.RecoverStalled(ctx, olderThan)
				if err != nil {
					return err
				}
				out := make([]api.InstanceSummary, 0, len(recovered))
				for _, inst := range recovered {
					out = append(out, inst.Summary())
				}
				return c.print(out)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "checkpoint age (default engine.stalled_after)")
	return cmd
}
