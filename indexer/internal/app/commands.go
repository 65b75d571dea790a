package app

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

func newIndexCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run one indexing round and print the committed snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				snap, err := a.Service.RunIndexingRound(ctx, LocalCaller)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
}

// --- tasks ------------------------------------------------------------------

func newTasksCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage registered tasks",
	}

	var file string
	add := &cobra.Command{
		Use:   "add -f FILE",
		Short: "Register or replace a task read from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := readTask(file)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				if err := a.Service.AddTask(ctx, LocalCaller, t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s registered\n", t.ID)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "", "task definition (YAML or JSON)")
	_ = add.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tasks in registration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				tasks, err := a.Service.ListTasks(ctx, LocalCaller)
				if err != nil {
					return err
				}
				if tasks == nil {
					tasks = []model.Task{}
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Unregister a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				if err := a.Service.RemoveTask(ctx, LocalCaller, model.TaskID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s removed\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

// readTask decodes a task file. JSON is valid YAML, so one decoder serves
// both.
func readTask(path string) (model.Task, error) {
	var t model.Task
	data, err := os.ReadFile(path)
	if err != nil {
		return t, goerr.Wrap(err, "read task file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, goerr.Wrap(model.ErrInvalidTask, "parse task file", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	return t, nil
}

// --- config -----------------------------------------------------------------

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change runtime configuration",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print max_count, duration_seconds and every stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				return printJSON(cmd.OutOrStdout(), a.Service.GetConfig())
			})
		},
	}

	var maxCount int
	setMax := &cobra.Command{
		Use:   "set-max-count N",
		Short: "Change the retention bound; excess snapshots are evicted immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscan(args[0], &maxCount); err != nil {
				return goerr.Wrap(err, "parse max_count", goerr.V("value", args[0]))
			}
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				if err := a.Service.SetMaxCount(ctx, LocalCaller, maxCount); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.Service.GetConfig())
			})
		},
	}

	var secs int64
	setDuration := &cobra.Command{
		Use:   "set-duration SECONDS",
		Short: "Change the width of the window sent to lenses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscan(args[0], &secs); err != nil {
				return goerr.Wrap(err, "parse duration_seconds", goerr.V("value", args[0]))
			}
			return g.withApp(cmd, func(ctx context.Context, a *App) error {
				if err := a.Service.SetDurationSeconds(ctx, LocalCaller, secs); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.Service.GetConfig())
			})
		},
	}

	cmd.AddCommand(get, setMax, setDuration)
	return cmd
}

// --- snapshots --------------------------------------------------------------

func newSnapshotsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Query the snapshot history",
	}

	latest := &cobra.Command{
		Use:   "latest",
		Short: "Print the newest snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				snap, err := a.Service.LatestSnapshot()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	var from, to uint64
	rng := &cobra.Command{
		Use:   "range",
		Short: "Print snapshots with timestamps in [from, to] (unix ms), newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				return printJSON(cmd.OutOrStdout(), a.Service.QueryRange(from, to))
			})
		},
	}
	rng.Flags().Uint64Var(&from, "from", 0, "inclusive lower bound, unix ms")
	rng.Flags().Uint64Var(&to, "to", math.MaxUint64, "inclusive upper bound, unix ms")

	var n int
	top := &cobra.Command{
		Use:   "top",
		Short: "Print the n newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				return printJSON(cmd.OutOrStdout(), a.Service.TopSnapshots(n))
			})
		},
	}
	top.Flags().IntVarP(&n, "n", "n", 10, "number of snapshots")

	length := &cobra.Command{
		Use:   "len",
		Short: "Print the number of retained snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				fmt.Fprintln(cmd.OutOrStdout(), a.Service.StoreLength())
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Print one snapshot by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snapshotid.Parse(args[0])
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(_ context.Context, a *App) error {
				snap, ok := a.Service.Snapshot(id)
				if !ok {
					return goerr.Wrap(model.ErrNoData, "snapshot not found", goerr.V("id", id))
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	cmd.AddCommand(latest, rng, top, length, get)
	return cmd
}
