package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

// cli carries the state shared by every command: the resolved configuration
// and the process logger.
type cli struct {
	environ []string
	cfg     Config
	logger  *slog.Logger

	dbPath   string
	logLevel string
}

func newRootCmd(environ []string) *cobra.Command {
	c := &cli{environ: environ}

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Durable workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.dbPath, "db-path", "", "database path (overrides CONDUCTOR_DB_PATH)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		c.serveCmd(),
		c.registerCmd(),
		c.startCmd(),
		c.statusCmd(),
		c.eventsCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.environ)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
	return nil
}

// withApp builds the construction graph, runs fn and tears the graph down.
func (c *cli) withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := buildApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the system task coordinator and the decide sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(a *app) error {
				c.logger.Info("conductor serving",
					slog.String("db_path", c.cfg.DBPath),
					slog.String("queue_backend", c.cfg.QueueBackend),
					slog.String("limiter_backend", c.cfg.LimiterBackend),
				)
				return a.serve(ctx)
			})
		},
	}
}

func (c *cli) registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register task or workflow definitions from JSON files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "tasks FILE",
			Short: "Register task definitions (a JSON object or array)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var defs []*schema.TaskDef
				if err := readJSONList(args[0], &defs); err != nil {
					return err
				}
				return c.withApp(cmd.Context(), func(a *app) error {
					for _, def := range defs {
						if err := a.executor.RegisterTaskDef(cmd.Context(), def); err != nil {
							return fmt.Errorf("register task definition %q: %w", def.Name, err)
						}
						fmt.Fprintf(cmd.OutOrStdout(), "registered task definition %s\n", def.Name)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "workflow FILE",
			Short: "Register workflow definitions (a JSON object or array)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var defs []*schema.WorkflowDef
				if err := readJSONList(args[0], &defs); err != nil {
					return err
				}
				return c.withApp(cmd.Context(), func(a *app) error {
					for _, def := range defs {
						if err := a.executor.RegisterWorkflowDef(cmd.Context(), def); err != nil {
							return fmt.Errorf("register workflow definition %q: %w", def.Name, err)
						}
						fmt.Fprintf(cmd.OutOrStdout(), "registered workflow definition %s v%d\n", def.Name, def.Version)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) startCmd() *cobra.Command {
	var (
		defVersion    int
		input         string
		correlationID string
		priority      int
	)
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Start a workflow instance and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &schema.StartWorkflowRequest{
				Name:          args[0],
				Version:       defVersion,
				CorrelationID: correlationID,
				Priority:      priority,
			}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &req.Input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				id, err := a.executor.StartWorkflow(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&defVersion, "version", 0, "definition version (0 selects the latest)")
	cmd.Flags().StringVar(&input, "input", "", "workflow input as a JSON object")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority, 0-99")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var withTasks bool
	cmd := &cobra.Command{
		Use:   "status WORKFLOW_ID",
		Short: "Print a workflow instance as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				wf, err := a.executor.GetWorkflow(cmd.Context(), args[0], withTasks)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), wf)
			})
		},
	}
	cmd.Flags().BoolVar(&withTasks, "tasks", false, "include the task list")
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events WORKFLOW_ID",
		Short: "Print the execution event log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				evs, err := a.executor.GetEvents(cmd.Context(), args[0], since)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), evs)
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}

// readJSONList decodes path into out, accepting a single object or an array.
func readJSONList[T any](path string, out *[]T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	*out = append(*out, one)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
