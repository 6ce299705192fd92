package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/flowstream/internal/app"
	"github.com/ignatij/flowstream/internal/config"
	internal_http "github.com/ignatij/flowstream/internal/http"
	"github.com/ignatij/flowstream/internal/log"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// SetupCLI adds the server and client commands to rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("server", envOr("FLOWSTREAM_SERVER", defaultServer), "URL of the flowstream server")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				fail("load configuration", err)
			}
			log.Configure(cfg.Logger.Level, cfg.Logger.Format)
			if err := serve(cmd.Context(), cfg); err != nil {
				fail("serve", err)
			}
		},
	}
	serveCmd.Flags().String("config", os.Getenv("FLOWSTREAM_CONFIG"), "Path of the YAML configuration file")

	submitCmd := &cobra.Command{
		Use:   "submit [pipeline]",
		Short: "Submit a pipeline run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rawParams, _ := cmd.Flags().GetStringSlice("param")
			params, err := parseParams(rawParams)
			if err != nil {
				fail("parse params", err)
			}
			staged, _ := cmd.Flags().GetBool("staged")
			session, _ := cmd.Flags().GetString("session")
			rec, err := client(cmd).Submit(cmd.Context(), service.SubmitRequest{
				Pipeline: args[0],
				Params:   params,
				Session:  session,
			}, staged)
			if err != nil {
				fail("submit task", err)
			}
			fmt.Fprintf(os.Stdout, "Submitted task %s (%s)\n", rec.TaskID, rec.State)
		},
	}
	submitCmd.Flags().StringSliceP("param", "p", nil, "Pipeline parameter as key=value, repeatable")
	submitCmd.Flags().Bool("staged", false, "Stage the task without running it")
	submitCmd.Flags().String("session", "", "Session the task belongs to")

	launchCmd := &cobra.Command{
		Use:   "launch [task-id]",
		Short: "Run a staged task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rec, err := client(cmd).Launch(cmd.Context(), args[0])
			if err != nil {
				fail("launch task", err)
			}
			fmt.Fprintf(os.Stdout, "Launched task %s (%s)\n", rec.TaskID, rec.State)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rec, err := client(cmd).Get(cmd.Context(), args[0])
			if err != nil {
				fail("get task", err)
			}
			printRecord(rec)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent tasks",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			records, err := client(cmd).List(cmd.Context(), limit)
			if err != nil {
				fail("list tasks", err)
			}
			if len(records) == 0 {
				fmt.Fprintf(os.Stdout, "No tasks found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Tasks:\n")
			for _, rec := range records {
				fmt.Fprintf(os.Stdout, "- ID: %s, Pipeline: %s, State: %s, Created: %s\n",
					rec.TaskID, rec.Pipeline, rec.State, rec.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	listCmd.Flags().Int("limit", 20, "Maximum number of tasks to show")

	deleteCmd := &cobra.Command{
		Use:   "delete [task-id]",
		Short: "Cancel a task and delete its record and logs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := client(cmd).Delete(cmd.Context(), args[0]); err != nil {
				fail("delete task", err)
			}
			fmt.Fprintf(os.Stdout, "Deleted task %s\n", args[0])
		},
	}

	tailCmd := &cobra.Command{
		Use:   "tail [task-id]",
		Short: "Follow the logs of a task until it finishes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			after, _ := cmd.Flags().GetString("after")
			err := client(cmd).Tail(cmd.Context(), args[0], after, func(msg models.LogMessage) error {
				fmt.Fprintf(os.Stdout, "%s [%s] %s\n", msg.Time, msg.MessageID, msg.Message)
				return nil
			})
			if err != nil && cmd.Context().Err() == nil {
				fail("tail task", err)
			}
		},
	}
	tailCmd.Flags().String("after", "", "Resume after this message id")

	pipelinesCmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List the pipelines the server can run",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			pipelines, err := client(cmd).Pipelines(cmd.Context())
			if err != nil {
				fail("list pipelines", err)
			}
			if len(pipelines) == 0 {
				fmt.Fprintf(os.Stdout, "No pipelines registered.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Pipelines:\n")
			for _, p := range pipelines {
				fmt.Fprintf(os.Stdout, "- %s (retries: %d, timeout: %s, retry delay: %s)\n",
					p.Name, p.Retries, p.Timeout, p.RetryDelay)
			}
		},
	}

	rootCmd.AddCommand(serveCmd, submitCmd, launchCmd, statusCmd, listCmd, deleteCmd, tailCmd, pipelinesCmd)
}

// Execute runs rootCmd with a context that is cancelled on SIGINT or SIGTERM.
func Execute(rootCmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.GetLogger().Errorf("Failed to shut down cleanly: %v", err)
		}
	}()
	if err := a.RegisterBuiltins(); err != nil {
		return err
	}
	a.Start()
	log.GetLogger().Infof("Started %d workers with %s store", cfg.Worker.Workers, cfg.Store)
	return internal_http.StartServer(ctx, cfg.HTTP.Port, a.API())
}

func client(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString("server")
	return NewClient(server)
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func printRecord(rec models.TaskStatusRecord) {
	fmt.Fprintf(os.Stdout, "Task:     %s\n", rec.TaskID)
	fmt.Fprintf(os.Stdout, "Pipeline: %s\n", rec.Pipeline)
	fmt.Fprintf(os.Stdout, "State:    %s\n", rec.State)
	fmt.Fprintf(os.Stdout, "Attempts: %d\n", rec.Attempts)
	if rec.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "Started:  %s\n", rec.StartedAt.Format(time.RFC3339))
	}
	if rec.FinishedAt != nil {
		fmt.Fprintf(os.Stdout, "Finished: %s\n", rec.FinishedAt.Format(time.RFC3339))
	}
	if rec.TaskResult != "" {
		fmt.Fprintf(os.Stdout, "Result:   %s\n", rec.TaskResult)
	}
	if rec.TaskException != "" {
		fmt.Fprintf(os.Stdout, "Error:    %s\n", rec.TaskException)
	}
}

func fail(action string, err error) {
	log.GetLogger().Errorf("Failed to %s: %v", action, err)
	fmt.Fprintf(os.Stderr, "Error: failed to %s: %v\n", action, err)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
