package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/glimte/txflow"
	"github.com/glimte/txflow/health"
	"github.com/glimte/txflow/internal/config"
	"github.com/glimte/txflow/internal/logging"
	"github.com/glimte/txflow/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type globalFlags struct {
	configFile string
	envFile    string
}

func (g *globalFlags) load() (*config.Config, error) {
	options := []config.Option{config.WithEnvFile(g.envFile)}
	if g.configFile != "" {
		options = append(options, config.WithConfigFile(g.configFile))
	}
	return config.Load(options...)
}

// pipeline loads the configuration and builds a pipeline logging to stderr
func (g *globalFlags) pipeline(ctx context.Context, stderr io.Writer) (*txflow.Pipeline, *config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	p, err := txflow.New(ctx, cfg, txflow.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "txflow",
		Short: "Asynchronous transaction processing pipeline",
		Long: `txflow accepts transactions over HTTP, publishes them to RabbitMQ and settles
them in an idempotent, retry-bounded consumer.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to a .env file; ignored when missing")

	rootCmd.AddCommand(
		newServeCmd(&flags),
		newPublishCmd(&flags),
		newTopologyCmd(&flags),
		newDLQCmd(&flags),
		newHealthCmd(&flags),
	)
	return rootCmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consumer and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, cfg, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Start(ctx); err != nil {
				return err
			}

			serveErr := p.HTTPServer().ListenAndServe(ctx, cfg.HTTP.Addr, shutdownTimeout)
			stop()
			p.Wait()
			if serveErr != nil {
				return fmt.Errorf("http server: %w", serveErr)
			}
			slog.Info("shut down cleanly")
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for in-flight HTTP requests on shutdown")
	return cmd
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "publish <transaction-id>",
		Short: "Publish transaction.created for one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Connect(ctx); err != nil {
				return err
			}
			if err := p.Republish(ctx, args[0], correlationID); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published transaction.created for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id; generated when empty")
	return cmd
}

func newTopologyCmd(flags *globalFlags) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the exchanges, queues and bindings",
		Long:  "Declare the transaction topology on the broker and exit. With --print the topology is written as YAML without connecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				topology := rabbitmq.TransactionTopology(rabbitmq.TopologyConfig{RetryTTL: cfg.RabbitMQ.RetryTTL()})
				return printTopology(cmd.OutOrStdout(), topology)
			}

			ctx := cmd.Context()
			p, _, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Connect(ctx); err != nil {
				return err
			}
			t := p.Topology()
			fmt.Fprintf(cmd.OutOrStdout(), "Declared %d exchanges, %d queues and %d bindings\n",
				len(t.Exchanges), len(t.Queues), len(t.Bindings))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&printOnly, "print", "p", false, "Print the topology as YAML instead of declaring it")
	return cmd
}

func newDLQCmd(flags *globalFlags) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter queue",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the message and consumer counts of the dead letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Connect(ctx); err != nil {
				return err
			}
			stats, err := p.DeadLetters().Inspect(ctx)
			if err != nil {
				return fmt.Errorf("failed to inspect dead letter queue: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %-10s %-10s\n", "Queue", "Messages", "Consumers")
			fmt.Fprintln(out, strings.Repeat("-", 62))
			fmt.Fprintf(out, "%-40s %-10d %-10d\n", stats.Queue, stats.Messages, stats.Consumers)
			return nil
		},
	}

	var limit int
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish dead-lettered messages as first attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Connect(ctx); err != nil {
				return err
			}
			result, err := p.DeadLetters().Replay(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to replay dead letter queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d messages, skipped %d\n", result.Replayed, result.Skipped)
			return nil
		},
	}
	replayCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of messages to replay (0 replays all)")

	dlqCmd.AddCommand(inspectCmd, replayCmd)
	return dlqCmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and run the health checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			p, _, err := flags.pipeline(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Connect(ctx); err != nil {
				return err
			}
			overall := p.Health().Check(ctx)
			printHealth(cmd.OutOrStdout(), overall)
			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", overall.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}

func printTopology(w io.Writer, topology rabbitmq.Topology) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(topology); err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}
	return enc.Close()
}

func printHealth(w io.Writer, overall health.OverallHealth) {
	fmt.Fprintf(w, "System Health: %s\n", overall.Status)
	fmt.Fprintf(w, "%-40s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := overall.Checks[name]
		fmt.Fprintf(w, "%-40s %-10s %s\n", name, check.Status, check.Message)
	}
}
