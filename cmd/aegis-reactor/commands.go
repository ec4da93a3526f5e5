package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghalamif/aegisreactor/internal/app/capacity"
	"github.com/ghalamif/aegisreactor/pkg/aegisreactor"
)

type rootOptions struct {
	format string // "text" | "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "aegis-reactor",
		Short: "Readiness-driven event reactor with admission control and exactly-once effects",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newPlanCommand(opts))
	return cmd
}

func newRunCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the reactor with the sources declared in the config",
		Long: `Start the reactor. Every admitted event is written to the structured log
once; the ledger keeps redelivered events from being logged twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flow, err := aegisreactor.Conf(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := aegisreactor.NewLogger(flow.Config().Log)
			flow.Options(aegisreactor.WithLogger(logger))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return flow.Run(ctx, aegisreactor.StreamOutHandler(logHandler(logger)))
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "./data/config.yaml", "path to reactor configuration file")
	return cmd
}

func logHandler(logger *slog.Logger) aegisreactor.Handler {
	return aegisreactor.HandlerFunc(func(_ context.Context, ev aegisreactor.Event) error {
		logger.Info("event",
			"source", ev.SourceID,
			"id", ev.ID,
			"received_at", ev.ReceivedAt,
			"payload", string(ev.Payload))
		return nil
	})
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting the reactor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := aegisreactor.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			var warning string
			if cfg.Admission.Capacity > 0 {
				if err := capacity.CheckAdmission(cfg.Admission.RefillRate, cfg.Policy.Workers, cfg.Policy.ServiceRate); err != nil {
					warning = err.Error()
				}
			}
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, map[string]any{
					"config":  cfgPath,
					"valid":   true,
					"sources": len(cfg.Sources),
					"warning": warning,
				})
			}
			fmt.Fprintf(out, "config %s looks good (%d sources, %d workers, queue %d, overload %s)\n",
				cfgPath, len(cfg.Sources), cfg.Policy.Workers, cfg.Policy.QueueCapacity, cfg.Policy.Overload)
			if warning != "" {
				fmt.Fprintf(out, "warning: %s\n", warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "./data/config.yaml", "path to configuration file to validate")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var (
		url      string
		interval time.Duration
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Poll a running reactor's /stats endpoint and print live numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			client := &http.Client{Timeout: 5 * time.Second}
			if once {
				return printStats(client, url, opts.format, out)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Fprintf(cmd.ErrOrStderr(), "streaming stats from %s (Ctrl+C to stop)\n", url)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printStats(client, url, opts.format, out); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "stats error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:9100/stats", "reactor stats endpoint")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&once, "once", false, "print a single snapshot and exit")
	return cmd
}

func printStats(client *http.Client, url, format string, out io.Writer) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var st aegisreactor.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	if format == "json" {
		return writeJSON(out, st)
	}

	paused := 0
	for _, s := range st.Sources {
		if s.Paused || !s.Healthy {
			paused++
		}
	}
	fmt.Fprintf(out, "[%s] state=%s queue=%d/%d workers=%d processed=%d failed=%d ledger=%d rho=%.2f lambda=%.1f/s paused=%d\n",
		time.Now().Format(time.RFC3339),
		st.State, st.QueueLength, st.QueueCapacity, st.Workers,
		st.Processed, st.Failed, st.LedgerSize,
		st.Capacity.Utilization, st.Capacity.ArrivalRate, paused)
	return nil
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var (
		lambda  float64
		mu      float64
		workers int
		target  float64
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Size the worker pool and admission rate for an expected load",
		Long: `Compute utilization, stability and expected queueing for an arrival rate
and a per-worker service rate. Without --workers the pool is sized so that
utilization stays at or below --target.`,
		Example: "  aegis-reactor plan --arrival-rate 120 --service-rate 40 --target 0.8",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lambda <= 0 || mu <= 0 {
				return fmt.Errorf("--arrival-rate and --service-rate must be > 0")
			}
			p := capacity.NewPlan(lambda, mu, workers, target)
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, p)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "arrival rate\t%.2f/s\n", p.ArrivalRate)
			fmt.Fprintf(tw, "service rate\t%.2f/s per worker\n", p.ServiceRate)
			fmt.Fprintf(tw, "workers\t%d\n", p.Workers)
			fmt.Fprintf(tw, "utilization\t%.3f\n", p.Utilization)
			fmt.Fprintf(tw, "stable\t%t\n", p.Stable)
			if p.Stable {
				fmt.Fprintf(tw, "mean time in system\t%s\n", p.MeanSojourn)
				fmt.Fprintf(tw, "expected in system\t%.2f\n", p.ExpectedN)
			}
			if p.SafeAdmitted > 0 {
				fmt.Fprintf(tw, "admission refill_rate\t%.2f/s\n", p.SafeAdmitted)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&lambda, "arrival-rate", 0, "expected arrival rate (events/s)")
	cmd.Flags().Float64Var(&mu, "service-rate", 0, "per-worker service rate (events/s)")
	cmd.Flags().IntVar(&workers, "workers", 0, "fixed pool size (0 = provision for --target)")
	cmd.Flags().Float64Var(&target, "target", 0.8, "target utilization in (0, 1]")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
