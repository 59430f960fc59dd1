// Package cmd implements the hoomictl commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.pilab.hu/hoomi"
	"go.pilab.hu/hoomi/authflow"
	"go.pilab.hu/hoomi/config"
	"go.pilab.hu/hoomi/log"
	"go.pilab.hu/hoomi/tracing"
)

const appName = "hoomictl"

var (
	cfgFile string

	appLogger   log.Logger
	appConfig   *config.Config
	hoomiClient *hoomi.Client
	registry    *prometheus.Registry
	tracer      *sdktrace.TracerProvider
	auditFile   *os.File
)

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "hoomictl logs in with Hoomi and works with the user's app data",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		appConfig = cfg
		appLogger = log.NewZerologWriter(os.Stderr, log.ParseLevel(cfg.LogLevel), cfg.LogPretty)

		if cfg.TracingEnabled {
			tracer, err = tracing.InitTracerProvider(appName, os.Stderr)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
		}

		opts := []hoomi.Option{
			hoomi.WithLogger(appLogger),
			hoomi.WithLaunchers(
				authflow.NativeApp(cfg.NativeBaseURL),
				authflow.SystemBrowser(cfg.DialogBaseURL),
				&authflow.PrintLauncher{Base: cfg.DialogBaseURL, W: os.Stderr},
			),
		}
		if cfg.AuditLog != "" {
			auditFile, err = os.OpenFile(cfg.AuditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			opts = append(opts, hoomi.WithAuditWriter(auditFile))
		}
		if cfg.MetricsEnabled {
			registry = prometheus.NewRegistry()
			opts = append(opts, hoomi.WithRegisterer(registry))
		}

		hoomiClient, err = hoomi.New(cmd.Context(), cfg, opts...)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return shutdown(cmd.Context())
	},
}

func shutdown(ctx context.Context) error {
	if tracer != nil {
		if err := tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			appLogger.Warn(ctx, "tracer shutdown failed", log.Fields{"error": err.Error()})
		}
		tracer = nil
	}
	var err error
	if hoomiClient != nil {
		err = hoomiClient.Close()
		hoomiClient = nil
	}
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
	return err
}

// Execute runs the root command.
func Execute() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = shutdown(ctx)
		if appLogger != nil {
			appLogger.Error(ctx, "command failed", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hoomi/config.yaml)")
}
