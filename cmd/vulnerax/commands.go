package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/aleister1102/vulnerax/internal/agent"
	"github.com/aleister1102/vulnerax/internal/aggregator"
	"github.com/aleister1102/vulnerax/internal/api"
	"github.com/aleister1102/vulnerax/internal/common"
	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/dispatcher"
	"github.com/aleister1102/vulnerax/internal/logger"
	"github.com/aleister1102/vulnerax/internal/metrics"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/aleister1102/vulnerax/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// drainTimeout bounds how long serve waits for in-flight scans after shutdown.
const drainTimeout = 30 * time.Second

type rootFlags struct {
	ConfigPath string
}

// app holds what every subcommand needs once the configuration is loaded.
type app struct {
	cfg    *config.GlobalConfig
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	var (
		f rootFlags
		a app
	)

	root := &cobra.Command{
		Use:           "vulnerax",
		Short:         "Dispatch website security scans to an analysis agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobalConfig(f.ConfigPath, zerolog.Nop())
			if err != nil {
				return fmt.Errorf("could not load config %q: %w", f.ConfigPath, err)
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return err
			}
			log, err := logger.New(cfg.LogConfig)
			if err != nil {
				return fmt.Errorf("could not initialize logger: %w", err)
			}
			a.cfg = cfg
			a.logger = log
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&f.ConfigPath, "config", "c", "", "Path to the YAML/JSON configuration file. If not set, searches default locations.")

	root.AddCommand(
		serveCommand(&a),
		scanCommand(&a),
		rollupCommand(&a),
		archiveCommand(&a),
	)
	return root
}

func serveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scan dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) (err error) {
	stores, err := datastore.Open(a.cfg.StorageConfig, a.logger)
	if err != nil {
		return fmt.Errorf("could not open storage: %w", err)
	}

	var errs common.ErrorCollector
	defer func() {
		errs.Add(err)
		errs.AddWithContext(stores.Close(), "close storage")
		err = errs.Error()
	}()

	for _, uid := range a.cfg.AuthConfig.SeedProfiles {
		if _, err := stores.Profiles.CreateProfile(ctx, models.Profile{UID: uid}); err != nil {
			return common.WrapErrorf(err, "could not seed profile %q", uid)
		}
	}

	client, err := agent.NewClient(a.cfg.AgentConfig, a.logger)
	if err != nil {
		return fmt.Errorf("could not create agent client: %w", err)
	}

	var m *metrics.Metrics
	if a.cfg.MetricsConfig.Enabled {
		if m, err = metrics.New(); err != nil {
			return fmt.Errorf("could not register metrics: %w", err)
		}
	}

	d, err := dispatcher.NewBuilder(a.logger).
		WithStore(stores.Scans).
		WithAgent(client).
		WithTimeout(a.cfg.AgentConfig.Timeout()).
		WithDispatchConfig(a.cfg.DispatchConfig).
		WithMetrics(m).
		Build()
	if err != nil {
		return fmt.Errorf("could not create dispatcher: %w", err)
	}

	server, err := api.NewServer(a.cfg, api.Dependencies{
		Dispatcher: d,
		Store:      stores.Scans,
		Profiles:   stores.Profiles,
		Proxy:      client,
		Guard:      session.NewGuard(stores.Profiles, a.logger),
		Resolver:   session.NewStaticTokenResolver(a.cfg.AuthConfig.Tokens),
		Metrics:    m,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("could not create API server: %w", err)
	}

	a.logger.Info().
		Str("agent", client.Endpoint()).
		Str("storage", a.cfg.StorageConfig.Driver).
		Msg("VulneraX starting")

	errs.AddWithContext(server.Run(ctx), "http server")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if waitErr := d.Wait(drainCtx); waitErr != nil {
		a.logger.Warn().Err(waitErr).Msg("In-flight scans did not finish before exit")
		errs.AddWithContext(waitErr, "drain in-flight scans")
	}

	a.logger.Info().Msg("VulneraX stopped")
	return nil
}

func scanCommand(a *app) *cobra.Command {
	var server, token string

	cmd := &cobra.Command{
		Use:   "scan <url>",
		Short: "Submit a URL to a running server's agent proxy and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = "http://" + a.cfg.ServerConfig.ListenAddr
			}
			client, err := api.NewScanClient(server, token, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.Submit(cmd.Context(), args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Base URL of the VulneraX API (defaults to the configured listen address)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("VULNERAX_TOKEN"), "Bearer token for the API")
	return cmd
}

func rollupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollup",
		Short: "Print per-account findings rollups from storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := datastore.Open(a.cfg.StorageConfig, a.logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			scans, err := stores.Scans.List(cmd.Context())
			if err != nil {
				return err
			}

			rollups := aggregator.AggregateByAccount(scans)
			accounts := make([]string, 0, len(rollups))
			for account := range rollups {
				accounts = append(accounts, account)
			}
			sort.Strings(accounts)

			out := make([]accountRollup, 0, len(accounts))
			for _, account := range accounts {
				out = append(out, accountRollup{AccountID: account, Rollup: rollups[account]})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

type accountRollup struct {
	AccountID string               `json:"accountId"`
	Rollup    models.AccountRollup `json:"rollup"`
}

func archiveCommand(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export every stored scan to a Parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage := a.cfg.StorageConfig
			if dir != "" {
				storage.ArchiveDir = dir
			}

			stores, err := datastore.Open(storage, a.logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			scans, err := stores.Scans.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(scans) == 0 {
				return errors.New("no scans to archive")
			}

			archiver, err := datastore.NewParquetArchiverBuilder(a.logger).
				WithStorageConfig(&storage).
				Build()
			if err != nil {
				return err
			}

			result, err := archiver.Archive(cmd.Context(), scans)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d scans to %s (%d bytes)\n", result.RecordsWritten, result.FilePath, result.FileSize)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Archive directory (overrides storage_config.archive_dir)")
	return cmd
}
