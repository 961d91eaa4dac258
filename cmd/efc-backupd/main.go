package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/efc-ti/efc-backup/pkg/catalog"
	"github.com/efc-ti/efc-backup/pkg/config"
	"github.com/efc-ti/efc-backup/pkg/log"
	"github.com/efc-ti/efc-backup/pkg/metrics"
	"github.com/efc-ti/efc-backup/pkg/notify"
	"github.com/efc-ti/efc-backup/pkg/retention"
	"github.com/efc-ti/efc-backup/pkg/runner"
	"github.com/efc-ti/efc-backup/pkg/scheduler"
	"github.com/efc-ti/efc-backup/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "efc-backupd",
	Short: "Centralized SSH backup orchestrator for Windows and Linux fleets",
	Long: `efc-backupd pulls backups from enrolled Windows and Linux hosts over
SSH on cron-driven schedules, lands the artifacts under a local archive
root, and keeps a catalog of every run. No agent is installed on the
clients; the server drives rsync, robocopy, VSS and registry exports
remotely and downloads the results over SFTP.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"efc-backupd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(sweepCmd)

	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupStatsCmd)
	backupRunCmd.Flags().StringSlice("client", nil, "clients to back up (default: all active)")
	backupRunCmd.Flags().String("type", "full", "backup type: full or incremental")
	backupListCmd.Flags().String("client", "", "filter by client name")
	backupListCmd.Flags().Int("limit", 20, "maximum rows to print")

	clientCmd.AddCommand(clientAddCmd)
	clientCmd.AddCommand(clientListCmd)
	clientCmd.AddCommand(clientRemoveCmd)
	clientAddCmd.Flags().String("host", "", "SSH host or address")
	clientAddCmd.Flags().Int("port", 22, "SSH port")
	clientAddCmd.Flags().String("user", "", "SSH username")
	clientAddCmd.Flags().String("password", "", "SSH password (or set EFC_CLIENT_PASSWORD)")
	clientAddCmd.Flags().String("os", "linux", "client OS: linux or windows")
	clientAddCmd.Flags().StringSlice("folders", nil, "folders to back up (default: OS defaults)")
	_ = clientAddCmd.MarkFlagRequired("host")
	_ = clientAddCmd.MarkFlagRequired("user")

	scheduleCmd.AddCommand(scheduleListCmd)
}

// setup builds the shared composition root for every subcommand.
func setup() (*config.Config, catalog.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	store, err := catalog.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the backup daemon",
	Long: `Run the daemon: start the cron scheduler with the built-in daily,
weekly and monthly schedules plus any custom ones, expose metrics when
configured, and keep running until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		registry := runner.NewRegistry()
		defer registry.Close()

		run := runner.New(store, registry, cfg)
		sweeper := retention.New(store, cfg.BackupPath, cfg.RetentionDays)
		sched := scheduler.New(store, run, cfg, notify.NewLogNotifier(), sweeper)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		var metricsSrv *http.Server
		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener started")
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Logger.Error().Err(err).Msg("metrics listener failed")
				}
			}()
		}

		log.Logger.Info().
			Str("version", Version).
			Str("backup_path", cfg.BackupPath).
			Str("data_dir", cfg.DataDir).
			Msg("efc-backupd started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")

		cancel()
		sched.Stop(30 * time.Second)
		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run and inspect backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a one-shot backup batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		clients, _ := cmd.Flags().GetStringSlice("client")
		kindStr, _ := cmd.Flags().GetString("type")

		kind := types.BackupKind(kindStr)
		switch kind {
		case types.BackupFull, types.BackupIncremental, types.BackupDifferential:
		default:
			return fmt.Errorf("invalid backup type %q", kindStr)
		}

		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		registry := runner.NewRegistry()
		defer registry.Close()

		run := runner.New(store, registry, cfg)
		sched := scheduler.New(store, run, cfg, notify.NewLogNotifier(), nil)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		result, err := sched.StartManualBackup(ctx, clients, kind)
		if err != nil {
			return err
		}

		fmt.Printf("Backup run finished: %d total, %d succeeded, %d failed\n",
			result.Total, result.Succeeded, result.Failed)
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d backups failed", result.Failed, result.Total)
		}
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog rows, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := cmd.Flags().GetString("client")
		limit, _ := cmd.Flags().GetInt("limit")

		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListBackups(catalog.BackupFilter{Client: client, Limit: limit})
		if err != nil {
			return err
		}

		fmt.Printf("%-36s  %-16s  %-12s  %-10s  %10s  %s\n",
			"ID", "CLIENT", "KIND", "STATUS", "SIZE(MB)", "STARTED")
		for _, r := range records {
			fmt.Printf("%-36s  %-16s  %-12s  %-10s  %10.1f  %s\n",
				r.ID, r.ClientName, r.Kind, r.Status, r.SizeMB,
				r.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var backupStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate backup statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.BackupStats()
		if err != nil {
			return err
		}

		fmt.Printf("Total backups:   %d\n", stats.Total)
		fmt.Printf("Last 24 hours:   %d\n", stats.Last24h)
		fmt.Printf("Total size (MB): %.1f\n", stats.TotalSizeMB)
		for status, n := range stats.ByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
		return nil
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage enrolled clients",
}

var clientAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Enroll a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		osKind, _ := cmd.Flags().GetString("os")
		folders, _ := cmd.Flags().GetStringSlice("folders")

		if password == "" {
			password = os.Getenv("EFC_CLIENT_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("no password given: use --password or EFC_CLIENT_PASSWORD")
		}
		if osKind != string(types.OSLinux) && osKind != string(types.OSWindows) {
			return fmt.Errorf("invalid os %q, want linux or windows", osKind)
		}

		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		client := &types.Client{
			Name:     args[0],
			Host:     host,
			Port:     port,
			Username: user,
			Secret:   password,
			OS:       types.OSKind(osKind),
			Folders:  types.EncodeFolders(folders),
			Active:   true,
		}
		if err := store.UpsertClient(client); err != nil {
			return err
		}
		fmt.Printf("Client %s enrolled\n", client.Name)
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		clients, err := store.ListClients()
		if err != nil {
			return err
		}
		// Secrets never leave the store on this path.
		out := make([]types.Client, 0, len(clients))
		for _, c := range clients {
			out = append(out, c.Redacted())
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var clientRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Deactivate a client (soft delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteClient(args[0]); err != nil {
			return err
		}
		fmt.Printf("Client %s removed\n", args[0])
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect backup schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List custom schedules stored in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		schedules, err := store.ListActiveSchedules()
		if err != nil {
			return err
		}
		fmt.Printf("%-24s  %-16s  %-12s  %8s\n", "NAME", "CRON", "KIND", "RUNS")
		for _, s := range schedules {
			fmt.Printf("%-24s  %-16s  %-12s  %8d\n", s.Name, s.CronExpr, s.Kind, s.RunCount)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a retention sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		sweeper := retention.New(store, cfg.BackupPath, cfg.RetentionDays)
		report, err := sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Sweep finished: %d archives deleted, %d orphans reaped, %d bytes freed\n",
			report.ArchivesDeleted, report.OrphansDeleted, report.BytesFreed)
		return nil
	},
}
