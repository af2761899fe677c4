package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/graphwatch/graphwatch/pkg/config"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/runtime"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/spf13/cobra"
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
	Use:   "graphwatch",
	Short: "Graphwatch - selective social-graph indexer",
	Long: `Graphwatch mirrors the messages of a tracked set of users - and the
messages about them - from upstream hubs into a relational store. It runs a
backfill pipeline for newly-added targets, tails the hub event stream in
realtime, and grows the tracked set as root targets follow new users.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Graphwatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(profilesCmd)

	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetRemoveCmd)
	targetCmd.AddCommand(targetListCmd)
	targetAddCmd.Flags().Bool("root", false, "Add as a root target (its follow graph seeds further targets)")

	clientCmd.AddCommand(clientAddCmd)
	clientCmd.AddCommand(clientRemoveCmd)
	clientCmd.AddCommand(clientListCmd)

	profilesCmd.AddCommand(profilesRefreshCmd)
}

// loadConfig reads config and initializes logging; fatal on invalid config
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.Log.JSON = true
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

// buildRuntime constructs the runtime for one-shot admin commands
func buildRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return runtime.New(cmd.Context(), cfg)
}

func parseFid(arg string) (uint64, error) {
	fid, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || fid == 0 {
		return 0, fmt.Errorf("invalid FID %q", arg)
	}
	return fid, nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the indexer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rt, err := runtime.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if err := rt.Start(cmd.Context()); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Signal received")

		return rt.Shutdown()
	},
}

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage indexed targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add <fid>",
	Short: "Add a target and schedule its backfill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fid, err := parseFid(args[0])
		if err != nil {
			return err
		}
		isRoot, _ := cmd.Flags().GetBool("root")

		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		if err := rt.AddTarget(cmd.Context(), fid, isRoot); err != nil {
			return err
		}
		fmt.Printf("Target %d added (root: %v), backfill scheduled\n", fid, isRoot)
		return nil
	},
}

var targetRemoveCmd = &cobra.Command{
	Use:   "remove <fid>",
	Short: "Remove a target (indexed rows are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fid, err := parseFid(args[0])
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		if err := rt.RemoveTarget(cmd.Context(), fid); err != nil {
			return err
		}
		fmt.Printf("Target %d removed\n", fid)
		return nil
	},
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		targets, err := rt.Store.ListTargets(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %-6s %-25s %s\n", "FID", "ROOT", "ADDED", "SYNCED")
		for _, t := range targets {
			synced := "-"
			if t.LastSyncedAt != nil {
				synced = t.LastSyncedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-12d %-6v %-25s %s\n", t.Fid, t.IsRoot, t.AddedAt.Format("2006-01-02 15:04:05"), synced)
		}
		return nil
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage client FIDs watched for signer discovery",
}

var clientAddCmd = &cobra.Command{
	Use:   "add <fid>",
	Short: "Add a client FID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fid, err := parseFid(args[0])
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		if err := rt.AddTargetClient(cmd.Context(), fid); err != nil {
			return err
		}
		fmt.Printf("Client %d added\n", fid)
		return nil
	},
}

var clientRemoveCmd = &cobra.Command{
	Use:   "remove <fid>",
	Short: "Remove a client FID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fid, err := parseFid(args[0])
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		if err := rt.RemoveTargetClient(cmd.Context(), fid); err != nil {
			return err
		}
		fmt.Printf("Client %d removed\n", fid)
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client FIDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		clients, err := rt.Store.ListTargetClients(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %s\n", "FID", "ADDED")
		for _, c := range clients {
			fmt.Printf("%-12d %s\n", c.Fid, c.AddedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		stats, err := rt.QueueStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%-15s %-8s %-8s %-10s %-8s %-8s %s\n",
			"QUEUE", "WAITING", "ACTIVE", "COMPLETED", "FAILED", "DELAYED", "PAUSED")
		for name, s := range stats {
			fmt.Printf("%-15s %-8d %-8d %-10d %-8d %-8d %v\n",
				name, s.Waiting, s.Active, s.Completed, s.Failed, s.Delayed, s.Paused)
		}

		state, err := rt.Store.GetSyncState(cmd.Context(), storage.SyncStateRealtime)
		if err == nil && state.LastEventID != nil {
			fmt.Printf("\nRealtime cursor: %d", *state.LastEventID)
			if state.LastSyncedAt != nil {
				fmt.Printf(" (as of %s)", state.LastSyncedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
		}
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage the materialized profile view",
}

var profilesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the materialized profile view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rt, err := runtime.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Shutdown() //nolint:errcheck

		if err := rt.Store.RefreshProfiles(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Profiles view refreshed")
		return nil
	},
}
