// Command vaultsync is the client daemon and CLI for creating, importing,
// and synchronizing encrypted clouds against a relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vaultsync/core"
	"vaultsync/pkg/config"
)

var (
	flagDataDir   string
	flagRelayHTTP string
	flagRelayWS   string

	appConfig *config.Config
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file loaded")
	}

	rootCmd := &cobra.Command{
		Use:               "vaultsync",
		PersistentPreRunE: loadAppConfig,
	}
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "local data directory (empty uses an in-memory store, or config's data_dir.path)")
	rootCmd.PersistentFlags().StringVar(&flagRelayHTTP, "relay-http", "", "relay HTTP base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagRelayWS, "relay-ws", "", "relay WebSocket base URL (overrides config)")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(forkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadAppConfig loads the shared config once per invocation and applies its
// Logging section before any subcommand runs.
func loadAppConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := config.ApplyLogging(cfg); err != nil {
		return err
	}
	appConfig = cfg
	return nil
}

func resolveDataDir() string {
	if flagDataDir != "" {
		return flagDataDir
	}
	return appConfig.DataDir.Path
}

func resolveURLs() (httpURL, wsURL string) {
	httpURL, wsURL = appConfig.Relay.HTTPURL, appConfig.Relay.WSURL
	if flagRelayHTTP != "" {
		httpURL = flagRelayHTTP
	}
	if flagRelayWS != "" {
		wsURL = flagRelayWS
	}
	return httpURL, wsURL
}

func openAppState() (*core.AppState, error) {
	httpURL, wsURL := resolveURLs()
	return core.NewAppState(resolveDataDir(), httpURL, wsURL,
		core.WithTickInterval(time.Duration(appConfig.Sync.TickIntervalMS)*time.Millisecond),
		core.WithFanOut(appConfig.Sync.FanOut),
	)
}

func createCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a fresh cloud and register it locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()
			id, err := app.CreateCloud(name, description)
			if err != nil {
				return err
			}
			fmt.Printf("cloud %s created\n", core.IDHex(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "cloud display name")
	cmd.Flags().StringVar(&description, "description", "", "cloud description")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <secret-hex>",
		Short: "import a cloud from its 64-character hex secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()
			id, err := app.ImportCloud(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("cloud %s imported\n", core.IDHex(id))
			return nil
		},
	}
	return cmd
}

func activateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <cloud-id-hex>",
		Short: "set the active cloud",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.ParseIDHex(args[0])
			if err != nil {
				return err
			}
			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.SetActiveCloud(id)
		},
	}
	return cmd
}

func forkCmd() *cobra.Command {
	var index uint64
	var name string
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "duplicate the active cloud's history up to an index into a new cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()
			id, err := app.DuplicateActiveCloud(index, name)
			if err != nil {
				return err
			}
			fmt.Printf("cloud %s forked\n", core.IDHex(id))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&index, "index", 0, "last transaction index to include")
	cmd.Flags().StringVar(&name, "name", "", "display name for the forked cloud")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "list known clouds and their sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()
			active, hasActive := app.ActiveCloud()
			for _, id := range app.CloudIDs() {
				cloud, _ := app.Cloud(id)
				meta, _ := cloud.Metadata()
				marker := " "
				if hasActive && active.ID() == id {
					marker = "*"
				}
				length, _ := cloud.Journal().JournalTxLen()
				fmt.Printf("%s %s  %-20s  len=%d\n", marker, core.IDHex(id), meta.Name, length)
			}
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the sync daemon, ticking every known cloud against its relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := acquireDaemonLock(resolveDataDir())
			if err != nil {
				return err
			}
			defer lock.release()

			app, err := openAppState()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			go func() {
				for ev := range app.Events() {
					logrus.WithField("cloud", core.IDHex(ev.CloudID)).Info(ev.String())
				}
			}()

			logrus.Info("vaultsync daemon running")
			app.Run(ctx)
			return nil
		},
	}
	return cmd
}
