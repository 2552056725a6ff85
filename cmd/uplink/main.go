package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uplink/internal/agent"
	"uplink/internal/app"
	"uplink/internal/config"
	"uplink/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an UplinkApp. The caller must defer
// app.Close(). operation identifies the CLI command being run (e.g. "Scan", "Sync").
func newApp(operation string) (*app.UplinkApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewUplinkApp(cfg, operation, promptPassphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptPassphrase reads the secret store passphrase from the terminal
// without echo.
func promptPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; set UPLINK_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:   "uplink",
	Short: "Background agent syncing local documents to cloud storage",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Generate a new site ID
		siteID := uuid.New().String()

		cfg := config.NewConfig(siteID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Site ID:  %s\n", siteID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("\nEdit the config to set scan roots and the receiver base_url,")
		fmt.Println("then store the API token with: uplink secret set api_token")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Site ID:   %s\n", cfg.SiteID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Receiver:  %s\n", cfg.Cloud.BaseURL)
		fmt.Printf("Roots:     %v\n", cfg.Scan.Roots)
		return nil
	},
}

// secret command
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored credentials",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a credential (value read from stdin prompt)",
	Long: "Store a credential in the encrypted secret store.\n" +
		"Known keys: " + agent.SecretAPIToken + ", " + agent.SecretShareUser + ", " + agent.SecretSharePass,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("SecretSet")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Fprintf(os.Stderr, "Value for %s: ", args[0])
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading value: %w", err)
		}

		if err := a.SetSecret(args[0], string(b)); err != nil {
			return fmt.Errorf("storing secret: %w", err)
		}
		fmt.Printf("Stored %s\n", args[0])
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("SecretDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteSecret(args[0]); err != nil {
			return fmt.Errorf("deleting secret: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the share and update the manifest without uploading",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Scan")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		stats, err := a.Scan(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d files: %d new, %d modified, %d deleted\n",
			stats.Seen, stats.New, stats.Modified, stats.Deleted)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one scan-hash-upload pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		if err := a.Sync(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("Interrupted; progress saved, rerun to resume.")
				return nil
			}
			return err
		}
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run continuously, syncing on the configured interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		if err := a.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("Shutting down; progress saved.")
				return nil
			}
			return err
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-state file counts and failed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status()
		if err != nil {
			return err
		}

		order := []model.SyncStatus{
			model.FileDiscovered, model.FileHashing, model.FileQueued,
			model.FileUploading, model.FileCompleted, model.FileFailed,
			model.FileDeleted,
		}
		for _, st := range order {
			if n := report.Counts[st]; n > 0 {
				fmt.Printf("%-12s %d\n", st, n)
			}
		}

		if len(report.Failed) > 0 {
			fmt.Println("\nFailed files:")
			for _, rec := range report.Failed {
				fmt.Printf("  %s (retries=%d)\n", rec.Path, rec.CorruptionRetries)
			}
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configListCmd)
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd)
	rootCmd.AddCommand(configCmd, secretCmd, scanCmd, syncCmd, runCmd, statusCmd)
}
