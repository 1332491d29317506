package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pbk-go/internal/app"
	"pbk-go/internal/config"
	"pbk-go/internal/pbk"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// withApp reads the config, creates a PBKApp for operation and runs fn with it.
// The operation is logged as failed when fn returns an error.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app.PBKApp) error) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.NewPBKApp(ctx, cfg, operation)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	err = fn(ctx, a)
	a.Fail(err)
	return err
}

// readPassphrase prompts on the terminal without echo, or reads one line
// when stdin is not a terminal.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

func printState(state *pbk.FolderBackupState) {
	fmt.Println(state.Status)
	for _, e := range state.Errors {
		fmt.Printf("  %-26s %s\n", e.Type, e.Message)
	}
}

func parseNetwork(s string) pbk.NetworkType {
	return pbk.NetworkType(strings.ToUpper(s))
}

var rootCmd = &cobra.Command{
	Use:          "pbk",
	Short:        "Encrypted photo backup",
	SilenceUsage: true,
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
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			userID = os.Getenv("USER")
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// Every installation gets its own client UID so its drafts can be told apart.
		clientUID := uuid.New().String()
		cfg := config.NewConfig(userID, clientUID, defaults.BaseDir)
		cfg.LogDir = defaults.LogDir

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("User ID:    %s\n", userID)
		fmt.Printf("Client UID: %s\n", clientUID)
		fmt.Printf("Base Dir:   %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("User ID:     %s\n", cfg.UserID)
		fmt.Printf("Client UID:  %s\n", cfg.ClientUID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s\n", cfg.Database.Type)
		fmt.Printf("Drive:       %s\n", cfg.Drive.Type)
		fmt.Printf("Destination: %s/%s\n", cfg.Backup.ShareID, cfg.Backup.ParentID)
		fmt.Printf("Roots:       %s\n", strings.Join(cfg.Media.Roots, ", "))
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the backup state database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "InitKeys", func(ctx context.Context, a *app.PBKApp) error {
			if a.IsKeyConfigured() {
				return fmt.Errorf("encryption keys already exist")
			}
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			if err := a.InitKeys(pass); err != nil {
				return err
			}
			fmt.Println("Encryption keys created.")
			return nil
		})
	},
}

// buckets command
var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List media directories under the library roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Buckets", func(ctx context.Context, a *app.PBKApp) error {
			buckets, err := a.Buckets(ctx)
			if err != nil {
				return err
			}
			if len(buckets) == 0 {
				fmt.Println("No media found.")
				return nil
			}
			for _, b := range buckets {
				fmt.Printf("%10d  %5d images  %5d videos  %s\n", b.BucketID, b.ImageCount, b.VideoCount, b.BucketName)
			}
			return nil
		})
	},
}

// folder command
var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage backed-up media directories",
}

var folderAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Back up a media directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "AddFolder", func(ctx context.Context, a *app.PBKApp) error {
			id, err := a.AddFolder(ctx, args[0])
			if err != nil {
				return fmt.Errorf("adding folder: %w", err)
			}
			fmt.Printf("Backing up %s (bucket %d)\n", args[0], id)
			return nil
		})
	},
}

var folderRemoveCmd = &cobra.Command{
	Use:   "remove PATH",
	Short: "Stop backing up a media directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RemoveFolder", func(ctx context.Context, a *app.PBKApp) error {
			if err := a.RemoveFolder(ctx, args[0]); err != nil {
				return fmt.Errorf("removing folder: %w", err)
			}
			fmt.Printf("Stopped backing up %s\n", args[0])
			return nil
		})
	},
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backed-up buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ListFolders", func(ctx context.Context, a *app.PBKApp) error {
			folders, err := a.Folders(ctx)
			if err != nil {
				return err
			}
			if len(folders) == 0 {
				fmt.Println("No folders configured.")
				return nil
			}
			for _, f := range folders {
				synced := "never"
				if f.SyncTime != nil {
					synced = f.SyncTime.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%10d  last complete: %s\n", f.BucketID, synced)
			}
			return nil
		})
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Scan for new media and classify it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SyncFolder", func(ctx context.Context, a *app.PBKApp) error {
			n, err := a.Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Printf("Discovered %d new file(s)\n", n)
			return nil
		})
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload files ready for backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		network, _ := cmd.Flags().GetString("network")
		return withApp(cmd, "Upload", func(ctx context.Context, a *app.PBKApp) error {
			summary, err := a.Upload(ctx, parseNetwork(network))
			if errors.Is(err, app.ErrNetworkUnavailable) {
				return fmt.Errorf("upload skipped: %w", err)
			}
			fmt.Printf("Uploaded %d file(s), %d failed\n", summary.Completed, summary.Failed)
			if summary.Requeued > 0 {
				fmt.Printf("%d file(s) share a name with an uploaded file and were reclassified\n", summary.Requeued)
			}
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			return nil
		})
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View backup status",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		return withApp(cmd, "Status", func(ctx context.Context, a *app.PBKApp) error {
			if watch {
				statuses, err := a.WatchStatus(ctx)
				if err != nil {
					return err
				}
				for state := range statuses {
					printState(state)
				}
				return nil
			}

			state, err := a.Status(ctx)
			if err != nil {
				return err
			}
			printState(state)
			return nil
		})
	},
}

// retry command
var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RetryAll", func(ctx context.Context, a *app.PBKApp) error {
			n, err := a.Retry(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d file(s)\n", n)
			return nil
		})
	},
}

// reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset attempt counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		return withApp(cmd, "Reset", func(ctx context.Context, a *app.PBKApp) error {
			if err := a.Reset(ctx, full); err != nil {
				return err
			}
			if full {
				fmt.Println("All files will be rescanned and reclassified on the next sync.")
			} else {
				fmt.Println("Attempt counters reset.")
			}
			return nil
		})
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue uploads interrupted by a previous run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "RecoverInterrupted", func(ctx context.Context, a *app.PBKApp) error {
			n, err := a.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d file(s)\n", n)
			return nil
		})
	},
}

// network command
var networkCmd = &cobra.Command{
	Use:   "network TYPE",
	Short: "Set the connectivity uploads require (unmetered or connected)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SetNetworkType", func(ctx context.Context, a *app.PBKApp) error {
			return a.SetNetwork(ctx, parseNetwork(args[0]))
		})
	},
}

// errors command
var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Manage recorded backup errors",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ListErrors", func(ctx context.Context, a *app.PBKApp) error {
			errs, err := a.Errors(ctx)
			if err != nil {
				return err
			}
			if len(errs) == 0 {
				fmt.Println("No errors.")
				return nil
			}
			for _, e := range errs {
				retry := ""
				if e.Retryable {
					retry = "  [retryable]"
				}
				fmt.Printf("%-26s %s%s\n", e.Type, e.Message, retry)
			}
			return nil
		})
	},
}

var errorsClearCmd = &cobra.Command{
	Use:   "clear [TYPE]",
	Short: "Clear recorded errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeName := ""
		if len(args) > 0 {
			typeName = strings.ToUpper(args[0])
		}
		return withApp(cmd, "ClearErrors", func(ctx context.Context, a *app.PBKApp) error {
			return a.ClearErrors(ctx, typeName)
		})
	},
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decrypt uploaded revisions and check their content hashes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Verify", func(ctx context.Context, a *app.PBKApp) error {
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			result, err := a.Verify(ctx, pass)
			if err != nil {
				return err
			}
			fmt.Printf("Verified %d file(s)\n", result.Verified)
			if len(result.Mismatched) > 0 {
				return fmt.Errorf("%d revision(s) do not match their content hash: %s",
					len(result.Mismatched), strings.Join(result.Mismatched, ", "))
			}
			return nil
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("user", "", "User ID owning the backup (default $USER)")

	dbCmd.AddCommand(dbMigrateCmd)
	keysCmd.AddCommand(keysInitCmd)

	// folder subcommands
	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderRemoveCmd)
	folderCmd.AddCommand(folderListCmd)

	errorsCmd.AddCommand(errorsListCmd)
	errorsCmd.AddCommand(errorsClearCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(bucketsCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringP("network", "n", "unmetered", "Current connectivity: unmetered, connected or none")
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("watch", "w", false, "Stream status changes until interrupted")
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("full", false, "Also reclassify every file on the next sync")
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(verifyCmd)
}
