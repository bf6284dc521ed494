package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"imapcas/internal/app"
	"imapcas/internal/archive"
	"imapcas/internal/cas"
)

var (
	flagJobs    string
	flagLogfile string
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newApp wires the application layer. The caller must defer a.Close().
func newApp() (*app.App, error) {
	jobsPath := flagJobs
	if jobsPath == "" {
		var err error
		jobsPath, err = app.DefaultJobsPath()
		if err != nil {
			return nil, err
		}
	}
	return app.New(jobsPath, flagLogfile, flagVerbose)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so that a
// long pass or the idle watch loop terminates cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// run executes fn with a wired app and a signal context, logging failures as
// fatal and still running teardown.
func run(fn func(ctx context.Context, a *app.App) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := fn(ctx, a); err != nil {
		a.Logger.Error("fatal", "error", err)
		return err
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "imapcas",
	Short:         "Back up mailboxes into a content-addressed store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var flagListJob string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a mailbox's folders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.App) error {
			job, err := a.Job(flagListJob)
			if err != nil {
				return err
			}
			return a.Runner.FolderList(ctx, job, os.Stdout)
		})
	},
}

var flagBackupJob string

var backupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "Export a mailbox into a content store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.App) error {
			job, err := a.Job(flagBackupJob)
			if err != nil {
				return err
			}
			return a.Runner.Backup(ctx, job, args[0])
		})
	},
}

var flagCopyIdle bool

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy messages between two mailboxes (jobs with role source/destination)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.App) error {
			source, err := a.JobByRole("source")
			if err != nil {
				return err
			}
			dest, err := a.JobByRole("destination")
			if err != nil {
				return err
			}
			return a.Runner.Copy(ctx, source, dest, flagCopyIdle)
		})
	},
}

var flagReindexMailbox string

var reindexCmd = &cobra.Command{
	Use:   "reindex <store>",
	Short: "Rebuild the metadata index from an existing store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.App) error {
			return a.Runner.Reindex(ctx, args[0], flagReindexMailbox)
		})
	},
}

var (
	flagArchiveMove      bool
	flagArchiveLargest   bool
	flagArchiveAddresses bool
	flagArchiveStats     bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive <directory> [<store>]",
	Short: "Import an .eml export tree into a content store",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, a *app.App) error {
			if flagArchiveStats {
				stats, err := archive.Scan(args[0], flagArchiveLargest)
				if err != nil {
					return err
				}
				fmt.Printf("files: %d\nbytes: %d\n", stats.Files, stats.Bytes)
				return nil
			}
			if flagArchiveAddresses {
				addrs, err := archive.Addresses(args[0], flagArchiveLargest)
				if err != nil {
					return err
				}
				for _, addr := range addrs {
					fmt.Println(addr)
				}
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("importing needs a store directory")
			}

			store, err := cas.New(args[1])
			if err != nil {
				return err
			}
			stats, err := archive.ImportToStore(args[0], store, flagArchiveMove, flagArchiveLargest, a.Logger)
			if err != nil {
				return err
			}
			a.Logger.Info("archive import done", "files", stats.Files, "bytes", stats.Bytes)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagJobs, "jobs", "", "job file path (default $IMAPCAS_JOBS or ~/.config/imapcas/jobs.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogfile, "logfile", "", "append logs to this file in addition to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	listCmd.Flags().StringVar(&flagListJob, "job", "", "job name")
	listCmd.MarkFlagRequired("job")

	backupCmd.Flags().StringVar(&flagBackupJob, "job", "", "job name")
	backupCmd.MarkFlagRequired("job")

	copyCmd.Flags().BoolVar(&flagCopyIdle, "idle", false, "watch the source INBOX and copy continuously")

	reindexCmd.Flags().StringVar(&flagReindexMailbox, "mailbox", "imported", "mailbox name to attach reindexed messages to")

	archiveCmd.Flags().BoolVar(&flagArchiveMove, "move", false, "remove originals after a successful import")
	archiveCmd.Flags().BoolVar(&flagArchiveLargest, "largest-per-dir", false, "import only the largest .eml of each directory")
	archiveCmd.Flags().BoolVar(&flagArchiveAddresses, "addresses", false, "print the tree's unique addresses instead of importing")
	archiveCmd.Flags().BoolVar(&flagArchiveStats, "stats", false, "print file count and total bytes instead of importing")

	rootCmd.AddCommand(listCmd, backupCmd, copyCmd, reindexCmd, archiveCmd)
}
