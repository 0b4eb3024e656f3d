package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/bisibesi/replicator/internal/config"
	"github.com/bisibesi/replicator/internal/executor"
)

var (
	dryRun       bool
	ignoreErrors bool
)

var RootCmd = &cobra.Command{
	Use:   "replicator",
	Short: "Replicate a remote metadata-API database into a local Postgres",
	Long: `replicator copies every table visible through the upstream metadata API
into a locally administered Postgres database: it discovers tables and
their foreign keys, orders them topologically, streams rows through a
paged extract/transform/load pipeline, and commits all-or-nothing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper()
		if dryRun {
			v.Set("mode", config.ModeDryRun)
		}
		if ignoreErrors {
			v.Set("continue_on_error", true)
			v.Set("enable_rollback", false)
		}

		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		log := cfg.Logger()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e := executor.New(cfg, log)
		e.Progress = isatty.IsTerminal(os.Stdout.Fd())
		return e.Run(ctx)
	},
}

// Execute runs the CLI and maps outcomes onto exit codes: 0 on success and
// on help or unknown flags, 1 on any fatal error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "analyze without writing to the target")
	RootCmd.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "i", false, "continue past failed tables and skip rollback")

	// Unknown flags print usage and exit 0, matching --help.
	RootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.Println(err)
		cmd.Usage()
		os.Exit(0)
		return nil
	})
}
