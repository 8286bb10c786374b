// Command tarfs mounts a (optionally compressed) tar archive as a
// read-only FUSE filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	foreground   bool
	allowRoot    bool
	allowOther   bool
	autoUnmount  bool
	numericOwner bool
	uid          uint32
	gid          uint32
	mode         string
	dumpTree     bool
	logLevel     string
	scratchDir   string

	hasUID, hasGID, hasMode bool
}

func newRootCommand() *cobra.Command {
	opts := &options{
		logLevel:   envOr("TARFS_LOG_LEVEL", "info"),
		scratchDir: "/var/tmp/tarfs",
	}

	cmd := &cobra.Command{
		Use:   "tarfs <archive> <mount-point>",
		Short: "Mount a tar archive as a read-only FUSE filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.hasUID = cmd.Flags().Changed("uid")
			opts.hasGID = cmd.Flags().Changed("gid")
			opts.hasMode = cmd.Flags().Changed("mode")
			return run(args[0], args[1], opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	flags.BoolVar(&opts.allowRoot, "allow-root", false, "allow root to access the mount")
	flags.BoolVar(&opts.allowOther, "allow-other", false, "allow other users to access the mount")
	flags.BoolVar(&opts.autoUnmount, "auto-unmount", false, "ask the kernel to unmount automatically when this process exits")
	flags.BoolVar(&opts.numericOwner, "numeric-owner", false, "always use numeric uid/gid from the archive, ignoring names")
	flags.Uint32Var(&opts.uid, "uid", 0, "force all entries to this uid")
	flags.Uint32Var(&opts.gid, "gid", 0, "force all entries to this gid")
	flags.StringVar(&opts.mode, "mode", "", "force all entries to this permission mode, parsed as octal")
	flags.BoolVar(&opts.dumpTree, "dump-tree", false, "log the built tree before mounting")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: trace, debug, info, warn, error")
	flags.StringVar(&opts.scratchDir, "scratch-dir", opts.scratchDir, "root directory for materialized cache files")

	return cmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}
