package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/git2p/internal/fuse"
)

var mountDebug bool

var mountCmd = &cobra.Command{
	Use:   "mount <dir>",
	Short: "Mount the commit history as a read-only filesystem",
	Long: `Mount exposes the repository's history under dir:

  HEAD                  current head commit id
  log/<n>               n-th commit back from HEAD, as JSON
  commits/<id>/<path>   file contents as of a commit

The mount stays up until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log FUSE requests")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	repo, cfg, err := openRepo()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	server, err := fuse.MountFS(args[0], repo, mountDebug)
	if err != nil {
		return fmt.Errorf("mount %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mounted %s at %s\n", repo.Root(), args[0])

	ctx, cancel := setupSignalHandler()
	defer cancel()
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return nil
}
